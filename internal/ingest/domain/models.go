// Package domain defines the contract between source connectors and the
// transform/load core. Connectors hand over semi-structured record batches
// plus a watermark cursor; the core never fetches data itself.
package domain

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Kind names the entity a raw batch carries.
type Kind string

const (
	KindCustomers    Kind = "customers"
	KindProducts     Kind = "products"
	KindOrders       Kind = "orders"
	KindTransactions Kind = "transactions"
)

var ErrSourceUnknown = errors.New("unknown_source")

// RawRecord is one schema-flexible upstream record. Field names differ per
// source, so readers go through the accessor helpers; everything the mappers
// do not understand stays in the record and lands in raw_payload.
type RawRecord map[string]any

// RawBatch is a homogeneous slice of raw records for one entity kind.
type RawBatch struct {
	Kind    Kind
	Records []RawRecord
}

// Pull is the result of one connector fetch: the batches plus the watermark
// cursor the bookmark advances to after a fully successful load.
type Pull struct {
	Batches   []RawBatch
	Watermark string
}

// Source is a connector collaborator. Fetch is bounded by the cursor from
// the bookmark store and must honor ctx cancellation.
type Source interface {
	Name() string
	Fetch(ctx context.Context, cursor string) (Pull, error)
}

// String returns the record's value for the first present key, stringified.
func (r RawRecord) String(keys ...string) string {
	for _, key := range keys {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		switch value := v.(type) {
		case string:
			if strings.TrimSpace(value) != "" {
				return strings.TrimSpace(value)
			}
		case float64:
			// JSON numbers decode as float64; IDs are whole numbers.
			if value == float64(int64(value)) {
				return strconv.FormatInt(int64(value), 10)
			}
			return strconv.FormatFloat(value, 'f', -1, 64)
		case int:
			return strconv.Itoa(value)
		case int64:
			return strconv.FormatInt(value, 10)
		case bool:
			return strconv.FormatBool(value)
		}
	}
	return ""
}

// Float returns the first present numeric value. Strings are parsed after
// stripping currency symbols and thousands separators.
func (r RawRecord) Float(keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		switch value := v.(type) {
		case float64:
			return value, true
		case int:
			return float64(value), true
		case int64:
			return float64(value), true
		case string:
			cleaned := cleanAmount(value)
			if cleaned == "" {
				continue
			}
			parsed, err := strconv.ParseFloat(cleaned, 64)
			if err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}

// Int returns the first present integer value.
func (r RawRecord) Int(keys ...string) (int, bool) {
	if f, ok := r.Float(keys...); ok {
		return int(f), true
	}
	return 0, false
}

// Bool returns the first present boolean value with a fallback default.
func (r RawRecord) Bool(def bool, keys ...string) bool {
	for _, key := range keys {
		if v, ok := r[key].(bool); ok {
			return v
		}
	}
	return def
}

// Map returns the first present nested object.
func (r RawRecord) Map(keys ...string) map[string]any {
	for _, key := range keys {
		if v, ok := r[key].(map[string]any); ok {
			return v
		}
	}
	return nil
}

// List returns the first present nested array.
func (r RawRecord) List(keys ...string) []any {
	for _, key := range keys {
		if v, ok := r[key].([]any); ok {
			return v
		}
	}
	return nil
}

// ObservedAt extracts the source-side update ordering for in-batch
// last-write-wins. Naive timestamps are interpreted in loc, matching the
// timestamp normalization rule, so dedupe ordering and cursor skips agree.
// Zero time means the batch position decides.
func (r RawRecord) ObservedAt(loc *time.Location) time.Time {
	raw := r.String("observed_at", "updated_at", "date_modified", "modified_at")
	if raw == "" {
		return time.Time{}
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func cleanAmount(s string) string {
	var b strings.Builder
	for _, ch := range strings.TrimSpace(s) {
		if (ch >= '0' && ch <= '9') || ch == '.' || ch == '-' {
			b.WriteRune(ch)
		}
	}
	return b.String()
}
