// Package staging is a file-backed Source for local and self-hosted setups:
// connector processes drop JSON payloads into a staging directory and the
// pipeline picks them up on its next run.
package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/merchlytics/merchlytics/internal/ingest/domain"
)

// Source reads staged JSON files whose names start with the source name,
// e.g. shopify_orders_20240101.json. Records at or before the cursor are
// skipped so a bookmark bounds reprocessing.
type Source struct {
	name string
	dir  string
	loc  *time.Location
}

// New builds a staging source. Naive observed_at values are interpreted in
// loc so cursor comparisons line up with the normalized timestamps; nil
// means UTC.
func New(name, dir string, loc *time.Location) *Source {
	return &Source{name: name, dir: dir, loc: loc}
}

func (s *Source) Name() string { return s.name }

func (s *Source) Fetch(ctx context.Context, cursor string) (domain.Pull, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Pull{Watermark: cursor}, nil
		}
		return domain.Pull{}, fmt.Errorf("read staging dir: %w", err)
	}

	since := parseCursor(cursor)
	watermark := since
	batches := map[domain.Kind][]domain.RawRecord{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return domain.Pull{}, err
		}
		name := strings.ToLower(entry.Name())
		if entry.IsDir() || !strings.HasPrefix(name, s.name+"_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		kind, ok := kindFromFilename(name)
		if !ok {
			continue
		}

		records, err := readRecords(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return domain.Pull{}, err
		}
		for _, record := range records {
			observed := record.ObservedAt(s.loc)
			if !observed.IsZero() {
				if !since.IsZero() && !observed.After(since) {
					continue
				}
				if observed.After(watermark) {
					watermark = observed
				}
			}
			batches[kind] = append(batches[kind], record)
		}
	}

	pull := domain.Pull{Watermark: cursor}
	if !watermark.IsZero() {
		pull.Watermark = watermark.UTC().Format(time.RFC3339Nano)
	}
	// Dimensions before facts, orders before transactions.
	for _, kind := range []domain.Kind{domain.KindCustomers, domain.KindProducts, domain.KindOrders, domain.KindTransactions} {
		if records := batches[kind]; len(records) > 0 {
			pull.Batches = append(pull.Batches, domain.RawBatch{Kind: kind, Records: records})
		}
	}
	return pull, nil
}

func kindFromFilename(name string) (domain.Kind, bool) {
	switch {
	case strings.Contains(name, "product") || strings.Contains(name, "inventory"):
		return domain.KindProducts, true
	case strings.Contains(name, "customer"):
		return domain.KindCustomers, true
	case strings.Contains(name, "charge") || strings.Contains(name, "transaction") || strings.Contains(name, "payment"):
		return domain.KindTransactions, true
	case strings.Contains(name, "order"):
		return domain.KindOrders, true
	default:
		return "", false
	}
}

func readRecords(path string) ([]domain.RawRecord, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read staged file %s: %w", path, err)
	}

	var records []domain.RawRecord
	if err := json.Unmarshal(payload, &records); err == nil {
		return records, nil
	}

	// Some connectors wrap the list in an envelope ({"orders": [...]},
	// {"data": [...]}).
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("staged file %s is not valid JSON: %w", path, err)
	}
	for _, key := range []string{"data", "orders", "transactions", "charges", "customers", "products"} {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &records); err == nil {
			return records, nil
		}
	}
	return nil, nil
}

func parseCursor(cursor string) time.Time {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, cursor); err == nil {
			return t
		}
	}
	return time.Time{}
}
