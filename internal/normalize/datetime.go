package normalize

import (
	"errors"
	"strings"
	"time"
)

var ErrUnparseableTimestamp = errors.New("unparseable_timestamp")

var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a source timestamp and returns it in UTC. Naive
// timestamps (no offset) are interpreted in loc, never silently as UTC.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ErrUnparseableTimestamp
	}
	for _, layout := range zonedLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, value, loc); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, ErrUnparseableTimestamp
}
