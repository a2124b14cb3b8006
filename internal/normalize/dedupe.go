package normalize

import "time"

// Keyed is any entity with a natural key and an observation timestamp.
type Keyed interface {
	NaturalKey() string
	ObservedAtTime() time.Time
}

// Dedupe keeps exactly one record per natural key: the one with the latest
// observation timestamp, falling back to batch order when timestamps are
// equal or absent. First-seen key order is preserved so output is stable.
func Dedupe[T Keyed](records []T) (kept []T, dropped int) {
	if len(records) == 0 {
		return records, 0
	}

	winners := make(map[string]T, len(records))
	order := make([]string, 0, len(records))
	for _, rec := range records {
		key := rec.NaturalKey()
		current, seen := winners[key]
		if !seen {
			winners[key] = rec
			order = append(order, key)
			continue
		}
		dropped++
		// Later batch position wins ties, matching upstream delivery order.
		if !rec.ObservedAtTime().Before(current.ObservedAtTime()) {
			winners[key] = rec
		}
	}

	kept = make([]T, 0, len(order))
	for _, key := range order {
		kept = append(kept, winners[key])
	}
	return kept, dropped
}
