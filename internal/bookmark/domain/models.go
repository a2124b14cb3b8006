// Package domain defines the per-source ingestion bookmark: the durable
// cursor that bounds what the next run reprocesses.
package domain

import (
	"context"
	"errors"
	"time"
)

// ErrUnreadable wraps corrupt or unreadable bookmark state. Callers treat it
// as "no bookmark" (full resync) instead of crashing the run, which is why
// hitting it must be logged loudly.
var ErrUnreadable = errors.New("bookmark_store_unreadable")

// RunStatusSucceeded and RunStatusFailed are the terminal statuses recorded
// alongside the cursor.
const (
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Bookmark is one source's cursor with run bookkeeping. Cursor is opaque to
// the core; sources decide whether it is a timestamp or an ID.
type Bookmark struct {
	Cursor     string    `json:"cursor"`
	LastRunAt  time.Time `json:"last_run_at"`
	LastStatus string    `json:"last_status"`
}

// Store persists bookmarks keyed by source name. Set must be atomic: a
// concurrent reader sees either the previous document or the new one, never
// a partial write. The store does not enforce cursor monotonicity; the
// pipeline advances cursors only after a fully successful load.
type Store interface {
	Get(ctx context.Context, source string) (*Bookmark, error)
	Set(ctx context.Context, source string, bookmark Bookmark) error
	GetOrDefault(ctx context.Context, source, fallbackCursor string) Bookmark
}
