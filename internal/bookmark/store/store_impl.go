package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/merchlytics/merchlytics/internal/bookmark/domain"
	obsmetrics "github.com/merchlytics/merchlytics/internal/observability/metrics"
	"go.uber.org/zap"
)

// fileStore keeps all bookmarks in one JSON document keyed by source name,
// readable and editable independently of the pipeline process. Writes go
// through a temp file and rename so a crash never leaves a torn document.
type fileStore struct {
	path string
	log  *zap.Logger
	mu   sync.Mutex
}

func Provide(path string, log *zap.Logger) domain.Store {
	return &fileStore{
		path: path,
		log:  log.Named("bookmark.store"),
	}
}

func (s *fileStore) Get(ctx context.Context, source string) (*domain.Bookmark, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	bookmark, ok := doc[source]
	if !ok {
		return nil, nil
	}
	return &bookmark, nil
}

func (s *fileStore) Set(ctx context.Context, source string, bookmark domain.Bookmark) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		// A corrupt document is already lost; start a fresh one rather
		// than refusing to record progress.
		s.log.Error("bookmark document unreadable on write, starting fresh", zap.Error(err))
		doc = map[string]domain.Bookmark{}
	}
	doc[source] = bookmark

	return s.write(doc)
}

func (s *fileStore) GetOrDefault(ctx context.Context, source, fallbackCursor string) domain.Bookmark {
	bookmark, err := s.Get(ctx, source)
	if err != nil {
		// Treat unreadable state as "no bookmark". This silently widens the
		// next run to a full resync, so it must not pass quietly.
		s.log.Error("bookmark unreadable, falling back to full resync",
			zap.String("source", source),
			zap.String("fallback_cursor", fallbackCursor),
			zap.Error(err),
		)
		obsmetrics.Pipeline().IncBookmarkReset()
		return domain.Bookmark{Cursor: fallbackCursor}
	}
	if bookmark == nil {
		return domain.Bookmark{Cursor: fallbackCursor}
	}
	return *bookmark
}

func (s *fileStore) read() (map[string]domain.Bookmark, error) {
	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]domain.Bookmark{}, nil
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUnreadable, err)
	}
	if len(payload) == 0 {
		return map[string]domain.Bookmark{}, nil
	}

	var doc map[string]domain.Bookmark
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnreadable, err)
	}
	if doc == nil {
		doc = map[string]domain.Bookmark{}
	}
	return doc, nil
}

func (s *fileStore) write(doc map[string]domain.Bookmark) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create bookmark dir: %w", err)
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bookmarks: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".bookmarks-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp bookmark file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write bookmarks: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync bookmarks: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close bookmarks: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace bookmarks: %w", err)
	}
	return nil
}
