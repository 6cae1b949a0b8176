// Package store persists fetched payloads under a single output root with
// deterministic paths, idempotent puts, and atomic file commits.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stillweb/stillweb/internal/mirror"
)

// Journal receives a record of every first-time Put. The sqlite catalog
// implements it; a nil journal disables persistence of records.
type Journal interface {
	RecordResource(ctx context.Context, res mirror.StoredResource) error
}

// Store owns the output tree. All methods are safe for concurrent use.
type Store struct {
	root    string
	journal Journal
	logger  *zap.Logger

	mu     sync.Mutex
	byURL  map[mirror.CanonicalURL]mirror.StoredResource
	byPath map[string]mirror.CanonicalURL
}

// New opens a store rooted at root, creating the directory if needed.
func New(root string, journal Journal, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("store: output root must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve output root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create output root: %w", err)
	}
	return &Store{
		root:    abs,
		journal: journal,
		logger:  logger,
		byURL:   make(map[mirror.CanonicalURL]mirror.StoredResource),
		byPath:  make(map[string]mirror.CanonicalURL),
	}, nil
}

// Root returns the absolute output root.
func (s *Store) Root() string { return s.root }

// Preload seeds the index from previously recorded resources so a re-run
// sees existing files as already stored.
func (s *Store) Preload(resources []mirror.StoredResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, res := range resources {
		if _, ok := s.byURL[res.URL]; ok {
			continue
		}
		s.byURL[res.URL] = res
		s.byPath[res.LocalPath] = res.URL
	}
}

// Put persists body for u. The second Put for the same URL is a no-op that
// returns the original record. Content reaches its final path via a temp
// file and rename, so cancellation never leaves partial resources behind.
func (s *Store) Put(ctx context.Context, u mirror.CanonicalURL, body []byte, mediaType string) (mirror.StoredResource, error) {
	s.mu.Lock()
	if existing, ok := s.byURL[u]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	localPath := LocalPath(u, mediaType)
	if owner, taken := s.byPath[localPath]; taken && owner != u {
		localPath = collisionPath(localPath, u)
	}
	s.byPath[localPath] = u
	s.mu.Unlock()

	res := mirror.StoredResource{
		URL:         u,
		LocalPath:   localPath,
		ContentHash: hashBytes(body),
		ContentType: mediaType,
		Size:        int64(len(body)),
		FetchedAt:   time.Now().UTC(),
	}
	if err := s.writeAtomic(localPath, body); err != nil {
		s.mu.Lock()
		delete(s.byPath, localPath)
		s.mu.Unlock()
		return mirror.StoredResource{}, err
	}

	s.mu.Lock()
	if existing, ok := s.byURL[u]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.byURL[u] = res
	s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.RecordResource(ctx, res); err != nil {
			s.logger.Warn("catalog write failed",
				zap.String("url", u.String()),
				zap.Error(err),
			)
		}
	}
	return res, nil
}

// PathFor returns the local path recorded for u.
func (s *Store) PathFor(u mirror.CanonicalURL) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.byURL[u]
	if !ok {
		return "", false
	}
	return res.LocalPath, true
}

// Resources lists all records sorted by URL.
func (s *Store) Resources() []mirror.StoredResource {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mirror.StoredResource, 0, len(s.byURL))
	for _, res := range s.byURL {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// ReadFile returns the stored bytes for res.
func (s *Store) ReadFile(res mirror.StoredResource) ([]byte, error) {
	data, err := os.ReadFile(s.fullPath(res.LocalPath))
	if err != nil {
		return nil, fmt.Errorf("read stored resource: %w", err)
	}
	return data, nil
}

// Rewrite replaces the bytes at res.LocalPath in place, keeping the record
// untouched. Used by the offline link pass once all outcomes are final.
func (s *Store) Rewrite(res mirror.StoredResource, body []byte) error {
	s.mu.Lock()
	owner, ok := s.byPath[res.LocalPath]
	s.mu.Unlock()
	if !ok || owner != res.URL {
		return fmt.Errorf("rewrite %s: path not owned by %s", res.LocalPath, res.URL)
	}
	return s.writeAtomic(res.LocalPath, body)
}

func (s *Store) fullPath(localPath string) string {
	return filepath.Join(s.root, filepath.FromSlash(localPath))
}

func (s *Store) writeAtomic(localPath string, body []byte) error {
	full := s.fullPath(localPath)
	if !strings.HasPrefix(filepath.Clean(full), s.root+string(os.PathSeparator)) {
		return fmt.Errorf("path %q escapes output root", localPath)
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create resource directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".stillweb-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write resource: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit resource: %w", err)
	}
	return nil
}
