// Package bundles serves the scraped bundle catalogue and forwards refresh
// requests to the external updater.
package bundles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const (
	BundlesFile = "bundles.json"

	DefaultPage  = 1
	DefaultLimit = 10
)

var (
	ErrNotFound    = errors.New("bundle not found")
	ErrUnavailable = errors.New("bundle data not available")
)

// Page is one slice of the catalogue. Items are returned as stored.
type Page struct {
	Items      []json.RawMessage `json:"bundles"`
	Page       int               `json:"page"`
	Limit      int               `json:"limit"`
	Total      int               `json:"total"`
	TotalPages int               `json:"totalPages"`
}

type record struct {
	id  string
	raw json.RawMessage
}

// FileStore reads <dataDir>/bundles.json, a JSON array of objects carrying an
// "id" or "bundleid" field. While Watch runs the cached catalogue is reused
// until the file changes; otherwise every read compares the file's
// modification time.
type FileStore struct {
	path     string
	maxLimit int

	watching atomic.Bool
	dirty    atomic.Bool

	mu      sync.RWMutex
	modTime time.Time
	records []record
	index   map[string]int
}

func NewFileStore(dataDir string, maxLimit int) *FileStore {
	return &FileStore{
		path:     filepath.Join(dataDir, BundlesFile),
		maxLimit: maxLimit,
	}
}

// List returns the requested page. Non-positive page or limit fall back to the
// defaults and limit is clamped to the configured maximum.
func (s *FileStore) List(page, limit int) (*Page, error) {
	if page < 1 {
		page = DefaultPage
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if s.maxLimit > 0 && limit > s.maxLimit {
		limit = s.maxLimit
	}

	if err := s.refresh(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.records)
	out := &Page{
		Items:      []json.RawMessage{},
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: (total + limit - 1) / limit,
	}
	start := (page - 1) * limit
	if start >= total {
		return out, nil
	}
	end := min(start+limit, total)
	for _, r := range s.records[start:end] {
		out.Items = append(out.Items, r.raw)
	}
	return out, nil
}

func (s *FileStore) Get(id string) (json.RawMessage, error) {
	if err := s.refresh(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.records[i].raw, nil
}

// Watch invalidates the cache on filesystem events for the bundles file until
// ctx is canceled. When the data directory cannot be watched the store keeps
// checking modification times.
func (s *FileStore) Watch(ctx context.Context, log logrus.FieldLogger) error {
	dir := filepath.Dir(s.path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("bundle watcher: %v (falling back to mtime checks)", err)
		<-ctx.Done()
		return nil
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		log.Warnf("bundle watch %s: %v (falling back to mtime checks)", dir, err)
		<-ctx.Done()
		return nil
	}

	s.dirty.Store(true)
	s.watching.Store(true)
	defer s.watching.Store(false)

	log.Infof("Watching %s for bundle updates", dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("bundle watcher error: %v", err)
			s.dirty.Store(true)
		case e, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(e.Name) != BundlesFile {
				continue
			}
			if e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.dirty.Store(true)
		}
	}
}

func (s *FileStore) refresh() error {
	if s.watching.Load() && !s.dirty.Swap(false) {
		s.mu.RLock()
		loaded := s.records != nil
		s.mu.RUnlock()
		if loaded {
			return nil
		}
	}

	if err := s.reload(); err != nil {
		// keep retrying until a read succeeds
		s.dirty.Store(true)
		return err
	}
	return nil
}

func (s *FileStore) reload() error {
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrUnavailable
		}
		return fmt.Errorf("stat %s: %w", s.path, err)
	}

	s.mu.RLock()
	fresh := s.records != nil && info.ModTime().Equal(s.modTime)
	s.mu.RUnlock()
	if fresh {
		return nil
	}

	contents, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", s.path, err)
	}
	records, index, err := decode(contents)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.records = records
	s.index = index
	s.modTime = info.ModTime()
	s.mu.Unlock()
	return nil
}

func decode(contents []byte) ([]record, map[string]int, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(contents, &raws); err != nil {
		return nil, nil, err
	}

	records := make([]record, 0, len(raws))
	index := make(map[string]int, len(raws))
	for _, raw := range raws {
		var ids struct {
			ID       json.RawMessage `json:"id"`
			BundleID json.RawMessage `json:"bundleid"`
		}
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, nil, err
		}
		id := idString(ids.ID)
		if id == "" {
			id = idString(ids.BundleID)
		}
		if id != "" {
			if _, dup := index[id]; !dup {
				index[id] = len(records)
			}
		}
		records = append(records, record{id: id, raw: raw})
	}
	return records, index, nil
}

// idString accepts both numeric and string ids.
func idString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}
