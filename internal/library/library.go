// Package library turns element ids into decoded, graph-ready audio buffers.
//
// Raw bytes come from a [Store]; [Library] decodes them with beep, resamples
// to the graph format and keeps the results in a bounded LRU cache. Loads of
// the same id that overlap are collapsed into one decode.
package library

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/MrWong99/ambiance/internal/config"
	"github.com/MrWong99/ambiance/pkg/audio"
	"github.com/MrWong99/ambiance/pkg/audio/graph"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownElement is returned for ids the store does not know.
var ErrUnknownElement = errors.New("library: unknown element")

// Store opens the encoded bytes of an element. name is used to pick a
// decoder by extension.
type Store interface {
	Open(id string) (rc io.ReadCloser, name string, err error)
}

// DirStore serves the elements listed in the configuration from a directory.
type DirStore struct {
	dir   string
	files map[string]string
}

var _ Store = (*DirStore)(nil)

// NewDirStore maps each element's file relative to dir. Absolute file paths
// are used as is.
func NewDirStore(dir string, elements []config.ElementConfig) *DirStore {
	s := &DirStore{dir: dir, files: make(map[string]string, len(elements))}
	for _, e := range elements {
		p := e.File
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		s.files[e.ID] = p
	}
	return s
}

// Open implements [Store].
func (s *DirStore) Open(id string) (io.ReadCloser, string, error) {
	p, ok := s.files[id]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownElement, id)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, "", fmt.Errorf("library: open %q: %w", id, err)
	}
	return f, p, nil
}

// Library decodes and caches element buffers. It is safe for concurrent use.
type Library struct {
	store    Store
	elements map[string]config.ElementConfig
	cache    *lru.Cache[string, *graph.Buffer]
	loads    singleflight.Group
}

// New creates a library over store. cacheSize bounds the number of decoded
// buffers kept in memory.
func New(store Store, elements []config.ElementConfig, cacheSize int) (*Library, error) {
	if cacheSize <= 0 {
		cacheSize = config.DefaultCacheSize
	}
	cache, err := lru.NewWithEvict(cacheSize, func(id string, _ *graph.Buffer) {
		slog.Debug("library: evicted buffer", "id", id)
	})
	if err != nil {
		return nil, fmt.Errorf("library: create cache: %w", err)
	}
	l := &Library{
		store:    store,
		elements: make(map[string]config.ElementConfig, len(elements)),
		cache:    cache,
	}
	for _, e := range elements {
		l.elements[e.ID] = e
	}
	return l, nil
}

// Element returns the configured element for id.
func (l *Library) Element(id string) (config.ElementConfig, bool) {
	e, ok := l.elements[id]
	return e, ok
}

// Elements returns every configured element sorted by id.
func (l *Library) Elements() []config.ElementConfig {
	out := make([]config.ElementConfig, 0, len(l.elements))
	for _, e := range l.elements {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b config.ElementConfig) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Channel returns the mixer channel of id, defaulting to ambient.
func (l *Library) Channel(id string) audio.ChannelType {
	if e, ok := l.elements[id]; ok && e.Channel.IsValid() {
		return e.Channel
	}
	return audio.ChannelAmbient
}

// Buffer returns the decoded buffer for id, decoding it on a cache miss.
func (l *Library) Buffer(id string) (*graph.Buffer, error) {
	if b, ok := l.cache.Get(id); ok {
		return b, nil
	}
	v, err, _ := l.loads.Do(id, func() (any, error) {
		if b, ok := l.cache.Get(id); ok {
			return b, nil
		}
		start := time.Now()
		rc, name, err := l.store.Open(id)
		if err != nil {
			return nil, err
		}
		b, err := Decode(rc, name)
		if err != nil {
			return nil, fmt.Errorf("library: %q: %w", id, err)
		}
		l.cache.Add(id, b)
		slog.Debug("library: decoded", "id", id, "duration", b.Duration(), "took", time.Since(start))
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*graph.Buffer), nil
}

// Cached reports whether id is currently in the cache.
func (l *Library) Cached(id string) bool { return l.cache.Contains(id) }

// Forget drops id from the cache.
func (l *Library) Forget(id string) { l.cache.Remove(id) }

// Purge empties the cache.
func (l *Library) Purge() { l.cache.Purge() }
