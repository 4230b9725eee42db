// Package memory provides an in-memory blob.ObjectStore used by tests
// and by the pipeline's dry-run paths.
package memory

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cptnfren/teltubby/pkg/store/blob"
)

// Store is a map-backed object store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// FailureFn, when set, is consulted before every operation; a
	// non-nil return aborts the operation with that error. Tests use it
	// to inject transient and permanent storage failures.
	FailureFn func(op, key string) error

	puts    int
	deletes int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

func (s *Store) fail(op, key string) error {
	if s.FailureFn == nil {
		return nil
	}
	return s.FailureFn(op, key)
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fail("put", key); err != nil {
		return err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return &blob.Error{Op: "put", Key: key, Kind: blob.KindTransient, Err: err}
	}

	s.mu.Lock()
	s.objects[key] = data
	s.puts++
	s.mu.Unlock()
	return nil
}

func (s *Store) Head(ctx context.Context, key string) (*blob.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.fail("head", key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, &blob.Error{Op: "head", Key: key, Kind: blob.KindNotFound, Err: blob.ErrNotFound}
	}
	return &blob.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fail("delete", key); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.objects, key)
	s.deletes++
	s.mu.Unlock()
	return nil
}

func (s *Store) List(ctx context.Context, prefix string, fn func(blob.ObjectInfo) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fail("list", prefix); err != nil {
		return err
	}

	for _, info := range s.snapshot(prefix) {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Usage(ctx context.Context) (*blob.UsageStats, error) {
	if err := s.fail("usage", ""); err != nil {
		return nil, err
	}

	stats := &blob.UsageStats{ComputedAt: time.Now()}
	s.mu.RLock()
	for _, data := range s.objects {
		stats.ObjectCount++
		stats.TotalBytes += uint64(len(data))
	}
	s.mu.RUnlock()
	return stats, nil
}

// snapshot returns a sorted copy of the objects under prefix.
func (s *Store) snapshot(prefix string) []blob.ObjectInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]blob.ObjectInfo, 0, len(s.objects))
	for key, data := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, blob.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Object returns the stored payload and whether the key exists.
func (s *Store) Object(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	return data, ok
}

// Keys returns all stored keys, sorted.
func (s *Store) Keys() []string {
	infos := s.snapshot("")
	keys := make([]string, len(infos))
	for i, info := range infos {
		keys[i] = info.Key
	}
	return keys
}

// PutCount returns how many Put calls have succeeded.
func (s *Store) PutCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}
