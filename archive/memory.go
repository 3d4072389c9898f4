package archive

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// MemoryStore is an in-memory ObjectStore for tests. Signed URLs carry
// an X-Amz-Date issue-time token like the real backend's.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// Now overrides the clock used for signing. Nil means time.Now.
	Now func() time.Time
	// FailPuts makes Put return an error, for degradation tests.
	FailPuts bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPuts {
		return fmt.Errorf("memory store: puts disabled")
	}
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) SignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	q := url.Values{}
	q.Set("X-Amz-Date", now().UTC().Format("20060102T150405Z"))
	q.Set("X-Amz-Expires", fmt.Sprintf("%d", int(expiry.Seconds())))
	return "https://store.invalid/" + key + "?" + q.Encode(), nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

// Object returns the stored bytes for key and whether it exists.
func (s *MemoryStore) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return b, ok
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
