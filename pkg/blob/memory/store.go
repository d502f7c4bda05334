// Package memory provides an in-process blob store for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dukex/flowlane/pkg/blob"
)

// Store keeps blobs in a map.
type Store struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	deletes map[string]int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		blobs:   make(map[string][]byte),
		deletes: make(map[string]int),
	}
}

func (s *Store) Put(_ context.Context, data []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	s.blobs[id] = append([]byte(nil), data...)

	return id, nil
}

func (s *Store) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.blobs[id]
	if !ok {
		return nil, blob.ErrNotFound
	}

	return append([]byte(nil), data...), nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[id]; !ok {
		return blob.ErrNotFound
	}

	delete(s.blobs, id)
	s.deletes[id]++

	return nil
}

// Exists reports whether the blob is still stored.
func (s *Store) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.blobs[id]

	return ok
}

// Deletes returns how many times the blob was successfully deleted.
func (s *Store) Deletes(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deletes[id]
}

// Len returns the number of stored blobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.blobs)
}
