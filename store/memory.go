package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alimasry/go-delta/delta"
)

type docRecord struct {
	info    DocumentInfo
	history [][]*delta.Op
}

// MemoryStore is an in-memory implementation of DocumentStore. Deltas are
// copied on the way in and out, so callers never share ops with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*docRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*docRecord)}
}

func (s *MemoryStore) Create(_ context.Context, id string, doc *delta.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[id]; exists {
		return fmt.Errorf("document %q: %w", id, ErrExists)
	}
	now := time.Now()
	s.docs[id] = &docRecord{
		info: DocumentInfo{
			ID:        id,
			Delta:     cloneDoc(doc),
			Version:   0,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	info := rec.info
	info.Delta = cloneDoc(rec.info.Delta)
	return &info, nil
}

func (s *MemoryStore) List(_ context.Context) ([]DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]DocumentInfo, 0, len(s.docs))
	for _, rec := range s.docs {
		info := rec.info
		info.Delta = cloneDoc(rec.info.Delta)
		result = append(result, info)
	}
	return result, nil
}

func (s *MemoryStore) UpdateContent(_ context.Context, id string, doc *delta.Document, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	rec.info.Delta = cloneDoc(doc)
	rec.info.Version = version
	rec.info.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AppendOperation(_ context.Context, id string, ops []*delta.Op, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if version <= len(rec.history) {
		return nil
	}
	rec.history = append(rec.history, cloneOps(ops))
	rec.info.Version = version
	rec.info.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetOperations(_ context.Context, id string, fromVersion int) ([][]*delta.Op, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if fromVersion < 0 {
		return nil, fmt.Errorf("invalid version %d", fromVersion)
	}
	if fromVersion >= len(rec.history) {
		return [][]*delta.Op{}, nil
	}
	history := make([][]*delta.Op, 0, len(rec.history)-fromVersion)
	for _, ops := range rec.history[fromVersion:] {
		history = append(history, cloneOps(ops))
	}
	return history, nil
}
