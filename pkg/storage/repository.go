// Package storage holds flow file content outside the flow files themselves.
// Content is addressed by a claim string; repositories never interpret it.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// Repository stores content by claim
type Repository interface {
	// Write stores everything read from r under claim and returns the byte count
	Write(ctx context.Context, claim string, r io.Reader) (int64, error)

	// Open returns a reader over the content stored under claim
	Open(ctx context.Context, claim string) (io.ReadCloser, error)

	// Remove deletes the content stored under claim
	Remove(ctx context.Context, claim string) error
}

// NewClaim returns a fresh content claim
func NewClaim() string {
	return uuid.New().String()
}

func notFound(claim string) error {
	return errors.NewNotFoundError(fmt.Sprintf("no content for claim %q", claim), "CONTENT_NOT_FOUND", errors.ErrContentNotFound)
}

// MemoryRepository keeps content in process memory. Safe for concurrent use.
type MemoryRepository struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{data: make(map[string][]byte)}
}

// Write implements Repository
func (m *MemoryRepository) Write(ctx context.Context, claim string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read content for claim %q: %w", claim, err)
	}
	m.mu.Lock()
	m.data[claim] = data
	m.mu.Unlock()
	return int64(len(data)), nil
}

// Open implements Repository
func (m *MemoryRepository) Open(ctx context.Context, claim string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.data[claim]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(claim)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Remove implements Repository
func (m *MemoryRepository) Remove(ctx context.Context, claim string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[claim]; !ok {
		return notFound(claim)
	}
	delete(m.data, claim)
	return nil
}

// Put stores data under claim
func (m *MemoryRepository) Put(claim string, data []byte) {
	m.mu.Lock()
	m.data[claim] = append([]byte(nil), data...)
	m.mu.Unlock()
}

// Bytes returns a copy of the content under claim
func (m *MemoryRepository) Bytes(claim string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[claim]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len returns the number of stored claims
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// ReadAll reads the whole content under claim from repo
func ReadAll(ctx context.Context, repo Repository, claim string) ([]byte, error) {
	rc, err := repo.Open(ctx, claim)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
