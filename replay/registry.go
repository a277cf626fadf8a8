// Package replay records consumed admission proofs. An entry is never
// removed: once a digest has been inserted every later attempt to use it is
// refused, across process restarts when a persistent backend is used.
package replay

import (
	"context"
	"sync"

	"github.com/eth2030/tokenrelay/core/types"
)

// Registry is a set of consumed digests with an atomic check-and-insert.
type Registry interface {
	// CheckAndInsert adds digest and reports true, or reports false if it
	// was already present. Of any number of concurrent callers with the
	// same digest exactly one sees true.
	CheckAndInsert(ctx context.Context, digest types.Hash) (bool, error)
	Contains(ctx context.Context, digest types.Hash) (bool, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu   sync.Mutex
	seen map[types.Hash]struct{}
}

// NewMemoryRegistry returns an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{seen: make(map[types.Hash]struct{})}
}

func (r *MemoryRegistry) CheckAndInsert(_ context.Context, digest types.Hash) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[digest]; ok {
		return false, nil
	}
	r.seen[digest] = struct{}{}
	return true, nil
}

func (r *MemoryRegistry) Contains(_ context.Context, digest types.Hash) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[digest]
	return ok, nil
}

func (r *MemoryRegistry) Len(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen), nil
}

func (r *MemoryRegistry) Close() error { return nil }
