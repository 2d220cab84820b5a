package memory

import (
	"errors"
	"log/slog"
	"sync"
)

// Owner is a consumer of pooled memory that can release it on demand.
type Owner interface {
	// MemoryOccupancy returns the bytes currently held.
	MemoryOccupancy() int64
	// FlushMemory releases held memory, e.g. by spilling or flushing.
	FlushMemory() (bool, error)
}

// PoolFactory shares one HeapPool among owners. When an owner cannot get a
// page, the factory asks the owner with the largest occupancy among the
// others to flush, then retries once.
type PoolFactory struct {
	shared *HeapPool
	logger *slog.Logger

	mu     sync.Mutex
	owners []Owner
}

// NewPoolFactory creates a factory over shared. logger may be nil.
func NewPoolFactory(shared *HeapPool, logger *slog.Logger) *PoolFactory {
	return &PoolFactory{shared: shared, logger: logger}
}

// Shared returns the underlying pool.
func (f *PoolFactory) Shared() *HeapPool { return f.shared }

// AddOwner registers owner as a candidate for preemption and returns the
// pool it allocates from.
func (f *PoolFactory) AddOwner(owner Owner) Pool {
	f.mu.Lock()
	f.owners = append(f.owners, owner)
	f.mu.Unlock()
	return &ownerPool{factory: f, owner: owner}
}

// RemoveOwner unregisters owner.
func (f *PoolFactory) RemoveOwner(owner Owner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, o := range f.owners {
		if o == owner {
			f.owners = append(f.owners[:i], f.owners[i+1:]...)
			return
		}
	}
}

// Owners returns the number of registered owners.
func (f *PoolFactory) Owners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.owners)
}

// preempt flushes the largest owner other than requester. It reports whether
// any owner was asked to flush.
func (f *PoolFactory) preempt(requester Owner) (bool, error) {
	f.mu.Lock()
	var victim Owner
	var max int64
	for _, o := range f.owners {
		if o == requester {
			continue
		}
		if occ := o.MemoryOccupancy(); occ > max {
			victim, max = o, occ
		}
	}
	f.mu.Unlock()

	if victim == nil {
		return false, nil
	}
	// The lock is released: flushing frees pages back into the shared pool.
	if f.logger != nil {
		f.logger.Debug("preempting memory owner", "occupancy", max)
	}
	if _, err := victim.FlushMemory(); err != nil {
		return false, err
	}
	return true, nil
}

type ownerPool struct {
	factory *PoolFactory
	owner   Owner
}

func (p *ownerPool) PageSize() int { return p.factory.shared.PageSize() }

func (p *ownerPool) Allocate() ([]byte, error) {
	page, err := p.factory.shared.Allocate()
	if err == nil || !errors.Is(err, ErrExhausted) {
		return page, err
	}
	preempted, perr := p.factory.preempt(p.owner)
	if perr != nil {
		return nil, perr
	}
	if !preempted {
		return nil, err
	}
	return p.factory.shared.Allocate()
}

func (p *ownerPool) Free(page []byte) { p.factory.shared.Free(page) }

func (p *ownerPool) FreePages() int { return p.factory.shared.FreePages() }
