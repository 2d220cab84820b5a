package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/tablestore/internal/resource"
)

// ErrExhausted is returned when no page can be allocated.
var ErrExhausted = errors.New("memory: pool exhausted")

// Pool allocates fixed-size pages.
type Pool interface {
	// PageSize returns the size of every page in bytes.
	PageSize() int
	// Allocate returns a page or ErrExhausted.
	Allocate() ([]byte, error)
	// Free returns a page to the pool.
	Free(page []byte)
	// FreePages returns the number of pages that can still be allocated.
	FreePages() int
}

// Option configures a HeapPool.
type Option func(*HeapPool)

// WithController charges every allocated page against rc.
func WithController(rc *resource.Controller) Option {
	return func(p *HeapPool) {
		p.rc = rc
	}
}

// HeapPool is a Pool of at most maxPages heap-allocated pages. Freed pages
// are recycled. It is safe for concurrent use.
type HeapPool struct {
	pageSize int
	maxPages int
	rc       *resource.Controller

	mu        sync.Mutex
	allocated int
	recycled  [][]byte
}

// NewHeapPool creates a pool of maxPages pages of pageSize bytes.
func NewHeapPool(pageSize, maxPages int, opts ...Option) *HeapPool {
	if pageSize <= 0 {
		panic(fmt.Sprintf("memory: invalid page size %d", pageSize))
	}
	p := &HeapPool{pageSize: pageSize, maxPages: maxPages}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewHeapPoolForBudget sizes a pool so that it fits within budget bytes.
func NewHeapPoolForBudget(budget int64, pageSize int, opts ...Option) *HeapPool {
	return NewHeapPool(pageSize, int(budget/int64(pageSize)), opts...)
}

func (p *HeapPool) PageSize() int { return p.pageSize }

func (p *HeapPool) Allocate() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allocated >= p.maxPages {
		return nil, ErrExhausted
	}
	if err := p.rc.AcquireMemory(int64(p.pageSize)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExhausted, err)
	}
	p.allocated++

	if n := len(p.recycled); n > 0 {
		page := p.recycled[n-1]
		p.recycled = p.recycled[:n-1]
		return page, nil
	}
	return make([]byte, p.pageSize), nil
}

func (p *HeapPool) Free(page []byte) {
	if len(page) != p.pageSize {
		panic(fmt.Sprintf("memory: freeing page of size %d into pool of page size %d", len(page), p.pageSize))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.allocated--
	p.rc.ReleaseMemory(int64(p.pageSize))
	p.recycled = append(p.recycled, page)
}

func (p *HeapPool) FreePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxPages - p.allocated
}

// TotalPages returns the capacity of the pool in pages.
func (p *HeapPool) TotalPages() int { return p.maxPages }

// AllocatedPages returns the number of pages currently handed out.
func (p *HeapPool) AllocatedPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}
