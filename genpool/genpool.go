// Package genpool provides a general-purpose allocator for fixed-size
// chunks carved out of caller-supplied address regions. The pool hands out
// addresses without ever touching the memory behind them, which makes it
// suitable for managing device-memory regions the host cannot dereference.
package genpool

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrExhausted is returned by Alloc when no free chunks remain in the pool.
var ErrExhausted = errors.New("genpool: no free chunks left in pool")

// Pool hands out fixed-size chunks from one or more address regions. All
// methods are safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	chunkSize uint64
	free      []uint64
}

// New creates an empty pool that allocates chunks of the given size. The
// size must be a non-zero power of two.
func New(chunkSize uint64) (*Pool, error) {
	if chunkSize == 0 || chunkSize&(chunkSize-1) != 0 {
		return nil, errors.Errorf("genpool: chunk size %#x is not a power of two", chunkSize)
	}

	return &Pool{chunkSize: chunkSize}, nil
}

// AddRegion makes the address range [base, base+size) available for
// allocation. The base must be non-zero and chunk-aligned and the size a
// non-zero multiple of the chunk size.
func (p *Pool) AddRegion(base, size uint64) error {
	if base == 0 || base&(p.chunkSize-1) != 0 {
		return errors.Errorf("genpool: region base %#x is not aligned to %#x", base, p.chunkSize)
	}
	if size == 0 || size%p.chunkSize != 0 {
		return errors.Errorf("genpool: region size %#x is not a multiple of %#x", size, p.chunkSize)
	}

	p.mu.Lock()
	// Push chunks in reverse so that Alloc hands them out in ascending
	// address order.
	for addr := base + size - p.chunkSize; ; addr -= p.chunkSize {
		p.free = append(p.free, addr)
		if addr == base {
			break
		}
	}
	p.mu.Unlock()

	return nil
}

// Alloc removes one chunk from the pool and returns its base address.
func (p *Pool) Alloc() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, ErrExhausted
	}

	addr := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	return addr, nil
}

// Free returns a chunk to the pool. The address must be one previously
// returned by Alloc; freeing anything else corrupts the pool.
func (p *Pool) Free(addr uint64) {
	p.mu.Lock()
	p.free = append(p.free, addr)
	p.mu.Unlock()
}

// Avail returns the number of bytes that remain allocatable.
func (p *Pool) Avail() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return uint64(len(p.free)) * p.chunkSize
}
