package mmu

import (
	"log"

	"github.com/pkg/errors"
)

// logf reports contract violations and driver bugs. Tests swap it out.
var logf = log.Printf

// Error kinds surfaced by the MMU core. Callers match them with errors.Is;
// returned errors wrap these with call details.
var (
	// ErrOutOfMemory signals hop pool or shadow buffer exhaustion. It is
	// recoverable: the caller may retry after reclaiming mappings.
	ErrOutOfMemory = errors.New("mmu: out of page table memory")

	// ErrMisalignedSize signals a request whose size is not a multiple
	// of the page size of the resolved address class. Nothing is
	// modified before it is returned.
	ErrMisalignedSize = errors.New("mmu: size is not a multiple of the page size")

	// ErrAlreadyMapped signals a map request whose terminal entry is
	// already populated. Hops allocated by the failed attempt are
	// released before it is returned.
	ErrAlreadyMapped = errors.New("mmu: virtual address is already mapped")

	// ErrNotMapped signals an unmap or translate request for a virtual
	// address with no translation at some walk level.
	ErrNotMapped = errors.New("mmu: virtual address is not mapped")

	// ErrConsistency flags a page table state that only a driver bug can
	// produce. The operation is aborted and its resources reclaimed, but
	// the device keeps running.
	ErrConsistency = errors.New("mmu: page table consistency violation")
)
