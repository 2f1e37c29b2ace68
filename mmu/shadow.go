package mmu

import "github.com/pkg/errors"

// hopInfo tracks one allocated page table hop: its hardware-visible
// block, the host shadow buffer it exclusively owns and the number of
// present entries it holds. The owning context is implied by the registry
// the hopInfo lives in; operations receive the context as a parameter
// instead of keeping a back pointer.
type hopInfo struct {
	physAddr   uint64
	shadowAddr uint64
	numPTEs    int
	entries    []uint64
}

// getHop looks up a hop by its shadow address, returning nil when the
// address is not registered.
func (c *Context) getHop(shadowAddr uint64) *hopInfo {
	return c.hops[shadowAddr]
}

// allocHop draws one hop table from the device pool, pairs it with a
// zeroed shadow buffer and registers the pair under a fresh shadow
// handle.
func (c *Context) allocHop() (uint64, error) {
	physAddr, err := c.dev.pool.Alloc()
	if err != nil {
		return 0, errors.Wrapf(ErrOutOfMemory, "%v", err)
	}

	hop := &hopInfo{
		physAddr:   physAddr,
		shadowAddr: c.dev.allocShadowHandle(),
		entries:    make([]uint64, c.dev.props.EntriesInHop()),
	}
	c.hops[hop.shadowAddr] = hop

	return hop.shadowAddr, nil
}

// freeHop returns a hop's physical block to the pool and drops its
// registry entry. The shadow address must be currently registered; the
// caller guarantees presence.
func (c *Context) freeHop(shadowAddr uint64) {
	hop := c.getHop(shadowAddr)
	c.dev.pool.Free(hop.physAddr)
	delete(c.hops, shadowAddr)
}

// refHop records one more present entry on the hop.
func (c *Context) refHop(shadowAddr uint64) {
	c.getHop(shadowAddr).numPTEs++
}

// unrefHop drops one present entry from the hop and returns the number of
// entries left. A hop whose last entry went away is freed immediately, so
// a return of zero also signals that the hop is gone.
func (c *Context) unrefHop(shadowAddr uint64) int {
	hop := c.getHop(shadowAddr)
	hop.numPTEs--

	left := hop.numPTEs
	if left == 0 {
		c.freeHop(shadowAddr)
	}

	return left
}

// shadowEntries resolves a shadow hop base address to its backing buffer.
func (c *Context) shadowEntries(hopAddr uint64) []uint64 {
	if hopAddr == c.hop0ShadowAddr() {
		return c.dev.shadowHop0[c.asid]
	}
	return c.getHop(hopAddr).entries
}

// readPTE returns the shadow copy of the entry at the given shadow
// address. No hardware round-trip is involved.
func (c *Context) readPTE(pteAddr uint64) uint64 {
	mask := c.dev.props.HopTableSize - 1
	return c.shadowEntries(pteAddr&^mask)[(pteAddr&mask)/pteSize]
}

func (c *Context) writeShadowPTE(pteAddr, val uint64) {
	mask := c.dev.props.HopTableSize - 1
	c.shadowEntries(pteAddr&^mask)[(pteAddr&mask)/pteSize] = val
}
