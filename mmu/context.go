package mmu

import (
	"sync"

	"github.com/pkg/errors"
)

// Context owns the MMU state of one device address space: its per-slot
// hop0 table, the registry of dynamically allocated hops and the lock
// serializing all structural page table mutation. Map and unmap calls
// against different contexts run fully concurrently; within one context
// they are serialized through the lock because hop reference counts and
// shadow buffers carry no synchronization of their own.
type Context struct {
	dev  *Device
	asid uint32

	mu   sync.Mutex
	hops map[uint64]*hopInfo

	// dramDefaultHops lists the hops backing the DRAM default-page
	// mapping: the hop3 tables first, then hop2 and hop1 last.
	dramDefaultHops []uint64
}

// InitContext prepares the given context slot for address translation.
// When the device supports DRAM virtual memory with default-page mapping,
// the slot's tables are pre-populated so that every DRAM-class virtual
// page resolves to the well-known default page.
func (d *Device) InitContext(asid uint32) (*Context, error) {
	ctx := &Context{dev: d, asid: asid, hops: make(map[uint64]*hopInfo)}
	if !d.props.MMUEnable {
		return ctx, nil
	}

	if asid >= d.props.MaxContexts {
		return nil, errors.Errorf("mmu: context slot %d outside the %d supported slots", asid, d.props.MaxContexts)
	}

	if err := ctx.dramDefaultMappingInit(); err != nil {
		return nil, err
	}

	return ctx, nil
}

// Fini tears the context down. The DRAM default mapping is undone first;
// afterwards the hop registry must be empty. Hops leaked by missing unmap
// calls are reported and forcibly reclaimed, and their presence surfaces
// as an ErrConsistency so the caller bug is not silent.
func (c *Context) Fini() error {
	if !c.dev.props.MMUEnable {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.dramDefaultMappingFini()

	if len(c.hops) == 0 {
		return nil
	}

	err := errors.Wrapf(ErrConsistency, "context %d torn down with %d hops still in use", c.asid, len(c.hops))
	for _, hop := range c.hops {
		logf("mmu: context %d leaked hop phys %#x with %d live entries", c.asid, hop.physAddr, hop.numPTEs)
		c.freeHop(hop.shadowAddr)
	}

	return err
}

// SwapOut is a reserved eviction hook. It currently has no effect and may
// be called at any time.
func (c *Context) SwapOut() {}

// SwapIn is the counterpart of SwapOut and is equally a reserved no-op.
func (c *Context) SwapIn() {}

func (c *Context) hop0ShadowAddr() uint64 {
	return c.dev.hop0ShadowAddr(c.asid)
}

func (c *Context) hop0PhysAddr() uint64 {
	return c.dev.hop0PhysAddr(c.asid)
}

// defaultPTE is the well-known leaf entry every unmapped DRAM virtual
// page points at while default-page mapping is active.
func (c *Context) defaultPTE() uint64 {
	return newPTE(c.dev.props.DRAMDefaultPageAddr, FlagLast|FlagPresent)
}

// dramDefaultMappingInit points every DRAM-class virtual page of the
// default-mapping region at the default page, so unmapped DRAM accesses
// hit it instead of faulting. One hop1 and one hop2 carry the chain and N
// hop3 tables hold the leaves, N sized by the region. The driver context
// never receives the default mapping.
func (c *Context) dramDefaultMappingInit() error {
	props := &c.dev.props
	if !props.DRAMSupportsVirtualMemory || !props.DRAMDefaultPageMapping || c.asid == KernelASID {
		return nil
	}

	entries := props.EntriesInHop()
	numHop3 := props.DRAMSizeForDefaultMapping / props.DMMU.PageSize / entries
	totalHops := numHop3 + 2
	hops := make([]uint64, totalHops)

	hop1, err := c.allocHop()
	if err != nil {
		return err
	}
	hops[totalHops-1] = hop1

	hop2, err := c.allocHop()
	if err != nil {
		c.freeHop(hop1)
		return err
	}
	hops[totalHops-2] = hop2

	for i := uint64(0); i < numHop3; i++ {
		if hops[i], err = c.allocHop(); err != nil {
			for j := uint64(0); j < i; j++ {
				c.freeHop(hops[j])
			}
			c.freeHop(hop2)
			c.freeHop(hop1)
			return err
		}
	}

	// Only entry 0 of hop0 and hop1 participates in the chain.
	c.writePTE(c.hop0ShadowAddr(), newPTE(hop1, FlagPresent))
	c.writePTE(hop1, newPTE(hop2, FlagPresent))
	c.refHop(hop1)

	for i := uint64(0); i < numHop3; i++ {
		c.writePTE(hop2+i*pteSize, newPTE(hops[i], FlagPresent))
		c.refHop(hop2)
	}

	defPTE := c.defaultPTE()
	for i := uint64(0); i < numHop3; i++ {
		for j := uint64(0); j < entries; j++ {
			c.writeFinalPTE(hops[i]+j*pteSize, defPTE)
			c.refHop(hops[i])
		}
	}

	c.dramDefaultHops = hops
	c.flush()

	return nil
}

// dramDefaultMappingFini clears and releases the default-mapping chain in
// reverse order of its setup.
func (c *Context) dramDefaultMappingFini() {
	props := &c.dev.props
	if !props.DRAMSupportsVirtualMemory || !props.DRAMDefaultPageMapping || c.asid == KernelASID {
		return
	}

	entries := props.EntriesInHop()
	numHop3 := props.DRAMSizeForDefaultMapping / props.DMMU.PageSize / entries
	totalHops := numHop3 + 2
	hops := c.dramDefaultHops
	hop1 := hops[totalHops-1]
	hop2 := hops[totalHops-2]

	for i := uint64(0); i < numHop3; i++ {
		for j := uint64(0); j < entries; j++ {
			c.clearPTE(hops[i] + j*pteSize)
			c.unrefHop(hops[i])
		}
	}

	for i := uint64(0); i < numHop3; i++ {
		c.clearPTE(hop2 + i*pteSize)
		c.unrefHop(hop2)
	}

	c.clearPTE(hop1)
	c.unrefHop(hop1)
	c.clearPTE(c.hop0ShadowAddr())

	c.dramDefaultHops = nil
	c.flush()
}

// Translate walks the shadow tables and returns the physical address the
// given virtual address currently maps to. It takes the context lock:
// shadow reads are not otherwise synchronized against structural changes.
func (c *Context) Translate(virtAddr uint64) (uint64, error) {
	props := &c.dev.props
	if !props.MMUEnable {
		return virtAddr, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prop := &props.PMMU
	isDRAM := areaInsideRange(virtAddr, props.DMMU.PageSize, props.DMMU.StartAddr, props.DMMU.EndAddr)
	if isDRAM {
		prop = &props.DMMU
	}

	hopAddr := c.hop0ShadowAddr()
	for level := 0; level < hopLevels; level++ {
		curr := pageTableEntry(c.readPTE(pteAddrAt(prop, level, hopAddr, virtAddr)))
		if !curr.HasFlags(FlagPresent) {
			return 0, errors.Wrapf(ErrNotMapped, "va %#x has no translation at hop%d", virtAddr, level)
		}
		if curr.HasFlags(FlagLast) {
			pageSize := prop.PageSize
			if !isDRAM {
				pageSize = props.PMMU.PageSize
				if level == 3 {
					pageSize = props.PMMUHuge.PageSize
				}
			}
			return curr.Addr() + (virtAddr & (pageSize - 1)), nil
		}
		hopAddr = curr.Addr()
	}

	return 0, errors.Wrapf(ErrNotMapped, "va %#x walk ended without a leaf entry", virtAddr)
}
