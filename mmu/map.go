package mmu

import "github.com/pkg/errors"

// classify selects the walk geometry for a request. DRAM-virtual
// addresses always use the DRAM class, which maps huge pages only; other
// requests use the huge class when their size divides evenly into huge
// pages and the normal class otherwise.
func (c *Context) classify(virtAddr uint64, size uint32) (prop *Properties, isDRAM, isHuge bool) {
	props := &c.dev.props

	if areaInsideRange(virtAddr, props.DMMU.PageSize, props.DMMU.StartAddr, props.DMMU.EndAddr) {
		return &props.DMMU, true, true
	}
	if uint64(size)%props.PMMUHuge.PageSize == 0 {
		return &props.PMMUHuge, false, true
	}
	return &props.PMMU, false, false
}

// Map establishes a translation from size bytes of device virtual address
// space at virtAddr to the physical region at physAddr, allocating any
// missing intermediate hops on demand. The size must be a multiple of the
// page size of the resolved address class; larger requests are split into
// page-sized sub-mappings. When any sub-page fails, the pages already
// mapped by the same call are unmapped again before the error is
// returned, so the call has no partial effect.
//
// When flushPTE is false the caller is batching several calls and must
// request the flush through the last call of the batch.
func (c *Context) Map(virtAddr, physAddr uint64, size uint32, flushPTE bool) error {
	if !c.dev.props.MMUEnable {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prop, isDRAM, isHuge := c.classify(virtAddr, size)
	pageSize := uint32(prop.PageSize)
	if size%pageSize != 0 {
		return errors.Wrapf(ErrMisalignedSize, "map size %#x with page size %#x", size, pageSize)
	}
	if physAddr&uint64(pageSize-1) != 0 {
		logf("mmu: phys addr %#x for va %#x is not aligned to page size %#x", physAddr, virtAddr, pageSize)
	}

	npages := size / pageSize
	va, pa := virtAddr, physAddr

	for mapped := uint32(0); mapped < npages; mapped++ {
		if err := c.mapPage(va, pa, prop, isDRAM, isHuge); err != nil {
			c.rollbackMapped(virtAddr, prop, isDRAM, mapped)
			c.flush()
			return err
		}
		va += uint64(pageSize)
		pa += uint64(pageSize)
	}

	if flushPTE {
		c.flush()
	}

	return nil
}

// rollbackMapped unmaps the first mapped sub-pages of a range map call
// that failed partway through.
func (c *Context) rollbackMapped(virtAddr uint64, prop *Properties, isDRAM bool, mapped uint32) {
	for i := uint32(0); i < mapped; i++ {
		if _, err := c.unmapPage(virtAddr, prop, isDRAM); err != nil {
			logf("mmu: rollback failed to unmap va %#x: %v", virtAddr, err)
		}
		virtAddr += prop.PageSize
	}
}

// Unmap removes the translations covering size bytes at virtAddr. The
// range is split exactly like Map splits it. When any sub-page turns out
// to hold no translation, the pages already unmapped by the same call are
// mapped back before the error is returned, so the call has no partial
// effect.
func (c *Context) Unmap(virtAddr uint64, size uint32, flushPTE bool) error {
	if !c.dev.props.MMUEnable {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prop, isDRAM, isHuge := c.classify(virtAddr, size)
	pageSize := uint32(prop.PageSize)
	if size%pageSize != 0 {
		return errors.Wrapf(ErrMisalignedSize, "unmap size %#x with page size %#x", size, pageSize)
	}

	npages := size / pageSize

	// Undo log: the physical address recovered from each cleared leaf
	// entry, so a mid-range failure can map back what was already
	// undone.
	type cleared struct{ virtAddr, physAddr uint64 }
	undo := make([]cleared, 0, npages)

	va := virtAddr
	for i := uint32(0); i < npages; i++ {
		physAddr, err := c.unmapPage(va, prop, isDRAM)
		if err != nil {
			for j := len(undo) - 1; j >= 0; j-- {
				if mapErr := c.mapPage(undo[j].virtAddr, undo[j].physAddr, prop, isDRAM, isHuge); mapErr != nil {
					logf("mmu: rollback failed to remap va %#x: %v", undo[j].virtAddr, mapErr)
				}
			}
			c.flush()
			return err
		}
		undo = append(undo, cleared{va, physAddr})
		va += uint64(pageSize)
	}

	if flushPTE {
		c.flush()
	}

	return nil
}

// mapPage installs a single leaf entry for virtAddr, materializing any
// missing intermediate hops. Hops created by a failed attempt are
// released again before returning, so the attempt has no observable
// effect.
func (c *Context) mapPage(virtAddr, physAddr uint64, prop *Properties, isDRAM, isHuge bool) error {
	numHops := hopLevels
	if isHuge {
		numHops = hopLevels - 1
	}

	var (
		hopAddr [hopLevels]uint64
		pteAddr [hopLevels]uint64
		hopNew  [hopLevels]bool
		err     error
	)

	hopAddr[0] = c.hop0ShadowAddr()
	pteAddr[0] = pteAddrAt(prop, 0, hopAddr[0], virtAddr)
	curr := pageTableEntry(c.readPTE(pteAddr[0]))

	for level := 1; level < numHops; level++ {
		hopAddr[level], hopNew[level], err = c.allocNextHop(curr)
		if err != nil {
			c.freeNewHops(&hopAddr, &hopNew, numHops)
			return err
		}
		pteAddr[level] = pteAddrAt(prop, level, hopAddr[level], virtAddr)
		curr = pageTableEntry(c.readPTE(pteAddr[level]))
	}

	terminal := numHops - 1

	if c.dev.props.DRAMDefaultPageMapping && isDRAM {
		// Overwriting the default-page redirection reuses the hops the
		// default mapping owns; needing a fresh hop here means the va is
		// not covered by the default mapping at all.
		for level := 1; level < numHops; level++ {
			if hopNew[level] {
				c.freeNewHops(&hopAddr, &hopNew, numHops)
				logf("mmu: dram default mapping for va %#x required a new hop%d", virtAddr, level)
				return errors.Wrapf(ErrConsistency, "dram va %#x not covered by the default mapping", virtAddr)
			}
		}

		if uint64(curr) != c.defaultPTE() {
			c.freeNewHops(&hopAddr, &hopNew, numHops)
			return errors.Wrapf(ErrAlreadyMapped, "dram va %#x", virtAddr)
		}
	} else if curr.HasFlags(FlagPresent) {
		c.freeNewHops(&hopAddr, &hopNew, numHops)
		return errors.Wrapf(ErrAlreadyMapped, "va %#x", virtAddr)
	}

	c.writeFinalPTE(pteAddr[terminal], newPTE(physAddr, FlagLast|FlagPresent))

	// Link each newly created hop into its parent and account for the
	// new parent entry. hop0 is static and carries no reference count.
	for level := 1; level < numHops; level++ {
		if !hopNew[level] {
			continue
		}
		c.writePTE(pteAddr[level-1], newPTE(hopAddr[level], FlagPresent))
		if level > 1 {
			c.refHop(hopAddr[level-1])
		}
	}
	c.refHop(hopAddr[terminal])

	return nil
}

// freeNewHops releases, in reverse creation order, the hops allocated by
// a map attempt that did not commit.
func (c *Context) freeNewHops(hopAddr *[hopLevels]uint64, hopNew *[hopLevels]bool, numHops int) {
	for level := numHops - 1; level >= 1; level-- {
		if hopNew[level] {
			c.freeHop(hopAddr[level])
		}
	}
}

// unmapPage clears the leaf entry for virtAddr and collapses every hop
// whose last entry went away, cascading upward but never touching the
// static hop0 table. It returns the physical address the leaf pointed at,
// for the caller's undo log.
func (c *Context) unmapPage(virtAddr uint64, prop *Properties, isDRAM bool) (uint64, error) {
	var (
		hopAddr [hopLevels]uint64
		pteAddr [hopLevels]uint64
	)

	hopAddr[0] = c.hop0ShadowAddr()
	pteAddr[0] = pteAddrAt(prop, 0, hopAddr[0], virtAddr)
	curr := pageTableEntry(c.readPTE(pteAddr[0]))

	for level := 1; level <= 3; level++ {
		if hopAddr[level] = nextHop(curr); hopAddr[level] == absentHop {
			return 0, errors.Wrapf(ErrNotMapped, "va %#x has no hop%d", virtAddr, level)
		}
		pteAddr[level] = pteAddrAt(prop, level, hopAddr[level], virtAddr)
		curr = pageTableEntry(c.readPTE(pteAddr[level]))
	}

	// Whether the leaf sits at hop3 is decided by the tables, not by the
	// request: DRAM and huge mappings terminate one level early.
	isHugeLeaf := curr.HasFlags(FlagLast)
	if isDRAM && !isHugeLeaf {
		logf("mmu: dram va %#x is not mapped as a huge page", virtAddr)
		return 0, errors.Wrapf(ErrConsistency, "dram va %#x must unmap huge pages", virtAddr)
	}

	terminal := 3
	if !isHugeLeaf {
		if hopAddr[4] = nextHop(curr); hopAddr[4] == absentHop {
			return 0, errors.Wrapf(ErrNotMapped, "va %#x has no hop4", virtAddr)
		}
		pteAddr[4] = pteAddrAt(prop, 4, hopAddr[4], virtAddr)
		curr = pageTableEntry(c.readPTE(pteAddr[4]))
		terminal = 4
	}

	if c.dev.props.DRAMDefaultPageMapping && isDRAM {
		defPTE := c.defaultPTE()
		if uint64(curr) == defPTE {
			return 0, errors.Wrapf(ErrNotMapped, "dram va %#x still points at the default page", virtAddr)
		}
		if !curr.HasFlags(FlagPresent) {
			return 0, errors.Wrapf(ErrNotMapped, "dram va %#x leaf entry is cleared", virtAddr)
		}

		// The default mapping owns the hop3 tables: rewrite the entry
		// back to the default page instead of collapsing anything.
		c.writeFinalPTE(pteAddr[3], defPTE)
		c.unrefHop(hopAddr[3])

		return curr.Addr(), nil
	}

	if !curr.HasFlags(FlagPresent) {
		return 0, errors.Wrapf(ErrNotMapped, "va %#x", virtAddr)
	}
	physAddr := curr.Addr()

	if terminal == 4 {
		c.clearPTE(pteAddr[4])
		if c.unrefHop(hopAddr[4]) != 0 {
			return physAddr, nil
		}
	}

	for level := 3; level >= 1; level-- {
		c.clearPTE(pteAddr[level])
		if c.unrefHop(hopAddr[level]) != 0 {
			return physAddr, nil
		}
	}
	c.clearPTE(pteAddr[0])

	return physAddr, nil
}
