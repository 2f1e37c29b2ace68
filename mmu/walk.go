package mmu

// physAddrOf translates a shadow address inside some hop into its
// physical counterpart.
func (c *Context) physAddrOf(shadowAddr uint64) uint64 {
	mask := c.dev.props.HopTableSize - 1
	hopAddr := shadowAddr &^ mask
	offset := shadowAddr & mask

	if hopAddr == c.hop0ShadowAddr() {
		return c.hop0PhysAddr() + offset
	}
	return c.getHop(hopAddr).physAddr + offset
}

// writePTE stores a mid-level entry. The value carries the shadow address
// of the next hop, which the hardware copy must receive in physical form;
// the shadow copy keeps the shadow-address form for later walks.
func (c *Context) writePTE(pteAddr, val uint64) {
	physVal := newPTE(c.physAddrOf(val&hopAddrMask), val&flagsMask)
	c.dev.io.WritePTE(c.physAddrOf(pteAddr), physVal)
	c.writeShadowPTE(pteAddr, val)
}

// writeFinalPTE stores a leaf entry. The value already carries the target
// physical address and needs no translation.
func (c *Context) writeFinalPTE(pteAddr, val uint64) {
	c.dev.io.WritePTE(c.physAddrOf(pteAddr), val)
	c.writeShadowPTE(pteAddr, val)
}

// clearPTE drops the present and last bits together with the target
// address.
func (c *Context) clearPTE(pteAddr uint64) {
	c.writeFinalPTE(pteAddr, 0)
}

// pteAddrAt computes the shadow address of the entry that a walk for
// virtAddr visits at the given level of the given hop.
func pteAddrAt(prop *Properties, level int, hopAddr, virtAddr uint64) uint64 {
	return hopAddr + pteSize*((virtAddr&prop.HopMasks[level])>>prop.HopShifts[level])
}

// nextHop returns the shadow address of the hop an entry points to, or
// absentHop when the entry is not present.
func nextHop(pte pageTableEntry) uint64 {
	if !pte.HasFlags(FlagPresent) {
		return absentHop
	}
	return pte.Addr()
}

// allocNextHop returns the next-level hop for the entry, allocating a
// fresh one when the entry is absent. isNew reports the allocation so the
// caller can link the new hop into its parent, or roll it back.
func (c *Context) allocNextHop(pte pageTableEntry) (hopAddr uint64, isNew bool, err error) {
	if hopAddr = nextHop(pte); hopAddr != absentHop {
		return hopAddr, false, nil
	}

	hopAddr, err = c.allocHop()
	if err != nil {
		return 0, false, err
	}
	return hopAddr, true, nil
}

// flush makes a batch of entry writes visible to the device before the
// caller resumes: one readback of this context's hop0 fences all posted
// writes. Ordering against other host cores is provided by the context
// lock; ordering on the device path is the RegisterIO implementation's
// contract.
func (c *Context) flush() {
	c.dev.io.ReadPTE(c.hop0PhysAddr())
}
