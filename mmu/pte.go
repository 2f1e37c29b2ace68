package mmu

// pageTableEntry is the 64-bit value stored at a hop slot. The low 12 bits
// carry flags; the remaining bits carry the address of the next hop
// (shadow form in host memory, physical form in the hardware copy) or of
// the final page for leaf entries.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags uint64) bool {
	return uint64(pte)&flags == flags
}

// Addr returns the hop or page address carried by this entry.
func (pte pageTableEntry) Addr() uint64 {
	return uint64(pte) & hopAddrMask
}

// newPTE builds an entry value pointing at addr with the given flags.
func newPTE(addr, flags uint64) uint64 {
	return (addr & hopAddrMask) | flags
}
