package mmu

const (
	// pteSize is the width of a single page table entry in bytes.
	// Entries are 64-bit values with the flag bits at the 12 LSBs and
	// the target address above them.
	pteSize = 8

	// FlagPresent marks an entry as populated.
	FlagPresent uint64 = 1 << 0

	// FlagLast marks an entry as a leaf: its address bits point at the
	// final page rather than at another hop.
	FlagLast uint64 = 1 << 11

	flagsMask   = uint64(0xfff)
	hopAddrMask = ^flagsMask

	// hopLevels is the number of hops in a full page table walk. Huge
	// pages terminate one level early, at hop3.
	hopLevels = 5

	// absentHop is the sentinel returned when a walk step finds no
	// present next-level hop.
	absentHop = ^uint64(0)

	// KernelASID is the context slot reserved for the driver itself. It
	// never receives the DRAM default-page mapping.
	KernelASID = 0
)

// Properties describes the walk geometry for one address class (normal,
// huge or DRAM pages): its virtual address range, its page size and the
// mask/shift pair that extracts each hop's entry index from a virtual
// address.
type Properties struct {
	StartAddr uint64
	EndAddr   uint64 // exclusive
	PageSize  uint64

	HopShifts [hopLevels]uint64
	HopMasks  [hopLevels]uint64
}

// FixedProperties is the device-property descriptor consumed by Init. It
// is supplied by the embedding driver and never changes at runtime.
type FixedProperties struct {
	// Per address-class walk geometry. The hop0 through hop3 masks and
	// shifts must agree between PMMU and PMMUHuge; only the leaf level
	// differs between the two classes.
	PMMU     Properties
	PMMUHuge Properties
	DMMU     Properties

	// PGTAddr and PGTSize delimit the device-memory region backing page
	// table hops. The first MaxContexts hop tables in it are the
	// statically assigned hop0 tables, one per context slot; the rest
	// feeds the hop pool.
	PGTAddr      uint64
	PGTSize      uint64
	HopTableSize uint64
	MaxContexts  uint32

	// MMUEnable gates the whole module. When unset the device accesses
	// memory with physical addresses directly and every operation here
	// is an accepted no-op.
	MMUEnable bool

	DRAMSupportsVirtualMemory bool
	DRAMDefaultPageMapping    bool
	DRAMDefaultPageAddr       uint64
	DRAMSizeForDefaultMapping uint64
}

// EntriesInHop returns the number of page table entries each hop holds.
func (p *FixedProperties) EntriesInHop() uint64 {
	return p.HopTableSize / pteSize
}

func (p *FixedProperties) hop0TotalSize() uint64 {
	return uint64(p.MaxContexts) * p.HopTableSize
}

// areaInsideRange reports whether [addr, addr+size) lies entirely within
// [start, end).
func areaInsideRange(addr, size, start, end uint64) bool {
	return addr >= start && addr+size <= end
}
