package mmu

import (
	"testing"
)

// fakeRegisterIO records hardware-visible PTE writes keyed by physical
// address and counts the readbacks used as write fences.
type fakeRegisterIO struct {
	writes     map[uint64]uint64
	writeCount int
	readCount  int
	lastRead   uint64
}

func (f *fakeRegisterIO) WritePTE(physAddr, value uint64) {
	if f.writes == nil {
		f.writes = make(map[uint64]uint64)
	}
	f.writes[physAddr] = value
	f.writeCount++
}

func (f *fakeRegisterIO) ReadPTE(physAddr uint64) uint64 {
	f.readCount++
	f.lastRead = physAddr
	return f.writes[physAddr]
}

// testProps describes a device with the usual 9-bit hop indices and 4KB
// hop tables: normal pages of 4KB, huge and DRAM pages of 2MB, DRAM
// virtual addresses in the first GB and host-mapped addresses starting
// at 512GB so the two classes resolve through different hop1 entries.
func testProps() FixedProperties {
	shifts := [hopLevels]uint64{48, 39, 30, 21, 12}
	var masks [hopLevels]uint64
	for i, s := range shifts {
		masks[i] = 0x1ff << s
	}
	walk := Properties{HopShifts: shifts, HopMasks: masks}

	pmmu := walk
	pmmu.StartAddr = 0x80_0000_0000
	pmmu.EndAddr = 0x81_0000_0000
	pmmu.PageSize = 0x1000

	huge := pmmu
	huge.PageSize = 0x20_0000

	dmmu := walk
	dmmu.StartAddr = 0
	dmmu.EndAddr = 0x4000_0000
	dmmu.PageSize = 0x20_0000

	return FixedProperties{
		PMMU:     pmmu,
		PMMUHuge: huge,
		DMMU:     dmmu,

		PGTAddr:      0x100_0000,
		PGTSize:      0x10_0000,
		HopTableSize: 0x1000,
		MaxContexts:  4,
		MMUEnable:    true,

		DRAMSupportsVirtualMemory: true,
		DRAMDefaultPageMapping:    false,
		DRAMDefaultPageAddr:       0x200_0000,
		DRAMSizeForDefaultMapping: 0x4000_0000,
	}
}

func newTestDevice(t *testing.T, props FixedProperties) (*Device, *fakeRegisterIO) {
	t.Helper()

	fio := &fakeRegisterIO{}
	dev, err := Init(props, fio)
	if err != nil {
		t.Fatal(err)
	}
	return dev, fio
}

func newTestContext(t *testing.T, dev *Device, asid uint32) *Context {
	t.Helper()

	ctx, err := dev.InitContext(asid)
	if err != nil {
		t.Fatal(err)
	}
	return ctx
}

// registrySnapshot captures the context's hop registry as a map from
// shadow address to live entry count.
func registrySnapshot(c *Context) map[uint64]int {
	snap := make(map[uint64]int, len(c.hops))
	for addr, hop := range c.hops {
		snap[addr] = hop.numPTEs
	}
	return snap
}

// hopChainFor walks the shadow tables for virtAddr and returns the hop
// addresses visited, starting at hop0, stopping at the first absent
// entry or at a leaf.
func hopChainFor(c *Context, prop *Properties, virtAddr uint64) []uint64 {
	addrs := []uint64{c.hop0ShadowAddr()}
	for level := 0; level < hopLevels-1; level++ {
		curr := pageTableEntry(c.readPTE(pteAddrAt(prop, level, addrs[level], virtAddr)))
		if curr.HasFlags(FlagLast) {
			break
		}
		next := nextHop(curr)
		if next == absentHop {
			break
		}
		addrs = append(addrs, next)
	}
	return addrs
}

// captureLog redirects logf for the duration of the test and returns a
// counter of emitted records.
func captureLog(t *testing.T) *int {
	t.Helper()

	orig := logf
	t.Cleanup(func() { logf = orig })

	count := new(int)
	logf = func(string, ...interface{}) { *count++ }
	return count
}
