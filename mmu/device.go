package mmu

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"devmmu/genpool"
)

// RegisterIO is the low-level primitive used to push physical-form page
// table entries to the device. Writes are fire-and-forget; the core never
// interprets completions. ReadPTE exists so that a batch of writes can be
// fenced with a single readback.
type RegisterIO interface {
	WritePTE(physAddr, value uint64)
	ReadPTE(physAddr uint64) uint64
}

// Device holds the process-wide MMU state: the hop pool carved out of the
// device page-table region and the statically assigned hop0 shadow
// tables, one per context slot. A Device is immutable after Init and may
// be shared by contexts running on different goroutines.
type Device struct {
	props FixedProperties
	io    RegisterIO

	pool       *genpool.Pool
	shadowHop0 [][]uint64

	// shadowHop0Base is the first synthetic shadow address. The hop0
	// region occupies one hop-table-sized slot per context starting
	// there; dynamically allocated hops receive handles above it, so
	// shadow addresses stay unique and hop-table aligned.
	shadowHop0Base uint64
	nextShadow     atomic.Uint64
}

// Init sets up the process-wide MMU state: the pool of page table hops
// over the device page-table region, less the slice statically assigned
// to hop0 tables, and the host shadow copies of those hop0 tables.
func Init(props FixedProperties, io RegisterIO) (*Device, error) {
	dev := &Device{props: props, io: io}
	if !props.MMUEnable {
		return dev, nil
	}

	if props.HopTableSize < pteSize || props.HopTableSize&(props.HopTableSize-1) != 0 {
		return nil, errors.Errorf("mmu: hop table size %#x is not a power of two", props.HopTableSize)
	}
	if props.MaxContexts == 0 {
		return nil, errors.New("mmu: device reports no context slots")
	}
	if props.PGTAddr&(props.HopTableSize-1) != 0 {
		return nil, errors.Errorf("mmu: page table base %#x is not hop-table aligned", props.PGTAddr)
	}
	hop0Total := props.hop0TotalSize()
	if props.PGTSize <= hop0Total {
		return nil, errors.Errorf("mmu: page table region of %#x bytes cannot fit %d hop0 tables",
			props.PGTSize, props.MaxContexts)
	}

	pool, err := genpool.New(props.HopTableSize)
	if err != nil {
		return nil, err
	}
	if err = pool.AddRegion(props.PGTAddr+hop0Total, props.PGTSize-hop0Total); err != nil {
		return nil, err
	}

	dev.pool = pool
	dev.shadowHop0 = make([][]uint64, props.MaxContexts)
	for i := range dev.shadowHop0 {
		dev.shadowHop0[i] = make([]uint64, props.EntriesInHop())
	}
	dev.shadowHop0Base = props.HopTableSize
	dev.nextShadow.Store(dev.shadowHop0Base + hop0Total)

	return dev, nil
}

// Fini releases the process-wide MMU state. All contexts must have been
// torn down before calling it.
func (d *Device) Fini() {
	d.pool = nil
	d.shadowHop0 = nil
}

// hop0ShadowAddr returns the shadow address of the static hop0 table
// assigned to the given context slot.
func (d *Device) hop0ShadowAddr(asid uint32) uint64 {
	return d.shadowHop0Base + uint64(asid)*d.props.HopTableSize
}

// hop0PhysAddr returns the device-memory address of the same table.
func (d *Device) hop0PhysAddr(asid uint32) uint64 {
	return d.props.PGTAddr + uint64(asid)*d.props.HopTableSize
}

// allocShadowHandle reserves a fresh hop-table aligned shadow address.
func (d *Device) allocShadowHandle() uint64 {
	return d.nextShadow.Add(d.props.HopTableSize) - d.props.HopTableSize
}
