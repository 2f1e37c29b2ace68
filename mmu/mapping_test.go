package mmu

import (
	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = ginkgo.Describe("Context", func() {
	var (
		mockCtrl *gomock.Controller
		regIO    *MockRegisterIO
		props    FixedProperties
		dev      *Device
		ctx      *Context
	)

	ginkgo.BeforeEach(func() {
		mockCtrl = gomock.NewController(ginkgo.GinkgoT())
		regIO = NewMockRegisterIO(mockCtrl)
		regIO.EXPECT().WritePTE(gomock.Any(), gomock.Any()).AnyTimes()
		regIO.EXPECT().ReadPTE(gomock.Any()).Return(uint64(0)).AnyTimes()

		props = testProps()

		var err error
		dev, err = Init(props, regIO)
		Expect(err).ToNot(HaveOccurred())
		ctx, err = dev.InitContext(1)
		Expect(err).ToNot(HaveOccurred())
	})

	ginkgo.AfterEach(func() {
		Expect(ctx.Fini()).To(Succeed())
		dev.Fini()
		mockCtrl.Finish()
	})

	ginkgo.It("maps and translates a page", func() {
		va := props.PMMU.StartAddr
		Expect(ctx.Map(va, 0x40_0000, 0x1000, true)).To(Succeed())

		pa, err := ctx.Translate(va + 0x42)
		Expect(err).ToNot(HaveOccurred())
		Expect(pa).To(Equal(uint64(0x40_0042)))

		Expect(ctx.Unmap(va, 0x1000, true)).To(Succeed())
	})

	ginkgo.It("splits a range into page-sized mappings", func() {
		va := props.PMMU.StartAddr
		Expect(ctx.Map(va, 0x40_0000, 0x3000, true)).To(Succeed())

		for i := uint64(0); i < 3; i++ {
			pa, err := ctx.Translate(va + i*0x1000)
			Expect(err).ToNot(HaveOccurred())
			Expect(pa).To(Equal(0x40_0000 + i*0x1000))
		}

		Expect(ctx.Unmap(va, 0x3000, true)).To(Succeed())
	})

	ginkgo.It("rejects a map over an existing mapping", func() {
		va := props.PMMU.StartAddr
		Expect(ctx.Map(va, 0x40_0000, 0x1000, true)).To(Succeed())

		Expect(ctx.Map(va, 0x50_0000, 0x1000, true)).To(MatchError(ErrAlreadyMapped))

		Expect(ctx.Unmap(va, 0x1000, true)).To(Succeed())
	})

	ginkgo.It("rejects an unmap of an unmapped address", func() {
		Expect(ctx.Unmap(props.PMMU.StartAddr, 0x1000, true)).To(MatchError(ErrNotMapped))
	})

	ginkgo.It("rejects sizes that do not divide into pages", func() {
		Expect(ctx.Map(props.PMMU.StartAddr, 0x40_0000, 0x1800, true)).To(MatchError(ErrMisalignedSize))
	})

	ginkgo.It("releases every hop when the last page goes away", func() {
		va := props.PMMU.StartAddr
		Expect(ctx.Map(va, 0x40_0000, 0x2000, true)).To(Succeed())
		Expect(ctx.hops).ToNot(BeEmpty())

		Expect(ctx.Unmap(va, 0x2000, true)).To(Succeed())
		Expect(ctx.hops).To(BeEmpty())
	})

	ginkgo.It("maps huge-sized requests at huge granularity", func() {
		va := props.PMMU.StartAddr
		hugeSize := uint32(props.PMMUHuge.PageSize)
		Expect(ctx.Map(va, 0x4000_0000, hugeSize, true)).To(Succeed())

		// A single leaf covers the whole huge page.
		pa, err := ctx.Translate(va + 0x12_3456)
		Expect(err).ToNot(HaveOccurred())
		Expect(pa).To(Equal(uint64(0x4012_3456)))

		Expect(ctx.Unmap(va, hugeSize, true)).To(Succeed())
	})
})
