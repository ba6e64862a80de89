package bus_test

import (
	"bytes"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/moesisim/timing/bus"
	"github.com/sarchlab/moesisim/timing/coherence"
	"github.com/sarchlab/moesisim/timing/memory"
)

const blockSize = 64

func line(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, blockSize)
}

func reply(prev coherence.State, kind coherence.TxnKind, data []byte) bus.SnoopReply {
	r := bus.SnoopReply{
		SnoopResponse: coherence.Snoop(prev, kind),
		Prev:          prev,
	}
	if r.ProvideData {
		r.Data = data
	}

	return r
}

// expectSnoop makes a mock non-requester answer one broadcast from prev.
func expectSnoop(
	s *MockSnooper,
	prev coherence.State,
	kind coherence.TxnKind,
	data []byte,
) {
	r := reply(prev, kind, data)
	s.EXPECT().Snoop(gomock.Any()).Return(r, nil)
	s.EXPECT().StateOf(gomock.Any()).Return(r.Next)
}

// lowestFirst always grants the lowest pending requester.
type lowestFirst struct {
	n int
}

func (a lowestFirst) Arbitrate(pending func(id int) bool) (int, bool) {
	for id := 0; id < a.n; id++ {
		if pending(id) {
			return id, true
		}
	}

	return 0, false
}

func runUntilIdle(b *bus.Bus, from, limit uint64) (uint64, error) {
	for c := from; c < from+limit; c++ {
		if _, err := b.Tick(c); err != nil {
			return c, err
		}
		if b.Idle() {
			return c, nil
		}
	}

	return from + limit, nil
}

var _ = Describe("RoundRobinArbiter", func() {
	It("should scan from the pointer and wrap", func() {
		a := bus.NewRoundRobinArbiter(4)
		pending := map[int]bool{1: true, 3: true}
		isPending := func(id int) bool { return pending[id] }

		id, ok := a.Arbitrate(isPending)
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal(1))
		Expect(a.Pointer()).To(Equal(2))

		id, _ = a.Arbitrate(isPending)
		Expect(id).To(Equal(3))
		Expect(a.Pointer()).To(Equal(0))

		id, _ = a.Arbitrate(isPending)
		Expect(id).To(Equal(1))
	})

	It("should report no grant when nothing is pending", func() {
		a := bus.NewRoundRobinArbiter(2)

		_, ok := a.Arbitrate(func(int) bool { return false })

		Expect(ok).To(BeFalse())
		Expect(a.Pointer()).To(Equal(0))
	})
})

var _ = Describe("Bus", func() {
	var (
		mockCtrl *gomock.Controller
		snoopers []*MockSnooper
		storage  *memory.Storage
		mem      *memory.FixedLatencyResponder
		b        *bus.Bus
	)

	build := func(opts ...bus.Option) {
		b = bus.New(4, blockSize, mem, opts...)
		for i, s := range snoopers {
			b.Attach(i, s)
		}
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		snoopers = make([]*MockSnooper, 4)
		for i := range snoopers {
			snoopers[i] = NewMockSnooper(mockCtrl)
		}

		storage = memory.NewStorage()
		mem = memory.NewFixedLatencyResponder(storage, 4)
		build()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should align addresses and latch requests for one cycle", func() {
		_, err := b.Request(0, coherence.Read, 0x1234, 1)
		Expect(err).NotTo(HaveOccurred())

		txn, ok := b.Pending(0)
		Expect(ok).To(BeTrue())
		Expect(txn.Address).To(Equal(uint64(0x1200)))

		progress, err := b.Tick(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(progress).To(BeFalse())
		Expect(b.Idle()).To(BeFalse())
	})

	It("should reject a second request from the same core", func() {
		_, err := b.Request(2, coherence.Read, 0x40, 1)
		Expect(err).NotTo(HaveOccurred())

		_, err = b.Request(2, coherence.ReadExclusive, 0x80, 1)

		Expect(errors.Is(err, coherence.ErrContractViolation)).To(BeTrue())
	})

	It("should fetch from memory when no cache supplies the line", func() {
		storage.Write(0x40, line(0xAB))
		_, err := b.Request(0, coherence.Read, 0x40, 1)
		Expect(err).NotTo(HaveOccurred())

		snoopers[0].EXPECT().OnGrant(gomock.Any()).
			Return(bus.Grant{Kind: coherence.Read}, nil)
		for _, s := range snoopers[1:] {
			expectSnoop(s, coherence.Invalid, coherence.Read, nil)
		}

		var got bus.Result
		var done bus.Transaction
		snoopers[0].EXPECT().Complete(gomock.Any(), gomock.Any()).
			DoAndReturn(func(txn bus.Transaction, r bus.Result) error {
				done, got = txn, r
				return nil
			})

		cycle, err := runUntilIdle(b, 2, 20)

		Expect(err).NotTo(HaveOccurred())
		Expect(cycle).To(Equal(uint64(6)))
		Expect(done.GrantCycle).To(Equal(uint64(2)))
		Expect(done.DoneCycle).To(Equal(uint64(6)))
		Expect(got.Source).To(Equal(bus.SourceMemory))
		Expect(got.AnySharer).To(BeFalse())
		Expect(got.Supplier).To(Equal(-1))
		Expect(got.Data).To(Equal(line(0xAB)))
		Expect(b.Stats().MemoryReads).To(Equal(uint64(1)))
		Expect(b.Stats().Reads).To(Equal(uint64(1)))
	})

	It("should take data from an owning cache and skip memory", func() {
		_, _ = b.Request(1, coherence.Read, 0x80, 1)

		snoopers[1].EXPECT().OnGrant(gomock.Any()).
			Return(bus.Grant{Kind: coherence.Read}, nil)
		expectSnoop(snoopers[0], coherence.Modified, coherence.Read, line(7))
		expectSnoop(snoopers[2], coherence.Shared, coherence.Read, nil)
		expectSnoop(snoopers[3], coherence.Invalid, coherence.Read, nil)

		var got bus.Result
		snoopers[1].EXPECT().Complete(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ bus.Transaction, r bus.Result) error {
				got = r
				return nil
			})

		cycle, err := runUntilIdle(b, 2, 20)

		Expect(err).NotTo(HaveOccurred())
		Expect(cycle).To(Equal(uint64(3)))
		Expect(got.Source).To(Equal(bus.SourceCache))
		Expect(got.Supplier).To(Equal(0))
		Expect(got.AnySharer).To(BeTrue())
		Expect(got.Data).To(Equal(line(7)))
		Expect(mem.Stats().Reads).To(BeZero())
		Expect(b.Stats().CacheToCache).To(Equal(uint64(1)))
	})

	It("should never fetch for an upgrade", func() {
		_, _ = b.Request(3, coherence.Upgrade, 0xC0, 1)

		snoopers[3].EXPECT().OnGrant(gomock.Any()).
			Return(bus.Grant{Kind: coherence.Upgrade}, nil)
		expectSnoop(snoopers[0], coherence.Shared, coherence.Upgrade, nil)
		expectSnoop(snoopers[1], coherence.Shared, coherence.Upgrade, nil)
		expectSnoop(snoopers[2], coherence.Invalid, coherence.Upgrade, nil)

		var got bus.Result
		snoopers[3].EXPECT().Complete(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ bus.Transaction, r bus.Result) error {
				got = r
				return nil
			})

		_, err := b.Tick(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.InFlight(0xC4)).To(BeTrue())
		Expect(b.InFlight(0x80)).To(BeFalse())

		_, err = runUntilIdle(b, 3, 20)

		Expect(err).NotTo(HaveOccurred())
		Expect(b.InFlight(0xC0)).To(BeFalse())
		Expect(got.Source).To(Equal(bus.SourceNone))
		Expect(got.Data).To(BeNil())
		Expect(mem.Stats().Reads).To(BeZero())
		Expect(b.Stats().Upgrades).To(Equal(uint64(1)))
	})

	It("should count a promoted upgrade as a read exclusive", func() {
		storage.Write(0xC0, line(3))
		_, _ = b.Request(3, coherence.Upgrade, 0xC0, 1)

		snoopers[3].EXPECT().OnGrant(gomock.Any()).
			Return(bus.Grant{Kind: coherence.ReadExclusive}, nil)
		for _, s := range snoopers[:3] {
			expectSnoop(s, coherence.Invalid, coherence.ReadExclusive, nil)
		}

		var done bus.Transaction
		var got bus.Result
		snoopers[3].EXPECT().Complete(gomock.Any(), gomock.Any()).
			DoAndReturn(func(txn bus.Transaction, r bus.Result) error {
				done, got = txn, r
				return nil
			})

		_, err := runUntilIdle(b, 2, 20)

		Expect(err).NotTo(HaveOccurred())
		Expect(done.Promoted).To(BeTrue())
		Expect(done.Kind).To(Equal(coherence.ReadExclusive))
		Expect(got.Data).To(Equal(line(3)))
		Expect(b.Stats().Promotions).To(Equal(uint64(1)))
		Expect(b.Stats().ReadExclusives).To(Equal(uint64(1)))
	})

	It("should write the victim back before fetching", func() {
		storage.Write(0x1000, line(9))
		_, _ = b.Request(0, coherence.ReadExclusive, 0x1000, 1)

		snoopers[0].EXPECT().OnGrant(gomock.Any()).Return(bus.Grant{
			Kind:      coherence.ReadExclusive,
			Writeback: &bus.Writeback{Address: 0x2000, Data: line(5)},
		}, nil)
		for _, s := range snoopers[1:] {
			expectSnoop(s, coherence.Invalid, coherence.ReadExclusive, nil)
		}

		var got bus.Result
		snoopers[0].EXPECT().Complete(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ bus.Transaction, r bus.Result) error {
				got = r
				return nil
			})

		_, err := b.Tick(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.PendingWrite(0x2000)).To(BeTrue())

		cycle, err := runUntilIdle(b, 3, 20)

		Expect(err).NotTo(HaveOccurred())
		Expect(cycle).To(Equal(uint64(10)))
		Expect(b.PendingWrite(0x2000)).To(BeFalse())
		Expect(storage.Read(0x2000, blockSize)).To(Equal(line(5)))
		Expect(got.Data).To(Equal(line(9)))
		Expect(b.Stats().Writebacks).To(Equal(uint64(1)))
		Expect(b.Stats().MemoryWrites).To(Equal(uint64(1)))
	})

	It("should write supplied dirty data back under the handoff policy", func() {
		build(bus.WithWritebackPolicy(bus.WritebackOnHandoff))
		_, _ = b.Request(1, coherence.Read, 0x80, 1)

		snoopers[1].EXPECT().OnGrant(gomock.Any()).
			Return(bus.Grant{Kind: coherence.Read}, nil)
		expectSnoop(snoopers[0], coherence.Owned, coherence.Read, line(4))
		expectSnoop(snoopers[2], coherence.Invalid, coherence.Read, nil)
		expectSnoop(snoopers[3], coherence.Invalid, coherence.Read, nil)

		var got bus.Result
		snoopers[1].EXPECT().Complete(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ bus.Transaction, r bus.Result) error {
				got = r
				return nil
			})

		_, err := runUntilIdle(b, 2, 20)

		Expect(err).NotTo(HaveOccurred())
		Expect(got.Source).To(Equal(bus.SourceCache))
		Expect(storage.Read(0x80, blockSize)).To(Equal(line(4)))
		Expect(b.Stats().HandoffWritebacks).To(Equal(uint64(1)))
	})

	It("should reject two data suppliers", func() {
		_, _ = b.Request(0, coherence.ReadExclusive, 0x40, 1)

		snoopers[0].EXPECT().OnGrant(gomock.Any()).
			Return(bus.Grant{Kind: coherence.ReadExclusive}, nil)
		expectSnoop(snoopers[1], coherence.Modified, coherence.ReadExclusive, line(1))
		expectSnoop(snoopers[2], coherence.Exclusive, coherence.ReadExclusive, line(1))
		snoopers[3].EXPECT().Snoop(gomock.Any()).AnyTimes()
		snoopers[3].EXPECT().StateOf(gomock.Any()).AnyTimes()

		_, err := b.Tick(2)

		Expect(errors.Is(err, coherence.ErrInvariantViolation)).To(BeTrue())
		v, ok := coherence.AsViolation(err)
		Expect(ok).To(BeTrue())
		Expect(v.Cycle).To(Equal(uint64(2)))
		Expect(v.States).To(Equal(
			[]coherence.State{coherence.Modified, coherence.Exclusive}))
	})

	It("should reject a snooper that did not apply its reply", func() {
		_, _ = b.Request(0, coherence.Read, 0x40, 1)

		snoopers[0].EXPECT().OnGrant(gomock.Any()).
			Return(bus.Grant{Kind: coherence.Read}, nil)
		snoopers[1].EXPECT().Snoop(gomock.Any()).
			Return(reply(coherence.Modified, coherence.Read, line(1)), nil)
		snoopers[1].EXPECT().StateOf(gomock.Any()).Return(coherence.Modified)

		_, err := b.Tick(2)

		Expect(errors.Is(err, coherence.ErrContractViolation)).To(BeTrue())
	})

	It("should time out a memory access that never answers", func() {
		responder := NewMockResponder(mockCtrl)
		b = bus.New(4, blockSize, responder, bus.WithMemoryTimeout(4, 2))
		for i, s := range snoopers {
			b.Attach(i, s)
		}

		_, _ = b.Request(0, coherence.Read, 0x40, 1)
		snoopers[0].EXPECT().OnGrant(gomock.Any()).
			Return(bus.Grant{Kind: coherence.Read}, nil)
		for _, s := range snoopers[1:] {
			expectSnoop(s, coherence.Invalid, coherence.Read, nil)
		}
		responder.EXPECT().Issue(memory.Request{Address: 0x40, Size: blockSize}).
			Return(nil)
		responder.EXPECT().Tick().Return(memory.Response{}, false).AnyTimes()

		cycle, err := runUntilIdle(b, 2, 20)

		Expect(errors.Is(err, coherence.ErrMemoryTimeout)).To(BeTrue())
		Expect(cycle).To(Equal(uint64(9)))
	})

	It("should serve every core within one round of grants", func() {
		for core := range snoopers {
			_, err := b.Request(core, coherence.Upgrade, uint64(core+1)*0x40, 1)
			Expect(err).NotTo(HaveOccurred())
		}

		var order []int
		for core, s := range snoopers {
			s.EXPECT().OnGrant(gomock.Any()).
				Return(bus.Grant{Kind: coherence.Upgrade}, nil)
			s.EXPECT().Complete(gomock.Any(), gomock.Any()).
				DoAndReturn(func(bus.Transaction, bus.Result) error {
					order = append(order, core)
					return nil
				})
			s.EXPECT().Snoop(gomock.Any()).
				Return(reply(coherence.Invalid, coherence.Upgrade, nil), nil).
				Times(3)
			s.EXPECT().StateOf(gomock.Any()).Return(coherence.Invalid).Times(3)
		}

		_, err := runUntilIdle(b, 2, 40)

		Expect(err).NotTo(HaveOccurred())
		Expect(order).To(Equal([]int{0, 1, 2, 3}))
		Expect(b.Stats().Grants).To(Equal([]uint64{1, 1, 1, 1}))
		Expect(b.Stats().BusyCycles).To(Equal(uint64(8)))
	})

	It("should report a requester passed over more than once per round", func() {
		build(bus.WithArbiter(lowestFirst{n: 4}))

		_, _ = b.Request(0, coherence.Upgrade, 0x40, 1)
		_, _ = b.Request(3, coherence.Upgrade, 0xC0, 1)

		snoopers[0].EXPECT().OnGrant(gomock.Any()).
			Return(bus.Grant{Kind: coherence.Upgrade}, nil).AnyTimes()
		snoopers[0].EXPECT().Complete(gomock.Any(), gomock.Any()).
			DoAndReturn(func(txn bus.Transaction, _ bus.Result) error {
				_, err := b.Request(0, coherence.Upgrade, 0x40, txn.DoneCycle)
				return err
			}).AnyTimes()
		for _, s := range snoopers[1:] {
			s.EXPECT().Snoop(gomock.Any()).
				Return(reply(coherence.Invalid, coherence.Upgrade, nil), nil).
				AnyTimes()
			s.EXPECT().StateOf(gomock.Any()).
				Return(coherence.Invalid).AnyTimes()
		}

		cycle, err := runUntilIdle(b, 2, 40)

		Expect(err).To(MatchError(coherence.ErrStarvation))
		v, ok := coherence.AsViolation(err)
		Expect(ok).To(BeTrue())
		Expect(v.Core).To(Equal(3))
		Expect(v.Address).To(Equal(uint64(0xC0)))
		Expect(cycle).To(Equal(uint64(8)))
		Expect(v.Cycle).To(Equal(uint64(8)))
		Expect(b.Stats().Grants[0]).To(Equal(uint64(4)))
		Expect(b.Stats().Grants[3]).To(BeZero())
	})
})
