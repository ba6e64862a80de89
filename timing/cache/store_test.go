package cache_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/moesisim/timing/cache"
	"github.com/sarchlab/moesisim/timing/coherence"
)

var _ = Describe("Store", func() {
	var s *cache.Store

	BeforeEach(func() {
		// 4 sets, 4 ways, 64B lines: addresses 0x000, 0x100, 0x200, ...
		// all map to set 0.
		s = cache.NewStore(cache.Config{
			NumSets:       4,
			Associativity: 4,
			BlockSize:     64,
		})
	})

	fill := func(addr uint64, state coherence.State) *cache.Line {
		victim := s.Victim(addr)
		Expect(victim).NotTo(BeNil())
		if victim.State().IsValid() {
			Expect(s.Evict(victim, true)).To(Succeed())
		}
		s.Fill(victim, addr, state, nil)
		return victim
	}

	Describe("Lookup", func() {
		It("should miss on a cold store", func() {
			Expect(s.Lookup(0x1000)).To(BeNil())
			Expect(s.StateOf(0x1000)).To(Equal(coherence.Invalid))
		})

		It("should hit anywhere inside a filled line", func() {
			fill(0x1000, coherence.Exclusive)

			line := s.Lookup(0x1038)
			Expect(line).NotTo(BeNil())
			Expect(line.Address()).To(Equal(uint64(0x1000)))
			Expect(line.State()).To(Equal(coherence.Exclusive))
			Expect(line.SetID()).To(Equal(s.SetIndex(0x1000)))
		})

		It("should miss after the line is invalidated", func() {
			line := fill(0x1000, coherence.Shared)
			s.SetState(line, coherence.Invalid)

			Expect(s.Lookup(0x1000)).To(BeNil())
		})
	})

	Describe("Replacement", func() {
		It("should use free ways before evicting", func() {
			fill(0x000, coherence.Shared)
			fill(0x100, coherence.Shared)

			victim := s.Victim(0x200)
			Expect(victim.State()).To(Equal(coherence.Invalid))
		})

		It("should pick the least recently used way when the set is full", func() {
			a := fill(0x000, coherence.Shared)
			b := fill(0x100, coherence.Shared)
			fill(0x200, coherence.Shared)
			fill(0x300, coherence.Shared)

			s.Touch(a)
			victim := s.Victim(0x400)
			Expect(victim).To(BeIdenticalTo(b))
		})

		It("should track recency in access order", func() {
			a := fill(0x000, coherence.Shared)
			b := fill(0x100, coherence.Shared)
			s.Touch(a)

			order := s.LRUOrder(0)
			Expect(order[len(order)-1]).To(Equal(a.WayID()))
			Expect(order[len(order)-2]).To(Equal(b.WayID()))
		})

		It("should not hand out reserved ways", func() {
			for i := 0; i < 4; i++ {
				victim := s.Victim(uint64(i) * 0x100)
				Expect(victim).NotTo(BeNil())
				Expect(s.Reserve(victim)).To(Succeed())
			}

			Expect(s.Victim(0x400)).To(BeNil())
		})

		It("should refuse to reserve a valid line", func() {
			line := fill(0x000, coherence.Shared)
			err := s.Reserve(line)
			Expect(errors.Is(err, coherence.ErrContractViolation)).To(BeTrue())
		})
	})

	Describe("Eviction", func() {
		It("should silently drop clean lines", func() {
			line := fill(0x000, coherence.Exclusive)
			Expect(s.Evict(line, false)).To(Succeed())
			Expect(s.Lookup(0x000)).To(BeNil())
		})

		It("should refuse to drop a dirty line without write-back", func() {
			for _, state := range []coherence.State{
				coherence.Modified, coherence.Owned,
			} {
				line := fill(0x000, state)
				err := s.Evict(line, false)
				Expect(errors.Is(err, coherence.ErrMissedWriteback)).To(BeTrue())
				Expect(line.State()).To(Equal(state))

				Expect(s.Evict(line, true)).To(Succeed())
			}
		})

		It("should invalidate a dirty line only once its data was handed over", func() {
			line := fill(0x000, coherence.Owned)

			err := s.Invalidate(line, false)
			Expect(errors.Is(err, coherence.ErrMissedWriteback)).To(BeTrue())

			Expect(s.Invalidate(line, true)).To(Succeed())
			Expect(s.StateOf(0x000)).To(Equal(coherence.Invalid))
		})

		It("should invalidate a shared line without data", func() {
			line := fill(0x040, coherence.Shared)

			Expect(s.Invalidate(line, false)).To(Succeed())
			Expect(s.Lookup(0x040)).To(BeNil())
		})
	})

	Describe("Data", func() {
		It("should read back written words", func() {
			line := fill(0x1000, coherence.Modified)
			Expect(s.WriteWord(line, 0x1008, 8, 0xDEADBEEFCAFEBABE)).To(Succeed())

			v, err := s.ReadWord(line, 0x1008, 8)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(uint64(0xDEADBEEFCAFEBABE)))

			v, err = s.ReadWord(line, 0x1008, 4)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(uint64(0xCAFEBABE)))
		})

		It("should copy fill data into the line", func() {
			data := make([]byte, 64)
			data[3] = 0x7F
			line := s.Victim(0x1000)
			s.Fill(line, 0x1000, coherence.Shared, data)
			data[3] = 0

			v, _ := s.ReadWord(line, 0x1000, 8)
			Expect(v).To(Equal(uint64(0x7F000000)))
		})

		It("should reject accesses crossing a line", func() {
			Expect(s.CheckAccess(0x103C, 8)).To(HaveOccurred())
			Expect(s.CheckAccess(0x1038, 8)).To(Succeed())
			Expect(s.CheckAccess(0x1000, 0)).To(HaveOccurred())
		})
	})

	Describe("Flush", func() {
		It("should write back only dirty lines and invalidate everything", func() {
			fill(0x000, coherence.Modified)
			fill(0x040, coherence.Owned)
			fill(0x080, coherence.Shared)

			written := map[uint64]bool{}
			n := s.Flush(func(addr uint64, data []byte) {
				written[addr] = true
			})

			Expect(n).To(Equal(2))
			Expect(written).To(HaveKey(uint64(0x000)))
			Expect(written).To(HaveKey(uint64(0x040)))

			count := 0
			s.ForEachValid(func(*cache.Line) { count++ })
			Expect(count).To(BeZero())
		})
	})

	Describe("Config", func() {
		It("should validate geometry", func() {
			Expect(cache.DefaultConfig().Validate()).To(Succeed())
			Expect(cache.DefaultConfig().Size()).To(Equal(16 * 4 * 64))
			Expect(cache.Config{NumSets: 1, Associativity: 1, BlockSize: 48}.Validate()).
				To(HaveOccurred())
		})
	})
})
