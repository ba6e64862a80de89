package coherence_test

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/moesisim/timing/coherence"
)

var _ = Describe("State", func() {
	It("should round-trip state names", func() {
		for _, s := range []coherence.State{
			coherence.Invalid, coherence.Shared, coherence.Exclusive,
			coherence.Owned, coherence.Modified,
		} {
			parsed, err := coherence.ParseState(s.String())
			Expect(err).NotTo(HaveOccurred())
			Expect(parsed).To(Equal(s))
		}
	})

	It("should reject unknown names", func() {
		_, err := coherence.ParseState("X")
		Expect(err).To(HaveOccurred())
	})

	It("should classify dirty states", func() {
		Expect(coherence.Modified.IsDirty()).To(BeTrue())
		Expect(coherence.Owned.IsDirty()).To(BeTrue())
		Expect(coherence.Exclusive.IsDirty()).To(BeFalse())
		Expect(coherence.Shared.IsDirty()).To(BeFalse())
		Expect(coherence.Invalid.IsValid()).To(BeFalse())
	})

	It("should only allow local stores in M and E", func() {
		Expect(coherence.Modified.CanWrite()).To(BeTrue())
		Expect(coherence.Exclusive.CanWrite()).To(BeTrue())
		Expect(coherence.Owned.CanWrite()).To(BeFalse())
		Expect(coherence.Shared.CanWrite()).To(BeFalse())
	})

	It("should map transaction kinds to snoop events", func() {
		Expect(coherence.Read.SnoopEvent()).To(Equal(coherence.SnoopRead))
		Expect(coherence.ReadExclusive.SnoopEvent()).To(Equal(coherence.SnoopWrite))
		Expect(coherence.Upgrade.SnoopEvent()).To(Equal(coherence.SnoopInvalidate))
		Expect(coherence.Upgrade.NeedsData()).To(BeFalse())
	})
})

var _ = Describe("ViolationError", func() {
	It("should unwrap to its class", func() {
		v := coherence.NewViolation(
			coherence.ErrMissedWriteback, 2, 0x40, "evicted dirty line",
			coherence.Modified,
		).AtCycle(17)

		var err error = fmt.Errorf("tick: %w", v)

		Expect(errors.Is(err, coherence.ErrMissedWriteback)).To(BeTrue())
		Expect(errors.Is(err, coherence.ErrStarvation)).To(BeFalse())

		got, ok := coherence.AsViolation(err)
		Expect(ok).To(BeTrue())
		Expect(got.Core).To(Equal(2))
		Expect(got.Cycle).To(Equal(uint64(17)))
	})

	It("should describe address, core, cycle and states", func() {
		v := coherence.NewViolation(
			coherence.ErrInvariantViolation, coherence.NoCore, 0x80,
			"two owners", coherence.Owned, coherence.Owned,
		).AtCycle(3)

		Expect(v.Error()).To(ContainSubstring("addr 0x80"))
		Expect(v.Error()).To(ContainSubstring("cycle 3"))
		Expect(v.Error()).To(ContainSubstring("states [O O]"))
		Expect(v.Error()).NotTo(ContainSubstring("core"))
	})
})
