package memory_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/moesisim/timing/memory"
)

var _ = Describe("Storage", func() {
	var s *memory.Storage

	BeforeEach(func() {
		s = memory.NewStorage()
	})

	It("should read zero from unwritten memory", func() {
		Expect(s.Read64(0x1000)).To(BeZero())
		Expect(s.Read(0x1000, 4)).To(Equal([]byte{0, 0, 0, 0}))
	})

	It("should read back writes across page boundaries", func() {
		s.Write64(4092, 0x1122334455667788)
		Expect(s.Read64(4092)).To(Equal(uint64(0x1122334455667788)))
		Expect(s.Read(4096, 1)).To(Equal([]byte{0x44}))
	})
})

var _ = Describe("FixedLatencyResponder", func() {
	var (
		store *memory.Storage
		r     *memory.FixedLatencyResponder
	)

	BeforeEach(func() {
		store = memory.NewStorage()
		r = memory.NewFixedLatencyResponder(store, 4)
	})

	tickUntilDone := func() (memory.Response, int) {
		for i := 1; i <= 100; i++ {
			if resp, ok := r.Tick(); ok {
				return resp, i
			}
		}
		Fail("responder never answered")
		return memory.Response{}, 0
	}

	It("should answer a read after the configured latency", func() {
		store.Write64(0x40, 42)
		Expect(r.Issue(memory.Request{Address: 0x40, Size: 8})).To(Succeed())
		Expect(r.Busy()).To(BeTrue())

		resp, cycles := tickUntilDone()
		Expect(cycles).To(Equal(4))
		Expect(resp.Data).To(Equal([]byte{42, 0, 0, 0, 0, 0, 0, 0}))
		Expect(r.Busy()).To(BeFalse())
		Expect(r.Stats().Reads).To(Equal(uint64(1)))
	})

	It("should apply writes when they complete", func() {
		data := []byte{1, 2, 3}
		Expect(r.Issue(memory.Request{Write: true, Address: 0x80, Data: data})).
			To(Succeed())
		data[0] = 9

		r.Tick()
		Expect(store.Read(0x80, 1)).To(Equal([]byte{0}))

		_, _ = tickUntilDone()
		Expect(store.Read(0x80, 3)).To(Equal([]byte{1, 2, 3}))
		Expect(r.Stats().Writes).To(Equal(uint64(1)))
	})

	It("should accept only one outstanding request", func() {
		Expect(r.Issue(memory.Request{Address: 0x40, Size: 8})).To(Succeed())
		err := r.Issue(memory.Request{Address: 0x80, Size: 8})
		Expect(errors.Is(err, memory.ErrBusy)).To(BeTrue())
	})

	It("should be idle without requests", func() {
		_, ok := r.Tick()
		Expect(ok).To(BeFalse())
	})

	It("should treat zero latency as one cycle", func() {
		r = memory.NewFixedLatencyResponder(store, 0)
		Expect(r.Latency()).To(Equal(uint64(1)))
	})
})
