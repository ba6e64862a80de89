package core_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/moesisim/timing/controller"
	"github.com/sarchlab/moesisim/timing/core"
)

type submitted struct {
	req   controller.Request
	cycle uint64
}

type fakePort struct {
	submitted []submitted
	pending   []controller.Response
	busy      map[controller.AccessKind]bool
}

func (p *fakePort) Submit(req controller.Request, cycle uint64) error {
	p.submitted = append(p.submitted, submitted{req, cycle})
	p.busy[req.Kind] = true
	return nil
}

func (p *fakePort) TakeResponses() []controller.Response {
	out := p.pending
	p.pending = nil
	return out
}

func (p *fakePort) CanAccept(kind controller.AccessKind) bool {
	return !p.busy[kind]
}

func (p *fakePort) Outstanding(controller.AccessKind) (uint64, bool) {
	return 0, false
}

func (p *fakePort) answer(kind controller.AccessKind, issue, done uint64, hit bool) {
	p.busy[kind] = false
	p.pending = append(p.pending, controller.Response{
		Kind:       kind,
		Hit:        hit,
		IssueCycle: issue,
		DoneCycle:  done,
	})
}

var _ = Describe("Core", func() {
	var (
		port   *fakePort
		script *core.ScriptSource
		c      *core.Core
	)

	BeforeEach(func() {
		port = &fakePort{busy: map[controller.AccessKind]bool{}}
		script = core.NewScriptSource(
			core.Store(0x40, 8, 1),
			core.Load(0x40, 8),
		)
		c = core.NewCore(0, port, script)
	})

	It("should issue for the next cycle", func() {
		_, err := c.Tick(1)

		Expect(err).NotTo(HaveOccurred())
		Expect(port.submitted).To(HaveLen(1))
		Expect(port.submitted[0].cycle).To(Equal(uint64(2)))
		Expect(port.submitted[0].req.Kind).To(Equal(controller.Write))
		Expect(c.InFlight()).To(Equal(1))
	})

	It("should wait for the previous op to be answered", func() {
		_, _ = c.Tick(1)
		_, _ = c.Tick(2)

		Expect(port.submitted).To(HaveLen(1))

		port.answer(controller.Write, 2, 7, false)
		_, _ = c.Tick(7)

		Expect(port.submitted).To(HaveLen(2))
		Expect(port.submitted[1].cycle).To(Equal(uint64(8)))
		Expect(c.LastResponses()).To(HaveLen(1))
		Expect(c.Stats().MaxLatency).To(Equal(uint64(5)))
	})

	It("should be done once every op is answered", func() {
		_, _ = c.Tick(1)
		port.answer(controller.Write, 2, 2, true)
		_, _ = c.Tick(2)
		Expect(c.Done()).To(BeFalse())

		port.answer(controller.Read, 3, 6, false)
		_, _ = c.Tick(6)

		Expect(c.Done()).To(BeTrue())
		stats := c.Stats()
		Expect(stats.Completed).To(Equal(uint64(2)))
		Expect(stats.Hits).To(Equal(uint64(1)))
		Expect(stats.Reads).To(Equal(uint64(1)))
		Expect(stats.AverageLatency()).To(Equal(1.5))
	})

	It("should hold an op back until its cycle", func() {
		c.SetSource(core.NewScriptSource(core.Load(0x80, 4).At(10)))

		_, _ = c.Tick(5)
		Expect(port.submitted).To(BeEmpty())

		_, _ = c.Tick(9)
		Expect(port.submitted).To(HaveLen(1))
		Expect(port.submitted[0].cycle).To(Equal(uint64(10)))
	})

	It("should idle without a source", func() {
		c.SetSource(nil)

		progress, err := c.Tick(1)

		Expect(err).NotTo(HaveOccurred())
		Expect(progress).To(BeFalse())
		Expect(c.Done()).To(BeTrue())
	})
})
