package config_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/moesisim/timing/bus"
	"github.com/sarchlab/moesisim/timing/config"
)

var _ = Describe("SystemConfig", func() {
	var c *config.SystemConfig

	BeforeEach(func() {
		c = config.DefaultSystemConfig()
	})

	It("should describe a valid 4-core machine by default", func() {
		Expect(c.Validate()).To(Succeed())
		Expect(c.NumCores).To(Equal(4))
		Expect(c.MemoryLatency).To(Equal(uint64(4)))
		Expect(c.Policy()).To(Equal(bus.WritebackOnEvict))
		Expect(c.CacheConfig().Size()).To(Equal(16 * 4 * 64))
	})

	It("should reject an unknown write-back policy", func() {
		c.WritebackPolicy = "lazy"
		Expect(c.Validate()).To(MatchError(ContainSubstring("writeback_policy")))
	})

	It("should reject a block size that is not a power of two", func() {
		c.BlockSize = 48
		Expect(c.Validate()).NotTo(Succeed())
	})

	It("should reject zero cores", func() {
		c.NumCores = 0
		Expect(c.Validate()).To(MatchError("num_cores must be > 0"))
	})

	It("should clone without aliasing", func() {
		clone := c.Clone()
		clone.NumCores = 8

		Expect(c.NumCores).To(Equal(4))
	})

	It("should round trip through a file and keep defaults", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "system.json")

		c.NumCores = 2
		c.WritebackPolicy = string(bus.WritebackOnHandoff)
		Expect(c.SaveConfig(path)).To(Succeed())

		loaded, err := config.LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(Equal(c))

		partial := filepath.Join(dir, "partial.json")
		Expect(os.WriteFile(partial, []byte(`{"num_cores": 3}`), 0644)).To(Succeed())

		loaded, err = config.LoadConfig(partial)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.NumCores).To(Equal(3))
		Expect(loaded.BlockSize).To(Equal(64))
	})

	It("should fail on a missing file", func() {
		_, err := config.LoadConfig("/nonexistent/system.json")
		Expect(err).To(MatchError(ContainSubstring("failed to read")))
	})

	It("should apply environment overrides", func() {
		GinkgoT().Setenv("MOESISIM_NUM_CORES", "8")
		GinkgoT().Setenv("MOESISIM_WRITEBACK_POLICY", "handoff")
		GinkgoT().Setenv("MOESISIM_CHECK_INVARIANTS", "false")

		Expect(c.ApplyEnv()).To(Succeed())

		Expect(c.NumCores).To(Equal(8))
		Expect(c.Policy()).To(Equal(bus.WritebackOnHandoff))
		Expect(c.CheckInvariants).To(BeFalse())
	})

	It("should report malformed environment values", func() {
		GinkgoT().Setenv("MOESISIM_MEMORY_LATENCY", "soon")

		Expect(c.ApplyEnv()).To(MatchError(ContainSubstring("MOESISIM_MEMORY_LATENCY")))
	})
})
