// Package cache provides the per-core cache line store used by the coherence
// controllers. Tags, validity and recency are kept in an Akita cache
// directory; MOESI states and line data are kept alongside it.
package cache

import (
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/moesisim/timing/coherence"
)

// Config holds the geometry of a private cache.
type Config struct {
	// NumSets is the number of sets.
	NumSets int
	// Associativity is the number of ways per set.
	Associativity int
	// BlockSize is the line size in bytes.
	BlockSize int
}

// DefaultConfig returns a small 4-way, 16-set cache with 64B lines.
func DefaultConfig() Config {
	return Config{
		NumSets:       16,
		Associativity: 4,
		BlockSize:     64,
	}
}

// Size returns the capacity of the cache in bytes.
func (c Config) Size() int {
	return c.NumSets * c.Associativity * c.BlockSize
}

// Validate checks that the geometry is usable.
func (c Config) Validate() error {
	if c.NumSets <= 0 {
		return fmt.Errorf("num_sets must be > 0")
	}
	if c.Associativity <= 0 {
		return fmt.Errorf("associativity must be > 0")
	}
	if c.BlockSize < 8 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("block_size must be a power of two >= 8")
	}
	return nil
}

// Line is one (set, way) entry of the store.
type Line struct {
	block *akitacache.Block
	state coherence.State
	data  []byte
}

// SetID returns the set the line belongs to.
func (l *Line) SetID() int {
	return l.block.SetID
}

// WayID returns the way the line occupies within its set.
func (l *Line) WayID() int {
	return l.block.WayID
}

// Address returns the block-aligned address cached by the line. It is only
// meaningful while the line is valid.
func (l *Line) Address() uint64 {
	return l.block.Tag
}

// State returns the MOESI state of the line.
func (l *Line) State() coherence.State {
	return l.state
}

// Data returns the line's data. The slice aliases the store.
func (l *Line) Data() []byte {
	return l.data
}

// IsReserved returns true while the way is held for an in-flight fill.
func (l *Line) IsReserved() bool {
	return l.block.IsLocked
}

// Store is the line table of one core's private cache.
type Store struct {
	config Config

	// Akita cache directory for tag/valid/LRU management
	directory *akitacache.DirectoryImpl

	// Lines indexed by (setID * associativity + wayID)
	lines []*Line
}

// NewStore creates an empty store with the given geometry.
func NewStore(config Config) *Store {
	s := &Store{
		config: config,
		directory: akitacache.NewDirectory(
			config.NumSets,
			config.Associativity,
			config.BlockSize,
			akitacache.NewLRUVictimFinder(),
		),
	}
	s.bindLines()

	return s
}

// bindLines pairs every directory block with a state/data entry. The
// directory recreates its blocks on Reset, so this runs after every reset.
func (s *Store) bindLines() {
	s.lines = make([]*Line, s.config.NumSets*s.config.Associativity)

	for _, set := range s.directory.GetSets() {
		for _, block := range set.Blocks {
			s.lines[s.blockIndex(block)] = &Line{
				block: block,
				data:  make([]byte, s.config.BlockSize),
			}
		}
	}
}

// Config returns the store geometry.
func (s *Store) Config() Config {
	return s.config
}

func (s *Store) blockIndex(block *akitacache.Block) int {
	return block.SetID*s.config.Associativity + block.WayID
}

func (s *Store) lineOf(block *akitacache.Block) *Line {
	return s.lines[s.blockIndex(block)]
}

// BlockAddr aligns an address down to its line.
func (s *Store) BlockAddr(addr uint64) uint64 {
	return addr / uint64(s.config.BlockSize) * uint64(s.config.BlockSize)
}

// SetIndex returns the set an address maps to.
func (s *Store) SetIndex(addr uint64) int {
	return int(addr / uint64(s.config.BlockSize) % uint64(s.config.NumSets))
}

// Lookup returns the valid line holding addr, or nil on a miss. Ways are
// scanned in way order and the first valid match wins.
func (s *Store) Lookup(addr uint64) *Line {
	block := s.directory.Lookup(0, s.BlockAddr(addr))
	if block == nil || !block.IsValid {
		return nil
	}

	return s.lineOf(block)
}

// StateOf returns the state of the line holding addr, Invalid on a miss.
func (s *Store) StateOf(addr uint64) coherence.State {
	line := s.Lookup(addr)
	if line == nil {
		return coherence.Invalid
	}

	return line.state
}

// Touch marks the line as most recently used.
func (s *Store) Touch(line *Line) {
	s.directory.Visit(line.block)
}

// SetState changes the state of a valid line. Moving to Invalid drops the
// line from the directory.
func (s *Store) SetState(line *Line, state coherence.State) {
	line.state = state
	line.block.IsValid = state.IsValid()
	line.block.IsDirty = state.IsDirty()
}

// Victim returns the way a fill of addr should use: a free way if there is
// one, the least recently used way otherwise. It returns nil if every way of
// the set is reserved by in-flight fills. The victim may still be valid; the
// caller must Evict it before reuse.
func (s *Store) Victim(addr uint64) *Line {
	block := s.directory.FindVictim(s.BlockAddr(addr))
	if block == nil || block.IsLocked {
		return nil
	}

	return s.lineOf(block)
}

// Evict drops a valid line. A Modified or Owned line may only be evicted
// after its data has been written back.
func (s *Store) Evict(line *Line, wroteBack bool) error {
	if line.state.IsDirty() && !wroteBack {
		return coherence.NewViolation(
			coherence.ErrMissedWriteback,
			coherence.NoCore,
			line.block.Tag,
			fmt.Sprintf("set %d way %d evicted without write-back",
				line.block.SetID, line.block.WayID),
			line.state,
		)
	}

	s.SetState(line, coherence.Invalid)

	return nil
}

// Invalidate drops a line on a snooped exclusive request. A dirty line may
// only be dropped if its data was handed to the requester.
func (s *Store) Invalidate(line *Line, handedOver bool) error {
	if line.state.IsDirty() && !handedOver {
		return coherence.NewViolation(
			coherence.ErrMissedWriteback,
			coherence.NoCore,
			line.block.Tag,
			"dirty line invalidated without handing its data over",
			line.state,
		)
	}

	s.SetState(line, coherence.Invalid)

	return nil
}

// Reserve holds an invalid way for an in-flight fill so that no other fill
// picks it.
func (s *Store) Reserve(line *Line) error {
	if line.state.IsValid() {
		return coherence.NewViolation(
			coherence.ErrContractViolation,
			coherence.NoCore,
			line.block.Tag,
			"reserving a valid line",
			line.state,
		)
	}

	line.block.IsLocked = true

	return nil
}

// Release frees a reserved way without filling it.
func (s *Store) Release(line *Line) {
	line.block.IsLocked = false
}

// Fill installs a line into a reserved or free way and marks it most
// recently used.
func (s *Store) Fill(line *Line, addr uint64, state coherence.State, data []byte) {
	line.block.Tag = s.BlockAddr(addr)
	line.block.IsLocked = false
	s.SetState(line, state)

	if data == nil {
		clear(line.data)
	} else {
		copy(line.data, data)
	}

	s.directory.Visit(line.block)
}

// ReadWord reads size bytes at addr from the line, little endian.
func (s *Store) ReadWord(line *Line, addr uint64, size int) (uint64, error) {
	offset, err := s.checkAccess(addr, size)
	if err != nil {
		return 0, err
	}

	return extractData(line.data, offset, size), nil
}

// WriteWord writes size bytes of value at addr into the line, little endian.
func (s *Store) WriteWord(line *Line, addr uint64, size int, value uint64) error {
	offset, err := s.checkAccess(addr, size)
	if err != nil {
		return err
	}

	storeData(line.data, offset, size, value)

	return nil
}

// CheckAccess validates that an access of size bytes at addr stays inside
// one line.
func (s *Store) CheckAccess(addr uint64, size int) error {
	_, err := s.checkAccess(addr, size)
	return err
}

func (s *Store) checkAccess(addr uint64, size int) (uint64, error) {
	offset := addr % uint64(s.config.BlockSize)
	if size <= 0 || size > 8 || int(offset)+size > s.config.BlockSize {
		return 0, fmt.Errorf(
			"access of %d bytes at 0x%X crosses a %dB line",
			size, addr, s.config.BlockSize)
	}

	return offset, nil
}

// ForEachValid calls fn for every valid line.
func (s *Store) ForEachValid(fn func(line *Line)) {
	for _, line := range s.lines {
		if line.state.IsValid() {
			fn(line)
		}
	}
}

// LRUOrder returns the way IDs of a set from least to most recently used.
func (s *Store) LRUOrder(setID int) []int {
	set := s.directory.GetSets()[setID]

	ways := make([]int, 0, len(set.LRUQueue))
	for _, block := range set.LRUQueue {
		ways = append(ways, block.WayID)
	}

	return ways
}

// Flush writes every dirty line back through writeback and invalidates all
// lines. It returns the number of write-backs.
func (s *Store) Flush(writeback func(addr uint64, data []byte)) int {
	count := 0

	for _, line := range s.lines {
		if line.state.IsDirty() {
			writeback(line.block.Tag, line.data)
			count++
		}

		s.SetState(line, coherence.Invalid)
	}

	return count
}

// Reset invalidates all lines without write-back.
func (s *Store) Reset() {
	s.directory.Reset()
	s.bindLines()
}

// extractData extracts a value of the given size from a byte slice.
func extractData(data []byte, offset uint64, size int) uint64 {
	var result uint64
	for i := 0; i < size; i++ {
		result |= uint64(data[int(offset)+i]) << (i * 8)
	}
	return result
}

// storeData stores a value of the given size into a byte slice.
func storeData(data []byte, offset uint64, size int, value uint64) {
	for i := 0; i < size; i++ {
		data[int(offset)+i] = byte(value >> (i * 8))
	}
}
