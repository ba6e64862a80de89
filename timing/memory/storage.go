// Package memory provides the shared main memory behind the coherency bus: a
// sparse byte store and a fixed-latency responder that serves one request at
// a time.
package memory

// BackingStore is the functional contents of main memory.
type BackingStore interface {
	// Read fetches size bytes starting at addr.
	Read(addr uint64, size int) []byte
	// Write stores data starting at addr.
	Write(addr uint64, data []byte)
}

const pageSize = 4096

// Storage is a sparse, page-granular byte store. Unwritten bytes read as
// zero.
type Storage struct {
	pages map[uint64][]byte
}

// NewStorage creates an empty storage.
func NewStorage() *Storage {
	return &Storage{pages: make(map[uint64][]byte)}
}

func (s *Storage) page(addr uint64, create bool) []byte {
	base := addr / pageSize * pageSize

	p, ok := s.pages[base]
	if !ok && create {
		p = make([]byte, pageSize)
		s.pages[base] = p
	}

	return p
}

// Read fetches size bytes starting at addr.
func (s *Storage) Read(addr uint64, size int) []byte {
	data := make([]byte, size)

	for i := 0; i < size; i++ {
		a := addr + uint64(i)
		if p := s.page(a, false); p != nil {
			data[i] = p[a%pageSize]
		}
	}

	return data
}

// Write stores data starting at addr.
func (s *Storage) Write(addr uint64, data []byte) {
	for i, b := range data {
		a := addr + uint64(i)
		s.page(a, true)[a%pageSize] = b
	}
}

// Read64 reads a little-endian 64-bit value.
func (s *Storage) Read64(addr uint64) uint64 {
	data := s.Read(addr, 8)

	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(data[i]) << (i * 8)
	}

	return v
}

// Write64 writes a little-endian 64-bit value.
func (s *Storage) Write64(addr uint64, value uint64) {
	data := make([]byte, 8)
	for i := 0; i < 8; i++ {
		data[i] = byte(value >> (i * 8))
	}

	s.Write(addr, data)
}
