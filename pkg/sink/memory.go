package sink

import (
	"io"
	"sync"

	"github.com/i5heu/suit-platform/pkg/memory"
	"github.com/i5heu/suit-platform/pkg/suiterr"
)

// MemorySink writes into a fixed slot of the memory map. It backs MEM
// components, whether the slot lives in NVM or RAM.
type MemorySink struct {
	mu       sync.Mutex
	m        *memory.Map
	base     uint64
	size     int
	cursor   int
	used     int
	released bool
}

// NewMemorySink opens the slot [base, base+size). The slot must lie inside a
// single region.
func NewMemorySink(m *memory.Map, base uint64, size int) (*MemorySink, error) {
	if m == nil || size <= 0 {
		return nil, suiterr.New(suiterr.Inval, "memory sink open")
	}
	if !m.Contains(base, size) {
		return nil, suiterr.Newf(suiterr.OutOfBounds, "memory sink open", "0x%x+%d", base, size)
	}
	return &MemorySink{m: m, base: base, size: size}, nil
}

// Base returns the slot address.
func (s *MemorySink) Base() uint64 { return s.base }

// Size returns the slot capacity.
func (s *MemorySink) Size() int { return s.size }

func (s *MemorySink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return suiterr.New(suiterr.Inval, "memory sink write")
	}
	if len(p) > s.size-s.cursor {
		return suiterr.Newf(suiterr.NoMem, "memory sink write", "%d bytes at offset %d exceed slot of %d", len(p), s.cursor, s.size)
	}
	if err := s.m.Write(s.base+uint64(s.cursor), p); err != nil {
		return suiterr.Wrap(suiterr.IO, "memory sink write", err)
	}
	s.cursor += len(p)
	if s.cursor > s.used {
		s.used = s.cursor
	}
	return nil
}

func (s *MemorySink) Seek(offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || offset < 0 || offset > s.size {
		return suiterr.Newf(suiterr.Inval, "memory sink seek", "offset %d", offset)
	}
	s.cursor = offset
	return nil
}

// Erase resets the whole slot and rewinds the cursor.
func (s *MemorySink) Erase() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return suiterr.New(suiterr.Inval, "memory sink erase")
	}
	if err := s.m.Erase(s.base, s.size); err != nil {
		return suiterr.Wrap(suiterr.IO, "memory sink erase", err)
	}
	s.cursor = 0
	s.used = 0
	return nil
}

func (s *MemorySink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return suiterr.New(suiterr.Inval, "memory sink flush")
	}
	return nil
}

// UsedStorage returns the highest offset written since the last erase.
func (s *MemorySink) UsedStorage() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0, suiterr.New(suiterr.Inval, "memory sink used storage")
	}
	return s.used, nil
}

// ReadAt reads back slot content.
func (s *MemorySink) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0, suiterr.New(suiterr.Inval, "memory sink read")
	}
	if off < 0 || off > int64(s.size) {
		return 0, suiterr.Newf(suiterr.OutOfBounds, "memory sink read", "offset %d", off)
	}
	n := len(p)
	if rem := s.size - int(off); n > rem {
		n = rem
	}
	if err := s.m.ReadInto(s.base+uint64(off), p[:n]); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *MemorySink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return suiterr.New(suiterr.Inval, "memory sink release")
	}
	s.released = true
	return nil
}
