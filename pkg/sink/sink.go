// Package sink defines the stream sink abstraction every update destination
// implements, plus the capability helpers used by the IPUC registry, the
// filters and the copy orchestrator.
//
// A sink always supports Write and Release. Seeking, erasing, flushing and
// reporting used storage are optional capabilities expressed as separate
// interfaces; callers probe for them and either skip the step or fail with
// suiterr.Unsupported.
package sink

import (
	"io"

	"github.com/i5heu/suit-platform/pkg/memory"
	"github.com/i5heu/suit-platform/pkg/suiterr"
)

// DefaultStreamChunk is the piece size StreamRange uses when none is given.
const DefaultStreamChunk = 4096

// Sink is a write destination.
type Sink interface {
	Write(p []byte) error
	Release() error
}

// Seeker moves the write cursor to an absolute offset.
type Seeker interface {
	Seek(offset int) error
}

// Eraser clears the whole destination.
type Eraser interface {
	Erase() error
}

// Flusher commits buffered data.
type Flusher interface {
	Flush() error
}

// StorageReporter returns the number of bytes written so far.
type StorageReporter interface {
	UsedStorage() (int, error)
}

// AddressWriter accepts data together with the address it is read from.
// Destinations that must know where a payload lives in memory (for example
// the secure-domain firmware slot) implement it.
type AddressWriter interface {
	WriteFrom(addr uint64, p []byte) error
}

func CanSeek(s Sink) bool {
	_, ok := s.(Seeker)
	return ok
}

func CanErase(s Sink) bool {
	_, ok := s.(Eraser)
	return ok
}

func CanFlush(s Sink) bool {
	_, ok := s.(Flusher)
	return ok
}

// Seek calls s.Seek or fails with Unsupported.
func Seek(s Sink, offset int) error {
	sk, ok := s.(Seeker)
	if !ok {
		return suiterr.New(suiterr.Unsupported, "sink seek")
	}
	return sk.Seek(offset)
}

// Erase calls s.Erase or fails with Unsupported.
func Erase(s Sink) error {
	e, ok := s.(Eraser)
	if !ok {
		return suiterr.New(suiterr.Unsupported, "sink erase")
	}
	return e.Erase()
}

// Flush calls s.Flush or fails with Unsupported.
func Flush(s Sink) error {
	f, ok := s.(Flusher)
	if !ok {
		return suiterr.New(suiterr.Unsupported, "sink flush")
	}
	return f.Flush()
}

// UsedStorage calls s.UsedStorage or fails with Unsupported.
func UsedStorage(s Sink) (int, error) {
	r, ok := s.(StorageReporter)
	if !ok {
		return 0, suiterr.New(suiterr.Unsupported, "sink used storage")
	}
	return r.UsedStorage()
}

// ReadAt reads from s when it exposes its content, else fails with
// Unsupported.
func ReadAt(s Sink, p []byte, off int64) (int, error) {
	r, ok := s.(io.ReaderAt)
	if !ok {
		return 0, suiterr.New(suiterr.Unsupported, "sink read")
	}
	return r.ReadAt(p, off)
}

// StreamRange forwards size bytes starting at addr from m into s, chunk
// bytes at a time. Sinks implementing AddressWriter receive the source
// address of every piece.
func StreamRange(m *memory.Map, addr uint64, size int, s Sink, chunk int) error {
	if m == nil || s == nil {
		return suiterr.New(suiterr.Inval, "stream range")
	}
	if size < 0 {
		return suiterr.Newf(suiterr.Inval, "stream range", "negative size %d", size)
	}
	if !m.Contains(addr, size) {
		return suiterr.Newf(suiterr.OutOfBounds, "stream range", "0x%x+%d", addr, size)
	}
	if chunk <= 0 {
		chunk = DefaultStreamChunk
	}

	aw, withAddr := s.(AddressWriter)
	buf := make([]byte, chunk)
	for done := 0; done < size; {
		n := chunk
		if size-done < n {
			n = size - done
		}
		src := addr + uint64(done)
		if err := m.ReadInto(src, buf[:n]); err != nil {
			return err
		}
		var err error
		if withAddr {
			err = aw.WriteFrom(src, buf[:n])
		} else {
			err = s.Write(buf[:n])
		}
		if err != nil {
			return err
		}
		done += n
	}
	return nil
}
