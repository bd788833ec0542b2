package decompress

import (
	"github.com/i5heu/suit-platform/pkg/sink"
	"github.com/i5heu/suit-platform/pkg/suiterr"
)

// Codec is a streaming decompressor.
//
// The first call to Decompress consumes the stream header. After that the
// codec accepts up to BytesNeeded bytes per call and writes decoded bytes to
// its Dictionary. Output is reported only by the call with last set, which
// also finishes the stream; Decompress(nil, true) finishes without further
// input.
type Codec interface {
	Init(dict Dictionary) error
	BytesNeeded() int
	Decompress(input []byte, last bool) (consumed int, output int, err error)
	Deinit() error
}

// Dictionary is the window a codec decodes into.
type Dictionary interface {
	// Open asks for a dictionary of size bytes and returns the size actually
	// available.
	Open(size int) (int, error)
	Write(pos int, p []byte) (int, error)
	Read(pos int, p []byte) (int, error)
	Close() error
}

// sinkDictionary never allocates a window: it pretends to be as large as
// the whole decompressed image and passes every access through to the
// output sink.
type sinkDictionary struct {
	out  sink.Sink
	size int
	open bool
}

func newSinkDictionary(out sink.Sink, imageSize int) *sinkDictionary {
	return &sinkDictionary{out: out, size: imageSize}
}

func (d *sinkDictionary) Open(size int) (int, error) {
	d.open = true
	return d.size, nil
}

func (d *sinkDictionary) Write(pos int, p []byte) (int, error) {
	if !d.open {
		return 0, suiterr.New(suiterr.IncorrectState, "dictionary write")
	}
	if pos < 0 || pos+len(p) > d.size {
		return 0, suiterr.Newf(suiterr.OutOfBounds, "dictionary write", "%d bytes at %d exceed image of %d", len(p), pos, d.size)
	}
	if err := sink.Seek(d.out, pos); err != nil {
		return 0, err
	}
	if err := d.out.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read serves codecs that look back into the window through the
// dictionary. The LZMA2 codec keeps its own window and never calls it.
func (d *sinkDictionary) Read(pos int, p []byte) (int, error) {
	if !d.open {
		return 0, suiterr.New(suiterr.IncorrectState, "dictionary read")
	}
	if pos < 0 || pos+len(p) > d.size {
		return 0, suiterr.Newf(suiterr.OutOfBounds, "dictionary read", "%d bytes at %d exceed image of %d", len(p), pos, d.size)
	}
	return sink.ReadAt(d.out, p, int64(pos))
}

func (d *sinkDictionary) Close() error {
	d.open = false
	return nil
}
