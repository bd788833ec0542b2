package decompress

import (
	"bytes"
	"errors"
	"io"

	"github.com/ulikunitz/xz/lzma"

	"github.com/i5heu/suit-platform/pkg/suiterr"
)

const (
	// HeaderSize is the LZMA2 stream header: dictionary size code and the
	// lc/lp/pb properties byte.
	HeaderSize = 2
	// MaxDictSize bounds the dictionary a stream may ask for.
	MaxDictSize = 128 * 1024
	// MaxLCPlusLP bounds the literal context and position bits.
	MaxLCPlusLP = 4

	maxDictCode = 40
)

var (
	errDecoderDone    = errors.New("lzma2: end of stream reached")
	errDecoderAborted = errors.New("lzma2: decoding aborted")
)

// DictSize returns the dictionary size encoded by an LZMA2 dictionary code.
func DictSize(code byte) (int, error) {
	if code > maxDictCode {
		return 0, suiterr.Newf(suiterr.Decoding, "lzma2 header", "invalid dictionary code %d", code)
	}
	if code == maxDictCode {
		return 0xFFFFFFFF, nil
	}
	return (2 | int(code&1)) << (code/2 + 11), nil
}

// DictCode returns the smallest dictionary code covering size bytes.
func DictCode(size int) byte {
	for code := byte(0); code < maxDictCode; code++ {
		if n, _ := DictSize(code); n >= size {
			return code
		}
	}
	return maxDictCode
}

// ParseHeader validates an LZMA2 header and returns the dictionary size to
// decode with.
func ParseHeader(h []byte) (int, lzma.Properties, error) {
	if len(h) < HeaderSize {
		return 0, lzma.Properties{}, suiterr.New(suiterr.Inval, "lzma2 header")
	}
	dictSize, err := DictSize(h[0])
	if err != nil {
		return 0, lzma.Properties{}, err
	}
	if dictSize > MaxDictSize {
		return 0, lzma.Properties{}, suiterr.Newf(suiterr.Inval, "lzma2 header", "dictionary of %d bytes exceeds %d", dictSize, MaxDictSize)
	}
	if h[1] >= 9*5*5 {
		return 0, lzma.Properties{}, suiterr.Newf(suiterr.Decoding, "lzma2 header", "invalid properties byte 0x%02x", h[1])
	}
	p := lzma.Properties{
		LC: int(h[1] % 9),
		LP: int(h[1] / 9 % 5),
		PB: int(h[1] / 45),
	}
	if p.LC+p.LP > MaxLCPlusLP {
		return 0, lzma.Properties{}, suiterr.Newf(suiterr.Inval, "lzma2 header", "lc %d + lp %d exceeds %d", p.LC, p.LP, MaxLCPlusLP)
	}
	if dictSize < lzma.MinDictCap {
		dictSize = lzma.MinDictCap
	}
	return dictSize, p, nil
}

// Header encodes the LZMA2 stream header.
func Header(dictSize int, p lzma.Properties) []byte {
	return []byte{DictCode(dictSize), byte((p.PB*5+p.LP)*9 + p.LC)}
}

// DefaultProperties are the lc/lp/pb values the compressor uses.
var DefaultProperties = lzma.Properties{LC: 3, LP: 0, PB: 2}

// Compress produces a headered LZMA2 stream of data.
func Compress(data []byte, dictSize int) ([]byte, error) {
	if dictSize < lzma.MinDictCap {
		dictSize = lzma.MinDictCap
	}
	if dictSize > MaxDictSize {
		dictSize = MaxDictSize
	}
	props := DefaultProperties

	var buf bytes.Buffer
	buf.Write(Header(dictSize, props))

	w, err := lzma.Writer2Config{
		Properties: &props,
		DictCap:    dictSize,
	}.NewWriter2(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// lzma2Codec feeds pushed input through an io.Pipe into an lzma.Reader2
// running in its own goroutine. The goroutine writes everything it decodes
// into the dictionary.
type lzma2Codec struct {
	chunkSize int
	dict      Dictionary

	started  bool
	finished bool
	limit    int
	pw       *io.PipeWriter
	done     chan struct{}

	// owned by the decoder goroutine until done is closed
	produced  int
	decodeErr error
}

func newLZMA2Codec(chunkSize int) Codec {
	return &lzma2Codec{chunkSize: chunkSize}
}

func (c *lzma2Codec) Init(dict Dictionary) error {
	if dict == nil {
		return suiterr.New(suiterr.Inval, "lzma2 init")
	}
	if err := c.Deinit(); err != nil {
		return err
	}
	c.dict = dict
	return nil
}

func (c *lzma2Codec) BytesNeeded() int {
	if !c.started {
		return HeaderSize
	}
	return c.chunkSize
}

func (c *lzma2Codec) Decompress(input []byte, last bool) (int, int, error) {
	if c.dict == nil || c.finished {
		return 0, 0, suiterr.New(suiterr.IncorrectState, "lzma2 decompress")
	}

	if !c.started {
		dictSize, _, err := ParseHeader(input)
		if err != nil {
			return 0, 0, err
		}
		limit, err := c.dict.Open(dictSize)
		if err != nil {
			return 0, 0, err
		}
		c.limit = limit
		c.start(dictSize)
		return HeaderSize, 0, nil
	}

	if len(input) > 0 {
		if _, err := c.pw.Write(input); err != nil {
			if errors.Is(err, errDecoderDone) {
				return 0, 0, suiterr.Newf(suiterr.Crash, "lzma2 decompress", "data after end of stream")
			}
			return 0, 0, suiterr.Wrap(suiterr.Crash, "lzma2 decompress", err)
		}
	}
	if !last {
		return len(input), 0, nil
	}

	_ = c.pw.Close()
	<-c.done
	c.finished = true
	if c.decodeErr != nil {
		return len(input), 0, suiterr.Wrap(suiterr.Crash, "lzma2 decompress", c.decodeErr)
	}
	return len(input), c.produced, nil
}

func (c *lzma2Codec) start(dictSize int) {
	pr, pw := io.Pipe()
	c.pw = pw
	c.done = make(chan struct{})
	c.produced = 0
	c.decodeErr = nil
	c.started = true

	go func() {
		defer close(c.done)
		err := c.decode(pr, dictSize)
		if err == nil {
			pr.CloseWithError(errDecoderDone)
			return
		}
		c.decodeErr = err
		pr.CloseWithError(err)
	}()
}

func (c *lzma2Codec) decode(r io.Reader, dictSize int) error {
	zr, err := lzma.Reader2Config{DictCap: dictSize}.NewReader2(r)
	if err != nil {
		return err
	}
	buf := make([]byte, 4096)
	for {
		n, err := zr.Read(buf)
		if n > 0 {
			if c.produced+n > c.limit {
				return suiterr.Newf(suiterr.OutOfBounds, "lzma2 decode", "output exceeds %d bytes", c.limit)
			}
			if _, werr := c.dict.Write(c.produced, buf[:n]); werr != nil {
				return werr
			}
			c.produced += n
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *lzma2Codec) Deinit() error {
	if c.started && !c.finished {
		c.pw.CloseWithError(errDecoderAborted)
		<-c.done
	}
	var err error
	if c.dict != nil {
		err = c.dict.Close()
	}
	*c = lzma2Codec{chunkSize: c.chunkSize}
	return err
}
