// Package decompress implements the decompression filter: a sink placed in
// front of an output sink that decompresses everything written to it.
//
// The output sink doubles as the decompression dictionary, so no second
// image-sized buffer is needed. Only one decompression session can be active
// per Context.
package decompress

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/suit-platform/pkg/sink"
	"github.com/i5heu/suit-platform/pkg/suiterr"
)

const (
	// DefaultChunkSize is the input the codec takes per step once the
	// header is consumed.
	DefaultChunkSize = 128
	// TrailingBufferSize is the staging capacity for DefaultChunkSize:
	// the header plus one full codec step.
	TrailingBufferSize = HeaderSize + DefaultChunkSize
)

// Algorithm identifies a compression algorithm.
type Algorithm int

const (
	AlgorithmLZMA2 Algorithm = 1
)

func (a Algorithm) String() string {
	if a == AlgorithmLZMA2 {
		return "lzma2"
	}
	return fmt.Sprintf("algorithm(%d)", int(a))
}

// Info describes a compressed payload.
type Info struct {
	Algorithm             Algorithm
	DecompressedImageSize int
}

// CodecFactory builds a codec taking chunkSize bytes per step.
type CodecFactory func(chunkSize int) Codec

type Config struct {
	ChunkSize int
	// Codecs replaces the built-in algorithm table.
	Codecs map[Algorithm]CodecFactory
	Logger *logrus.Logger
}

// Context owns the single decompression session.
type Context struct {
	mu        sync.Mutex
	inUse     bool
	chunkSize int
	codecs    map[Algorithm]CodecFactory
	buf       *shiftBuffer
	log       *logrus.Logger
}

func NewContext(config Config) *Context {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.Codecs == nil {
		config.Codecs = map[Algorithm]CodecFactory{
			AlgorithmLZMA2: newLZMA2Codec,
		}
	}
	return &Context{
		chunkSize: config.ChunkSize,
		codecs:    config.Codecs,
		buf:       newShiftBuffer(HeaderSize + config.ChunkSize),
		log:       config.Logger,
	}
}

// InUse reports whether a session is active.
func (c *Context) InUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}

// Check validates info without starting a session.
func (c *Context) Check(info Info) error {
	if info.DecompressedImageSize <= 0 {
		return suiterr.New(suiterr.Inval, "decompress filter check")
	}
	if _, ok := c.codecs[info.Algorithm]; !ok {
		return suiterr.Newf(suiterr.Unsupported, "decompress filter check", "%s", info.Algorithm)
	}
	return nil
}

// Get starts a session decompressing into out. The returned filter owns out
// and releases it on Release.
func (c *Context) Get(out sink.Sink, info Info) (*Filter, error) {
	if out == nil {
		return nil, suiterr.New(suiterr.Inval, "decompress filter get")
	}
	if err := c.Check(info); err != nil {
		return nil, err
	}
	factory := c.codecs[info.Algorithm]

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse {
		return nil, suiterr.New(suiterr.Busy, "decompress filter get")
	}

	codec := factory(c.chunkSize)
	if err := codec.Init(newSinkDictionary(out, info.DecompressedImageSize)); err != nil {
		return nil, suiterr.Wrap(suiterr.Crash, "decompress filter get", err)
	}

	c.inUse = true
	c.buf.Zero()
	return &Filter{
		ctx:       c,
		out:       out,
		codec:     codec,
		imageSize: info.DecompressedImageSize,
		buf:       c.buf,
		log:       c.log,
	}, nil
}

func (c *Context) put() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Zero()
	c.inUse = false
}

// Filter is the sink handed out by Context.Get.
type Filter struct {
	ctx       *Context
	out       sink.Sink
	codec     Codec
	imageSize int
	buf       *shiftBuffer
	log       *logrus.Logger

	started  bool
	flushed  bool
	flushErr error
	released bool
}

func (f *Filter) step(input []byte, last bool) (int, int, error) {
	consumed, output, err := f.codec.Decompress(input, last)
	if err != nil {
		return 0, 0, suiterr.Wrap(suiterr.Crash, "decompress filter", err)
	}
	f.started = true
	return consumed, output, nil
}

// Write passes compressed bytes to the codec, keeping the trailing
// TrailingBufferSize bytes staged for Flush.
func (f *Filter) Write(p []byte) error {
	if f.released || f.flushed {
		return suiterr.New(suiterr.IncorrectState, "decompress filter write")
	}

	for f.buf.Len()+len(p) > f.buf.Cap() {
		p = p[f.buf.Fill(p):]

		need := f.codec.BytesNeeded()
		if need > f.buf.Len() {
			need = f.buf.Len()
		}
		consumed, output, err := f.step(f.buf.Bytes()[:need], false)
		if err != nil {
			return err
		}
		if output != 0 {
			return suiterr.Newf(suiterr.Crash, "decompress filter write", "unexpected output of %d bytes", output)
		}
		if consumed == 0 {
			return suiterr.Newf(suiterr.Crash, "decompress filter write", "codec made no progress")
		}
		f.buf.Shift(consumed)
	}

	f.buf.Fill(p)
	return nil
}

// Flush drains the staged bytes, checks that exactly the declared image
// size was produced and flushes the output sink. A failed flush erases the
// output.
func (f *Filter) Flush() error {
	if f.released {
		return suiterr.New(suiterr.IncorrectState, "decompress filter flush")
	}
	if f.flushed {
		return f.flushErr
	}
	if !f.started && f.buf.Len() < f.codec.BytesNeeded() {
		return suiterr.Newf(suiterr.IncorrectState, "decompress filter flush", "stream header missing")
	}

	f.flushed = true
	f.flushErr = f.drain()
	f.buf.Zero()

	if f.flushErr != nil {
		f.log.WithFields(logrus.Fields{
			"size": f.imageSize,
		}).Errorf("Decompression failed: %v", f.flushErr)
		if sink.CanErase(f.out) {
			if err := sink.Erase(f.out); err != nil {
				f.log.Errorf("Unable to erase decompression output: %v", err)
			}
		}
	}
	return f.flushErr
}

func (f *Filter) drain() error {
	total := 0
	finished := false

	for f.buf.Len() > 0 {
		wasStarted := f.started
		need := f.codec.BytesNeeded()
		if need > f.buf.Len() {
			need = f.buf.Len()
		}
		last := need == f.buf.Len()

		consumed, output, err := f.step(f.buf.Bytes()[:need], last)
		if err != nil {
			return err
		}
		if consumed == 0 {
			return suiterr.Newf(suiterr.Crash, "decompress filter flush", "codec made no progress")
		}
		total += output
		f.buf.Shift(consumed)
		if last && wasStarted {
			finished = true
		}
	}

	if !finished {
		_, output, err := f.step(nil, true)
		if err != nil {
			return err
		}
		total += output
	}

	if total != f.imageSize {
		return suiterr.Newf(suiterr.Crash, "decompress filter flush",
			"decompressed %d bytes, expected %d", total, f.imageSize)
	}

	if sink.CanFlush(f.out) {
		if err := sink.Flush(f.out); err != nil {
			return suiterr.Wrap(suiterr.IO, "decompress filter flush", err)
		}
	}
	return nil
}

// Erase erases the output sink.
func (f *Filter) Erase() error {
	if f.released {
		return suiterr.New(suiterr.IncorrectState, "decompress filter erase")
	}
	return sink.Erase(f.out)
}

// UsedStorage reports the decompressed bytes held by the output sink.
func (f *Filter) UsedStorage() (int, error) {
	if f.released {
		return 0, suiterr.New(suiterr.IncorrectState, "decompress filter used storage")
	}
	return sink.UsedStorage(f.out)
}

// Release flushes if needed, releases the output sink and ends the session.
func (f *Filter) Release() error {
	if f.released {
		return suiterr.New(suiterr.Inval, "decompress filter release")
	}

	err := f.Flush()
	if rerr := f.out.Release(); rerr != nil && err == nil {
		err = rerr
	}
	if derr := f.codec.Deinit(); derr != nil && err == nil {
		err = derr
	}

	f.released = true
	f.out = nil
	f.codec = nil
	f.ctx.put()
	return err
}
