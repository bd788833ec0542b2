package decompress

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz/lzma"
	"pgregory.net/rapid"

	"github.com/i5heu/suit-platform/pkg/memory"
	"github.com/i5heu/suit-platform/pkg/sink"
	"github.com/i5heu/suit-platform/pkg/suiterr"
)

const slotBase = 0x0E00_0000

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	return log
}

func newOutput(t testing.TB, size int) (*memory.Map, *sink.MemorySink) {
	t.Helper()
	m, err := memory.NewMap(memory.Region{Name: "mram", Kind: memory.NVM, Base: slotBase, Size: size})
	require.NoError(t, err)
	s, err := sink.NewMemorySink(m, slotBase, size)
	require.NoError(t, err)
	return m, s
}

func testImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i%61) ^ byte(i/251)
	}
	return img
}

func writeChunked(f *Filter, data []byte, chunk int) error {
	for len(data) > 0 {
		n := chunk
		if n > len(data) {
			n = len(data)
		}
		if err := f.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func TestHeader(t *testing.T) {
	h := Header(MaxDictSize, DefaultProperties)
	size, p, err := ParseHeader(h)
	require.NoError(t, err)
	assert.Equal(t, MaxDictSize, size)
	assert.Equal(t, DefaultProperties, p)

	size, _, err = ParseHeader(Header(100, DefaultProperties))
	require.NoError(t, err)
	assert.Equal(t, lzma.MinDictCap, size)

	_, _, err = ParseHeader([]byte{DictCode(MaxDictSize * 2), h[1]})
	assert.ErrorIs(t, err, suiterr.ErrInval)

	_, _, err = ParseHeader([]byte{41, h[1]})
	assert.ErrorIs(t, err, suiterr.ErrDecode)

	_, _, err = ParseHeader([]byte{h[0], byte((0*5+2)*9 + 3)})
	assert.ErrorIs(t, err, suiterr.ErrInval)

	_, _, err = ParseHeader([]byte{h[0], 225})
	assert.ErrorIs(t, err, suiterr.ErrDecode)

	_, _, err = ParseHeader(h[:1])
	assert.ErrorIs(t, err, suiterr.ErrInval)
}

func TestDictSize(t *testing.T) {
	for _, tt := range []struct {
		code byte
		size int
	}{
		{0, 4096},
		{1, 6144},
		{10, 128 * 1024},
		{18, 2 * 1024 * 1024},
	} {
		size, err := DictSize(tt.code)
		require.NoError(t, err)
		assert.Equal(t, tt.size, size)
		assert.Equal(t, tt.code, DictCode(tt.size))
	}
}

func TestShiftBuffer(t *testing.T) {
	b := newShiftBuffer(4)
	assert.Equal(t, 3, b.Fill([]byte{1, 2, 3}))
	assert.Equal(t, 1, b.Fill([]byte{4, 5}))
	assert.Equal(t, []byte{1, 2, 3, 4}, b.Bytes())
	b.Shift(3)
	assert.Equal(t, []byte{4}, b.Bytes())
	b.Shift(5)
	assert.Zero(t, b.Len())
	b.Fill([]byte{9})
	b.Zero()
	assert.Zero(t, b.Len())
	assert.Equal(t, []byte{0, 0, 0, 0}, b.data)
}

func TestRoundTrip(t *testing.T) {
	img := testImage(20000)
	compressed, err := Compress(img, 64*1024)
	require.NoError(t, err)

	for _, chunk := range []int{1, 7, TrailingBufferSize, 1000, len(compressed)} {
		m, out := newOutput(t, len(img))
		ctx := NewContext(Config{Logger: quietLogger()})

		f, err := ctx.Get(out, Info{Algorithm: AlgorithmLZMA2, DecompressedImageSize: len(img)})
		require.NoError(t, err)

		require.NoError(t, writeChunked(f, compressed, chunk), "chunk %d", chunk)
		require.NoError(t, f.Flush(), "chunk %d", chunk)

		used, err := f.UsedStorage()
		require.NoError(t, err)
		assert.Equal(t, len(img), used)
		require.NoError(t, f.Release())

		got, err := m.Read(slotBase, len(img))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(img, got), "chunk %d", chunk)
		assert.False(t, ctx.InUse())
	}
}

func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 3000).Draw(rt, "size")
		img := make([]byte, n)
		pattern := rapid.SliceOfN(rapid.Byte(), 1, 32).Draw(rt, "pattern")
		for i := range img {
			img[i] = pattern[i%len(pattern)]
		}
		noise := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(rt, "noise")
		copy(img, noise)

		compressed, err := Compress(img, lzma.MinDictCap)
		if err != nil {
			rt.Fatalf("compress: %v", err)
		}
		chunk := rapid.IntRange(1, len(compressed)).Draw(rt, "chunk")
		chunkSize := rapid.SampledFrom([]int{16, DefaultChunkSize, 512}).Draw(rt, "codecChunk")

		m, out := newOutput(t, n)
		ctx := NewContext(Config{ChunkSize: chunkSize, Logger: quietLogger()})
		f, err := ctx.Get(out, Info{Algorithm: AlgorithmLZMA2, DecompressedImageSize: n})
		if err != nil {
			rt.Fatalf("get: %v", err)
		}
		if err := writeChunked(f, compressed, chunk); err != nil {
			rt.Fatalf("write: %v", err)
		}
		if err := f.Release(); err != nil {
			rt.Fatalf("release: %v", err)
		}
		got, err := m.Read(slotBase, n)
		if err != nil {
			rt.Fatalf("read back: %v", err)
		}
		if !bytes.Equal(img, got) {
			rt.Fatalf("decompressed image differs")
		}
	})
}

func TestFlushSizeMismatchCrashes(t *testing.T) {
	img := testImage(1000)
	compressed, err := Compress(img, lzma.MinDictCap)
	require.NoError(t, err)

	m, out := newOutput(t, 2000)
	ctx := NewContext(Config{Logger: quietLogger()})
	f, err := ctx.Get(out, Info{Algorithm: AlgorithmLZMA2, DecompressedImageSize: 1001})
	require.NoError(t, err)

	require.NoError(t, f.Write(compressed))
	err = f.Flush()
	assert.ErrorIs(t, err, suiterr.ErrCrashed)

	// output is erased
	got, rerr := m.Read(slotBase, 4)
	require.NoError(t, rerr)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, got)

	// flush is not repeated, writes are refused
	assert.ErrorIs(t, f.Flush(), suiterr.ErrCrashed)
	assert.ErrorIs(t, f.Write([]byte{1}), suiterr.ErrIncorrectState)
	assert.ErrorIs(t, f.Release(), suiterr.ErrCrashed)
	assert.False(t, ctx.InUse())
}

func TestOversizedOutputCrashes(t *testing.T) {
	img := testImage(5000)
	compressed, err := Compress(img, lzma.MinDictCap)
	require.NoError(t, err)

	_, out := newOutput(t, 5000)
	ctx := NewContext(Config{Logger: quietLogger()})
	f, err := ctx.Get(out, Info{Algorithm: AlgorithmLZMA2, DecompressedImageSize: 4000})
	require.NoError(t, err)

	err = writeChunked(f, compressed, 64)
	if err == nil {
		err = f.Flush()
	}
	assert.ErrorIs(t, err, suiterr.ErrCrashed)
	_ = f.Release()
}

func TestCorruptStreamCrashes(t *testing.T) {
	img := testImage(3000)
	compressed, err := Compress(img, lzma.MinDictCap)
	require.NoError(t, err)
	truncated := compressed[:len(compressed)/2]

	_, out := newOutput(t, 3000)
	ctx := NewContext(Config{Logger: quietLogger()})
	f, err := ctx.Get(out, Info{Algorithm: AlgorithmLZMA2, DecompressedImageSize: 3000})
	require.NoError(t, err)

	require.NoError(t, f.Write(truncated))
	assert.ErrorIs(t, f.Flush(), suiterr.ErrCrashed)
	_ = f.Release()
}

func TestTrailingDataCrashes(t *testing.T) {
	img := testImage(3000)
	compressed, err := Compress(img, lzma.MinDictCap)
	require.NoError(t, err)
	payload := append(compressed, bytes.Repeat([]byte{0xAB}, 64)...)

	_, out := newOutput(t, 3000)
	ctx := NewContext(Config{Logger: quietLogger()})
	f, err := ctx.Get(out, Info{Algorithm: AlgorithmLZMA2, DecompressedImageSize: 3000})
	require.NoError(t, err)

	err = writeChunked(f, payload, 100)
	if err == nil {
		err = f.Flush()
	}
	assert.ErrorIs(t, err, suiterr.ErrCrashed)
	_ = f.Release()
}

func TestSingleSession(t *testing.T) {
	_, out := newOutput(t, 100)
	_, out2 := newOutput(t, 100)
	ctx := NewContext(Config{Logger: quietLogger()})

	f, err := ctx.Get(out, Info{Algorithm: AlgorithmLZMA2, DecompressedImageSize: 100})
	require.NoError(t, err)
	assert.True(t, ctx.InUse())

	_, err = ctx.Get(out2, Info{Algorithm: AlgorithmLZMA2, DecompressedImageSize: 100})
	assert.ErrorIs(t, err, suiterr.ErrBusy)

	// releasing a session that never got its header fails the flush but
	// still frees the context
	assert.ErrorIs(t, f.Release(), suiterr.ErrIncorrectState)
	assert.False(t, ctx.InUse())
	assert.ErrorIs(t, f.Release(), suiterr.ErrInval)

	f, err = ctx.Get(out2, Info{Algorithm: AlgorithmLZMA2, DecompressedImageSize: 100})
	require.NoError(t, err)
	_ = f.Release()
}

func TestGetValidation(t *testing.T) {
	_, out := newOutput(t, 100)
	ctx := NewContext(Config{Logger: quietLogger()})

	_, err := ctx.Get(nil, Info{Algorithm: AlgorithmLZMA2, DecompressedImageSize: 100})
	assert.ErrorIs(t, err, suiterr.ErrInval)
	_, err = ctx.Get(out, Info{Algorithm: AlgorithmLZMA2})
	assert.ErrorIs(t, err, suiterr.ErrInval)
	_, err = ctx.Get(out, Info{Algorithm: Algorithm(42), DecompressedImageSize: 100})
	assert.ErrorIs(t, err, suiterr.ErrUnsupported)
	assert.False(t, ctx.InUse())
}

func TestFlushNeedsHeader(t *testing.T) {
	_, out := newOutput(t, 100)
	ctx := NewContext(Config{Logger: quietLogger()})
	f, err := ctx.Get(out, Info{Algorithm: AlgorithmLZMA2, DecompressedImageSize: 100})
	require.NoError(t, err)

	require.NoError(t, f.Write([]byte{DictCode(4096)}))
	assert.ErrorIs(t, f.Flush(), suiterr.ErrIncorrectState)
	_ = f.Release()
}

func TestSinkDictionary(t *testing.T) {
	_, out := newOutput(t, 64)
	d := newSinkDictionary(out, 32)

	_, err := d.Write(0, []byte{1})
	assert.ErrorIs(t, err, suiterr.ErrIncorrectState)

	size, err := d.Open(MaxDictSize)
	require.NoError(t, err)
	assert.Equal(t, 32, size)

	n, err := d.Write(4, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	buf := make([]byte, 3)
	_, err = d.Read(4, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf)

	_, err = d.Write(30, []byte{1, 2, 3})
	assert.ErrorIs(t, err, suiterr.ErrOutOfBounds)

	type writeOnly struct{ sink.Sink }
	wd := newSinkDictionary(writeOnly{out}, 32)
	_, _ = wd.Open(32)
	_, err = wd.Read(0, buf)
	assert.ErrorIs(t, err, suiterr.ErrUnsupported)
	_, err = wd.Write(0, buf)
	assert.ErrorIs(t, err, suiterr.ErrUnsupported)

	require.NoError(t, d.Close())
}
