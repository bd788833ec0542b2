package decompress

// shiftBuffer is a fixed-capacity staging area. Consumed bytes are removed
// from the front by shifting the remainder down.
type shiftBuffer struct {
	data []byte
	n    int
}

func newShiftBuffer(capacity int) *shiftBuffer {
	return &shiftBuffer{data: make([]byte, capacity)}
}

func (b *shiftBuffer) Len() int      { return b.n }
func (b *shiftBuffer) Cap() int      { return len(b.data) }
func (b *shiftBuffer) Bytes() []byte { return b.data[:b.n] }

// Fill appends as much of p as fits and returns the number of bytes taken.
func (b *shiftBuffer) Fill(p []byte) int {
	n := copy(b.data[b.n:], p)
	b.n += n
	return n
}

// Shift drops the first n bytes.
func (b *shiftBuffer) Shift(n int) {
	if n >= b.n {
		b.n = 0
		return
	}
	copy(b.data, b.data[n:b.n])
	b.n -= n
}

// Zero wipes the whole backing array.
func (b *shiftBuffer) Zero() {
	for i := range b.data {
		b.data[i] = 0
	}
	b.n = 0
}
