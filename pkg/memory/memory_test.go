package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/suit-platform/pkg/suiterr"
)

func newTestMap(t *testing.T) *Map {
	t.Helper()
	m, err := NewMap(
		Region{Name: "ram", Kind: RAM, Base: 0x2000_0000, Size: 0x1000},
		Region{Name: "mram", Kind: NVM, Base: 0x0E00_0000, Size: 0x4000},
	)
	require.NoError(t, err)
	return m
}

func TestMapReadWrite(t *testing.T) {
	m := newTestMap(t)

	require.NoError(t, m.Write(0x0E00_0010, []byte{1, 2, 3}))
	got, err := m.Read(0x0E00_000F, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 1, 2, 3, 0xFF}, got)

	got, err = m.Read(0x2000_0000, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, got)
}

func TestMapBounds(t *testing.T) {
	m := newTestMap(t)

	err := m.Write(0x2000_0FFF, []byte{1, 2})
	assert.ErrorIs(t, err, suiterr.ErrOutOfBounds)

	_, err = m.Read(0x1000, 1)
	assert.ErrorIs(t, err, suiterr.ErrOutOfBounds)

	assert.True(t, m.Contains(0x0E00_0000, 0x4000))
	assert.False(t, m.Contains(0x0E00_0000, 0x4001))
}

func TestMapErase(t *testing.T) {
	m := newTestMap(t)

	require.NoError(t, m.Write(0x0E00_0000, []byte{1, 2, 3, 4}))
	require.NoError(t, m.Erase(0x0E00_0001, 2))
	got, err := m.Read(0x0E00_0000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0xFF, 0xFF, 4}, got)

	require.NoError(t, m.Write(0x2000_0000, []byte{9, 9}))
	require.NoError(t, m.Erase(0x2000_0000, 2))
	got, err = m.Read(0x2000_0000, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, got)
}

func TestNewMapRejectsOverlap(t *testing.T) {
	_, err := NewMap(
		Region{Name: "a", Base: 0x1000, Size: 0x100},
		Region{Name: "b", Base: 0x10F0, Size: 0x100},
	)
	assert.Error(t, err)

	_, err = NewMap(Region{Name: "empty", Base: 0x1000})
	assert.Error(t, err)
}

func TestRegionOf(t *testing.T) {
	m := newTestMap(t)
	r, ok := m.RegionOf(0x0E00_0100, 16)
	require.True(t, ok)
	assert.Equal(t, "mram", r.Name)
	assert.Equal(t, NVM, r.Kind)
}

func TestLayoutInSDFWUpdateArea(t *testing.T) {
	l := Layout{SDFWUpdateAddress: 0x0E10_0000, SDFWUpdateSize: 0x1000}

	assert.True(t, l.InSDFWUpdateArea(0x0E10_0000, 0x1000))
	assert.True(t, l.InSDFWUpdateArea(0x0E10_0800, 0x100))
	assert.False(t, l.InSDFWUpdateArea(0x0E0F_FFFF, 2))
	assert.False(t, l.InSDFWUpdateArea(0x0E10_0F00, 0x101))
	assert.False(t, Layout{}.InSDFWUpdateArea(0, 0))
}

func TestMapRejectsWrappingRanges(t *testing.T) {
	m := newTestMap(t)
	const top = 0xFFFF_FFFF_FFFF_FF00

	assert.False(t, m.Contains(top, 0x200))
	assert.False(t, m.Contains(0x2000_0800, -1))
	assert.ErrorIs(t, m.Erase(top, 0x200), suiterr.ErrOutOfBounds)
	assert.ErrorIs(t, m.Write(top, make([]byte, 0x200)), suiterr.ErrOutOfBounds)
	_, err := m.Read(top, 0x200)
	assert.ErrorIs(t, err, suiterr.ErrOutOfBounds)

	_, err = NewMap(Region{Name: "top", Kind: RAM, Base: top, Size: 0x200})
	assert.Error(t, err)

	l := Layout{SDFWUpdateAddress: 0x0E10_0000, SDFWUpdateSize: 0x1000}
	assert.False(t, l.InSDFWUpdateArea(top, 0x200))
	assert.False(t, l.InSDFWUpdateArea(0x0E10_0800, int(^uint(0)>>1)))
}
