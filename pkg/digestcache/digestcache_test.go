package digestcache

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/suit-platform/pkg/component"
)

var (
	idA = component.ID{0x82, 0x49, 0x68, 'C', 'A', 'N', 'D', '_', 'I', 'M', 'G', 0x41, 0x01}
	idB = component.ID{0x82, 0x49, 0x68, 'C', 'A', 'N', 'D', '_', 'I', 'M', 'G', 0x41, 0x02}
)

func exerciseCache(t *testing.T, c Cache) {
	t.Helper()

	_, ok := c.Lookup(idA)
	assert.False(t, ok)

	require.NoError(t, c.Store(idA, []byte{1, 2, 3}))
	require.NoError(t, c.Store(idB, []byte{4}))

	d, ok := c.Lookup(idA)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, d)

	require.NoError(t, c.Remove(idA))
	_, ok = c.Lookup(idA)
	assert.False(t, ok)
	require.NoError(t, c.Remove(idA))

	d, ok = c.Lookup(idB)
	require.True(t, ok)
	assert.Equal(t, []byte{4}, d)
}

func TestMemoryCache(t *testing.T) {
	c := NewMemory()
	exerciseCache(t, c)
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCacheCopiesDigest(t *testing.T) {
	c := NewMemory()
	digest := []byte{9, 9}
	require.NoError(t, c.Store(idA, digest))
	digest[0] = 0

	d, ok := c.Lookup(idA)
	require.True(t, ok)
	assert.Equal(t, []byte{9, 9}, d)
}

func TestBadgerCache(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	b, err := NewBadger(BadgerConfig{Path: t.TempDir(), Logger: log})
	require.NoError(t, err)
	defer b.Close()

	exerciseCache(t, b)
}

func TestBadgerCachePersists(t *testing.T) {
	dir := t.TempDir()

	b, err := NewBadger(BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, b.Store(idB, []byte{0xAA, 0xBB}))
	require.NoError(t, b.Close())

	b, err = NewBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer b.Close()

	d, ok := b.Lookup(idB)
	require.True(t, ok)
	assert.Equal(t, []byte{0xAA, 0xBB}, d)
}

func TestBadgerRejectsEmptyID(t *testing.T) {
	b, err := NewBadger(BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	defer b.Close()

	assert.Error(t, b.Store(nil, []byte{1}))
}
