package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/suit-platform/pkg/arbiter"
	"github.com/i5heu/suit-platform/pkg/decompress"
	"github.com/i5heu/suit-platform/pkg/ipuc"
	"github.com/i5heu/suit-platform/pkg/sink"
)

const sample = `
ipucSize: 4
logLevel: debug
memory:
  regions:
    - name: mram
      kind: nvm
      base: 0x0E000000
      size: 0x200000
    - name: ram
      kind: ram
      base: 0x20000000
      size: 0x40000
sdfwUpdateArea:
  address: 0x0E1E0000
  size: 0x20000
arbiter:
  grants:
    - owner: radiocore
      address: 0x0E1E0000
      size: 0x10000
      permissions: rws
      types: [reserved]
digestCache:
  path: /tmp/digests
ipucs:
  - cpu: 3
    address: 0x0E1E0000
    size: 0x10000
    role: 0x31
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "suit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, 4, c.IPUCSize)
	assert.Equal(t, "debug", c.LogLevel)
	require.Len(t, c.Memory.Regions, 2)
	assert.Equal(t, uint64(0x0E00_0000), c.Memory.Regions[0].Base)
	assert.Equal(t, "/tmp/digests", c.DigestCache.Path)
	require.Len(t, c.IPUCs, 1)
	assert.Equal(t, uint8(ipuc.RoleRadLocal1), c.IPUCs[0].Role)

	// defaults
	assert.Equal(t, decompress.DefaultChunkSize, c.Decompress.ChunkSize)
	assert.Equal(t, sink.DefaultStreamChunk, c.StreamChunkSize)

	layout := c.Layout()
	assert.True(t, layout.InSDFWUpdateArea(0x0E1E_0000, 0x100))

	grants, err := c.ArbiterGrants()
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, arbiter.RadioCore, grants[0].Owner)
	assert.Equal(t, arbiter.PermRead|arbiter.PermWrite|arbiter.PermSecure, grants[0].Permissions)
	assert.Equal(t, arbiter.MemReserved, grants[0].Type)

	m, err := c.MemoryMap()
	require.NoError(t, err)
	assert.True(t, m.Contains(0x2000_0000, 0x4_0000))
}

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, ipuc.DefaultSize, c.IPUCSize)
	assert.Equal(t, "info", c.LogLevel)
}

func TestLoadRejects(t *testing.T) {
	for name, content := range map[string]string{
		"no regions": `ipucSize: 2`,
		"bad kind": `
memory:
  regions: [{name: x, kind: rom, base: 0x1000, size: 0x100}]`,
		"overlap": `
memory:
  regions:
    - {name: a, kind: ram, base: 0x1000, size: 0x100}
    - {name: b, kind: ram, base: 0x1080, size: 0x100}`,
		"area outside": `
memory:
  regions: [{name: a, kind: nvm, base: 0x1000, size: 0x100}]
sdfwUpdateArea: {address: 0x1080, size: 0x100}`,
		"bad owner": `
memory:
  regions: [{name: a, kind: nvm, base: 0x1000, size: 0x100}]
arbiter:
  grants: [{owner: gpu, address: 0x1000, size: 0x10, permissions: r}]`,
		"bad level": `
logLevel: loud
memory:
  regions: [{name: a, kind: nvm, base: 0x1000, size: 0x100}]`,
		"too many ipucs": `
ipucSize: 1
memory:
  regions: [{name: a, kind: nvm, base: 0x1000, size: 0x100}]
ipucs:
  - {cpu: 2, address: 0x1000, size: 0x10}
  - {cpu: 2, address: 0x1010, size: 0x10}`,
		"empty ipuc": `
memory:
  regions: [{name: a, kind: nvm, base: 0x1000, size: 0x100}]
ipucs: [{cpu: 2}]`,
		"not yaml": `memory: [`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
