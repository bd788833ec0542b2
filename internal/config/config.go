package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/i5heu/suit-platform/pkg/arbiter"
	"github.com/i5heu/suit-platform/pkg/decompress"
	"github.com/i5heu/suit-platform/pkg/ipuc"
	"github.com/i5heu/suit-platform/pkg/memory"
	"github.com/i5heu/suit-platform/pkg/sink"
)

type Config struct {
	IPUCSize        int               `yaml:"ipucSize"`
	LogLevel        string            `yaml:"logLevel"`
	Memory          MemoryConfig      `yaml:"memory"`
	SDFWUpdateArea  AreaConfig        `yaml:"sdfwUpdateArea"`
	Arbiter         ArbiterConfig     `yaml:"arbiter"`
	Decompress      DecompressConfig  `yaml:"decompress"`
	StreamChunkSize int               `yaml:"streamChunkSize"`
	DigestCache     DigestCacheConfig `yaml:"digestCache"`
	IPUCs           []IPUCConfig      `yaml:"ipucs"`
}

type MemoryConfig struct {
	Regions []RegionConfig `yaml:"regions"`
}

type RegionConfig struct {
	Name string `yaml:"name"`
	// Kind is "nvm" or "ram".
	Kind string `yaml:"kind"`
	Base uint64 `yaml:"base"`
	Size int    `yaml:"size"`
}

type AreaConfig struct {
	Address uint64 `yaml:"address"`
	Size    int    `yaml:"size"`
}

type ArbiterConfig struct {
	Grants []GrantConfig `yaml:"grants"`
}

type GrantConfig struct {
	Owner   string `yaml:"owner"`
	Address uint64 `yaml:"address"`
	Size    int    `yaml:"size"`
	// Permissions is a subset of "rwxs".
	Permissions string   `yaml:"permissions"`
	Types       []string `yaml:"types"`
}

type DecompressConfig struct {
	ChunkSize int `yaml:"chunkSize"`
}

type DigestCacheConfig struct {
	// Path enables the badger backed cache. Empty keeps digests in memory.
	Path string `yaml:"path"`
}

// IPUCConfig pre-declares a MEM component.
type IPUCConfig struct {
	CPU     int    `yaml:"cpu"`
	Address uint64 `yaml:"address"`
	Size    int    `yaml:"size"`
	Role    uint8  `yaml:"role"`
}

// Default is a small two-region layout: 2 MiB of NVM with the update area
// at its end and 256 KiB of RAM.
func Default() Config {
	c := Config{
		Memory: MemoryConfig{Regions: []RegionConfig{
			{Name: "mram", Kind: "nvm", Base: 0x0E00_0000, Size: 0x20_0000},
			{Name: "ram", Kind: "ram", Base: 0x2000_0000, Size: 0x4_0000},
		}},
		SDFWUpdateArea: AreaConfig{Address: 0x0E1E_0000, Size: 0x2_0000},
	}
	c.applyDefaults()
	return c
}

// Load reads a YAML configuration file, fills in defaults and validates it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.IPUCSize == 0 {
		c.IPUCSize = ipuc.DefaultSize
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Decompress.ChunkSize == 0 {
		c.Decompress.ChunkSize = decompress.DefaultChunkSize
	}
	if c.StreamChunkSize == 0 {
		c.StreamChunkSize = sink.DefaultStreamChunk
	}
}

func (c Config) Validate() error {
	if c.IPUCSize < 0 {
		return fmt.Errorf("config: ipucSize must not be negative")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Decompress.ChunkSize < 0 || c.StreamChunkSize < 0 {
		return fmt.Errorf("config: chunk sizes must not be negative")
	}
	if len(c.Memory.Regions) == 0 {
		return fmt.Errorf("config: at least one memory region is required")
	}

	m, err := c.MemoryMap()
	if err != nil {
		return err
	}
	if c.SDFWUpdateArea.Size < 0 {
		return fmt.Errorf("config: sdfwUpdateArea size must not be negative")
	}
	if c.SDFWUpdateArea.Size > 0 && !m.Contains(c.SDFWUpdateArea.Address, c.SDFWUpdateArea.Size) {
		return fmt.Errorf("config: sdfwUpdateArea 0x%x+%d is not inside one memory region",
			c.SDFWUpdateArea.Address, c.SDFWUpdateArea.Size)
	}
	if _, err := c.ArbiterGrants(); err != nil {
		return err
	}
	if len(c.IPUCs) > c.IPUCSize {
		return fmt.Errorf("config: %d ipucs declared, table holds %d", len(c.IPUCs), c.IPUCSize)
	}
	for i, d := range c.IPUCs {
		if d.Address == 0 || d.Size <= 0 {
			return fmt.Errorf("config: ipucs[%d] needs an address and a size", i)
		}
	}
	return nil
}

// MemoryMap builds the simulated address space.
func (c Config) MemoryMap() (*memory.Map, error) {
	regions := make([]memory.Region, 0, len(c.Memory.Regions))
	for _, r := range c.Memory.Regions {
		var kind memory.Kind
		switch strings.ToLower(r.Kind) {
		case "nvm":
			kind = memory.NVM
		case "ram":
			kind = memory.RAM
		default:
			return nil, fmt.Errorf("config: region %q has unknown kind %q", r.Name, r.Kind)
		}
		regions = append(regions, memory.Region{Name: r.Name, Kind: kind, Base: r.Base, Size: r.Size})
	}
	m, err := memory.NewMap(regions...)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return m, nil
}

func (c Config) Layout() memory.Layout {
	return memory.Layout{
		SDFWUpdateAddress: c.SDFWUpdateArea.Address,
		SDFWUpdateSize:    c.SDFWUpdateArea.Size,
	}
}

// ArbiterGrants converts the configured grants.
func (c Config) ArbiterGrants() ([]arbiter.Grant, error) {
	grants := make([]arbiter.Grant, 0, len(c.Arbiter.Grants))
	for i, g := range c.Arbiter.Grants {
		owner, err := arbiter.ParseOwner(g.Owner)
		if err != nil {
			return nil, fmt.Errorf("config: arbiter.grants[%d]: %w", i, err)
		}
		perms, err := arbiter.ParsePermissions(g.Permissions)
		if err != nil {
			return nil, fmt.Errorf("config: arbiter.grants[%d]: %w", i, err)
		}
		types, err := arbiter.ParseMemTypes(g.Types)
		if err != nil {
			return nil, fmt.Errorf("config: arbiter.grants[%d]: %w", i, err)
		}
		grants = append(grants, arbiter.Grant{
			Owner:       owner,
			Address:     g.Address,
			Size:        g.Size,
			Permissions: perms,
			Type:        types,
		})
	}
	return grants, nil
}
