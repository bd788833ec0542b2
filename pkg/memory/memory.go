// Package memory models the platform address space the update pipeline
// writes to: a set of NVM and RAM regions backed by byte slices, plus the
// layout constraints the boot ROM imposes on secure-domain firmware images.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/i5heu/suit-platform/pkg/suiterr"
)

// Kind tells how a region behaves when erased.
type Kind int

const (
	NVM Kind = iota
	RAM
)

func (k Kind) String() string {
	if k == RAM {
		return "ram"
	}
	return "nvm"
}

// EraseValue is the byte an erased cell reads back as.
func (k Kind) EraseValue() byte {
	if k == NVM {
		return 0xFF
	}
	return 0x00
}

// Region is a contiguous range of the address space.
type Region struct {
	Name string
	Kind Kind
	Base uint64
	Size int

	data []byte
}

func (r *Region) end() uint64 { return r.Base + uint64(r.Size) }

func (r *Region) contains(addr uint64, n int) bool {
	return n >= 0 && addr >= r.Base && addr <= r.end() && uint64(n) <= r.end()-addr
}

// Map is the platform address space. It is safe for concurrent use.
type Map struct {
	mu      sync.RWMutex
	regions []*Region
}

// NewMap builds a map from non-overlapping regions. NVM regions start erased.
func NewMap(regions ...Region) (*Map, error) {
	m := &Map{}
	for _, r := range regions {
		if r.Size <= 0 {
			return nil, fmt.Errorf("region %q: size must be positive", r.Name)
		}
		if r.Base+uint64(r.Size) < r.Base {
			return nil, fmt.Errorf("region %q: wraps past the end of the address space", r.Name)
		}
		reg := &Region{Name: r.Name, Kind: r.Kind, Base: r.Base, Size: r.Size}
		reg.data = make([]byte, r.Size)
		if reg.Kind == NVM {
			for i := range reg.data {
				reg.data[i] = 0xFF
			}
		}
		for _, other := range m.regions {
			if reg.Base < other.end() && other.Base < reg.end() {
				return nil, fmt.Errorf("region %q overlaps %q", reg.Name, other.Name)
			}
		}
		m.regions = append(m.regions, reg)
	}
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })
	return m, nil
}

func (m *Map) find(addr uint64, n int) *Region {
	for _, r := range m.regions {
		if r.contains(addr, n) {
			return r
		}
	}
	return nil
}

// RegionOf returns a copy of the region descriptor holding [addr, addr+n).
func (m *Map) RegionOf(addr uint64, n int) (Region, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.find(addr, n)
	if r == nil {
		return Region{}, false
	}
	return Region{Name: r.Name, Kind: r.Kind, Base: r.Base, Size: r.Size}, true
}

// Contains reports whether [addr, addr+n) lies inside a single region.
func (m *Map) Contains(addr uint64, n int) bool {
	_, ok := m.RegionOf(addr, n)
	return ok
}

// Read copies n bytes starting at addr.
func (m *Map) Read(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := m.ReadInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadInto fills buf with the bytes starting at addr.
func (m *Map) ReadInto(addr uint64, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.find(addr, len(buf))
	if r == nil {
		return suiterr.Newf(suiterr.OutOfBounds, "memory read", "0x%x+%d", addr, len(buf))
	}
	off := addr - r.Base
	copy(buf, r.data[off:off+uint64(len(buf))])
	return nil
}

// Write stores p at addr.
func (m *Map) Write(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.find(addr, len(p))
	if r == nil {
		return suiterr.Newf(suiterr.OutOfBounds, "memory write", "0x%x+%d", addr, len(p))
	}
	off := addr - r.Base
	copy(r.data[off:], p)
	return nil
}

// Erase resets [addr, addr+n) to the erase value of its region.
func (m *Map) Erase(addr uint64, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.find(addr, n)
	if r == nil {
		return suiterr.Newf(suiterr.OutOfBounds, "memory erase", "0x%x+%d", addr, n)
	}
	off := addr - r.Base
	fill := r.Kind.EraseValue()
	for i := off; i < off+uint64(n); i++ {
		r.data[i] = fill
	}
	return nil
}

// Layout holds the placement rules for secure-domain firmware updates.
type Layout struct {
	// SDFWUpdateAddress and SDFWUpdateSize describe the only range the boot
	// ROM accepts an SDFW candidate from.
	SDFWUpdateAddress uint64
	SDFWUpdateSize    int
}

// InSDFWUpdateArea reports whether [addr, addr+size) lies inside the SDFW
// update area.
func (l Layout) InSDFWUpdateArea(addr uint64, size int) bool {
	if l.SDFWUpdateSize <= 0 || size < 0 {
		return false
	}
	end := l.SDFWUpdateAddress + uint64(l.SDFWUpdateSize)
	if end < l.SDFWUpdateAddress {
		return false
	}
	return addr >= l.SDFWUpdateAddress && addr <= end && uint64(size) <= end-addr
}
