// Package arbiter answers memory ownership questions across CPU domains.
//
// On hardware the answer comes from the secure domain's memory arbiter
// service. Here a Static checker built from a list of grants stands in for
// it, which is what tests and the CLI configure.
package arbiter

import (
	"fmt"
	"strings"

	"github.com/i5heu/suit-platform/pkg/suiterr"
)

// Owner is the domain a memory range belongs to.
type Owner int

const (
	Application Owner = iota + 1
	RadioCore
	Secure
)

func (o Owner) String() string {
	switch o {
	case Application:
		return "application"
	case RadioCore:
		return "radiocore"
	case Secure:
		return "secure"
	}
	return fmt.Sprintf("owner(%d)", int(o))
}

// ParseOwner accepts the names produced by Owner.String.
func ParseOwner(s string) (Owner, error) {
	switch strings.ToLower(s) {
	case "application", "app":
		return Application, nil
	case "radiocore", "radio":
		return RadioCore, nil
	case "secure":
		return Secure, nil
	}
	return 0, fmt.Errorf("unknown owner %q", s)
}

// Permission is a bit set of access rights.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExecute
	PermSecure
)

// MemType is a bit set of memory types.
type MemType uint8

const (
	MemReserved MemType = 1 << iota
	MemFixed
)

// ParsePermissions parses a string such as "rws" (read, write, secure).
func ParsePermissions(s string) (Permission, error) {
	var p Permission
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			p |= PermRead
		case 'w':
			p |= PermWrite
		case 'x':
			p |= PermExecute
		case 's':
			p |= PermSecure
		default:
			return 0, fmt.Errorf("unknown permission %q", c)
		}
	}
	return p, nil
}

// ParseMemTypes parses names such as "reserved" and "fixed".
func ParseMemTypes(names []string) (MemType, error) {
	var t MemType
	for _, n := range names {
		switch strings.ToLower(n) {
		case "reserved":
			t |= MemReserved
		case "fixed":
			t |= MemFixed
		default:
			return 0, fmt.Errorf("unknown memory type %q", n)
		}
	}
	return t, nil
}

// AccessParams describes an ownership query.
type AccessParams struct {
	Owner       Owner
	Address     uint64
	Size        int
	Permissions Permission
	// AllowedTypes lists the memory types the caller accepts. The range
	// matches when its type is any of them.
	AllowedTypes MemType
}

// Checker checks memory ownership. A nil error means the owner holds the
// whole range with the requested rights.
type Checker interface {
	Check(p AccessParams) error
}

// Grant states that Owner holds a range with the given rights.
type Grant struct {
	Owner       Owner
	Address     uint64
	Size        int
	Permissions Permission
	Type        MemType
}

func (g Grant) covers(addr uint64, size int) bool {
	return size >= 0 && addr >= g.Address && addr+uint64(size) <= g.Address+uint64(g.Size)
}

// Static grants access according to a fixed list.
type Static struct {
	grants []Grant
}

func NewStatic(grants ...Grant) *Static {
	return &Static{grants: append([]Grant(nil), grants...)}
}

func (s *Static) Check(p AccessParams) error {
	if p.Size <= 0 {
		return suiterr.New(suiterr.Inval, "arbiter check")
	}
	for _, g := range s.grants {
		if g.Owner != p.Owner || !g.covers(p.Address, p.Size) {
			continue
		}
		if g.Permissions&p.Permissions != p.Permissions {
			continue
		}
		if p.AllowedTypes != 0 && g.Type&p.AllowedTypes == 0 {
			continue
		}
		return nil
	}
	return suiterr.Newf(suiterr.Authentication, "arbiter check",
		"%s does not own 0x%x+%d", p.Owner, p.Address, p.Size)
}

// DenyAll rejects every query.
type DenyAll struct{}

func (DenyAll) Check(p AccessParams) error {
	return suiterr.New(suiterr.Authentication, "arbiter check")
}
