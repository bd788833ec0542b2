package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/suit-platform/internal/config"
	"github.com/i5heu/suit-platform/pkg/arbiter"
	"github.com/i5heu/suit-platform/pkg/component"
	"github.com/i5heu/suit-platform/pkg/decrypt"
	"github.com/i5heu/suit-platform/pkg/digestcache"
	"github.com/i5heu/suit-platform/pkg/ipuc"
	"github.com/i5heu/suit-platform/pkg/memory"
	"github.com/i5heu/suit-platform/pkg/platform"
)

// reportingUpdater stands in for the secure-domain boot ROM and remembers
// the last update it was asked for.
type reportingUpdater struct {
	log *logrus.Logger

	requested bool
	slot      uint32
	addr      uint64
	size      int
}

func (u *reportingUpdater) Update(slot uint32, addr uint64, size int) error {
	u.requested, u.slot, u.addr, u.size = true, slot, addr, size
	u.log.WithFields(logrus.Fields{
		"slot":    slot,
		"address": fmt.Sprintf("0x%x", addr),
		"size":    size,
	}).Info("Secure domain update requested")
	return nil
}

// session is a platform built from a configuration, with the configured
// IPUCs already declared.
type session struct {
	cfg      config.Config
	log      *logrus.Logger
	mem      *memory.Map
	p        *platform.Platform
	keys     *decrypt.MemoryKeyStore
	updater  *reportingUpdater
	ipucs    []*component.Handle
	closeFns []func() error
}

func openSession(c config.Config, log *logrus.Logger) (*session, error) {
	m, err := c.MemoryMap()
	if err != nil {
		return nil, err
	}
	grants, err := c.ArbiterGrants()
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:     c,
		log:     log,
		mem:     m,
		keys:    decrypt.NewMemoryKeyStore(),
		updater: &reportingUpdater{log: log},
	}

	var digests digestcache.Cache = digestcache.NewMemory()
	if c.DigestCache.Path != "" {
		b, err := digestcache.NewBadger(digestcache.BadgerConfig{Path: c.DigestCache.Path, Logger: log})
		if err != nil {
			return nil, err
		}
		digests = b
		s.closeFns = append(s.closeFns, b.Close)
	}

	s.p, err = platform.New(platform.Config{
		Memory:              m,
		Layout:              c.Layout(),
		IPUCSize:            c.IPUCSize,
		Arbiter:             arbiter.NewStatic(grants...),
		Digests:             digests,
		DecompressChunkSize: c.Decompress.ChunkSize,
		Keys:                s.keys,
		Updater:             s.updater,
		StreamChunk:         c.StreamChunkSize,
		Logger:              log,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	for _, d := range c.IPUCs {
		h, err := s.component(memID(d.CPU, d.Address, d.Size))
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		if err := s.p.IPUC().Declare(h, ipuc.Role(d.Role)); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("declare IPUC 0x%x: %w", d.Address, err)
		}
		s.ipucs = append(s.ipucs, h)
	}
	return s, nil
}

func (s *session) Close() error {
	var first error
	for _, fn := range s.closeFns {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	s.closeFns = nil
	return first
}

type idFunc func() (component.ID, error)

func memID(cpu int, addr uint64, size int) idFunc {
	return func() (component.ID, error) { return component.EncodeMEM(cpu, addr, size) }
}

func (s *session) component(id idFunc) (*component.Handle, error) {
	raw, err := id()
	if err != nil {
		return nil, err
	}
	return s.p.Components().Create(raw)
}

// parseDestination accepts "mem:<cpu>:<address>:<size>", "sdfw",
// "sdfw-recovery" and "soc:<number>".
func parseDestination(spec string) (idFunc, error) {
	parts := strings.Split(spec, ":")
	switch parts[0] {
	case "sdfw":
		return numbered(component.TypeSoCSpecific, platform.SDFWNumber), nil
	case "sdfw-recovery":
		return numbered(component.TypeSoCSpecific, platform.SDFWRecoveryNumber), nil
	case "soc":
		if len(parts) != 2 {
			break
		}
		n, err := strconv.ParseUint(parts[1], 0, 32)
		if err != nil {
			return nil, fmt.Errorf("destination %q: %w", spec, err)
		}
		return numbered(component.TypeSoCSpecific, uint32(n)), nil
	case "mem":
		if len(parts) != 4 {
			break
		}
		cpu, err := strconv.ParseInt(parts[1], 0, 32)
		if err != nil {
			return nil, fmt.Errorf("destination %q: %w", spec, err)
		}
		addr, err := strconv.ParseUint(parts[2], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("destination %q: %w", spec, err)
		}
		size, err := strconv.ParseUint(parts[3], 0, 32)
		if err != nil {
			return nil, fmt.Errorf("destination %q: %w", spec, err)
		}
		return memID(int(cpu), addr, int(size)), nil
	}
	return nil, fmt.Errorf("destination %q: expected mem:<cpu>:<address>:<size>, sdfw, sdfw-recovery or soc:<n>", spec)
}

func numbered(t component.Type, n uint32) idFunc {
	return func() (component.ID, error) { return component.EncodeNumbered(t, n) }
}

// stage writes img to the start of the first RAM region large enough and
// returns a candidate image component pointing at it.
func (s *session) stage(img []byte) (*component.Handle, error) {
	for _, r := range s.cfg.Memory.Regions {
		if !strings.EqualFold(r.Kind, "ram") || r.Size < len(img) {
			continue
		}
		if err := s.mem.Write(r.Base, img); err != nil {
			return nil, err
		}
		h, err := s.component(numbered(component.TypeCandImage, 0))
		if err != nil {
			return nil, err
		}
		if err := h.SetPayload(r.Base, len(img)); err != nil {
			return nil, err
		}
		return h, nil
	}
	return nil, fmt.Errorf("no RAM region can stage %d bytes", len(img))
}

// mirror returns the slot of a declared IPUC used as SDFW mirror.
func (s *session) mirror() (uint64, bool) {
	for _, h := range s.ipucs {
		usage, err := s.p.IPUC().Usage(h)
		if err != nil || usage != ipuc.UsageSDFWMirror {
			continue
		}
		addr, _, err := h.Payload()
		if err != nil {
			continue
		}
		return addr, true
	}
	return 0, false
}
