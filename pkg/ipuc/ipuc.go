// Package ipuc keeps the table of in-place updateable components (IPUCs):
// MEM components a manifest declared as valid targets for direct writes,
// together with the progress of the image being written into each of them.
//
// All registry operations are serialized by one mutex. The table has a fixed
// capacity chosen at construction.
package ipuc

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/suit-platform/pkg/arbiter"
	"github.com/i5heu/suit-platform/pkg/component"
	"github.com/i5heu/suit-platform/pkg/digestcache"
	"github.com/i5heu/suit-platform/pkg/memory"
	"github.com/i5heu/suit-platform/pkg/sink"
	"github.com/i5heu/suit-platform/pkg/suiterr"
)

// DefaultSize is the table capacity used when Config.Size is zero.
const DefaultSize = 8

// Role is the manifest role that declared a component.
type Role uint8

const (
	RoleUnknown     Role = 0x00
	RoleSecTop      Role = 0x10
	RoleSecSDFW     Role = 0x11
	RoleSecSysCtrl  Role = 0x12
	RoleAppRoot     Role = 0x20
	RoleAppRecovery Role = 0x21
	RoleAppLocal1   Role = 0x22
	RoleAppLocal2   Role = 0x23
	RoleAppLocal3   Role = 0x24
	RoleRadRecovery Role = 0x30
	RoleRadLocal1   Role = 0x31
	RoleRadLocal2   Role = 0x32
)

// Usage tells what a declared slot is currently used for.
type Usage int

const (
	UsageUnused Usage = iota
	UsageSDFWMirror
	UsageInPlaceUpdate
	// UsageClientUpdate marks a slot claimed by one client through
	// WriteSetup.
	UsageClientUpdate
)

func (u Usage) String() string {
	switch u {
	case UsageSDFWMirror:
		return "sdfw mirror"
	case UsageInPlaceUpdate:
		return "in-place update"
	case UsageClientUpdate:
		return "client in-place update"
	}
	return "unused"
}

// SinkSelector builds the sink that writes into a component.
type SinkSelector func(h *component.Handle) (sink.Sink, error)

type entry struct {
	id              component.ID
	role            Role
	usage           Usage
	clientID        int
	writeOffset     int
	lastChunkStored bool
}

func (e *entry) declared() bool { return len(e.id) != 0 }

func (e *entry) reset() {
	*e = entry{}
}

type Config struct {
	// Size is the number of table slots.
	Size   int
	Memory *memory.Map
	Layout memory.Layout
	// Arbiter confirms ownership of mirror candidates. Without it no mirror
	// is ever selected.
	Arbiter arbiter.Checker
	Digests digestcache.Cache
	// Sinks replaces the default MEM sink selection.
	Sinks       SinkSelector
	StreamChunk int
	Logger      *logrus.Logger
}

// Registry is the IPUC table.
type Registry struct {
	mu      sync.Mutex
	entries []entry

	mem         *memory.Map
	layout      memory.Layout
	arbiter     arbiter.Checker
	digests     digestcache.Cache
	sinks       SinkSelector
	streamChunk int
	log         *logrus.Logger
}

func New(config Config) *Registry {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.Size <= 0 {
		config.Size = DefaultSize
	}
	r := &Registry{
		entries:     make([]entry, config.Size),
		mem:         config.Memory,
		layout:      config.Layout,
		arbiter:     config.Arbiter,
		digests:     config.Digests,
		sinks:       config.Sinks,
		streamChunk: config.StreamChunk,
		log:         config.Logger,
	}
	if r.sinks == nil {
		r.sinks = r.memorySink
	}
	return r
}

func (r *Registry) memorySink(h *component.Handle) (sink.Sink, error) {
	if r.mem == nil {
		return nil, suiterr.Newf(suiterr.Unsupported, "ipuc sink select", "no memory map")
	}
	id, err := h.ID()
	if err != nil {
		return nil, err
	}
	addr, size, err := decodeSlot(id)
	if err != nil {
		return nil, err
	}
	return sink.NewMemorySink(r.mem, addr, size)
}

// decodeSlot accepts only MEM identifiers with a non-zero address and size.
func decodeSlot(id component.ID) (uint64, int, error) {
	typ, err := component.DecodeType(id)
	if err != nil || typ != component.TypeMEM {
		return 0, 0, suiterr.New(suiterr.Unsupported, "ipuc decode slot")
	}
	addr, size, err := component.DecodeAddressSize(id)
	if err != nil || addr == 0 || size == 0 {
		return 0, 0, suiterr.New(suiterr.Unsupported, "ipuc decode slot")
	}
	return addr, size, nil
}

// memID returns the identifier of a MEM handle or nil.
func memID(h *component.Handle) component.ID {
	typ, err := h.Type()
	if err != nil || typ != component.TypeMEM {
		return nil
	}
	id, err := h.ID()
	if err != nil {
		return nil
	}
	return id
}

// lookup must be called with r.mu held.
func (r *Registry) lookup(id component.ID) *entry {
	if len(id) == 0 {
		return nil
	}
	for i := range r.entries {
		if r.entries[i].id.Equal(id) {
			return &r.entries[i]
		}
	}
	return nil
}

// Declare registers h as updateable in place. Declaring an already declared
// component reuses its slot and restarts its progress.
func (r *Registry) Declare(h *component.Handle, role Role) error {
	id := memID(h)
	if id == nil {
		return suiterr.New(suiterr.Inval, "ipuc declare")
	}
	addr, size, err := decodeSlot(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var slot *entry
	for i := range r.entries {
		e := &r.entries[i]
		if slot == nil && !e.declared() {
			slot = e
		} else if e.id.Equal(id) {
			slot = e
			break
		}
	}
	if slot == nil {
		return suiterr.New(suiterr.NoMem, "ipuc declare")
	}

	r.log.WithFields(logrus.Fields{
		"address": fmt.Sprintf("0x%x", addr),
		"size":    size,
		"role":    fmt.Sprintf("0x%02X", uint8(role)),
	}).Info("Declaring IPUC")

	slot.reset()
	slot.id = id
	slot.role = role
	return nil
}

// Revoke removes the declaration of h.
func (r *Registry) Revoke(h *component.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookup(memID(h))
	if e == nil {
		return suiterr.New(suiterr.NotFound, "ipuc revoke")
	}
	if addr, size, err := component.DecodeAddressSize(e.id); err == nil {
		r.log.WithFields(logrus.Fields{
			"address": fmt.Sprintf("0x%x", addr),
			"size":    size,
		}).Info("Revoking IPUC")
	}
	e.reset()
	return nil
}

// Write stores buf at offset of the image being written into h. Chunks must
// arrive in order; a write at offset 0 starts a new transfer and discards
// the progress of the previous one. last marks the final chunk.
func (r *Registry) Write(h *component.Handle, offset int, buf []byte, last bool) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookup(memID(h))
	if e == nil {
		return suiterr.New(suiterr.NotFound, "ipuc write")
	}

	if offset == 0 {
		e.writeOffset = 0
		e.lastChunkStored = false
		e.usage = UsageInPlaceUpdate
		r.dropDigest(e.id)
	}

	if offset != e.writeOffset {
		return suiterr.Newf(suiterr.IncorrectState, "ipuc write",
			"offset %d, expected %d", offset, e.writeOffset)
	}
	if e.lastChunkStored {
		return suiterr.Newf(suiterr.IncorrectState, "ipuc write", "transfer already complete")
	}

	s, err := r.sinks(h)
	if err != nil {
		return suiterr.Wrap(suiterr.IO, "ipuc write", err)
	}
	defer func() {
		if rerr := s.Release(); rerr != nil && err == nil {
			err = suiterr.Wrap(suiterr.IO, "ipuc write", rerr)
		}
	}()

	if offset == 0 && sink.CanErase(s) {
		if err := sink.Erase(s); err != nil {
			return suiterr.Wrap(suiterr.IO, "ipuc write", err)
		}
	}

	if !sink.CanSeek(s) {
		return suiterr.Newf(suiterr.IO, "ipuc write", "sink cannot seek")
	}
	if err := sink.Seek(s, offset); err != nil {
		return suiterr.Wrap(suiterr.IO, "ipuc write", err)
	}

	if len(buf) > 0 {
		if err := s.Write(buf); err != nil {
			return suiterr.Wrap(suiterr.IO, "ipuc write", err)
		}
	}

	e.writeOffset += len(buf)
	if last {
		e.lastChunkStored = true
		r.log.WithFields(logrus.Fields{
			"size": e.writeOffset,
		}).Info("IPUC last chunk written")
	}
	return nil
}

// StoredImageSize returns the size of a completely written image.
func (r *Registry) StoredImageSize(h *component.Handle) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookup(memID(h))
	if e == nil {
		return 0, suiterr.New(suiterr.NotFound, "ipuc stored image size")
	}
	if !e.lastChunkStored {
		return 0, suiterr.Newf(suiterr.IncorrectState, "ipuc stored image size", "transfer incomplete")
	}
	return e.writeOffset, nil
}

// Count returns the number of declared components.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for i := range r.entries {
		if r.entries[i].declared() {
			n++
		}
	}
	return n
}

// Info returns the identifier and role of the idx-th declared component.
func (r *Registry) Info(idx int) (component.ID, Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := 0
	for i := range r.entries {
		e := &r.entries[i]
		if !e.declared() {
			continue
		}
		if cur == idx {
			return e.id, e.role, nil
		}
		cur++
	}
	return nil, RoleUnknown, suiterr.Newf(suiterr.NotFound, "ipuc info", "index %d", idx)
}

// Usage returns the current usage of the slot declared for h.
func (r *Registry) Usage(h *component.Handle) (Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookup(memID(h))
	if e == nil {
		return UsageUnused, suiterr.New(suiterr.NotFound, "ipuc usage")
	}
	return e.usage, nil
}

// DigestCompare hashes the image written into h and compares it with
// digest. A match is remembered in the digest cache, and a later call with
// the cached digest returns without reading the slot again.
func (r *Registry) DigestCompare(h *component.Handle, alg sink.DigestAlgorithm, digest []byte) (err error) {
	if len(digest) == 0 {
		return suiterr.New(suiterr.Inval, "ipuc digest compare")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookup(memID(h))
	if e == nil {
		return suiterr.New(suiterr.NotFound, "ipuc digest compare")
	}
	if !e.lastChunkStored {
		return suiterr.Newf(suiterr.IncorrectState, "ipuc digest compare", "transfer incomplete")
	}
	addr, _, err := decodeSlot(e.id)
	if err != nil {
		return err
	}
	if r.mem == nil {
		return suiterr.Newf(suiterr.Unsupported, "ipuc digest compare", "no memory map")
	}

	if r.digests != nil {
		if cached, ok := r.digests.Lookup(e.id); ok && bytes.Equal(cached, digest) {
			r.log.WithFields(logrus.Fields{
				"address":   fmt.Sprintf("0x%x", addr),
				"algorithm": alg.String(),
			}).Debug("IPUC digest matched cache")
			return nil
		}
	}

	ds, err := sink.NewDigestSink(alg)
	if err != nil {
		return err
	}
	defer ds.Release()

	if err := sink.StreamRange(r.mem, addr, e.writeOffset, ds, r.streamChunk); err != nil {
		return suiterr.Wrap(suiterr.IO, "ipuc digest compare", err)
	}
	if err := ds.Match(digest); err != nil {
		r.log.WithFields(logrus.Fields{
			"address":   fmt.Sprintf("0x%x", addr),
			"algorithm": alg.String(),
		}).Error("IPUC digest does not match")
		return err
	}

	if r.digests != nil {
		if err := r.digests.Store(e.id, digest); err != nil {
			r.log.Warnf("Unable to cache IPUC digest: %v", err)
		}
	}
	return nil
}

// dropDigest must be called with r.mu held.
func (r *Registry) dropDigest(id component.ID) {
	if r.digests == nil {
		return
	}
	if err := r.digests.Remove(id); err != nil {
		r.log.Warnf("Unable to drop cached IPUC digest: %v", err)
	}
}
