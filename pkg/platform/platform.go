// Package platform ties the SUIT platform pieces together: it selects the
// sink for a destination component, builds the decrypt and decompress filter
// chain in front of it and runs copy and write directives through it.
//
// Every exported operation returns processor-level codes (see
// suiterr.ToProcessor); the platform cause stays reachable with errors.Is.
package platform

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/suit-platform/pkg/arbiter"
	"github.com/i5heu/suit-platform/pkg/component"
	"github.com/i5heu/suit-platform/pkg/decompress"
	"github.com/i5heu/suit-platform/pkg/decrypt"
	"github.com/i5heu/suit-platform/pkg/digestcache"
	"github.com/i5heu/suit-platform/pkg/ipuc"
	"github.com/i5heu/suit-platform/pkg/memory"
	"github.com/i5heu/suit-platform/pkg/sink"
	"github.com/i5heu/suit-platform/pkg/suiterr"
)

// SOC_SPEC numbers of the secure-domain firmware slots.
const (
	SDFWNumber         uint32 = 1
	SDFWRecoveryNumber uint32 = 2
)

// DefaultComponentCount is the handle table capacity used when
// Config.ComponentCount is zero.
const DefaultComponentCount = 16

// SinkSelector builds the sink writing into a destination component.
type SinkSelector func(h *component.Handle) (sink.Sink, error)

type Config struct {
	Memory *memory.Map
	Layout memory.Layout
	// IPUC is built from IPUCSize when nil.
	IPUC     *ipuc.Registry
	IPUCSize int
	Arbiter  arbiter.Checker
	Digests  digestcache.Cache
	// Decompress is built from DecompressChunkSize when nil.
	Decompress          *decompress.Context
	DecompressChunkSize int
	// Keys enables encrypted payloads.
	Keys    decrypt.KeyStore
	Updater sink.SecureUpdater
	// Sinks replaces SelectSink.
	Sinks          SinkSelector
	ComponentCount int
	StreamChunk    int
	Logger         *logrus.Logger
}

// CopyOptions describe how the source payload is encoded. Nil fields mean
// the payload is plain.
type CopyOptions struct {
	Encryption  *decrypt.Info
	Compression *decompress.Info
}

type Platform struct {
	mem         *memory.Map
	layout      memory.Layout
	components  *component.Table
	ipuc        *ipuc.Registry
	digests     digestcache.Cache
	decompress  *decompress.Context
	keys        decrypt.KeyStore
	updater     sink.SecureUpdater
	sinks       SinkSelector
	streamChunk int
	log         *logrus.Logger
}

func New(config Config) (*Platform, error) {
	if config.Memory == nil {
		return nil, fmt.Errorf("platform: memory map is required")
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.ComponentCount <= 0 {
		config.ComponentCount = DefaultComponentCount
	}
	if config.StreamChunk <= 0 {
		config.StreamChunk = sink.DefaultStreamChunk
	}
	if config.IPUC == nil {
		config.IPUC = ipuc.New(ipuc.Config{
			Size:        config.IPUCSize,
			Memory:      config.Memory,
			Layout:      config.Layout,
			Arbiter:     config.Arbiter,
			Digests:     config.Digests,
			StreamChunk: config.StreamChunk,
			Logger:      config.Logger,
		})
	}
	if config.Decompress == nil {
		config.Decompress = decompress.NewContext(decompress.Config{
			ChunkSize: config.DecompressChunkSize,
			Logger:    config.Logger,
		})
	}

	p := &Platform{
		mem:         config.Memory,
		layout:      config.Layout,
		components:  component.NewTable(config.ComponentCount),
		ipuc:        config.IPUC,
		digests:     config.Digests,
		decompress:  config.Decompress,
		keys:        config.Keys,
		updater:     config.Updater,
		sinks:       config.Sinks,
		streamChunk: config.StreamChunk,
		log:         config.Logger,
	}
	if p.sinks == nil {
		p.sinks = p.SelectSink
	}
	return p, nil
}

func (p *Platform) Components() *component.Table { return p.components }
func (p *Platform) IPUC() *ipuc.Registry          { return p.ipuc }
func (p *Platform) Memory() *memory.Map           { return p.mem }

// SelectSink builds the default sink for h: a memory sink over the slot of
// a MEM component or the secure-domain firmware sink for the SDFW slots.
func (p *Platform) SelectSink(h *component.Handle) (sink.Sink, error) {
	id, err := h.ID()
	if err != nil {
		return nil, err
	}
	typ, err := component.DecodeType(id)
	if err != nil {
		return nil, err
	}

	switch typ {
	case component.TypeMEM:
		addr, size, err := component.DecodeAddressSize(id)
		if err != nil {
			return nil, err
		}
		return sink.NewMemorySink(p.mem, addr, size)
	case component.TypeSoCSpecific:
		number, err := component.DecodeNumber(id)
		if err != nil {
			return nil, err
		}
		if !isSDFW(number) {
			break
		}
		return sink.NewSDFWSink(number, p.layout, p.updater, p.log), nil
	}
	return nil, suiterr.Newf(suiterr.Unsupported, "select sink", "no sink for %s", typ)
}

func isSDFW(number uint32) bool {
	return number == SDFWNumber || number == SDFWRecoveryNumber
}

// destination is a validated copy target.
type destination struct {
	h    *component.Handle
	typ  component.Type
	sdfw bool
}

func checkDestination(h *component.Handle) (destination, error) {
	typ, err := h.Type()
	if err != nil {
		return destination{}, suiterr.Wrap(suiterr.ErrUnsupportedComponentID, "destination", err)
	}

	switch typ {
	case component.TypeMEM:
		return destination{h: h, typ: typ}, nil
	case component.TypeSoCSpecific:
		id, err := h.ID()
		if err != nil {
			return destination{}, suiterr.Wrap(suiterr.ErrUnsupportedComponentID, "destination", err)
		}
		number, err := component.DecodeNumber(id)
		if err != nil {
			return destination{}, suiterr.Wrap(suiterr.ErrUnsupportedComponentID, "destination", err)
		}
		if !isSDFW(number) {
			return destination{}, suiterr.Newf(suiterr.ErrUnsupportedComponentID, "destination",
				"SOC_SPEC %d is not a secure-domain firmware slot", number)
		}
		return destination{h: h, typ: typ, sdfw: true}, nil
	}
	return destination{}, suiterr.Newf(suiterr.ErrUnsupportedComponentID, "destination", "%s", typ)
}

func checkSource(h *component.Handle) error {
	typ, err := h.Type()
	if err != nil {
		return suiterr.Wrap(suiterr.ErrUnsupportedComponentID, "source", err)
	}
	if typ != component.TypeMEM && typ != component.TypeCandImage {
		return suiterr.Newf(suiterr.ErrUnsupportedComponentID, "source", "%s", typ)
	}
	return nil
}

// openChain selects the destination sink and wraps it into the requested
// filters: decompression next to the sink, decryption outermost. With dryRun
// the decompression session is only validated, not started.
func (p *Platform) openChain(d destination, opts CopyOptions, dryRun bool) (sink.Sink, error) {
	s, err := p.sinks(d.h)
	if err != nil {
		return nil, err
	}

	if opts.Compression != nil {
		if dryRun {
			err = p.decompress.Check(*opts.Compression)
		} else {
			var f *decompress.Filter
			f, err = p.decompress.Get(s, *opts.Compression)
			if err == nil {
				s = f
			}
		}
		if err != nil {
			_ = s.Release()
			return nil, err
		}
	}

	if opts.Encryption != nil {
		f, err := decrypt.Get(s, *opts.Encryption, p.keys)
		if err != nil {
			_ = s.Release()
			return nil, err
		}
		s = f
	}
	return s, nil
}

// CheckCopy validates a copy from src into dst without touching any memory.
func (p *Platform) CheckCopy(dst, src *component.Handle, opts CopyOptions) error {
	d, err := checkDestination(dst)
	if err != nil {
		return err
	}
	if err := checkSource(src); err != nil {
		return err
	}

	s, err := p.openChain(d, opts, true)
	if err != nil {
		return suiterr.ToProcessor(err)
	}
	return suiterr.ToProcessor(s.Release())
}

// Copy streams the payload of src into dst.
func (p *Platform) Copy(dst, src *component.Handle, opts CopyOptions) error {
	d, err := checkDestination(dst)
	if err != nil {
		return err
	}
	if err := checkSource(src); err != nil {
		return err
	}

	return suiterr.ToProcessor(p.transfer(d, opts, func() (payload, error) {
		addr, size, err := src.Payload()
		if err != nil {
			return payload{}, err
		}
		return payload{addr: addr, size: size}, nil
	}))
}

// CheckWrite validates writing an integrated payload into dst.
func (p *Platform) CheckWrite(dst *component.Handle, opts CopyOptions) error {
	d, err := checkDestination(dst)
	if err != nil {
		return err
	}
	s, err := p.openChain(d, opts, true)
	if err != nil {
		return suiterr.ToProcessor(err)
	}
	return suiterr.ToProcessor(s.Release())
}

// Write streams content, a payload integrated into the envelope, into dst.
func (p *Platform) Write(dst *component.Handle, content []byte, opts CopyOptions) error {
	d, err := checkDestination(dst)
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return suiterr.ToProcessor(suiterr.New(suiterr.NotFound, "write"))
	}

	return suiterr.ToProcessor(p.transfer(d, opts, func() (payload, error) {
		return payload{data: content, size: len(content)}, nil
	}))
}

// payload is either an address range in the memory map or a byte slice.
type payload struct {
	addr uint64
	size int
	data []byte
}

func (p *Platform) transfer(d destination, opts CopyOptions, resolve func() (payload, error)) (err error) {
	s, err := p.openChain(d, opts, false)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := s.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	if err := p.invalidate(d.h); err != nil {
		return err
	}

	if sink.CanErase(s) {
		if err := sink.Erase(s); err != nil {
			return err
		}
	}

	src, err := resolve()
	if err != nil {
		return err
	}

	if d.sdfw && (src.data != nil || !p.layout.InSDFWUpdateArea(src.addr, src.size)) {
		addr, err := p.mirror(src)
		if err != nil {
			return err
		}
		src = payload{addr: addr, size: src.size}
	}

	if src.data != nil {
		err = p.writeBytes(s, src.data)
	} else {
		err = sink.StreamRange(p.mem, src.addr, src.size, s, p.streamChunk)
	}
	if err != nil {
		return err
	}

	if sink.CanFlush(s) {
		if err := sink.Flush(s); err != nil {
			return err
		}
	}

	if d.typ == component.TypeMEM {
		used, err := sink.UsedStorage(s)
		if errors.Is(err, suiterr.ErrUnsupported) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := d.h.OverrideImageSize(used); err != nil {
			return err
		}
		p.log.WithFields(logrus.Fields{
			"size": used,
		}).Debug("Destination size updated")
	}
	return nil
}

// invalidate drops the IPUC declaration and the cached digest of the
// destination before its content changes.
func (p *Platform) invalidate(h *component.Handle) error {
	if p.ipuc != nil {
		if err := p.ipuc.Revoke(h); err != nil && !errors.Is(err, suiterr.ErrNotFound) {
			return err
		}
	}
	if p.digests == nil {
		return nil
	}
	id, err := h.ID()
	if err != nil {
		return err
	}
	return p.digests.Remove(id)
}

// mirror stages src inside the SDFW update area and returns its new address.
func (p *Platform) mirror(src payload) (addr uint64, err error) {
	if p.ipuc != nil {
		addr = p.ipuc.SDFWMirrorAddr(src.size)
	}
	if addr == 0 {
		return 0, suiterr.Newf(suiterr.NoMem, "sdfw mirror", "no mirror for %d bytes", src.size)
	}

	p.log.WithFields(logrus.Fields{
		"address": fmt.Sprintf("0x%x", addr),
		"size":    src.size,
	}).Info("Mirroring SDFW candidate")

	ms, err := sink.NewMemorySink(p.mem, addr, src.size)
	if err != nil {
		return 0, err
	}
	defer func() {
		if rerr := ms.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	if err := ms.Erase(); err != nil {
		return 0, err
	}
	if src.data != nil {
		err = p.writeBytes(ms, src.data)
	} else {
		err = sink.StreamRange(p.mem, src.addr, src.size, ms, p.streamChunk)
	}
	if err != nil {
		return 0, err
	}
	if err := ms.Flush(); err != nil {
		return 0, err
	}
	return addr, nil
}

func (p *Platform) writeBytes(s sink.Sink, data []byte) error {
	for len(data) > 0 {
		n := p.streamChunk
		if n > len(data) {
			n = len(data)
		}
		if err := s.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
