package ipuc

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/suit-platform/pkg/component"
	"github.com/i5heu/suit-platform/pkg/decompress"
	"github.com/i5heu/suit-platform/pkg/decrypt"
	"github.com/i5heu/suit-platform/pkg/sink"
	"github.com/i5heu/suit-platform/pkg/suiterr"
)

// blankCheckChunk is the read size used when looking for programmed bytes.
const blankCheckChunk = 256

// WriteSetup claims the slot of h for client. A slot can be claimed while
// unused, or again by the client that already holds it; any other usage
// makes the slot busy. The slot is erased unless it is already blank.
//
// Encrypted and compressed client transfers are not supported.
func (r *Registry) WriteSetup(client int, h *component.Handle, enc *decrypt.Info, comp *decompress.Info) error {
	id := memID(h)
	if id == nil {
		return suiterr.New(suiterr.Unsupported, "ipuc write setup")
	}
	addr, size, err := decodeSlot(id)
	if err != nil {
		return err
	}
	if enc != nil || comp != nil {
		return suiterr.Newf(suiterr.Unsupported, "ipuc write setup", "encrypted or compressed transfer")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookup(id)
	if e == nil {
		return suiterr.New(suiterr.NotFound, "ipuc write setup")
	}
	if !(e.usage == UsageUnused || (e.usage == UsageClientUpdate && e.clientID == client)) {
		r.log.WithFields(logrus.Fields{
			"address": fmt.Sprintf("0x%x", addr),
			"usage":   e.usage.String(),
			"client":  client,
		}).Error("IPUC busy")
		return suiterr.Newf(suiterr.IncorrectState, "ipuc write setup", "slot in %s use", e.usage)
	}

	blank, err := r.isBlank(addr, size)
	if err != nil {
		return err
	}
	if !blank {
		r.log.WithFields(logrus.Fields{
			"address": fmt.Sprintf("0x%x", addr),
			"size":    size,
		}).Info("Erasing IPUC before client transfer")
		if err := r.erase(h); err != nil {
			return err
		}
	}
	r.dropDigest(e.id)

	e.usage = UsageClientUpdate
	e.clientID = client
	e.writeOffset = 0
	e.lastChunkStored = false
	return nil
}

func (r *Registry) isBlank(addr uint64, size int) (bool, error) {
	if r.mem == nil {
		return false, suiterr.Newf(suiterr.Unsupported, "ipuc blank check", "no memory map")
	}
	region, ok := r.mem.RegionOf(addr, size)
	if !ok {
		return false, suiterr.Newf(suiterr.IO, "ipuc blank check", "0x%x+%d", addr, size)
	}
	blank := bytes.Repeat([]byte{region.Kind.EraseValue()}, blankCheckChunk)
	buf := make([]byte, blankCheckChunk)
	for off := 0; off < size; off += blankCheckChunk {
		n := size - off
		if n > blankCheckChunk {
			n = blankCheckChunk
		}
		if err := r.mem.ReadInto(addr+uint64(off), buf[:n]); err != nil {
			return false, suiterr.Wrap(suiterr.IO, "ipuc blank check", err)
		}
		if !bytes.Equal(buf[:n], blank[:n]) {
			return false, nil
		}
	}
	return true, nil
}

func (r *Registry) erase(h *component.Handle) (err error) {
	s, err := r.sinks(h)
	if err != nil {
		return suiterr.Wrap(suiterr.IO, "ipuc erase", err)
	}
	defer func() {
		if rerr := s.Release(); rerr != nil && err == nil {
			err = suiterr.Wrap(suiterr.IO, "ipuc erase", rerr)
		}
	}()
	if !sink.CanErase(s) {
		return suiterr.Newf(suiterr.IO, "ipuc erase", "sink cannot erase")
	}
	if err := sink.Erase(s); err != nil {
		return suiterr.Wrap(suiterr.IO, "ipuc erase", err)
	}
	return nil
}

// ClientWrite stores buf at offset of the slot client claimed with
// WriteSetup. Chunks may arrive out of order; a gap between the highest
// byte written so far and offset is filled with the erase value.
func (r *Registry) ClientWrite(client int, h *component.Handle, offset int, buf []byte, last bool) (err error) {
	id := memID(h)
	if id == nil {
		return suiterr.New(suiterr.Unsupported, "ipuc client write")
	}
	addr, size, err := decodeSlot(id)
	if err != nil {
		return err
	}
	if offset < 0 {
		return suiterr.Newf(suiterr.Inval, "ipuc client write", "offset %d", offset)
	}
	if offset > size || len(buf) > size-offset {
		return suiterr.Newf(suiterr.OutOfBounds, "ipuc client write",
			"%d bytes at %d exceed slot of %d", len(buf), offset, size)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookup(id)
	if e == nil {
		return suiterr.New(suiterr.NotFound, "ipuc client write")
	}
	if e.usage != UsageClientUpdate || e.clientID != client {
		return suiterr.Newf(suiterr.IncorrectState, "ipuc client write", "slot not set up for client %d", client)
	}
	if e.lastChunkStored {
		return suiterr.Newf(suiterr.IncorrectState, "ipuc client write", "transfer already complete")
	}

	if len(buf) > 0 {
		if err := r.clientStore(h, e, addr, size, offset, buf); err != nil {
			return err
		}
	}

	if last {
		e.lastChunkStored = true
		r.log.WithFields(logrus.Fields{
			"address": fmt.Sprintf("0x%x", addr),
			"client":  client,
			"size":    e.writeOffset,
		}).Info("IPUC last chunk written")
	}
	return nil
}

// clientStore must be called with r.mu held.
func (r *Registry) clientStore(h *component.Handle, e *entry, addr uint64, size, offset int, buf []byte) (err error) {
	s, err := r.sinks(h)
	if err != nil {
		return suiterr.Wrap(suiterr.IO, "ipuc client write", err)
	}
	defer func() {
		if rerr := s.Release(); rerr != nil && err == nil {
			err = suiterr.Wrap(suiterr.IO, "ipuc client write", rerr)
		}
	}()
	if !sink.CanSeek(s) {
		return suiterr.Newf(suiterr.IO, "ipuc client write", "sink cannot seek")
	}

	if offset > e.writeOffset {
		fill := byte(0xFF)
		if r.mem != nil {
			if region, ok := r.mem.RegionOf(addr, size); ok {
				fill = region.Kind.EraseValue()
			}
		}
		if err := sink.Seek(s, e.writeOffset); err != nil {
			return suiterr.Wrap(suiterr.IO, "ipuc client write", err)
		}
		if err := s.Write(bytes.Repeat([]byte{fill}, offset-e.writeOffset)); err != nil {
			return suiterr.Wrap(suiterr.IO, "ipuc client write", err)
		}
	}

	if err := sink.Seek(s, offset); err != nil {
		return suiterr.Wrap(suiterr.IO, "ipuc client write", err)
	}
	if err := s.Write(buf); err != nil {
		return suiterr.Wrap(suiterr.IO, "ipuc client write", err)
	}
	if end := offset + len(buf); end > e.writeOffset {
		e.writeOffset = end
	}
	return nil
}
