package sink

import (
	"github.com/sirupsen/logrus"

	"github.com/i5heu/suit-platform/pkg/memory"
	"github.com/i5heu/suit-platform/pkg/suiterr"
)

// SecureUpdater hands a staged image to the secure-domain boot ROM. slot is
// the SOC_SPEC number of the firmware being replaced.
type SecureUpdater interface {
	Update(slot uint32, addr uint64, size int) error
}

// SDFWSink collects a secure-domain firmware candidate. The boot ROM reads
// the candidate in place, so the sink never copies data: it only records
// where the image lives and checks that every piece is contiguous and
// inside the SDFW update area. Flush triggers the update.
type SDFWSink struct {
	slot    uint32
	layout  memory.Layout
	updater SecureUpdater
	log     *logrus.Logger

	start    uint64
	size     int
	started  bool
	flushed  bool
	released bool
}

// NewSDFWSink creates a sink for SOC_SPEC slot. updater may be nil for
// check-only use; Flush then fails with Unsupported.
func NewSDFWSink(slot uint32, layout memory.Layout, updater SecureUpdater, log *logrus.Logger) *SDFWSink {
	if log == nil {
		log = logrus.New()
	}
	return &SDFWSink{slot: slot, layout: layout, updater: updater, log: log}
}

// Write is not supported: the payload must be handed over with its address.
func (s *SDFWSink) Write(p []byte) error {
	return suiterr.New(suiterr.Unsupported, "sdfw sink write")
}

// WriteFrom registers len(p) bytes located at addr as the next piece of the
// candidate.
func (s *SDFWSink) WriteFrom(addr uint64, p []byte) error {
	if s.released || s.flushed {
		return suiterr.New(suiterr.IncorrectState, "sdfw sink write")
	}
	if !s.layout.InSDFWUpdateArea(addr, len(p)) {
		return suiterr.Newf(suiterr.OutOfBounds, "sdfw sink write", "0x%x+%d outside update area", addr, len(p))
	}
	if !s.started {
		s.start = addr
		s.started = true
	} else if addr != s.start+uint64(s.size) {
		return suiterr.Newf(suiterr.IncorrectState, "sdfw sink write", "piece at 0x%x is not contiguous", addr)
	}
	s.size += len(p)
	return nil
}

// Flush starts the secure-domain update from the registered range.
func (s *SDFWSink) Flush() error {
	if s.released {
		return suiterr.New(suiterr.IncorrectState, "sdfw sink flush")
	}
	if s.flushed {
		return nil
	}
	if !s.started || s.size == 0 {
		return suiterr.Newf(suiterr.IncorrectState, "sdfw sink flush", "no candidate registered")
	}
	if s.updater == nil {
		return suiterr.New(suiterr.Unsupported, "sdfw sink flush")
	}

	s.log.WithFields(logrus.Fields{
		"slot":    s.slot,
		"address": s.start,
		"size":    s.size,
	}).Info("Triggering secure domain update")

	if err := s.updater.Update(s.slot, s.start, s.size); err != nil {
		return suiterr.Wrap(suiterr.IO, "sdfw sink flush", err)
	}
	s.flushed = true
	return nil
}

// UsedStorage returns the size of the registered candidate.
func (s *SDFWSink) UsedStorage() (int, error) {
	return s.size, nil
}

func (s *SDFWSink) Release() error {
	if s.released {
		return suiterr.New(suiterr.Inval, "sdfw sink release")
	}
	s.released = true
	return nil
}
