package ipuc

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/suit-platform/pkg/arbiter"
)

// mirrorOwners are asked in this order whether they own a mirror candidate.
var mirrorOwners = []arbiter.Owner{arbiter.Application, arbiter.RadioCore}

// SDFWMirrorAddr finds a declared component whose memory can hold a
// secure-domain firmware candidate of required bytes inside the SDFW update
// area. Slots starting below the area are shifted up to its base when they
// are large enough. Only slots that the arbiter confirms to belong to the
// application or the radio domain qualify. Slots carrying an in-place
// update are skipped.
//
// The chosen slot is marked as mirror and its cached digest is dropped.
// Zero means no slot qualifies.
func (r *Registry) SDFWMirrorAddr(required int) uint64 {
	areaAddr := r.layout.SDFWUpdateAddress
	areaSize := r.layout.SDFWUpdateSize

	if required <= 0 || areaSize == 0 {
		r.log.WithFields(logrus.Fields{
			"size":     required,
			"areaSize": areaSize,
		}).Error("Unable to look for SDFW mirror")
		return 0
	}
	if r.arbiter == nil {
		return 0
	}

	areaEnd := areaAddr + uint64(areaSize)

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		e := &r.entries[i]
		if !e.declared() {
			continue
		}
		if e.usage != UsageUnused && e.usage != UsageSDFWMirror {
			continue
		}

		slotAddr, slotSize, err := decodeSlot(e.id)
		if err != nil {
			continue
		}
		if slotSize < required {
			continue
		}

		addr := slotAddr
		if slotAddr < areaAddr {
			addr = areaAddr
			shift := areaAddr - slotAddr
			if shift+uint64(required) > uint64(slotSize) {
				continue
			}
		}
		if addr+uint64(required) > areaEnd {
			continue
		}

		params := arbiter.AccessParams{
			Address:      addr,
			Size:         required,
			Permissions:  arbiter.PermRead | arbiter.PermSecure,
			AllowedTypes: arbiter.MemReserved | arbiter.MemFixed,
		}

		r.log.WithFields(logrus.Fields{
			"address": fmt.Sprintf("0x%x", addr),
			"size":    required,
		}).Info("Checking IPUC ownership")

		for _, owner := range mirrorOwners {
			params.Owner = owner
			if r.arbiter.Check(params) != nil {
				continue
			}
			r.dropDigest(e.id)
			e.usage = UsageSDFWMirror
			r.log.WithFields(logrus.Fields{
				"address": fmt.Sprintf("0x%x", addr),
				"owner":   owner.String(),
			}).Info("SDFW mirror selected")
			return addr
		}
	}
	return 0
}
