package component

import (
	"sync"

	"github.com/i5heu/suit-platform/pkg/suiterr"
)

// Handle is a resolved component. It stays valid until released through the
// Table that created it.
type Handle struct {
	mu       sync.Mutex
	id       ID
	typ      Type
	released bool

	// memory-pointer payload: where the component's current image lives
	payloadAddr uint64
	payloadSize int
	payloadSet  bool
}

func (h *Handle) check(op string) error {
	if h.released {
		return suiterr.Newf(suiterr.Inval, op, "handle released")
	}
	return nil
}

// ID returns the component identifier.
func (h *Handle) ID() (ID, error) {
	if h == nil {
		return nil, suiterr.New(suiterr.Inval, "component id get")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check("component id get"); err != nil {
		return nil, err
	}
	return h.id, nil
}

// Type returns the component type.
func (h *Handle) Type() (Type, error) {
	if h == nil {
		return TypeUnsupported, suiterr.New(suiterr.Inval, "component type get")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check("component type get"); err != nil {
		return TypeUnsupported, err
	}
	return h.typ, nil
}

// Payload returns the address and size of the image currently held by the
// component. NotFound means nothing was fetched or copied into it yet.
func (h *Handle) Payload() (uint64, int, error) {
	if h == nil {
		return 0, 0, suiterr.New(suiterr.Inval, "payload get")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check("payload get"); err != nil {
		return 0, 0, err
	}
	if !h.payloadSet || h.payloadSize == 0 {
		return 0, 0, suiterr.Newf(suiterr.NotFound, "payload get", "empty memory pointer")
	}
	return h.payloadAddr, h.payloadSize, nil
}

// SetPayload points the component at size bytes starting at addr.
func (h *Handle) SetPayload(addr uint64, size int) error {
	if h == nil {
		return suiterr.New(suiterr.Inval, "payload set")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check("payload set"); err != nil {
		return err
	}
	h.payloadAddr = addr
	h.payloadSize = size
	h.payloadSet = true
	return nil
}

// OverrideImageSize keeps the payload address and replaces its size. Used
// after a copy so readers see the written length instead of the slot size.
func (h *Handle) OverrideImageSize(size int) error {
	if h == nil {
		return suiterr.New(suiterr.Inval, "image size override")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check("image size override"); err != nil {
		return err
	}
	if !h.payloadSet {
		return suiterr.Newf(suiterr.IncorrectState, "image size override", "no payload address")
	}
	h.payloadSize = size
	return nil
}

// Table hands out handles up to a fixed capacity.
type Table struct {
	mu      sync.Mutex
	handles []*Handle
}

// NewTable creates a table with room for capacity live handles.
func NewTable(capacity int) *Table {
	return &Table{handles: make([]*Handle, capacity)}
}

// Create resolves id into a new handle. MEM handles start out pointing at
// their whole slot.
func (t *Table) Create(id ID) (*Handle, error) {
	typ, err := DecodeType(id)
	if err != nil {
		return nil, err
	}
	if typ == TypeUnsupported {
		return nil, suiterr.Newf(suiterr.Unsupported, "create component handle", "unknown component type")
	}

	h := &Handle{id: id, typ: typ}
	if typ == TypeMEM {
		addr, size, err := DecodeAddressSize(id)
		if err != nil {
			return nil, err
		}
		h.payloadAddr, h.payloadSize, h.payloadSet = addr, size, true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, slot := range t.handles {
		if slot == nil {
			t.handles[i] = h
			return h, nil
		}
	}
	return nil, suiterr.New(suiterr.NoMem, "create component handle")
}

// Release invalidates h and frees its slot.
func (t *Table) Release(h *Handle) error {
	if h == nil {
		return suiterr.New(suiterr.Inval, "release component handle")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, slot := range t.handles {
		if slot == h {
			h.mu.Lock()
			h.released = true
			h.mu.Unlock()
			t.handles[i] = nil
			return nil
		}
	}
	return suiterr.New(suiterr.NotFound, "release component handle")
}
