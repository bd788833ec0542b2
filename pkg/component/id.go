// Package component resolves SUIT component identifiers and manages the
// handles the platform hands out for them.
//
// A component identifier is a CBOR array of byte strings. Every byte string
// wraps one CBOR item: the first one is the component type as a text string,
// the remaining ones are type specific (CPU id, address and size for MEM, a
// number for SOC_SPEC, CAND_IMG or MFST_VAR).
package component

import (
	"bytes"
	"math"

	"github.com/fxamacker/cbor/v2"

	"github.com/i5heu/suit-platform/pkg/suiterr"
)

// ID is a CBOR encoded component identifier. The bytes are borrowed from the
// manifest and are never modified.
type ID []byte

// Equal reports whether both identifiers carry the same bytes.
func (id ID) Equal(other ID) bool {
	return len(id) != 0 && bytes.Equal(id, other)
}

// Type is the component type carried in the first identifier element.
type Type int

const (
	TypeUnsupported Type = iota
	TypeMEM
	TypeCandImage
	TypeCandManifest
	TypeSoCSpecific
	TypeInstalledManifest
	TypeManifestVar
	TypeCachePool
)

var typeNames = map[Type]string{
	TypeMEM:               "MEM",
	TypeCandImage:         "CAND_IMG",
	TypeCandManifest:      "CAND_MFST",
	TypeSoCSpecific:       "SOC_SPEC",
	TypeInstalledManifest: "INSTLD_MFST",
	TypeManifestVar:       "MFST_VAR",
	TypeCachePool:         "CACHE_POOL",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNSUPPORTED"
}

// ParseType maps the identifier type string to a Type.
func ParseType(s string) Type {
	for t, name := range typeNames {
		if name == s {
			return t
		}
	}
	return TypeUnsupported
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("component: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: 16,
	}.DecMode()
	if err != nil {
		panic("component: CBOR decoder initialization failed: " + err.Error())
	}
}

func elements(id ID) ([][]byte, error) {
	if len(id) == 0 {
		return nil, suiterr.New(suiterr.Inval, "decode component id")
	}
	var elems [][]byte
	if err := decMode.Unmarshal(id, &elems); err != nil {
		return nil, suiterr.Wrap(suiterr.Decoding, "decode component id", err)
	}
	if len(elems) == 0 {
		return nil, suiterr.Newf(suiterr.Decoding, "decode component id", "empty identifier")
	}
	return elems, nil
}

func decodeElement(elems [][]byte, idx int, v any) error {
	if idx >= len(elems) {
		return suiterr.Newf(suiterr.Decoding, "decode component id", "missing element %d", idx)
	}
	if err := decMode.Unmarshal(elems[idx], v); err != nil {
		return suiterr.Wrap(suiterr.Decoding, "decode component id", err)
	}
	return nil
}

// DecodeType returns the type named by the first identifier element.
func DecodeType(id ID) (Type, error) {
	elems, err := elements(id)
	if err != nil {
		return TypeUnsupported, err
	}
	var name string
	if err := decodeElement(elems, 0, &name); err != nil {
		return TypeUnsupported, err
	}
	return ParseType(name), nil
}

// DecodeAddressSize returns the slot address and size of a MEM identifier.
func DecodeAddressSize(id ID) (uint64, int, error) {
	elems, err := elements(id)
	if err != nil {
		return 0, 0, err
	}
	if len(elems) != 4 {
		return 0, 0, suiterr.Newf(suiterr.Decoding, "decode address", "expected 4 elements, got %d", len(elems))
	}
	var addr, size uint64
	if err := decodeElement(elems, 2, &addr); err != nil {
		return 0, 0, err
	}
	if err := decodeElement(elems, 3, &size); err != nil {
		return 0, 0, err
	}
	if size > math.MaxInt {
		return 0, 0, suiterr.Newf(suiterr.Decoding, "decode address", "size %d out of range", size)
	}
	return addr, int(size), nil
}

// DecodeCPUID returns the CPU id of a MEM identifier.
func DecodeCPUID(id ID) (int, error) {
	elems, err := elements(id)
	if err != nil {
		return 0, err
	}
	var cpu int64
	if err := decodeElement(elems, 1, &cpu); err != nil {
		return 0, err
	}
	return int(cpu), nil
}

// DecodeNumber returns the second element of a numbered identifier
// (SOC_SPEC, CAND_IMG, CAND_MFST, MFST_VAR).
func DecodeNumber(id ID) (uint32, error) {
	elems, err := elements(id)
	if err != nil {
		return 0, err
	}
	if len(elems) != 2 {
		return 0, suiterr.Newf(suiterr.Decoding, "decode number", "expected 2 elements, got %d", len(elems))
	}
	var n uint32
	if err := decodeElement(elems, 1, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func encode(items ...any) (ID, error) {
	elems := make([][]byte, 0, len(items))
	for _, item := range items {
		b, err := encMode.Marshal(item)
		if err != nil {
			return nil, err
		}
		elems = append(elems, b)
	}
	return encMode.Marshal(elems)
}

// EncodeMEM builds [h'"MEM"', h'cpu', h'addr', h'size'].
func EncodeMEM(cpuID int, addr uint64, size int) (ID, error) {
	return encode(TypeMEM.String(), cpuID, addr, uint64(size))
}

// EncodeNumbered builds [h'"<type>"', h'number'].
func EncodeNumbered(t Type, number uint32) (ID, error) {
	return encode(t.String(), number)
}
