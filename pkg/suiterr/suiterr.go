// Package suiterr defines the status codes shared by the SUIT platform
// packages.
//
// A single Code enum carries two families: platform codes, returned by the
// registry, sinks and filters, and processor codes, returned by the copy
// orchestrator to the manifest processor. ToProcessor converts between the
// two at the boundary. The mapping is many-to-one and never fails.
package suiterr

import (
	"errors"
	"fmt"
)

// Code is a platform or processor status.
type Code int

// Platform codes.
const (
	Success Code = iota
	Inval
	NotFound
	NoMem
	IO
	IncorrectState
	Crash
	Busy
	Unsupported
	OutOfBounds
	Authentication
	Decoding
)

// Processor codes.
const (
	ErrUnsupportedComponentID Code = iota + 100
	ErrUnsupportedParameter
	ErrUnauthorizedComponent
	ErrUnavailablePayload
	ErrAuthentication
	ErrDecoding
	ErrCrash
)

var codeNames = map[Code]string{
	Success:                   "success",
	Inval:                     "invalid argument",
	NotFound:                  "not found",
	NoMem:                     "out of memory",
	IO:                        "i/o error",
	IncorrectState:            "incorrect state",
	Crash:                     "crash",
	Busy:                      "busy",
	Unsupported:               "unsupported",
	OutOfBounds:               "out of bounds",
	Authentication:            "authentication failed",
	Decoding:                  "decoding failed",
	ErrUnsupportedComponentID: "unsupported component id",
	ErrUnsupportedParameter:   "unsupported parameter",
	ErrUnauthorizedComponent:  "unauthorized component",
	ErrUnavailablePayload:     "unavailable payload",
	ErrAuthentication:         "authentication failed",
	ErrDecoding:               "decoding failed",
	ErrCrash:                  "processing crashed",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// IsProcessor reports whether c belongs to the processor family.
func (c Code) IsProcessor() bool {
	return c >= ErrUnsupportedComponentID
}

// Error is a status code with the failing operation and an optional cause.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so sentinels work with
// errors.Is regardless of Op and cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInval          = &Error{Code: Inval}
	ErrNotFound       = &Error{Code: NotFound}
	ErrNoMem          = &Error{Code: NoMem}
	ErrIO             = &Error{Code: IO}
	ErrIncorrectState = &Error{Code: IncorrectState}
	ErrCrashed        = &Error{Code: Crash}
	ErrBusy           = &Error{Code: Busy}
	ErrUnsupported    = &Error{Code: Unsupported}
	ErrOutOfBounds    = &Error{Code: OutOfBounds}
	ErrAuth           = &Error{Code: Authentication}
	ErrDecode         = &Error{Code: Decoding}
)

// New returns an error with code c for operation op.
func New(c Code, op string) error {
	return &Error{Code: c, Op: op}
}

// Newf returns an error with code c for operation op and a formatted cause.
func Newf(c Code, op, format string, args ...any) error {
	return &Error{Code: c, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches code c to err. A nil err stays nil.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: c, Op: op, Err: err}
}

// CodeOf returns the code of the outermost *Error in the chain. nil maps to
// Success and errors without a code are treated as Crash.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Crash
}

// ProcessorCode maps a platform code onto the processor family.
//
//	Success                          -> Success
//	Inval, Unsupported, OutOfBounds  -> ErrUnsupportedParameter
//	NotFound                         -> ErrUnavailablePayload
//	Authentication                   -> ErrAuthentication
//	Decoding                         -> ErrDecoding
//	NoMem, IO, IncorrectState,
//	Crash, Busy, unknown             -> ErrCrash
//
// Processor codes map to themselves.
func ProcessorCode(c Code) Code {
	if c.IsProcessor() {
		return c
	}
	switch c {
	case Success:
		return Success
	case Inval, Unsupported, OutOfBounds:
		return ErrUnsupportedParameter
	case NotFound:
		return ErrUnavailablePayload
	case Authentication:
		return ErrAuthentication
	case Decoding:
		return ErrDecoding
	default:
		return ErrCrash
	}
}

// ToProcessor converts err into a processor-level error. The original error
// stays reachable through Unwrap.
func ToProcessor(err error) error {
	if err == nil {
		return nil
	}
	c := CodeOf(err)
	if c.IsProcessor() {
		return err
	}
	return &Error{Code: ProcessorCode(c), Err: err}
}
