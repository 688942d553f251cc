package offload

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorKind classifies the failures reported by the plugin.
type ErrorKind int

const (
	// KindUnknown is the kind of errors not created by this package.
	KindUnknown ErrorKind = iota
	InvalidFormat
	SectionNotFound
	LoadFailure
	OutOfDeviceMemory
	UnknownHandle
	SizeMismatch
	OversizedTransfer
	TransferFailure
	BuildFailure
	LaunchFailure
	PreconditionViolation
)

var errorKindNames = map[ErrorKind]string{
	KindUnknown:           "Unknown",
	InvalidFormat:         "InvalidFormat",
	SectionNotFound:       "SectionNotFound",
	LoadFailure:           "LoadFailure",
	OutOfDeviceMemory:     "OutOfDeviceMemory",
	UnknownHandle:         "UnknownHandle",
	SizeMismatch:          "SizeMismatch",
	OversizedTransfer:     "OversizedTransfer",
	TransferFailure:       "TransferFailure",
	BuildFailure:          "BuildFailure",
	LaunchFailure:         "LaunchFailure",
	PreconditionViolation: "PreconditionViolation",
}

func (k ErrorKind) String() string {
	if name, found := errorKindNames[k]; found {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// LaunchFailureKind refines LaunchFailure errors.
type LaunchFailureKind int

const (
	LaunchUnknown LaunchFailureKind = iota
	BadDimensionality
	OversizedWorkGroup
	InvalidArgument
)

func (k LaunchFailureKind) String() string {
	switch k {
	case BadDimensionality:
		return "BadDimensionality"
	case OversizedWorkGroup:
		return "OversizedWorkGroup"
	case InvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// NoSlot is used in errors not associated with a device slot.
const NoSlot int32 = -1

// Error is the error type returned by the offload package and its backends.
//
// Use errors.Is with one of the Err* sentinels (or KindOf) to test for the kind of failure.
type Error struct {
	Kind ErrorKind

	// Slot is the device slot, or NoSlot.
	Slot int32

	// Op is the name of the operation that failed, e.g. "data_submit".
	Op string

	// Detail is a human-readable description, it may include native loader/driver text.
	Detail string

	// Code is the native error code, if any, and CodeText its textual form.
	Code     int
	CodeText string

	// Launch is set for LaunchFailure errors.
	Launch LaunchFailureKind

	cause error
}

// Sentinels to be used with errors.Is.
var (
	ErrInvalidFormat         = &Error{Kind: InvalidFormat}
	ErrSectionNotFound       = &Error{Kind: SectionNotFound}
	ErrLoadFailure           = &Error{Kind: LoadFailure}
	ErrOutOfDeviceMemory     = &Error{Kind: OutOfDeviceMemory}
	ErrUnknownHandle         = &Error{Kind: UnknownHandle}
	ErrSizeMismatch          = &Error{Kind: SizeMismatch}
	ErrOversizedTransfer     = &Error{Kind: OversizedTransfer}
	ErrTransferFailure       = &Error{Kind: TransferFailure}
	ErrBuildFailure          = &Error{Kind: BuildFailure}
	ErrLaunchFailure         = &Error{Kind: LaunchFailure}
	ErrPreconditionViolation = &Error{Kind: PreconditionViolation}
)

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Kind == LaunchFailure {
		fmt.Fprintf(&sb, "(%s)", e.Launch)
	}
	if e.Op != "" {
		fmt.Fprintf(&sb, " in %s", e.Op)
	}
	if e.Slot >= 0 {
		fmt.Fprintf(&sb, " on device #%d", e.Slot)
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.CodeText != "" || e.Code != 0 {
		fmt.Fprintf(&sb, " (code=%d %s)", e.Code, e.CodeText)
	}
	if e.cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error of the same Kind, so the Err* sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Kind != LaunchFailure || t.Launch == LaunchUnknown || t.Launch == e.Launch
}

// newError creates an *Error with a stack trace attached.
func newError(kind ErrorKind, slot int32, op string, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: kind, Slot: slot, Op: op, Detail: fmt.Sprintf(format, args...)})
}

// wrapError creates an *Error of the given kind caused by err.
// If err is already an *Error it is returned with the slot and operation filled in, if missing.
func wrapError(err error, kind ErrorKind, slot int32, op string, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if (e.Slot >= 0 || slot < 0) && (e.Op != "" || op == "") {
			return err
		}
		filled := *e
		if filled.Slot < 0 {
			filled.Slot = slot
		}
		if filled.Op == "" {
			filled.Op = op
		}
		return errors.WithStack(&filled)
	}
	return errors.WithStack(&Error{Kind: kind, Slot: slot, Op: op, Detail: fmt.Sprintf(format, args...), cause: err})
}

// Errorf creates an *Error of the given kind for backends, not associated with a slot yet.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return newError(kind, NoSlot, "", format, args...)
}

// Wrapf wraps a native error as an *Error of the given kind, to be used by backends.
func Wrapf(err error, kind ErrorKind, format string, args ...any) error {
	return wrapError(err, kind, NoSlot, "", format, args...)
}

// NativeError creates an *Error carrying the backend's native status code and its textual form.
func NativeError(kind ErrorKind, code int, codeText string, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: kind, Slot: NoSlot, Code: code, CodeText: codeText, Detail: fmt.Sprintf(format, args...)})
}

// NewLaunchError creates a LaunchFailure error, with the native code decoded into a LaunchFailureKind.
func NewLaunchError(kind LaunchFailureKind, code int, codeText string, format string, args ...any) error {
	return errors.WithStack(&Error{
		Kind: LaunchFailure, Launch: kind, Slot: NoSlot,
		Code: code, CodeText: codeText, Detail: fmt.Sprintf(format, args...),
	})
}

// KindOf returns the ErrorKind of err, or KindUnknown if it was not created by this package.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
