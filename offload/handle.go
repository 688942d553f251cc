package offload

import "fmt"

// HandleKind tells how a backend identifies its device buffers.
type HandleKind int

const (
	// DeviceAddress handles are real device (or host) addresses: pointer arithmetic on them is valid.
	DeviceAddress HandleKind = iota + 1

	// TableIndex handles index a backend-side address table (e.g.: the cloud backend file ids).
	TableIndex

	// ProtocolToken handles are opaque tokens handed out by a remote device protocol.
	ProtocolToken
)

func (k HandleKind) String() string {
	switch k {
	case DeviceAddress:
		return "DeviceAddress"
	case TableIndex:
		return "TableIndex"
	case ProtocolToken:
		return "ProtocolToken"
	default:
		return fmt.Sprintf("HandleKind(%d)", int(k))
	}
}

// TargetHandle identifies a device buffer. It is what the host runtime sees as the "target pointer".
//
// The zero value is the invalid (nil) handle.
type TargetHandle struct {
	Kind  HandleKind
	Value uint64
}

// IsNil returns whether the handle is the invalid handle.
func (h TargetHandle) IsNil() bool {
	return h.Value == 0
}

// Address returns the device address of the handle displaced by offset.
// It is only valid for DeviceAddress handles, for other kinds it returns false.
func (h TargetHandle) Address(offset int64) (uintptr, bool) {
	if h.Kind != DeviceAddress {
		return 0, false
	}
	return uintptr(int64(h.Value) + offset), true
}

// String implements fmt.Stringer.
func (h TargetHandle) String() string {
	if h.Kind == DeviceAddress {
		return fmt.Sprintf("%s(0x%x)", h.Kind, h.Value)
	}
	return fmt.Sprintf("%s(%d)", h.Kind, h.Value)
}

// Uintptr returns the value handed over the C ABI.
func (h TargetHandle) Uintptr() uintptr {
	return uintptr(h.Value)
}

// HandleFromUintptr converts a value received over the C ABI back to a TargetHandle of the given kind.
func HandleFromUintptr(kind HandleKind, value uintptr) TargetHandle {
	return TargetHandle{Kind: kind, Value: uint64(value)}
}
