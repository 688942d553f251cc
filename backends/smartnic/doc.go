// Package smartnic implements the "smartnic" backend: a device reached over one TCP connection, with
// buffers identified by tokens (ProtocolToken) handed out by the device.
//
// Every step of the protocol is acknowledged by the receiver with the 3 bytes "ack": the sender writes a
// frame and waits for the acknowledgment, the receiver reads the frame (its size is always known from
// previous frames) and acknowledges it. Integers are little-endian. The commands are:
//
//	'a' alloc:   -> size u64;                   <- status; <- token u64
//	'w' write:   -> token u64, size u64;        <- status; -> data; <- status
//	'r' read:    -> token u64, size u64;        <- status; <- data
//	'f' free:    -> token u64;                  <- status
//	'p' program: -> length u32; -> module\0;    <- status
//	'x' run:     -> header; -> name; -> args;   <- status
//	'q' quit:    (acknowledged by the client too)
//
// A status frame is {code i32, message length u32}, followed by a message frame if the length is not 0.
//
// Server is an emulator of the device, where kernels are Go functions. It is used in tests and by the
// "omptarget smartnic-emulator" command.
//
// To use the backend, import it with:
//
//	import _ "github.com/gomlx/omptarget/backends/smartnic"
package smartnic

const (
	// BackendName is the name of the backend in the configuration.
	BackendName = "smartnic"

	// EnvID is the environment id expected in the configuration section of smartnic images.
	EnvID = 9001
)
