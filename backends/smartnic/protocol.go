package smartnic

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Commands of the protocol.
const (
	cmdAlloc   byte = 'a'
	cmdWrite   byte = 'w'
	cmdRead    byte = 'r'
	cmdFree    byte = 'f'
	cmdProgram byte = 'p'
	cmdRun     byte = 'x'
	cmdQuit    byte = 'q'
)

var ackMessage = []byte("ack")

// Limits of the request headers accepted by the Server.
const (
	maxEntryNameLength = 4096
	maxModuleLength    = 4096
	maxKernelArgs      = 1024
)

// Status of a request, as returned by the device.
type Status int32

const (
	StatusOK Status = iota
	StatusUnknownToken
	StatusOutOfMemory
	StatusSizeMismatch
	StatusUnknownEntry
	StatusNoProgram
	StatusLaunchFailed
	StatusBadRequest
)

var statusNames = map[Status]string{
	StatusOK:           "OK",
	StatusUnknownToken: "UNKNOWN_TOKEN",
	StatusOutOfMemory:  "OUT_OF_MEMORY",
	StatusSizeMismatch: "SIZE_MISMATCH",
	StatusUnknownEntry: "UNKNOWN_ENTRY",
	StatusNoProgram:    "NO_PROGRAM",
	StatusLaunchFailed: "LAUNCH_FAILED",
	StatusBadRequest:   "BAD_REQUEST",
}

func (s Status) String() string {
	if name, found := statusNames[s]; found {
		return name
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// runHeader is the header of a run request.
type runHeader struct {
	NameLength uint32
	NumArgs    uint32
	Teams      int32
	Threads    int32
	TripCount  uint64
}

// wireArg is one argument of a run request.
type wireArg struct {
	Token   uint64
	Offset  int64
	Literal uint8
	_       [7]byte
}

const wireArgSize = 24

// framer implements the acknowledged framing on top of a connection.
// It is not safe for concurrent use.
type framer struct {
	rw io.ReadWriter
}

func (f *framer) sendAck() error {
	if _, err := f.rw.Write(ackMessage); err != nil {
		return errors.Wrap(err, "failed to send ack")
	}
	return nil
}

func (f *framer) expectAck() error {
	var buf [3]byte
	if _, err := io.ReadFull(f.rw, buf[:]); err != nil {
		return errors.Wrap(err, "failed to receive ack")
	}
	if !bytes.Equal(buf[:], ackMessage) {
		return errors.Errorf("expected ack, got %q", buf[:])
	}
	return nil
}

// send writes a frame and waits for its acknowledgment.
func (f *framer) send(frame []byte) error {
	if _, err := f.rw.Write(frame); err != nil {
		return errors.Wrapf(err, "failed to send %d bytes", len(frame))
	}
	return f.expectAck()
}

// sendValue sends the binary encoding of v as one frame.
func (f *framer) sendValue(v any) error {
	buf := make([]byte, binary.Size(v))
	if _, err := binary.Encode(buf, binary.LittleEndian, v); err != nil {
		return errors.Wrap(err, "failed to encode frame")
	}
	return f.send(buf)
}

// recv reads a frame of exactly len(dst) bytes, accumulating partial reads, and acknowledges it.
func (f *framer) recv(dst []byte) error {
	if _, err := io.ReadFull(f.rw, dst); err != nil {
		return errors.Wrapf(err, "failed to receive %d bytes", len(dst))
	}
	return f.sendAck()
}

// recvValue receives one frame with the binary encoding of the value pointed by v.
func (f *framer) recvValue(v any) error {
	buf := make([]byte, binary.Size(v))
	if err := f.recv(buf); err != nil {
		return err
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, v); err != nil {
		return errors.Wrap(err, "failed to decode frame")
	}
	return nil
}

func (f *framer) sendStatus(status Status, message string) error {
	if err := f.sendValue(struct {
		Code   int32
		Length uint32
	}{int32(status), uint32(len(message))}); err != nil {
		return err
	}
	if message == "" {
		return nil
	}
	return f.send([]byte(message))
}

func (f *framer) recvStatus() (Status, string, error) {
	var header struct {
		Code   int32
		Length uint32
	}
	if err := f.recvValue(&header); err != nil {
		return 0, "", err
	}
	if header.Length == 0 {
		return Status(header.Code), "", nil
	}
	if header.Length > maxEntryNameLength {
		return 0, "", errors.Errorf("status message of %d bytes is too long", header.Length)
	}
	message := make([]byte, header.Length)
	if err := f.recv(message); err != nil {
		return 0, "", err
	}
	return Status(header.Code), string(message), nil
}
