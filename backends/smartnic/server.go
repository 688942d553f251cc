package smartnic

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/omptarget/offload"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KernelArg is an argument of an emulated kernel: the device memory from the argument offset to the end
// of its buffer, or the value of a literal argument (Buffer is nil).
type KernelArg struct {
	Buffer []byte
	Value  uint64
}

// Kernel is an emulated device kernel.
type Kernel func(args []KernelArg, shape offload.LaunchShape) error

// DefaultMaxBufferSize is the default limit of the size of one buffer in the Server.
const DefaultMaxBufferSize = 1 << 30

// Server emulates a smartnic device: it serves the protocol over any number of connections, sharing
// one device memory and one programmed module.
type Server struct {
	// MaxBufferSize is the largest buffer that can be allocated.
	MaxBufferSize int64

	mu        sync.Mutex
	kernels   map[string]Kernel
	buffers   map[uint64][]byte
	nextToken uint64
	module    string
	programs  int

	connsMu sync.Mutex
	conns   map[net.Conn]bool
	wg      sync.WaitGroup
}

// NewServer creates an emulator without kernels.
func NewServer() *Server {
	return &Server{
		MaxBufferSize: DefaultMaxBufferSize,
		kernels:       make(map[string]Kernel),
		buffers:       make(map[uint64][]byte),
		nextToken:     1,
		conns:         make(map[net.Conn]bool),
	}
}

// Register a kernel under the entry name.
func (s *Server) Register(name string, kernel Kernel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kernels[name] = kernel
}

// Module returns the programmed module and the number of times the device was programmed.
func (s *Server) Module() (module string, programs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.module, s.programs
}

// NumBuffers returns the number of buffers allocated.
func (s *Server) NumBuffers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}

// Serve accepts connections on l until ctx is done or l fails. On return every connection is closed.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	defer s.closeConns()
	klog.V(1).Infof("smartnic emulator listening on %s", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "smartnic emulator failed to accept connection")
		}
		s.connsMu.Lock()
		s.conns[conn] = true
		s.connsMu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(conn); err != nil {
				klog.Warningf("smartnic emulator: connection from %s: %+v", conn.RemoteAddr(), err)
			}
			s.connsMu.Lock()
			delete(s.conns, conn)
			s.connsMu.Unlock()
		}()
	}
}

func (s *Server) closeConns() {
	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connsMu.Unlock()
	s.wg.Wait()
}

// ServeConn serves requests on conn until the client quits or disconnects, and closes it.
func (s *Server) ServeConn(conn net.Conn) error {
	defer func() { _ = conn.Close() }()
	f := &framer{rw: conn}
	for {
		var cmd [1]byte
		if _, err := io.ReadFull(conn, cmd[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "failed to read command")
		}
		if err := f.sendAck(); err != nil {
			return err
		}
		var err error
		switch cmd[0] {
		case cmdAlloc:
			err = s.serveAlloc(f)
		case cmdWrite:
			err = s.serveWrite(f)
		case cmdRead:
			err = s.serveRead(f)
		case cmdFree:
			err = s.serveFree(f)
		case cmdProgram:
			err = s.serveProgram(f)
		case cmdRun:
			err = s.serveRun(f)
		case cmdQuit:
			return f.expectAck()
		default:
			return errors.Errorf("unknown command %q", cmd[0])
		}
		if err != nil {
			return errors.WithMessagef(err, "command %q", cmd[0])
		}
	}
}

func (s *Server) serveAlloc(f *framer) error {
	var size uint64
	if err := f.recvValue(&size); err != nil {
		return err
	}
	if int64(size) < 0 || int64(size) > s.MaxBufferSize {
		return f.sendStatus(StatusOutOfMemory, "can't allocate "+humanize.Bytes(size))
	}
	s.mu.Lock()
	token := s.nextToken
	s.nextToken++
	s.buffers[token] = make([]byte, size)
	s.mu.Unlock()
	klog.V(2).Infof("smartnic emulator: allocated %d bytes with token %d", size, token)
	if err := f.sendStatus(StatusOK, ""); err != nil {
		return err
	}
	return f.sendValue(token)
}

// buffer returns the buffer of the token, and the status of a transfer of size bytes.
func (s *Server) buffer(token, size uint64) ([]byte, Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, found := s.buffers[token]
	if !found {
		return nil, StatusUnknownToken, "unknown token"
	}
	if size > uint64(len(buf)) {
		return nil, StatusSizeMismatch, "buffer has " + humanize.Comma(int64(len(buf))) + " bytes"
	}
	return buf, StatusOK, ""
}

func (s *Server) serveWrite(f *framer) error {
	var header [2]uint64
	if err := f.recvValue(&header); err != nil {
		return err
	}
	buf, status, message := s.buffer(header[0], header[1])
	if err := f.sendStatus(status, message); err != nil || status != StatusOK {
		return err
	}
	if header[1] > 0 {
		if err := f.recv(buf[:header[1]]); err != nil {
			return err
		}
	}
	return f.sendStatus(StatusOK, "")
}

func (s *Server) serveRead(f *framer) error {
	var header [2]uint64
	if err := f.recvValue(&header); err != nil {
		return err
	}
	buf, status, message := s.buffer(header[0], header[1])
	if err := f.sendStatus(status, message); err != nil || status != StatusOK {
		return err
	}
	if header[1] == 0 {
		return nil
	}
	return f.send(buf[:header[1]])
}

func (s *Server) serveFree(f *framer) error {
	var token uint64
	if err := f.recvValue(&token); err != nil {
		return err
	}
	s.mu.Lock()
	_, found := s.buffers[token]
	delete(s.buffers, token)
	s.mu.Unlock()
	if !found {
		return f.sendStatus(StatusUnknownToken, "unknown token")
	}
	return f.sendStatus(StatusOK, "")
}

func (s *Server) serveProgram(f *framer) error {
	var length uint32
	if err := f.recvValue(&length); err != nil {
		return err
	}
	if length == 0 || length > maxModuleLength {
		return errors.Errorf("invalid module length %d", length)
	}
	module := make([]byte, length)
	if err := f.recv(module); err != nil {
		return err
	}
	if module[length-1] != 0 {
		return f.sendStatus(StatusBadRequest, "module name is not NUL terminated")
	}
	s.mu.Lock()
	s.module = string(module[:length-1])
	s.programs++
	s.mu.Unlock()
	klog.V(1).Infof("smartnic emulator: programmed module %q", module[:length-1])
	return f.sendStatus(StatusOK, "")
}

func (s *Server) serveRun(f *framer) error {
	var header runHeader
	if err := f.recvValue(&header); err != nil {
		return err
	}
	if header.NameLength == 0 || header.NameLength > maxEntryNameLength || header.NumArgs > maxKernelArgs {
		return errors.Errorf("invalid run header %+v", header)
	}
	name := make([]byte, header.NameLength)
	if err := f.recv(name); err != nil {
		return err
	}
	wireArgs := make([]wireArg, header.NumArgs)
	if header.NumArgs > 0 {
		if err := f.recvValue(wireArgs); err != nil {
			return err
		}
	}
	shape := offload.LaunchShape{Teams: header.Teams, Threads: header.Threads, TripCount: header.TripCount}
	status, message := s.run(string(name), wireArgs, shape)
	return f.sendStatus(status, message)
}

// run executes the kernel holding the device, one kernel at a time.
func (s *Server) run(name string, wireArgs []wireArg, shape offload.LaunchShape) (Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.module == "" {
		return StatusNoProgram, "device not programmed"
	}
	kernel, found := s.kernels[name]
	if !found {
		return StatusUnknownEntry, "unknown entry " + name
	}
	args := make([]KernelArg, len(wireArgs))
	for ii, arg := range wireArgs {
		if arg.Literal != 0 {
			args[ii] = KernelArg{Value: uint64(int64(arg.Token) + arg.Offset)}
			continue
		}
		buf, found := s.buffers[arg.Token]
		if !found {
			return StatusUnknownToken, "argument #" + humanize.Comma(int64(ii)) + " has an unknown token"
		}
		if arg.Offset < 0 || arg.Offset > int64(len(buf)) {
			return StatusBadRequest, "argument #" + humanize.Comma(int64(ii)) + " has an offset out of its buffer"
		}
		args[ii] = KernelArg{Buffer: buf[arg.Offset:]}
	}
	klog.V(2).Infof("smartnic emulator: running %q with %d arguments, shape %s", name, len(args), shape)
	if err := kernel(args, shape); err != nil {
		return StatusLaunchFailed, err.Error()
	}
	return StatusOK, ""
}

// CopyKernel copies its second argument buffer into the first one.
func CopyKernel(args []KernelArg, _ offload.LaunchShape) error {
	if len(args) != 2 || args[0].Buffer == nil || args[1].Buffer == nil {
		return errors.New("copy takes 2 buffer arguments")
	}
	copy(args[0].Buffer, args[1].Buffer)
	return nil
}

// FillKernel fills its first argument buffer with the byte value of the second (literal) argument.
func FillKernel(args []KernelArg, _ offload.LaunchShape) error {
	if len(args) != 2 || args[0].Buffer == nil || args[1].Buffer != nil {
		return errors.New("fill takes 1 buffer and 1 literal argument")
	}
	for ii := range args[0].Buffer {
		args[0].Buffer[ii] = byte(args[1].Value)
	}
	return nil
}
