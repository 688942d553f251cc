package smartnic

import (
	"bytes"
	"context"
	"debug/elf"
	"io"
	"net"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/gomlx/omptarget/config"
	"github.com/gomlx/omptarget/internal/elftest"
	"github.com/gomlx/omptarget/offload"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// startServer starts an emulator on a local port, with the builtin kernels registered.
func startServer(t *testing.T) (*Server, *config.Config) {
	server := NewServer()
	server.Register("copy", CopyKernel)
	server.Register("fill", FillKernel)
	server.Register("fail", func([]KernelArg, offload.LaunchShape) error { return errors.New("kernel exploded") })
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	cfg := config.Default()
	cfg.Backend = BackendName
	addr := l.Addr().(*net.TCPAddr)
	cfg.Smartnic.Address = addr.IP.String()
	cfg.Smartnic.Port = addr.Port
	return server, cfg
}

func newRuntime(t *testing.T, cfg *config.Config) *offload.Runtime {
	r, err := offload.NewRuntimeFromConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Close(context.Background()))
	})
	require.NoError(t, r.InitDevice(context.Background(), 0))
	return r
}

func image(module string, entries ...string) *offload.DeviceImage {
	img := elftest.Image{Machine: elf.EM_X86_64, Config: &elftest.Config{EnvID: EnvID, Module: module}}
	for ii, name := range entries {
		img.Entries = append(img.Entries, elftest.Entry{Name: name, Addr: uint64(0x10 * (ii + 1))})
	}
	return &offload.DeviceImage{Image: img.Bytes()}
}

func TestIsValidBinary(t *testing.T) {
	b := &Backend{}
	require.True(t, b.IsValidBinary(image("m", "copy").Image))
	other := elftest.Image{Machine: elf.EM_X86_64, Config: &elftest.Config{EnvID: 9003}}.Bytes()
	require.False(t, b.IsValidBinary(other))
	require.False(t, b.IsValidBinary([]byte("not an image")))
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	server, cfg := startServer(t)
	r := newRuntime(t, cfg)
	require.Equal(t, offload.ProtocolToken, must.M1(r.HandleKind(0)))

	var tokens []uint64
	for _, size := range []int{0, 1, 3, 4096, 1<<20 + 7} {
		data := make([]byte, size)
		for ii := range data {
			data[ii] = byte(ii % 249)
		}
		h, err := r.DataAlloc(ctx, 0, int64(size), 0)
		require.NoError(t, err)
		require.Equal(t, offload.ProtocolToken, h.Kind)
		tokens = append(tokens, h.Value)
		require.NoError(t, r.DataSubmit(ctx, 0, h, data))
		got := make([]byte, size)
		require.NoError(t, r.DataRetrieve(ctx, 0, got, h))
		require.Equal(t, data, got)
		require.Equal(t, 1, server.NumBuffers())
		require.NoError(t, r.DataDelete(ctx, 0, h))
		require.Equal(t, 0, server.NumBuffers())
		require.ErrorIs(t, r.DataSubmit(ctx, 0, h, data), offload.ErrUnknownHandle)
	}
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, tokens)
}

func TestLaunch(t *testing.T) {
	ctx := context.Background()
	server, cfg := startServer(t)
	r := newRuntime(t, cfg)
	table, err := r.LoadBinary(ctx, 0, image("mod_a", "fill", "copy", "fail", "missing"))
	require.NoError(t, err)
	require.Equal(t, 4, table.Len())
	fill, cp, fail, missing := table.Entry(0).Address, table.Entry(1).Address, table.Entry(2).Address, table.Entry(3).Address

	src, err := r.DataAlloc(ctx, 0, 8, 0)
	require.NoError(t, err)
	dst, err := r.DataAlloc(ctx, 0, 8, 0)
	require.NoError(t, err)

	// Literal arguments are untracked device addresses.
	seven := offload.TargetHandle{Kind: offload.DeviceAddress, Value: 7}
	require.NoError(t, r.RunTargetRegion(ctx, 0, fill, []offload.TargetHandle{src, seven}, nil))
	require.NoError(t, r.RunTargetTeamRegion(ctx, 0, cp, []offload.TargetHandle{dst, src}, []int64{4, 0}, 2, 32, 100))
	got := make([]byte, 8)
	require.NoError(t, r.DataRetrieve(ctx, 0, got, dst))
	require.Equal(t, []byte{0, 0, 0, 0, 7, 7, 7, 7}, got)

	// The module is programmed only once.
	module, programs := server.Module()
	require.Equal(t, "mod_a", module)
	require.Equal(t, 1, programs)

	err = r.RunTargetRegion(ctx, 0, fail, nil, nil)
	require.ErrorIs(t, err, offload.ErrLaunchFailure)
	require.ErrorContains(t, err, "kernel exploded")
	require.ErrorContains(t, err, StatusLaunchFailed.String())

	err = r.RunTargetRegion(ctx, 0, missing, nil, nil)
	require.ErrorIs(t, err, &offload.Error{Kind: offload.LaunchFailure, Launch: offload.InvalidArgument})

	// Bad arguments are reported by the kernel, and the connection is still usable.
	err = r.RunTargetRegion(ctx, 0, fill, []offload.TargetHandle{src}, nil)
	require.ErrorIs(t, err, offload.ErrLaunchFailure)

	// A new image with another module reprograms the device.
	table, err = r.LoadBinary(ctx, 0, image("mod_b", "fill"))
	require.NoError(t, err)
	require.NoError(t, r.RunTargetRegion(ctx, 0, table.Entry(0).Address, []offload.TargetHandle{dst, seven}, nil))
	module, programs = server.Module()
	require.Equal(t, "mod_b", module)
	require.Equal(t, 2, programs)
}

func TestRejectedRequests(t *testing.T) {
	ctx := context.Background()
	server, cfg := startServer(t)
	server.MaxBufferSize = 1024
	b := must.M1(New(cfg))
	dev := must.M1(b.InitDevice(ctx, 0))
	defer func() { require.NoError(t, dev.Close()) }()

	_, err := dev.Alloc(ctx, 2048, 0)
	require.ErrorIs(t, err, offload.ErrOutOfDeviceMemory)
	unknown := offload.TargetHandle{Kind: offload.ProtocolToken, Value: 999}
	require.ErrorIs(t, dev.Free(ctx, unknown), offload.ErrTransferFailure)
	require.Error(t, dev.Write(ctx, unknown, []byte{1}))

	h, err := dev.Alloc(ctx, 4, 0)
	require.NoError(t, err)
	require.ErrorIs(t, dev.Write(ctx, h, make([]byte, 5)), offload.ErrSizeMismatch)
	require.NoError(t, dev.Write(ctx, h, []byte{1, 2, 3, 4}))
	require.NoError(t, dev.Free(ctx, h))
}

func TestBrokenConnection(t *testing.T) {
	ctx := context.Background()
	client, device := net.Pipe()
	go func() {
		// Acknowledges the command, and then answers garbage.
		buf := make([]byte, 1)
		_, _ = io.ReadFull(device, buf)
		_, _ = device.Write([]byte("ack"))
		buf = make([]byte, 8)
		_, _ = io.ReadFull(device, buf)
		_, _ = device.Write([]byte("nak"))
		_ = device.Close()
	}()
	dev := NewDevice(0, client)
	_, err := dev.Alloc(ctx, 8, 0)
	require.ErrorIs(t, err, offload.ErrTransferFailure)
	require.ErrorContains(t, err, "expected ack")

	err = dev.Write(ctx, offload.TargetHandle{Kind: offload.ProtocolToken, Value: 1}, []byte{1})
	require.ErrorIs(t, err, offload.ErrTransferFailure)
	require.ErrorContains(t, err, "broken")
	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())
}

func TestFramerShortReads(t *testing.T) {
	var out bytes.Buffer
	in := iotest.OneByteReader(strings.NewReader("hello world"))
	f := &framer{rw: struct {
		io.Reader
		io.Writer
	}{in, &out}}
	dst := make([]byte, 5)
	require.NoError(t, f.recv(dst))
	require.Equal(t, "hello", string(dst))
	require.Equal(t, "ack", out.String())

	// Truncated frames are errors.
	dst = make([]byte, 10)
	require.Error(t, f.recv(dst))

	f = &framer{rw: struct {
		io.Reader
		io.Writer
	}{strings.NewReader("acx"), &out}}
	require.ErrorContains(t, f.send([]byte("x")), "expected ack")
	require.Equal(t, "UNKNOWN_ENTRY", StatusUnknownEntry.String())
	require.Equal(t, "Status(42)", Status(42).String())
}
