package offload

// Common initialization and testing tools for all test files.

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

type errTester[T any] struct {
	value T
	err   error
}

// capture is a shortcut to test that there is no error and return the value.
func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	require.NoError(t, e.err)
	return e.value
}

// fakeKernel is the Go implementation of an entry for the fake backend.
type fakeKernel func(dev *fakeDevice, args []KernelArg, shape LaunchShape) error

// fakeBackend keeps device memory in Go slices and runs entries implemented in Go.
type fakeBackend struct {
	numDevices  int
	kind        HandleKind
	async       bool
	maxTransfer int64
	base        uintptr
	writeDelay  time.Duration
	kernels     map[string]fakeKernel

	mu      sync.Mutex
	devices []*fakeDevice
	closed  bool
}

func newFakeBackend(kind HandleKind, async bool) *fakeBackend {
	return &fakeBackend{numDevices: 2, kind: kind, async: async, base: 0x1000, kernels: make(map[string]fakeKernel)}
}

func (b *fakeBackend) Name() string                    { return "fake" }
func (b *fakeBackend) NumDevices() int                 { return b.numDevices }
func (b *fakeBackend) IsValidBinary(image []byte) bool { return CheckImage(image, ImageRequirements{}) == nil }
func (b *fakeBackend) Close() error {
	b.closed = true
	return nil
}

func (b *fakeBackend) InitDevice(_ context.Context, slot int32) (Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev := &fakeDevice{backend: b, slot: slot, memory: make(map[TargetHandle][]byte)}
	b.devices = append(b.devices, dev)
	return dev, nil
}

type fakeDevice struct {
	backend *fakeBackend
	slot    int32

	mu         sync.Mutex
	nextToken  uint64
	memory     map[TargetHandle][]byte
	writes     int
	failWrites bool
	closed     bool
	launches   []OffloadEntry
}

func (d *fakeDevice) HandleKind() HandleKind { return d.backend.kind }
func (d *fakeDevice) Async() bool            { return d.backend.async }
func (d *fakeDevice) MaxTransferSize() int64 { return d.backend.maxTransfer }

func (d *fakeDevice) LoadBinary(_ context.Context, image *DeviceImage) (*OffloadTable, error) {
	parsed, err := ParseImage(image.Image)
	if err != nil {
		return nil, err
	}
	return SideChannelTable(parsed, d.backend.base)
}

func (d *fakeDevice) Alloc(_ context.Context, size int64, _ uintptr) (TargetHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextToken++
	handle := TargetHandle{Kind: d.backend.kind, Value: d.nextToken}
	if handle.Kind == DeviceAddress {
		handle.Value = 0x100000 + d.nextToken*0x1000
	}
	d.memory[handle] = make([]byte, size)
	return handle, nil
}

func (d *fakeDevice) buffer(handle TargetHandle) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, found := d.memory[handle]
	if !found {
		return nil, errors.Errorf("fake device has no buffer %s", handle)
	}
	return buf, nil
}

func (d *fakeDevice) Write(_ context.Context, handle TargetHandle, data []byte) error {
	if d.backend.writeDelay > 0 {
		time.Sleep(d.backend.writeDelay)
	}
	d.mu.Lock()
	failWrites := d.failWrites
	d.writes++
	d.mu.Unlock()
	if failWrites {
		return errors.New("injected write failure")
	}
	buf, err := d.buffer(handle)
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

func (d *fakeDevice) Read(_ context.Context, handle TargetHandle, dst []byte) error {
	buf, err := d.buffer(handle)
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

func (d *fakeDevice) Free(_ context.Context, handle TargetHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.memory[handle]; !found {
		return errors.Errorf("fake device has no buffer %s", handle)
	}
	delete(d.memory, handle)
	return nil
}

func (d *fakeDevice) Launch(_ context.Context, entry OffloadEntry, args []KernelArg, shape LaunchShape) error {
	d.mu.Lock()
	d.launches = append(d.launches, entry)
	d.mu.Unlock()
	kernel, found := d.backend.kernels[entry.Name]
	if !found {
		return NewLaunchError(InvalidArgument, -48, "CL_INVALID_KERNEL", "no kernel named %q", entry.Name)
	}
	return kernel(d, args, shape)
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
