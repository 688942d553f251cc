//go:build linux && cgo

package host

/*
#include <stdlib.h>

#define MAX_ENTRY_ARGS 16

typedef void *vptr;

// call_entry calls fn with the n pointer arguments in args. It returns -1 if there are too many arguments.
static int call_entry(void *fn, void **a, int n) {
	switch (n) {
	case 0: ((void (*)(void))fn)(); break;
	case 1: ((void (*)(vptr))fn)(a[0]); break;
	case 2: ((void (*)(vptr, vptr))fn)(a[0], a[1]); break;
	case 3: ((void (*)(vptr, vptr, vptr))fn)(a[0], a[1], a[2]); break;
	case 4: ((void (*)(vptr, vptr, vptr, vptr))fn)(a[0], a[1], a[2], a[3]); break;
	case 5: ((void (*)(vptr, vptr, vptr, vptr, vptr))fn)(a[0], a[1], a[2], a[3], a[4]); break;
	case 6: ((void (*)(vptr, vptr, vptr, vptr, vptr, vptr))fn)(a[0], a[1], a[2], a[3], a[4], a[5]); break;
	case 7: ((void (*)(vptr, vptr, vptr, vptr, vptr, vptr, vptr))fn)(a[0], a[1], a[2], a[3], a[4], a[5], a[6]); break;
	case 8: ((void (*)(vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr))fn)(a[0], a[1], a[2], a[3], a[4], a[5], a[6], a[7]); break;
	case 9: ((void (*)(vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr))fn)(a[0], a[1], a[2], a[3], a[4], a[5], a[6], a[7], a[8]); break;
	case 10: ((void (*)(vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr))fn)(a[0], a[1], a[2], a[3], a[4], a[5], a[6], a[7], a[8], a[9]); break;
	case 11: ((void (*)(vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr))fn)(a[0], a[1], a[2], a[3], a[4], a[5], a[6], a[7], a[8], a[9], a[10]); break;
	case 12: ((void (*)(vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr))fn)(a[0], a[1], a[2], a[3], a[4], a[5], a[6], a[7], a[8], a[9], a[10], a[11]); break;
	case 13: ((void (*)(vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr))fn)(a[0], a[1], a[2], a[3], a[4], a[5], a[6], a[7], a[8], a[9], a[10], a[11], a[12]); break;
	case 14: ((void (*)(vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr))fn)(a[0], a[1], a[2], a[3], a[4], a[5], a[6], a[7], a[8], a[9], a[10], a[11], a[12], a[13]); break;
	case 15: ((void (*)(vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr))fn)(a[0], a[1], a[2], a[3], a[4], a[5], a[6], a[7], a[8], a[9], a[10], a[11], a[12], a[13], a[14]); break;
	case 16: ((void (*)(vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr, vptr))fn)(a[0], a[1], a[2], a[3], a[4], a[5], a[6], a[7], a[8], a[9], a[10], a[11], a[12], a[13], a[14], a[15]); break;
	default: return -1;
	}
	return 0;
}
*/
import "C"
import (
	"context"
	"debug/elf"
	"runtime"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/omptarget/config"
	"github.com/gomlx/omptarget/offload"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxEntryArgs is the maximum number of arguments of an entry, it must match MAX_ENTRY_ARGS.
const MaxEntryArgs = 16

func init() {
	offload.RegisterBackend(BackendName, New)
}

// Backend of host devices.
type Backend struct {
	cfg config.HostConfig
}

var _ offload.Backend = (*Backend)(nil)

// New creates the host backend.
func New(cfg *config.Config) (offload.Backend, error) {
	return &Backend{cfg: cfg.Host}, nil
}

// Name implements offload.Backend.
func (b *Backend) Name() string { return BackendName }

// NumDevices implements offload.Backend.
func (b *Backend) NumDevices() int { return b.cfg.NumDevices }

// NativeMachine returns the ELF machine of the running process.
func NativeMachine() elf.Machine {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64
	case "386":
		return elf.EM_386
	case "arm64":
		return elf.EM_AARCH64
	case "arm":
		return elf.EM_ARM
	case "ppc64", "ppc64le":
		return elf.EM_PPC64
	case "s390x":
		return elf.EM_S390
	case "riscv64":
		return elf.EM_RISCV
	default:
		return elf.EM_NONE
	}
}

// IsValidBinary implements offload.Backend: the image must be an offload image for this machine.
func (b *Backend) IsValidBinary(image []byte) bool {
	err := offload.CheckImage(image, offload.ImageRequirements{Machine: NativeMachine()})
	if err != nil {
		klog.V(2).Infof("host: image not valid: %v", err)
	}
	return err == nil
}

// InitDevice implements offload.Backend.
func (b *Backend) InitDevice(_ context.Context, slot int32) (offload.Device, error) {
	staging, err := offload.NewStagingArea(b.cfg.TmpDir)
	if err != nil {
		return nil, err
	}
	staging.KeepFiles = b.cfg.KeepTmpFiles
	return &Device{
		slot:   slot,
		loader: offload.NewLoader(offload.DLOpener{}, staging),
		allocs: make(map[uintptr]int64),
	}, nil
}

// Close implements offload.Backend.
func (b *Backend) Close() error { return nil }

// Device is one host device. Buffers are C allocated host memory.
type Device struct {
	slot   int32
	loader *offload.Loader

	mu     sync.Mutex
	allocs map[uintptr]int64
}

var _ offload.Device = (*Device)(nil)

// HandleKind implements offload.Device.
func (d *Device) HandleKind() offload.HandleKind { return offload.DeviceAddress }

// Async implements offload.Device.
func (d *Device) Async() bool { return false }

// MaxTransferSize implements offload.Device.
func (d *Device) MaxTransferSize() int64 { return 0 }

// LoadBinary implements offload.Device.
func (d *Device) LoadBinary(_ context.Context, image *offload.DeviceImage) (*offload.OffloadTable, error) {
	parsed, err := offload.ParseImage(image.Image)
	if err != nil {
		return nil, err
	}
	return d.loader.Load(image.Image, parsed)
}

// Alloc implements offload.Device.
func (d *Device) Alloc(_ context.Context, size int64, _ uintptr) (offload.TargetHandle, error) {
	ptr := C.calloc(C.size_t(max(size, 1)), 1)
	if ptr == nil {
		return offload.TargetHandle{}, offload.Errorf(offload.OutOfDeviceMemory, "calloc(%s) failed", humanize.Bytes(uint64(size)))
	}
	d.mu.Lock()
	d.allocs[uintptr(ptr)] = size
	d.mu.Unlock()
	return offload.TargetHandle{Kind: offload.DeviceAddress, Value: uint64(uintptr(ptr))}, nil
}

// memory returns the Go view of the first n bytes of the buffer.
func (d *Device) memory(handle offload.TargetHandle, n int) ([]byte, error) {
	d.mu.Lock()
	size, found := d.allocs[handle.Uintptr()]
	d.mu.Unlock()
	if !found {
		return nil, errors.Errorf("host device #%d has no buffer at 0x%x", d.slot, handle.Value)
	}
	if int64(n) > size {
		return nil, errors.Errorf("host buffer at 0x%x has %d bytes, %d requested", handle.Value, size, n)
	}
	if n == 0 {
		return nil, nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(handle.Uintptr())), n), nil
}

// Write implements offload.Device.
func (d *Device) Write(_ context.Context, handle offload.TargetHandle, data []byte) error {
	mem, err := d.memory(handle, len(data))
	if err != nil {
		return err
	}
	copy(mem, data)
	return nil
}

// Read implements offload.Device.
func (d *Device) Read(_ context.Context, handle offload.TargetHandle, dst []byte) error {
	mem, err := d.memory(handle, len(dst))
	if err != nil {
		return err
	}
	copy(dst, mem)
	return nil
}

// Free implements offload.Device.
func (d *Device) Free(_ context.Context, handle offload.TargetHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ptr := handle.Uintptr()
	if _, found := d.allocs[ptr]; !found {
		return errors.Errorf("host device #%d has no buffer at 0x%x", d.slot, handle.Value)
	}
	delete(d.allocs, ptr)
	C.free(unsafe.Pointer(ptr))
	return nil
}

// Launch implements offload.Device: the entry is called on the current thread, teams and threads are ignored.
func (d *Device) Launch(_ context.Context, entry offload.OffloadEntry, args []offload.KernelArg, shape offload.LaunchShape) error {
	if len(args) > MaxEntryArgs {
		return offload.NewLaunchError(offload.InvalidArgument, 0, "",
			"entry %q called with %d arguments, at most %d are supported", entry.Name, len(args), MaxEntryArgs)
	}
	var cArgs unsafe.Pointer
	if len(args) > 0 {
		cArgs = C.malloc(C.size_t(len(args)) * C.size_t(unsafe.Sizeof(uintptr(0))))
		defer C.free(cArgs)
		slots := unsafe.Slice((*uintptr)(cArgs), len(args))
		for ii, arg := range args {
			addr, ok := arg.Address()
			if !ok {
				return offload.NewLaunchError(offload.InvalidArgument, 0, "",
					"argument #%d of %q is not a device address: %s", ii, entry.Name, arg.Handle)
			}
			slots[ii] = addr
		}
	}
	klog.V(2).Infof("host device #%d: calling %s with %d arguments, shape %s", d.slot, entry, len(args), shape)
	if C.call_entry(unsafe.Pointer(entry.Address), (*unsafe.Pointer)(cArgs), C.int(len(args))) != 0 {
		return offload.NewLaunchError(offload.InvalidArgument, 0, "", "failed to call %s", entry)
	}
	return nil
}

// Close implements offload.Device: frees the buffers left and unloads the images.
func (d *Device) Close() error {
	d.mu.Lock()
	for ptr := range d.allocs {
		C.free(unsafe.Pointer(ptr))
	}
	clear(d.allocs)
	d.mu.Unlock()
	return d.loader.Close()
}
