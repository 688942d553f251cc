//go:build opencl && cgo

package opencl

/*
#cgo LDFLAGS: -lOpenCL
#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS
#include <stdlib.h>
#include <CL/cl.h>

static cl_program omp_create_program(cl_context ctx, cl_device_id dev, const unsigned char *bin, size_t size,
                                     cl_int *binary_status, cl_int *status) {
	return clCreateProgramWithBinary(ctx, 1, &dev, &size, &bin, binary_status, status);
}

static cl_int omp_build_program(cl_program program, cl_device_id dev, const char *options) {
	return clBuildProgram(program, 1, &dev, options, NULL, NULL);
}

static cl_mem omp_create_sub_buffer(cl_mem mem, size_t offset, size_t size, cl_int *status) {
	cl_buffer_region region = {offset, size};
	return clCreateSubBuffer(mem, CL_MEM_READ_WRITE, CL_BUFFER_CREATE_TYPE_REGION, &region, status);
}
*/
import "C"
import (
	"context"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/omptarget/config"
	"github.com/gomlx/omptarget/offload"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// clPlatformNotFoundKHR is returned by the ICD loader when there are no platforms installed.
const clPlatformNotFoundKHR = -1001

func init() {
	offload.RegisterBackend(BackendName, New)
}

// Backend of the OpenCL devices of one platform.
type Backend struct {
	cfg     config.OpenCLConfig
	devices []C.cl_device_id
}

var _ offload.Backend = (*Backend)(nil)

// New enumerates the devices of the configured platform and type. Having no OpenCL platform is not an
// error, the backend simply has no devices.
func New(cfg *config.Config) (offload.Backend, error) {
	deviceType, err := parseDeviceType(cfg.OpenCL.DeviceType)
	if err != nil {
		return nil, err
	}
	b := &Backend{cfg: cfg.OpenCL}
	var numPlatforms C.cl_uint
	status := C.clGetPlatformIDs(0, nil, &numPlatforms)
	if status == clPlatformNotFoundKHR || (status == C.CL_SUCCESS && numPlatforms == 0) {
		klog.Warningf("opencl: no platforms found")
		return b, nil
	}
	if status != C.CL_SUCCESS {
		return nil, clError(offload.KindUnknown, int(status), "clGetPlatformIDs", "failed to list platforms")
	}
	platforms := make([]C.cl_platform_id, numPlatforms)
	if status = C.clGetPlatformIDs(numPlatforms, &platforms[0], nil); status != C.CL_SUCCESS {
		return nil, clError(offload.KindUnknown, int(status), "clGetPlatformIDs", "failed to list platforms")
	}
	idx := cfg.OpenCL.PlatformIndex
	if idx < 0 || idx >= len(platforms) {
		return nil, errors.Errorf("opencl.platform_index %d out of range, there are %d platforms", idx, len(platforms))
	}

	var numDevices C.cl_uint
	status = C.clGetDeviceIDs(platforms[idx], C.cl_device_type(deviceType), 0, nil, &numDevices)
	if status == clDeviceNotFound || numDevices == 0 {
		klog.Warningf("opencl: no %s devices found in platform #%d", cfg.OpenCL.DeviceType, idx)
		return b, nil
	}
	if status != C.CL_SUCCESS {
		return nil, clError(offload.KindUnknown, int(status), "clGetDeviceIDs", "failed to list devices of platform #%d", idx)
	}
	b.devices = make([]C.cl_device_id, numDevices)
	status = C.clGetDeviceIDs(platforms[idx], C.cl_device_type(deviceType), numDevices, &b.devices[0], nil)
	if status != C.CL_SUCCESS {
		return nil, clError(offload.KindUnknown, int(status), "clGetDeviceIDs", "failed to list devices of platform #%d", idx)
	}
	klog.V(1).Infof("opencl: %d devices in platform #%d", len(b.devices), idx)
	return b, nil
}

// Name implements offload.Backend.
func (b *Backend) Name() string { return BackendName }

// NumDevices implements offload.Backend.
func (b *Backend) NumDevices() int { return len(b.devices) }

// IsValidBinary implements offload.Backend: program binaries can only be checked by building them, so any
// non-empty image is accepted.
func (b *Backend) IsValidBinary(image []byte) bool {
	return len(image) > 0
}

func deviceInfoString(dev C.cl_device_id, param C.cl_device_info) string {
	var size C.size_t
	if C.clGetDeviceInfo(dev, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetDeviceInfo(dev, param, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return C.GoString((*C.char)(unsafe.Pointer(&buf[0])))
}

func deviceInfoUint(dev C.cl_device_id, param C.cl_device_info) uint64 {
	var value C.cl_uint
	if C.clGetDeviceInfo(dev, param, C.size_t(unsafe.Sizeof(value)), unsafe.Pointer(&value), nil) != C.CL_SUCCESS {
		return 0
	}
	return uint64(value)
}

// InitDevice implements offload.Backend: it creates the context and the command queue of the device.
func (b *Backend) InitDevice(_ context.Context, slot int32) (offload.Device, error) {
	dev := b.devices[slot]
	var status C.cl_int
	clContext := C.clCreateContext(nil, 1, &dev, nil, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, clError(offload.KindUnknown, int(status), "clCreateContext", "device #%d", slot)
	}
	queue := C.clCreateCommandQueue(clContext, dev, 0, &status)
	if status != C.CL_SUCCESS {
		C.clReleaseContext(clContext)
		return nil, clError(offload.KindUnknown, int(status), "clCreateCommandQueue", "device #%d", slot)
	}
	d := &Device{
		slot:         slot,
		id:           dev,
		context:      clContext,
		queue:        queue,
		computeUnits: deviceInfoUint(dev, C.CL_DEVICE_MAX_COMPUTE_UNITS),
		baseAlign:    int64(max(deviceInfoUint(dev, C.CL_DEVICE_MEM_BASE_ADDR_ALIGN)/8, 1)),
		buildOptions: b.cfg.BuildOptions,
		kernels:      make(map[uintptr]C.cl_kernel),
		buffers:      make(map[uintptr]int64),
	}
	klog.V(1).Infof("opencl device #%d: %q from %q, %d compute units", slot,
		deviceInfoString(dev, C.CL_DEVICE_NAME), deviceInfoString(dev, C.CL_DEVICE_VENDOR), d.computeUnits)
	return d, nil
}

// Close implements offload.Backend.
func (b *Backend) Close() error { return nil }

// Device is one OpenCL device with its context and in-order command queue.
type Device struct {
	slot         int32
	id           C.cl_device_id
	context      C.cl_context
	queue        C.cl_command_queue
	computeUnits uint64
	baseAlign    int64
	buildOptions string

	mu       sync.Mutex
	programs []C.cl_program
	slots    []unsafe.Pointer        // C arrays of kernels, their addresses are the entries addresses.
	kernels  map[uintptr]C.cl_kernel // Entry address to kernel.
	buffers  map[uintptr]int64       // cl_mem to size.
}

var _ offload.Device = (*Device)(nil)

// HandleKind implements offload.Device: handles are cl_mem values.
func (d *Device) HandleKind() offload.HandleKind { return offload.DeviceAddress }

// Async implements offload.Device.
func (d *Device) Async() bool { return false }

// MaxTransferSize implements offload.Device.
func (d *Device) MaxTransferSize() int64 { return 0 }

func (d *Device) buildLog(program C.cl_program) string {
	var size C.size_t
	if C.clGetProgramBuildInfo(program, d.id, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetProgramBuildInfo(program, d.id, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return C.GoString((*C.char)(unsafe.Pointer(&buf[0])))
}

// LoadBinary implements offload.Device: it builds the program binary and creates one kernel per host entry.
func (d *Device) LoadBinary(_ context.Context, image *offload.DeviceImage) (*offload.OffloadTable, error) {
	if len(image.Image) == 0 {
		return nil, offload.Errorf(offload.InvalidFormat, "empty program binary")
	}
	var status, binaryStatus C.cl_int
	program := C.omp_create_program(d.context, d.id, (*C.uchar)(unsafe.Pointer(&image.Image[0])),
		C.size_t(len(image.Image)), &binaryStatus, &status)
	if status == C.CL_SUCCESS && binaryStatus != C.CL_SUCCESS {
		C.clReleaseProgram(program)
		status = binaryStatus
	}
	if status != C.CL_SUCCESS {
		return nil, clError(offload.LoadFailure, int(status), "clCreateProgramWithBinary", "invalid binary for device #%d", d.slot)
	}

	var options *C.char
	if d.buildOptions != "" {
		options = C.CString(d.buildOptions)
		defer C.free(unsafe.Pointer(options))
	}
	if status = C.omp_build_program(program, d.id, options); status != C.CL_SUCCESS {
		buildLog := d.buildLog(program)
		C.clReleaseProgram(program)
		return nil, clError(offload.BuildFailure, int(status), "clBuildProgram", "%s", buildLog)
	}

	n := len(image.HostEntries)
	slotsPtr := C.calloc(C.size_t(max(n, 1)), C.size_t(unsafe.Sizeof(C.cl_kernel(nil))))
	slots := unsafe.Slice((*C.cl_kernel)(slotsPtr), max(n, 1))
	entries := make([]offload.OffloadEntry, 0, n)
	for ii, hostEntry := range image.HostEntries {
		name := C.CString(hostEntry.Name)
		kernel := C.clCreateKernel(program, name, &status)
		C.free(unsafe.Pointer(name))
		if status != C.CL_SUCCESS {
			for _, k := range slots[:ii] {
				C.clReleaseKernel(k)
			}
			C.free(slotsPtr)
			C.clReleaseProgram(program)
			return nil, clError(offload.LoadFailure, int(status), "clCreateKernel", "failed to create kernel %q", hostEntry.Name)
		}
		slots[ii] = kernel
		entries = append(entries, offload.OffloadEntry{
			Name:    hostEntry.Name,
			Address: uintptr(unsafe.Pointer(&slots[ii])),
			Size:    hostEntry.Size,
			Flags:   hostEntry.Flags,
		})
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.programs = append(d.programs, program)
	d.slots = append(d.slots, slotsPtr)
	for ii, entry := range entries {
		d.kernels[entry.Address] = slots[ii]
	}
	klog.V(1).Infof("opencl device #%d: built program with %d kernels", d.slot, n)
	return offload.NewOffloadTable(entries), nil
}

func memOf(handle offload.TargetHandle) C.cl_mem {
	return C.cl_mem(unsafe.Pointer(handle.Uintptr()))
}

// Alloc implements offload.Device.
func (d *Device) Alloc(_ context.Context, size int64, _ uintptr) (offload.TargetHandle, error) {
	var status C.cl_int
	mem := C.clCreateBuffer(d.context, C.CL_MEM_READ_WRITE, C.size_t(max(size, 1)), nil, &status)
	if status != C.CL_SUCCESS {
		return offload.TargetHandle{}, clError(offload.OutOfDeviceMemory, int(status), "clCreateBuffer",
			"failed to allocate %s", humanize.Bytes(uint64(size)))
	}
	ptr := uintptr(unsafe.Pointer(mem))
	d.mu.Lock()
	d.buffers[ptr] = size
	d.mu.Unlock()
	return offload.TargetHandle{Kind: offload.DeviceAddress, Value: uint64(ptr)}, nil
}

func (d *Device) bufferSize(handle offload.TargetHandle) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	size, found := d.buffers[handle.Uintptr()]
	return size, found
}

// Write implements offload.Device: blocking write.
func (d *Device) Write(_ context.Context, handle offload.TargetHandle, data []byte) error {
	if _, found := d.bufferSize(handle); !found {
		return errors.Errorf("opencl device #%d has no buffer %s", d.slot, handle)
	}
	if len(data) == 0 {
		return nil
	}
	status := C.clEnqueueWriteBuffer(d.queue, memOf(handle), C.CL_TRUE, 0, C.size_t(len(data)),
		unsafe.Pointer(&data[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return clError(offload.TransferFailure, int(status), "clEnqueueWriteBuffer", "failed writing %d bytes", len(data))
	}
	return nil
}

// Read implements offload.Device: blocking read.
func (d *Device) Read(_ context.Context, handle offload.TargetHandle, dst []byte) error {
	if _, found := d.bufferSize(handle); !found {
		return errors.Errorf("opencl device #%d has no buffer %s", d.slot, handle)
	}
	if len(dst) == 0 {
		return nil
	}
	status := C.clEnqueueReadBuffer(d.queue, memOf(handle), C.CL_TRUE, 0, C.size_t(len(dst)),
		unsafe.Pointer(&dst[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return clError(offload.TransferFailure, int(status), "clEnqueueReadBuffer", "failed reading %d bytes", len(dst))
	}
	return nil
}

// Free implements offload.Device.
func (d *Device) Free(_ context.Context, handle offload.TargetHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.buffers[handle.Uintptr()]; !found {
		return errors.Errorf("opencl device #%d has no buffer %s", d.slot, handle)
	}
	delete(d.buffers, handle.Uintptr())
	if status := C.clReleaseMemObject(memOf(handle)); status != C.CL_SUCCESS {
		return clError(offload.TransferFailure, int(status), "clReleaseMemObject", "failed releasing buffer %s", handle)
	}
	return nil
}

// Launch implements offload.Device: buffers displaced by an offset are passed as sub-buffers, literals as
// 64 bits scalars. It waits for the kernel to finish.
func (d *Device) Launch(_ context.Context, entry offload.OffloadEntry, args []offload.KernelArg, shape offload.LaunchShape) error {
	d.mu.Lock()
	kernel, found := d.kernels[entry.Address]
	d.mu.Unlock()
	if !found {
		return offload.NewLaunchError(offload.InvalidArgument, 0, "", "entry %s has no kernel in device #%d", entry, d.slot)
	}

	var subBuffers []C.cl_mem
	defer func() {
		for _, sub := range subBuffers {
			C.clReleaseMemObject(sub)
		}
	}()
	for ii, arg := range args {
		var status C.cl_int
		if arg.Literal {
			value := C.cl_ulong(int64(arg.Handle.Value) + arg.Offset)
			status = C.clSetKernelArg(kernel, C.cl_uint(ii), C.size_t(unsafe.Sizeof(value)), unsafe.Pointer(&value))
		} else {
			mem := memOf(arg.Handle)
			if arg.Offset != 0 {
				size, _ := d.bufferSize(arg.Handle)
				if arg.Offset < 0 || arg.Offset >= size || arg.Offset%d.baseAlign != 0 {
					return clError(offload.LaunchFailure, clMisalignedSubBufferOffset, "clCreateSubBuffer",
						"argument #%d offset %d is out of the buffer of %d bytes or not aligned to %d bytes", ii, arg.Offset, size, d.baseAlign)
				}
				mem = C.omp_create_sub_buffer(mem, C.size_t(arg.Offset), C.size_t(size-arg.Offset), &status)
				if status != C.CL_SUCCESS {
					return clError(offload.LaunchFailure, int(status), "clCreateSubBuffer", "argument #%d", ii)
				}
				subBuffers = append(subBuffers, mem)
			}
			status = C.clSetKernelArg(kernel, C.cl_uint(ii), C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem))
		}
		if status != C.CL_SUCCESS {
			return clError(offload.LaunchFailure, int(status), "clSetKernelArg", "argument #%d of %s", ii, entry)
		}
	}

	var preferred C.size_t
	C.clGetKernelWorkGroupInfo(kernel, d.id, C.CL_KERNEL_PREFERRED_WORK_GROUP_SIZE_MULTIPLE,
		C.size_t(unsafe.Sizeof(preferred)), unsafe.Pointer(&preferred), nil)
	global, local := ndRange(shape, uint64(preferred), d.computeUnits)
	globalSize := [1]C.size_t{C.size_t(global)}
	localSize := [1]C.size_t{C.size_t(local)}
	klog.V(2).Infof("opencl device #%d: running %s with global size %d, local size %d", d.slot, entry, global, local)
	status := C.clEnqueueNDRangeKernel(d.queue, kernel, 1, nil, &globalSize[0], &localSize[0], 0, nil, nil)
	if status != C.CL_SUCCESS {
		return clError(offload.LaunchFailure, int(status), "clEnqueueNDRangeKernel", "%s with global size %d and local size %d", entry, global, local)
	}
	if status = C.clFinish(d.queue); status != C.CL_SUCCESS {
		return clError(offload.LaunchFailure, int(status), "clFinish", "%s", entry)
	}
	return nil
}

// Close implements offload.Device: it releases the kernels, programs, buffers left, queue and context.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, kernel := range d.kernels {
		C.clReleaseKernel(kernel)
	}
	clear(d.kernels)
	for _, slots := range d.slots {
		C.free(slots)
	}
	d.slots = nil
	for _, program := range d.programs {
		C.clReleaseProgram(program)
	}
	d.programs = nil
	for ptr := range d.buffers {
		C.clReleaseMemObject(C.cl_mem(unsafe.Pointer(ptr)))
	}
	clear(d.buffers)
	if d.queue != nil {
		C.clReleaseCommandQueue(d.queue)
		d.queue = nil
	}
	if d.context != nil {
		C.clReleaseContext(d.context)
		d.context = nil
	}
	return nil
}
