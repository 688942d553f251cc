// omptarget_rtl builds the offloading plugin shared library loaded by the OpenMP host runtime:
//
//	go build -buildmode=c-shared -o libomptarget.rtl.omptarget.so ./cmd/omptarget_rtl
//
// The backend is selected by the configuration file, see package config. LIBOMPTARGET_DEBUG sets the
// logging verbosity.
package main

/*
#include "tgt.h"
*/
import "C"
import (
	"context"
	"unsafe"

	"github.com/gomlx/omptarget/offload"
	"k8s.io/klog/v2"
)

// Status values returned to the host runtime.
const (
	offloadSuccess C.int32_t = 0
	offloadFail    C.int32_t = ^0
)

func main() {}

// deviceImage converts the image description of the host runtime. Image bytes are only referenced,
// entry names are copied. It returns nil for a nil image.
func deviceImage(image *C.tgt_device_image) *offload.DeviceImage {
	if image == nil {
		return nil
	}
	start, end := uintptr(image.ImageStart), uintptr(image.ImageEnd)
	di := &offload.DeviceImage{}
	if end > start {
		di.Image = unsafe.Slice((*byte)(image.ImageStart), end-start)
	}
	begin, last := uintptr(unsafe.Pointer(image.EntriesBegin)), uintptr(unsafe.Pointer(image.EntriesEnd))
	if last > begin {
		n := int((last - begin) / unsafe.Sizeof(C.tgt_offload_entry{}))
		for _, entry := range unsafe.Slice(image.EntriesBegin, n) {
			di.HostEntries = append(di.HostEntries, offload.HostEntry{
				Name:  C.GoString(entry.name),
				Size:  uint64(entry.size),
				Flags: int32(entry.flags),
			})
		}
	}
	return di
}

//export __tgt_rtl_is_valid_binary
func __tgt_rtl_is_valid_binary(image *C.tgt_device_image) C.int32_t {
	r, err := getRuntime()
	if err != nil || image == nil {
		return 0
	}
	if r.IsValidBinary(deviceImage(image).Image) {
		return 1
	}
	return 0
}

//export __tgt_rtl_number_of_devices
func __tgt_rtl_number_of_devices() C.int32_t {
	r, err := getRuntime()
	if err != nil {
		return 0
	}
	return C.int32_t(r.NumberOfDevices())
}

//export __tgt_rtl_init_device
func __tgt_rtl_init_device(deviceID C.int32_t) C.int32_t {
	r, err := getRuntime()
	if err == nil {
		err = r.InitDevice(context.Background(), int32(deviceID))
	}
	return status(err)
}

//export __tgt_rtl_load_binary
func __tgt_rtl_load_binary(deviceID C.int32_t, image *C.tgt_device_image) *C.tgt_target_table {
	r, err := getRuntime()
	if err != nil || image == nil {
		return nil
	}
	table, err := r.LoadBinary(context.Background(), int32(deviceID), deviceImage(image))
	if err != nil {
		klog.Errorf("%+v", err)
		return nil
	}
	return exportTable(table)
}

//export __tgt_rtl_data_alloc
func __tgt_rtl_data_alloc(deviceID C.int32_t, size C.int64_t, hostPtr unsafe.Pointer) unsafe.Pointer {
	r, err := getRuntime()
	if err != nil {
		return nil
	}
	handle, err := r.DataAlloc(context.Background(), int32(deviceID), int64(size), uintptr(hostPtr))
	if err != nil {
		klog.Errorf("%+v", err)
		return nil
	}
	return handlePointer(handle)
}

//export __tgt_rtl_data_submit
func __tgt_rtl_data_submit(deviceID C.int32_t, targetPtr, hostPtr unsafe.Pointer, size C.int64_t) C.int32_t {
	r, handle, err := runtimeHandle(deviceID, targetPtr)
	if err != nil {
		return status(err)
	}
	// Asynchronous devices snapshot the data before returning, so the host can reuse its buffer.
	var data []byte
	if size > 0 {
		data = unsafe.Slice((*byte)(hostPtr), int(size))
	}
	return status(r.DataSubmit(context.Background(), int32(deviceID), handle, data))
}

//export __tgt_rtl_data_retrieve
func __tgt_rtl_data_retrieve(deviceID C.int32_t, hostPtr, targetPtr unsafe.Pointer, size C.int64_t) C.int32_t {
	r, handle, err := runtimeHandle(deviceID, targetPtr)
	if err != nil {
		return status(err)
	}
	var dst []byte
	if size > 0 {
		dst = unsafe.Slice((*byte)(hostPtr), int(size))
	}
	return status(r.DataRetrieve(context.Background(), int32(deviceID), dst, handle))
}

//export __tgt_rtl_data_delete
func __tgt_rtl_data_delete(deviceID C.int32_t, targetPtr unsafe.Pointer) C.int32_t {
	r, handle, err := runtimeHandle(deviceID, targetPtr)
	if err != nil {
		return status(err)
	}
	return status(r.DataDelete(context.Background(), int32(deviceID), handle))
}

//export __tgt_rtl_run_target_team_region
func __tgt_rtl_run_target_team_region(deviceID C.int32_t, entryPtr unsafe.Pointer, args *unsafe.Pointer,
	offsets *C.ptrdiff_t, argNum, teamNum, threadLimit C.int32_t, tripCount C.uint64_t) C.int32_t {
	r, err := getRuntime()
	if err != nil {
		return offloadFail
	}
	kind, err := r.HandleKind(int32(deviceID))
	if err != nil {
		return status(err)
	}
	handles, displacements := launchArgs(kind, args, offsets, int(argNum))
	err = r.RunTargetTeamRegion(context.Background(), int32(deviceID), uintptr(entryPtr), handles, displacements,
		int32(teamNum), int32(threadLimit), uint64(tripCount))
	return status(err)
}

//export __tgt_rtl_run_target_region
func __tgt_rtl_run_target_region(deviceID C.int32_t, entryPtr unsafe.Pointer, args *unsafe.Pointer,
	offsets *C.ptrdiff_t, argNum C.int32_t) C.int32_t {
	return __tgt_rtl_run_target_team_region(deviceID, entryPtr, args, offsets, argNum, 1, 1, 0)
}
