package main

/*
#include <stdlib.h>
#include "tgt.h"
*/
import "C"
import (
	"flag"
	"os"
	"strconv"
	"sync"
	"unsafe"

	_ "github.com/gomlx/omptarget/backends"
	"github.com/gomlx/omptarget/config"
	"github.com/gomlx/omptarget/offload"
	"k8s.io/klog/v2"
)

// debugEnv sets the klog verbosity of the plugin.
const debugEnv = "LIBOMPTARGET_DEBUG"

var (
	runtimeOnce sync.Once
	rt          *offload.Runtime
	rtErr       error
)

func init() {
	klog.InitFlags(nil)
}

// getRuntime creates the runtime from the configuration on first use.
func getRuntime() (*offload.Runtime, error) {
	runtimeOnce.Do(func() {
		cfg, err := config.FromEnv()
		if err != nil {
			rtErr = err
			klog.Errorf("omptarget: invalid configuration: %+v", err)
			return
		}
		verbosity := cfg.Verbosity()
		if level, err := strconv.Atoi(os.Getenv(debugEnv)); err == nil {
			verbosity = max(verbosity, level)
		}
		_ = flag.Set("v", strconv.Itoa(verbosity))
		rt, rtErr = offload.NewRuntimeFromConfig(cfg)
		if rtErr != nil {
			klog.Errorf("omptarget: failed to create backend %q: %+v", cfg.Backend, rtErr)
		}
	})
	return rt, rtErr
}

// status converts err to the status returned to the host runtime, logging it.
func status(err error) C.int32_t {
	if err != nil {
		klog.Errorf("%+v", err)
		return C.int32_t(offloadFail)
	}
	return C.int32_t(offloadSuccess)
}

// runtimeHandle returns the runtime and rebuilds the handle the device of the slot gave as a pointer.
func runtimeHandle(deviceID C.int32_t, ptr unsafe.Pointer) (*offload.Runtime, offload.TargetHandle, error) {
	r, err := getRuntime()
	if err != nil {
		return nil, offload.TargetHandle{}, err
	}
	kind, err := r.HandleKind(int32(deviceID))
	if err != nil {
		return nil, offload.TargetHandle{}, err
	}
	return r, offload.TargetHandle{Kind: kind, Value: uint64(uintptr(ptr))}, nil
}

// handlePointer is the value given to the host runtime for a handle: the address itself for device
// addresses, the index or token otherwise.
func handlePointer(handle offload.TargetHandle) unsafe.Pointer {
	return unsafe.Pointer(handle.Uintptr())
}

// launchArgs converts the argument arrays of the host runtime.
func launchArgs(kind offload.HandleKind, args *unsafe.Pointer, offsets *C.ptrdiff_t, n int) ([]offload.TargetHandle, []int64) {
	if n <= 0 {
		return nil, nil
	}
	handles := make([]offload.TargetHandle, n)
	displacements := make([]int64, n)
	for ii, arg := range unsafe.Slice(args, n) {
		handles[ii] = offload.TargetHandle{Kind: kind, Value: uint64(uintptr(arg))}
	}
	if offsets != nil {
		for ii, offset := range unsafe.Slice(offsets, n) {
			displacements[ii] = int64(offset)
		}
	}
	return handles, displacements
}

// exportTable copies the table into C memory. It is owned by the plugin until the process exits, since
// the host runtime keeps pointers into it.
func exportTable(table *offload.OffloadTable) *C.tgt_target_table {
	n := table.Len()
	cTable := (*C.tgt_target_table)(C.calloc(1, C.size_t(unsafe.Sizeof(C.tgt_target_table{}))))
	cEntries := (*C.tgt_offload_entry)(C.calloc(C.size_t(max(n, 1)), C.size_t(unsafe.Sizeof(C.tgt_offload_entry{}))))
	entries := unsafe.Slice(cEntries, max(n, 1))
	for ii := range n {
		entry := table.Entry(ii)
		entries[ii].addr = unsafe.Pointer(entry.Address)
		entries[ii].name = C.CString(entry.Name)
		entries[ii].size = C.size_t(entry.Size)
		entries[ii].flags = C.int32_t(entry.Flags)
	}
	cTable.EntriesBegin = cEntries
	cTable.EntriesEnd = (*C.tgt_offload_entry)(unsafe.Add(unsafe.Pointer(cEntries), uintptr(n)*unsafe.Sizeof(C.tgt_offload_entry{})))
	return cTable
}
