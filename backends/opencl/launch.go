package opencl

import (
	"strings"

	"github.com/gomlx/omptarget/offload"
	"github.com/pkg/errors"
)

// Device types bits, from CL/cl.h.
const (
	deviceTypeDefault     uint64 = 1 << 0
	deviceTypeCPU         uint64 = 1 << 1
	deviceTypeGPU         uint64 = 1 << 2
	deviceTypeAccelerator uint64 = 1 << 3
	deviceTypeAll         uint64 = 0xFFFFFFFF
)

// parseDeviceType converts the configured device type to the cl_device_type bits.
func parseDeviceType(name string) (uint64, error) {
	switch strings.ToLower(name) {
	case "", "all":
		return deviceTypeAll, nil
	case "default":
		return deviceTypeDefault, nil
	case "cpu":
		return deviceTypeCPU, nil
	case "gpu":
		return deviceTypeGPU, nil
	case "accelerator":
		return deviceTypeAccelerator, nil
	default:
		return 0, errors.Errorf("invalid opencl.device_type %q, valid values are all, default, cpu, gpu or accelerator", name)
	}
}

// ndRange returns the global and local work sizes of a one-dimensional launch.
//
// Threads are the work-group size, by default the kernel's preferred work-group size multiple. Teams are
// the number of work-groups, by default 8 per compute unit per thread of the group.
func ndRange(shape offload.LaunchShape, preferredMultiple, computeUnits uint64) (global, local uint64) {
	local = uint64(shape.Threads)
	if local == 0 {
		local = max(preferredMultiple, 1)
	}
	groups := uint64(shape.Teams)
	if groups == 0 {
		groups = local * max(computeUnits, 1) * 8
	}
	return groups * local, local
}
