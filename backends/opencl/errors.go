package opencl

import (
	"fmt"

	"github.com/gomlx/omptarget/offload"
)

// OpenCL status codes used by the backend, from CL/cl.h.
const (
	clSuccess                      = 0
	clDeviceNotFound               = -1
	clMemObjectAllocationFailure   = -4
	clOutOfResources               = -5
	clOutOfHostMemory              = -6
	clBuildProgramFailure          = -11
	clInvalidValue                 = -30
	clInvalidBinary                = -42
	clInvalidBuildOptions          = -43
	clInvalidProgramExecutable     = -45
	clInvalidKernelName            = -46
	clInvalidKernel                = -48
	clInvalidArgIndex              = -49
	clInvalidArgValue              = -50
	clInvalidArgSize               = -51
	clInvalidKernelArgs            = -52
	clInvalidWorkDimension         = -53
	clInvalidWorkGroupSize         = -54
	clInvalidWorkItemSize          = -55
	clInvalidGlobalOffset          = -56
	clInvalidBufferSize            = -61
	clInvalidGlobalWorkSize        = -63
	clMisalignedSubBufferOffset    = -13
	clExecStatusErrorForEventsInWL = -14
)

var codeNames = map[int]string{
	clSuccess:                      "CL_SUCCESS",
	clDeviceNotFound:               "CL_DEVICE_NOT_FOUND",
	-2:                             "CL_DEVICE_NOT_AVAILABLE",
	-3:                             "CL_COMPILER_NOT_AVAILABLE",
	clMemObjectAllocationFailure:   "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	clOutOfResources:               "CL_OUT_OF_RESOURCES",
	clOutOfHostMemory:              "CL_OUT_OF_HOST_MEMORY",
	-7:                             "CL_PROFILING_INFO_NOT_AVAILABLE",
	-8:                             "CL_MEM_COPY_OVERLAP",
	-9:                             "CL_IMAGE_FORMAT_MISMATCH",
	-10:                            "CL_IMAGE_FORMAT_NOT_SUPPORTED",
	clBuildProgramFailure:          "CL_BUILD_PROGRAM_FAILURE",
	-12:                            "CL_MAP_FAILURE",
	clMisalignedSubBufferOffset:    "CL_MISALIGNED_SUB_BUFFER_OFFSET",
	clExecStatusErrorForEventsInWL: "CL_EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST",
	clInvalidValue:                 "CL_INVALID_VALUE",
	-31:                            "CL_INVALID_DEVICE_TYPE",
	-32:                            "CL_INVALID_PLATFORM",
	-33:                            "CL_INVALID_DEVICE",
	-34:                            "CL_INVALID_CONTEXT",
	-35:                            "CL_INVALID_QUEUE_PROPERTIES",
	-36:                            "CL_INVALID_COMMAND_QUEUE",
	-37:                            "CL_INVALID_HOST_PTR",
	-38:                            "CL_INVALID_MEM_OBJECT",
	clInvalidBinary:                "CL_INVALID_BINARY",
	clInvalidBuildOptions:          "CL_INVALID_BUILD_OPTIONS",
	-44:                            "CL_INVALID_PROGRAM",
	clInvalidProgramExecutable:     "CL_INVALID_PROGRAM_EXECUTABLE",
	clInvalidKernelName:            "CL_INVALID_KERNEL_NAME",
	-47:                            "CL_INVALID_KERNEL_DEFINITION",
	clInvalidKernel:                "CL_INVALID_KERNEL",
	clInvalidArgIndex:              "CL_INVALID_ARG_INDEX",
	clInvalidArgValue:              "CL_INVALID_ARG_VALUE",
	clInvalidArgSize:               "CL_INVALID_ARG_SIZE",
	clInvalidKernelArgs:            "CL_INVALID_KERNEL_ARGS",
	clInvalidWorkDimension:         "CL_INVALID_WORK_DIMENSION",
	clInvalidWorkGroupSize:         "CL_INVALID_WORK_GROUP_SIZE",
	clInvalidWorkItemSize:          "CL_INVALID_WORK_ITEM_SIZE",
	clInvalidGlobalOffset:          "CL_INVALID_GLOBAL_OFFSET",
	-57:                            "CL_INVALID_EVENT_WAIT_LIST",
	-58:                            "CL_INVALID_EVENT",
	-59:                            "CL_INVALID_OPERATION",
	-60:                            "CL_INVALID_GL_OBJECT",
	clInvalidBufferSize:            "CL_INVALID_BUFFER_SIZE",
	-62:                            "CL_INVALID_MIP_LEVEL",
	clInvalidGlobalWorkSize:        "CL_INVALID_GLOBAL_WORK_SIZE",
}

// CodeText returns the name of an OpenCL status code.
func CodeText(code int) string {
	if name, found := codeNames[code]; found {
		return name
	}
	return fmt.Sprintf("CL_UNKNOWN_ERROR(%d)", code)
}

// launchFailureKind classifies the status of clEnqueueNDRangeKernel and clSetKernelArg.
func launchFailureKind(code int) offload.LaunchFailureKind {
	switch code {
	case clInvalidWorkDimension, clInvalidGlobalWorkSize, clInvalidGlobalOffset:
		return offload.BadDimensionality
	case clInvalidWorkGroupSize, clInvalidWorkItemSize:
		return offload.OversizedWorkGroup
	case clInvalidKernel, clInvalidArgIndex, clInvalidArgValue, clInvalidArgSize, clInvalidKernelArgs:
		return offload.InvalidArgument
	default:
		return offload.LaunchUnknown
	}
}

// clError converts a failed OpenCL call status into an *offload.Error of the given kind. Allocation
// failures are always OutOfDeviceMemory.
func clError(kind offload.ErrorKind, code int, call string, format string, args ...any) error {
	switch code {
	case clMemObjectAllocationFailure, clOutOfResources, clOutOfHostMemory, clInvalidBufferSize:
		if kind != offload.LaunchFailure {
			kind = offload.OutOfDeviceMemory
		}
	}
	detail := call + ": " + fmt.Sprintf(format, args...)
	if kind == offload.LaunchFailure {
		return offload.NewLaunchError(launchFailureKind(code), code, CodeText(code), "%s", detail)
	}
	return offload.NativeError(kind, code, CodeText(code), "%s", detail)
}
