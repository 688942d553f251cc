// Package opencl implements the "opencl" backend: images are OpenCL program binaries (e.g. SPIR), with
// one kernel per host entry, and buffers are cl_mem objects.
//
// The OpenCL implementation requires the "opencl" build tag and cgo (linking with -lOpenCL). Without it
// only the helpers shared by the implementation are compiled, and the backend is not registered.
//
// To use it, build with -tags opencl and import it with:
//
//	import _ "github.com/gomlx/omptarget/backends/opencl"
package opencl

// BackendName is the name of the backend in the configuration.
const BackendName = "opencl"
