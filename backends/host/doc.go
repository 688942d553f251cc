// Package host implements the "host" backend: offload images are shared objects loaded into the
// current process with dlopen, device memory is host memory and entries are called directly.
//
// It requires linux and cgo, in other builds the package registers nothing.
//
// To use it, import it with:
//
//	import _ "github.com/gomlx/omptarget/backends/host"
package host

// BackendName is the name of the backend in the configuration.
const BackendName = "host"
