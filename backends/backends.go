// Package backends links all the backends into the binary. Backends that need cgo or build tags
// (host, opencl) only register themselves when built with them.
//
// To use it, import it with:
//
//	import _ "github.com/gomlx/omptarget/backends"
package backends

import (
	_ "github.com/gomlx/omptarget/backends/cloud"
	_ "github.com/gomlx/omptarget/backends/host"
	_ "github.com/gomlx/omptarget/backends/opencl"
	_ "github.com/gomlx/omptarget/backends/smartnic"
)
