//go:build linux && cgo

/*
 *	Copyright 2024 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package offload

// This file implements the process loader for linux, on top of dlopen.
//
// Modified version of https://github.com/coreos/pkg/blob/main/dlopen/dlopen.go, licenced with Apache 2.0 license
// https://github.com/coreos/pkg/blob/main/LICENSE

// #cgo LDFLAGS: -ldl
/*
#define _GNU_SOURCE
#include <stdlib.h>
#include <stdint.h>
#include <string.h>
#include <dlfcn.h>
#include <link.h>

// load_bias returns in bias the difference between the runtime and the link-time addresses of the module.
static int load_bias(void *handle, uintptr_t *bias) {
	struct link_map *lm = NULL;
	if (dlinfo(handle, RTLD_DI_LINKMAP, &lm) != 0 || lm == NULL) {
		return -1;
	}
	*bias = (uintptr_t)lm->l_addr;
	return 0;
}

static void read_memory(void *dst, uintptr_t src, size_t n) {
	memcpy(dst, (const void *)src, n);
}
*/
import "C"
import (
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DLOpener opens images with dlopen(RTLD_LAZY|RTLD_LOCAL).
type DLOpener struct{}

var (
	_ ModuleOpener = DLOpener{}
	_ MappedModule = (*dlModule)(nil)
)

// dlMu serializes the dlopen/dlsym calls with their dlerror, which is not guaranteed to be per-thread.
var dlMu sync.Mutex

func dlError() string {
	return C.GoString(C.dlerror())
}

// Open implements ModuleOpener.
func (DLOpener) Open(path string) (Module, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "failed to stat image %q", path)
	}
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	dlMu.Lock()
	defer dlMu.Unlock()
	_ = dlError()
	handle := C.dlopen(cPath, C.RTLD_LAZY|C.RTLD_LOCAL)
	if handle == nil {
		err := errors.Errorf("failed to dlopen(%q): %s", path, dlError())
		klog.Warningf("%v", err)
		return nil, err
	}
	var bias C.uintptr_t
	if C.load_bias(handle, &bias) != 0 {
		err := errors.Errorf("failed to read the link map of %q: %s", path, dlError())
		C.dlclose(handle)
		return nil, err
	}
	klog.V(2).Infof("dlopen(%q): load bias 0x%x", path, uintptr(bias))
	return &dlModule{handle: handle, path: path, bias: uintptr(bias)}, nil
}

// dlModule is a module opened with dlopen.
type dlModule struct {
	handle unsafe.Pointer
	path   string
	bias   uintptr
}

// Path implements Module.
func (m *dlModule) Path() string { return m.path }

// Resolve implements Module: the link map holds the load bias, so the image link base is already accounted for.
func (m *dlModule) Resolve(linkAddress uint64) (uintptr, error) {
	if m.handle == nil {
		return 0, errors.Errorf("module %q already closed", m.path)
	}
	return m.bias + uintptr(linkAddress), nil
}

// Lookup implements Module.
func (m *dlModule) Lookup(symbol string) (uintptr, error) {
	if m.handle == nil {
		return 0, errors.Errorf("module %q already closed", m.path)
	}
	cSymbol := C.CString(symbol)
	defer C.free(unsafe.Pointer(cSymbol))

	dlMu.Lock()
	defer dlMu.Unlock()
	_ = dlError()
	ptr := C.dlsym(m.handle, cSymbol)
	if msg := dlError(); msg != "" {
		return 0, errors.Errorf("failed dlsym(%q) in %q: %s", symbol, m.path, msg)
	}
	return uintptr(ptr), nil
}

// ReadMemory implements MappedModule. The range must be part of the loaded image.
func (m *dlModule) ReadMemory(linkAddress uint64, n int) ([]byte, error) {
	if m.handle == nil {
		return nil, errors.Errorf("module %q already closed", m.path)
	}
	if n < 0 {
		return nil, errors.Errorf("invalid read of %d bytes from module %q", n, m.path)
	}
	data := make([]byte, n)
	if n > 0 {
		C.read_memory(unsafe.Pointer(&data[0]), C.uintptr_t(m.bias+uintptr(linkAddress)), C.size_t(n))
	}
	return data, nil
}

// Close implements Module. It is idempotent.
func (m *dlModule) Close() error {
	if m.handle == nil {
		return nil
	}
	dlMu.Lock()
	defer dlMu.Unlock()
	if C.dlclose(m.handle) != 0 {
		return errors.Errorf("failed to dlclose(%q): %s", m.path, dlError())
	}
	m.handle = nil
	return nil
}
