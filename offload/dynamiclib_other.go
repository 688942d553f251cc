//go:build !(linux && cgo)

package offload

import "github.com/pkg/errors"

// DLOpener is only available in linux builds with cgo enabled.
type DLOpener struct{}

var _ ModuleOpener = DLOpener{}

// Open implements ModuleOpener. It always fails on this platform.
func (DLOpener) Open(path string) (Module, error) {
	return nil, errors.Errorf("can't open %q: loading images into the process requires linux and cgo", path)
}
