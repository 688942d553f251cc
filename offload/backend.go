package offload

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/omptarget/config"
	"github.com/pkg/errors"
)

// Backend is a kind of device (host, cloud, smartnic, opencl, ...) and the number of them available.
type Backend interface {
	// Name of the backend, as used in the configuration.
	Name() string

	// NumDevices available. It is fixed once the backend is created.
	NumDevices() int

	// IsValidBinary returns whether the image can be loaded by this backend. It must have no side effects.
	IsValidBinary(image []byte) bool

	// InitDevice creates the device context and queue of the given slot.
	InitDevice(ctx context.Context, slot int32) (Device, error)

	// Close releases the resources shared by the devices, after they have all been closed.
	Close() error
}

// Device is the set of capabilities the Session requires from one device of a backend.
//
// Calls on the same device are made by the Session: transfers on distinct handles may run concurrently
// when Async returns true, otherwise at most one call is active at a time per handle.
type Device interface {
	// HandleKind returns the kind of handles created by Alloc.
	HandleKind() HandleKind

	// Async returns whether transfers should be run in the background (fire-and-collect).
	Async() bool

	// MaxTransferSize returns the largest size accepted in one transfer, 0 if unbounded.
	MaxTransferSize() int64

	// LoadBinary loads the image and returns its table with the entries resolved to the addresses the
	// host runtime will use to launch them.
	LoadBinary(ctx context.Context, image *DeviceImage) (*OffloadTable, error)

	// Alloc allocates size bytes, hostPtr is a hint of the host data it mirrors (may be 0).
	Alloc(ctx context.Context, size int64, hostPtr uintptr) (TargetHandle, error)

	// Write copies data to the start of the buffer.
	Write(ctx context.Context, handle TargetHandle, data []byte) error

	// Read copies len(dst) bytes from the start of the buffer.
	Read(ctx context.Context, handle TargetHandle, dst []byte) error

	// Free releases the buffer.
	Free(ctx context.Context, handle TargetHandle) error

	// Launch runs the entry with the given arguments and waits for its completion.
	Launch(ctx context.Context, entry OffloadEntry, args []KernelArg, shape LaunchShape) error

	// Close releases the device context and queue.
	Close() error
}

// BackendFactory creates a backend from the configuration.
type BackendFactory func(cfg *config.Config) (Backend, error)

var (
	// backendFactories registered with RegisterBackend. Protected by muBackends.
	backendFactories = make(map[string]BackendFactory)
	muBackends       sync.Mutex
)

// RegisterBackend makes a backend available to NewBackend. It is usually called in the backend package init,
// so a blank import (import _ ".../backends/cloud") is enough to include it.
func RegisterBackend(name string, factory BackendFactory) {
	muBackends.Lock()
	defer muBackends.Unlock()
	backendFactories[name] = factory
}

// AvailableBackends returns the sorted names of the registered backends.
func AvailableBackends() []string {
	muBackends.Lock()
	defer muBackends.Unlock()
	return slices.Sorted(maps.Keys(backendFactories))
}

// NewBackend creates the backend selected in cfg.
func NewBackend(cfg *config.Config) (Backend, error) {
	muBackends.Lock()
	factory, found := backendFactories[cfg.Backend]
	muBackends.Unlock()
	if !found {
		return nil, errors.Errorf("backend %q not available, registered backends: %q", cfg.Backend, AvailableBackends())
	}
	backend, err := factory(cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q", cfg.Backend)
	}
	return backend, nil
}
