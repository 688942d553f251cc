package offload

import (
	"context"

	"github.com/gomlx/omptarget/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Runtime holds the state of the plugin: the backend and one Session per device slot.
//
// Its methods mirror the plugin entry points called by the host runtime. It is safe for concurrent use,
// as long as each slot is initialized before being used.
type Runtime struct {
	backend  Backend
	sessions []*Session
}

// NewRuntime creates the runtime for the backend. The number of devices is fixed at this point.
// maxInflight bounds the background transfers per device, 0 for no limit.
func NewRuntime(backend Backend, maxInflight int) *Runtime {
	n := backend.NumDevices()
	r := &Runtime{backend: backend, sessions: make([]*Session, n)}
	for ii := range r.sessions {
		r.sessions[ii] = NewSession(backend, int32(ii), maxInflight)
	}
	klog.V(1).Infof("omptarget runtime with backend %q: %d devices", backend.Name(), n)
	return r
}

// NewRuntimeFromConfig creates the backend selected in the configuration and its runtime.
func NewRuntimeFromConfig(cfg *config.Config) (*Runtime, error) {
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	return NewRuntime(backend, cfg.MaxInflightTransfers), nil
}

// Backend returns the backend of the runtime.
func (r *Runtime) Backend() Backend {
	return r.backend
}

// Session returns the session of the slot.
func (r *Runtime) Session(slot int32) (*Session, error) {
	if slot < 0 || int(slot) >= len(r.sessions) {
		return nil, newError(PreconditionViolation, slot, "", "invalid device slot, %d devices available", len(r.sessions))
	}
	return r.sessions[slot], nil
}

// IsValidBinary returns whether the image can be loaded by the backend. It has no side effects.
func (r *Runtime) IsValidBinary(image []byte) bool {
	return r.backend.IsValidBinary(image)
}

// NumberOfDevices returns the number of device slots.
func (r *Runtime) NumberOfDevices() int32 {
	return int32(len(r.sessions))
}

// InitDevice initializes the device of the slot.
func (r *Runtime) InitDevice(ctx context.Context, slot int32) error {
	s, err := r.Session(slot)
	if err != nil {
		return err
	}
	return s.Init(ctx)
}

// LoadBinary loads the image on the device and returns its table.
func (r *Runtime) LoadBinary(ctx context.Context, slot int32, image *DeviceImage) (*OffloadTable, error) {
	s, err := r.Session(slot)
	if err != nil {
		return nil, err
	}
	return s.LoadBinary(ctx, image)
}

// HandleKind returns the kind of handles used by the device of the slot.
func (r *Runtime) HandleKind(slot int32) (HandleKind, error) {
	s, err := r.Session(slot)
	if err != nil {
		return 0, err
	}
	if err := s.checkInitialized("handle_kind"); err != nil {
		return 0, err
	}
	return s.Device().HandleKind(), nil
}

// DataAlloc allocates size bytes on the device.
func (r *Runtime) DataAlloc(ctx context.Context, slot int32, size int64, hostPtr uintptr) (TargetHandle, error) {
	s, err := r.Session(slot)
	if err != nil {
		return TargetHandle{}, err
	}
	return s.Alloc(ctx, size, hostPtr)
}

// DataSubmit copies data to the buffer. For asynchronous devices it returns once the transfer is scheduled,
// and its errors are reported by the next retrieve, delete, launch or Synchronize on the buffer.
func (r *Runtime) DataSubmit(ctx context.Context, slot int32, handle TargetHandle, data []byte) error {
	s, err := r.Session(slot)
	if err != nil {
		return err
	}
	t, err := s.Submit(ctx, handle, data)
	if err != nil {
		return err
	}
	if s.Device().Async() {
		return nil
	}
	return t.Await()
}

// DataRetrieve copies len(dst) bytes from the buffer into dst, after all previous transfers on the buffer.
// It always waits for the data to be in dst.
func (r *Runtime) DataRetrieve(ctx context.Context, slot int32, dst []byte, handle TargetHandle) error {
	s, err := r.Session(slot)
	if err != nil {
		return err
	}
	t, err := s.Retrieve(ctx, handle, dst)
	if err != nil {
		return err
	}
	return t.Await()
}

// DataDelete frees the buffer.
func (r *Runtime) DataDelete(ctx context.Context, slot int32, handle TargetHandle) error {
	s, err := r.Session(slot)
	if err != nil {
		return err
	}
	return s.Delete(ctx, handle)
}

// RunTargetRegion runs the entry with one team of one thread.
func (r *Runtime) RunTargetRegion(ctx context.Context, slot int32, entry uintptr, args []TargetHandle, offsets []int64) error {
	return r.RunTargetTeamRegion(ctx, slot, entry, args, offsets, 1, 1, 0)
}

// RunTargetTeamRegion runs the entry with the given number of teams and threads per team (0 for the backend default).
func (r *Runtime) RunTargetTeamRegion(ctx context.Context, slot int32, entry uintptr, args []TargetHandle, offsets []int64,
	teams, threads int32, tripCount uint64) error {
	s, err := r.Session(slot)
	if err != nil {
		return err
	}
	return s.Launch(entry).WithArgs(args, offsets).WithShape(teams, threads, tripCount).Done(ctx)
}

// Synchronize waits for the background transfers of the slot.
func (r *Runtime) Synchronize(slot int32) error {
	s, err := r.Session(slot)
	if err != nil {
		return err
	}
	return s.Synchronize()
}

// Close tears down all sessions, waiting for their outstanding work, and then the backend.
func (r *Runtime) Close(ctx context.Context) error {
	var firstErr error
	for _, s := range r.sessions {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.backend.Close(); err != nil && firstErr == nil {
		firstErr = errors.WithMessagef(err, "failed to close backend %q", r.backend.Name())
	}
	return firstErr
}
