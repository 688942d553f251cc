package offload

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Session is the state of one device slot: the device (context and queue), the table of the loaded image,
// and the buffers.
//
// It is created uninitialized, Init must be called before anything else.
type Session struct {
	slot        int32
	backend     Backend
	maxInflight int

	// mu protects the fields below.
	mu          sync.RWMutex
	device      Device
	buffers     *BufferTracker
	table       *OffloadTable
	initialized bool
	closed      bool

	// transfers runs the background transfers of asynchronous devices.
	transfers errgroup.Group

	// launchMu makes sure there is only one kernel in flight.
	launchMu sync.Mutex

	timings *Timings
}

// NewSession creates the uninitialized session of the given slot. maxInflight bounds the number of concurrent
// background transfers, 0 for no limit.
func NewSession(backend Backend, slot int32, maxInflight int) *Session {
	return &Session{
		slot:        slot,
		backend:     backend,
		maxInflight: maxInflight,
		timings:     NewTimings(),
	}
}

// String implements fmt.Stringer.
func (s *Session) String() string {
	return fmt.Sprintf("%s device #%d", s.backend.Name(), s.slot)
}

// Slot returns the index of the device.
func (s *Session) Slot() int32 { return s.slot }

// Timings returns the accumulated timing counters of the device.
func (s *Session) Timings() *Timings { return s.timings }

// Init creates the device context and queue. Calling it twice is a PreconditionViolation.
func (s *Session) Init(ctx context.Context) error {
	const op = "init_device"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return newError(PreconditionViolation, s.slot, op, "device already initialized")
	}
	if s.closed {
		return newError(PreconditionViolation, s.slot, op, "device already closed")
	}
	device, err := s.backend.InitDevice(ctx, s.slot)
	if err != nil {
		return wrapError(err, LoadFailure, s.slot, op, "failed to initialize %s", s)
	}
	s.device = device
	var run func(work func())
	if device.Async() {
		if s.maxInflight > 0 {
			s.transfers.SetLimit(s.maxInflight)
		}
		run = func(work func()) {
			s.transfers.Go(func() error {
				work()
				return nil
			})
		}
	}
	s.buffers = newBufferTracker(s.slot, s.backend.Name(), device, s.timings, run)
	s.initialized = true
	klog.V(1).Infof("initialized %s (handles: %s, async: %v)", s, device.HandleKind(), device.Async())
	return nil
}

func (s *Session) checkInitialized(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return newError(PreconditionViolation, s.slot, op, "device already closed")
	}
	if !s.initialized {
		return newError(PreconditionViolation, s.slot, op, "device not initialized")
	}
	return nil
}

// Device returns the backend device, nil before Init.
func (s *Session) Device() Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device
}

// Buffers returns the buffer tracker, nil before Init.
func (s *Session) Buffers() *BufferTracker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffers
}

// LoadBinary loads the image on the device and registers its table, replacing any previous one.
func (s *Session) LoadBinary(ctx context.Context, image *DeviceImage) (*OffloadTable, error) {
	const op = "load_binary"
	if err := s.checkInitialized(op); err != nil {
		return nil, err
	}
	if image == nil {
		return nil, newError(PreconditionViolation, s.slot, op, "nil image")
	}
	table, err := s.device.LoadBinary(ctx, image)
	if err != nil {
		return nil, wrapError(err, LoadFailure, s.slot, op, "failed to load image of %d bytes", len(image.Image))
	}
	s.createOffloadTable(table)
	klog.V(1).Infof("%s: loaded %s", s, table)
	return table, nil
}

// createOffloadTable registers the table of the slot. Loading again overwrites it.
func (s *Session) createOffloadTable(table *OffloadTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table != nil {
		klog.V(1).Infof("%s: replacing table with %d entries", s, s.table.Len())
	}
	s.table = table
}

// Table returns the table of the loaded image, nil if none was loaded.
func (s *Session) Table() *OffloadTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table
}

// ContainsEntry returns whether address is the resolved address of an entry of the loaded image.
func (s *Session) ContainsEntry(address uintptr) bool {
	return s.Table().Contains(address)
}

// Alloc allocates a buffer, see BufferTracker.Alloc.
func (s *Session) Alloc(ctx context.Context, size int64, hostPtr uintptr) (TargetHandle, error) {
	if err := s.checkInitialized("data_alloc"); err != nil {
		return TargetHandle{}, err
	}
	return s.buffers.Alloc(ctx, size, hostPtr)
}

// Submit schedules the copy of data to the buffer, see BufferTracker.Submit.
func (s *Session) Submit(ctx context.Context, handle TargetHandle, data []byte) (*Transfer, error) {
	if err := s.checkInitialized("data_submit"); err != nil {
		return nil, err
	}
	return s.buffers.Submit(ctx, handle, data)
}

// Retrieve schedules the copy of the buffer to dst, see BufferTracker.Retrieve.
func (s *Session) Retrieve(ctx context.Context, handle TargetHandle, dst []byte) (*Transfer, error) {
	if err := s.checkInitialized("data_retrieve"); err != nil {
		return nil, err
	}
	return s.buffers.Retrieve(ctx, handle, dst)
}

// Delete frees the buffer, see BufferTracker.Delete.
func (s *Session) Delete(ctx context.Context, handle TargetHandle) error {
	if err := s.checkInitialized("data_delete"); err != nil {
		return err
	}
	return s.buffers.Delete(ctx, handle)
}

// Synchronize waits for all the background transfers started so far.
func (s *Session) Synchronize() error {
	return s.transfers.Wait()
}

// Close waits for the outstanding transfers, frees the live buffers and closes the device.
// It is idempotent, and a no-op for a session never initialized.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || !s.initialized {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	firstErr := s.Synchronize()
	s.launchMu.Lock()
	defer s.launchMu.Unlock()
	if err := s.buffers.freeAll(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.device.Close(); err != nil {
		klog.Errorf("failed to close %s: %+v", s, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	s.timings.Log(fmt.Sprintf("%s: ", s))
	klog.V(1).Infof("closed %s", s)
	return firstErr
}
