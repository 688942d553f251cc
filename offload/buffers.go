package offload

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

// BufferStatus is the state of a device buffer.
type BufferStatus int

const (
	// Unbound buffers were allocated but never written.
	Unbound BufferStatus = iota
	Writing
	Reading
	Bound
)

func (s BufferStatus) String() string {
	switch s {
	case Unbound:
		return "Unbound"
	case Writing:
		return "Writing"
	case Reading:
		return "Reading"
	case Bound:
		return "Bound"
	default:
		return fmt.Sprintf("BufferStatus(%d)", int(s))
	}
}

// BufferRecord tracks one device buffer.
type BufferRecord struct {
	Handle  TargetHandle
	Size    int64
	HostPtr uintptr

	mu      sync.Mutex
	status  BufferStatus
	last    *Transfer // Last transfer scheduled on the buffer.
	deleted bool

	// writeErr is the error of the last write, reported by the reads that follow it.
	writeErr error
}

// Status returns the current status of the buffer.
func (r *BufferRecord) Status() BufferStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *BufferRecord) setStatus(status BufferStatus) (previous BufferStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous = r.status
	r.status = status
	return
}

// pending returns the last transfer scheduled, nil if none.
func (r *BufferRecord) pending() *Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of device buffers allocated and not yet deleted, across all devices.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

// BufferTracker correlates target handles with device buffers and the state of their transfers, for one device.
//
// Transfers on the same handle are executed in the order they were requested, each one starting after the
// previous one finished. Transfers on different handles may run concurrently, if the runner is asynchronous.
type BufferTracker struct {
	slot    int32
	backend string
	device  Device
	timings *Timings

	// run executes the work of one transfer, inline or in the background.
	run func(work func())

	mu      sync.Mutex
	records map[TargetHandle]*BufferRecord
	retired map[TargetHandle]bool
}

// newBufferTracker creates a tracker for device. If run is nil transfers are executed inline (synchronous regime).
func newBufferTracker(slot int32, backend string, device Device, timings *Timings, run func(work func())) *BufferTracker {
	if run == nil {
		run = func(work func()) { work() }
	}
	return &BufferTracker{
		slot:    slot,
		backend: backend,
		device:  device,
		timings: timings,
		run:     run,
		records: make(map[TargetHandle]*BufferRecord),
		retired: make(map[TargetHandle]bool),
	}
}

// Len returns the number of live buffers.
func (bt *BufferTracker) Len() int {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return len(bt.records)
}

// Alloc allocates a buffer of size bytes on the device. hostPtr is only a hint kept in the record.
func (bt *BufferTracker) Alloc(ctx context.Context, size int64, hostPtr uintptr) (TargetHandle, error) {
	const op = "data_alloc"
	if size < 0 {
		return TargetHandle{}, newError(PreconditionViolation, bt.slot, op, "negative size %d", size)
	}
	handle, err := bt.device.Alloc(ctx, size, hostPtr)
	if err != nil {
		return TargetHandle{}, wrapError(err, OutOfDeviceMemory, bt.slot, op, "failed to allocate %s", humanize.Bytes(uint64(size)))
	}
	if handle.IsNil() {
		return TargetHandle{}, newError(OutOfDeviceMemory, bt.slot, op, "device returned a nil handle for %s", humanize.Bytes(uint64(size)))
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()
	if _, found := bt.records[handle]; found {
		return TargetHandle{}, newError(PreconditionViolation, bt.slot, op, "device returned handle %s, which is still in use", handle)
	}
	if bt.retired[handle] {
		if handle.Kind != DeviceAddress {
			klog.Errorf("device #%d recycled the handle %s", bt.slot, handle)
		}
		delete(bt.retired, handle)
	}
	bt.records[handle] = &BufferRecord{Handle: handle, Size: size, HostPtr: hostPtr}
	buffersAlive.Add(1)
	LiveBuffers.WithLabelValues(bt.backend).Inc()
	klog.V(2).Infof("device #%d: allocated %s with %s", bt.slot, handle, humanize.Bytes(uint64(size)))
	return handle, nil
}

// Record returns the record of a live buffer.
func (bt *BufferTracker) Record(handle TargetHandle) (*BufferRecord, error) {
	return bt.lookup(handle, "lookup")
}

func (bt *BufferTracker) lookup(handle TargetHandle, op string) (*BufferRecord, error) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if rec, found := bt.records[handle]; found {
		return rec, nil
	}
	if bt.retired[handle] {
		return nil, newError(UnknownHandle, bt.slot, op, "handle %s was already deleted", handle)
	}
	return nil, newError(UnknownHandle, bt.slot, op, "handle %s was never allocated", handle)
}

func (bt *BufferTracker) checkSize(rec *BufferRecord, size int, op string) error {
	if int64(size) > rec.Size {
		return newError(SizeMismatch, bt.slot, op, "%d bytes requested for buffer %s of %d bytes", size, rec.Handle, rec.Size)
	}
	if maxSize := bt.device.MaxTransferSize(); maxSize > 0 && int64(size) > maxSize {
		return newError(OversizedTransfer, bt.slot, op, "%d bytes requested, the maximum transfer size is %d bytes", size, maxSize)
	}
	return nil
}

// schedule queues work after the last transfer on rec.
func (bt *BufferTracker) schedule(rec *BufferRecord, op string, work func() error) (*Transfer, error) {
	t := newTransfer()
	rec.mu.Lock()
	if rec.deleted {
		rec.mu.Unlock()
		return nil, newError(UnknownHandle, bt.slot, op, "handle %s was already deleted", rec.Handle)
	}
	prev := rec.last
	rec.last = t
	rec.mu.Unlock()

	bt.run(func() {
		if prev != nil {
			// Errors of the previous transfer are reported by its own future.
			_ = prev.Await()
		}
		t.complete(work())
	})
	return t, nil
}

// Submit copies data to the start of the buffer. In the asynchronous regime data is copied before returning,
// so the caller can reuse it immediately.
func (bt *BufferTracker) Submit(ctx context.Context, handle TargetHandle, data []byte) (*Transfer, error) {
	const op = "data_submit"
	rec, err := bt.lookup(handle, op)
	if err != nil {
		return nil, err
	}
	if err := bt.checkSize(rec, len(data), op); err != nil {
		return nil, err
	}
	if bt.device.Async() {
		data = bytes.Clone(data)
		ctx = context.WithoutCancel(ctx)
	}
	return bt.schedule(rec, op, func() error {
		previous := rec.setStatus(Writing)
		if len(data) > 0 {
			start := time.Now()
			if err := bt.device.Write(ctx, handle, data); err != nil {
				err = wrapError(err, TransferFailure, bt.slot, op, "failed to write %d bytes to %s", len(data), handle)
				rec.mu.Lock()
				rec.status = previous
				rec.writeErr = err
				rec.mu.Unlock()
				return err
			}
			bt.account(DirectionUpload, TimingUpload, start, len(data))
		}
		rec.mu.Lock()
		rec.status = Bound
		rec.writeErr = nil
		rec.mu.Unlock()
		klog.V(2).Infof("device #%d: wrote %s to %s", bt.slot, humanize.Bytes(uint64(len(data))), handle)
		return nil
	})
}

// Retrieve copies len(dst) bytes from the start of the buffer into dst. The caller must not touch dst until
// the returned transfer is finished.
func (bt *BufferTracker) Retrieve(ctx context.Context, handle TargetHandle, dst []byte) (*Transfer, error) {
	const op = "data_retrieve"
	rec, err := bt.lookup(handle, op)
	if err != nil {
		return nil, err
	}
	if err := bt.checkSize(rec, len(dst), op); err != nil {
		return nil, err
	}
	if bt.device.Async() {
		ctx = context.WithoutCancel(ctx)
	}
	return bt.schedule(rec, op, func() error {
		rec.mu.Lock()
		writeErr := rec.writeErr
		rec.mu.Unlock()
		if writeErr != nil {
			return newError(TransferFailure, bt.slot, op, "last write to %s failed: %v", handle, writeErr)
		}
		previous := rec.setStatus(Reading)
		defer rec.setStatus(previous)
		if previous == Unbound {
			klog.V(2).Infof("device #%d: reading %s, which was never written by the host", bt.slot, handle)
		}
		if len(dst) == 0 {
			return nil
		}
		start := time.Now()
		if err := bt.device.Read(ctx, handle, dst); err != nil {
			return wrapError(err, TransferFailure, bt.slot, op, "failed to read %d bytes from %s", len(dst), handle)
		}
		bt.account(DirectionDownload, TimingDownload, start, len(dst))
		klog.V(2).Infof("device #%d: read %s from %s", bt.slot, humanize.Bytes(uint64(len(dst))), handle)
		return nil
	})
}

func (bt *BufferTracker) account(direction, timing string, start time.Time, numBytes int) {
	elapsed := time.Since(start)
	TransferBytes.WithLabelValues(bt.backend, direction).Add(float64(numBytes))
	TransferSeconds.WithLabelValues(bt.backend, direction).Add(elapsed.Seconds())
	if bt.timings != nil {
		bt.timings.Add(timing, elapsed, int64(numBytes))
	}
}

// Await waits for all transfers scheduled so far on the buffer. It returns the error of the last one.
func (bt *BufferTracker) Await(handle TargetHandle) error {
	rec, err := bt.lookup(handle, "await")
	if err != nil {
		return err
	}
	if t := rec.pending(); t != nil {
		return t.Await()
	}
	return nil
}

// markBound is called after a kernel used the buffer: its contents are now defined by the device.
func (bt *BufferTracker) markBound(handle TargetHandle) {
	bt.mu.Lock()
	rec, found := bt.records[handle]
	bt.mu.Unlock()
	if found {
		rec.setStatus(Bound)
	}
}

// isTracked returns whether handle is a live buffer.
func (bt *BufferTracker) isTracked(handle TargetHandle) bool {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	_, found := bt.records[handle]
	return found
}

// Delete waits for the pending transfers of the buffer and frees it. The handle can no longer be used.
// Deleting a handle twice is a PreconditionViolation.
func (bt *BufferTracker) Delete(ctx context.Context, handle TargetHandle) error {
	const op = "data_delete"
	bt.mu.Lock()
	rec, found := bt.records[handle]
	if !found {
		retired := bt.retired[handle]
		bt.mu.Unlock()
		if retired {
			return newError(PreconditionViolation, bt.slot, op, "handle %s deleted twice", handle)
		}
		return newError(UnknownHandle, bt.slot, op, "handle %s was never allocated", handle)
	}
	delete(bt.records, handle)
	bt.retired[handle] = true
	bt.mu.Unlock()
	return bt.free(ctx, rec, op)
}

func (bt *BufferTracker) free(ctx context.Context, rec *BufferRecord, op string) error {
	rec.mu.Lock()
	rec.deleted = true
	last := rec.last
	rec.mu.Unlock()
	if last != nil {
		if err := last.Await(); err != nil {
			klog.Warningf("device #%d: deleting %s whose last transfer failed: %v", bt.slot, rec.Handle, err)
		}
	}
	buffersAlive.Add(-1)
	LiveBuffers.WithLabelValues(bt.backend).Dec()
	if err := bt.device.Free(ctx, rec.Handle); err != nil {
		return wrapError(err, TransferFailure, bt.slot, op, "failed to free %s", rec.Handle)
	}
	klog.V(2).Infof("device #%d: deleted %s", bt.slot, rec.Handle)
	return nil
}

// freeAll deletes all live buffers, used at teardown. It returns the first error.
func (bt *BufferTracker) freeAll(ctx context.Context) error {
	bt.mu.Lock()
	records := make([]*BufferRecord, 0, len(bt.records))
	for handle, rec := range bt.records {
		records = append(records, rec)
		bt.retired[handle] = true
	}
	clear(bt.records)
	bt.mu.Unlock()

	var firstErr error
	for _, rec := range records {
		if err := bt.free(ctx, rec, "teardown"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
