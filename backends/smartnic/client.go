package smartnic

import (
	"context"
	"debug/elf"
	"net"
	"strconv"
	"sync"

	"github.com/gomlx/omptarget/config"
	"github.com/gomlx/omptarget/offload"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	offload.RegisterBackend(BackendName, New)
}

// imageBaseStride separates the synthetic bases of the images loaded in the device.
const imageBaseStride = 1 << 28

// Backend of the smartnic device. There is one device, reached at the configured address.
type Backend struct {
	cfg config.SmartnicConfig
}

var _ offload.Backend = (*Backend)(nil)

// New creates the smartnic backend.
func New(cfg *config.Config) (offload.Backend, error) {
	return &Backend{cfg: cfg.Smartnic}, nil
}

// Name implements offload.Backend.
func (b *Backend) Name() string { return BackendName }

// NumDevices implements offload.Backend.
func (b *Backend) NumDevices() int { return 1 }

// Address returns the "host:port" address of the device.
func (b *Backend) Address() string {
	return net.JoinHostPort(b.cfg.Address, strconv.Itoa(b.cfg.Port))
}

// IsValidBinary implements offload.Backend: images are x86-64 shared objects marked with EnvID.
func (b *Backend) IsValidBinary(image []byte) bool {
	err := offload.CheckImage(image, offload.ImageRequirements{Machine: elf.EM_X86_64, EnvID: EnvID})
	if err != nil {
		klog.V(2).Infof("smartnic: image not valid: %v", err)
	}
	return err == nil
}

// InitDevice implements offload.Backend: it connects to the device.
func (b *Backend) InitDevice(ctx context.Context, slot int32) (offload.Device, error) {
	dialer := net.Dialer{Timeout: b.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", b.Address())
	if err != nil {
		return nil, offload.Wrapf(err, offload.TransferFailure, "failed to connect to smartnic device at %s", b.Address())
	}
	klog.V(1).Infof("smartnic device #%d: connected to %s", slot, b.Address())
	return NewDevice(slot, conn), nil
}

// Close implements offload.Backend.
func (b *Backend) Close() error { return nil }

// Device is the client side of the protocol. Requests are serialized on its only connection.
type Device struct {
	slot int32

	mu         sync.Mutex
	conn       net.Conn
	framer     framer
	broken     error
	numImages  int
	modules    map[uintptr]string // Entry address to the module of its image.
	programmed string
}

var _ offload.Device = (*Device)(nil)

// NewDevice creates a device that talks over conn, and takes ownership of it.
func NewDevice(slot int32, conn net.Conn) *Device {
	return &Device{
		slot:    slot,
		conn:    conn,
		framer:  framer{rw: conn},
		modules: make(map[uintptr]string),
	}
}

// HandleKind implements offload.Device.
func (d *Device) HandleKind() offload.HandleKind { return offload.ProtocolToken }

// Async implements offload.Device.
func (d *Device) Async() bool { return false }

// MaxTransferSize implements offload.Device.
func (d *Device) MaxTransferSize() int64 { return 0 }

// Programmed returns the last module programmed in the device.
func (d *Device) Programmed() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.programmed
}

// request runs fn holding the connection. Network errors break the connection for good.
func (d *Device) request(cmd byte, fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestLocked(cmd, fn)
}

func (d *Device) requestLocked(cmd byte, fn func() error) error {
	if d.broken != nil {
		return offload.Wrapf(d.broken, offload.TransferFailure, "smartnic device #%d connection is broken", d.slot)
	}
	err := d.framer.send([]byte{cmd})
	if err == nil {
		err = fn()
	}
	var statusErr *statusError
	if err != nil && !errors.As(err, &statusErr) {
		d.broken = err
		return offload.Wrapf(err, offload.TransferFailure, "smartnic device #%d request %q failed", d.slot, cmd)
	}
	return err
}

// statusError is a request rejected by the device, the connection is still usable.
type statusError struct {
	status  Status
	message string
	err     error
}

func (e *statusError) Error() string { return e.err.Error() }

// Unwrap returns the *offload.Error of the rejection.
func (e *statusError) Unwrap() error { return e.err }

// checkStatus receives a status frame and converts failures to errors of the given kind.
func (d *Device) checkStatus(kind offload.ErrorKind) error {
	status, message, err := d.framer.recvStatus()
	if err != nil {
		return err
	}
	if status == StatusOK {
		return nil
	}
	switch status {
	case StatusOutOfMemory:
		kind = offload.OutOfDeviceMemory
	case StatusSizeMismatch:
		kind = offload.SizeMismatch
	}
	return &statusError{
		status:  status,
		message: message,
		err:     offload.NativeError(kind, int(status), status.String(), "smartnic device #%d: %s", d.slot, message),
	}
}

// LoadBinary implements offload.Device: the image is not loaded in this process, its entries get synthetic
// addresses and are run by name. The module of the image is programmed in the device on its first launch.
func (d *Device) LoadBinary(_ context.Context, image *offload.DeviceImage) (*offload.OffloadTable, error) {
	parsed, err := offload.ParseImage(image.Image)
	if err != nil {
		return nil, err
	}
	var module string
	if parsed.Configuration != nil {
		module = parsed.Configuration.Module
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.numImages++
	table, err := offload.SideChannelTable(parsed, uintptr(uint64(d.numImages)*imageBaseStride))
	if err != nil {
		return nil, offload.Wrapf(err, offload.LoadFailure, "failed to create the table of image #%d", d.numImages)
	}
	for _, entry := range table.Entries() {
		d.modules[entry.Address] = module
	}
	klog.V(1).Infof("smartnic device #%d: image #%d with %d entries, module %q", d.slot, d.numImages, table.Len(), module)
	return table, nil
}

// Alloc implements offload.Device.
func (d *Device) Alloc(_ context.Context, size int64, _ uintptr) (offload.TargetHandle, error) {
	var token uint64
	err := d.request(cmdAlloc, func() error {
		if err := d.framer.sendValue(uint64(size)); err != nil {
			return err
		}
		if err := d.checkStatus(offload.OutOfDeviceMemory); err != nil {
			return err
		}
		return d.framer.recvValue(&token)
	})
	if err != nil {
		return offload.TargetHandle{}, err
	}
	return offload.TargetHandle{Kind: offload.ProtocolToken, Value: token}, nil
}

// Write implements offload.Device.
func (d *Device) Write(_ context.Context, handle offload.TargetHandle, data []byte) error {
	return d.request(cmdWrite, func() error {
		if err := d.framer.sendValue([2]uint64{handle.Value, uint64(len(data))}); err != nil {
			return err
		}
		if err := d.checkStatus(offload.TransferFailure); err != nil {
			return err
		}
		if len(data) > 0 {
			if err := d.framer.send(data); err != nil {
				return err
			}
		}
		return d.checkStatus(offload.TransferFailure)
	})
}

// Read implements offload.Device.
func (d *Device) Read(_ context.Context, handle offload.TargetHandle, dst []byte) error {
	return d.request(cmdRead, func() error {
		if err := d.framer.sendValue([2]uint64{handle.Value, uint64(len(dst))}); err != nil {
			return err
		}
		if err := d.checkStatus(offload.TransferFailure); err != nil {
			return err
		}
		if len(dst) == 0 {
			return nil
		}
		return d.framer.recv(dst)
	})
}

// Free implements offload.Device.
func (d *Device) Free(_ context.Context, handle offload.TargetHandle) error {
	return d.request(cmdFree, func() error {
		if err := d.framer.sendValue(handle.Value); err != nil {
			return err
		}
		return d.checkStatus(offload.TransferFailure)
	})
}

// program sends the module to the device, if it is not the last one programmed. It requires d.mu.
func (d *Device) program(module string) error {
	if module == "" || module == d.programmed {
		return nil
	}
	err := d.requestLocked(cmdProgram, func() error {
		frame := append([]byte(module), 0)
		if err := d.framer.sendValue(uint32(len(frame))); err != nil {
			return err
		}
		if err := d.framer.send(frame); err != nil {
			return err
		}
		return d.checkStatus(offload.LoadFailure)
	})
	if err != nil {
		return err
	}
	klog.V(1).Infof("smartnic device #%d: programmed module %q", d.slot, module)
	d.programmed = module
	return nil
}

// Launch implements offload.Device: the entry is run by name, after programming its module if needed.
func (d *Device) Launch(_ context.Context, entry offload.OffloadEntry, args []offload.KernelArg, shape offload.LaunchShape) error {
	wireArgs := make([]wireArg, len(args))
	for ii, arg := range args {
		switch {
		case arg.Literal:
			wireArgs[ii] = wireArg{Token: arg.Handle.Value, Offset: arg.Offset, Literal: 1}
		case arg.Handle.Kind == offload.ProtocolToken:
			wireArgs[ii] = wireArg{Token: arg.Handle.Value, Offset: arg.Offset}
		default:
			return offload.NewLaunchError(offload.InvalidArgument, 0, "", "argument #%d of %s has an invalid handle %s", ii, entry, arg.Handle)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	module, found := d.modules[entry.Address]
	if !found {
		return offload.NewLaunchError(offload.InvalidArgument, 0, "", "entry %s was not loaded in smartnic device #%d", entry, d.slot)
	}
	if err := d.program(module); err != nil {
		return err
	}
	err := d.requestLocked(cmdRun, func() error {
		header := runHeader{
			NameLength: uint32(len(entry.Name)),
			NumArgs:    uint32(len(args)),
			Teams:      shape.Teams,
			Threads:    shape.Threads,
			TripCount:  shape.TripCount,
		}
		if err := d.framer.sendValue(header); err != nil {
			return err
		}
		if err := d.framer.send([]byte(entry.Name)); err != nil {
			return err
		}
		if len(wireArgs) > 0 {
			if err := d.framer.sendValue(wireArgs); err != nil {
				return err
			}
		}
		return d.checkStatus(offload.LaunchFailure)
	})
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		launchKind := offload.LaunchUnknown
		if statusErr.status == StatusUnknownEntry || statusErr.status == StatusUnknownToken {
			launchKind = offload.InvalidArgument
		}
		return offload.NewLaunchError(launchKind, int(statusErr.status), statusErr.status.String(),
			"smartnic device #%d failed to run %s: %s", d.slot, entry, statusErr.message)
	}
	return err
}

// Close implements offload.Device: it says goodbye to the device and closes the connection.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	if d.broken == nil {
		if err := d.framer.send([]byte{cmdQuit}); err == nil {
			_ = d.framer.sendAck()
		} else {
			klog.Warningf("smartnic device #%d: failed to quit: %v", d.slot, err)
		}
	}
	err := d.conn.Close()
	d.conn = nil
	d.broken = errors.New("device closed")
	return errors.WithStack(err)
}
