package cloud

import (
	"context"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/omptarget/config"
	"github.com/gomlx/omptarget/offload"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	offload.RegisterBackend(BackendName, New)
}

// addressTableName is the name of the address table in the provider storage.
const addressTableName = "addresstable"

// imageBaseStride separates the synthetic bases of the images loaded in one device.
const imageBaseStride = 1 << 28

// Backend of cloud devices. There is one device, served by the configured provider.
type Backend struct {
	cfg config.CloudConfig
}

var _ offload.Backend = (*Backend)(nil)

// New creates the cloud backend.
func New(cfg *config.Config) (offload.Backend, error) {
	if !slices.Contains(AvailableProviders(), cfg.Cloud.Provider) {
		return nil, errors.Errorf("cloud provider %q not available, registered providers: %q", cfg.Cloud.Provider, AvailableProviders())
	}
	return &Backend{cfg: cfg.Cloud}, nil
}

// Name implements offload.Backend.
func (b *Backend) Name() string { return BackendName }

// NumDevices implements offload.Backend.
func (b *Backend) NumDevices() int { return 1 }

// IsValidBinary implements offload.Backend: images are x86-64 shared objects marked with EnvID.
func (b *Backend) IsValidBinary(image []byte) bool {
	err := offload.CheckImage(image, offload.ImageRequirements{Machine: elf.EM_X86_64, EnvID: EnvID})
	if err != nil {
		klog.V(2).Infof("cloud: image not valid: %v", err)
	}
	return err == nil
}

// InitDevice implements offload.Backend: it creates the local working directory, the address table and
// initializes the provider.
func (b *Backend) InitDevice(ctx context.Context, slot int32) (offload.Device, error) {
	workingDir := b.cfg.WorkingDir
	if workingDir == "" {
		workingDir = "ompcloud.workingdir." + uuid.NewString()[:8]
	}
	provider, err := newProvider(b.cfg.Provider, b.cfg.Spark, workingDir)
	if err != nil {
		return nil, err
	}
	node := b.cfg.Providers[b.cfg.Provider]
	if err = provider.ParseConfig(&node); err != nil {
		return nil, err
	}
	if err = provider.InitDevice(ctx); err != nil {
		return nil, errors.WithMessagef(err, "failed to initialize provider %q", provider.Name())
	}

	staging, err := offload.NewStagingArea(b.cfg.TmpDir)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	staging.KeepFiles = b.cfg.KeepTmpFiles
	table, err := NewAddressTable(filepath.Join(staging.Dir(), addressTableName))
	if err != nil {
		_ = provider.Close()
		_ = staging.Close()
		return nil, err
	}

	d := &Device{
		slot:       slot,
		cfg:        b.cfg,
		provider:   provider,
		staging:    staging,
		addresses:  table,
		timings:    offload.NewTimings(),
		jobName:    filepath.Base(os.Args[0]),
		workingDir: workingDir,
		images:     make(map[uintptr]string),
	}
	if b.cfg.Compression {
		d.compression = b.cfg.CompressionFormat
	}
	klog.V(1).Infof("cloud device #%d: provider %q, working directory %q, spark master %s:%d (%s mode)",
		slot, provider.Name(), workingDir, b.cfg.Spark.HostName, b.cfg.Spark.Port, b.cfg.Spark.Mode)
	return d, nil
}

// Close implements offload.Backend.
func (b *Backend) Close() error { return nil }

// Device is the cloud device: buffers are files in the provider storage.
type Device struct {
	slot        int32
	cfg         config.CloudConfig
	provider    Provider
	staging     *offload.StagingArea
	addresses   *AddressTable
	timings     *offload.Timings
	compression string
	jobName     string
	workingDir  string

	mu         sync.Mutex
	numImages  int
	images     map[uintptr]string // Entry address to the name of the image holding it.
	imageNames []string
}

var _ offload.Device = (*Device)(nil)

// Provider used by the device.
func (d *Device) Provider() Provider { return d.provider }

// AddressTable of the device.
func (d *Device) AddressTable() *AddressTable { return d.addresses }

// Timings returns the compression, decompression and execution timings of the device.
func (d *Device) Timings() *offload.Timings { return d.timings }

// HandleKind implements offload.Device.
func (d *Device) HandleKind() offload.HandleKind { return offload.TableIndex }

// Async implements offload.Device: transfers run in the background if use_threads is set.
func (d *Device) Async() bool { return d.cfg.UseThreads }

// MaxTransferSize implements offload.Device.
func (d *Device) MaxTransferSize() int64 { return MaxTransferSize }

// LoadBinary implements offload.Device: the image is sent to the provider storage, and its entries are
// given synthetic addresses, since it is never loaded in this process.
func (d *Device) LoadBinary(ctx context.Context, image *offload.DeviceImage) (*offload.OffloadTable, error) {
	parsed, err := offload.ParseImage(image.Image)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.numImages++
	n := d.numImages
	d.mu.Unlock()

	base := uintptr(uint64(n) * imageBaseStride)
	table, err := offload.SideChannelTable(parsed, base)
	if err != nil {
		return nil, offload.Wrapf(err, offload.LoadFailure, "failed to create the table of image #%d", n)
	}

	name := fmt.Sprintf("image_%d.so", n)
	path, err := d.staging.Stage(image.Image, ".so")
	if err != nil {
		return nil, offload.Wrapf(err, offload.LoadFailure, "failed to stage image #%d", n)
	}
	defer d.staging.Release(path)
	if err = d.provider.SendFile(ctx, path, name); err != nil {
		return nil, offload.Wrapf(err, offload.LoadFailure, "failed to send image to %s", d.provider.CloudPath(name))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, entry := range table.Entries() {
		d.images[entry.Address] = name
	}
	d.imageNames = append(d.imageNames, name)
	klog.V(1).Infof("cloud device #%d: image %s with %d entries sent to %s", d.slot, name, table.Len(), d.provider.CloudPath(name))
	return table, nil
}

// Alloc implements offload.Device: a new id is appended to the address table.
func (d *Device) Alloc(_ context.Context, size int64, _ uintptr) (offload.TargetHandle, error) {
	id, err := d.addresses.Add(size)
	if err != nil {
		return offload.TargetHandle{}, offload.Wrapf(err, offload.OutOfDeviceMemory, "failed to register buffer of %s", humanize.Bytes(uint64(size)))
	}
	klog.V(2).Infof("cloud device #%d: adding %d of size %d to the address table", d.slot, id, size)
	return offload.TargetHandle{Kind: offload.TableIndex, Value: id}, nil
}

func (d *Device) checkHandle(handle offload.TargetHandle, n int) (string, error) {
	size, found := d.addresses.Size(handle.Value)
	if handle.Kind != offload.TableIndex || !found {
		return "", errors.Errorf("cloud device #%d has no buffer %s", d.slot, handle)
	}
	if int64(n) > size {
		return "", errors.Errorf("cloud buffer %s has %d bytes, %d requested", handle, size, n)
	}
	return fmt.Sprintf("%d", handle.Value), nil
}

// localPath returns a unique local file for a transfer of the named buffer.
func (d *Device) localPath(name string) string {
	return filepath.Join(d.staging.Dir(), name+"."+uuid.NewString()[:8])
}

func (d *Device) removeLocal(path string) {
	if d.cfg.KeepTmpFiles {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		klog.Warningf("cloud: failed to remove %q: %v", path, err)
	}
}

// Write implements offload.Device: data is written (compressed if large enough) to a local file, and the
// file sent to the provider.
func (d *Device) Write(ctx context.Context, handle offload.TargetHandle, data []byte) error {
	name, err := d.checkHandle(handle, len(data))
	if err != nil {
		return err
	}
	path := d.localPath(name)
	defer d.removeLocal(path)

	stored := StoredData{Length: int64(len(data))}
	sendingSize := int64(len(data))
	if needsCompression(d.compression, len(data)) {
		stored.Format = d.compression
		start := time.Now()
		sendingSize, err = compressToFile(path, data, d.compression)
		if err != nil {
			return err
		}
		d.timings.Since(offload.TimingCompression, start, int64(len(data)))
		klog.V(2).Infof("cloud device #%d: compressed %s to %s with %s in %s", d.slot,
			humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(sendingSize)), d.compression, time.Since(start))
	} else if err = os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write temporary file %q", path)
	}
	if err = d.provider.SendFile(ctx, path, name); err != nil {
		return err
	}
	d.addresses.SetStored(handle.Value, stored)
	return nil
}

// Read implements offload.Device: dst can be shorter than the stored contents. Whether the file is
// compressed comes from the last Write of the buffer or, if a job may have rewritten it since, from the
// file header.
func (d *Device) Read(ctx context.Context, handle offload.TargetHandle, dst []byte) error {
	name, err := d.checkHandle(handle, len(dst))
	if err != nil {
		return err
	}
	path := d.localPath(name)
	defer d.removeLocal(path)
	if err = d.provider.GetFile(ctx, path, name); err != nil {
		return err
	}
	stored, found := d.addresses.Stored(handle.Value)
	if found {
		if int64(len(dst)) > stored.Length {
			return errors.Errorf("cloud buffer %s holds %d bytes written, %d requested", handle, stored.Length, len(dst))
		}
	} else if stored.Format, err = detectFormat(path); err != nil {
		return err
	}
	if stored.Format == "" {
		return readFile(path, dst)
	}
	start := time.Now()
	if err = decompressFile(path, dst, stored.Format); err != nil {
		return err
	}
	d.timings.Since(offload.TimingDecompression, start, int64(len(dst)))
	return nil
}

// Free implements offload.Device: the file is removed from the provider storage. The id is not reused.
func (d *Device) Free(ctx context.Context, handle offload.TargetHandle) error {
	if !d.addresses.Remove(handle.Value) {
		return errors.Errorf("cloud device #%d has no buffer %s", d.slot, handle)
	}
	return d.provider.DeleteFile(ctx, fmt.Sprintf("%d", handle.Value))
}

// Launch implements offload.Device: the address table is sent to the provider, and a job running the entry
// is submitted and waited for.
func (d *Device) Launch(ctx context.Context, entry offload.OffloadEntry, args []offload.KernelArg, shape offload.LaunchShape) error {
	d.mu.Lock()
	image, found := d.images[entry.Address]
	d.mu.Unlock()
	if !found {
		return offload.NewLaunchError(offload.InvalidArgument, 0, "", "entry %s was not loaded in cloud device #%d", entry, d.slot)
	}
	job := &Job{
		Name:              d.jobName,
		Entry:             entry.Name,
		Image:             image,
		AddressTable:      addressTableName,
		Shape:             shape,
		CompressionFormat: d.compression,
	}
	for ii, arg := range args {
		switch {
		case arg.Literal || arg.Handle.Kind == offload.DeviceAddress:
			job.Args = append(job.Args, JobArg{ID: uint64(int64(arg.Handle.Value) + arg.Offset), Literal: true})
		case arg.Handle.Kind == offload.TableIndex:
			if _, found := d.addresses.Size(arg.Handle.Value); !found {
				return offload.NewLaunchError(offload.InvalidArgument, 0, "", "argument #%d of %s is not a buffer: %s", ii, entry, arg.Handle)
			}
			job.Args = append(job.Args, JobArg{ID: arg.Handle.Value, Offset: arg.Offset})
		default:
			return offload.NewLaunchError(offload.InvalidArgument, 0, "", "argument #%d of %s has an invalid handle %s", ii, entry, arg.Handle)
		}
	}
	if err := d.provider.SendFile(ctx, d.addresses.Path(), addressTableName); err != nil {
		return offload.Wrapf(err, offload.TransferFailure, "failed to send the address table")
	}
	start := time.Now()
	err := d.provider.SubmitJob(ctx, job)
	d.timings.Since(offload.TimingExecution, start, 0)
	for _, arg := range job.Args {
		if !arg.Literal {
			// The job may have rewritten the buffer.
			d.addresses.ForgetStored(arg.ID)
		}
	}
	if err != nil {
		return offload.NewLaunchError(offload.LaunchUnknown, 0, "", "job %q of %s failed: %v", job.Name, entry, err)
	}
	klog.V(1).Infof("cloud device #%d: job %s with %d arguments completed in %s", d.slot, entry, len(args), time.Since(start))
	return nil
}

// Close implements offload.Device: the images are removed from the storage, the provider closed and the
// local files removed (unless keep_tmp_files is set).
func (d *Device) Close() error {
	d.timings.Log(fmt.Sprintf("cloud device #%d: ", d.slot))
	ctx := context.Background()
	var firstErr error
	d.mu.Lock()
	names := append(d.imageNames, addressTableName)
	d.imageNames = nil
	d.mu.Unlock()
	if !d.cfg.KeepTmpFiles {
		for _, name := range names {
			if err := d.provider.DeleteFile(ctx, name); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := d.provider.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.staging.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
