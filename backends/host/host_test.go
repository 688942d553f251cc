//go:build linux && cgo

package host

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/omptarget/config"
	"github.com/gomlx/omptarget/internal/elftest"
	"github.com/gomlx/omptarget/offload"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func newRuntime(t *testing.T) *offload.Runtime {
	cfg := config.Default()
	cfg.Host.TmpDir = t.TempDir()
	r, err := offload.NewRuntimeFromConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Close(context.Background()))
	})
	return r
}

func TestRegistered(t *testing.T) {
	require.Contains(t, offload.AvailableBackends(), BackendName)
}

func TestIsValidBinary(t *testing.T) {
	r := newRuntime(t)
	require.Equal(t, int32(1), r.NumberOfDevices())
	image := elftest.Image{Machine: NativeMachine(), Entries: []elftest.Entry{{Name: "foo", Addr: 0x10}}}.Bytes()
	require.True(t, r.IsValidBinary(image))
	require.True(t, r.IsValidBinary(image))

	other := NativeMachine() + 1
	image = elftest.Image{Machine: other, Entries: []elftest.Entry{{Name: "foo", Addr: 0x10}}}.Bytes()
	require.False(t, r.IsValidBinary(image))
	require.False(t, r.IsValidBinary([]byte("#!/bin/sh")))
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	r := newRuntime(t)
	require.NoError(t, r.InitDevice(ctx, 0))
	require.Equal(t, offload.DeviceAddress, must.M1(r.HandleKind(0)))

	for _, size := range []int{0, 1, 7, 4096, 1 << 20} {
		data := make([]byte, size)
		for ii := range data {
			data[ii] = byte(ii % 251)
		}
		h, err := r.DataAlloc(ctx, 0, int64(size), 0)
		require.NoError(t, err)
		require.NotZero(t, h.Value)
		require.NoError(t, r.DataSubmit(ctx, 0, h, data))
		got := make([]byte, size)
		require.NoError(t, r.DataRetrieve(ctx, 0, got, h))
		require.Equal(t, data, got)
		require.NoError(t, r.DataDelete(ctx, 0, h))
		require.ErrorIs(t, r.DataRetrieve(ctx, 0, got, h), offload.ErrUnknownHandle)
	}
}

func TestLoadFailure(t *testing.T) {
	ctx := context.Background()
	r := newRuntime(t)
	require.NoError(t, r.InitDevice(ctx, 0))

	// A valid offload image, but not a shared object dlopen can load.
	image := elftest.Image{Machine: NativeMachine(), Entries: []elftest.Entry{{Name: "foo", Addr: 0x10}}}.Bytes()
	_, err := r.LoadBinary(ctx, 0, &offload.DeviceImage{Image: image})
	require.ErrorIs(t, err, offload.ErrLoadFailure)
	require.ErrorContains(t, err, "dlopen")

	_, err = r.LoadBinary(ctx, 0, &offload.DeviceImage{Image: []byte("garbage")})
	require.ErrorIs(t, err, offload.ErrInvalidFormat)
}

func TestLaunchTooManyArgs(t *testing.T) {
	dev := &Device{allocs: make(map[uintptr]int64)}
	args := make([]offload.KernelArg, MaxEntryArgs+1)
	err := dev.Launch(context.Background(), offload.OffloadEntry{Name: "foo", Address: 0x1234}, args, offload.LaunchShape{})
	require.ErrorIs(t, err, &offload.Error{Kind: offload.LaunchFailure, Launch: offload.InvalidArgument})

	args = []offload.KernelArg{{Handle: offload.TargetHandle{Kind: offload.TableIndex, Value: 1}}}
	err = dev.Launch(context.Background(), offload.OffloadEntry{Name: "foo", Address: 0x1234}, args, offload.LaunchShape{})
	require.ErrorIs(t, err, offload.ErrLaunchFailure)
}

// kernelsSource exports two kernels and a global, with pointers to global symbols in the entries table,
// which the linker leaves as 0 in the file, to be filled in by the dynamic loader.
const kernelsSource = `
void fill(int32_t *buf) { for (int i = 0; i < 16; i++) buf[i] = 7 * i; }
void add(int32_t *a, int32_t *b) { for (int i = 0; i < 16; i++) a[i] += b[i]; }
int32_t counter = 3;

OFFLOAD_ENTRIES struct offload_entry entries[] = {
	{(void *)fill, "fill", 0, 0, 0},
	{(void *)add, "add", 0, 0, 0},
	{(void *)&counter, "counter", sizeof(counter), 0, 0},
};
`

func TestCompiledImageAddresses(t *testing.T) {
	image := elftest.CompileSharedObject(t, kernelsSource)
	parsed := must.M1(offload.ParseImage(image))
	require.True(t, parsed.EntriesMapped)
	require.Len(t, parsed.Entries, 3)
	seen := make(map[uintptr]string)
	for _, e := range parsed.Entries {
		require.NotZero(t, e.Address, "entry %q", e.Name)
		require.NotContains(t, seen, e.Address, "entry %q shares its address with %q", e.Name, seen[e.Address])
		seen[e.Address] = e.Name
	}
	require.Equal(t, uint64(4), parsed.Entries[2].Size)

	path := filepath.Join(t.TempDir(), "kernels.so")
	require.NoError(t, os.WriteFile(path, image, 0o755))
	module := must.M1(offload.DLOpener{}.Open(path))
	defer func() { require.NoError(t, module.Close()) }()
	mapped, ok := module.(offload.MappedModule)
	require.True(t, ok)

	// The relocated table in memory, the image addresses rebased, and the symbols must all agree.
	entries := must.M1(offload.MappedEntries(mapped, parsed))
	resolved := must.M1(offload.ResolveEntries(module, parsed.Entries))
	for ii, e := range entries {
		symAddr := must.M1(module.Lookup(e.Name))
		require.Equal(t, symAddr, e.Address, "entry %q", e.Name)
		require.Equal(t, symAddr, resolved[ii].Address, "entry %q", e.Name)
	}
	counter := must.M1(mapped.ReadMemory(uint64(parsed.Entries[2].Address), 4))
	require.Equal(t, uint32(3), binary.LittleEndian.Uint32(counter))
}

func TestCompiledImageLaunch(t *testing.T) {
	image := elftest.CompileSharedObject(t, kernelsSource)
	ctx := context.Background()
	r := newRuntime(t)
	require.NoError(t, r.InitDevice(ctx, 0))
	require.True(t, r.IsValidBinary(image))
	table := must.M1(r.LoadBinary(ctx, 0, &offload.DeviceImage{Image: image}))
	require.Equal(t, 3, table.Len())
	fill, add := table.Entry(0), table.Entry(1)
	require.Equal(t, "fill", fill.Name)
	require.Equal(t, "add", add.Name)
	require.NotEqual(t, fill.Address, add.Address)

	const n = 16
	a := must.M1(r.DataAlloc(ctx, 0, 4*n, 0))
	b := must.M1(r.DataAlloc(ctx, 0, 4*n, 0))
	ones := make([]byte, 4*n)
	for ii := 0; ii < n; ii++ {
		binary.NativeEndian.PutUint32(ones[4*ii:], 1)
	}
	require.NoError(t, r.DataSubmit(ctx, 0, b, ones))

	require.NoError(t, r.RunTargetRegion(ctx, 0, fill.Address, []offload.TargetHandle{a}, nil))
	require.NoError(t, r.RunTargetRegion(ctx, 0, add.Address, []offload.TargetHandle{a, b}, []int64{0, 0}))
	got := make([]byte, 4*n)
	require.NoError(t, r.DataRetrieve(ctx, 0, got, a))
	for ii := 0; ii < n; ii++ {
		require.Equal(t, uint32(7*ii+1), binary.NativeEndian.Uint32(got[4*ii:]), "element #%d", ii)
	}

	// The image base is not an entry.
	err := r.RunTargetRegion(ctx, 0, fill.Address-1, []offload.TargetHandle{a}, nil)
	require.Error(t, err)
	require.NoError(t, r.DataDelete(ctx, 0, a))
	require.NoError(t, r.DataDelete(ctx, 0, b))
}
