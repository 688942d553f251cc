//go:build linux && cgo

package main

import (
	"os"
	"testing"
	"unsafe"

	"github.com/gomlx/omptarget/config"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// The runtime is created once per process, so the environment is fixed for all tests.
	_ = os.Unsetenv(config.PathEnv)
	_ = os.Unsetenv(config.CloudPathEnv)
	_ = os.Setenv(config.BackendEnv, "host")
	os.Exit(m.Run())
}

func TestEntryPoints(t *testing.T) {
	require.EqualValues(t, 1, __tgt_rtl_number_of_devices())
	require.EqualValues(t, 0, __tgt_rtl_init_device(0))
	require.EqualValues(t, -1, __tgt_rtl_init_device(0), "second initialization should fail")
	require.EqualValues(t, -1, __tgt_rtl_init_device(7))

	// Nil images are rejected, not dereferenced.
	require.Nil(t, __tgt_rtl_load_binary(0, nil))
	require.EqualValues(t, 0, __tgt_rtl_is_valid_binary(nil))
	require.Nil(t, deviceImage(nil))

	data := []byte("some bytes to round trip")
	ptr := __tgt_rtl_data_alloc(0, 128, nil)
	require.NotNil(t, ptr)
	require.EqualValues(t, 0, __tgt_rtl_data_submit(0, ptr, unsafe.Pointer(&data[0]), 24))
	got := make([]byte, len(data))
	require.EqualValues(t, 0, __tgt_rtl_data_retrieve(0, unsafe.Pointer(&got[0]), ptr, 24))
	require.Equal(t, data, got)
	require.EqualValues(t, 0, __tgt_rtl_data_delete(0, ptr))
	require.EqualValues(t, -1, __tgt_rtl_data_delete(0, ptr))

	// Unknown entries are rejected before reaching the device.
	require.EqualValues(t, -1, __tgt_rtl_run_target_region(0, unsafe.Pointer(uintptr(0x1234)), nil, nil, 0))
}
