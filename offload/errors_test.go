package offload

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestErrors(t *testing.T) {
	err := newError(UnknownHandle, 3, "data_retrieve", "handle %s was already deleted", TargetHandle{Kind: ProtocolToken, Value: 7})
	require.Equal(t, "UnknownHandle in data_retrieve on device #3: handle ProtocolToken(7) was already deleted", err.Error())
	require.ErrorIs(t, err, ErrUnknownHandle)
	require.False(t, errors.Is(err, ErrSizeMismatch))
	require.Equal(t, UnknownHandle, KindOf(err))
	require.Equal(t, KindUnknown, KindOf(errors.New("some other error")))

	// Native errors are wrapped, keeping the cause.
	cause := errors.New("connection reset by peer")
	err = wrapError(cause, TransferFailure, 0, "data_submit", "failed to write %d bytes", 8)
	require.ErrorIs(t, err, ErrTransferFailure)
	require.ErrorIs(t, err, cause)
	require.ErrorContains(t, err, "connection reset by peer")

	// Errors from backends get the slot and operation filled in, keeping their kind.
	err = wrapError(NativeError(OutOfDeviceMemory, -4, "CL_MEM_OBJECT_ALLOCATION_FAILURE", "clCreateBuffer"),
		TransferFailure, 1, "data_alloc", "ignored")
	require.ErrorIs(t, err, ErrOutOfDeviceMemory)
	require.Equal(t, "OutOfDeviceMemory in data_alloc on device #1: clCreateBuffer (code=-4 CL_MEM_OBJECT_ALLOCATION_FAILURE)", err.Error())

	err = fmt.Errorf("context: %w", NewLaunchError(BadDimensionality, -53, "CL_INVALID_WORK_DIMENSION", "3 dimensions"))
	require.ErrorIs(t, err, ErrLaunchFailure)
	require.ErrorIs(t, err, &Error{Kind: LaunchFailure, Launch: BadDimensionality})
	require.False(t, errors.Is(err, &Error{Kind: LaunchFailure, Launch: OversizedWorkGroup}))
	require.Contains(t, err.Error(), "LaunchFailure(BadDimensionality)")

	require.Nil(t, wrapError(nil, LoadFailure, 0, "", ""))
	require.Equal(t, "ErrorKind(99)", ErrorKind(99).String())
}
