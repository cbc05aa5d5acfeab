package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbrpc/backend"
	"github.com/Alia5/usbrpc/backend/memory"
)

func TestOpenVidPid(t *testing.T) {
	be := memory.New(backend.Descriptor{IDVendor: 0x1d6b, IDProduct: 0x0002})

	h, err := be.OpenVidPid(context.Background(), 0x1d6b, 0x0002)
	require.NoError(t, err)
	require.NotNil(t, h)

	// Absent devices are not an error, just a nil handle.
	missing, err := be.OpenVidPid(context.Background(), 0xdead, 0xbeef)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestClosedHandleResolvesNotFound(t *testing.T) {
	be := memory.New(backend.Descriptor{IDVendor: 1, IDProduct: 2})

	devs, err := be.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 1)

	h, err := be.Open(context.Background(), devs[0])
	require.NoError(t, err)
	require.NoError(t, be.Close(context.Background(), h))

	err = be.Claim(context.Background(), h, 0)
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestHotplugAfterNew(t *testing.T) {
	be := memory.New()
	devs, err := be.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devs)

	be.AddDevice(backend.Descriptor{IDVendor: 3, IDProduct: 4})
	devs, err = be.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devs, 1)
}
