package session_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbrpc/backend"
	"github.com/Alia5/usbrpc/session"
)

type fakeDevice struct{ name string }
type fakeHandle struct{ name string }

func TestResetDevicesAssignsContiguousIds(t *testing.T) {
	tbl := session.New()

	refs := tbl.ResetDevices([]backend.Device{&fakeDevice{"a"}, &fakeDevice{"b"}, &fakeDevice{"c"}})
	require.Len(t, refs, 3)
	for i, ref := range refs {
		assert.EqualValues(t, i, ref.SessionID)
	}

	dev, ok := tbl.ResolveDevice(1)
	require.True(t, ok)
	assert.Equal(t, "b", dev.(*fakeDevice).name)
}

func TestResetDevicesReplacesWholesale(t *testing.T) {
	tbl := session.New()
	tbl.ResetDevices([]backend.Device{&fakeDevice{"a"}, &fakeDevice{"b"}})

	refs := tbl.ResetDevices([]backend.Device{&fakeDevice{"c"}})
	require.Len(t, refs, 1)

	_, ok := tbl.ResolveDevice(1)
	assert.False(t, ok)

	dev, ok := tbl.ResolveDevice(0)
	require.True(t, ok)
	assert.Equal(t, "c", dev.(*fakeDevice).name)
}

func TestResolveDeviceOutOfRange(t *testing.T) {
	tbl := session.New()
	tbl.ResetDevices([]backend.Device{&fakeDevice{"a"}})

	_, ok := tbl.ResolveDevice(-1)
	assert.False(t, ok)
	_, ok = tbl.ResolveDevice(1)
	assert.False(t, ok)
}

func TestHandleIdsAreMonotonicAndNeverReused(t *testing.T) {
	tbl := session.New()

	h0 := tbl.RegisterHandle(&fakeHandle{"h0"})
	h1 := tbl.RegisterHandle(&fakeHandle{"h1"})
	assert.EqualValues(t, 0, h0.SessionID)
	assert.EqualValues(t, 1, h1.SessionID)

	tbl.ForgetHandle(h0.SessionID)
	_, ok := tbl.ResolveHandle(h0.SessionID)
	assert.False(t, ok)

	// A forgotten id must not be handed out again within the session.
	h2 := tbl.RegisterHandle(&fakeHandle{"h2"})
	assert.EqualValues(t, 2, h2.SessionID)

	got, ok := tbl.ResolveHandle(h1.SessionID)
	require.True(t, ok)
	assert.Equal(t, "h1", got.(*fakeHandle).name)
}

func TestReleaseAllClearsEverything(t *testing.T) {
	tbl := session.New()
	tbl.ResetDevices([]backend.Device{&fakeDevice{"a"}})
	tbl.RegisterHandle(&fakeHandle{"h0"})

	require.Len(t, tbl.Handles(), 1)
	tbl.ReleaseAll()

	assert.Empty(t, tbl.Handles())
	_, ok := tbl.ResolveDevice(0)
	assert.False(t, ok)
	_, ok = tbl.ResolveHandle(0)
	assert.False(t, ok)
}
