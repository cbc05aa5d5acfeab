package dispatch_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbrpc/backend"
	"github.com/Alia5/usbrpc/backend/memory"
	"github.com/Alia5/usbrpc/dispatch"
	"github.com/Alia5/usbrpc/rpc"
	"github.com/Alia5/usbrpc/rpcconn"
)

// harness wires a client ConnectionInfo and a server ConnectionInfo
// together over net.Pipe, with the server side driven by dispatch.Serve
// in a background goroutine, the way cmd/usbrpc-server drives a real
// accepted connection.
type harness struct {
	client *rpcconn.ConnectionInfo
	be     *memory.Backend
	done   chan error
}

func newHarness(t *testing.T, descs ...backend.Descriptor) *harness {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	be := memory.New(descs...)
	server := rpcconn.NewServer(serverConn, be)
	client := rpcconn.NewClient(clientConn)

	h := &harness{client: client, be: be, done: make(chan error, 1)}
	go func() {
		h.done <- dispatch.Serve(context.Background(), server, nil)
	}()
	t.Cleanup(func() {
		_ = clientConn.Close()
		<-h.done
	})
	return h
}

func mustInit(t *testing.T, h *harness) {
	t.Helper()
	res := dispatch.Init(context.Background(), h.client)
	require.True(t, res.Ok(), "Init: %v", res)
}

func TestInitThenExit(t *testing.T) {
	h := newHarness(t)
	mustInit(t, h)

	res := dispatch.Exit(context.Background(), h.client)
	require.True(t, res.Ok())
}

func TestGetDeviceListAndDescriptor(t *testing.T) {
	descs := backend.Descriptor{
		BLength: 18, BDescriptorType: 1, BcdUSB: 0x0200,
		BMaxPacketSize0: 64, IDVendor: 0x1d6b, IDProduct: 0x0002,
		BNumConfigurations: 1,
	}
	h := newHarness(t, descs)
	mustInit(t, h)

	list, res := dispatch.GetDeviceList(context.Background(), h.client)
	require.True(t, res.Ok())
	require.EqualValues(t, 1, list.NDevices)

	desc, res := dispatch.GetDeviceDescriptor(context.Background(), h.client, list.Devices[0])
	require.True(t, res.Ok())
	require.Equal(t, uint16(0x1d6b), desc.IDVendor)
	require.Equal(t, uint16(0x0002), desc.IDProduct)
}

func TestGetDeviceDescriptorNotFound(t *testing.T) {
	h := newHarness(t)
	mustInit(t, h)

	_, res := dispatch.GetDeviceDescriptor(context.Background(), h.client, rpc.DeviceRef{SessionID: 0})
	require.False(t, res.Ok())
}

func TestOpenClaimReleaseClose(t *testing.T) {
	desc := backend.Descriptor{IDVendor: 0x1d6b, IDProduct: 0x0002}
	h := newHarness(t, desc)
	mustInit(t, h)

	list, res := dispatch.GetDeviceList(context.Background(), h.client)
	require.True(t, res.Ok())

	handle, res := dispatch.Open(context.Background(), h.client, list.Devices[0])
	require.True(t, res.Ok())

	res = dispatch.ClaimInterface(context.Background(), h.client, handle, 0)
	require.True(t, res.Ok())

	res = dispatch.ReleaseInterface(context.Background(), h.client, handle, 0)
	require.True(t, res.Ok())

	res = dispatch.Close(context.Background(), h.client, handle)
	require.True(t, res.Ok())
}

func TestOpenDeviceWithVidPidNotFound(t *testing.T) {
	h := newHarness(t)
	mustInit(t, h)

	handle, res := dispatch.OpenDeviceWithVidPid(context.Background(), h.client, 0x1234, 0x5678)
	require.True(t, res.Ok())
	require.Equal(t, rpc.NotFoundID, handle.SessionID)
}

func TestConfigurationRoundTrip(t *testing.T) {
	desc := backend.Descriptor{IDVendor: 1, IDProduct: 1}
	h := newHarness(t, desc)
	mustInit(t, h)

	list, _ := dispatch.GetDeviceList(context.Background(), h.client)
	handle, res := dispatch.Open(context.Background(), h.client, list.Devices[0])
	require.True(t, res.Ok())

	res = dispatch.SetConfiguration(context.Background(), h.client, handle, 2)
	require.True(t, res.Ok())

	conf, res := dispatch.GetConfiguration(context.Background(), h.client, handle)
	require.True(t, res.Ok())
	require.EqualValues(t, 2, conf)
}

func TestStringDescriptorASCII(t *testing.T) {
	desc := backend.Descriptor{IDVendor: 1, IDProduct: 1}
	h := newHarness(t, desc)
	mustInit(t, h)

	list, _ := dispatch.GetDeviceList(context.Background(), h.client)
	dev, _ := h.be.ListDevices(context.Background())
	h.be.SetString(dev[0], 1, "usbrpc demo device")

	handle, res := dispatch.Open(context.Background(), h.client, list.Devices[0])
	require.True(t, res.Ok())

	buf := make([]byte, 64)
	n, res := dispatch.GetStringDescriptorASCII(context.Background(), h.client, handle, 1, buf)
	require.True(t, res.Ok())
	require.Equal(t, "usbrpc demo device", string(buf[:n]))
}

func TestControlTransferEchoesLength(t *testing.T) {
	desc := backend.Descriptor{IDVendor: 1, IDProduct: 1}
	h := newHarness(t, desc)
	mustInit(t, h)

	list, _ := dispatch.GetDeviceList(context.Background(), h.client)
	handle, _ := dispatch.Open(context.Background(), h.client, list.Devices[0])

	out := make([]byte, 18)
	n, err := dispatch.ControlTransfer(context.Background(), h.client, handle, 0x80, 0x06, 0x0100, 0x0000, out, time.Second)
	require.NoError(t, err)
	require.Equal(t, 18, n)
}

func TestBulkTransferEchoesLength(t *testing.T) {
	desc := backend.Descriptor{IDVendor: 1, IDProduct: 1}
	h := newHarness(t, desc)
	mustInit(t, h)

	list, _ := dispatch.GetDeviceList(context.Background(), h.client)
	handle, _ := dispatch.Open(context.Background(), h.client, list.Devices[0])

	payload := []byte("bulk payload")
	n, err := dispatch.BulkTransfer(context.Background(), h.client, handle, 0x01, payload, time.Second)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
}

func TestControlTransferRejectsOversizeBuffer(t *testing.T) {
	h := newHarness(t)
	mustInit(t, h)

	oversize := make([]byte, rpc.MaxData+1)
	_, err := dispatch.ControlTransfer(context.Background(), h.client, rpc.HandleRef{}, 0, 0, 0, 0, oversize, time.Second)
	require.Error(t, err)
}

func TestNilConnectionReturnsBadContext(t *testing.T) {
	res := dispatch.Init(context.Background(), nil)
	require.False(t, res.Ok())
	require.Equal(t, dispatch.BadContext, res.Kind)
}

func TestTerminalConnectionRejectsOps(t *testing.T) {
	h := newHarness(t)
	mustInit(t, h)

	res := dispatch.Exit(context.Background(), h.client)
	require.True(t, res.Ok())

	_, res2 := dispatch.GetDeviceList(context.Background(), h.client)
	require.False(t, res2.Ok())
	require.Equal(t, dispatch.BadContext, res2.Kind)
}
