package dispatch_test

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbrpc/backend/memory"
	"github.com/Alia5/usbrpc/dispatch"
	"github.com/Alia5/usbrpc/rpc"
	"github.com/Alia5/usbrpc/rpcconn"
)

// These tests drive the server with hand-rolled frames instead of the
// client proxies, pinning down the wire contract itself: a malformed
// peer must not be able to wedge the read loop, and a conforming one
// must interoperate with nothing but the byte layout.

func TestServerTerminatesOnIllegalOpcode(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	server := rpcconn.NewServer(serverConn, memory.New())
	done := make(chan error, 1)
	go func() {
		done <- dispatch.Serve(context.Background(), server, nil)
	}()

	var tag [4]byte
	binary.LittleEndian.PutUint32(tag[:], 0xFFFFFFFF)
	_, err := clientConn.Write(tag[:])
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.Error(t, err)
		assert.Equal(t, rpcconn.StateTerminal, server.State())
	case <-time.After(5 * time.Second):
		t.Fatal("server loop did not terminate on illegal opcode")
	}
}

func TestHandRolledInitRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	server := rpcconn.NewServer(serverConn, memory.New())
	done := make(chan error, 1)
	go func() {
		done <- dispatch.Serve(context.Background(), server, nil)
	}()
	t.Cleanup(func() {
		_ = clientConn.Close()
		<-done
	})

	require.NoError(t, rpc.WriteOpCode(clientConn, rpc.OpInit))
	require.NoError(t, rpc.Encode(clientConn, &rpc.Record{Role: rpc.RoleClient}))

	resp, err := rpc.Decode(clientConn)
	require.NoError(t, err)
	assert.Equal(t, rpc.StatusSuccess, resp.ServerError)
	assert.Equal(t, rpcconn.StateInitialized, server.State())
}

// countingConn fails the no-wire-traffic assertions if any byte ever
// crosses it.
type countingConn struct {
	writes int
}

func (c *countingConn) Read(p []byte) (int, error)         { return 0, net.ErrClosed }
func (c *countingConn) Write(p []byte) (int, error)        { c.writes++; return len(p), nil }
func (c *countingConn) Close() error                       { return nil }
func (c *countingConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *countingConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *countingConn) SetDeadline(t time.Time) error      { return nil }
func (c *countingConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *countingConn) SetWriteDeadline(t time.Time) error { return nil }

func TestBulkTransferMaxDataRejectedBeforeIO(t *testing.T) {
	conn := &countingConn{}
	ci := rpcconn.NewClient(conn)

	data := make([]byte, rpc.MaxData)
	_, err := dispatch.BulkTransfer(context.Background(), ci, rpc.HandleRef{}, 0x01, data, time.Second)
	require.Error(t, err)

	res, ok := err.(dispatch.Result)
	require.True(t, ok)
	assert.Equal(t, dispatch.InvalidArg, res.Kind)
	assert.Zero(t, conn.writes, "oversized buffer must be rejected before any wire traffic")
}

func TestGenericCallRejectsUnknownOpcodeBeforeIO(t *testing.T) {
	conn := &countingConn{}
	ci := rpcconn.NewClient(conn)

	res := dispatch.Call(context.Background(), ci, rpc.OpCode(0xFFFFFFFF), &rpc.Record{})
	require.False(t, res.Ok())
	assert.Equal(t, dispatch.InvalidArg, res.Kind)
	assert.Zero(t, conn.writes)
}

func TestGenericCallRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	server := rpcconn.NewServer(serverConn, memory.New())
	done := make(chan error, 1)
	go func() {
		done <- dispatch.Serve(context.Background(), server, nil)
	}()
	t.Cleanup(func() {
		_ = clientConn.Close()
		<-done
	})

	client := rpcconn.NewClient(clientConn)
	rec := &rpc.Record{}
	res := dispatch.Call(context.Background(), client, rpc.OpInit, rec)
	require.True(t, res.Ok())
	assert.Equal(t, rpc.StatusSuccess, rec.ServerError)
}

func TestControlTransferMaxDataRejectedBeforeIO(t *testing.T) {
	conn := &countingConn{}
	ci := rpcconn.NewClient(conn)

	data := make([]byte, rpc.MaxData)
	_, err := dispatch.ControlTransfer(context.Background(), ci, rpc.HandleRef{}, 0, 0, 0, 0, data, time.Second)
	require.Error(t, err)
	assert.Zero(t, conn.writes)
}
