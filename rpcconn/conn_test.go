package rpcconn_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Alia5/usbrpc/backend/memory"
	"github.com/Alia5/usbrpc/rpc"
	"github.com/Alia5/usbrpc/rpcconn"
)

func TestRolesAreImmutable(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	client := rpcconn.NewClient(c1)
	server := rpcconn.NewServer(c2, memory.New())

	assert.Equal(t, rpc.RoleClient, client.Role())
	assert.Equal(t, rpc.RoleServer, server.Role())
	assert.Nil(t, client.Backend())
	assert.NotNil(t, server.Table())
}

func TestStateMachineProgression(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	ci := rpcconn.NewServer(c2, memory.New())
	assert.Equal(t, rpcconn.StateFresh, ci.State())

	ci.MarkInitialized()
	assert.Equal(t, rpcconn.StateInitialized, ci.State())

	// Idempotent re-init.
	ci.MarkInitialized()
	assert.Equal(t, rpcconn.StateInitialized, ci.State())

	ci.MarkTerminal()
	assert.Equal(t, rpcconn.StateTerminal, ci.State())

	// Nothing resurrects a torn-down connection.
	ci.MarkInitialized()
	assert.Equal(t, rpcconn.StateTerminal, ci.State())
}

func TestAllowOpOnTerminal(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	ci := rpcconn.NewClient(c1)
	assert.True(t, ci.AllowOp(rpc.OpBulkTransfer))

	ci.MarkTerminal()
	assert.True(t, ci.AllowOp(rpc.OpInit))
	assert.True(t, ci.AllowOp(rpc.OpExit))
	assert.False(t, ci.AllowOp(rpc.OpGetDeviceList))
	assert.False(t, ci.AllowOp(rpc.OpBulkTransfer))
}
