package rpclog_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbrpc/internal/rpclog"
	"github.com/Alia5/usbrpc/rpc"
)

func TestRawLoggerDecodesRequestFrames(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, rpc.WriteOpCode(&wire, rpc.OpOpen))
	require.NoError(t, rpc.Encode(&wire, &rpc.Record{
		Role: rpc.RoleClient,
		Dev:  rpc.DeviceRef{SessionID: 3},
	}))

	var out bytes.Buffer
	raw := rpclog.NewRaw(rpclog.NewSink(&out))

	// Dribble the frame in small chunks to exercise reassembly.
	data := wire.Bytes()
	for len(data) > 0 {
		n := 7
		if n > len(data) {
			n = len(data)
		}
		raw.Log(true, data[:n])
		data = data[n:]
	}

	line := out.String()
	assert.Contains(t, line, "C->S")
	assert.Contains(t, line, "USB_OPEN")
	assert.Contains(t, line, "role=client")
	assert.Contains(t, line, "dev=3")
}

func TestRawLoggerDecodesResponseFrames(t *testing.T) {
	rec := &rpc.Record{
		Role:        rpc.RoleServer,
		Transferred: 4,
	}
	copy(rec.Data[:], []byte{0xde, 0xad, 0xbe, 0xef})

	var wire bytes.Buffer
	require.NoError(t, rpc.Encode(&wire, rec))

	var out bytes.Buffer
	raw := rpclog.NewRaw(rpclog.NewSink(&out))
	raw.Log(false, wire.Bytes())

	line := out.String()
	assert.Contains(t, line, "S->C")
	assert.Contains(t, line, "RESPONSE")
	assert.Contains(t, line, "transferred=4")
	assert.Contains(t, line, "de ad be ef")
}

func TestRawLoggerPartialFrameStaysBuffered(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, rpc.WriteOpCode(&wire, rpc.OpInit))
	require.NoError(t, rpc.Encode(&wire, &rpc.Record{}))

	var out bytes.Buffer
	raw := rpclog.NewRaw(rpclog.NewSink(&out))

	data := wire.Bytes()
	raw.Log(true, data[:len(data)-1])
	assert.Empty(t, out.String())

	raw.Log(true, data[len(data)-1:])
	assert.Contains(t, out.String(), "USB_INIT")
}

func TestRawLoggerNilSinkIsNoOp(t *testing.T) {
	raw := rpclog.NewRaw(nil)
	raw.Log(true, []byte{0x01, 0x02})

	raw = rpclog.NewRaw(rpclog.NewSink(nil))
	raw.Log(false, []byte{0x01, 0x02})
}
