package tunnel_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbrpc/internal/tunnel"
)

func wrapPair(t *testing.T, clientKey, serverKey string) (client, server net.Conn) {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()
	t.Cleanup(func() {
		_ = clientRaw.Close()
		_ = serverRaw.Close()
	})

	ck, err := tunnel.DeriveKey(clientKey)
	require.NoError(t, err)
	sk, err := tunnel.DeriveKey(serverKey)
	require.NoError(t, err)

	client, err = tunnel.WrapConn(clientRaw, ck, true)
	require.NoError(t, err)
	server, err = tunnel.WrapConn(serverRaw, sk, false)
	require.NoError(t, err)
	return client, server
}

func TestTunnelRoundTrip(t *testing.T) {
	type testCase struct {
		name      string
		clientKey string
		serverKey string
		input     []byte
		wantErr   bool
	}

	testCases := []testCase{
		{
			name:      "matching keys",
			clientKey: "test123",
			serverKey: "test123",
			input:     []byte("Hello, World!"),
		},
		{
			name:      "differing keys",
			clientKey: "test123",
			serverKey: "123test",
			input:     []byte("x"),
			wantErr:   true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client, server := wrapPair(t, tc.clientKey, tc.serverKey)

			go func() {
				_, _ = client.Write(tc.input)
			}()

			buf := make([]byte, len(tc.input))
			_, err := server.Read(buf)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.input, buf)
		})
	}
}

func TestTunnelBothDirections(t *testing.T) {
	client, server := wrapPair(t, "test123", "test123")

	request := []byte("request payload")
	reply := []byte("reply payload")

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, len(request))
		if _, err := server.Read(buf); err != nil {
			done <- err
			return
		}
		_, err := server.Write(reply)
		done <- err
	}()

	_, err := client.Write(request)
	require.NoError(t, err)

	buf := make([]byte, len(reply))
	_, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, reply, buf)
	require.NoError(t, <-done)
}

func TestTunnelRejectsDirectionConfusion(t *testing.T) {
	// Two initiators on one key seal into the same nonce space the
	// peer does not accept, so even a same-key packet must fail.
	clientRaw, serverRaw := net.Pipe()
	t.Cleanup(func() {
		_ = clientRaw.Close()
		_ = serverRaw.Close()
	})

	key, err := tunnel.DeriveKey("test123")
	require.NoError(t, err)

	a, err := tunnel.WrapConn(clientRaw, key, true)
	require.NoError(t, err)
	b, err := tunnel.WrapConn(serverRaw, key, true)
	require.NoError(t, err)

	go func() {
		_, _ = a.Write([]byte("x"))
	}()

	buf := make([]byte, 1)
	_, err = b.Read(buf)
	assert.Error(t, err)
}

func TestWrapConnRejectsBadKeyLength(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	_, err := tunnel.WrapConn(clientRaw, []byte("short"), true)
	assert.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	key, err := tunnel.GenerateKey()
	require.NoError(t, err)
	assert.Len(t, key, tunnel.AutoGenKeyLength)

	other, err := tunnel.GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestDeriveKeyRejectsEmpty(t *testing.T) {
	_, err := tunnel.DeriveKey("")
	assert.Error(t, err)
}
