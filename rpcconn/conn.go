// Package rpcconn implements ConnectionInfo: the per-session state a
// usbrpc client or server side carries across calls on one socket.
package rpcconn

import (
	"fmt"
	"net"
	"sync"

	"github.com/Alia5/usbrpc/backend"
	"github.com/Alia5/usbrpc/rpc"
	"github.com/Alia5/usbrpc/session"
)

// State is a ConnectionInfo's position in the FRESH, INITIALIZED,
// TERMINAL progression.
type State uint8

const (
	StateFresh State = iota
	StateInitialized
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StateTerminal:
		return "TERMINAL"
	default:
		return "FRESH"
	}
}

// ConnectionInfo is the per-session handle carrying the side role and
// the socket. Role is immutable for the connection's lifetime.
//
// A ConnectionInfo used as a server also owns the identity table and
// the shared Backend handle for the connections it serves; a client
// ConnectionInfo owns neither.
type ConnectionInfo struct {
	role rpc.Role
	conn net.Conn

	mu    sync.Mutex
	state State

	// Server-side only.
	backend backend.Backend
	table   *session.Table
}

// NewClient wraps conn as the client side of one RPC connection.
func NewClient(conn net.Conn) *ConnectionInfo {
	return &ConnectionInfo{role: rpc.RoleClient, conn: conn}
}

// NewServer wraps conn as the server side of one RPC connection, backed
// by the given shared Backend. be may be shared across many concurrent
// ConnectionInfos; the Backend implementation is responsible for its
// own internal serialization if the underlying USB stack requires it.
func NewServer(conn net.Conn, be backend.Backend) *ConnectionInfo {
	return &ConnectionInfo{
		role:    rpc.RoleServer,
		conn:    conn,
		backend: be,
		table:   session.New(),
	}
}

// Role reports which side of the connection this is.
func (ci *ConnectionInfo) Role() rpc.Role { return ci.role }

// Conn returns the underlying socket.
func (ci *ConnectionInfo) Conn() net.Conn { return ci.conn }

// Backend returns the shared backend handle. Only meaningful for a
// server-role ConnectionInfo.
func (ci *ConnectionInfo) Backend() backend.Backend { return ci.backend }

// Table returns the session-local identity table. Only meaningful for
// a server-role ConnectionInfo.
func (ci *ConnectionInfo) Table() *session.Table { return ci.table }

// State reports the current position in the connection's state
// machine.
func (ci *ConnectionInfo) State() State {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.state
}

// MarkInitialized transitions FRESH to INITIALIZED. Safe to call more
// than once, since USB_INIT is idempotent; calling it from TERMINAL is
// a no-op, since nothing should resurrect a torn-down connection.
func (ci *ConnectionInfo) MarkInitialized() {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.state == StateFresh {
		ci.state = StateInitialized
	}
}

// MarkTerminal transitions to TERMINAL unconditionally: reached via
// USB_EXIT or a wire I/O failure.
func (ci *ConnectionInfo) MarkTerminal() {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.state = StateTerminal
}

// AllowOp reports whether op may run against the connection's current
// state. Only USB_INIT and USB_EXIT are permitted once TERMINAL.
func (ci *ConnectionInfo) AllowOp(op rpc.OpCode) bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.state != StateTerminal {
		return true
	}
	return op == rpc.OpInit || op == rpc.OpExit
}

// String renders the connection for log lines.
func (ci *ConnectionInfo) String() string {
	addr := "<nil>"
	if ci.conn != nil {
		addr = ci.conn.RemoteAddr().String()
	}
	return fmt.Sprintf("rpcconn{role=%s state=%s remote=%s}", ci.role, ci.State(), addr)
}
