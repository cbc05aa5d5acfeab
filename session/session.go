// Package session implements the server-side identity table: the
// mapping from wire-stable integer session ids to live backend devices
// and handles, scoped to one connection's lifetime.
package session

import (
	"sync"

	"github.com/Alia5/usbrpc/backend"
	"github.com/Alia5/usbrpc/rpc"
)

// Table assigns session-local ids to backend devices and handles and
// resolves them back. One Table belongs to exactly one ConnectionInfo;
// ids are never shared across connections.
type Table struct {
	mu sync.Mutex

	devices    []backend.Device
	nextHandle int32
	handles    map[int32]backend.Handle
}

// New returns an empty identity table.
func New() *Table {
	return &Table{handles: make(map[int32]backend.Handle)}
}

// ResetDevices replaces the device table wholesale, assigning ids
// 0..len(devices)-1 in order. Called once per USB_GET_DEVICE_LIST.
// Previously issued HandleRefs are unaffected.
func (t *Table) ResetDevices(devices []backend.Device) []rpc.DeviceRef {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.devices = devices
	refs := make([]rpc.DeviceRef, len(devices))
	for i := range devices {
		refs[i] = rpc.DeviceRef{SessionID: int32(i)}
	}
	return refs
}

// ResolveDevice looks up the backend device registered under id. The
// second return is false if id does not name a currently registered
// device; the caller must turn that into an operation-level failure
// with no backend call attempted.
func (t *Table) ResolveDevice(id int32) (backend.Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id < 0 || int(id) >= len(t.devices) {
		return nil, false
	}
	return t.devices[id], true
}

// RegisterHandle assigns the next monotonically increasing handle id
// to h. Ids are never reused within a session, even across Close calls,
// so a stale HandleRef a client forgot to discard can never alias a
// different device later in the same session.
func (t *Table) RegisterHandle(h backend.Handle) rpc.HandleRef {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextHandle
	t.nextHandle++
	t.handles[id] = h
	return rpc.HandleRef{SessionID: id}
}

// ResolveHandle looks up the backend handle registered under id.
func (t *Table) ResolveHandle(id int32) (backend.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[id]
	return h, ok
}

// ForgetHandle drops id from the table without closing it. Used after
// USB_CLOSE has already released the backend handle, so a later
// resolution correctly reports NOT_FOUND instead of reusing a closed
// handle.
func (t *Table) ForgetHandle(id int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handles, id)
}

// Handles returns a snapshot of every currently registered handle, for
// release_all to close them all on session exit.
func (t *Table) Handles() []backend.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]backend.Handle, 0, len(t.handles))
	for _, h := range t.handles {
		out = append(out, h)
	}
	return out
}

// ReleaseAll drops every outstanding handle and the device table. The
// caller is responsible for closing the backend handles first (via
// Handles) — ReleaseAll only clears the bookkeeping, since closing a
// handle is a backend operation that can fail and that failure belongs
// to the caller to decide how to report.
func (t *Table) ReleaseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.devices = nil
	t.handles = make(map[int32]backend.Handle)
	t.nextHandle = 0
}
