package dispatch

import (
	"context"
	"time"

	"github.com/Alia5/usbrpc/rpc"
	"github.com/Alia5/usbrpc/rpcconn"
)

// Each function below is the single user-facing entry point for one
// opcode: it validates locally, then branches on ci.Role() into either
// the client proxy (marshal, send, receive, unmarshal) or the server
// handler (read, execute against the backend, reply). The two halves
// are explicit, non-polymorphic functions selected by this one role
// check rather than role branches scattered throughout each half.
//
// The server branch only does something useful when the caller is the
// top-level read loop (Serve/ServeOne), which has already consumed the
// matching opcode tag off the wire before reaching here; a server-role
// caller invoking these directly bypasses that framing and will block
// reading a request that was never sent.
func requireRole(ci *rpcconn.ConnectionInfo, op rpc.OpCode) (rpc.Role, Result) {
	if ci == nil {
		return rpc.RoleNone, fail(BadContext, "%s: nil connection", op)
	}
	if !ci.AllowOp(op) {
		return rpc.RoleNone, fail(BadContext, "%s: connection is TERMINAL", op)
	}
	role := ci.Role()
	if role == rpc.RoleNone {
		return rpc.RoleNone, fail(BadContext, "%s: connection has no assigned role", op)
	}
	return role, Success
}

func requireRoleErr(ci *rpcconn.ConnectionInfo, op rpc.OpCode) (rpc.Role, error) {
	role, res := requireRole(ci, op)
	if !res.Ok() {
		return role, res
	}
	return role, nil
}

func Init(ctx context.Context, ci *rpcconn.ConnectionInfo) Result {
	role, res := requireRole(ci, rpc.OpInit)
	if !res.Ok() {
		return res
	}
	if role == rpc.RoleClient {
		return clientInit(ctx, ci)
	}
	if err := serverInit(ctx, ci, nil); err != nil {
		return fail(Wire, "%s", err)
	}
	return Success
}

func Exit(ctx context.Context, ci *rpcconn.ConnectionInfo) Result {
	role, res := requireRole(ci, rpc.OpExit)
	if !res.Ok() {
		return res
	}
	if role == rpc.RoleClient {
		return clientExit(ctx, ci)
	}
	if err := serverExit(ctx, ci, nil); err != nil {
		return fail(Wire, "%s", err)
	}
	return Success
}

func GetDeviceList(ctx context.Context, ci *rpcconn.ConnectionInfo) (rpc.DeviceList, Result) {
	role, res := requireRole(ci, rpc.OpGetDeviceList)
	if !res.Ok() {
		return rpc.DeviceList{}, res
	}
	if role == rpc.RoleClient {
		return clientGetDeviceList(ctx, ci)
	}
	if err := serverGetDeviceList(ctx, ci, nil); err != nil {
		return rpc.DeviceList{}, fail(Wire, "%s", err)
	}
	return rpc.DeviceList{}, Success
}

func GetDeviceDescriptor(ctx context.Context, ci *rpcconn.ConnectionInfo, dev rpc.DeviceRef) (rpc.DeviceDescriptor, Result) {
	role, res := requireRole(ci, rpc.OpGetDeviceDescriptor)
	if !res.Ok() {
		return rpc.DeviceDescriptor{}, res
	}
	if role == rpc.RoleClient {
		return clientGetDeviceDescriptor(ctx, ci, dev)
	}
	if err := serverGetDeviceDescriptor(ctx, ci, nil); err != nil {
		return rpc.DeviceDescriptor{}, fail(Wire, "%s", err)
	}
	return rpc.DeviceDescriptor{}, Success
}

func Open(ctx context.Context, ci *rpcconn.ConnectionInfo, dev rpc.DeviceRef) (rpc.HandleRef, Result) {
	role, res := requireRole(ci, rpc.OpOpen)
	if !res.Ok() {
		return rpc.HandleRef{SessionID: rpc.NotFoundID}, res
	}
	if role == rpc.RoleClient {
		return clientOpen(ctx, ci, dev)
	}
	if err := serverOpen(ctx, ci, nil); err != nil {
		return rpc.HandleRef{SessionID: rpc.NotFoundID}, fail(Wire, "%s", err)
	}
	return rpc.HandleRef{SessionID: rpc.NotFoundID}, Success
}

func OpenDeviceWithVidPid(ctx context.Context, ci *rpcconn.ConnectionInfo, vid, pid uint16) (rpc.HandleRef, Result) {
	role, res := requireRole(ci, rpc.OpOpenDeviceWithVidPid)
	if !res.Ok() {
		return rpc.HandleRef{SessionID: rpc.NotFoundID}, res
	}
	if role == rpc.RoleClient {
		return clientOpenDeviceWithVidPid(ctx, ci, vid, pid)
	}
	if err := serverOpenDeviceWithVidPid(ctx, ci, nil); err != nil {
		return rpc.HandleRef{SessionID: rpc.NotFoundID}, fail(Wire, "%s", err)
	}
	return rpc.HandleRef{SessionID: rpc.NotFoundID}, Success
}

func Close(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef) Result {
	role, res := requireRole(ci, rpc.OpClose)
	if !res.Ok() {
		return res
	}
	if role == rpc.RoleClient {
		return clientClose(ctx, ci, h)
	}
	if err := serverClose(ctx, ci, nil); err != nil {
		return fail(Wire, "%s", err)
	}
	return Success
}

func ClaimInterface(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, intf int32) Result {
	role, res := requireRole(ci, rpc.OpClaimInterface)
	if !res.Ok() {
		return res
	}
	if role == rpc.RoleClient {
		return clientClaimInterface(ctx, ci, h, intf)
	}
	if err := serverClaimInterface(ctx, ci, nil); err != nil {
		return fail(Wire, "%s", err)
	}
	return Success
}

func ReleaseInterface(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, intf int32) Result {
	role, res := requireRole(ci, rpc.OpReleaseInterface)
	if !res.Ok() {
		return res
	}
	if role == rpc.RoleClient {
		return clientReleaseInterface(ctx, ci, h, intf)
	}
	if err := serverReleaseInterface(ctx, ci, nil); err != nil {
		return fail(Wire, "%s", err)
	}
	return Success
}

func GetConfiguration(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef) (int32, Result) {
	role, res := requireRole(ci, rpc.OpGetConfiguration)
	if !res.Ok() {
		return 0, res
	}
	if role == rpc.RoleClient {
		return clientGetConfiguration(ctx, ci, h)
	}
	if err := serverGetConfiguration(ctx, ci, nil); err != nil {
		return 0, fail(Wire, "%s", err)
	}
	return 0, Success
}

func SetConfiguration(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, conf int32) Result {
	role, res := requireRole(ci, rpc.OpSetConfiguration)
	if !res.Ok() {
		return res
	}
	if role == rpc.RoleClient {
		return clientSetConfiguration(ctx, ci, h, conf)
	}
	if err := serverSetConfiguration(ctx, ci, nil); err != nil {
		return fail(Wire, "%s", err)
	}
	return Success
}

func SetInterfaceAltSetting(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, intf, alt int32) Result {
	role, res := requireRole(ci, rpc.OpSetInterfaceAltSetting)
	if !res.Ok() {
		return res
	}
	if role == rpc.RoleClient {
		return clientSetInterfaceAltSetting(ctx, ci, h, intf, alt)
	}
	if err := serverSetInterfaceAltSetting(ctx, ci, nil); err != nil {
		return fail(Wire, "%s", err)
	}
	return Success
}

func ResetDevice(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef) Result {
	role, res := requireRole(ci, rpc.OpResetDevice)
	if !res.Ok() {
		return res
	}
	if role == rpc.RoleClient {
		return clientResetDevice(ctx, ci, h)
	}
	if err := serverResetDevice(ctx, ci, nil); err != nil {
		return fail(Wire, "%s", err)
	}
	return Success
}

func ClearHalt(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, endpoint uint16) Result {
	role, res := requireRole(ci, rpc.OpClearHalt)
	if !res.Ok() {
		return res
	}
	if role == rpc.RoleClient {
		return clientClearHalt(ctx, ci, h, endpoint)
	}
	if err := serverClearHalt(ctx, ci, nil); err != nil {
		return fail(Wire, "%s", err)
	}
	return Success
}

func GetStringDescriptorASCII(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, idx uint16, buf []byte) (int, Result) {
	role, res := requireRole(ci, rpc.OpGetStringDescriptorAscii)
	if !res.Ok() {
		return 0, res
	}
	if role == rpc.RoleClient {
		if len(buf) >= rpc.MaxData {
			return 0, fail(InvalidArg, "%s: buf exceeds MaxData", rpc.OpGetStringDescriptorAscii)
		}
		return clientGetStringDescriptorASCII(ctx, ci, h, idx, buf)
	}
	if err := serverGetStringDescriptorASCII(ctx, ci, nil); err != nil {
		return 0, fail(Wire, "%s", err)
	}
	return 0, Success
}

// ControlTransfer and BulkTransfer return a raw transferred-byte count
// instead of a Result, both locally and on the wire; transfer
// operations have a natural count-return and no status wrapping.

func ControlTransfer(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, reqType, req, val, idx uint16, data []byte, timeout time.Duration) (int, error) {
	role, err := requireRoleErr(ci, rpc.OpControlTransfer)
	if err != nil {
		return 0, err
	}
	if len(data) >= rpc.MaxData {
		return 0, fail(InvalidArg, "%s: data exceeds MaxData", rpc.OpControlTransfer)
	}
	if role == rpc.RoleClient {
		return clientControlTransfer(ctx, ci, h, reqType, req, val, idx, data, timeout)
	}
	if err := serverControlTransfer(ctx, ci, nil); err != nil {
		return 0, err
	}
	return 0, nil
}

func BulkTransfer(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, endpoint uint16, data []byte, timeout time.Duration) (int, error) {
	role, err := requireRoleErr(ci, rpc.OpBulkTransfer)
	if err != nil {
		return 0, err
	}
	if len(data) >= rpc.MaxData {
		return 0, fail(InvalidArg, "%s: data exceeds MaxData", rpc.OpBulkTransfer)
	}
	if role == rpc.RoleClient {
		return clientBulkTransfer(ctx, ci, h, endpoint, data, timeout)
	}
	if err := serverBulkTransfer(ctx, ci, nil); err != nil {
		return 0, err
	}
	return 0, nil
}
