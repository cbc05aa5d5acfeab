package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/Alia5/usbrpc/rpc"
	"github.com/Alia5/usbrpc/rpcconn"
)

// clientRoundTrip is the shared client-proxy plumbing every per-op
// client path uses: write the opcode tag, write the request record,
// read the response record. Every client-side op is this call plus
// field marshaling on either side of it. ctx only governs the socket
// deadline; there is no cancellation mid-write, since a partially
// written request would desynchronize the stream for whoever reads
// next.
func clientRoundTrip(ctx context.Context, ci *rpcconn.ConnectionInfo, op rpc.OpCode, req *rpc.Record) (*rpc.Record, error) {
	req.Role = rpc.RoleClient
	conn := ci.Conn()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}

	if err := rpc.WriteOpCode(conn, op); err != nil {
		ci.MarkTerminal()
		return nil, fmt.Errorf("usbrpc: write opcode %s: %w", op, err)
	}
	if err := rpc.Encode(conn, req); err != nil {
		ci.MarkTerminal()
		return nil, fmt.Errorf("usbrpc: write request %s: %w", op, err)
	}
	resp, err := rpc.Decode(conn)
	if err != nil {
		ci.MarkTerminal()
		return nil, fmt.Errorf("usbrpc: read response %s: %w", op, err)
	}
	return resp, nil
}

// Call is the generic escape hatch under the typed wrappers: it writes
// op plus a caller-populated record and decodes the response back into
// rec in place. An opcode outside the catalog is rejected locally with
// no wire traffic. Only a client-role connection may use it; the server
// side is driven by Serve.
func Call(ctx context.Context, ci *rpcconn.ConnectionInfo, op rpc.OpCode, rec *rpc.Record) Result {
	if !op.Valid() {
		return fail(InvalidArg, "rpc call: unknown opcode tag %d", uint32(op))
	}
	role, res := requireRole(ci, op)
	if !res.Ok() {
		return res
	}
	if role != rpc.RoleClient {
		return fail(BadContext, "rpc call: generic entry is client-side only")
	}
	if rec == nil {
		return fail(InvalidArg, "%s: nil record", op)
	}
	resp, err := clientRoundTrip(ctx, ci, op, rec)
	if err != nil {
		return fail(Wire, "%s", err)
	}
	*rec = *resp
	return resultFromStatus(resp.ServerError)
}

func clientInit(ctx context.Context, ci *rpcconn.ConnectionInfo) Result {
	resp, err := clientRoundTrip(ctx, ci, rpc.OpInit, &rpc.Record{})
	if err != nil {
		return fail(Wire, "%s", err)
	}
	if resp.ServerError == rpc.StatusSuccess {
		ci.MarkInitialized()
	}
	return resultFromStatus(resp.ServerError)
}

func clientExit(ctx context.Context, ci *rpcconn.ConnectionInfo) Result {
	resp, err := clientRoundTrip(ctx, ci, rpc.OpExit, &rpc.Record{})
	ci.MarkTerminal()
	if err != nil {
		return fail(Wire, "%s", err)
	}
	return resultFromStatus(resp.ServerError)
}

func clientGetDeviceList(ctx context.Context, ci *rpcconn.ConnectionInfo) (rpc.DeviceList, Result) {
	resp, err := clientRoundTrip(ctx, ci, rpc.OpGetDeviceList, &rpc.Record{})
	if err != nil {
		return rpc.DeviceList{}, fail(Wire, "%s", err)
	}
	return resp.DeviceList, resultFromStatus(resp.ServerError)
}

func clientGetDeviceDescriptor(ctx context.Context, ci *rpcconn.ConnectionInfo, dev rpc.DeviceRef) (rpc.DeviceDescriptor, Result) {
	resp, err := clientRoundTrip(ctx, ci, rpc.OpGetDeviceDescriptor, &rpc.Record{Dev: dev})
	if err != nil {
		return rpc.DeviceDescriptor{}, fail(Wire, "%s", err)
	}
	return resp.Descriptor, resultFromStatus(resp.ServerError)
}

func clientOpen(ctx context.Context, ci *rpcconn.ConnectionInfo, dev rpc.DeviceRef) (rpc.HandleRef, Result) {
	resp, err := clientRoundTrip(ctx, ci, rpc.OpOpen, &rpc.Record{Dev: dev})
	if err != nil {
		return rpc.HandleRef{SessionID: rpc.NotFoundID}, fail(Wire, "%s", err)
	}
	return resp.Handle, resultFromStatus(resp.ServerError)
}

func clientOpenDeviceWithVidPid(ctx context.Context, ci *rpcconn.ConnectionInfo, vid, pid uint16) (rpc.HandleRef, Result) {
	resp, err := clientRoundTrip(ctx, ci, rpc.OpOpenDeviceWithVidPid, &rpc.Record{Vid: vid, Pid: pid})
	if err != nil {
		return rpc.HandleRef{SessionID: rpc.NotFoundID}, fail(Wire, "%s", err)
	}
	return resp.Handle, resultFromStatus(resp.ServerError)
}

func clientClose(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef) Result {
	resp, err := clientRoundTrip(ctx, ci, rpc.OpClose, &rpc.Record{Handle: h})
	if err != nil {
		return fail(Wire, "%s", err)
	}
	return resultFromStatus(resp.ServerError)
}

func clientClaimInterface(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, intf int32) Result {
	resp, err := clientRoundTrip(ctx, ci, rpc.OpClaimInterface, &rpc.Record{Handle: h, Intf: intf})
	if err != nil {
		return fail(Wire, "%s", err)
	}
	return resultFromStatus(resp.ServerError)
}

func clientReleaseInterface(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, intf int32) Result {
	resp, err := clientRoundTrip(ctx, ci, rpc.OpReleaseInterface, &rpc.Record{Handle: h, Intf: intf})
	if err != nil {
		return fail(Wire, "%s", err)
	}
	return resultFromStatus(resp.ServerError)
}

func clientGetConfiguration(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef) (int32, Result) {
	resp, err := clientRoundTrip(ctx, ci, rpc.OpGetConfiguration, &rpc.Record{Handle: h})
	if err != nil {
		return 0, fail(Wire, "%s", err)
	}
	return resp.Conf, resultFromStatus(resp.ServerError)
}

func clientSetConfiguration(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, conf int32) Result {
	resp, err := clientRoundTrip(ctx, ci, rpc.OpSetConfiguration, &rpc.Record{Handle: h, Conf: conf})
	if err != nil {
		return fail(Wire, "%s", err)
	}
	return resultFromStatus(resp.ServerError)
}

func clientSetInterfaceAltSetting(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, intf, alt int32) Result {
	resp, err := clientRoundTrip(ctx, ci, rpc.OpSetInterfaceAltSetting, &rpc.Record{Handle: h, Intf: intf, AltSetting: alt})
	if err != nil {
		return fail(Wire, "%s", err)
	}
	return resultFromStatus(resp.ServerError)
}

func clientResetDevice(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef) Result {
	resp, err := clientRoundTrip(ctx, ci, rpc.OpResetDevice, &rpc.Record{Handle: h})
	if err != nil {
		return fail(Wire, "%s", err)
	}
	return resultFromStatus(resp.ServerError)
}

func clientClearHalt(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, endpoint uint16) Result {
	resp, err := clientRoundTrip(ctx, ci, rpc.OpClearHalt, &rpc.Record{Handle: h, Endpoint: endpoint})
	if err != nil {
		return fail(Wire, "%s", err)
	}
	return resultFromStatus(resp.ServerError)
}

func clientGetStringDescriptorASCII(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, idx uint16, buf []byte) (int, Result) {
	req := &rpc.Record{Handle: h, Idx: idx, Length: int32(len(buf))}
	resp, err := clientRoundTrip(ctx, ci, rpc.OpGetStringDescriptorAscii, req)
	if err != nil {
		return 0, fail(Wire, "%s", err)
	}
	n := int(resp.Transferred)
	if n < 0 {
		n = 0
	}
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf, resp.Data[:n])
	return n, resultFromStatus(resp.ServerError)
}

func clientControlTransfer(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, reqType, req, val, idx uint16, data []byte, timeout time.Duration) (int, error) {
	rec := &rpc.Record{
		Handle:  h,
		ReqType: reqType, Req: req, Val: val, Idx: idx,
		Len:     uint16(len(data)),
		Timeout: uint32(timeout / time.Millisecond),
	}
	isDeviceToHost := reqType&0x80 != 0
	if !isDeviceToHost {
		copy(rec.Data[:], data)
	}
	resp, err := clientRoundTrip(ctx, ci, rpc.OpControlTransfer, rec)
	if err != nil {
		return 0, err
	}
	n := int(resp.Transferred)
	if isDeviceToHost && n > 0 {
		copy(data, resp.Data[:n])
	}
	return n, nil
}

func clientBulkTransfer(ctx context.Context, ci *rpcconn.ConnectionInfo, h rpc.HandleRef, endpoint uint16, data []byte, timeout time.Duration) (int, error) {
	rec := &rpc.Record{
		Handle:   h,
		Endpoint: endpoint,
		Length:   int32(len(data)),
		Timeout:  uint32(timeout / time.Millisecond),
	}
	isIn := endpoint&0x80 != 0
	if !isIn {
		copy(rec.Data[:], data)
	}
	resp, err := clientRoundTrip(ctx, ci, rpc.OpBulkTransfer, rec)
	if err != nil {
		return 0, err
	}
	n := int(resp.Transferred)
	if isIn && n > 0 {
		copy(data, resp.Data[:n])
	}
	return n, nil
}
