package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Alia5/usbrpc/backend"
	"github.com/Alia5/usbrpc/rpc"
	"github.com/Alia5/usbrpc/rpcconn"
)

// serverHandler is one catalog entry's server-side behavior: read the
// request record already framed on the wire (the opcode tag itself was
// consumed by the caller to select this handler), drive the backend,
// write the response record.
type serverHandler func(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error

var serverHandlers = map[rpc.OpCode]serverHandler{
	rpc.OpInit:                     serverInit,
	rpc.OpExit:                     serverExit,
	rpc.OpGetDeviceList:            serverGetDeviceList,
	rpc.OpGetDeviceDescriptor:      serverGetDeviceDescriptor,
	rpc.OpOpen:                     serverOpen,
	rpc.OpOpenDeviceWithVidPid:     serverOpenDeviceWithVidPid,
	rpc.OpClose:                    serverClose,
	rpc.OpClaimInterface:           serverClaimInterface,
	rpc.OpReleaseInterface:         serverReleaseInterface,
	rpc.OpGetConfiguration:         serverGetConfiguration,
	rpc.OpSetConfiguration:         serverSetConfiguration,
	rpc.OpSetInterfaceAltSetting:   serverSetInterfaceAltSetting,
	rpc.OpResetDevice:              serverResetDevice,
	rpc.OpClearHalt:                serverClearHalt,
	rpc.OpGetStringDescriptorAscii: serverGetStringDescriptorASCII,
	rpc.OpControlTransfer:          serverControlTransfer,
	rpc.OpBulkTransfer:             serverBulkTransfer,
}

func readRequest(ci *rpcconn.ConnectionInfo) (*rpc.Record, error) {
	req, err := rpc.Decode(ci.Conn())
	if err != nil {
		ci.MarkTerminal()
		return nil, err
	}
	return req, nil
}

func writeResponse(ci *rpcconn.ConnectionInfo, resp *rpc.Record) error {
	resp.Role = rpc.RoleServer
	if err := rpc.Encode(ci.Conn(), resp); err != nil {
		ci.MarkTerminal()
		return err
	}
	return nil
}

func logBackendErr(logger *slog.Logger, op rpc.OpCode, err error) {
	if logger != nil {
		logger.Error("usbrpc: backend operation failed", "op", op, "err", err)
	}
}

func convertDescriptor(d backend.Descriptor) rpc.DeviceDescriptor {
	return rpc.DeviceDescriptor(d)
}

// releaseAll closes every outstanding handle and drops the identity
// table. Runs on USB_EXIT and when a connection's serve loop winds
// down, so a client that hangs up without exiting cleanly does not leak
// open backend handles.
func releaseAll(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) {
	for _, h := range ci.Table().Handles() {
		if err := ci.Backend().Close(ctx, h); err != nil {
			logBackendErr(logger, rpc.OpClose, err)
		}
	}
	ci.Table().ReleaseAll()
}

func serverInit(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	if _, err := readRequest(ci); err != nil {
		return err
	}
	resp := &rpc.Record{}
	if err := ci.Backend().Init(ctx); err != nil {
		logBackendErr(logger, rpc.OpInit, err)
		resp.ServerError = rpc.StatusFailure
	} else {
		ci.MarkInitialized()
	}
	return writeResponse(ci, resp)
}

func serverExit(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	if _, err := readRequest(ci); err != nil {
		return err
	}
	resp := &rpc.Record{}
	releaseAll(ctx, ci, logger)
	if err := ci.Backend().Exit(ctx); err != nil {
		logBackendErr(logger, rpc.OpExit, err)
		resp.ServerError = rpc.StatusFailure
	}
	err := writeResponse(ci, resp)
	ci.MarkTerminal()
	return err
}

func serverGetDeviceList(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	if _, err := readRequest(ci); err != nil {
		return err
	}
	resp := &rpc.Record{}
	devices, err := ci.Backend().ListDevices(ctx)
	if err != nil {
		logBackendErr(logger, rpc.OpGetDeviceList, err)
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	if len(devices) > rpc.MaxDevices {
		if logger != nil {
			logger.Warn("usbrpc: device list truncated", "enumerated", len(devices), "max", rpc.MaxDevices)
		}
		devices = devices[:rpc.MaxDevices]
	}
	refs := ci.Table().ResetDevices(devices)
	resp.DeviceList.NDevices = uint32(len(refs))
	copy(resp.DeviceList.Devices[:], refs)
	return writeResponse(ci, resp)
}

func serverGetDeviceDescriptor(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	req, err := readRequest(ci)
	if err != nil {
		return err
	}
	resp := &rpc.Record{}
	dev, ok := ci.Table().ResolveDevice(req.Dev.SessionID)
	if !ok {
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	desc, err := ci.Backend().DeviceDescriptor(ctx, dev)
	if err != nil {
		logBackendErr(logger, rpc.OpGetDeviceDescriptor, err)
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	resp.Descriptor = convertDescriptor(desc)
	return writeResponse(ci, resp)
}

func serverOpen(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	req, err := readRequest(ci)
	if err != nil {
		return err
	}
	resp := &rpc.Record{Handle: rpc.HandleRef{SessionID: rpc.NotFoundID}}
	dev, ok := ci.Table().ResolveDevice(req.Dev.SessionID)
	if !ok {
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	h, err := ci.Backend().Open(ctx, dev)
	if err != nil {
		logBackendErr(logger, rpc.OpOpen, err)
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	resp.Handle = ci.Table().RegisterHandle(h)
	return writeResponse(ci, resp)
}

func serverOpenDeviceWithVidPid(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	req, err := readRequest(ci)
	if err != nil {
		return err
	}
	resp := &rpc.Record{Handle: rpc.HandleRef{SessionID: rpc.NotFoundID}}
	h, err := ci.Backend().OpenVidPid(ctx, req.Vid, req.Pid)
	if err != nil {
		logBackendErr(logger, rpc.OpOpenDeviceWithVidPid, err)
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	if h != nil {
		resp.Handle = ci.Table().RegisterHandle(h)
	}
	return writeResponse(ci, resp)
}

func serverClose(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	req, err := readRequest(ci)
	if err != nil {
		return err
	}
	resp := &rpc.Record{}
	h, ok := ci.Table().ResolveHandle(req.Handle.SessionID)
	if !ok {
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	if err := ci.Backend().Close(ctx, h); err != nil {
		logBackendErr(logger, rpc.OpClose, err)
		resp.ServerError = rpc.StatusFailure
	}
	ci.Table().ForgetHandle(req.Handle.SessionID)
	return writeResponse(ci, resp)
}

func serverClaimInterface(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	req, err := readRequest(ci)
	if err != nil {
		return err
	}
	resp := &rpc.Record{}
	h, ok := ci.Table().ResolveHandle(req.Handle.SessionID)
	if !ok {
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	if err := ci.Backend().Claim(ctx, h, int(req.Intf)); err != nil {
		logBackendErr(logger, rpc.OpClaimInterface, err)
		resp.ServerError = rpc.StatusFailure
	}
	return writeResponse(ci, resp)
}

func serverReleaseInterface(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	req, err := readRequest(ci)
	if err != nil {
		return err
	}
	resp := &rpc.Record{}
	h, ok := ci.Table().ResolveHandle(req.Handle.SessionID)
	if !ok {
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	if err := ci.Backend().Release(ctx, h, int(req.Intf)); err != nil {
		logBackendErr(logger, rpc.OpReleaseInterface, err)
		resp.ServerError = rpc.StatusFailure
	}
	return writeResponse(ci, resp)
}

func serverGetConfiguration(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	req, err := readRequest(ci)
	if err != nil {
		return err
	}
	resp := &rpc.Record{}
	h, ok := ci.Table().ResolveHandle(req.Handle.SessionID)
	if !ok {
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	conf, err := ci.Backend().GetConfiguration(ctx, h)
	if err != nil {
		logBackendErr(logger, rpc.OpGetConfiguration, err)
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	resp.Conf = int32(conf)
	return writeResponse(ci, resp)
}

func serverSetConfiguration(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	req, err := readRequest(ci)
	if err != nil {
		return err
	}
	resp := &rpc.Record{}
	h, ok := ci.Table().ResolveHandle(req.Handle.SessionID)
	if !ok {
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	if err := ci.Backend().SetConfiguration(ctx, h, int(req.Conf)); err != nil {
		logBackendErr(logger, rpc.OpSetConfiguration, err)
		resp.ServerError = rpc.StatusFailure
	}
	return writeResponse(ci, resp)
}

func serverSetInterfaceAltSetting(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	req, err := readRequest(ci)
	if err != nil {
		return err
	}
	resp := &rpc.Record{}
	h, ok := ci.Table().ResolveHandle(req.Handle.SessionID)
	if !ok {
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	if err := ci.Backend().SetInterfaceAltSetting(ctx, h, int(req.Intf), int(req.AltSetting)); err != nil {
		logBackendErr(logger, rpc.OpSetInterfaceAltSetting, err)
		resp.ServerError = rpc.StatusFailure
	}
	return writeResponse(ci, resp)
}

func serverResetDevice(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	req, err := readRequest(ci)
	if err != nil {
		return err
	}
	resp := &rpc.Record{}
	h, ok := ci.Table().ResolveHandle(req.Handle.SessionID)
	if !ok {
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	if err := ci.Backend().Reset(ctx, h); err != nil {
		logBackendErr(logger, rpc.OpResetDevice, err)
		resp.ServerError = rpc.StatusFailure
	}
	return writeResponse(ci, resp)
}

func serverClearHalt(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	req, err := readRequest(ci)
	if err != nil {
		return err
	}
	resp := &rpc.Record{}
	h, ok := ci.Table().ResolveHandle(req.Handle.SessionID)
	if !ok {
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	if err := ci.Backend().ClearHalt(ctx, h, req.Endpoint); err != nil {
		logBackendErr(logger, rpc.OpClearHalt, err)
		resp.ServerError = rpc.StatusFailure
	}
	return writeResponse(ci, resp)
}

func serverGetStringDescriptorASCII(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	req, err := readRequest(ci)
	if err != nil {
		return err
	}
	resp := &rpc.Record{}
	h, ok := ci.Table().ResolveHandle(req.Handle.SessionID)
	if !ok {
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	n := int(req.Length)
	if n > rpc.MaxData || n < 0 {
		n = rpc.MaxData
	}
	buf := make([]byte, n)
	got, err := ci.Backend().StringDescriptorASCII(ctx, h, req.Idx, buf)
	if err != nil {
		logBackendErr(logger, rpc.OpGetStringDescriptorAscii, err)
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	resp.Transferred = int32(got)
	copy(resp.Data[:], buf[:got])
	return writeResponse(ci, resp)
}

func serverControlTransfer(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	req, err := readRequest(ci)
	if err != nil {
		return err
	}
	resp := &rpc.Record{Transferred: -1}
	h, ok := ci.Table().ResolveHandle(req.Handle.SessionID)
	if !ok {
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	length := int(req.Len)
	if length > rpc.MaxData || length < 0 {
		length = rpc.MaxData
	}
	data := make([]byte, length)
	deviceToHost := req.ReqType&0x80 != 0
	if !deviceToHost {
		copy(data, req.Data[:length])
	}
	n, err := ci.Backend().ControlTransfer(ctx, h, req.ReqType, req.Req, req.Val, req.Idx, data, time.Duration(req.Timeout)*time.Millisecond)
	if err != nil {
		logBackendErr(logger, rpc.OpControlTransfer, err)
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	resp.Transferred = int32(n)
	if deviceToHost && n > 0 {
		copy(resp.Data[:], data[:n])
	}
	return writeResponse(ci, resp)
}

func serverBulkTransfer(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	req, err := readRequest(ci)
	if err != nil {
		return err
	}
	resp := &rpc.Record{Transferred: -1}
	h, ok := ci.Table().ResolveHandle(req.Handle.SessionID)
	if !ok {
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	length := int(req.Length)
	if length > rpc.MaxData || length < 0 {
		length = rpc.MaxData
	}
	data := make([]byte, length)
	in := req.Endpoint&0x80 != 0
	if !in {
		copy(data, req.Data[:length])
	}
	n, err := ci.Backend().BulkTransfer(ctx, h, req.Endpoint, data, time.Duration(req.Timeout)*time.Millisecond)
	if err != nil {
		logBackendErr(logger, rpc.OpBulkTransfer, err)
		resp.ServerError = rpc.StatusFailure
		return writeResponse(ci, resp)
	}
	resp.Transferred = int32(n)
	if in && n > 0 {
		copy(resp.Data[:], data[:n])
	}
	return writeResponse(ci, resp)
}

// ServeOne reads and handles exactly one request off ci's connection.
// It is the top-level entry a server-side accept loop drives per
// connection: read the opcode tag, range-check it, confirm the
// connection's state machine permits it, and dispatch to the matching
// server handler.
func ServeOne(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	op, err := rpc.ReadOpCode(ci.Conn())
	if err != nil {
		ci.MarkTerminal()
		return err
	}
	if !op.Valid() {
		if logger != nil {
			logger.Warn("usbrpc: illegal opcode", "tag", uint32(op))
		}
		ci.MarkTerminal()
		return fmt.Errorf("usbrpc: illegal opcode tag %d", uint32(op))
	}
	if !ci.AllowOp(op) {
		if logger != nil {
			logger.Warn("usbrpc: op rejected by state machine", "op", op, "state", ci.State())
		}
		return fmt.Errorf("usbrpc: %s rejected: connection is TERMINAL", op)
	}
	handler, ok := serverHandlers[op]
	if !ok {
		ci.MarkTerminal()
		return fmt.Errorf("usbrpc: no handler registered for %s", op)
	}
	return handler(ctx, ci, logger)
}

// Serve drives ci's connection until the client hangs up cleanly, the
// connection reaches TERMINAL, or an I/O error occurs. Callers
// typically run one Serve per accepted connection, e.g. inside an
// errgroup-bounded accept loop (see internal/cmd's Server).
func Serve(ctx context.Context, ci *rpcconn.ConnectionInfo, logger *slog.Logger) error {
	defer releaseAll(ctx, ci, logger)
	for {
		if err := ServeOne(ctx, ci, logger); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ci.State() == rpcconn.StateTerminal {
			return nil
		}
	}
}
