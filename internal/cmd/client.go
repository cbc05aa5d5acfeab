package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/Alia5/usbrpc/dispatch"
	"github.com/Alia5/usbrpc/internal/rpclog"
	"github.com/Alia5/usbrpc/internal/tunnel"
	"github.com/Alia5/usbrpc/rpc"
	"github.com/Alia5/usbrpc/rpcconn"
)

// ClientConfig carries the connection flags every client subcommand
// shares.
type ClientConfig struct {
	Addr    string        `help:"usbrpc server address" default:"127.0.0.1:3240" env:"USBRPC_ADDR"`
	Timeout time.Duration `help:"Deadline shared by init and the command's calls (exit gets its own); also the transfer timeout" default:"5s" env:"USBRPC_TIMEOUT"`
	KeyFile string        `help:"Pre-shared tunnel key file; enables the encrypted tunnel" env:"USBRPC_KEY_FILE"`
}

// withSession dials the server, runs USB_INIT, hands the live
// connection to fn, and always follows up with USB_EXIT so the server
// side releases every handle the command opened.
func (c *ClientConfig) withSession(sink *rpclog.Sink, fn func(ctx context.Context, ci *rpcconn.ConnectionInfo) error) error {
	conn, err := net.Dial("tcp", c.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if c.KeyFile != "" {
		key, err := tunnel.LoadKeyFile(c.KeyFile)
		if err != nil {
			return err
		}
		derived, err := tunnel.DeriveKey(key)
		if err != nil {
			return err
		}
		conn, err = tunnel.WrapConn(conn, derived, true)
		if err != nil {
			return err
		}
	}
	conn = rpclog.NewTap(conn, sink, true)

	ci := rpcconn.NewClient(conn)
	callCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), c.Timeout)
	}

	ctx, cancel := callCtx()
	defer cancel()
	if res := dispatch.Init(ctx, ci); !res.Ok() {
		return fmt.Errorf("init: %s", res.Error())
	}
	runErr := fn(ctx, ci)

	exitCtx, exitCancel := callCtx()
	defer exitCancel()
	if res := dispatch.Exit(exitCtx, ci); !res.Ok() && runErr == nil {
		runErr = fmt.Errorf("exit: %s", res.Error())
	}
	return runErr
}

// openVidPid is the shared preamble of every subcommand that targets a
// device by vendor/product id.
func openVidPid(ctx context.Context, ci *rpcconn.ConnectionInfo, vid, pid string) (rpc.HandleRef, error) {
	v, err := parseID(vid)
	if err != nil {
		return rpc.HandleRef{}, fmt.Errorf("vid: %w", err)
	}
	p, err := parseID(pid)
	if err != nil {
		return rpc.HandleRef{}, fmt.Errorf("pid: %w", err)
	}
	h, res := dispatch.OpenDeviceWithVidPid(ctx, ci, v, p)
	if !res.Ok() {
		return rpc.HandleRef{}, fmt.Errorf("open %s:%s: %s", vid, pid, res.Error())
	}
	if h.SessionID == rpc.NotFoundID {
		return rpc.HandleRef{}, fmt.Errorf("no device %s:%s attached to the server", vid, pid)
	}
	return h, nil
}

// parseID accepts both 0x-prefixed hex and bare decimal, since USB ids
// are conventionally written in hex.
func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// List enumerates the server's devices and prints each descriptor.
type List struct {
	ClientConfig `embed:""`
}

func (l *List) Run(logger *slog.Logger, sink *rpclog.Sink) error {
	return l.withSession(sink, func(ctx context.Context, ci *rpcconn.ConnectionInfo) error {
		list, res := dispatch.GetDeviceList(ctx, ci)
		if !res.Ok() {
			return fmt.Errorf("device list: %s", res.Error())
		}
		fmt.Printf("%d device(s)\n", list.NDevices)
		for i := uint32(0); i < list.NDevices; i++ {
			dev := list.Devices[i]
			desc, res := dispatch.GetDeviceDescriptor(ctx, ci, dev)
			if !res.Ok() {
				fmt.Printf("  [%d] descriptor unavailable\n", dev.SessionID)
				continue
			}
			fmt.Printf("  [%d] %04x:%04x usb %x.%02x class %02x/%02x/%02x configs %d\n",
				dev.SessionID, desc.IDVendor, desc.IDProduct,
				desc.BcdUSB>>8, desc.BcdUSB&0xff,
				desc.BDeviceClass, desc.BDeviceSubClass, desc.BDeviceProtocol,
				desc.BNumConfigurations)
		}
		return nil
	})
}

// Open opens a device by its session id from a fresh enumeration,
// reports its handle and active configuration, and closes it again.
type Open struct {
	ClientConfig `embed:""`
	Device       int32 `arg:"" help:"Device session id as printed by list"`
}

func (o *Open) Run(logger *slog.Logger, sink *rpclog.Sink) error {
	return o.withSession(sink, func(ctx context.Context, ci *rpcconn.ConnectionInfo) error {
		// The ids list printed are only valid within one session, so
		// re-enumerate before opening.
		list, res := dispatch.GetDeviceList(ctx, ci)
		if !res.Ok() {
			return fmt.Errorf("device list: %s", res.Error())
		}
		if o.Device < 0 || uint32(o.Device) >= list.NDevices {
			return fmt.Errorf("device %d not in current enumeration (%d devices)", o.Device, list.NDevices)
		}
		h, res := dispatch.Open(ctx, ci, rpc.DeviceRef{SessionID: o.Device})
		if !res.Ok() {
			return fmt.Errorf("open: %s", res.Error())
		}
		conf, res := dispatch.GetConfiguration(ctx, ci, h)
		if !res.Ok() {
			return fmt.Errorf("get configuration: %s", res.Error())
		}
		fmt.Printf("handle %d, active configuration %d\n", h.SessionID, conf)
		if res := dispatch.Close(ctx, ci, h); !res.Ok() {
			return fmt.Errorf("close: %s", res.Error())
		}
		return nil
	})
}

// Info opens a device by vendor/product id and prints its string
// descriptors.
type Info struct {
	ClientConfig `embed:""`
	Vid          string `arg:"" help:"Vendor id (hex like 0x1d6b or decimal)"`
	Pid          string `arg:"" help:"Product id"`
}

func (i *Info) Run(logger *slog.Logger, sink *rpclog.Sink) error {
	return i.withSession(sink, func(ctx context.Context, ci *rpcconn.ConnectionInfo) error {
		h, err := openVidPid(ctx, ci, i.Vid, i.Pid)
		if err != nil {
			return err
		}
		defer dispatch.Close(ctx, ci, h)

		conf, res := dispatch.GetConfiguration(ctx, ci, h)
		if res.Ok() {
			fmt.Printf("active configuration: %d\n", conf)
		}
		buf := make([]byte, 256)
		for idx := uint16(1); idx <= 3; idx++ {
			n, res := dispatch.GetStringDescriptorASCII(ctx, ci, h, idx, buf)
			if !res.Ok() || n == 0 {
				continue
			}
			fmt.Printf("string[%d]: %s\n", idx, string(buf[:n]))
		}
		return nil
	})
}

// Claim claims an interface, optionally switching configuration first
// and selecting an alt setting after the claim, then releases it. Useful to probe whether the server
// can get exclusive access to a device.
type Claim struct {
	ClientConfig `embed:""`
	Vid          string `arg:"" help:"Vendor id"`
	Pid          string `arg:"" help:"Product id"`
	Interface    int32  `help:"Interface number to claim" default:"0"`
	Config       int32  `help:"Switch to this configuration first" default:"-1"`
	AltSetting   int32  `help:"Select this alternate setting after claiming" default:"-1"`
}

func (c *Claim) Run(logger *slog.Logger, sink *rpclog.Sink) error {
	return c.withSession(sink, func(ctx context.Context, ci *rpcconn.ConnectionInfo) error {
		h, err := openVidPid(ctx, ci, c.Vid, c.Pid)
		if err != nil {
			return err
		}
		defer dispatch.Close(ctx, ci, h)

		if c.Config >= 0 {
			if res := dispatch.SetConfiguration(ctx, ci, h, c.Config); !res.Ok() {
				return fmt.Errorf("set configuration %d: %s", c.Config, res.Error())
			}
		}
		if res := dispatch.ClaimInterface(ctx, ci, h, c.Interface); !res.Ok() {
			return fmt.Errorf("claim interface %d: %s", c.Interface, res.Error())
		}
		fmt.Printf("claimed interface %d\n", c.Interface)
		if c.AltSetting >= 0 {
			if res := dispatch.SetInterfaceAltSetting(ctx, ci, h, c.Interface, c.AltSetting); !res.Ok() {
				return fmt.Errorf("set alt setting %d: %s", c.AltSetting, res.Error())
			}
			fmt.Printf("alt setting %d selected\n", c.AltSetting)
		}
		if res := dispatch.ReleaseInterface(ctx, ci, h, c.Interface); !res.Ok() {
			return fmt.Errorf("release interface %d: %s", c.Interface, res.Error())
		}
		return nil
	})
}

// Reset issues a port reset on the device.
type Reset struct {
	ClientConfig `embed:""`
	Vid          string `arg:"" help:"Vendor id"`
	Pid          string `arg:"" help:"Product id"`
}

func (r *Reset) Run(logger *slog.Logger, sink *rpclog.Sink) error {
	return r.withSession(sink, func(ctx context.Context, ci *rpcconn.ConnectionInfo) error {
		h, err := openVidPid(ctx, ci, r.Vid, r.Pid)
		if err != nil {
			return err
		}
		defer dispatch.Close(ctx, ci, h)
		if res := dispatch.ResetDevice(ctx, ci, h); !res.Ok() {
			return fmt.Errorf("reset: %s", res.Error())
		}
		fmt.Println("device reset")
		return nil
	})
}

// ClearHalt clears a halted endpoint.
type ClearHalt struct {
	ClientConfig `embed:""`
	Vid          string `arg:"" help:"Vendor id"`
	Pid          string `arg:"" help:"Product id"`
	Endpoint     string `arg:"" help:"Endpoint address (e.g. 0x81)"`
}

func (c *ClearHalt) Run(logger *slog.Logger, sink *rpclog.Sink) error {
	return c.withSession(sink, func(ctx context.Context, ci *rpcconn.ConnectionInfo) error {
		ep, err := parseID(c.Endpoint)
		if err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
		h, err := openVidPid(ctx, ci, c.Vid, c.Pid)
		if err != nil {
			return err
		}
		defer dispatch.Close(ctx, ci, h)
		if res := dispatch.ClearHalt(ctx, ci, h, ep); !res.Ok() {
			return fmt.Errorf("clear halt: %s", res.Error())
		}
		fmt.Printf("endpoint %#04x cleared\n", ep)
		return nil
	})
}

// Control issues a single control transfer.
type Control struct {
	ClientConfig `embed:""`
	Vid          string `arg:"" help:"Vendor id"`
	Pid          string `arg:"" help:"Product id"`
	RequestType  string `help:"bmRequestType" default:"0x80"`
	Request      string `help:"bRequest" default:"0x06"`
	Value        string `help:"wValue" default:"0x0100"`
	Index        string `help:"wIndex" default:"0"`
	Length       int    `help:"Bytes to read on an IN transfer" default:"18"`
	Data         string `help:"Hex payload for an OUT transfer"`
}

func (c *Control) Run(logger *slog.Logger, sink *rpclog.Sink) error {
	return c.withSession(sink, func(ctx context.Context, ci *rpcconn.ConnectionInfo) error {
		reqType, err := parseID(c.RequestType)
		if err != nil {
			return fmt.Errorf("request-type: %w", err)
		}
		req, err := parseID(c.Request)
		if err != nil {
			return fmt.Errorf("request: %w", err)
		}
		val, err := parseID(c.Value)
		if err != nil {
			return fmt.Errorf("value: %w", err)
		}
		idx, err := parseID(c.Index)
		if err != nil {
			return fmt.Errorf("index: %w", err)
		}

		var data []byte
		if reqType&0x80 != 0 {
			data = make([]byte, c.Length)
		} else {
			data, err = hex.DecodeString(c.Data)
			if err != nil {
				return fmt.Errorf("data: %w", err)
			}
		}

		h, err := openVidPid(ctx, ci, c.Vid, c.Pid)
		if err != nil {
			return err
		}
		defer dispatch.Close(ctx, ci, h)

		n, err := dispatch.ControlTransfer(ctx, ci, h, reqType, req, val, idx, data, c.Timeout)
		if err != nil {
			return fmt.Errorf("control transfer: %w", err)
		}
		fmt.Printf("%d byte(s) transferred\n", n)
		if reqType&0x80 != 0 && n > 0 {
			fmt.Println(hex.Dump(data[:n]))
		}
		return nil
	})
}

// Bulk issues a single bulk transfer on a claimed interface.
type Bulk struct {
	ClientConfig `embed:""`
	Vid          string `arg:"" help:"Vendor id"`
	Pid          string `arg:"" help:"Product id"`
	Endpoint     string `arg:"" help:"Endpoint address (e.g. 0x81 for IN, 0x01 for OUT)"`
	Interface    int32  `help:"Interface to claim before transferring" default:"0"`
	Length       int    `help:"Bytes to read on an IN endpoint" default:"64"`
	Data         string `help:"Hex payload for an OUT endpoint"`
}

func (b *Bulk) Run(logger *slog.Logger, sink *rpclog.Sink) error {
	return b.withSession(sink, func(ctx context.Context, ci *rpcconn.ConnectionInfo) error {
		ep, err := parseID(b.Endpoint)
		if err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
		var data []byte
		if ep&0x80 != 0 {
			data = make([]byte, b.Length)
		} else {
			data, err = hex.DecodeString(b.Data)
			if err != nil {
				return fmt.Errorf("data: %w", err)
			}
		}

		h, err := openVidPid(ctx, ci, b.Vid, b.Pid)
		if err != nil {
			return err
		}
		defer dispatch.Close(ctx, ci, h)

		if res := dispatch.ClaimInterface(ctx, ci, h, b.Interface); !res.Ok() {
			return fmt.Errorf("claim interface %d: %s", b.Interface, res.Error())
		}
		defer dispatch.ReleaseInterface(ctx, ci, h, b.Interface)

		n, err := dispatch.BulkTransfer(ctx, ci, h, ep, data, b.Timeout)
		if err != nil {
			return fmt.Errorf("bulk transfer: %w", err)
		}
		fmt.Printf("%d byte(s) transferred\n", n)
		if ep&0x80 != 0 && n > 0 {
			fmt.Println(hex.Dump(data[:n]))
		}
		return nil
	})
}
