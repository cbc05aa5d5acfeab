// Package gousb implements backend.Backend against real hardware via
// libusb, through github.com/google/gousb. This is the backend a
// production usbrpc server runs with; tests and demos use
// backend/memory instead.
package gousb

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/Alia5/usbrpc/backend"
)

// standard request plumbing for the raw descriptor read and clear-halt,
// per USB 2.0 ch. 9.
const (
	reqGetDescriptor    = 0x06
	reqClearFeature     = 0x01
	descTypeDevice      = 0x01
	featEndpointHalt    = 0x0000
	rtDeviceIn          = 0x80
	rtEndpointOut       = 0x02
	deviceDescriptorLen = 18
)

type gdevice struct {
	desc *gousb.DeviceDesc
}

type ghandle struct {
	mu      sync.Mutex
	dev     *gousb.Device
	cfg     *gousb.Config
	claimed map[int]*gousb.Interface
}

// Backend drives a libusb context. One Backend is shared across every
// connection a server process handles; the mutex serializes context
// setup/teardown, while per-handle state has its own lock.
type Backend struct {
	mu  sync.Mutex
	ctx *gousb.Context
}

// New returns an uninitialized Backend; Init creates the libusb
// context.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) context() (*gousb.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil, errors.New("gousb: backend not initialized")
	}
	return b.ctx, nil
}

func (b *Backend) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		return nil
	}
	b.ctx = gousb.NewContext()
	return nil
}

func (b *Backend) Exit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Close()
	b.ctx = nil
	return err
}

func asDevice(dev backend.Device) (*gdevice, error) {
	d, ok := dev.(*gdevice)
	if !ok || d == nil {
		return nil, backend.ErrNotFound
	}
	return d, nil
}

func asHandle(h backend.Handle) (*ghandle, error) {
	hd, ok := h.(*ghandle)
	if !ok || hd == nil || hd.dev == nil {
		return nil, backend.ErrNotFound
	}
	return hd, nil
}

func (b *Backend) ListDevices(ctx context.Context) ([]backend.Device, error) {
	gctx, err := b.context()
	if err != nil {
		return nil, err
	}
	var found []backend.Device
	// The opener never opens: returning false collects descriptors
	// without claiming any device.
	_, err = gctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		found = append(found, &gdevice{desc: d})
		return false
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// openMatching reopens the device a prior enumeration described.
// Descriptor pointers are not stable across OpenDevices calls, so the
// match is by bus topology plus ids.
func (b *Backend) openMatching(target *gousb.DeviceDesc) (*gousb.Device, error) {
	gctx, err := b.context()
	if err != nil {
		return nil, err
	}
	devs, err := gctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Bus == target.Bus && d.Address == target.Address &&
			d.Vendor == target.Vendor && d.Product == target.Product
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, err
		}
		return nil, backend.ErrNotFound
	}
	for _, d := range devs[1:] {
		_ = d.Close()
	}
	return devs[0], nil
}

func (b *Backend) DeviceDescriptor(ctx context.Context, dev backend.Device) (backend.Descriptor, error) {
	gd, err := asDevice(dev)
	if err != nil {
		return backend.Descriptor{}, err
	}
	desc := gd.desc
	d := backend.Descriptor{
		BLength:            deviceDescriptorLen,
		BDescriptorType:    descTypeDevice,
		BcdUSB:             uint16(desc.Spec),
		BDeviceClass:       uint8(desc.Class),
		BDeviceSubClass:    uint8(desc.SubClass),
		BDeviceProtocol:    uint8(desc.Protocol),
		BMaxPacketSize0:    uint8(desc.MaxControlPacketSize),
		IDVendor:           uint16(desc.Vendor),
		IDProduct:          uint16(desc.Product),
		BcdDevice:          uint16(desc.Device),
		BNumConfigurations: uint8(len(desc.Configs)),
	}
	// Enumeration does not surface the string descriptor indexes; read
	// the raw descriptor for them when the device can be opened. A
	// device we lack permission to open still gets the enumerated
	// fields above.
	if h, err := b.openMatching(desc); err == nil {
		var raw [deviceDescriptorLen]byte
		if n, err := h.Control(rtDeviceIn, reqGetDescriptor, descTypeDevice<<8, 0, raw[:]); err == nil && n == deviceDescriptorLen {
			d.IManufacturer = raw[14]
			d.IProduct = raw[15]
			d.ISerialNumber = raw[16]
		}
		_ = h.Close()
	}
	return d, nil
}

func wrapHandle(dev *gousb.Device) *ghandle {
	// Auto-detach keeps kernel drivers from fighting over interfaces we
	// claim; ignore failure on platforms that don't support it.
	_ = dev.SetAutoDetach(true)
	return &ghandle{dev: dev, claimed: make(map[int]*gousb.Interface)}
}

func (b *Backend) Open(ctx context.Context, dev backend.Device) (backend.Handle, error) {
	gd, err := asDevice(dev)
	if err != nil {
		return nil, err
	}
	d, err := b.openMatching(gd.desc)
	if err != nil {
		return nil, err
	}
	return wrapHandle(d), nil
}

func (b *Backend) OpenVidPid(ctx context.Context, vid, pid uint16) (backend.Handle, error) {
	gctx, err := b.context()
	if err != nil {
		return nil, err
	}
	d, err := gctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, nil
	}
	return wrapHandle(d), nil
}

func (b *Backend) Close(ctx context.Context, h backend.Handle) error {
	hd, err := asHandle(h)
	if err != nil {
		return err
	}
	hd.mu.Lock()
	defer hd.mu.Unlock()
	for _, intf := range hd.claimed {
		intf.Close()
	}
	hd.claimed = make(map[int]*gousb.Interface)
	if hd.cfg != nil {
		_ = hd.cfg.Close()
		hd.cfg = nil
	}
	err = hd.dev.Close()
	hd.dev = nil
	return err
}

// config lazily selects the device's active configuration; gousb needs
// a claimed Config before any interface can be claimed. Callers hold
// hd.mu.
func (hd *ghandle) config() (*gousb.Config, error) {
	if hd.cfg != nil {
		return hd.cfg, nil
	}
	num, err := hd.dev.ActiveConfigNum()
	if err != nil {
		return nil, err
	}
	cfg, err := hd.dev.Config(num)
	if err != nil {
		return nil, err
	}
	hd.cfg = cfg
	return cfg, nil
}

func (b *Backend) Claim(ctx context.Context, h backend.Handle, intf int) error {
	hd, err := asHandle(h)
	if err != nil {
		return err
	}
	hd.mu.Lock()
	defer hd.mu.Unlock()
	if _, ok := hd.claimed[intf]; ok {
		return nil
	}
	cfg, err := hd.config()
	if err != nil {
		return err
	}
	i, err := cfg.Interface(intf, 0)
	if err != nil {
		return err
	}
	hd.claimed[intf] = i
	return nil
}

func (b *Backend) Release(ctx context.Context, h backend.Handle, intf int) error {
	hd, err := asHandle(h)
	if err != nil {
		return err
	}
	hd.mu.Lock()
	defer hd.mu.Unlock()
	i, ok := hd.claimed[intf]
	if !ok {
		return backend.ErrNotFound
	}
	i.Close()
	delete(hd.claimed, intf)
	return nil
}

func (b *Backend) GetConfiguration(ctx context.Context, h backend.Handle) (int, error) {
	hd, err := asHandle(h)
	if err != nil {
		return 0, err
	}
	return hd.dev.ActiveConfigNum()
}

func (b *Backend) SetConfiguration(ctx context.Context, h backend.Handle, conf int) error {
	hd, err := asHandle(h)
	if err != nil {
		return err
	}
	hd.mu.Lock()
	defer hd.mu.Unlock()
	for n, intf := range hd.claimed {
		intf.Close()
		delete(hd.claimed, n)
	}
	if hd.cfg != nil {
		_ = hd.cfg.Close()
		hd.cfg = nil
	}
	cfg, err := hd.dev.Config(conf)
	if err != nil {
		return err
	}
	hd.cfg = cfg
	return nil
}

func (b *Backend) SetInterfaceAltSetting(ctx context.Context, h backend.Handle, intf, alt int) error {
	hd, err := asHandle(h)
	if err != nil {
		return err
	}
	hd.mu.Lock()
	defer hd.mu.Unlock()
	cfg, err := hd.config()
	if err != nil {
		return err
	}
	if old, ok := hd.claimed[intf]; ok {
		old.Close()
		delete(hd.claimed, intf)
	}
	i, err := cfg.Interface(intf, alt)
	if err != nil {
		return err
	}
	hd.claimed[intf] = i
	return nil
}

func (b *Backend) Reset(ctx context.Context, h backend.Handle) error {
	hd, err := asHandle(h)
	if err != nil {
		return err
	}
	return hd.dev.Reset()
}

func (b *Backend) ClearHalt(ctx context.Context, h backend.Handle, endpoint uint16) error {
	hd, err := asHandle(h)
	if err != nil {
		return err
	}
	// gousb does not expose libusb_clear_halt; CLEAR_FEATURE(ENDPOINT_HALT)
	// on the endpoint is the equivalent standard request.
	_, err = hd.dev.Control(rtEndpointOut, reqClearFeature, featEndpointHalt, endpoint, nil)
	return err
}

func (b *Backend) StringDescriptorASCII(ctx context.Context, h backend.Handle, idx uint16, buf []byte) (int, error) {
	hd, err := asHandle(h)
	if err != nil {
		return 0, err
	}
	s, err := hd.dev.GetStringDescriptor(int(idx))
	if err != nil {
		return 0, err
	}
	return copy(buf, s), nil
}

func (b *Backend) ControlTransfer(ctx context.Context, h backend.Handle, reqType, req, val, idx uint16, data []byte, timeout time.Duration) (int, error) {
	hd, err := asHandle(h)
	if err != nil {
		return 0, err
	}
	hd.mu.Lock()
	defer hd.mu.Unlock()
	if timeout > 0 {
		hd.dev.ControlTimeout = timeout
	}
	return hd.dev.Control(uint8(reqType), uint8(req), val, idx, data)
}

func (b *Backend) BulkTransfer(ctx context.Context, h backend.Handle, endpoint uint16, data []byte, timeout time.Duration) (int, error) {
	hd, err := asHandle(h)
	if err != nil {
		return 0, err
	}
	epNum := int(endpoint & 0x0f)
	in := endpoint&0x80 != 0

	hd.mu.Lock()
	var lastErr error = backend.ErrNotFound
	var inEp *gousb.InEndpoint
	var outEp *gousb.OutEndpoint
	for _, intf := range hd.claimed {
		if in {
			if ep, err := intf.InEndpoint(epNum); err == nil {
				inEp = ep
				break
			} else {
				lastErr = err
			}
		} else {
			if ep, err := intf.OutEndpoint(epNum); err == nil {
				outEp = ep
				break
			} else {
				lastErr = err
			}
		}
	}
	hd.mu.Unlock()

	if inEp == nil && outEp == nil {
		return 0, lastErr
	}

	tctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if in {
		return inEp.ReadContext(tctx, data)
	}
	return outEp.WriteContext(tctx, data)
}
