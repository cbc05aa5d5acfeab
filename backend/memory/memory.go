// Package memory implements a deterministic in-process backend.Backend
// for tests and local demos: no real USB stack, just enough bookkeeping
// to exercise every dispatch code path without hardware attached.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Alia5/usbrpc/backend"
)

type device struct {
	desc    backend.Descriptor
	config  int
	claimed map[int]bool
	strings map[uint16]string
}

type handle struct {
	dev    *device
	closed bool
}

// Backend is a fake USB stack backed entirely by in-memory state. The
// zero value is an empty backend with no devices; New pre-populates it.
type Backend struct {
	mu          sync.Mutex
	initialized bool
	devices     []*device
}

// New returns a Backend pre-populated with the given descriptors,
// enumerated in the order given.
func New(descs ...backend.Descriptor) *Backend {
	b := &Backend{}
	for _, d := range descs {
		b.devices = append(b.devices, newDevice(d))
	}
	return b
}

func newDevice(d backend.Descriptor) *device {
	return &device{desc: d, config: 1, claimed: make(map[int]bool), strings: make(map[uint16]string)}
}

// AddDevice attaches another device, as if plugged in after New. It
// will appear starting with the next ListDevices call.
func (b *Backend) AddDevice(d backend.Descriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = append(b.devices, newDevice(d))
}

// SetString fixes the ASCII string descriptor returned for idx on dev.
// dev must be a Device previously handed out by ListDevices.
func (b *Backend) SetString(dev backend.Device, idx uint16, s string) {
	if d, ok := dev.(*device); ok {
		b.mu.Lock()
		d.strings[idx] = s
		b.mu.Unlock()
	}
}

func asDevice(dev backend.Device) (*device, error) {
	d, ok := dev.(*device)
	if !ok || d == nil {
		return nil, backend.ErrNotFound
	}
	return d, nil
}

func asHandle(h backend.Handle) (*handle, error) {
	hd, ok := h.(*handle)
	if !ok || hd == nil || hd.closed {
		return nil, backend.ErrNotFound
	}
	return hd, nil
}

func (b *Backend) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = true
	return nil
}

func (b *Backend) Exit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = false
	return nil
}

func (b *Backend) ListDevices(ctx context.Context) ([]backend.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backend.Device, len(b.devices))
	for i, d := range b.devices {
		out[i] = d
	}
	return out, nil
}

func (b *Backend) DeviceDescriptor(ctx context.Context, dev backend.Device) (backend.Descriptor, error) {
	d, err := asDevice(dev)
	if err != nil {
		return backend.Descriptor{}, err
	}
	return d.desc, nil
}

func (b *Backend) Open(ctx context.Context, dev backend.Device) (backend.Handle, error) {
	d, err := asDevice(dev)
	if err != nil {
		return nil, err
	}
	return &handle{dev: d}, nil
}

func (b *Backend) OpenVidPid(ctx context.Context, vid, pid uint16) (backend.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devices {
		if d.desc.IDVendor == vid && d.desc.IDProduct == pid {
			return &handle{dev: d}, nil
		}
	}
	return nil, nil
}

func (b *Backend) Close(ctx context.Context, h backend.Handle) error {
	hd, err := asHandle(h)
	if err != nil {
		return err
	}
	hd.closed = true
	return nil
}

func (b *Backend) Claim(ctx context.Context, h backend.Handle, intf int) error {
	hd, err := asHandle(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	hd.dev.claimed[intf] = true
	return nil
}

func (b *Backend) Release(ctx context.Context, h backend.Handle, intf int) error {
	hd, err := asHandle(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(hd.dev.claimed, intf)
	return nil
}

func (b *Backend) GetConfiguration(ctx context.Context, h backend.Handle) (int, error) {
	hd, err := asHandle(h)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return hd.dev.config, nil
}

func (b *Backend) SetConfiguration(ctx context.Context, h backend.Handle, conf int) error {
	hd, err := asHandle(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	hd.dev.config = conf
	return nil
}

func (b *Backend) SetInterfaceAltSetting(ctx context.Context, h backend.Handle, intf, alt int) error {
	_, err := asHandle(h)
	return err
}

func (b *Backend) Reset(ctx context.Context, h backend.Handle) error {
	_, err := asHandle(h)
	return err
}

func (b *Backend) ClearHalt(ctx context.Context, h backend.Handle, endpoint uint16) error {
	_, err := asHandle(h)
	return err
}

func (b *Backend) StringDescriptorASCII(ctx context.Context, h backend.Handle, idx uint16, buf []byte) (int, error) {
	hd, err := asHandle(h)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	s := hd.dev.strings[idx]
	b.mu.Unlock()
	return copy(buf, s), nil
}

// ControlTransfer loops back the request buffer unchanged and reports
// the full length transferred; real control semantics are a backend
// concern the in-memory stack has no use for.
func (b *Backend) ControlTransfer(ctx context.Context, h backend.Handle, reqType, req, val, idx uint16, data []byte, timeout time.Duration) (int, error) {
	if _, err := asHandle(h); err != nil {
		return 0, err
	}
	return len(data), nil
}

// BulkTransfer loops back the request buffer unchanged, same rationale
// as ControlTransfer.
func (b *Backend) BulkTransfer(ctx context.Context, h backend.Handle, endpoint uint16, data []byte, timeout time.Duration) (int, error) {
	if _, err := asHandle(h); err != nil {
		return 0, err
	}
	return len(data), nil
}
