package rpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	rec := &Record{
		Role:        RoleServer,
		ServerError: StatusSuccess,
		Dev:         DeviceRef{SessionID: 3},
		Handle:      HandleRef{SessionID: 7},
		Descriptor: DeviceDescriptor{
			BLength:            18,
			BDescriptorType:    1,
			BcdUSB:             0x0200,
			BDeviceClass:       0,
			BDeviceSubClass:    0,
			BDeviceProtocol:    0,
			BMaxPacketSize0:    64,
			IDVendor:           0x1d6b,
			IDProduct:          0x0002,
			BcdDevice:          0x0100,
			IManufacturer:      1,
			IProduct:           2,
			ISerialNumber:      0,
			BNumConfigurations: 1,
		},
		Vid: 0x1d6b, Pid: 0x0002,
		Intf: 0, AltSetting: 0, Conf: 1,
		Endpoint: 0x81, Idx: 0,
		ReqType: 0x80, Req: 0x06, Val: 0x0100, Len: 18,
		Timeout:     1000,
		Length:      18,
		Transferred: 18,
	}
	rec.DeviceList.NDevices = 2
	rec.DeviceList.Devices[0] = DeviceRef{SessionID: 0}
	rec.DeviceList.Devices[1] = DeviceRef{SessionID: 1}
	copy(rec.Data[:], []byte("hello usb world"))
	return rec
}

func TestCodecRoundTrip(t *testing.T) {
	rec := sampleRecord()

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, rec))
	require.Equal(t, RecordWireSize, buf.Len())

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestCodecZeroValueRoundTrip(t *testing.T) {
	rec := &Record{}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, rec))
	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

// shortReadConn dribbles bytes out a handful at a time to exercise the
// retry loop in ReadFull/Decode.
type shortReadConn struct {
	data  []byte
	chunk int
}

func (s *shortReadConn) Read(p []byte) (int, error) {
	if len(s.data) == 0 {
		return 0, bytes.ErrTooLarge // any non-EOF sentinel would do; unreachable in this test
	}
	n := s.chunk
	if n > len(p) {
		n = len(p)
	}
	if n > len(s.data) {
		n = len(s.data)
	}
	copy(p, s.data[:n])
	s.data = s.data[n:]
	return n, nil
}

func TestDecodeRetriesShortReads(t *testing.T) {
	rec := sampleRecord()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, rec))

	src := &shortReadConn{data: buf.Bytes(), chunk: 3}
	got, err := Decode(src)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestOpCodeFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteOpCode(&buf, OpControlTransfer))
	op, err := ReadOpCode(&buf)
	require.NoError(t, err)
	require.Equal(t, OpControlTransfer, op)
}

func TestOpCodeValidity(t *testing.T) {
	require.True(t, OpInit.Valid())
	require.True(t, OpBulkTransfer.Valid())
	require.False(t, OpCode(999).Valid())
}
