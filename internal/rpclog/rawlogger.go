package rpclog

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Alia5/usbrpc/rpc"
)

// Sink is the shared destination decoded frame lines are written to:
// one per process, safe for any number of per-connection RawLoggers.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSink wraps w as a line sink. A nil w yields a sink every logger
// treats as disabled.
func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

func (s *Sink) active() bool {
	return s != nil && s.w != nil
}

func (s *Sink) writeLine(line string) {
	if !s.active() {
		return
	}
	s.mu.Lock()
	_, _ = io.WriteString(s.w, line)
	s.mu.Unlock()
}

// RawLogger observes the bytes crossing one connection, reassembles
// them into whole wire frames, and logs one line per frame with the
// decoded opcode and the record fields worth reading at a glance.
// Useful when debugging the fixed wire layout without a protocol-aware
// capture tool. Each RawLogger owns per-direction reassembly state, so
// one instance must observe exactly one connection.
type RawLogger interface {
	Log(in bool, data []byte)
}

// rawLogger keeps one reassembly buffer per direction: the C->S stream
// alternates opcode tag + record, the S->C stream is bare records.
type rawLogger struct {
	sink *Sink
	mu   sync.Mutex

	c2s bytes.Buffer
	s2c bytes.Buffer
}

// NewRaw creates a RawLogger for one connection, emitting into sink.
// If sink is nil or disabled, returns a no-op logger.
func NewRaw(sink *Sink) RawLogger {
	return &rawLogger{sink: sink}
}

// Log feeds bytes into the direction's reassembly buffer and emits one
// line per frame completed by them. in=true means client->server,
// in=false means server->client. Bytes of a frame still in flight stay
// buffered until the rest arrives.
func (r *rawLogger) Log(in bool, data []byte) {
	if len(data) == 0 {
		return
	}
	if !r.sink.active() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if in {
		r.c2s.Write(data)
		for r.c2s.Len() >= 4+rpc.RecordWireSize {
			op, _ := rpc.ReadOpCode(&r.c2s)
			r.emit("C->S", op.String(), &r.c2s)
		}
		return
	}
	r.s2c.Write(data)
	for r.s2c.Len() >= rpc.RecordWireSize {
		r.emit("S->C", "RESPONSE", &r.s2c)
	}
}

func (r *rawLogger) emit(dir, label string, buf *bytes.Buffer) {
	rec, err := rpc.Decode(buf)
	if err != nil {
		return
	}
	r.sink.writeLine(fmt.Sprintf(
		"%s %s %s role=%s status=%s dev=%d handle=%d conf=%d len=%d length=%d transferred=%d data: %s\n",
		time.Now().Format("2006/01/02 15:04:05"),
		dir, label,
		rec.Role, rec.ServerError,
		rec.Dev.SessionID, rec.Handle.SessionID,
		rec.Conf, rec.Len, rec.Length, rec.Transferred,
		dataPrefix(rec)))
}

// dataPrefix hex-dumps the valid prefix of the record's data buffer,
// capped at 16 bytes: the rest of the fixed-size buffer is undefined
// padding nobody wants in a log line.
func dataPrefix(rec *rpc.Record) string {
	valid := int(rec.Transferred)
	if n := int(rec.Length); n > valid {
		valid = n
	}
	if n := int(rec.Len); n > valid {
		valid = n
	}
	if valid <= 0 {
		return "-"
	}
	if valid > rpc.MaxData {
		valid = rpc.MaxData
	}

	const maxShown = 16
	truncated := valid > maxShown
	if truncated {
		valid = maxShown
	}

	const hexdigits = "0123456789abcdef"
	var hexbuf bytes.Buffer
	for i := 0; i < valid; i++ {
		if i > 0 {
			hexbuf.WriteByte(' ')
		}
		hexbuf.WriteByte(hexdigits[rec.Data[i]>>4])
		hexbuf.WriteByte(hexdigits[rec.Data[i]&0x0f])
	}
	if truncated {
		hexbuf.WriteString(" ...")
	}
	return hexbuf.String()
}

// TapConn mirrors every byte crossing a net.Conn into a RawLogger.
// ClientSide tells the tap which direction label its own writes get:
// a client's writes are C->S, a server's writes are S->C.
type TapConn struct {
	net.Conn
	Raw        RawLogger
	ClientSide bool
}

// NewTap wraps conn with a fresh per-connection frame decoder emitting
// into sink.
func NewTap(conn net.Conn, sink *Sink, clientSide bool) *TapConn {
	return &TapConn{Conn: conn, Raw: NewRaw(sink), ClientSide: clientSide}
}

func (t *TapConn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if n > 0 {
		t.Raw.Log(!t.ClientSide, p[:n])
	}
	return n, err
}

func (t *TapConn) Write(p []byte) (int, error) {
	n, err := t.Conn.Write(p)
	if n > 0 {
		t.Raw.Log(t.ClientSide, p[:n])
	}
	return n, err
}
