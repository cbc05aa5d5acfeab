package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

var byteOrder = binary.LittleEndian

// ReadFull reads exactly len(buf) bytes, retrying on short reads until
// the buffer is full or the stream ends. A short read is not itself an
// error; only a read that can make no further progress (EOF before the
// buffer is full, or another I/O error) is.
func ReadFull(r io.Reader, buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			if n == len(buf) {
				return nil
			}
			return err
		}
	}
	return nil
}

// WriteOpCode writes the 32-bit opcode tag that precedes a request
// record on the wire. Responses do not carry a tag.
func WriteOpCode(w io.Writer, op OpCode) error {
	var buf [4]byte
	byteOrder.PutUint32(buf[:], uint32(op))
	_, err := w.Write(buf[:])
	return err
}

// ReadOpCode reads the 32-bit opcode tag. It does not validate that the
// tag names a catalog entry — callers range-check via OpCode.Valid.
func ReadOpCode(r io.Reader) (OpCode, error) {
	var buf [4]byte
	if err := ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return OpCode(byteOrder.Uint32(buf[:])), nil
}

// RecordWireSize is the exact on-wire byte count of a Record. Every
// field is a fixed-width numeric type or a fixed-size array of one, so
// the whole struct has a single well-defined size under
// encoding/binary.
var RecordWireSize = binary.Size(Record{})

// Encode serializes a Record as a contiguous fixed-layout blob. Every
// field occupies the same bytes on every call regardless of opcode;
// the data buffer is always the full MaxData bytes, with Length/Len
// marking the valid prefix.
func Encode(w io.Writer, rec *Record) error {
	if err := binary.Write(w, byteOrder, rec); err != nil {
		return fmt.Errorf("rpc: encode record: %w", err)
	}
	return nil
}

// Decode reads a full Record off r, retrying short reads until the
// wire-sized blob is complete or the stream ends. decode(encode(r)) ==
// r for every well-formed Record.
func Decode(r io.Reader) (*Record, error) {
	buf := make([]byte, RecordWireSize)
	if err := ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("rpc: decode record: %w", err)
	}
	var rec Record
	if err := binary.Read(bytes.NewReader(buf), byteOrder, &rec); err != nil {
		return nil, fmt.Errorf("rpc: decode record: %w", err)
	}
	return &rec, nil
}
