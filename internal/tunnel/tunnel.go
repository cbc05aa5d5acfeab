// Package tunnel wraps a net.Conn in an AEAD-framed encryption layer.
// The RPC core itself carries no authentication or transport encryption
// and deployments are expected to tunnel; this package is that tunnel,
// applied by the example binaries outside the dispatch path. Both ends
// must share the same pre-shared key.
package tunnel

import (
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Alia5/usbrpc/rpc"
)

const (
	AutoGenKeyLength = 16
	Base62Chars      = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	PBKDF2Iterations = 100000
	PBKDF2Salt       = "usbrpc-Tunnel-v1"
)

// Nonce direction bytes. The two sides of a connection share one key,
// so each direction gets a disjoint nonce space: the initiator (client)
// seals with dirInitiator, the acceptor (server) with dirAcceptor, and
// each verifies the peer's direction on receipt.
const (
	dirInitiator = 0x01
	dirAcceptor  = 0x02
)

// maxSealedLen caps a single sealed packet. A conforming usbrpc peer
// never writes more than an opcode tag plus one record per call, so
// anything past that plus AEAD overhead marks a corrupt or hostile
// stream and bounds what a peer can make us allocate.
var maxSealedLen = 4 + rpc.RecordWireSize + chacha20poly1305.Overhead

// GenerateKey creates a random 16-char base62 key.
func GenerateKey() (string, error) {
	randomBytes := make([]byte, AutoGenKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}

	key := make([]byte, AutoGenKeyLength)
	for i, b := range randomBytes {
		key[i] = Base62Chars[int(b)%62]
	}

	return string(key), nil
}

// DeriveKey uses PBKDF2 to stretch any pre-shared key to 32 bytes.
func DeriveKey(key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("tunnel key cannot be empty")
	}
	return pbkdf2.Key(
		sha256.New,
		key,
		[]byte(PBKDF2Salt),
		PBKDF2Iterations,
		32,
	)
}

// LoadKeyFile reads a key file written by GenerateKey (or by hand) and
// trims surrounding whitespace.
func LoadKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", errors.New("tunnel key file is empty")
	}
	return key, nil
}

// Conn is a net.Conn whose payload travels as length-prefixed
// chacha20poly1305 packets. Nonces are never transmitted: both ends
// derive them from a per-direction sequence counter and the sealing
// side's direction byte, so a dropped, replayed, or reordered packet
// fails authentication instead of decrypting out of sequence, and the
// wire carries 12 fewer bytes per packet. Framing is little-endian,
// matching the byte order the RPC wire itself is pinned to.
//
// Writes are serialized internally; the read side assumes the single
// reader the request/response protocol already guarantees.
type Conn struct {
	net.Conn
	aead cipher.AEAD

	sendDir byte
	recvDir byte

	writeMu sync.Mutex
	sendSeq uint64

	recvSeq  uint64
	recvRest []byte
}

// WrapConn layers the tunnel over conn using the 32-byte derived key.
// initiator must be true on the dialing (client) side and false on the
// accepting (server) side; it selects which nonce direction this end
// seals with.
func WrapConn(conn net.Conn, derivedKey []byte, initiator bool) (net.Conn, error) {
	aead, err := chacha20poly1305.New(derivedKey)
	if err != nil {
		return nil, err
	}
	c := &Conn{Conn: conn, aead: aead, sendDir: dirInitiator, recvDir: dirAcceptor}
	if !initiator {
		c.sendDir, c.recvDir = dirAcceptor, dirInitiator
	}
	return c, nil
}

func nonceFor(dir byte, seq uint64) [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	n[0] = dir
	binary.LittleEndian.PutUint64(n[4:], seq)
	return n
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	nonce := nonceFor(c.sendDir, c.sendSeq)

	pkt := make([]byte, 4, 4+len(p)+c.aead.Overhead())
	pkt = c.aead.Seal(pkt, nonce[:], p, nil)
	if len(pkt)-4 > maxSealedLen {
		return 0, fmt.Errorf("tunnel: payload of %d bytes exceeds the packet bound", len(p))
	}
	binary.LittleEndian.PutUint32(pkt[:4], uint32(len(pkt)-4))

	// One write per packet keeps header and ciphertext adjacent on the
	// underlying stream.
	if _, err := c.Conn.Write(pkt); err != nil {
		return 0, err
	}
	c.sendSeq++
	return len(p), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	if len(c.recvRest) == 0 {
		var hdr [4]byte
		if _, err := io.ReadFull(c.Conn, hdr[:]); err != nil {
			return 0, err
		}
		length := binary.LittleEndian.Uint32(hdr[:])
		if length == 0 || int(length) > maxSealedLen {
			return 0, fmt.Errorf("tunnel: packet length %d outside bounds", length)
		}

		sealed := make([]byte, length)
		if _, err := io.ReadFull(c.Conn, sealed); err != nil {
			return 0, err
		}

		nonce := nonceFor(c.recvDir, c.recvSeq)
		pt, err := c.aead.Open(sealed[:0], nonce[:], sealed, nil)
		if err != nil {
			return 0, fmt.Errorf("tunnel: packet %d failed authentication: %w", c.recvSeq, err)
		}
		c.recvSeq++
		c.recvRest = pt
	}

	n := copy(p, c.recvRest)
	c.recvRest = c.recvRest[n:]
	return n, nil
}
