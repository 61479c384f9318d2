package wire

import (
	"errors"
	"fmt"
	"io"
)

// ErrBadHandshake is returned when a peer's handshake frame does not
// carry the expected protocol tag or info-hash.
var ErrBadHandshake = errors.New("wire: bad handshake")

const protocolTag = "BitTorrent protocol"

// HandshakeLen is the fixed length, in bytes, of a handshake frame:
// 1 (pstrlen) + 19 (pstr) + 8 (reserved) + 20 (info-hash) + 20 (peer-id).
const HandshakeLen = 68

// Handshake is the first message exchanged on a freshly opened
// connection, before any length-prefixed framing applies.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a handshake for the given info-hash and peer-id.
func NewHandshake(infoHash, peerID [20]byte) Handshake {
	return Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Serialize produces the 68-byte wire representation.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolTag))
	cur := 1
	cur += copy(buf[cur:], protocolTag)
	cur += copy(buf[cur:], make([]byte, 8)) // reserved
	cur += copy(buf[cur:], h.InfoHash[:])
	copy(buf[cur:], h.PeerID[:])
	return buf
}

// ReadHandshake parses a handshake frame from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	lenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Handshake{}, err
	}
	pstrLen := int(lenBuf[0])
	if pstrLen != len(protocolTag) {
		return Handshake{}, fmt.Errorf("%w: pstrlen %d, want %d", ErrBadHandshake, pstrLen, len(protocolTag))
	}

	rest := make([]byte, pstrLen+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, err
	}

	if string(rest[:pstrLen]) != protocolTag {
		return Handshake{}, fmt.Errorf("%w: unexpected protocol tag %q", ErrBadHandshake, rest[:pstrLen])
	}

	var h Handshake
	copy(h.InfoHash[:], rest[pstrLen+8:pstrLen+8+20])
	copy(h.PeerID[:], rest[pstrLen+8+20:])
	return h, nil
}
