package protocol

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
)

const reservedBytes = 8

// protocolTag is the only pstr value this client will negotiate.
const protocolTag = "BitTorrent protocol"

var (
	// ErrBadHandshake is returned (possibly wrapped) when the remote's
	// pstrlen/pstr doesn't match protocolTag or its info-hash is not the
	// expected one.
	ErrBadHandshake = errors.New("handshake: bad handshake")
	// ErrDuplicatePeer is returned when the remote peer id is our own
	// (a self-connection) or already belongs to a connected session.
	ErrDuplicatePeer = errors.New("handshake: self-connection or duplicate peer id")
)

// Handshake is the fixed 68-byte frame exchanged before any length-prefixed
// message: <pstrlen:1><pstr:19><reserved:8><info_hash:20><peer_id:20>.
type Handshake struct {
	Pstr     string
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{
		Pstr:     "BitTorrent protocol",
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

func (h *Handshake) Serialize() []byte {
	buf := make([]byte, len(h.Pstr)+49)

	buf[0] = byte(len(h.Pstr))
	offset := 1
	offset += copy(buf[offset:], h.Pstr)
	offset += copy(buf[offset:], make([]byte, reservedBytes))
	offset += copy(buf[offset:], h.InfoHash[:])
	offset += copy(buf[offset:], h.PeerID[:])

	return buf
}

// Perform writes h to w, reads the remote's handshake back, and verifies
// the info-hash matches. It returns the remote peer id on success.
func Perform(w io.ReadWriter, h *Handshake) ([sha1.Size]byte, error) {
	if _, err := w.Write(h.Serialize()); err != nil {
		return [sha1.Size]byte{}, err
	}

	res, err := ReadHandshake(w)
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	if !bytes.Equal(h.InfoHash[:], res.InfoHash[:]) {
		return [sha1.Size]byte{}, fmt.Errorf("%w: info hash mismatch", ErrBadHandshake)
	}
	if res.PeerID == h.PeerID {
		return [sha1.Size]byte{}, ErrDuplicatePeer
	}
	return res.PeerID, nil
}

// Accept reads a remote handshake from rw, asks recognized to decide
// whether the advertised info-hash is one this client is serving, and if
// so writes back a handshake for the same info-hash under ourPeerID. It
// returns the negotiated info-hash and the remote peer id.
func Accept(rw io.ReadWriter, ourPeerID [sha1.Size]byte, recognized func(infoHash [sha1.Size]byte) bool) (infoHash, peerID [sha1.Size]byte, err error) {
	req, err := ReadHandshake(rw)
	if err != nil {
		return infoHash, peerID, err
	}
	if !recognized(req.InfoHash) {
		return infoHash, peerID, fmt.Errorf("%w: info hash not recognized", ErrBadHandshake)
	}
	if req.PeerID == ourPeerID {
		return infoHash, peerID, ErrDuplicatePeer
	}

	reply := NewHandshake(req.InfoHash, ourPeerID)
	if _, err := rw.Write(reply.Serialize()); err != nil {
		return infoHash, peerID, err
	}

	return req.InfoHash, req.PeerID, nil
}

func ReadHandshake(r io.Reader) (*Handshake, error) {
	sizeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, sizeBuf); err != nil {
		return nil, err
	}

	pstrlen := sizeBuf[0]
	if int(pstrlen) != len(protocolTag) {
		return nil, ErrBadHandshake
	}

	rest := make([]byte, 48+int(pstrlen))
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	if string(rest[:pstrlen]) != protocolTag {
		return nil, ErrBadHandshake
	}

	var infoHash, peerID [sha1.Size]byte
	copy(infoHash[:], rest[int(pstrlen)+reservedBytes:int(pstrlen)+reservedBytes+sha1.Size])
	copy(peerID[:], rest[int(pstrlen)+reservedBytes+sha1.Size:])

	return &Handshake{
		Pstr:     string(rest[:pstrlen]),
		InfoHash: infoHash,
		PeerID:   peerID,
	}, nil
}
