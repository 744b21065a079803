package peer

import (
	"encoding/binary"
	"fmt"
	"io"

	"peerback/internal/crypto"
)

// Frame tags. Every frame on the wire is a 4-byte big-endian length
// followed by the tag byte and its payload.
const (
	TagHello       byte = 1
	TagAuth        byte = 2
	TagPutBegin    byte = 3
	TagPutData     byte = 4
	TagPutEnd      byte = 5
	TagPutAck      byte = 6
	TagPutReject   byte = 7
	TagGet         byte = 8
	TagGetStart    byte = 9
	TagGetData     byte = 10
	TagGetEnd      byte = 11
	TagGetNotFound byte = 12
	TagDelete      byte = 13
	TagPing        byte = 14
	TagPong        byte = 15
)

const (
	challengeSize = 32

	// dataChunkSize is how much pack data goes into one PUT_DATA or
	// GET_DATA frame.
	dataChunkSize = 256 * 1024

	// maxFrameSize bounds what a peer may ask us to buffer.
	maxFrameSize = dataChunkSize + 64
)

type frame struct {
	tag     byte
	payload []byte
}

func writeFrame(w io.Writer, tag byte, payload []byte) error {
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(1+len(payload)))
	hdr[4] = tag

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 || length > maxFrameSize {
		return frame{}, fmt.Errorf("%w: frame length %d", ErrProtocol, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return frame{}, fmt.Errorf("read frame payload: %w", err)
	}

	return frame{tag: buf[0], payload: buf[1:]}, nil
}

// helloPayload is pubkey(32) followed by a random challenge(32).

func encodeHello(id crypto.PeerID, challenge [challengeSize]byte) []byte {
	out := make([]byte, 0, len(id)+challengeSize)
	out = append(out, id[:]...)
	out = append(out, challenge[:]...)
	return out
}

func decodeHello(p []byte) (crypto.PeerID, [challengeSize]byte, error) {
	var (
		id        crypto.PeerID
		challenge [challengeSize]byte
	)
	if len(p) != len(id)+challengeSize {
		return id, challenge, fmt.Errorf("%w: hello payload %d bytes", ErrProtocol, len(p))
	}
	copy(id[:], p[:len(id)])
	copy(challenge[:], p[len(id):])
	return id, challenge, nil
}

// packHeaderPayload is pack-id(32) followed by a u64 length.

func encodePackHeader(id crypto.PackID, n uint64) []byte {
	out := make([]byte, crypto.HashSize+8)
	copy(out, id[:])
	binary.BigEndian.PutUint64(out[crypto.HashSize:], n)
	return out
}

func decodePackHeader(p []byte) (crypto.PackID, uint64, error) {
	var id crypto.PackID
	if len(p) != crypto.HashSize+8 {
		return id, 0, fmt.Errorf("%w: pack header payload %d bytes", ErrProtocol, len(p))
	}
	copy(id[:], p[:crypto.HashSize])
	return id, binary.BigEndian.Uint64(p[crypto.HashSize:]), nil
}

func encodePackID(id crypto.PackID) []byte {
	out := make([]byte, crypto.HashSize)
	copy(out, id[:])
	return out
}

func decodePackID(p []byte) (crypto.PackID, error) {
	var id crypto.PackID
	if len(p) != crypto.HashSize {
		return id, fmt.Errorf("%w: pack id payload %d bytes", ErrProtocol, len(p))
	}
	copy(id[:], p)
	return id, nil
}

// ackPayload is pack-id(32) followed by the received-bytes hash(32).

func encodeAck(id crypto.PackID, hash crypto.PackID) []byte {
	out := make([]byte, 2*crypto.HashSize)
	copy(out, id[:])
	copy(out[crypto.HashSize:], hash[:])
	return out
}

func decodeAck(p []byte) (crypto.PackID, crypto.PackID, error) {
	var id, hash crypto.PackID
	if len(p) != 2*crypto.HashSize {
		return id, hash, fmt.Errorf("%w: ack payload %d bytes", ErrProtocol, len(p))
	}
	copy(id[:], p[:crypto.HashSize])
	copy(hash[:], p[crypto.HashSize:])
	return id, hash, nil
}

// dataPayload is a u64 offset followed by the bytes.

func encodeData(offset uint64, b []byte) []byte {
	out := make([]byte, 8+len(b))
	binary.BigEndian.PutUint64(out, offset)
	copy(out[8:], b)
	return out
}

func decodeData(p []byte) (uint64, []byte, error) {
	if len(p) < 8 {
		return 0, nil, fmt.Errorf("%w: data payload %d bytes", ErrProtocol, len(p))
	}
	return binary.BigEndian.Uint64(p[:8]), p[8:], nil
}
