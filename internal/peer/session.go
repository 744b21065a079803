// Package peer implements the authenticated framed channel between two
// peers: a challenge-signature handshake over ed25519 identities, then
// PUT/GET/DELETE of pack files. One side drives requests, the other serves
// them from its holder.
package peer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"peerback/internal/crypto"
	"peerback/internal/holder"
	"peerback/internal/util/logger/sl"
)

const (
	handshakeTimeout = 30 * time.Second
	writeTimeout     = 20 * time.Second
	idleReadTimeout  = 60 * time.Second
)

type Session struct {
	conn   net.Conn
	remote crypto.PeerID
	log    *slog.Logger
}

// Remote is the authenticated identity of the other side.
func (s *Session) Remote() crypto.PeerID { return s.remote }

func (s *Session) Close() error { return s.conn.Close() }

// Dial connects to a peer and runs the initiator side of the handshake.
// If expected is non-zero the session fails unless the remote proves that
// exact identity.
func Dial(ctx context.Context, addr string, keys *crypto.Keys, expected crypto.PeerID, log *slog.Logger) (*Session, error) {
	const op = "peer.Dial"

	dialer := net.Dialer{Timeout: handshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s, err := handshake(conn, keys, true)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var zero crypto.PeerID
	if expected != zero && s.remote != expected {
		conn.Close()
		return nil, fmt.Errorf("%s: %w: remote is %s, want %s", op, ErrHandshakeFailed, s.remote, expected)
	}

	s.log = log.With(slog.String("peer", s.remote.String()))
	s.log.Info("session established", slog.String("op", op), slog.String("addr", addr))
	return s, nil
}

// Accept runs the responder side of the handshake on an inbound connection.
func Accept(conn net.Conn, keys *crypto.Keys, log *slog.Logger) (*Session, error) {
	const op = "peer.Accept"

	s, err := handshake(conn, keys, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.log = log.With(slog.String("peer", s.remote.String()))
	return s, nil
}

// handshake exchanges HELLO frames carrying identity and a random
// challenge, then AUTH frames with each side's signature over the other's
// challenge. Both directions verify.
func handshake(conn net.Conn, keys *crypto.Keys, initiator bool) (*Session, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	defer conn.SetDeadline(time.Time{})

	var ourChallenge [challengeSize]byte
	if _, err := rand.Read(ourChallenge[:]); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}

	sendHello := func() error {
		return writeFrame(conn, TagHello, encodeHello(keys.PeerID(), ourChallenge))
	}
	recvHello := func() (crypto.PeerID, [challengeSize]byte, error) {
		f, err := readFrame(conn)
		if err != nil {
			return crypto.PeerID{}, [challengeSize]byte{}, err
		}
		if f.tag != TagHello {
			return crypto.PeerID{}, [challengeSize]byte{}, fmt.Errorf("%w: tag %d during hello", ErrUnexpectedFrame, f.tag)
		}
		return decodeHello(f.payload)
	}

	var (
		remote          crypto.PeerID
		remoteChallenge [challengeSize]byte
		err             error
	)

	sendAuth := func() error {
		return writeFrame(conn, TagAuth, keys.Sign(remoteChallenge[:]))
	}
	recvAuth := func() error {
		f, err := readFrame(conn)
		if err != nil {
			return err
		}
		if f.tag != TagAuth {
			return fmt.Errorf("%w: tag %d during auth", ErrUnexpectedFrame, f.tag)
		}
		if !crypto.Verify(remote, ourChallenge[:], f.payload) {
			return fmt.Errorf("%w: bad challenge signature", ErrHandshakeFailed)
		}
		return nil
	}

	// strict alternation; the responder verifies the initiator before
	// proving itself
	if initiator {
		if err = sendHello(); err != nil {
			return nil, err
		}
		if remote, remoteChallenge, err = recvHello(); err != nil {
			return nil, err
		}
		if err = sendAuth(); err != nil {
			return nil, err
		}
		if err = recvAuth(); err != nil {
			return nil, err
		}
	} else {
		if remote, remoteChallenge, err = recvHello(); err != nil {
			return nil, err
		}
		if err = sendHello(); err != nil {
			return nil, err
		}
		if err = recvAuth(); err != nil {
			return nil, err
		}
		if err = sendAuth(); err != nil {
			return nil, err
		}
	}

	return &Session{conn: conn, remote: remote}, nil
}

///////////////////////////////////////////////////////////////////////////
// request side

// Put streams a pack to the peer and waits for its acknowledgment. The
// returned hash is what the peer computed over the received bytes; the
// caller compares it against the pack's own id before counting the pack as
// placed. ErrRejected means the peer refused (for example over budget)
// without closing the session; a pack the peer already holds is
// acknowledged, not rejected.
func (s *Session) Put(ctx context.Context, id crypto.PackID, r io.Reader, size int64) (crypto.PackID, error) {
	const op = "peer.Session.Put"
	var zero crypto.PackID

	if err := s.send(ctx, TagPutBegin, encodePackHeader(id, uint64(size))); err != nil {
		return zero, fmt.Errorf("%s: %w", op, err)
	}

	buf := make([]byte, dataChunkSize)
	var offset uint64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if err := s.send(ctx, TagPutData, encodeData(offset, buf[:n])); err != nil {
				return zero, fmt.Errorf("%s: %w", op, err)
			}
			offset += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return zero, fmt.Errorf("%s: read pack: %w", op, err)
		}
	}

	if err := s.send(ctx, TagPutEnd, encodePackID(id)); err != nil {
		return zero, fmt.Errorf("%s: %w", op, err)
	}

	f, err := s.recv(ctx)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", op, err)
	}

	switch f.tag {
	case TagPutAck:
		ackID, hash, err := decodeAck(f.payload)
		if err != nil {
			return zero, fmt.Errorf("%s: %w", op, err)
		}
		if ackID != id {
			return zero, fmt.Errorf("%s: %w: ack for %s", op, ErrUnexpectedFrame, ackID)
		}
		return hash, nil
	case TagPutReject:
		return zero, fmt.Errorf("%s: %w: %s", op, ErrRejected, string(f.payload))
	default:
		return zero, fmt.Errorf("%s: %w: tag %d after put", op, ErrUnexpectedFrame, f.tag)
	}
}

// Get retrieves a pack from the peer into w, returning the byte count.
func (s *Session) Get(ctx context.Context, id crypto.PackID, w io.Writer) (int64, error) {
	const op = "peer.Session.Get"

	if err := s.send(ctx, TagGet, encodePackID(id)); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	f, err := s.recv(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var total uint64
	switch f.tag {
	case TagGetStart:
		if _, total, err = decodePackHeader(f.payload); err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
	case TagGetNotFound:
		return 0, fmt.Errorf("%s: %w", op, ErrNotFound)
	default:
		return 0, fmt.Errorf("%s: %w: tag %d after get", op, ErrUnexpectedFrame, f.tag)
	}

	var received uint64
	for {
		f, err := s.recv(ctx)
		if err != nil {
			return int64(received), fmt.Errorf("%s: %w", op, err)
		}

		switch f.tag {
		case TagGetData:
			offset, data, err := decodeData(f.payload)
			if err != nil {
				return int64(received), fmt.Errorf("%s: %w", op, err)
			}
			if offset != received {
				return int64(received), fmt.Errorf("%s: %w: data at %d, want %d", op, ErrProtocol, offset, received)
			}
			if _, err := w.Write(data); err != nil {
				return int64(received), fmt.Errorf("%s: write: %w", op, err)
			}
			received += uint64(len(data))
		case TagGetEnd:
			if received != total {
				return int64(received), fmt.Errorf("%s: %w: got %d of %d bytes", op, ErrProtocol, received, total)
			}
			return int64(received), nil
		default:
			return int64(received), fmt.Errorf("%s: %w: tag %d during get", op, ErrUnexpectedFrame, f.tag)
		}
	}
}

// Delete sends an advisory delete for a pack the peer holds for us.
func (s *Session) Delete(ctx context.Context, id crypto.PackID) error {
	return s.send(ctx, TagDelete, encodePackID(id))
}

// Ping checks liveness.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.send(ctx, TagPing, nil); err != nil {
		return err
	}
	f, err := s.recv(ctx)
	if err != nil {
		return err
	}
	if f.tag != TagPong {
		return fmt.Errorf("%w: tag %d after ping", ErrUnexpectedFrame, f.tag)
	}
	return nil
}

func (s *Session) send(ctx context.Context, tag byte, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return writeFrame(s.conn, tag, payload)
}

func (s *Session) recv(ctx context.Context) (frame, error) {
	if err := ctx.Err(); err != nil {
		return frame{}, err
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(idleReadTimeout)); err != nil {
		return frame{}, err
	}
	return readFrame(s.conn)
}

///////////////////////////////////////////////////////////////////////////
// serve side

// Serve answers the peer's requests until the connection closes or the
// context is cancelled. Incoming packs land in the holder, which enforces
// the peer's reservation balance; an over-budget PUT is rejected without
// dropping the session.
func (s *Session) Serve(ctx context.Context, h *holder.Holder) error {
	const op = "peer.Session.Serve"
	log := s.log.With(slog.String("op", op))

	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	for {
		f, err := s.recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: %w", op, err)
		}

		switch f.tag {
		case TagPing:
			if err := s.send(ctx, TagPong, nil); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}

		case TagPutBegin:
			if err := s.servePut(ctx, h, f.payload); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}

		case TagGet:
			if err := s.serveGet(ctx, h, f.payload); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}

		case TagDelete:
			id, err := decodePackID(f.payload)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			if err := h.Delete(id); err != nil {
				// advisory; nothing to answer
				log.Warn("delete failed", sl.Err(err))
			}

		default:
			return fmt.Errorf("%s: %w: tag %d", op, ErrUnexpectedFrame, f.tag)
		}
	}
}

func (s *Session) servePut(ctx context.Context, h *holder.Holder, payload []byte) error {
	id, total, err := decodePackHeader(payload)
	if err != nil {
		return err
	}

	reject := func(reason error) error {
		s.log.Info("rejecting put",
			slog.String("pack", id.String()), sl.Err(reason))
		return s.send(ctx, TagPutReject, []byte(reason.Error()))
	}

	sink, err := h.Begin(s.remote, id, int64(total))
	if err != nil {
		// the peer is already streaming; consume its frames first
		if drainErr := s.drainPut(ctx); drainErr != nil {
			return drainErr
		}
		if errors.Is(err, holder.ErrAlreadyHeld) {
			// a resend after a lost ack; held packs are hash-verified,
			// so acknowledge with the id itself
			return s.send(ctx, TagPutAck, encodeAck(id, id))
		}
		return reject(err)
	}

	for {
		f, err := s.recv(ctx)
		if err != nil {
			sink.Abort()
			return err
		}

		switch f.tag {
		case TagPutData:
			_, data, err := decodeData(f.payload)
			if err != nil {
				sink.Abort()
				return err
			}
			if _, err := sink.Write(data); err != nil {
				sink.Abort()
				if drainErr := s.drainPut(ctx); drainErr != nil {
					return drainErr
				}
				return reject(err)
			}
		case TagPutEnd:
			hash, err := sink.Commit()
			if err != nil {
				return reject(err)
			}
			s.log.Info("pack received",
				slog.String("pack", id.String()), slog.Uint64("bytes", total))
			return s.send(ctx, TagPutAck, encodeAck(id, hash))
		default:
			sink.Abort()
			return fmt.Errorf("%w: tag %d during put", ErrUnexpectedFrame, f.tag)
		}
	}
}

// drainPut consumes the remaining PUT frames of a transfer being rejected.
func (s *Session) drainPut(ctx context.Context) error {
	for {
		f, err := s.recv(ctx)
		if err != nil {
			return err
		}
		switch f.tag {
		case TagPutData:
			continue
		case TagPutEnd:
			return nil
		default:
			return fmt.Errorf("%w: tag %d while draining put", ErrUnexpectedFrame, f.tag)
		}
	}
}

func (s *Session) serveGet(ctx context.Context, h *holder.Holder, payload []byte) error {
	id, err := decodePackID(payload)
	if err != nil {
		return err
	}

	r, size, err := h.Open(id)
	if err != nil {
		if errors.Is(err, holder.ErrPackNotHeld) {
			return s.send(ctx, TagGetNotFound, encodePackID(id))
		}
		return err
	}
	defer r.Close()

	if err := s.send(ctx, TagGetStart, encodePackHeader(id, uint64(size))); err != nil {
		return err
	}

	buf := make([]byte, dataChunkSize)
	var offset uint64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if err := s.send(ctx, TagGetData, encodeData(offset, buf[:n])); err != nil {
				return err
			}
			offset += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read held pack: %w", err)
		}
	}

	return s.send(ctx, TagGetEnd, nil)
}
