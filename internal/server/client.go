// Package server is the client side of the matchmaker protocol: an
// authenticated JSON websocket carrying registration, storage requests,
// snapshot pointers and peer lookups. The matchmaker never sees backup
// data; it is trusted for matching liveness only.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"peerback/internal/crypto"
	"peerback/internal/util/logger/sl"
)

var (
	ErrUnreachable  = errors.New("matchmaker unreachable")
	ErrRejected     = errors.New("matchmaker rejected the request")
	ErrAuthFailed   = errors.New("matchmaker authentication failed")
	ErrPeerNotFound = errors.New("peer unknown to matchmaker")
)

const (
	heartbeatInterval = 30 * time.Second
	rpcTimeout        = 30 * time.Second
	dialTimeout       = 15 * time.Second
)

type Client struct {
	url  string
	keys *crypto.Keys
	log  *slog.Logger

	matches chan Match

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	// rpcMu serializes request-reply exchanges on the socket.
	rpcMu   sync.Mutex
	replies chan Envelope
}

func NewClient(url string, keys *crypto.Keys, log *slog.Logger) *Client {
	return &Client{
		url:     url,
		keys:    keys,
		log:     log,
		matches: make(chan Match, 16),
		replies: make(chan Envelope, 1),
	}
}

// Matches delivers server-pushed storage matches, whenever they arrive.
func (c *Client) Matches() <-chan Match { return c.matches }

// Run keeps the connection up: connect, register, pump messages, and on
// failure reconnect with backoff. Local state survives disconnects; only
// matching pauses.
func (c *Client) Run(ctx context.Context) error {
	const op = "server.Client.Run"
	log := c.log.With(slog.String("op", op))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.connect(ctx)
		if err == nil {
			b.Reset()
			err = c.pump(ctx)
		}

		c.setConn(nil)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		log.Warn("server connection lost, reconnecting",
			sl.Err(err), slog.Duration("wait", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connected reports whether the registered websocket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// WaitConnected blocks until the client is registered or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	for !c.Connected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && conn == nil {
		c.conn.Close()
	}
	c.conn = conn
	c.connected = conn != nil
}

// connect dials the matchmaker and authenticates: the server opens with a
// nonce challenge, the client answers with its pubkey and a signature
// over the nonce.
func (c *Client) connect(ctx context.Context) error {
	const op = "server.Client.connect"

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnreachable, err)
	}

	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return fmt.Errorf("%s: read challenge: %w", op, err)
	}
	if env.Type != TypeChallenge {
		conn.Close()
		return fmt.Errorf("%s: expected challenge, got %q", op, env.Type)
	}

	var ch Challenge
	if err := json.Unmarshal(env.Payload, &ch); err != nil {
		conn.Close()
		return fmt.Errorf("%s: decode challenge: %w", op, err)
	}

	reg, err := envelope(TypeRegister, Register{
		Pubkey: c.keys.PeerID(),
		Sig:    c.keys.Sign(ch.Nonce),
	})
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteJSON(reg); err != nil {
		conn.Close()
		return fmt.Errorf("%s: send register: %w", op, err)
	}

	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return fmt.Errorf("%s: read registration reply: %w", op, err)
	}
	if env.Type != TypeRegistered {
		conn.Close()
		return fmt.Errorf("%s: %w", op, ErrAuthFailed)
	}

	c.setConn(conn)
	c.log.Info("registered with matchmaker", slog.String("op", op), slog.String("url", c.url))
	return nil
}

// pump reads server messages and keeps the heartbeat going until the
// connection breaks.
func (c *Client) pump(ctx context.Context) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrUnreachable
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.heartbeat(ctx, pingDone)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read server message: %w", err)
		}

		switch env.Type {
		case TypeMatch:
			var m Match
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				c.log.Warn("bad match payload", sl.Err(err))
				continue
			}
			select {
			case c.matches <- m:
			case <-ctx.Done():
				return ctx.Err()
			}

		case TypePong:
			// heartbeat answered

		case TypePing:
			c.send(Envelope{Type: TypePong})

		default:
			// a reply to the in-flight rpc
			select {
			case c.replies <- env:
			default:
				c.log.Warn("dropping unexpected server message",
					slog.String("type", env.Type))
			}
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.send(Envelope{Type: TypePing}); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrUnreachable
	}
	return c.conn.WriteJSON(env)
}

// rpc sends a request and waits for the next non-push reply.
func (c *Client) rpc(ctx context.Context, env Envelope) (Envelope, error) {
	c.rpcMu.Lock()
	defer c.rpcMu.Unlock()

	// clear any stale reply
	select {
	case <-c.replies:
	default:
	}

	if err := c.send(env); err != nil {
		return Envelope{}, err
	}

	select {
	case reply := <-c.replies:
		return reply, nil
	case <-time.After(rpcTimeout):
		return Envelope{}, fmt.Errorf("%w: rpc timeout", ErrUnreachable)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// RequestStorage asks for bytes of remote storage. The match, if any,
// arrives asynchronously on Matches.
func (c *Client) RequestStorage(ctx context.Context, bytes int64) error {
	env, err := envelope(TypeRequestStorage, RequestStorage{Bytes: bytes})
	if err != nil {
		return err
	}

	reply, err := c.rpc(ctx, env)
	if err != nil {
		return err
	}
	switch reply.Type {
	case TypeOk:
		return nil
	case TypeReject:
		return ErrRejected
	default:
		return fmt.Errorf("unexpected reply %q to storage request", reply.Type)
	}
}

// PublishSnapshot records a snapshot pointer server-side. The signature
// covers id, hash and timestamp.
func (c *Client) PublishSnapshot(ctx context.Context, id string, hash [crypto.HashSize]byte, ts int64) error {
	msg := PublishSnapshot{
		SnapshotID: id,
		Hash:       hash[:],
		Timestamp:  ts,
	}
	msg.Sig = c.keys.Sign(snapshotSignable(msg))

	env, err := envelope(TypePublishSnapshot, msg)
	if err != nil {
		return err
	}

	reply, err := c.rpc(ctx, env)
	if err != nil {
		return err
	}
	switch reply.Type {
	case TypeOk:
		return nil
	case TypeReject:
		return ErrRejected
	default:
		return fmt.Errorf("unexpected reply %q to snapshot publish", reply.Type)
	}
}

// snapshotSignable is the byte string the snapshot pointer signature
// covers.
func snapshotSignable(m PublishSnapshot) []byte {
	out := make([]byte, 0, len(m.SnapshotID)+len(m.Hash)+8)
	out = append(out, m.SnapshotID...)
	out = append(out, m.Hash...)
	for i := 0; i < 8; i++ {
		out = append(out, byte(m.Timestamp>>(8*i)))
	}
	return out
}

// ListSnapshots fetches the server's pointer records for this client.
func (c *Client) ListSnapshots(ctx context.Context) ([]SnapshotPointer, error) {
	reply, err := c.rpc(ctx, Envelope{Type: TypeListSnapshots})
	if err != nil {
		return nil, err
	}
	if reply.Type != TypeSnapshots {
		return nil, fmt.Errorf("unexpected reply %q to snapshot list", reply.Type)
	}

	var body Snapshots
	if err := json.Unmarshal(reply.Payload, &body); err != nil {
		return nil, fmt.Errorf("decode snapshot list: %w", err)
	}
	return body.Snapshots, nil
}

// LocatePeer resolves a peer id to its last known address.
func (c *Client) LocatePeer(ctx context.Context, id crypto.PeerID) (string, error) {
	env, err := envelope(TypeLocatePeer, LocatePeer{PeerID: id})
	if err != nil {
		return "", err
	}

	reply, err := c.rpc(ctx, env)
	if err != nil {
		return "", err
	}
	switch reply.Type {
	case TypeAddr:
		var a Addr
		if err := json.Unmarshal(reply.Payload, &a); err != nil {
			return "", fmt.Errorf("decode addr: %w", err)
		}
		return a.Addr, nil
	case TypeNotFound:
		return "", ErrPeerNotFound
	default:
		return "", fmt.Errorf("unexpected reply %q to locate", reply.Type)
	}
}
