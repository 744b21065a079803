package peer

import (
	"bytes"
	"context"
	"crypto/rand"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerback/internal/crypto"
	"peerback/internal/holder"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testKeys(t *testing.T) *crypto.Keys {
	t.Helper()

	mnemonic, err := crypto.NewMnemonic()
	require.NoError(t, err)
	k, err := crypto.FromMnemonic(mnemonic)
	require.NoError(t, err)
	return k
}

type testPeers struct {
	client *Session
	holder *holder.Holder

	clientKeys *crypto.Keys
	serverKeys *crypto.Keys

	serveDone chan error
	cancel    context.CancelFunc
}

// setupSessions wires two in-memory peers: the returned client session
// talks to a served holder on the other end of the pipe.
func setupSessions(t *testing.T) *testPeers {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	log := testLogger()

	tp := &testPeers{
		clientKeys: testKeys(t),
		serverKeys: testKeys(t),
		serveDone:  make(chan error, 1),
	}

	h, err := holder.Open(t.TempDir(), log)
	require.NoError(t, err)
	tp.holder = h

	ctx, cancel := context.WithCancel(context.Background())
	tp.cancel = cancel

	serverReady := make(chan *Session, 1)
	go func() {
		s, err := Accept(serverConn, tp.serverKeys, log)
		if err != nil {
			serverConn.Close()
			tp.serveDone <- err
			close(serverReady)
			return
		}
		serverReady <- s
		tp.serveDone <- s.Serve(ctx, h)
	}()

	client, err := dialConn(clientConn, tp.clientKeys, log)
	require.NoError(t, err)
	tp.client = client

	server, ok := <-serverReady
	require.True(t, ok)
	require.Equal(t, tp.clientKeys.PeerID(), server.Remote())
	require.Equal(t, tp.serverKeys.PeerID(), client.Remote())

	t.Cleanup(func() {
		cancel()
		client.Close()
		serverConn.Close()
		h.Close()
	})

	return tp
}

// dialConn runs the initiator handshake over an existing connection so
// tests can use net.Pipe.
func dialConn(conn net.Conn, keys *crypto.Keys, log *slog.Logger) (*Session, error) {
	s, err := handshake(conn, keys, true)
	if err != nil {
		return nil, err
	}
	s.log = log.With(slog.String("peer", s.remote.String()))
	return s, nil
}

func randomPack(t *testing.T, n int) (crypto.PackID, []byte) {
	t.Helper()

	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return crypto.HashPack(data), data
}

func TestSession_Handshake_BadIdentity(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	log := testLogger()
	serverKeys := testKeys(t)

	go func() {
		if _, err := Accept(serverConn, serverKeys, log); err != nil {
			serverConn.Close()
		}
	}()

	// tamper: the initiator lies about its identity by signing with a
	// different key than the pubkey it sent
	conn := clientConn
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	liar := testKeys(t)
	other := testKeys(t)

	var challenge [challengeSize]byte
	require.NoError(t, writeFrame(conn, TagHello, encodeHello(liar.PeerID(), challenge)))

	f, err := readFrame(conn)
	require.NoError(t, err)
	require.Equal(t, TagHello, f.tag)
	_, serverChallenge, err := decodeHello(f.payload)
	require.NoError(t, err)

	// sign with the wrong private key
	require.NoError(t, writeFrame(conn, TagAuth, other.Sign(serverChallenge[:])))

	// the responder must drop the connection without sending its auth
	_, err = readFrame(conn)
	require.Error(t, err)
}

func TestSession_PingPong(t *testing.T) {
	tp := setupSessions(t)

	require.NoError(t, tp.client.Ping(context.Background()))
}

func TestSession_PutGetRoundTrip(t *testing.T) {
	tp := setupSessions(t)
	ctx := context.Background()

	require.NoError(t, tp.holder.AddGrant(tp.clientKeys.PeerID(), 1<<20))

	id, data := randomPack(t, 600*1024)

	hash, err := tp.client.Put(ctx, id, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, id, hash)

	var buf bytes.Buffer
	n, err := tp.client.Get(ctx, id, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, buf.Bytes())
}

func TestSession_PutOverBudget(t *testing.T) {
	tp := setupSessions(t)
	ctx := context.Background()

	require.NoError(t, tp.holder.AddGrant(tp.clientKeys.PeerID(), 100))

	id, data := randomPack(t, 4096)

	_, err := tp.client.Put(ctx, id, bytes.NewReader(data), int64(len(data)))
	require.ErrorIs(t, err, ErrRejected)

	// the session survives a rejected put
	require.NoError(t, tp.client.Ping(ctx))
}

func TestSession_PutDuplicateAcked(t *testing.T) {
	tp := setupSessions(t)
	ctx := context.Background()

	require.NoError(t, tp.holder.AddGrant(tp.clientKeys.PeerID(), 1<<20))

	id, data := randomPack(t, 2048)

	_, err := tp.client.Put(ctx, id, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	// resending after a lost ack still acknowledges
	hash, err := tp.client.Put(ctx, id, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, id, hash)
}

func TestSession_GetNotFound(t *testing.T) {
	tp := setupSessions(t)

	id, _ := randomPack(t, 16)

	var buf bytes.Buffer
	_, err := tp.client.Get(context.Background(), id, &buf)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, buf.Len())
}

func TestSession_Delete(t *testing.T) {
	tp := setupSessions(t)
	ctx := context.Background()

	require.NoError(t, tp.holder.AddGrant(tp.clientKeys.PeerID(), 1<<20))

	id, data := randomPack(t, 1024)
	_, err := tp.client.Put(ctx, id, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	require.NoError(t, tp.client.Delete(ctx, id))

	// deletes are async on the serve side; poll until it lands
	require.Eventually(t, func() bool {
		held, err := tp.holder.Has(id)
		return err == nil && !held
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_ListenAndDial(t *testing.T) {
	log := testLogger()

	serverKeys := testKeys(t)
	clientKeys := testKeys(t)

	h, err := holder.Open(t.TempDir(), log)
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.AddGrant(clientKeys.PeerID(), 1<<20))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	listenDone := make(chan error, 1)
	go func() {
		listenDone <- Listen(ctx, addr, serverKeys, h, log)
	}()

	var s *Session
	require.Eventually(t, func() bool {
		var err error
		s, err = Dial(context.Background(), addr, clientKeys, serverKeys.PeerID(), log)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	defer s.Close()

	id, data := randomPack(t, 10*1024)
	hash, err := s.Put(context.Background(), id, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, id, hash)

	cancel()
	select {
	case <-listenDone:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}
