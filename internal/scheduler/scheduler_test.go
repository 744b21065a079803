package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerback/internal/crypto"
	"peerback/internal/packer"
	"peerback/internal/store"
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

// fakeTransport acks every put, or fails the first failN attempts.
type fakeTransport struct {
	mu       sync.Mutex
	failN    int
	attempts int
	received []crypto.PackID
	bytes    int64
}

func (f *fakeTransport) Put(ctx context.Context, id crypto.PackID, r io.Reader, size int64) (crypto.PackID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts++
	if f.attempts <= f.failN {
		return crypto.PackID{}, errors.New("connection reset")
	}

	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return crypto.PackID{}, err
	}
	f.received = append(f.received, id)
	f.bytes += n
	return id, nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) packs() []crypto.PackID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]crypto.PackID, len(f.received))
	copy(out, f.received)
	return out
}

type testEnv struct {
	store  *store.Store
	sealed chan packer.SealedPack
	sched  *Scheduler
	cancel context.CancelFunc
	done   chan struct{}
}

func setupTest(t *testing.T, dialer Dialer) *testEnv {
	t.Helper()

	log := testLogger()
	s, err := store.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sealed := make(chan packer.SealedPack, 8)
	sched := New(s, dialer, sealed, 4, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Error("scheduler did not stop")
		}
	})

	return &testEnv{store: s, sealed: sealed, sched: sched, cancel: cancel, done: done}
}

func sealTestPack(t *testing.T, dir string, content []byte) packer.SealedPack {
	t.Helper()

	path := filepath.Join(dir, crypto.HashPack(content).String()+".pack")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return packer.SealedPack{
		ID:   crypto.HashPack(content),
		Path: path,
		Size: int64(len(content)),
	}
}

func addPeer(t *testing.T, env *testEnv, peerID crypto.PeerID, bytes int64) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, env.store.UpsertPeer(ctx, peerID, "test:0"))
	require.NoError(t, env.store.AddReservation(ctx, peerID, bytes))
	env.sched.AddReservation(Reservation{Peer: peerID, Addr: "test:0", Bytes: bytes})
}

func TestScheduler_PlacesPack(t *testing.T) {
	ft := &fakeTransport{}
	env := setupTest(t, func(ctx context.Context, addr string, expected crypto.PeerID) (Transport, error) {
		return ft, nil
	})

	peerID := testKeys(t).PeerID()
	addPeer(t, env, peerID, 1<<20)

	sp := sealTestPack(t, t.TempDir(), []byte("pack one"))
	env.sealed <- sp

	require.NoError(t, env.sched.Flush(context.Background()))

	assert.True(t, env.sched.Placed(sp.ID))
	assert.Empty(t, env.sched.Unplaced())
	assert.Equal(t, []crypto.PackID{sp.ID}, ft.packs())

	// placement is in the store and the reservation was charged
	peers, err := env.store.Placements(context.Background(), sp.ID)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, peerID, peers[0])

	rec, err := env.store.Peer(context.Background(), peerID)
	require.NoError(t, err)
	assert.Equal(t, sp.Size, rec.UsedOut)
}

func TestScheduler_RetriesThenPlaces(t *testing.T) {
	ft := &fakeTransport{failN: 2}
	env := setupTest(t, func(ctx context.Context, addr string, expected crypto.PeerID) (Transport, error) {
		return ft, nil
	})

	addPeer(t, env, testKeys(t).PeerID(), 1<<20)

	sp := sealTestPack(t, t.TempDir(), []byte("flaky pack"))
	env.sealed <- sp

	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, env.sched.Flush(flushCtx))

	assert.True(t, env.sched.Placed(sp.ID))
	assert.Empty(t, env.sched.Unplaced())
}

func TestScheduler_UnplaceableAfterMaxAttempts(t *testing.T) {
	ft := &fakeTransport{failN: 1 << 30}
	env := setupTest(t, func(ctx context.Context, addr string, expected crypto.PeerID) (Transport, error) {
		return ft, nil
	})

	addPeer(t, env, testKeys(t).PeerID(), 1<<20)

	sp := sealTestPack(t, t.TempDir(), []byte("doomed pack"))
	env.sealed <- sp

	flushCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, env.sched.Flush(flushCtx))

	assert.False(t, env.sched.Placed(sp.ID))
	require.Len(t, env.sched.Unplaced(), 1)
	assert.Equal(t, sp.ID, env.sched.Unplaced()[0])
}

func TestScheduler_FairnessAcrossPeers(t *testing.T) {
	transports := make(map[string]*fakeTransport)
	var mu sync.Mutex

	env := setupTest(t, func(ctx context.Context, addr string, expected crypto.PeerID) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		ft, ok := transports[expected.String()]
		if !ok {
			ft = &fakeTransport{}
			transports[expected.String()] = ft
		}
		return ft, nil
	})

	peerA := testKeys(t).PeerID()
	peerB := testKeys(t).PeerID()
	addPeer(t, env, peerA, 1<<20)
	addPeer(t, env, peerB, 1<<20)

	dir := t.TempDir()
	for i := 0; i < 6; i++ {
		env.sealed <- sealTestPack(t, dir, []byte{byte(i), 'p', 'a', 'c', 'k'})
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, env.sched.Flush(flushCtx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transports, 2, "both peers must receive packs")
	for id, ft := range transports {
		assert.NotEmpty(t, ft.packs(), "peer %s got nothing", id)
	}
}

func TestScheduler_RespectsReservationLimit(t *testing.T) {
	ft := &fakeTransport{}
	env := setupTest(t, func(ctx context.Context, addr string, expected crypto.PeerID) (Transport, error) {
		return ft, nil
	})

	// room for one small pack only
	addPeer(t, env, testKeys(t).PeerID(), 10)

	dir := t.TempDir()
	small := sealTestPack(t, dir, []byte("tiny"))
	big := sealTestPack(t, dir, []byte("this pack does not fit in the reservation"))

	env.sealed <- small

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, env.sched.Flush(flushCtx))
	require.True(t, env.sched.Placed(small.ID))

	// the big pack has nowhere to go; it must stay pending, not error
	env.sealed <- big
	time.Sleep(200 * time.Millisecond)
	assert.False(t, env.sched.Placed(big.ID))
	assert.Empty(t, env.sched.Unplaced())
}
