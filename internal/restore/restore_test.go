package restore

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerback/internal/crypto"
	"peerback/internal/holder"
	"peerback/internal/pack"
	"peerback/internal/packer"
	"peerback/internal/peer"
	"peerback/internal/snapshot"
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

// backupEnv is one "device" that has backed up a tree to a remote holder.
type backupEnv struct {
	keys     *crypto.Keys
	snap     *snapshot.Snapshot
	snapHash [crypto.HashSize]byte

	holderPeer crypto.PeerID
	holderAddr string
}

func freePort(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// runBackup packs srcRoot on a scratch device and ships everything to a
// live holder peer, returning what a restore needs to know.
func runBackup(t *testing.T, ctx context.Context, srcRoot string) *backupEnv {
	t.Helper()

	log := testLogger()
	keys := testKeys(t)
	holderKeys := testKeys(t)

	srcStore, err := store.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { srcStore.Close() })

	h, err := holder.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	require.NoError(t, h.AddGrant(keys.PeerID(), 64<<20))

	addr := freePort(t)
	listenCtx, stopListen := context.WithCancel(ctx)
	listenDone := make(chan struct{})
	go func() {
		defer close(listenDone)
		peer.Listen(listenCtx, addr, holderKeys, h, log)
	}()
	t.Cleanup(func() {
		stopListen()
		<-listenDone
	})

	// pack the tree
	sealed := make(chan packer.SealedPack, 64)
	p := packer.New(srcStore, keys, 8<<20, sealed, nil, log)
	res, err := p.Run(ctx, srcRoot)
	require.NoError(t, err)
	close(sealed)

	// ship every pack
	var session *peer.Session
	require.Eventually(t, func() bool {
		session, err = peer.Dial(ctx, addr, keys, holderKeys.PeerID(), log)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	defer session.Close()

	for sp := range sealed {
		f, err := os.Open(sp.Path)
		require.NoError(t, err)
		hash, err := session.Put(ctx, sp.ID, f, sp.Size)
		f.Close()
		require.NoError(t, err)
		require.Equal(t, sp.ID, hash)
	}

	// build and ship the snapshot
	snap := snapshot.New()
	snap.Root = res.Root
	holderID := holderKeys.PeerID()
	seen := make(map[crypto.PackID]bool)
	for contentID, packID := range res.Chunks {
		snap.Placement[contentID.String()] = snapshot.Placement{
			Pack:  packID,
			Peers: []crypto.PeerID{holderID},
		}
		if !seen[packID] {
			seen[packID] = true
			snap.Packs = append(snap.Packs, packID)
		}
	}

	blob, snapHash, err := snap.Seal(keys)
	require.NoError(t, err)

	blobID := crypto.PackID(snapHash)
	gotHash, err := session.Put(ctx, blobID, bytes.NewReader(blob), int64(len(blob)))
	require.NoError(t, err)
	require.Equal(t, blobID, gotHash)

	return &backupEnv{
		keys:       keys,
		snap:       snap,
		snapHash:   snapHash,
		holderPeer: holderID,
		holderAddr: addr,
	}
}

// newRestoreDevice simulates recovery on a fresh machine: only the
// mnemonic-derived keys, the snapshot pointer and the peer address exist.
func newRestoreDevice(t *testing.T, ctx context.Context, env *backupEnv) (*Restorer, *store.Store) {
	t.Helper()

	log := testLogger()
	s, err := store.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.AddSnapshot(ctx, store.SnapshotRecord{
		ID:        env.snap.ID,
		Hash:      env.snapHash,
		CreatedAt: time.Now(),
	}))
	require.NoError(t, s.UpsertPeer(ctx, env.holderPeer, env.holderAddr))

	r := New(s, env.keys, SessionDialer(env.keys, log), nil, log)
	return r, s
}

func writeSourceTree(t *testing.T) (string, map[string][]byte) {
	t.Helper()

	files := map[string][]byte{
		"a.txt":   []byte("hello"),
		"b/c.bin": bytes.Repeat([]byte{0x00, 0x42, 0xFF}, 1024),
		"b/d.txt": []byte("nested"),
	}

	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, content, 0o644))
		mtime := time.Unix(1700000000, 0)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
	return root, files
}

func TestRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()

	srcRoot, files := writeSourceTree(t)
	env := runBackup(t, ctx, srcRoot)
	r, _ := newRestoreDevice(t, ctx, env)

	target := t.TempDir()
	require.NoError(t, r.Run(ctx, "", target))

	for name, want := range files {
		path := filepath.Join(target, filepath.FromSlash(name))

		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, want, got, "content mismatch for %s", name)

		st, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000), st.ModTime().Unix(), "mtime mismatch for %s", name)
		assert.Equal(t, os.FileMode(0o644), st.Mode().Perm())
	}
}

func TestRestore_OverwritesExisting(t *testing.T) {
	ctx := context.Background()

	srcRoot, files := writeSourceTree(t)
	env := runBackup(t, ctx, srcRoot)
	r, _ := newRestoreDevice(t, ctx, env)

	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "a.txt"), []byte("stale"), 0o644))

	require.NoError(t, r.Run(ctx, "", target))

	got, err := os.ReadFile(filepath.Join(target, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, files["a.txt"], got)
}

func TestRestore_PackUnavailable(t *testing.T) {
	ctx := context.Background()

	srcRoot, _ := writeSourceTree(t)
	env := runBackup(t, ctx, srcRoot)

	// rewrite the placement map so one pack lives on an offline peer
	offline := testKeys(t).PeerID()
	var missing crypto.PackID
	for contentID, pl := range env.snap.Placement {
		missing = pl.Pack
		env.snap.Placement[contentID] = snapshot.Placement{Pack: pl.Pack, Peers: []crypto.PeerID{offline}}
	}
	blob, hash, err := env.snap.Seal(env.keys)
	require.NoError(t, err)
	env.snapHash = hash

	r, s := newRestoreDevice(t, ctx, env)

	// hand the device the snapshot blob directly; only the packs are
	// unreachable
	require.NoError(t, os.WriteFile(s.SnapshotBlobPath(env.snap.ID), blob, 0o644))

	target := t.TempDir()
	err = r.Run(ctx, "", target)

	var unavailable *PackUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, missing, unavailable.PackID)

	// nothing was materialized
	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestore_TamperedChunk(t *testing.T) {
	ctx := context.Background()

	srcRoot, _ := writeSourceTree(t)
	env := runBackup(t, ctx, srcRoot)
	r, s := newRestoreDevice(t, ctx, env)

	// pre-install a forged pack under a referenced pack id: internally
	// consistent, but carrying tampered ciphertexts; the restore must
	// refuse it at decryption, not write garbage
	victim := env.snap.Packs[0]

	var forged []crypto.ContentID
	for contentID, pl := range env.snap.Placement {
		if pl.Pack != victim {
			continue
		}
		id, err := crypto.ContentIDFromString(contentID)
		require.NoError(t, err)
		forged = append(forged, id)
	}
	require.NotEmpty(t, forged)

	forgedPath := s.PackPath(victim)
	require.NoError(t, os.MkdirAll(filepath.Dir(forgedPath), 0o755))
	f, err := os.Create(forgedPath)
	require.NoError(t, err)
	w, err := pack.NewWriter(f)
	require.NoError(t, err)
	for _, id := range forged {
		_, nonce, err := env.keys.DeriveBlobKey(id)
		require.NoError(t, err)
		_, err = w.Append(id, nonce, bytes.Repeat([]byte{0xEE}, 64))
		require.NoError(t, err)
	}
	_, err = w.Seal()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	target := t.TempDir()
	err = r.Run(ctx, "", target)
	require.ErrorIs(t, err, crypto.ErrAuthFailed)
}
