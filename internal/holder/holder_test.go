package holder

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerback/internal/crypto"
)

type testHelper struct {
	h    *Holder
	peer crypto.PeerID
}

func setupTest(t *testing.T) *testHelper {
	t.Helper()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	h, err := Open(t.TempDir(), log)
	require.NoError(t, err)
	require.NotNil(t, h)

	t.Cleanup(func() {
		h.Close()
	})

	mnemonic, err := crypto.NewMnemonic()
	require.NoError(t, err)
	keys, err := crypto.FromMnemonic(mnemonic)
	require.NoError(t, err)

	return &testHelper{h: h, peer: keys.PeerID()}
}

func receivePack(t *testing.T, th *testHelper, data []byte) crypto.PackID {
	t.Helper()

	id := crypto.HashPack(data)
	sink, err := th.h.Begin(th.peer, id, int64(len(data)))
	require.NoError(t, err)

	_, err = sink.Write(data)
	require.NoError(t, err)

	got, err := sink.Commit()
	require.NoError(t, err)
	require.Equal(t, id, got)
	return id
}

func TestHolder_ReceiveAndServe(t *testing.T) {
	th := setupTest(t)
	require.NoError(t, th.h.AddGrant(th.peer, 1<<20))

	data := []byte("pack file bytes")
	id := receivePack(t, th, data)

	held, err := th.h.Has(id)
	require.NoError(t, err)
	assert.True(t, held)

	r, size, err := th.h.Open(id)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(len(data)), size)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestHolder_BudgetEnforced(t *testing.T) {
	th := setupTest(t)
	require.NoError(t, th.h.AddGrant(th.peer, 10))

	data := []byte("way more than ten bytes of pack data")
	_, err := th.h.Begin(th.peer, crypto.HashPack(data), int64(len(data)))
	require.ErrorIs(t, err, ErrOverBudget)
}

func TestHolder_BudgetAccumulates(t *testing.T) {
	th := setupTest(t)
	require.NoError(t, th.h.AddGrant(th.peer, 20))

	receivePack(t, th, []byte("0123456789"))

	remaining, err := th.h.Remaining(th.peer)
	require.NoError(t, err)
	assert.Equal(t, int64(10), remaining)

	data := []byte("0123456789x")
	_, err = th.h.Begin(th.peer, crypto.HashPack(data), int64(len(data)))
	require.ErrorIs(t, err, ErrOverBudget)
}

func TestHolder_HashMismatchRejected(t *testing.T) {
	th := setupTest(t)
	require.NoError(t, th.h.AddGrant(th.peer, 1<<20))

	data := []byte("real bytes")
	wrongID := crypto.HashPack([]byte("other bytes"))

	sink, err := th.h.Begin(th.peer, wrongID, int64(len(data)))
	require.NoError(t, err)
	_, err = sink.Write(data)
	require.NoError(t, err)

	_, err = sink.Commit()
	require.Error(t, err)

	held, err := th.h.Has(wrongID)
	require.NoError(t, err)
	assert.False(t, held)

	// nothing was charged
	remaining, err := th.h.Remaining(th.peer)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), remaining)
}

func TestHolder_Delete(t *testing.T) {
	th := setupTest(t)
	require.NoError(t, th.h.AddGrant(th.peer, 100))

	id := receivePack(t, th, []byte("0123456789"))
	require.NoError(t, th.h.Delete(id))

	held, err := th.h.Has(id)
	require.NoError(t, err)
	assert.False(t, held)

	// the grant usage was refunded
	remaining, err := th.h.Remaining(th.peer)
	require.NoError(t, err)
	assert.Equal(t, int64(100), remaining)

	require.ErrorIs(t, th.h.Delete(id), ErrPackNotHeld)
}

func TestHolder_OpenMissing(t *testing.T) {
	th := setupTest(t)

	_, _, err := th.h.Open(crypto.HashPack([]byte("never stored")))
	require.ErrorIs(t, err, ErrPackNotHeld)
}

func TestHolder_DuplicateRejected(t *testing.T) {
	th := setupTest(t)
	require.NoError(t, th.h.AddGrant(th.peer, 1<<20))

	data := []byte("pack data")
	id := receivePack(t, th, data)

	_, err := th.h.Begin(th.peer, id, int64(len(data)))
	require.ErrorIs(t, err, ErrAlreadyHeld)
}
