package pack

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerback/internal/crypto"
)

type testPack struct {
	path    string
	id      crypto.PackID
	entries []Entry
	chunks  map[crypto.ContentID][]byte
}

func buildPack(t *testing.T, n int) *testPack {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.pack")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := NewWriter(f)
	require.NoError(t, err)

	tp := &testPack{path: path, chunks: make(map[crypto.ContentID][]byte)}

	for i := 0; i < n; i++ {
		ct := make([]byte, 1024+i*311)
		_, err := rand.Read(ct)
		require.NoError(t, err)

		id := crypto.HashContent(ct)
		var nonce [crypto.NonceSize]byte
		nonce[0] = byte(i)

		e, err := w.Append(id, nonce, ct)
		require.NoError(t, err)
		assert.Equal(t, uint32(len(ct)), e.Length)

		tp.entries = append(tp.entries, e)
		tp.chunks[id] = ct
	}

	require.Equal(t, n, w.Count())

	tp.id, err = w.Seal()
	require.NoError(t, err)
	return tp
}

func TestPack_RoundTrip(t *testing.T) {
	tp := buildPack(t, 5)

	r, err := Open(tp.path)
	require.NoError(t, err)
	defer r.Close()

	require.Len(t, r.Entries(), 5)
	for _, e := range r.Entries() {
		ct, err := r.Ciphertext(e)
		require.NoError(t, err)
		assert.Equal(t, tp.chunks[e.ID], ct)
	}
}

func TestPack_Find(t *testing.T) {
	tp := buildPack(t, 3)

	r, err := Open(tp.path)
	require.NoError(t, err)
	defer r.Close()

	for id := range tp.chunks {
		e, err := r.Find(id)
		require.NoError(t, err)
		assert.Equal(t, id, e.ID)
	}

	_, err = r.Find(crypto.HashContent([]byte("absent")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPack_HashMatchesSeal(t *testing.T) {
	tp := buildPack(t, 4)

	id, err := Hash(tp.path)
	require.NoError(t, err)
	assert.Equal(t, tp.id, id)
}

func TestPack_TamperDetected(t *testing.T) {
	tp := buildPack(t, 3)

	b, err := os.ReadFile(tp.path)
	require.NoError(t, err)
	b[len(b)/3] ^= 0x01
	require.NoError(t, os.WriteFile(tp.path, b, 0o644))

	_, err = Open(tp.path)
	require.ErrorIs(t, err, ErrCorruptPack)
}

func TestPack_Truncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.pack")
	require.NoError(t, os.WriteFile(path, []byte("PBK1"), 0o644))

	_, err := Open(path)
	require.ErrorIs(t, err, ErrCorruptPack)
}

func TestPack_AppendAfterSeal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sealed.pack")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := NewWriter(f)
	require.NoError(t, err)

	_, err = w.Append(crypto.HashContent([]byte("x")), [crypto.NonceSize]byte{}, []byte("ct"))
	require.NoError(t, err)

	_, err = w.Seal()
	require.NoError(t, err)

	_, err = w.Append(crypto.HashContent([]byte("y")), [crypto.NonceSize]byte{}, []byte("ct"))
	require.ErrorIs(t, err, ErrSealed)
}

func TestPack_EmptySeal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pack")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := NewWriter(f)
	require.NoError(t, err)

	_, err = w.Seal()
	require.NoError(t, err)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Empty(t, r.Entries())
}
