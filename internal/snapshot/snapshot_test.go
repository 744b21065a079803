package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerback/internal/crypto"
)

func testKeys(t *testing.T) *crypto.Keys {
	t.Helper()

	mnemonic, err := crypto.NewMnemonic()
	require.NoError(t, err)
	k, err := crypto.FromMnemonic(mnemonic)
	require.NoError(t, err)
	return k
}

func buildSnapshot(t *testing.T, keys *crypto.Keys) *Snapshot {
	t.Helper()

	chunkA := crypto.HashContent([]byte("chunk a"))
	chunkB := crypto.HashContent([]byte("chunk b"))

	var packID crypto.PackID
	packID[0] = 0xAA

	s := New()
	s.Root = DirRecord{
		Path:    ".",
		Mode:    0o755,
		ModTime: 1700000000,
		Files: []FileRecord{{
			Path:    "a.txt",
			Mode:    0o644,
			ModTime: 1700000000,
			Size:    14,
			Chunks:  []crypto.ContentID{chunkA, chunkB},
		}},
		Dirs: []DirRecord{{
			Path:    "b",
			Mode:    0o755,
			ModTime: 1700000001,
		}},
	}
	s.Packs = []crypto.PackID{packID}
	s.Placement[chunkA.String()] = Placement{Pack: packID, Peers: []crypto.PeerID{keys.PeerID()}}
	s.Placement[chunkB.String()] = Placement{Pack: packID, Peers: []crypto.PeerID{keys.PeerID()}}

	return s
}

func TestSnapshot_SealOpenRoundTrip(t *testing.T) {
	keys := testKeys(t)
	s := buildSnapshot(t, keys)

	blob, hash, err := s.Seal(keys)
	require.NoError(t, err)
	assert.Equal(t, crypto.HashContent(blob), crypto.ContentID(hash))

	got, err := OpenBlob(keys, blob)
	require.NoError(t, err)

	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.Root, got.Root)
	assert.Equal(t, s.Packs, got.Packs)
	assert.Equal(t, s.Placement, got.Placement)
}

func TestSnapshot_SealDeterministic(t *testing.T) {
	keys := testKeys(t)
	s := buildSnapshot(t, keys)

	blob1, hash1, err := s.Seal(keys)
	require.NoError(t, err)
	blob2, hash2, err := s.Seal(keys)
	require.NoError(t, err)

	assert.Equal(t, blob1, blob2)
	assert.Equal(t, hash1, hash2)
}

func TestSnapshot_OpenWrongKey(t *testing.T) {
	keys := testKeys(t)
	s := buildSnapshot(t, keys)

	blob, _, err := s.Seal(keys)
	require.NoError(t, err)

	_, err = OpenBlob(testKeys(t), blob)
	require.ErrorIs(t, err, crypto.ErrAuthFailed)
}

func TestSnapshot_OpenTampered(t *testing.T) {
	keys := testKeys(t)
	s := buildSnapshot(t, keys)

	blob, _, err := s.Seal(keys)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0x01

	_, err = OpenBlob(keys, blob)
	require.ErrorIs(t, err, crypto.ErrAuthFailed)
}

func TestSnapshot_Locate(t *testing.T) {
	keys := testKeys(t)
	s := buildSnapshot(t, keys)

	chunkA := crypto.HashContent([]byte("chunk a"))
	pl, ok := s.Locate(chunkA)
	require.True(t, ok)
	assert.Equal(t, s.Packs[0], pl.Pack)

	_, ok = s.Locate(crypto.HashContent([]byte("missing")))
	assert.False(t, ok)
}
