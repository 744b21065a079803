package packer

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerback/internal/crypto"
	"peerback/internal/store"
	"peerback/internal/supervisor"
)

type testHelper struct {
	store *store.Store
	keys  *crypto.Keys
	log   *slog.Logger
}

func setupTest(t *testing.T) *testHelper {
	t.Helper()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	s, err := store.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mnemonic, err := crypto.NewMnemonic()
	require.NoError(t, err)
	keys, err := crypto.FromMnemonic(mnemonic)
	require.NoError(t, err)

	return &testHelper{store: s, keys: keys, log: log}
}

func writeTree(t *testing.T, files map[string][]byte) string {
	t.Helper()

	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, content, 0o644))
	}
	return root
}

func runPacker(t *testing.T, th *testHelper, root string) (*Result, []SealedPack) {
	t.Helper()

	sealed := make(chan SealedPack, 64)
	p := New(th.store, th.keys, 8<<20, sealed, nil, th.log)

	res, err := p.Run(context.Background(), root)
	require.NoError(t, err)
	close(sealed)

	var packs []SealedPack
	for sp := range sealed {
		packs = append(packs, sp)
	}
	return res, packs
}

func TestPacker_SmallTree(t *testing.T) {
	th := setupTest(t)

	root := writeTree(t, map[string][]byte{
		"a.txt":   []byte("hello"),
		"b/c.bin": bytes.Repeat([]byte{0x00, 0x01, 0x02}, 1024),
	})

	res, packs := runPacker(t, th, root)

	assert.Equal(t, 2, res.FilesDone)
	assert.Equal(t, 2, res.FilesTotal)
	assert.Zero(t, res.Failed)
	require.Len(t, packs, 1)
	require.Len(t, res.NewPacks, 1)
	assert.Equal(t, res.NewPacks[0], packs[0].ID)

	// the pack landed in the store at its content address
	_, err := os.Stat(th.store.PackPath(packs[0].ID))
	require.NoError(t, err)

	// tree shape
	require.Len(t, res.Root.Files, 1)
	assert.Equal(t, "a.txt", res.Root.Files[0].Path)
	require.Len(t, res.Root.Dirs, 1)
	require.Len(t, res.Root.Dirs[0].Files, 1)
	assert.Equal(t, "b/c.bin", res.Root.Dirs[0].Files[0].Path)

	// every chunk resolves to a pack
	for _, f := range append(res.Root.Files, res.Root.Dirs[0].Files...) {
		for _, c := range f.Chunks {
			_, ok := res.Chunks[c]
			assert.True(t, ok, "chunk %s unmapped", c)
		}
	}
}

func TestPacker_SecondRunDedups(t *testing.T) {
	th := setupTest(t)

	content := bytes.Repeat([]byte{0xAB}, 1<<20)
	root := writeTree(t, map[string][]byte{"x": content})

	res1, packs1 := runPacker(t, th, root)
	require.Len(t, packs1, 1)

	// add an identical file and run again
	require.NoError(t, os.WriteFile(filepath.Join(root, "y"), content, 0o644))

	res2, packs2 := runPacker(t, th, root)

	assert.Empty(t, packs2, "second backup must not seal new packs")
	assert.Empty(t, res2.NewPacks)
	assert.Zero(t, res2.Bytes, "second backup must not encrypt new bytes")

	// both files reference the pack from the first run
	for _, f := range res2.Root.Files {
		for _, c := range f.Chunks {
			assert.Equal(t, res1.NewPacks[0], res2.Chunks[c])
		}
	}
}

func TestPacker_UnreadableFileSkipped(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root, permission bits do not apply")
	}

	th := setupTest(t)

	root := writeTree(t, map[string][]byte{
		"ok.txt":     []byte("fine"),
		"secret.txt": []byte("no access"),
	})
	require.NoError(t, os.Chmod(filepath.Join(root, "secret.txt"), 0o000))

	res, _ := runPacker(t, th, root)

	assert.Equal(t, 1, res.FilesDone)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Root.Files, 1)
	assert.Equal(t, "ok.txt", res.Root.Files[0].Path)
}

func TestPacker_ProgressPublished(t *testing.T) {
	th := setupTest(t)

	root := writeTree(t, map[string][]byte{
		"a": bytes.Repeat([]byte{1}, 512),
		"b": bytes.Repeat([]byte{2}, 512),
	})

	var updates []supervisor.Progress
	sealed := make(chan SealedPack, 8)
	p := New(th.store, th.keys, 8<<20, sealed, func(pr supervisor.Progress) {
		updates = append(updates, pr)
	}, th.log)

	_, err := p.Run(context.Background(), root)
	require.NoError(t, err)

	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, 2, last.FilesDone)
	assert.Equal(t, 2, last.FilesTotal)
	assert.Zero(t, last.Failed)
}

func TestPacker_SealsAtTargetSize(t *testing.T) {
	th := setupTest(t)

	// 9 MiB of varied content with a 1 MiB target forces multiple packs
	// even if the chunker emits maximum-size chunks
	content := make([]byte, 9<<20)
	for i := range content {
		content[i] = byte(i*7 + i>>9)
	}
	root := writeTree(t, map[string][]byte{"big.bin": content})

	sealed := make(chan SealedPack, 64)
	p := New(th.store, th.keys, 1<<20, sealed, nil, th.log)

	res, err := p.Run(context.Background(), root)
	require.NoError(t, err)
	close(sealed)

	assert.Greater(t, len(res.NewPacks), 1)
}

func TestPacker_Cancelled(t *testing.T) {
	th := setupTest(t)

	root := writeTree(t, map[string][]byte{"a": []byte("data")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(th.store, th.keys, 8<<20, make(chan SealedPack, 1), nil, th.log)
	_, err := p.Run(ctx, root)
	require.ErrorIs(t, err, context.Canceled)
}
