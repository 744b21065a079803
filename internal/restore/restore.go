// Package restore rebuilds a backed-up tree from whichever peers still
// hold its packs: fetch the encrypted snapshot blob, collect every
// referenced pack, then decrypt and materialize the files. A single
// unretrievable pack fails the whole restore before anything is written.
package restore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"peerback/internal/crypto"
	"peerback/internal/pack"
	"peerback/internal/peer"
	"peerback/internal/snapshot"
	"peerback/internal/store"
	"peerback/internal/util/logger/sl"
)

const (
	// packFetchTimeout bounds the GET of a single pack.
	packFetchTimeout = 5 * time.Minute

	// fetchParallel caps concurrent pack downloads.
	fetchParallel = 4
)

// PackUnavailableError means no peer could produce a referenced pack.
type PackUnavailableError struct {
	PackID crypto.PackID
}

func (e *PackUnavailableError) Error() string {
	return fmt.Sprintf("pack %s unavailable from any peer", e.PackID)
}

// Transport is the slice of a peer session a restore needs.
type Transport interface {
	Get(ctx context.Context, id crypto.PackID, w io.Writer) (int64, error)
	Close() error
}

// Dialer opens an authenticated transport to a peer.
type Dialer func(ctx context.Context, addr string, expected crypto.PeerID) (Transport, error)

// SessionDialer dials real peer sessions.
func SessionDialer(keys *crypto.Keys, log *slog.Logger) Dialer {
	return func(ctx context.Context, addr string, expected crypto.PeerID) (Transport, error) {
		return peer.Dial(ctx, addr, keys, expected, log)
	}
}

// Locator resolves a peer id to an address; the matchmaker client
// satisfies it. It may be nil, in which case only stored addresses are
// used.
type Locator interface {
	LocatePeer(ctx context.Context, id crypto.PeerID) (string, error)
}

type Restorer struct {
	store   *store.Store
	keys    *crypto.Keys
	dialer  Dialer
	locator Locator
	log     *slog.Logger
}

func New(s *store.Store, keys *crypto.Keys, dialer Dialer, locator Locator, log *slog.Logger) *Restorer {
	return &Restorer{store: s, keys: keys, dialer: dialer, locator: locator, log: log}
}

// Run restores the given snapshot into targetDir. With an empty snapshot
// id the latest local pointer is used. Existing files are overwritten.
func (r *Restorer) Run(ctx context.Context, snapshotID, targetDir string) error {
	const op = "restore.Run"
	log := r.log.With(slog.String("op", op))

	rec, err := r.resolvePointer(ctx, snapshotID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Info("restoring snapshot", slog.String("snapshot", rec.ID))

	blob, err := r.fetchSnapshotBlob(ctx, rec)
	if err != nil {
		return err
	}

	snap, err := snapshot.OpenBlob(r.keys, blob)
	if err != nil {
		return fmt.Errorf("%s: decode snapshot: %w", op, err)
	}

	if err := r.collectPacks(ctx, snap); err != nil {
		return err
	}

	// every pack is local and verified; now materialize
	readers := make(map[crypto.PackID]*pack.Reader)
	defer func() {
		for _, rd := range readers {
			rd.Close()
		}
	}()

	if err := r.restoreDir(ctx, snap, &snap.Root, targetDir, readers); err != nil {
		return err
	}

	log.Info("restore finished", slog.String("snapshot", rec.ID), slog.String("target", targetDir))
	return nil
}

// resolvePointer picks the snapshot to restore: by id, or the newest.
func (r *Restorer) resolvePointer(ctx context.Context, snapshotID string) (store.SnapshotRecord, error) {
	recs, err := r.store.Snapshots(ctx)
	if err != nil {
		return store.SnapshotRecord{}, err
	}
	if len(recs) == 0 {
		return store.SnapshotRecord{}, store.ErrSnapshotMissing
	}

	if snapshotID == "" {
		return recs[len(recs)-1], nil
	}
	for _, rec := range recs {
		if rec.ID == snapshotID {
			return rec, nil
		}
	}
	return store.SnapshotRecord{}, store.ErrSnapshotMissing
}

// fetchSnapshotBlob returns the encrypted snapshot blob, locally when
// possible, otherwise from any peer holding it. The blob travels under
// its own hash as pack id, so integrity is checked the same way.
func (r *Restorer) fetchSnapshotBlob(ctx context.Context, rec store.SnapshotRecord) ([]byte, error) {
	if blob, err := os.ReadFile(r.store.SnapshotBlobPath(rec.ID)); err == nil {
		if crypto.HashContent(blob) == crypto.ContentID(rec.Hash) {
			return blob, nil
		}
		r.log.Warn("local snapshot blob corrupt, falling back to peers",
			slog.String("snapshot", rec.ID))
	}

	peers, err := r.store.Peers(ctx)
	if err != nil {
		return nil, err
	}

	blobID := crypto.PackID(rec.Hash)
	for _, p := range peers {
		var buf bytes.Buffer
		if err := r.fetchFromPeer(ctx, p.ID, blobID, &buf); err != nil {
			r.log.Warn("snapshot fetch failed",
				slog.String("peer", p.ID.String()), sl.Err(err))
			continue
		}
		if crypto.HashContent(buf.Bytes()) == crypto.ContentID(rec.Hash) {
			return buf.Bytes(), nil
		}
	}

	return nil, &PackUnavailableError{PackID: blobID}
}

// collectPacks downloads every referenced pack that is not already local,
// in parallel across the placement map's peers.
func (r *Restorer) collectPacks(ctx context.Context, snap *snapshot.Snapshot) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallel)

	for _, packID := range snap.Packs {
		if _, err := os.Stat(r.store.PackPath(packID)); err == nil {
			continue
		}

		packID := packID
		g.Go(func() error {
			return r.fetchPack(gctx, packID, snap.PackPeers(packID))
		})
	}

	return g.Wait()
}

// fetchPack tries each holding peer until one produces a verified copy.
func (r *Restorer) fetchPack(ctx context.Context, id crypto.PackID, holders []crypto.PeerID) error {
	const op = "restore.fetchPack"

	for _, peerID := range holders {
		tmp, err := os.CreateTemp(r.store.PacksDir(), "restore-*.tmp")
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		err = r.fetchFromPeer(ctx, peerID, id, tmp)
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			r.log.Warn("pack fetch failed",
				slog.String("pack", id.String()),
				slog.String("peer", peerID.String()), sl.Err(err))
			continue
		}

		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("%s: %w", op, err)
		}
		tmp.Close()

		got, err := pack.Hash(tmp.Name())
		if err != nil || got != id {
			os.Remove(tmp.Name())
			r.log.Warn("fetched pack failed verification",
				slog.String("pack", id.String()),
				slog.String("peer", peerID.String()))
			continue
		}

		st, err := os.Stat(tmp.Name())
		if err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := r.store.InstallPack(ctx, tmp.Name(), id, st.Size()); err != nil {
			os.Remove(tmp.Name())
			return err
		}
		return nil
	}

	return &PackUnavailableError{PackID: id}
}

// fetchFromPeer opens a session to one peer and GETs one pack.
func (r *Restorer) fetchFromPeer(ctx context.Context, peerID crypto.PeerID, id crypto.PackID, w io.Writer) error {
	addr, err := r.peerAddr(ctx, peerID)
	if err != nil {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, packFetchTimeout)
	defer cancel()

	t, err := r.dialer(fetchCtx, addr, peerID)
	if err != nil {
		return err
	}
	defer t.Close()

	_, err = t.Get(fetchCtx, id, w)
	return err
}

// peerAddr prefers a fresh address from the matchmaker, falling back to
// the stored one.
func (r *Restorer) peerAddr(ctx context.Context, peerID crypto.PeerID) (string, error) {
	if r.locator != nil {
		if addr, err := r.locator.LocatePeer(ctx, peerID); err == nil && addr != "" {
			return addr, nil
		}
	}

	rec, err := r.store.Peer(ctx, peerID)
	if err != nil {
		return "", err
	}
	if rec.Address == "" {
		return "", fmt.Errorf("no known address for peer %s", peerID)
	}
	return rec.Address, nil
}

///////////////////////////////////////////////////////////////////////////
// materialization

func (r *Restorer) restoreDir(ctx context.Context, snap *snapshot.Snapshot, dir *snapshot.DirRecord,
	targetRoot string, readers map[crypto.PackID]*pack.Reader,
) error {
	dirPath := filepath.Join(targetRoot, filepath.FromSlash(dir.Path))
	if err := os.MkdirAll(dirPath, os.FileMode(dir.Mode)); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	for i := range dir.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.restoreFile(ctx, snap, &dir.Files[i], targetRoot, readers); err != nil {
			return err
		}
	}

	for i := range dir.Dirs {
		if err := r.restoreDir(ctx, snap, &dir.Dirs[i], targetRoot, readers); err != nil {
			return err
		}
	}

	// directory times last so file writes do not disturb them
	mtime := time.Unix(dir.ModTime, 0)
	if err := os.Chtimes(dirPath, mtime, mtime); err != nil {
		r.log.Warn("failed to restore directory mtime", sl.Err(err))
	}
	return nil
}

func (r *Restorer) restoreFile(ctx context.Context, snap *snapshot.Snapshot, f *snapshot.FileRecord,
	targetRoot string, readers map[crypto.PackID]*pack.Reader,
) error {
	const op = "restore.restoreFile"

	// decrypt everything first; a failed chunk must not leave a partial
	// or corrupted file behind
	content := make([]byte, 0, f.Size)
	for _, chunkID := range f.Chunks {
		pt, err := r.readChunk(ctx, snap, chunkID, readers)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", op, f.Path, err)
		}
		content = append(content, pt...)
	}

	path := filepath.Join(targetRoot, filepath.FromSlash(f.Path))
	if err := os.WriteFile(path, content, os.FileMode(f.Mode)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.Chmod(path, os.FileMode(f.Mode)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	mtime := time.Unix(f.ModTime, 0)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *Restorer) readChunk(ctx context.Context, snap *snapshot.Snapshot, id crypto.ContentID,
	readers map[crypto.PackID]*pack.Reader,
) ([]byte, error) {
	pl, ok := snap.Locate(id)
	if !ok {
		return nil, fmt.Errorf("%w: chunk %s not in placement map", store.ErrMissingChunk, id)
	}

	rd, ok := readers[pl.Pack]
	if !ok {
		var err error
		rd, err = pack.Open(r.store.PackPath(pl.Pack))
		if err != nil {
			return nil, err
		}
		readers[pl.Pack] = rd
	}

	entry, err := rd.Find(id)
	if err != nil {
		return nil, err
	}
	ct, err := rd.Ciphertext(entry)
	if err != nil {
		return nil, err
	}

	pt, err := r.keys.DecryptChunk(id, ct)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pt, nil
}
