// Package packer turns a filesystem walk into sealed packs: every file is
// chunked, deduplicated against the store, encrypted and appended to the
// open pack, which is sealed and handed to transport when it reaches the
// target size. Per-file failures are counted, not fatal.
package packer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	"peerback/internal/chunker"
	"peerback/internal/crypto"
	"peerback/internal/pack"
	"peerback/internal/snapshot"
	"peerback/internal/store"
	"peerback/internal/supervisor"
	"peerback/internal/util/logger/sl"
)

// SealedPack is one finished pack waiting for transport.
type SealedPack struct {
	ID   crypto.PackID
	Path string
	Size int64
}

// Result is everything the snapshot builder needs after a walk.
type Result struct {
	Root snapshot.DirRecord

	// Chunks maps every referenced chunk to the pack holding it,
	// including chunks reused from earlier backups.
	Chunks map[crypto.ContentID]crypto.PackID

	// NewPacks lists packs sealed during this walk.
	NewPacks []crypto.PackID

	FilesDone  int
	FilesTotal int
	Failed     int
	Bytes      int64
}

type Packer struct {
	store *store.Store
	keys  *crypto.Keys
	log   *slog.Logger

	targetSize int64
	sealed     chan<- SealedPack
	progress   func(supervisor.Progress)

	// state of the currently open pack
	tmpFile       *os.File
	writer        *pack.Writer
	pendingChunks []pack.Entry
	pendingSet    map[crypto.ContentID]struct{}

	result Result
}

// New builds a packer. Sealed packs are sent to the sealed channel; its
// capacity is the backpressure bound between packing and transport. The
// progress callback may be nil.
func New(s *store.Store, keys *crypto.Keys, targetSize int64, sealed chan<- SealedPack,
	progress func(supervisor.Progress), log *slog.Logger,
) *Packer {
	if progress == nil {
		progress = func(supervisor.Progress) {}
	}
	return &Packer{
		store:      s,
		keys:       keys,
		log:        log,
		targetSize: targetSize,
		sealed:     sealed,
		progress:   progress,
		pendingSet: make(map[crypto.ContentID]struct{}),
	}
}

// Run walks the backup root and packs it. It returns once the final pack
// has been sealed and enqueued.
func (p *Packer) Run(ctx context.Context, root string) (*Result, error) {
	const op = "packer.Run"
	log := p.log.With(slog.String("op", op))

	st, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%s: backup source: %w", op, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s: backup source %s is not a directory", op, root)
	}

	p.result = Result{Chunks: make(map[crypto.ContentID]crypto.PackID)}

	total, err := countFiles(root)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p.result.FilesTotal = total
	log.Info("walk started", slog.String("root", root), slog.Int("files", total))

	rootRec, err := p.packDir(ctx, root, ".")
	if err != nil {
		p.discardOpen()
		return nil, err
	}
	rootRec.Path = "."

	if err := p.sealCurrent(ctx); err != nil {
		return nil, err
	}

	p.result.Root = *rootRec
	log.Info("walk finished",
		slog.Int("files", p.result.FilesDone),
		slog.Int("failed", p.result.Failed),
		slog.Int("new_packs", len(p.result.NewPacks)),
	)

	res := p.result
	return &res, nil
}

func countFiles(root string) (int, error) {
	total := 0
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable entries get counted as failures during the pack walk
			return nil
		}
		if d.Type().IsRegular() {
			total++
		}
		return nil
	})
	return total, err
}

func (p *Packer) packDir(ctx context.Context, absPath, relPath string) (*snapshot.DirRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st, err := os.Stat(absPath)
	if err != nil {
		return nil, err
	}

	rec := &snapshot.DirRecord{
		Path:    path.Clean(filepath.ToSlash(relPath)),
		Mode:    uint32(st.Mode().Perm()),
		ModTime: st.ModTime().Unix(),
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		childAbs := filepath.Join(absPath, entry.Name())
		childRel := path.Join(rec.Path, entry.Name())

		switch {
		case entry.IsDir():
			child, err := p.packDir(ctx, childAbs, childRel)
			if err != nil {
				if isPerFileError(err) {
					p.log.Warn("skipping unreadable directory",
						slog.String("path", childRel), sl.Err(err))
					p.result.Failed++
					continue
				}
				return nil, err
			}
			rec.Dirs = append(rec.Dirs, *child)

		case entry.Type().IsRegular():
			file, err := p.packFile(ctx, childAbs, childRel)
			if err != nil {
				if isPerFileError(err) {
					p.log.Warn("skipping unreadable file",
						slog.String("path", childRel), sl.Err(err))
					p.result.Failed++
					p.publishProgress(childRel)
					continue
				}
				return nil, err
			}
			rec.Files = append(rec.Files, *file)
			p.result.FilesDone++
			p.publishProgress(childRel)

		default:
			// sockets, devices, symlinks: not backed up
		}
	}

	return rec, nil
}

func (p *Packer) packFile(ctx context.Context, absPath, relPath string) (*snapshot.FileRecord, error) {
	st, err := os.Stat(absPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rec := &snapshot.FileRecord{
		Path:    relPath,
		Mode:    uint32(st.Mode().Perm()),
		ModTime: st.ModTime().Unix(),
		Size:    st.Size(),
	}

	ch, err := chunker.New(f)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk, err := ch.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		id := crypto.HashContent(chunk.Data)
		rec.Chunks = append(rec.Chunks, id)

		if err := p.addChunk(ctx, id, chunk.Data); err != nil {
			return nil, err
		}

		p.publishProgress(relPath)
	}

	return rec, nil
}

// addChunk deduplicates one chunk against the store and the open pack,
// encrypting and appending it when it is new.
func (p *Packer) addChunk(ctx context.Context, id crypto.ContentID, data []byte) error {
	if _, pending := p.pendingSet[id]; pending {
		return nil
	}

	loc, err := p.store.LookupChunk(ctx, id)
	if err == nil {
		p.result.Chunks[id] = loc.PackID
		return nil
	}
	if !errors.Is(err, store.ErrMissingChunk) {
		return err
	}

	_, ct, err := p.keys.EncryptChunk(data)
	if err != nil {
		return err
	}
	_, nonce, err := p.keys.DeriveBlobKey(id)
	if err != nil {
		return err
	}

	if p.writer == nil {
		if err := p.openPack(); err != nil {
			return err
		}
	}

	entry, err := p.writer.Append(id, nonce, ct)
	if err != nil {
		return err
	}

	p.pendingChunks = append(p.pendingChunks, entry)
	p.pendingSet[id] = struct{}{}
	p.result.Bytes += int64(len(ct))

	if p.writer.Size() >= p.targetSize {
		return p.sealCurrent(ctx)
	}
	return nil
}

func (p *Packer) openPack() error {
	f, err := os.CreateTemp(p.store.PacksDir(), "open-*.tmp")
	if err != nil {
		return fmt.Errorf("create pack file: %w", err)
	}

	w, err := pack.NewWriter(f)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}

	p.tmpFile = f
	p.writer = w
	return nil
}

// sealCurrent seals the open pack, installs it into the store, records its
// chunks in the dedup map and enqueues it for transport. Sending into the
// sealed channel blocks while transport is backed up; that block is the
// packer's backpressure.
func (p *Packer) sealCurrent(ctx context.Context) error {
	if p.writer == nil || p.writer.Count() == 0 {
		p.discardOpen()
		return nil
	}

	id, err := p.writer.Seal()
	if err != nil {
		p.discardOpen()
		return err
	}

	size := sealedFileSize(p.tmpFile)
	tmpPath := p.tmpFile.Name()
	if err := p.tmpFile.Close(); err != nil {
		return fmt.Errorf("close pack file: %w", err)
	}

	if err := p.store.InstallPack(ctx, tmpPath, id, size); err != nil {
		return err
	}

	for _, entry := range p.pendingChunks {
		loc := store.ChunkLocation{
			ContentID: entry.ID,
			PackID:    id,
			Offset:    entry.Offset,
			Length:    entry.Length,
		}
		if err := p.store.AddChunk(ctx, loc); err != nil {
			return err
		}
		p.result.Chunks[entry.ID] = id
	}

	p.result.NewPacks = append(p.result.NewPacks, id)
	p.log.Info("pack sealed",
		slog.String("pack", id.String()),
		slog.Int("chunks", len(p.pendingChunks)),
		slog.Int64("size", size),
	)

	p.writer = nil
	p.tmpFile = nil
	p.pendingChunks = nil
	p.pendingSet = make(map[crypto.ContentID]struct{})

	if p.sealed != nil {
		select {
		case p.sealed <- SealedPack{ID: id, Path: p.store.PackPath(id), Size: size}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Packer) discardOpen() {
	if p.tmpFile != nil {
		name := p.tmpFile.Name()
		p.tmpFile.Close()
		os.Remove(name)
	}
	p.writer = nil
	p.tmpFile = nil
	p.pendingChunks = nil
	p.pendingSet = make(map[crypto.ContentID]struct{})
}

func (p *Packer) publishProgress(current string) {
	p.progress(supervisor.Progress{
		FilesDone:    p.result.FilesDone,
		FilesTotal:   p.result.FilesTotal,
		BytesWritten: p.result.Bytes,
		CurrentPath:  current,
		Failed:       p.result.Failed,
	})
}

func sealedFileSize(f *os.File) int64 {
	st, err := f.Stat()
	if err != nil {
		return 0
	}
	return st.Size()
}

// isPerFileError separates failures that skip a single file from failures
// that abort the backup.
func isPerFileError(err error) bool {
	if os.IsNotExist(err) || os.IsPermission(err) {
		return true
	}
	var pathErr *fs.PathError
	return errors.As(err, &pathErr)
}
