// Package app wires the core together and owns the two one-shot
// operations: a full backup of the configured source, and a restore of a
// published snapshot. Components communicate over bounded channels; a
// single context fans cancellation out to all of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"peerback/internal/config"
	"peerback/internal/crypto"
	"peerback/internal/holder"
	"peerback/internal/packer"
	"peerback/internal/peer"
	"peerback/internal/restore"
	"peerback/internal/scheduler"
	"peerback/internal/server"
	"peerback/internal/snapshot"
	"peerback/internal/store"
	"peerback/internal/supervisor"
	"peerback/internal/util/logger/sl"
)

var ErrPacksUnplaced = errors.New("backup finished with unplaced packs")

// the app is the command surface the UI drives
var _ supervisor.Commands = (*App)(nil)

type App struct {
	cfg    *config.Config
	log    *slog.Logger
	keys   *crypto.Keys
	store  *store.Store
	holder *holder.Holder
	client *server.Client
	sup    *supervisor.Supervisor
}

// New opens the local state and builds the component graph. The returned
// app is ready for Run.
func New(cfg *config.Config, keys *crypto.Keys, log *slog.Logger) (*App, error) {
	s, err := store.Open(cfg.DataDir, log)
	if err != nil {
		return nil, err
	}

	h, err := holder.Open(s.ReceivedDir(), log)
	if err != nil {
		s.Close()
		return nil, err
	}

	return &App{
		cfg:    cfg,
		log:    log,
		keys:   keys,
		store:  s,
		holder: h,
		client: server.NewClient(cfg.ServerURL, keys, log),
		sup:    supervisor.New(log),
	}, nil
}

func (a *App) Close() error {
	a.holder.Close()
	return a.store.Close()
}

// Supervisor exposes the UI event stream.
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Run keeps the ambient services alive: the matchmaker connection and the
// inbound peer listener. It blocks until the context ends.
func (a *App) Run(ctx context.Context) error {
	errc := make(chan error, 2)

	go func() { errc <- a.client.Run(ctx) }()
	go func() { errc <- peer.Listen(ctx, a.cfg.ListenAddr, a.keys, a.holder, a.log) }()

	<-ctx.Done()
	<-errc
	<-errc
	return ctx.Err()
}

// Serve keeps the node online as a storage provider: inbound peer
// traffic is served and late matches for old storage requests still
// become reservations.
func (a *App) Serve(ctx context.Context) error {
	sealed := make(chan packer.SealedPack)
	sched := scheduler.New(a.store, scheduler.SessionDialer(a.keys, a.log),
		sealed, a.cfg.Backup.ParallelPuts, a.log)
	go sched.Run(ctx)

	negotiator := server.NewNegotiator(a.client, a.store, a.holder, sched, a.log)
	go negotiator.Watch(ctx)

	return a.Run(ctx)
}

// ListSnapshots asks the matchmaker for the published pointers, falling
// back to the local index when it cannot be reached.
func (a *App) ListSnapshots(ctx context.Context) ([]server.SnapshotPointer, error) {
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := a.client.WaitConnected(waitCtx)
	cancel()
	if err == nil {
		return a.client.ListSnapshots(ctx)
	}

	a.log.Warn("matchmaker unreachable, listing local snapshots", sl.Err(err))
	recs, err := a.store.Snapshots(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]server.SnapshotPointer, 0, len(recs))
	for _, rec := range recs {
		out = append(out, server.SnapshotPointer{
			ID:        rec.ID,
			Hash:      rec.Hash[:],
			Timestamp: rec.CreatedAt.Unix(),
		})
	}
	return out, nil
}

// StartBackup runs one complete backup of the configured source.
func (a *App) StartBackup(ctx context.Context) error {
	const op = "app.StartBackup"
	log := a.log.With(slog.String("op", op))

	defer a.reportPanic()
	a.sup.Publish(supervisor.Event{Type: supervisor.EventBackupStarted})

	err := a.backup(ctx, log)
	if err != nil {
		a.sup.Publish(supervisor.Event{
			Type:    supervisor.EventBackupFinished,
			Success: false,
			Message: err.Error(),
		})
		return err
	}

	a.sup.Publish(supervisor.Event{Type: supervisor.EventBackupFinished, Success: true})
	return nil
}

func (a *App) backup(ctx context.Context, log *slog.Logger) error {
	source := a.cfg.Backup.Source
	if source == "" {
		return fmt.Errorf("no backup source configured")
	}

	if err := a.client.WaitConnected(ctx); err != nil {
		return err
	}

	// scheduler first, so reservations have somewhere to land
	sealed := make(chan packer.SealedPack, a.cfg.Backup.MaxSealedQueue)
	sched := scheduler.New(a.store, scheduler.SessionDialer(a.keys, a.log),
		sealed, a.cfg.Backup.ParallelPuts, a.log)

	schedCtx, stopSched := context.WithCancel(context.WithoutCancel(ctx))
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(schedCtx)
	}()
	defer func() { <-schedDone }()
	defer stopSched()

	// reservations surviving from earlier runs are still good
	carried, err := a.presentCarriedReservations(ctx, sched)
	if err != nil {
		return err
	}

	// negotiate the shortfall while the walk runs
	est, err := estimateTreeSize(source)
	if err != nil {
		return err
	}

	negotiator := server.NewNegotiator(a.client, a.store, a.holder, sched, a.log)
	negCtx, stopNeg := context.WithCancel(ctx)
	defer stopNeg()
	negDone := make(chan error, 1)
	if est > carried {
		go func() { negDone <- negotiator.Negotiate(negCtx, est-carried) }()
	} else {
		negDone <- nil
	}

	// walk and pack
	p := packer.New(a.store, a.keys, a.cfg.Backup.PackTargetSize, sealed,
		a.sup.PublishProgress, a.log)
	res, err := p.Run(ctx, source)
	if err != nil {
		return err
	}

	if err := sched.Flush(ctx); err != nil {
		return err
	}

	// everything is placed; a negotiation still waiting on a match is no
	// longer needed
	stopNeg()
	if err := <-negDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if unplaced := sched.Unplaced(); len(unplaced) > 0 {
		return fmt.Errorf("%w: %d packs, first %s", ErrPacksUnplaced, len(unplaced), unplaced[0])
	}

	// every pack acked; finalize the snapshot
	snap, err := a.buildSnapshot(ctx, res)
	if err != nil {
		return err
	}

	blob, hash, err := snap.Seal(a.keys)
	if err != nil {
		return err
	}
	if err := os.WriteFile(a.store.SnapshotBlobPath(snap.ID), blob, 0o644); err != nil {
		return fmt.Errorf("write snapshot blob: %w", err)
	}

	// the snapshot blob ships like any pack, under its own hash
	blobID := crypto.PackID(hash)
	select {
	case sealed <- packer.SealedPack{
		ID:   blobID,
		Path: a.store.SnapshotBlobPath(snap.ID),
		Size: int64(len(blob)),
	}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := sched.Flush(ctx); err != nil {
		return err
	}
	if !sched.Placed(blobID) {
		return fmt.Errorf("%w: snapshot blob", ErrPacksUnplaced)
	}

	// publish the pointer; only now does the snapshot exist
	if err := a.client.PublishSnapshot(ctx, snap.ID, hash, snap.CreatedAt); err != nil {
		return err
	}
	if err := a.store.AddSnapshot(ctx, store.SnapshotRecord{
		ID:        snap.ID,
		Hash:      hash,
		CreatedAt: time.Unix(snap.CreatedAt, 0),
	}); err != nil {
		return err
	}

	log.Info("backup finished",
		slog.String("snapshot", snap.ID),
		slog.Int("files", res.FilesDone),
		slog.Int("failed", res.Failed),
		slog.Int("new_packs", len(res.NewPacks)),
	)

	if err := a.collectGarbage(ctx); err != nil {
		log.Warn("pack garbage collection failed", sl.Err(err))
	}
	return nil
}

// presentCarriedReservations re-offers reservations left over from
// previous runs to the scheduler and reports the total usable bytes.
func (a *App) presentCarriedReservations(ctx context.Context, sched *scheduler.Scheduler) (int64, error) {
	peers, err := a.store.Peers(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, rec := range peers {
		if rec.RemainingOut() <= 0 || rec.Address == "" {
			continue
		}
		sched.AddReservation(scheduler.Reservation{
			Peer:  rec.ID,
			Addr:  rec.Address,
			Bytes: rec.RemainingOut(),
		})
		total += rec.RemainingOut()
	}
	return total, nil
}

// buildSnapshot assembles the snapshot tree and placement map from the
// walk result and the acked placements in the store.
func (a *App) buildSnapshot(ctx context.Context, res *packer.Result) (*snapshot.Snapshot, error) {
	snap := snapshot.New()
	snap.Root = res.Root

	peersByPack := make(map[crypto.PackID][]crypto.PeerID)
	seen := make(map[crypto.PackID]bool)

	for contentID, packID := range res.Chunks {
		if !seen[packID] {
			seen[packID] = true
			snap.Packs = append(snap.Packs, packID)

			peers, err := a.store.Placements(ctx, packID)
			if err != nil {
				return nil, err
			}
			if len(peers) == 0 {
				return nil, fmt.Errorf("pack %s referenced but never acked", packID)
			}
			peersByPack[packID] = peers
		}

		snap.Placement[contentID.String()] = snapshot.Placement{
			Pack:  packID,
			Peers: peersByPack[packID],
		}
	}

	return snap, nil
}

// collectGarbage drops local packs no local snapshot references anymore.
func (a *App) collectGarbage(ctx context.Context) error {
	recs, err := a.store.Snapshots(ctx)
	if err != nil {
		return err
	}

	if len(recs) > a.cfg.Backup.KeepSnapshots {
		// local retention: the newest N snapshots keep their blobs warm;
		// the server pointer is removed by explicit user action only
		for _, old := range recs[:len(recs)-a.cfg.Backup.KeepSnapshots] {
			if err := a.store.RemoveSnapshot(ctx, old.ID); err != nil {
				return err
			}
		}
		recs = recs[len(recs)-a.cfg.Backup.KeepSnapshots:]
	}

	referenced := make(map[crypto.PackID]bool)
	for _, rec := range recs {
		blob, err := os.ReadFile(a.store.SnapshotBlobPath(rec.ID))
		if err != nil {
			return err
		}
		snap, err := snapshot.OpenBlob(a.keys, blob)
		if err != nil {
			return err
		}
		for _, id := range snap.Packs {
			referenced[id] = true
		}
	}

	packs, err := a.store.Packs(ctx)
	if err != nil {
		return err
	}
	for _, rec := range packs {
		if referenced[rec.ID] {
			continue
		}
		a.log.Info("collecting unreferenced pack", slog.String("pack", rec.ID.String()))
		if err := a.store.RemovePack(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// reportPanic turns a panicking operation into a supervision event before
// re-raising, so the UI learns the core died.
func (a *App) reportPanic() {
	if r := recover(); r != nil {
		a.sup.Publish(supervisor.Event{
			Type:    supervisor.EventPanic,
			Message: fmt.Sprint(r),
		})
		panic(r)
	}
}

// StartRestore restores a snapshot (latest when id is empty) into target.
func (a *App) StartRestore(ctx context.Context, snapshotID, target string) error {
	defer a.reportPanic()
	a.sup.Publish(supervisor.Event{Type: supervisor.EventRestoreStarted})

	r := restore.New(a.store, a.keys,
		restore.SessionDialer(a.keys, a.log), a.client, a.log)

	if err := r.Run(ctx, snapshotID, target); err != nil {
		a.sup.Publish(supervisor.Event{
			Type:    supervisor.EventRestoreFinished,
			Success: false,
			Message: err.Error(),
		})
		return err
	}

	a.sup.Publish(supervisor.Event{Type: supervisor.EventRestoreFinished, Success: true})
	return nil
}

// GetConfig returns the active configuration for the UI.
func (a *App) GetConfig() any { return a.cfg }

// SetConfig applies UI-editable settings.
func (a *App) SetConfig(v any) error {
	cfg, ok := v.(*config.Config)
	if !ok {
		return fmt.Errorf("unsupported config payload %T", v)
	}
	a.cfg.Backup = cfg.Backup
	a.sup.Publish(supervisor.Event{Type: supervisor.EventConfig, Config: a.cfg})
	return nil
}

// estimateTreeSize sums regular file sizes under root for the storage
// request. Unreadable entries are skipped; they fail per-file later too.
func estimateTreeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}
