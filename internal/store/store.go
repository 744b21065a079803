// Package store is the append-only local object store: pack files on disk
// plus a sqlite index holding the dedup map, placement metadata, snapshot
// pointers and peer records. All writes are serialized behind one lock;
// reads may be concurrent.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"peerback/internal/crypto"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations exposes the embedded schema migrations for the migrate
// command.
func Migrations() fs.FS { return migrationsFS }

const (
	packsDirName     = "packs"
	snapshotsDirName = "snapshots"
	receivedDirName  = "received"
	indexDBName      = "index.db"
)

type Store struct {
	dir string
	db  *sql.DB
	log *slog.Logger

	// mu serializes all writes; sqlite has a single writer anyway and
	// this keeps SQLITE_BUSY out of the picture.
	mu sync.Mutex
}

// Open prepares the data directory layout and opens the index database,
// applying pending schema migrations.
func Open(dataDir string, log *slog.Logger) (*Store, error) {
	const op = "store.Open"

	for _, sub := range []string{packsDirName, snapshotsDirName, receivedDirName} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("%s: create %s dir: %w", op, sub, err)
		}
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, indexDBName)+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("%s: open index db: %w", op, err)
	}

	s := &Store{dir: dataDir, db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("object store opened", slog.String("op", op), slog.String("dir", dataDir))
	return s, nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

///////////////////////////////////////////////////////////////////////////
// directory layout

// PacksDir is where sealed pack files live.
func (s *Store) PacksDir() string { return filepath.Join(s.dir, packsDirName) }

// SnapshotsDir holds the local copies of encrypted snapshot blobs.
func (s *Store) SnapshotsDir() string { return filepath.Join(s.dir, snapshotsDirName) }

// ReceivedDir is the pack holder area for data stored on behalf of peers.
func (s *Store) ReceivedDir() string { return filepath.Join(s.dir, receivedDirName) }

// PackPath fans pack files out over two hex levels, packs/aa/bb/<id>.pack.
func (s *Store) PackPath(id crypto.PackID) string {
	hexID := id.String()
	return filepath.Join(s.PacksDir(), hexID[:2], hexID[2:4], hexID+".pack")
}

// SnapshotBlobPath is the local file for a snapshot's encrypted blob.
func (s *Store) SnapshotBlobPath(snapshotID string) string {
	return filepath.Join(s.SnapshotsDir(), snapshotID)
}

// InstallPack moves a sealed temp file into its content-addressed location
// and records it in the index. The rename keeps sealing atomic.
func (s *Store) InstallPack(ctx context.Context, tmpPath string, id crypto.PackID, size int64) error {
	const op = "store.InstallPack"

	dst := s.PackPath(id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("%s: rename: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO packs (id, size, created_at) VALUES (?, ?, ?)`,
		id.String(), size, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrDatabaseBusy, err)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// dedup map

// AddChunk records where a chunk's ciphertext was packed.
func (s *Store) AddChunk(ctx context.Context, loc ChunkLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chunks (content_id, pack_id, offset, length) VALUES (?, ?, ?, ?)`,
		loc.ContentID.String(), loc.PackID.String(), loc.Offset, loc.Length)
	if err != nil {
		return fmt.Errorf("store.AddChunk: %w: %v", ErrDatabaseBusy, err)
	}
	return nil
}

// LookupChunk finds a chunk in the dedup map.
func (s *Store) LookupChunk(ctx context.Context, id crypto.ContentID) (ChunkLocation, error) {
	var (
		loc    ChunkLocation
		packID string
	)

	row := s.db.QueryRowContext(ctx,
		`SELECT pack_id, offset, length FROM chunks WHERE content_id = ?`, id.String())
	if err := row.Scan(&packID, &loc.Offset, &loc.Length); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return loc, ErrMissingChunk
		}
		return loc, fmt.Errorf("store.LookupChunk: %w: %v", ErrDatabaseBusy, err)
	}

	pid, err := crypto.PackIDFromString(packID)
	if err != nil {
		return loc, err
	}
	loc.ContentID = id
	loc.PackID = pid
	return loc, nil
}

///////////////////////////////////////////////////////////////////////////
// packs and placements

// Packs lists every pack known locally.
func (s *Store) Packs(ctx context.Context) ([]PackRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, size, created_at FROM packs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store.Packs: %w: %v", ErrDatabaseBusy, err)
	}
	defer rows.Close()

	var out []PackRecord
	for rows.Next() {
		var (
			rec PackRecord
			id  string
			ts  int64
		)
		if err := rows.Scan(&id, &rec.Size, &ts); err != nil {
			return nil, fmt.Errorf("store.Packs: %w: %v", ErrDatabaseBusy, err)
		}
		pid, err := crypto.PackIDFromString(id)
		if err != nil {
			return nil, err
		}
		rec.ID = pid
		rec.CreatedAt = time.Unix(ts, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RemovePack drops a pack file and its index rows. Used by garbage
// collection once no server-side snapshot references it.
func (s *Store) RemovePack(ctx context.Context, id crypto.PackID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM packs WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("store.RemovePack: %w: %v", ErrDatabaseBusy, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM placements WHERE pack_id = ?`, id.String()); err != nil {
		return fmt.Errorf("store.RemovePack: %w: %v", ErrDatabaseBusy, err)
	}

	if err := os.Remove(s.PackPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store.RemovePack: %w", err)
	}
	return nil
}

// RecordPlacement marks a pack as acknowledged by a peer. A snapshot may
// only reference packs that have at least one placement.
func (s *Store) RecordPlacement(ctx context.Context, packID crypto.PackID, peer crypto.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO placements (pack_id, peer_id, acked_at) VALUES (?, ?, ?)`,
		packID.String(), peer.String(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store.RecordPlacement: %w: %v", ErrDatabaseBusy, err)
	}
	return nil
}

// Placements returns the peers that acknowledged a pack.
func (s *Store) Placements(ctx context.Context, packID crypto.PackID) ([]crypto.PeerID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT peer_id FROM placements WHERE pack_id = ?`, packID.String())
	if err != nil {
		return nil, fmt.Errorf("store.Placements: %w: %v", ErrDatabaseBusy, err)
	}
	defer rows.Close()

	var out []crypto.PeerID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store.Placements: %w: %v", ErrDatabaseBusy, err)
		}
		peer, err := crypto.PeerIDFromString(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, peer)
	}
	return out, rows.Err()
}

///////////////////////////////////////////////////////////////////////////
// snapshots

// AddSnapshot records a finalized snapshot pointer.
func (s *Store) AddSnapshot(ctx context.Context, rec SnapshotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, hash, created_at) VALUES (?, ?, ?)`,
		rec.ID, hex.EncodeToString(rec.Hash[:]), rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store.AddSnapshot: %w: %v", ErrDatabaseBusy, err)
	}
	return nil
}

// Snapshots lists local snapshot pointers, oldest first.
func (s *Store) Snapshots(ctx context.Context) ([]SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, hash, created_at FROM snapshots ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store.Snapshots: %w: %v", ErrDatabaseBusy, err)
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var (
			rec     SnapshotRecord
			hashHex string
			ts      int64
		)
		if err := rows.Scan(&rec.ID, &hashHex, &ts); err != nil {
			return nil, fmt.Errorf("store.Snapshots: %w: %v", ErrDatabaseBusy, err)
		}
		raw, err := hex.DecodeString(hashHex)
		if err != nil || len(raw) != crypto.HashSize {
			return nil, fmt.Errorf("store.Snapshots: bad hash %q", hashHex)
		}
		copy(rec.Hash[:], raw)
		rec.CreatedAt = time.Unix(ts, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RemoveSnapshot drops a local snapshot pointer and its blob.
func (s *Store) RemoveSnapshot(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store.RemoveSnapshot: %w: %v", ErrDatabaseBusy, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSnapshotMissing
	}

	if err := os.Remove(s.SnapshotBlobPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store.RemoveSnapshot: %w", err)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// peers and reservations

// UpsertPeer records a peer's identity and latest address.
func (s *Store) UpsertPeer(ctx context.Context, id crypto.PeerID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (id, address, last_seen) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET address = excluded.address, last_seen = excluded.last_seen`,
		id.String(), address, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store.UpsertPeer: %w: %v", ErrDatabaseBusy, err)
	}
	return nil
}

// AddReservation credits a matched reservation in both directions; a match
// is symmetric by protocol.
func (s *Store) AddReservation(ctx context.Context, id crypto.PeerID, bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE peers SET negotiated_out = negotiated_out + ?, negotiated_in = negotiated_in + ?
		WHERE id = ?`,
		bytes, bytes, id.String())
	if err != nil {
		return fmt.Errorf("store.AddReservation: %w: %v", ErrDatabaseBusy, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPeerNotFound
	}
	return nil
}

// ConsumeOutgoing charges placed bytes against a peer's outgoing budget.
func (s *Store) ConsumeOutgoing(ctx context.Context, id crypto.PeerID, bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE peers SET used_out = used_out + ?
		WHERE id = ? AND negotiated_out - used_out >= ?`,
		bytes, id.String(), bytes)
	if err != nil {
		return fmt.Errorf("store.ConsumeOutgoing: %w: %v", ErrDatabaseBusy, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotEnoughQuota
	}
	return nil
}

// ConsumeIncoming charges received bytes against a peer's incoming budget.
func (s *Store) ConsumeIncoming(ctx context.Context, id crypto.PeerID, bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE peers SET used_in = used_in + ?
		WHERE id = ? AND negotiated_in - used_in >= ?`,
		bytes, id.String(), bytes)
	if err != nil {
		return fmt.Errorf("store.ConsumeIncoming: %w: %v", ErrDatabaseBusy, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotEnoughQuota
	}
	return nil
}

// Peer fetches one peer record.
func (s *Store) Peer(ctx context.Context, id crypto.PeerID) (PeerRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, address, negotiated_out, negotiated_in, used_out, used_in, last_seen
		FROM peers WHERE id = ?`, id.String())
	return scanPeer(row)
}

// Peers lists every known peer.
func (s *Store) Peers(ctx context.Context) ([]PeerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, address, negotiated_out, negotiated_in, used_out, used_in, last_seen
		FROM peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("store.Peers: %w: %v", ErrDatabaseBusy, err)
	}
	defer rows.Close()

	var out []PeerRecord
	for rows.Next() {
		rec, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (PeerRecord, error) {
	var (
		rec      PeerRecord
		id       string
		lastSeen int64
	)

	err := row.Scan(&id, &rec.Address, &rec.NegotiatedOut, &rec.NegotiatedIn,
		&rec.UsedOut, &rec.UsedIn, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, ErrPeerNotFound
		}
		return rec, fmt.Errorf("store: scan peer: %w: %v", ErrDatabaseBusy, err)
	}

	peer, err := crypto.PeerIDFromString(id)
	if err != nil {
		return rec, err
	}
	rec.ID = peer
	rec.LastSeen = time.Unix(lastSeen, 0)
	return rec, nil
}
