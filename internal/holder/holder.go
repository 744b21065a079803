// Package holder stores pack files received from remote peers and serves
// them back. It enforces the incoming side of each peer's reservation:
// bytes accepted from a peer never exceed what was granted to it.
package holder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"peerback/internal/crypto"
	"peerback/internal/util/logger/sl"
)

const (
	heldPacksBucket  = "held_packs"
	peerGrantsBucket = "peer_grants"
)

var (
	ErrNilDB          = errors.New("database is not initialized")
	ErrPackNotHeld    = errors.New("pack not held")
	ErrOverBudget     = errors.New("put exceeds the peer's incoming reservation")
	ErrAlreadyHeld    = errors.New("pack already held")
	ErrBucketNotFound = errors.New("bucket not found")
)

// HeldPack is the record for one pack stored on behalf of a peer.
type HeldPack struct {
	Owner      crypto.PeerID
	Size       int64
	ReceivedAt time.Time
}

// Grant tracks a peer's incoming byte allowance.
type Grant struct {
	Granted int64
	Used    int64
}

type Holder struct {
	dir        string
	db         *bbolt.DB
	serializer Serializer
	log        *slog.Logger
}

// Open opens the holder over the received-packs directory.
func Open(dir string, log *slog.Logger) (*Holder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create received dir: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "held.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open holder db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{heldPacksBucket, peerGrantsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize holder: %w", err)
	}

	return &Holder{
		dir:        dir,
		db:         db,
		serializer: GobSerializer{},
		log:        log,
	}, nil
}

func (h *Holder) Close() error {
	if h.db == nil {
		return ErrNilDB
	}
	return h.db.Close()
}

// AddGrant credits incoming bytes for a peer when a reservation is matched.
func (h *Holder) AddGrant(peer crypto.PeerID, bytes int64) error {
	return h.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(peerGrantsBucket))
		if bucket == nil {
			return ErrBucketNotFound
		}

		var g Grant
		if data := bucket.Get(peer[:]); data != nil {
			if err := h.serializer.Deserialize(data, &g); err != nil {
				return err
			}
		}
		g.Granted += bytes

		data, err := h.serializer.Serialize(&g)
		if err != nil {
			return err
		}
		return bucket.Put(peer[:], data)
	})
}

// Grant reports a peer's current allowance.
func (h *Holder) Grant(peer crypto.PeerID) (Grant, error) {
	var g Grant
	err := h.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(peerGrantsBucket))
		if bucket == nil {
			return ErrBucketNotFound
		}
		if data := bucket.Get(peer[:]); data != nil {
			return h.serializer.Deserialize(data, &g)
		}
		return nil
	})
	return g, err
}

// Remaining is how many more bytes the peer may PUT.
func (h *Holder) Remaining(peer crypto.PeerID) (int64, error) {
	g, err := h.Grant(peer)
	if err != nil {
		return 0, err
	}
	return g.Granted - g.Used, nil
}

func (h *Holder) packPath(id crypto.PackID) string {
	return filepath.Join(h.dir, id.String()+".pack")
}

// Sink is an in-progress pack reception. Bytes stream into a temp file;
// Commit verifies the hash, charges the owner's grant and makes the pack
// servable. Abort discards everything.
type Sink struct {
	h     *Holder
	owner crypto.PeerID
	id    crypto.PackID
	total int64

	f       *os.File
	tmpPath string
	written int64
}

// Begin starts receiving a pack. It fails up front if the declared size
// would blow the peer's remaining grant.
func (h *Holder) Begin(owner crypto.PeerID, id crypto.PackID, total int64) (*Sink, error) {
	const op = "holder.Begin"

	held, err := h.Has(id)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, ErrAlreadyHeld
	}

	remaining, err := h.Remaining(owner)
	if err != nil {
		return nil, err
	}
	if total > remaining {
		return nil, ErrOverBudget
	}

	f, err := os.CreateTemp(h.dir, "incoming-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Sink{h: h, owner: owner, id: id, total: total, f: f, tmpPath: f.Name()}, nil
}

func (s *Sink) Write(p []byte) (int, error) {
	if s.written+int64(len(p)) > s.total {
		return 0, fmt.Errorf("pack data exceeds declared size %d", s.total)
	}
	n, err := s.f.Write(p)
	s.written += int64(n)
	return n, err
}

// Commit fsyncs, verifies the received bytes hash to the declared pack id,
// records the pack and charges the grant. It returns the verified hash.
func (s *Sink) Commit() (crypto.PackID, error) {
	const op = "holder.Sink.Commit"
	var zero crypto.PackID

	if err := s.f.Sync(); err != nil {
		s.Abort()
		return zero, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.f.Close(); err != nil {
		s.Abort()
		return zero, fmt.Errorf("%s: %w", op, err)
	}

	got, err := hashFile(s.tmpPath)
	if err != nil {
		s.Abort()
		return zero, err
	}
	if got != s.id {
		s.Abort()
		return zero, fmt.Errorf("%s: received bytes hash %s, want %s", op, got, s.id)
	}

	if err := os.Rename(s.tmpPath, s.h.packPath(s.id)); err != nil {
		s.Abort()
		return zero, fmt.Errorf("%s: %w", op, err)
	}

	err = s.h.db.Update(func(tx *bbolt.Tx) error {
		packs := tx.Bucket([]byte(heldPacksBucket))
		grants := tx.Bucket([]byte(peerGrantsBucket))
		if packs == nil || grants == nil {
			return ErrBucketNotFound
		}

		rec := HeldPack{Owner: s.owner, Size: s.written, ReceivedAt: time.Now()}
		data, err := s.h.serializer.Serialize(&rec)
		if err != nil {
			return err
		}
		if err := packs.Put(s.id[:], data); err != nil {
			return err
		}

		var g Grant
		if data := grants.Get(s.owner[:]); data != nil {
			if err := s.h.serializer.Deserialize(data, &g); err != nil {
				return err
			}
		}
		g.Used += s.written

		data, err = s.h.serializer.Serialize(&g)
		if err != nil {
			return err
		}
		return grants.Put(s.owner[:], data)
	})
	if err != nil {
		return zero, fmt.Errorf("%s: %w", op, err)
	}

	return got, nil
}

// Abort discards the partial reception.
func (s *Sink) Abort() {
	s.f.Close()
	if err := os.Remove(s.tmpPath); err != nil && !os.IsNotExist(err) {
		s.h.log.Warn("failed to remove aborted pack", sl.Err(err))
	}
}

// Has reports whether a pack is held.
func (h *Holder) Has(id crypto.PackID) (bool, error) {
	var held bool
	err := h.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(heldPacksBucket))
		if bucket == nil {
			return ErrBucketNotFound
		}
		held = bucket.Get(id[:]) != nil
		return nil
	})
	return held, err
}

// Open returns a reader over a held pack and its size.
func (h *Holder) Open(id crypto.PackID) (io.ReadCloser, int64, error) {
	held, err := h.Has(id)
	if err != nil {
		return nil, 0, err
	}
	if !held {
		return nil, 0, ErrPackNotHeld
	}

	f, err := os.Open(h.packPath(id))
	if err != nil {
		return nil, 0, fmt.Errorf("open held pack: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat held pack: %w", err)
	}
	return f, st.Size(), nil
}

// Delete honors an advisory delete from the owning peer and refunds its
// grant usage.
func (h *Holder) Delete(id crypto.PackID) error {
	err := h.db.Update(func(tx *bbolt.Tx) error {
		packs := tx.Bucket([]byte(heldPacksBucket))
		grants := tx.Bucket([]byte(peerGrantsBucket))
		if packs == nil || grants == nil {
			return ErrBucketNotFound
		}

		data := packs.Get(id[:])
		if data == nil {
			return ErrPackNotHeld
		}
		var rec HeldPack
		if err := h.serializer.Deserialize(data, &rec); err != nil {
			return err
		}
		if err := packs.Delete(id[:]); err != nil {
			return err
		}

		var g Grant
		if data := grants.Get(rec.Owner[:]); data != nil {
			if err := h.serializer.Deserialize(data, &g); err != nil {
				return err
			}
		}
		g.Used -= rec.Size
		if g.Used < 0 {
			g.Used = 0
		}

		data, err := h.serializer.Serialize(&g)
		if err != nil {
			return err
		}
		return grants.Put(rec.Owner[:], data)
	})
	if err != nil {
		return err
	}

	if err := os.Remove(h.packPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove held pack: %w", err)
	}
	return nil
}

func hashFile(path string) (crypto.PackID, error) {
	var zero crypto.PackID

	b, err := os.ReadFile(path)
	if err != nil {
		return zero, fmt.Errorf("read pack for hashing: %w", err)
	}
	return crypto.HashPack(b), nil
}
