package store

import (
	"time"

	"peerback/internal/crypto"
)

// PackRecord is the index row for a locally stored pack.
type PackRecord struct {
	ID        crypto.PackID
	Size      int64
	CreatedAt time.Time
}

// ChunkLocation says where a chunk's ciphertext lives.
type ChunkLocation struct {
	ContentID crypto.ContentID
	PackID    crypto.PackID
	Offset    int64
	Length    uint32
}

// PeerRecord tracks a remote peer and the byte budget negotiated with it.
type PeerRecord struct {
	ID            crypto.PeerID
	Address       string
	NegotiatedOut int64
	NegotiatedIn  int64
	UsedOut       int64
	UsedIn        int64
	LastSeen      time.Time
}

// RemainingOut is the unexhausted outgoing reservation.
func (p PeerRecord) RemainingOut() int64 { return p.NegotiatedOut - p.UsedOut }

// SnapshotRecord is the local pointer to a published snapshot.
type SnapshotRecord struct {
	ID        string
	Hash      [crypto.HashSize]byte
	CreatedAt time.Time
}
