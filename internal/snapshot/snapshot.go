// Package snapshot defines the per-backup tree of directory and file
// records and its sealed wire form: deterministic JSON, zstd-compressed,
// encrypted as a single blob that can be shipped to peers like any pack.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"peerback/internal/crypto"
)

var (
	ErrBadBlob = errors.New("snapshot blob is malformed")
)

// FileRecord describes one backed-up file. Paths are relative to the backup
// root, normalized to forward slashes.
type FileRecord struct {
	Path    string             `json:"path"`
	Mode    uint32             `json:"mode"`
	ModTime int64              `json:"mtime"`
	Size    int64              `json:"size"`
	Chunks  []crypto.ContentID `json:"chunks"`
}

// DirRecord describes a directory and everything below it.
type DirRecord struct {
	Path    string       `json:"path"`
	Mode    uint32       `json:"mode"`
	ModTime int64        `json:"mtime"`
	Files   []FileRecord `json:"files,omitempty"`
	Dirs    []DirRecord  `json:"dirs,omitempty"`
}

// Placement says which pack a chunk went into and which peers acknowledged
// that pack.
type Placement struct {
	Pack  crypto.PackID   `json:"pack"`
	Peers []crypto.PeerID `json:"peers"`
}

// Snapshot is the complete restorable description of one backup.
type Snapshot struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`

	Root DirRecord `json:"root"`

	// Packs lists every pack the snapshot references.
	Packs []crypto.PackID `json:"packs"`

	// Placement maps content-id (hex) to pack and holding peers. JSON map
	// keys encode sorted, keeping the serialization deterministic.
	Placement map[string]Placement `json:"placement"`
}

// New creates an empty snapshot with a fresh random 128-bit id.
func New() *Snapshot {
	return &Snapshot{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().Unix(),
		Placement: make(map[string]Placement),
	}
}

// PackPeers returns the peers holding a given pack according to the
// placement map.
func (s *Snapshot) PackPeers(id crypto.PackID) []crypto.PeerID {
	for _, pl := range s.Placement {
		if pl.Pack == id {
			return pl.Peers
		}
	}
	return nil
}

// Locate resolves a chunk to its pack.
func (s *Snapshot) Locate(id crypto.ContentID) (Placement, bool) {
	pl, ok := s.Placement[id.String()]
	return pl, ok
}

// Seal serializes, compresses and encrypts the snapshot. It returns the
// blob ready for local storage and shipment, and the BLAKE3 hash of the
// blob, which is both the published snapshot hash and the id the blob
// travels under.
func (s *Snapshot) Seal(keys *crypto.Keys) (blob []byte, hash [crypto.HashSize]byte, err error) {
	plain, err := json.Marshal(s)
	if err != nil {
		return nil, hash, fmt.Errorf("encode snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, hash, fmt.Errorf("create compressor: %w", err)
	}
	compressed := enc.EncodeAll(plain, nil)
	enc.Close()

	contentID := crypto.HashContent(compressed)
	ct, err := keys.Encrypt(contentID, compressed)
	if err != nil {
		return nil, hash, err
	}

	// blob = content-id header followed by the ciphertext; the header is
	// all a restore needs to re-derive the key and nonce.
	blob = make([]byte, 0, crypto.HashSize+len(ct))
	blob = append(blob, contentID[:]...)
	blob = append(blob, ct...)

	hash = crypto.HashContent(blob)
	return blob, hash, nil
}

// OpenBlob decrypts and decodes a sealed snapshot blob.
func OpenBlob(keys *crypto.Keys, blob []byte) (*Snapshot, error) {
	if len(blob) < crypto.HashSize {
		return nil, ErrBadBlob
	}

	var contentID crypto.ContentID
	copy(contentID[:], blob[:crypto.HashSize])

	compressed, err := keys.DecryptChunk(contentID, blob[crypto.HashSize:])
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decompressor: %w", err)
	}
	defer dec.Close()

	plain, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBlob, err)
	}

	var s Snapshot
	if err := json.NewDecoder(bytes.NewReader(plain)).Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBlob, err)
	}
	if s.Placement == nil {
		s.Placement = make(map[string]Placement)
	}
	return &s, nil
}
