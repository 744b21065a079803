// Package pack implements the shipment container for encrypted chunks.
//
// Layout: magic(4) "PBK1", version(1), count(u32 LE), then count entries of
// content-id(32), nonce(12), ct-len(u32 LE), ciphertext. A trailer index
// repeats the entry headers with the ciphertext file offsets, followed by
// the index offset (u64 LE) and a BLAKE3 hash of everything before it.
// A sealed pack is immutable; its identity is the BLAKE3 hash of the whole
// file, trailer hash included.
package pack

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"peerback/internal/crypto"
)

var (
	ErrCorruptPack     = errors.New("pack is corrupt")
	ErrVersionMismatch = errors.New("unsupported pack version")
	ErrSealed          = errors.New("pack is already sealed")
	ErrNotFound        = errors.New("entry not found in pack")
)

const (
	Version = 1

	headerSize       = 4 + 1 + 4
	entryHeaderSize  = crypto.HashSize + crypto.NonceSize + 4
	indexRecordSize  = crypto.HashSize + crypto.NonceSize + 4 + 8
	trailerTailSize  = 8 + crypto.HashSize
	countFieldOffset = 5
)

var magic = [4]byte{'P', 'B', 'K', '1'}

// Entry describes one encrypted chunk inside a pack.
type Entry struct {
	ID     crypto.ContentID
	Nonce  [crypto.NonceSize]byte
	Length uint32
	// Offset of the ciphertext within the pack file.
	Offset int64
}

// Writer appends encrypted chunks to an open pack file until it is sealed.
type Writer struct {
	f       *os.File
	w       *bufio.Writer
	entries []Entry
	size    int64
	sealed  bool
}

// NewWriter starts a pack in the given file, which must be empty.
func NewWriter(f *os.File) (*Writer, error) {
	w := &Writer{f: f, w: bufio.NewWriter(f)}

	var hdr [headerSize]byte
	copy(hdr[:4], magic[:])
	hdr[4] = Version
	// count is patched on seal
	if _, err := w.w.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("write pack header: %w", err)
	}
	w.size = headerSize

	return w, nil
}

// Append writes one encrypted chunk.
func (w *Writer) Append(id crypto.ContentID, nonce [crypto.NonceSize]byte, ct []byte) (Entry, error) {
	if w.sealed {
		return Entry{}, ErrSealed
	}

	var hdr [entryHeaderSize]byte
	copy(hdr[:crypto.HashSize], id[:])
	copy(hdr[crypto.HashSize:], nonce[:])
	binary.LittleEndian.PutUint32(hdr[crypto.HashSize+crypto.NonceSize:], uint32(len(ct)))

	if _, err := w.w.Write(hdr[:]); err != nil {
		return Entry{}, fmt.Errorf("write entry header: %w", err)
	}
	if _, err := w.w.Write(ct); err != nil {
		return Entry{}, fmt.Errorf("write ciphertext: %w", err)
	}

	e := Entry{
		ID:     id,
		Nonce:  nonce,
		Length: uint32(len(ct)),
		Offset: w.size + entryHeaderSize,
	}
	w.entries = append(w.entries, e)
	w.size += entryHeaderSize + int64(len(ct))

	return e, nil
}

// Count returns the number of chunks appended so far.
func (w *Writer) Count() int { return len(w.entries) }

// Size returns the current body size in bytes.
func (w *Writer) Size() int64 { return w.size }

// Entries returns the entries appended so far.
func (w *Writer) Entries() []Entry { return w.entries }

// Seal writes the trailer index and hash, fsyncs, and returns the pack id.
// After Seal the file is immutable.
func (w *Writer) Seal() (crypto.PackID, error) {
	var id crypto.PackID
	if w.sealed {
		return id, ErrSealed
	}
	w.sealed = true

	// trailer index
	indexOffset := w.size
	var rec [indexRecordSize]byte
	for _, e := range w.entries {
		copy(rec[:crypto.HashSize], e.ID[:])
		copy(rec[crypto.HashSize:], e.Nonce[:])
		binary.LittleEndian.PutUint32(rec[crypto.HashSize+crypto.NonceSize:], e.Length)
		binary.LittleEndian.PutUint64(rec[crypto.HashSize+crypto.NonceSize+4:], uint64(e.Offset))
		if _, err := w.w.Write(rec[:]); err != nil {
			return id, fmt.Errorf("write trailer index: %w", err)
		}
	}

	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], uint64(indexOffset))
	if _, err := w.w.Write(off[:]); err != nil {
		return id, fmt.Errorf("write index offset: %w", err)
	}

	if err := w.w.Flush(); err != nil {
		return id, fmt.Errorf("flush pack: %w", err)
	}

	// patch entry count in the header
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(w.entries)))
	if _, err := w.f.WriteAt(count[:], countFieldOffset); err != nil {
		return id, fmt.Errorf("patch entry count: %w", err)
	}

	// trailer hash covers everything written so far
	bodyHash, err := hashFileRange(w.f, 0, w.size+int64(len(w.entries)*indexRecordSize)+8)
	if err != nil {
		return id, err
	}
	if _, err := w.f.Write(bodyHash[:]); err != nil {
		return id, fmt.Errorf("write trailer hash: %w", err)
	}

	if err := w.f.Sync(); err != nil {
		return id, fmt.Errorf("fsync pack: %w", err)
	}

	// pack identity covers the whole file, trailer hash included
	end, err := w.f.Seek(0, io.SeekEnd)
	if err != nil {
		return id, fmt.Errorf("seek pack end: %w", err)
	}
	full, err := hashFileRange(w.f, 0, end)
	if err != nil {
		return id, err
	}

	return crypto.PackID(full), nil
}

// Reader gives access to the entries of a sealed pack file. Opening a pack
// verifies the trailer hash over the whole body.
type Reader struct {
	f       *os.File
	entries []Entry
}

// Open opens and verifies a sealed pack.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pack: %w", err)
	}

	r, err := newReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newReader(f *os.File) (*Reader, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat pack: %w", err)
	}
	size := st.Size()
	if size < headerSize+trailerTailSize {
		return nil, fmt.Errorf("%w: truncated file", ErrCorruptPack)
	}

	var hdr [headerSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("read pack header: %w", err)
	}
	if [4]byte(hdr[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptPack)
	}
	if hdr[4] != Version {
		return nil, fmt.Errorf("%w: version %d", ErrVersionMismatch, hdr[4])
	}
	count := binary.LittleEndian.Uint32(hdr[countFieldOffset:])

	var tail [trailerTailSize]byte
	if _, err := f.ReadAt(tail[:], size-trailerTailSize); err != nil {
		return nil, fmt.Errorf("read pack trailer: %w", err)
	}
	indexOffset := int64(binary.LittleEndian.Uint64(tail[:8]))

	var want [crypto.HashSize]byte
	copy(want[:], tail[8:])

	got, err := hashFileRange(f, 0, size-crypto.HashSize)
	if err != nil {
		return nil, err
	}
	if got != want {
		return nil, fmt.Errorf("%w: trailer hash mismatch", ErrCorruptPack)
	}

	if indexOffset < headerSize || indexOffset+int64(count)*indexRecordSize+trailerTailSize != size {
		return nil, fmt.Errorf("%w: bad index offset", ErrCorruptPack)
	}

	entries := make([]Entry, 0, count)
	rec := make([]byte, indexRecordSize)
	for i := uint32(0); i < count; i++ {
		if _, err := f.ReadAt(rec, indexOffset+int64(i)*indexRecordSize); err != nil {
			return nil, fmt.Errorf("read index record: %w", err)
		}

		var e Entry
		copy(e.ID[:], rec[:crypto.HashSize])
		copy(e.Nonce[:], rec[crypto.HashSize:crypto.HashSize+crypto.NonceSize])
		e.Length = binary.LittleEndian.Uint32(rec[crypto.HashSize+crypto.NonceSize:])
		e.Offset = int64(binary.LittleEndian.Uint64(rec[crypto.HashSize+crypto.NonceSize+4:]))

		if e.Offset < headerSize || e.Offset+int64(e.Length) > indexOffset {
			return nil, fmt.Errorf("%w: entry outside body", ErrCorruptPack)
		}
		entries = append(entries, e)
	}

	return &Reader{f: f, entries: entries}, nil
}

// Entries lists the chunks stored in the pack.
func (r *Reader) Entries() []Entry { return r.entries }

// Find returns the entry for a content id.
func (r *Reader) Find(id crypto.ContentID) (Entry, error) {
	for _, e := range r.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

// Ciphertext reads the encrypted bytes of one entry.
func (r *Reader) Ciphertext(e Entry) ([]byte, error) {
	buf := make([]byte, e.Length)
	if _, err := r.f.ReadAt(buf, e.Offset); err != nil {
		return nil, fmt.Errorf("read ciphertext: %w", err)
	}
	return buf, nil
}

func (r *Reader) Close() error { return r.f.Close() }

// Hash computes the pack id of a pack file on disk.
func Hash(path string) (crypto.PackID, error) {
	var id crypto.PackID

	f, err := os.Open(path)
	if err != nil {
		return id, fmt.Errorf("open pack: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return id, fmt.Errorf("stat pack: %w", err)
	}

	h, err := hashFileRange(f, 0, st.Size())
	if err != nil {
		return id, err
	}
	return crypto.PackID(h), nil
}

func hashFileRange(f *os.File, start, end int64) ([crypto.HashSize]byte, error) {
	var out [crypto.HashSize]byte

	h := blake3.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, start, end-start)); err != nil {
		return out, fmt.Errorf("hash pack: %w", err)
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}
