// Package crypto is the key schedule and AEAD kernel. Everything is derived
// from a single BIP-39 mnemonic: the master key via HKDF over the seed, the
// ed25519 peer identity, and a per-blob key/nonce pair bound to the blob's
// plaintext hash.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/tyler-smith/go-bip39"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrAuthFailed    = errors.New("ciphertext authentication failed")
	ErrKeyDerivation = errors.New("key derivation failed")
	ErrBadMnemonic   = errors.New("mnemonic is not a valid BIP-39 phrase")
)

const (
	// HashSize is the length of a BLAKE3 content hash.
	HashSize = 32

	NonceSize = 12
	KeySize   = 32

	masterInfo   = "master-v1"
	identityInfo = "peer-identity-v1"
	blobInfo     = "blob-v1"
)

// ContentID identifies a chunk or blob by the BLAKE3 hash of its plaintext.
type ContentID [HashSize]byte

// PackID identifies a sealed pack by the BLAKE3 hash of the whole file.
type PackID [HashSize]byte

// PeerID is a peer's ed25519 public key.
type PeerID [ed25519.PublicKeySize]byte

func (id ContentID) String() string { return hex.EncodeToString(id[:]) }
func (id PackID) String() string    { return hex.EncodeToString(id[:]) }
func (id PeerID) String() string    { return hex.EncodeToString(id[:]) }

// The id types serialize as hex text so they read naturally in JSON.

func (id ContentID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id PackID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id PeerID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }

func (id *ContentID) UnmarshalText(b []byte) error {
	v, err := ContentIDFromString(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id *PackID) UnmarshalText(b []byte) error {
	v, err := PackIDFromString(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id *PeerID) UnmarshalText(b []byte) error {
	v, err := PeerIDFromString(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func ContentIDFromString(s string) (ContentID, error) {
	var id ContentID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != HashSize {
		return id, fmt.Errorf("bad content id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

func PackIDFromString(s string) (PackID, error) {
	var id PackID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != HashSize {
		return id, fmt.Errorf("bad pack id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

func PeerIDFromString(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return id, fmt.Errorf("bad peer id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// HashContent computes the BLAKE3 content id of a plaintext.
func HashContent(b []byte) ContentID {
	return ContentID(blake3.Sum256(b))
}

// HashPack computes the pack id of a complete pack file image.
func HashPack(b []byte) PackID {
	return PackID(blake3.Sum256(b))
}

// Keys holds the derived key material for one device.
type Keys struct {
	master  [KeySize]byte
	privKey ed25519.PrivateKey

	// PubKey is the peer identity; its bytes are the peer id on the wire.
	PubKey ed25519.PublicKey
}

// NewMnemonic generates a fresh 24-word recovery phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// FromMnemonic rebuilds the full key set from a recovery phrase. The same
// phrase always yields the same keys.
func FromMnemonic(mnemonic string) (*Keys, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrBadMnemonic
	}

	seed := bip39.NewSeed(mnemonic, "")

	k := &Keys{}
	if err := deriveKey(seed, nil, masterInfo, k.master[:]); err != nil {
		return nil, err
	}

	var idSeed [ed25519.SeedSize]byte
	if err := deriveKey(k.master[:], nil, identityInfo, idSeed[:]); err != nil {
		return nil, err
	}
	k.privKey = ed25519.NewKeyFromSeed(idSeed[:])
	k.PubKey = k.privKey.Public().(ed25519.PublicKey)

	return k, nil
}

// PeerID returns the identity public key as a fixed-size peer id.
func (k *Keys) PeerID() PeerID {
	var id PeerID
	copy(id[:], k.PubKey)
	return id
}

// DeriveBlobKey derives the AEAD key and nonce for a blob from its content
// id. Binding the nonce to the plaintext identity makes nonce reuse
// impossible without a counter, and identical plaintexts encrypt to
// identical ciphertexts.
func (k *Keys) DeriveBlobKey(id ContentID) (key [KeySize]byte, nonce [NonceSize]byte, err error) {
	info := append([]byte(blobInfo), id[:]...)

	var out [NonceSize + KeySize]byte
	if err = deriveKey(k.master[:], nil, string(info), out[:]); err != nil {
		return key, nonce, err
	}

	copy(nonce[:], out[:NonceSize])
	copy(key[:], out[NonceSize:])
	return key, nonce, nil
}

// EncryptChunk hashes the plaintext and encrypts it under the blob key
// derived from that hash. It returns the content id and the ciphertext.
func (k *Keys) EncryptChunk(pt []byte) (ContentID, []byte, error) {
	id := HashContent(pt)
	ct, err := k.Encrypt(id, pt)
	return id, ct, err
}

// Encrypt seals a plaintext under the blob key for the given content id.
// The content id doubles as associated data so a blob cannot be replayed
// under another identity.
func (k *Keys) Encrypt(id ContentID, pt []byte) ([]byte, error) {
	aead, nonce, err := k.blobAEAD(id)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], pt, id[:]), nil
}

// DecryptChunk opens a ciphertext for the given content id. A tag mismatch
// returns ErrAuthFailed.
func (k *Keys) DecryptChunk(id ContentID, ct []byte) ([]byte, error) {
	aead, nonce, err := k.blobAEAD(id)
	if err != nil {
		return nil, err
	}

	pt, err := aead.Open(nil, nonce[:], ct, id[:])
	if err != nil {
		return nil, ErrAuthFailed
	}
	if pt == nil {
		pt = []byte{}
	}
	return pt, nil
}

func (k *Keys) blobAEAD(id ContentID) (cipher.AEAD, [NonceSize]byte, error) {
	key, nonce, err := k.DeriveBlobKey(id)
	if err != nil {
		return nil, nonce, err
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nonce, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nonce, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	return aead, nonce, nil
}

// Sign signs a message with the peer identity key.
func (k *Keys) Sign(msg []byte) []byte {
	return ed25519.Sign(k.privKey, msg)
}

// Verify checks a peer's signature over a message.
func Verify(peer PeerID, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(peer[:]), msg, sig)
}

func deriveKey(secret, salt []byte, info string, out []byte) error {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	return nil
}
