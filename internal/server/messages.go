package server

import (
	"encoding/json"

	"peerback/internal/crypto"
)

// Message types on the client-server websocket. Every frame is an
// Envelope; Payload holds the type-specific body.
const (
	TypeChallenge       = "challenge"
	TypeRegister        = "register"
	TypeRegistered      = "registered"
	TypeAuthFailed      = "auth_failed"
	TypeRequestStorage  = "request_storage"
	TypeMatch           = "match"
	TypePublishSnapshot = "publish_snapshot"
	TypeOk              = "ok"
	TypeReject          = "reject"
	TypeListSnapshots   = "list_snapshots"
	TypeSnapshots       = "snapshots"
	TypeLocatePeer      = "locate_peer"
	TypeAddr            = "addr"
	TypeNotFound        = "not_found"
	TypePing            = "ping"
	TypePong            = "pong"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Challenge is the server's opening nonce; registration signs it.
type Challenge struct {
	Nonce []byte `json:"nonce"`
}

type Register struct {
	Pubkey crypto.PeerID `json:"pubkey"`
	Sig    []byte        `json:"sig"`
}

type RequestStorage struct {
	Bytes int64 `json:"bytes"`
}

// Match pairs two peers. Both sides receive the same grant and agree to
// accept and send up to Bytes.
type Match struct {
	PeerID crypto.PeerID `json:"peer_id"`
	Addr   string        `json:"addr"`
	Bytes  int64         `json:"bytes"`
}

type PublishSnapshot struct {
	SnapshotID string `json:"snapshot_id"`
	Hash       []byte `json:"snapshot_hash"`
	Timestamp  int64  `json:"timestamp"`
	Sig        []byte `json:"sig"`
}

type SnapshotPointer struct {
	ID        string `json:"id"`
	Hash      []byte `json:"hash"`
	Timestamp int64  `json:"ts"`
}

type Snapshots struct {
	Snapshots []SnapshotPointer `json:"snapshots"`
}

type LocatePeer struct {
	PeerID crypto.PeerID `json:"peer_id"`
}

type Addr struct {
	Addr string `json:"addr"`
}

func envelope(msgType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}
