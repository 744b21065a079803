package store

import "errors"

var (
	ErrMissingChunk    = errors.New("chunk not present in any local pack")
	ErrPackNotFound    = errors.New("pack not found")
	ErrPeerNotFound    = errors.New("peer not found")
	ErrDatabaseBusy    = errors.New("database operation failed")
	ErrNotEnoughQuota  = errors.New("peer has no remaining reservation")
	ErrSnapshotMissing = errors.New("snapshot not found")
)
