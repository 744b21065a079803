package peer

import "errors"

var (
	ErrProtocol        = errors.New("protocol violation")
	ErrUnexpectedFrame = errors.New("unexpected frame")
	ErrHandshakeFailed = errors.New("peer handshake failed")
	ErrRejected        = errors.New("put rejected by peer")
	ErrNotFound        = errors.New("pack not found on peer")
	ErrAckMismatch     = errors.New("ack hash does not match pack hash")
)
