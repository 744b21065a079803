package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"peerback/internal/holder"
	"peerback/internal/scheduler"
	"peerback/internal/store"
	"peerback/internal/util/logger/sl"
)

const (
	// requestCap bounds a single storage request; bigger needs are split
	// into successive requests.
	requestCap = 150_000_000

	// requestStep is the request size when the need cannot be estimated.
	requestStep = 50_000_000

	// matchTimeout is how long an unmatched request lives before it is
	// re-issued.
	matchTimeout = 10 * time.Minute
)

// Negotiator turns storage needs into reservations: it issues requests to
// the matchmaker, consumes the asynchronous matches, records them
// everywhere they matter and hands them to the scheduler. A short grant
// re-requests the remainder.
type Negotiator struct {
	client *Client
	store  *store.Store
	holder *holder.Holder
	sched  *scheduler.Scheduler
	log    *slog.Logger
}

func NewNegotiator(c *Client, s *store.Store, h *holder.Holder, sched *scheduler.Scheduler, log *slog.Logger) *Negotiator {
	return &Negotiator{client: c, store: s, holder: h, sched: sched, log: log}
}

// Negotiate acquires at least bytesWanted of outgoing reservation space,
// presenting each match to the scheduler as it lands. It returns once the
// total has been granted or the context ends.
func (n *Negotiator) Negotiate(ctx context.Context, bytesWanted int64) error {
	const op = "negotiator.Negotiate"
	log := n.log.With(slog.String("op", op))

	if bytesWanted <= 0 {
		bytesWanted = requestStep
	}

	remaining := bytesWanted
	for remaining > 0 {
		req := remaining
		if req > requestCap {
			req = requestCap
		}

		if err := n.client.RequestStorage(ctx, req); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		log.Info("storage requested", slog.Int64("bytes", req))

		granted, err := n.awaitMatch(ctx)
		if err != nil {
			return err
		}
		if granted == 0 {
			// request expired unmatched; re-issue
			log.Info("storage request expired, re-issuing")
			continue
		}

		remaining -= granted
	}

	return nil
}

// awaitMatch waits for one match and registers it. Zero bytes back means
// the wait timed out.
func (n *Negotiator) awaitMatch(ctx context.Context) (int64, error) {
	timer := time.NewTimer(matchTimeout)
	defer timer.Stop()

	select {
	case m := <-n.client.Matches():
		if err := n.register(ctx, m); err != nil {
			return 0, err
		}
		return m.Bytes, nil
	case <-timer.C:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// register records a match in the peer table, credits the holder's
// incoming grant and presents the reservation to the scheduler.
func (n *Negotiator) register(ctx context.Context, m Match) error {
	const op = "negotiator.register"

	if err := n.store.UpsertPeer(ctx, m.PeerID, m.Addr); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := n.store.AddReservation(ctx, m.PeerID, m.Bytes); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := n.holder.AddGrant(m.PeerID, m.Bytes); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n.sched.AddReservation(scheduler.Reservation{
		Peer:  m.PeerID,
		Addr:  m.Addr,
		Bytes: m.Bytes,
	})

	n.log.Info("reservation matched",
		slog.String("op", op),
		slog.String("peer", m.PeerID.String()),
		slog.String("addr", m.Addr),
		slog.Int64("bytes", m.Bytes))
	return nil
}

// Watch keeps consuming matches that arrive outside an active negotiation
// (the matchmaker may satisfy an old request late) so they still become
// usable reservations.
func (n *Negotiator) Watch(ctx context.Context) {
	for {
		select {
		case m := <-n.client.Matches():
			if err := n.register(ctx, m); err != nil {
				n.log.Warn("failed to register late match", sl.Err(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
