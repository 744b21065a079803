// Package scheduler drives outbound pack placement: it assigns sealed
// packs to peers with remaining reservation space round-robin, keeps one
// pack in flight per peer and a global cap across peers, retries with
// jittered exponential backoff, and only counts a pack as placed when the
// peer's acknowledgment hash matches the pack's own id.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"peerback/internal/crypto"
	"peerback/internal/packer"
	"peerback/internal/peer"
	"peerback/internal/store"
	"peerback/internal/util/logger/sl"
)

const (
	// maxAttempts is how many times a pack is re-queued before it is
	// reported unplaceable.
	maxAttempts = 5

	// defaultParallel is the global concurrent PUT cap.
	defaultParallel = 4

	// cancelGrace is how long in-flight PUTs get to finish after cancel.
	cancelGrace = 10 * time.Second

	backoffInitial = 100 * time.Millisecond
	backoffMax     = 30 * time.Second
)

var ErrUnplaceable = errors.New("pack exhausted its placement attempts")

// Reservation is a matched storage grant the negotiator hands over.
type Reservation struct {
	Peer  crypto.PeerID
	Addr  string
	Bytes int64
}

// Transport is the slice of a peer session the scheduler needs.
type Transport interface {
	Put(ctx context.Context, id crypto.PackID, r io.Reader, size int64) (crypto.PackID, error)
	Close() error
}

// Dialer opens an authenticated transport to a peer.
type Dialer func(ctx context.Context, addr string, expected crypto.PeerID) (Transport, error)

// SessionDialer dials real peer sessions.
func SessionDialer(keys *crypto.Keys, log *slog.Logger) Dialer {
	return func(ctx context.Context, addr string, expected crypto.PeerID) (Transport, error) {
		return peer.Dial(ctx, addr, keys, expected, log)
	}
}

type peerState struct {
	res       Reservation
	remaining int64
	transport Transport
	inflight  bool
	// dirty marks a peer whose last attempt failed; the next dial waits
	// out the backoff delay first.
	dirty   bool
	backoff *backoff.ExponentialBackOff
}

type putResult struct {
	pack packer.SealedPack
	peer crypto.PeerID
	// transport carries the live connection back to the state loop for
	// reuse; nil when the attempt failed and the connection was dropped.
	transport Transport
	err       error
}

type flushReq struct {
	reply chan struct{}
}

type Scheduler struct {
	store    *store.Store
	dialer   Dialer
	log      *slog.Logger
	parallel int

	sealed       <-chan packer.SealedPack
	reservations chan Reservation
	results      chan putResult
	flushes      chan flushReq

	mu        sync.Mutex
	unplaced  []crypto.PackID
	placedSet map[crypto.PackID]struct{}
}

// New builds a scheduler reading sealed packs from the given channel. The
// channel's capacity is the packer backpressure bound.
func New(s *store.Store, dialer Dialer, sealed <-chan packer.SealedPack, parallel int, log *slog.Logger) *Scheduler {
	if parallel <= 0 {
		parallel = defaultParallel
	}
	return &Scheduler{
		store:        s,
		dialer:       dialer,
		log:          log,
		parallel:     parallel,
		sealed:       sealed,
		reservations: make(chan Reservation, 16),
		results:      make(chan putResult, 16),
		flushes:      make(chan flushReq, 4),
		placedSet:    make(map[crypto.PackID]struct{}),
	}
}

// AddReservation presents a new matched reservation. Safe from any
// goroutine.
func (s *Scheduler) AddReservation(r Reservation) {
	s.reservations <- r
}

// Flush blocks until every pack enqueued so far is placed or given up on.
func (s *Scheduler) Flush(ctx context.Context) error {
	req := flushReq{reply: make(chan struct{})}
	select {
	case s.flushes <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unplaced lists packs that exhausted their attempts.
func (s *Scheduler) Unplaced() []crypto.PackID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crypto.PackID, len(s.unplaced))
	copy(out, s.unplaced)
	return out
}

// Placed reports whether a pack was acknowledged.
func (s *Scheduler) Placed(id crypto.PackID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.placedSet[id]
	return ok
}

// Run is the scheduler's event loop. All mutable state lives here; other
// goroutines talk to it over channels. It returns when the context is
// cancelled, after giving in-flight PUTs a bounded grace window.
func (s *Scheduler) Run(ctx context.Context) error {
	const op = "scheduler.Run"
	log := s.log.With(slog.String("op", op))

	peers := make(map[crypto.PeerID]*peerState)
	attempts := make(map[crypto.PackID]int)
	var (
		pending  []packer.SealedPack
		inflight int
		waiting  []flushReq
	)

	// round-robin position over peer ids
	var order []crypto.PeerID
	next := 0

	dispatch := func() {
		for inflight < s.parallel && len(pending) > 0 {
			assigned := false
			for range order {
				ps := peers[order[next%len(order)]]
				next++

				if ps == nil || ps.inflight || ps.remaining < pending[0].Size {
					continue
				}

				sp := pending[0]
				pending = pending[1:]
				ps.inflight = true
				inflight++
				assigned = true

				var wait time.Duration
				if ps.transport == nil && ps.dirty {
					wait = ps.backoff.NextBackOff()
				}
				go s.doPut(ctx, ps.res, ps.transport, wait, sp)
				break
			}
			if !assigned {
				return
			}
		}
	}

	notifyFlush := func() {
		if len(pending) == 0 && inflight == 0 {
			for _, w := range waiting {
				close(w.reply)
			}
			waiting = nil
		}
	}

	handleResult := func(res putResult) {
		inflight--
		ps := peers[res.peer]
		if ps != nil {
			ps.inflight = false
			ps.transport = res.transport
		} else if res.transport != nil {
			res.transport.Close()
		}

		if res.err == nil {
			if ps != nil {
				ps.remaining -= res.pack.Size
				ps.dirty = false
				ps.backoff.Reset()
			}
			s.recordPlacement(ctx, res.pack, res.peer)
			delete(attempts, res.pack.ID)
			return
		}

		if ps != nil {
			ps.dirty = true
		}
		log.Warn("put failed",
			slog.String("pack", res.pack.ID.String()),
			slog.String("peer", res.peer.String()),
			sl.Err(res.err))

		attempts[res.pack.ID]++
		if attempts[res.pack.ID] > maxAttempts {
			log.Error("pack unplaceable",
				slog.String("pack", res.pack.ID.String()),
				slog.Int("attempts", attempts[res.pack.ID]))
			s.mu.Lock()
			s.unplaced = append(s.unplaced, res.pack.ID)
			s.mu.Unlock()
			return
		}
		pending = append(pending, res.pack)
	}

	// receiving stops once pending holds the bound; the packer's send then
	// blocks when the channel buffer is full as well, so up to twice the
	// bound in sealed packs can wait for transport before the packer stalls
	queueBound := cap(s.sealed)
	if queueBound == 0 {
		queueBound = 8
	}

	for {
		sealedCh := s.sealed
		if len(pending) >= queueBound {
			sealedCh = nil
		}

		select {
		case <-ctx.Done():
			return s.drain(ctx, inflight)

		case r := <-s.reservations:
			ps, ok := peers[r.Peer]
			if !ok {
				b := backoff.NewExponentialBackOff()
				b.InitialInterval = backoffInitial
				b.MaxInterval = backoffMax
				b.MaxElapsedTime = 0
				ps = &peerState{res: r, backoff: b}
				peers[r.Peer] = ps
				order = append(order, r.Peer)
			}
			ps.res.Addr = r.Addr
			ps.remaining += r.Bytes
			log.Info("reservation added",
				slog.String("peer", r.Peer.String()),
				slog.Int64("bytes", r.Bytes))
			dispatch()

		case sp, ok := <-sealedCh:
			if !ok {
				// the packer is done; keep serving flushes and results
				s.sealed = nil
				notifyFlush()
				continue
			}
			pending = append(pending, sp)
			dispatch()

		case res := <-s.results:
			handleResult(res)
			dispatch()
			notifyFlush()

		case req := <-s.flushes:
			// pick up packs already buffered in the sealed channel before
			// judging emptiness
			drained := false
			for !drained {
				select {
				case sp, ok := <-s.sealed:
					if !ok {
						s.sealed = nil
						drained = true
						continue
					}
					pending = append(pending, sp)
				default:
					drained = true
				}
			}
			dispatch()
			waiting = append(waiting, req)
			notifyFlush()
		}
	}
}

// doPut runs one transfer attempt on its own goroutine and reports back.
// On failure the connection is dropped; the state loop re-queues the pack
// and the next attempt re-dials after the peer's backoff delay.
// Cancellation of the outer context does not abort the transfer outright:
// it keeps the grace window to finish, then is cut off.
func (s *Scheduler) doPut(outer context.Context, res Reservation, t Transport, wait time.Duration, sp packer.SealedPack) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(outer))
	defer cancel()
	stop := context.AfterFunc(outer, func() {
		timer := time.NewTimer(cancelGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-ctx.Done():
		}
	})
	defer stop()

	fail := func(err error) {
		if t != nil {
			t.Close()
		}
		s.results <- putResult{pack: sp, peer: res.Peer, err: err}
	}

	if t == nil {
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				fail(ctx.Err())
				return
			}
		}

		var err error
		t, err = s.dialer(ctx, res.Addr, res.Peer)
		if err != nil {
			fail(fmt.Errorf("dial %s: %w", res.Addr, err))
			return
		}
	}

	f, err := os.Open(sp.Path)
	if err != nil {
		fail(fmt.Errorf("open pack: %w", err))
		return
	}
	defer f.Close()

	hash, err := t.Put(ctx, sp.ID, f, sp.Size)
	if err != nil {
		fail(err)
		return
	}
	if hash != sp.ID {
		fail(fmt.Errorf("%w: got %s", peer.ErrAckMismatch, hash))
		return
	}

	s.results <- putResult{pack: sp, peer: res.Peer, transport: t}
}

func (s *Scheduler) recordPlacement(ctx context.Context, sp packer.SealedPack, peerID crypto.PeerID) {
	if err := s.store.RecordPlacement(ctx, sp.ID, peerID); err != nil {
		s.log.Error("failed to record placement", sl.Err(err))
		return
	}
	if err := s.store.ConsumeOutgoing(ctx, peerID, sp.Size); err != nil {
		s.log.Warn("failed to charge reservation", sl.Err(err))
	}

	s.mu.Lock()
	s.placedSet[sp.ID] = struct{}{}
	s.mu.Unlock()

	s.log.Info("pack placed",
		slog.String("pack", sp.ID.String()),
		slog.String("peer", peerID.String()))
}

// drain gives in-flight transfers a grace window after cancellation. Acks
// that arrive in time still count; everything else stays unplaced.
func (s *Scheduler) drain(ctx context.Context, inflight int) error {
	if inflight == 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(cancelGrace)
	defer timer.Stop()

	grace := context.WithoutCancel(ctx)
	for inflight > 0 {
		select {
		case res := <-s.results:
			inflight--
			if res.err == nil {
				s.recordPlacement(grace, res.pack, res.peer)
			}
		case <-timer.C:
			return ctx.Err()
		}
	}
	return ctx.Err()
}
