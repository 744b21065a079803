package peer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"peerback/internal/crypto"
	"peerback/internal/holder"
	"peerback/internal/util/logger/sl"
)

const (
	maxConnections = 100
)

// Listen accepts inbound peer connections and serves each authenticated
// session from the holder until the context is cancelled.
func Listen(ctx context.Context, addr string, keys *crypto.Keys, h *holder.Holder, log *slog.Logger) error {
	const op = "peer.Listen"
	log = log.With(slog.String("op", op))

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s: resolve %q: %w", op, addr, err)
	}

	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("%s: listen on %s: %w", op, tcpAddr, err)
	}
	defer listener.Close()

	log.Info("peer listener started", slog.String("addr", tcpAddr.String()))

	var wg sync.WaitGroup
	connLimiter := make(chan struct{}, maxConnections)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down peer listener")
			wg.Wait()
			return nil
		default:
		}

		if err := listener.SetDeadline(time.Now().Add(1 * time.Second)); err != nil {
			log.Warn("failed to set accept deadline", sl.Err(err))
		}

		conn, err := listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Error("accept failed", sl.Err(err))
			continue
		}

		connLimiter <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-connLimiter }()
			defer conn.Close()

			session, err := Accept(conn, keys, log)
			if err != nil {
				log.Warn("inbound handshake failed",
					slog.String("remote", conn.RemoteAddr().String()), sl.Err(err))
				return
			}

			log.Info("peer connected", slog.String("peer", session.Remote().String()))
			if err := session.Serve(ctx, h); err != nil {
				log.Warn("session ended with error", sl.Err(err))
			}
		}()
	}
}
