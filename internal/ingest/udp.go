package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"gasguard/internal/logging"
)

// ServeUDP reads datagrams on addr until ctx is done. A datagram may carry
// several lines; each is its own message.
func ServeUDP(ctx context.Context, addr string, d *Dispatcher, logger *slog.Logger) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	return ServeUDPConn(ctx, conn, d, logger)
}

// ServeUDPConn is ServeUDP on an already bound socket, which it closes on
// return.
func ServeUDPConn(ctx context.Context, conn *net.UDPConn, d *Dispatcher, logger *slog.Logger) error {
	logger = logging.OrDiscard(logger)
	defer conn.Close()
	logger.Info("udp ingest listening", "addr", conn.LocalAddr().String())

	buf := make([]byte, 8192)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			logger.Warn("udp ingest read error", "error", err)
			continue
		}
		d.Ingest(ctx, nil, "udp", from.String(), string(buf[:n]))
	}
}
