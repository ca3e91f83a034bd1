package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"gasguard/internal/logging"
)

// TCPServer accepts line-oriented device connections. Each connection gets
// its own Parser so a CSV header applies only to the device that sent it.
type TCPServer struct {
	addr     string
	dispatch *Dispatcher
	logger   *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

func NewTCPServer(addr string, d *Dispatcher, logger *slog.Logger) *TCPServer {
	return &TCPServer{addr: addr, dispatch: d, logger: logging.OrDiscard(logger)}
}

// Addr returns the bound address once Serve is listening.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Listen binds the socket; Serve calls it when needed.
func (s *TCPServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is done.
func (s *TCPServer) Serve(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	s.logger.Info("tcp ingest listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("tcp ingest accept error", "error", err)
			if !BackoffSleep(ctx, 0) {
				return nil
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *TCPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	peer := conn.RemoteAddr().String()
	s.logger.Debug("tcp device connected", "peer", peer)
	parser := NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		s.dispatch.Ingest(ctx, parser, "tcp", peer, scanner.Text())
		if ctx.Err() != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("tcp ingest read error", "peer", peer, "error", err)
	}
	s.logger.Debug("tcp device closed", "peer", peer)
}
