package gdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/tinyrange/ukvm/internal/hv"
)

// Server accepts one debugger connection at a time for Target.
type Server struct {
	Target Target
	Logger *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Serve accepts connections on ln until ctx is cancelled. A broken
// connection only ends its own session.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	log := s.logger()
	log.Info("gdb: waiting for debugger", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("gdb: accept: %w", err)
		}

		log.Info("gdb: debugger attached", "remote", conn.RemoteAddr().String())
		err = s.ServeConn(ctx, conn)
		switch {
		case err == nil:
			log.Info("gdb: debugger detached")
		case errors.Is(err, hv.ErrDebugProtocol):
			log.Warn("gdb: session closed", "error", err)
		default:
			log.Error("gdb: session failed", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// ServeConn runs one debugging session on conn and closes it.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	if s.Target == nil {
		return errors.New("gdb: server has no target")
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sess := &session{
		t:      s.Target,
		w:      newWire(conn),
		log:    s.logger(),
		events: make(chan event),
		done:   make(chan struct{}),
	}
	err := sess.run(ctx)
	if ctx.Err() != nil && errors.Is(err, hv.ErrDebugProtocol) {
		// The connection was closed underneath the reader.
		return nil
	}
	return err
}
