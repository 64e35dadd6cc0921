// Package mcp exposes the engine over the Model Context Protocol: a
// JSON-RPC 2.0 surface served on stdio (newline-delimited objects) or a
// unix socket, with the memory and trigger operations published as tools.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/hikarudo/engram/common/version"
	"github.com/hikarudo/engram/internal/engine"
)

// Server publishes a Coordinator's operations as MCP tools.
type Server struct {
	coord  *engine.Coordinator
	logger *slog.Logger
}

// NewServer wires a Server over the coordinator. A nil logger falls back
// to slog.Default.
func NewServer(coord *engine.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{coord: coord, logger: logger}
}

// stdioPipe joins process stdin/stdout into one ReadWriteCloser for the
// JSON-RPC stream. Logs go to stderr so the protocol stream stays clean.
type stdioPipe struct{}

func (stdioPipe) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioPipe) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioPipe) Close() error                { return os.Stdin.Close() }

// ServeStdio speaks MCP over stdin/stdout until the stream closes or ctx
// is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("mcp: serving on stdio",
		"server", "engram", "version", version.Version)
	return s.serveConn(ctx, stdioPipe{})
}

// ServeUnix listens on a unix socket, serving each accepted connection in
// its own goroutine. The socket file is replaced if it already exists.
func (s *Server) ServeUnix(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("mcp: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("mcp: listen on %s: %w", socketPath, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("mcp: serving on unix socket", "socket", socketPath)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("mcp: accept: %w", err)
		}
		go func() {
			if err := s.serveConn(ctx, conn); err != nil {
				s.logger.Warn("mcp: connection ended with error", "err", err)
			}
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.PlainObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(s.handle))

	select {
	case <-ctx.Done():
		conn.Close()
		<-conn.DisconnectNotify()
		return ctx.Err()
	case <-conn.DisconnectNotify():
		return nil
	}
}
