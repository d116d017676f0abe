package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"go.lsp.dev/jsonrpc2"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rubytyper/rtlsp/src/rtlsp/controller/loop"
)

type serveParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Loop       loop.Controller
	Logger     *zap.SugaredLogger
	Config     config.Provider
}

// server tracks the live connection so OnStop can unblock the reader.
type server struct {
	mu       sync.Mutex
	listener net.Listener
	conn     io.Closer
}

func (s *server) track(ln net.Listener, conn io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = ln
	s.conn = conn
}

func (s *server) shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.listener != nil {
		err = multierr.Append(err, s.listener.Close())
		s.listener = nil
	}
	if s.conn != nil {
		err = multierr.Append(err, s.conn.Close())
		s.conn = nil
	}
	return err
}

// runServer connects to the editor and runs the message loop until the
// editor disconnects or sends exit, then stops the application.
func runServer(p serveParams) {
	cfg := readServerConfig(p.Config, p.Logger)
	srv := &server{}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				conn, err := acceptEditor(cfg.Address, srv, p.Logger)
				if err != nil {
					p.Logger.Errorw("connecting to editor", "error", err)
					_ = p.Shutdowner.Shutdown()
					return
				}
				if err := p.Loop.Serve(context.Background(), jsonrpc2.NewStream(conn)); err != nil {
					p.Logger.Errorw("editor connection failed", "error", err)
				}
				_ = p.Shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.shutdown(); err != nil {
				p.Logger.Debugw("closing editor connection", "error", err)
			}
			return nil
		},
	})
}

// acceptEditor yields the editor's byte stream: stdio by default, or the
// first connection on a TCP address when one is configured.
func acceptEditor(address string, srv *server, logger *zap.SugaredLogger) (io.ReadWriteCloser, error) {
	if address == "" {
		conn := stdioConn{in: os.Stdin, out: os.Stdout}
		srv.track(nil, conn)
		logger.Infow("serving over stdio")
		return conn, nil
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %q: %w", address, err)
	}
	srv.track(ln, nil)
	logger.Infow("waiting for editor", "address", ln.Addr().String())

	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting editor connection: %w", err)
	}
	// Single-connection daemon; stop listening once the editor is attached.
	if err := ln.Close(); err != nil {
		logger.Debugw("closing listener", "error", err)
	}
	srv.track(nil, conn)
	return conn, nil
}

// stdioConn pairs stdin and stdout into one protocol stream. Logs go to
// stderr so they never interleave with the wire.
type stdioConn struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func (c stdioConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c stdioConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func (c stdioConn) Close() error {
	return multierr.Append(c.in.Close(), c.out.Close())
}
