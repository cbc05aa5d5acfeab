// Package cmd implements the kong command structs behind the usbrpc
// example binaries: the server's accept loop and the diagnostic client
// subcommands, one per remote operation group.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Alia5/usbrpc/backend"
	gousbbackend "github.com/Alia5/usbrpc/backend/gousb"
	"github.com/Alia5/usbrpc/backend/memory"
	"github.com/Alia5/usbrpc/dispatch"
	"github.com/Alia5/usbrpc/internal/config"
	"github.com/Alia5/usbrpc/internal/rpclog"
	"github.com/Alia5/usbrpc/internal/tunnel"
	"github.com/Alia5/usbrpc/rpcconn"
)

const keyFileName = "usbrpc.key.txt"

// Server is the `serve` command: bind a listener, accept connections,
// and run one dispatch serve loop per connection against the shared
// backend.
type Server struct {
	Addr        string `help:"RPC server listen address" default:":3240" env:"USBRPC_ADDR"`
	Backend     string `help:"USB backend driving requests" enum:"gousb,memory" default:"gousb" env:"USBRPC_BACKEND"`
	MaxSessions int    `help:"Maximum concurrently served connections" default:"16" env:"USBRPC_MAX_SESSIONS"`
	Tunnel      bool   `help:"Require the encrypted tunnel on every connection" default:"false" env:"USBRPC_TUNNEL"`
	KeyFile     string `help:"Pre-shared tunnel key file (generated on first use if absent)" env:"USBRPC_KEY_FILE"`
}

// Run is called by Kong when the serve command is executed.
func (s *Server) Run(logger *slog.Logger, sink *rpclog.Sink) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, sink)
}

func (s *Server) StartServer(ctx context.Context, logger *slog.Logger, sink *rpclog.Sink) error {
	be, err := s.buildBackend()
	if err != nil {
		return err
	}

	var derivedKey []byte
	if s.Tunnel {
		key, err := s.loadOrGenerateKey(logger)
		if err != nil {
			return err
		}
		derivedKey, err = tunnel.DeriveKey(key)
		if err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	logger.Info("usbrpc server listening", "addr", ln.Addr(), "backend", s.Backend, "tunnel", s.Tunnel)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	g := &errgroup.Group{}
	g.SetLimit(s.MaxSessions)

	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Info("usbrpc server stopped")
				break
			}
			logger.Error("accept error", "error", err)
			continue
		}
		if tcpConn, ok := c.(*net.TCPConn); ok {
			if err := tcpConn.SetNoDelay(true); err != nil {
				logger.Warn("failed to set TCP_NODELAY", "error", err)
			}
		}
		logger.Info("client connected", "remote", c.RemoteAddr())
		g.Go(func() error {
			defer c.Close()
			conn := net.Conn(c)
			if derivedKey != nil {
				tc, err := tunnel.WrapConn(conn, derivedKey, false)
				if err != nil {
					logger.Error("tunnel setup failed", "error", err)
					return nil
				}
				conn = tc
			}
			conn = rpclog.NewTap(conn, sink, false)
			ci := rpcconn.NewServer(conn, be)
			if err := dispatch.Serve(ctx, ci, logger); err != nil {
				if isClientDisconnect(err) {
					logger.Info("client disconnected", "remote", c.RemoteAddr())
				} else {
					logger.Error("session error", "remote", c.RemoteAddr(), "error", err)
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func (s *Server) buildBackend() (backend.Backend, error) {
	switch s.Backend {
	case "gousb":
		return gousbbackend.New(), nil
	case "memory":
		// A lone root-hub lookalike, enough for demos without hardware.
		return memory.New(backend.Descriptor{
			BLength:            18,
			BDescriptorType:    1,
			BcdUSB:             0x0200,
			BDeviceClass:       0x09,
			BMaxPacketSize0:    64,
			IDVendor:           0x1d6b,
			IDProduct:          0x0002,
			BcdDevice:          0x0100,
			BNumConfigurations: 1,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", s.Backend)
	}
}

func (s *Server) loadOrGenerateKey(logger *slog.Logger) (string, error) {
	keyFilePath := s.KeyFile
	if keyFilePath == "" {
		dir, err := config.DefaultConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve key file path: %w", err)
		}
		keyFilePath = path.Join(dir, keyFileName)
	}
	if key, err := tunnel.LoadKeyFile(keyFilePath); err == nil {
		return key, nil
	}
	newKey, err := tunnel.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate tunnel key: %w", err)
	}
	if err := config.EnsureDir(keyFilePath); err != nil {
		return "", fmt.Errorf("failed to create config dir for key file: %w", err)
	}
	if err := os.WriteFile(keyFilePath, []byte(newKey), 0o600); err != nil {
		return "", fmt.Errorf("failed to write tunnel key file: %w", err)
	}
	logger.Info("generated tunnel key", "path", keyFilePath)
	return newKey, nil
}

// isClientDisconnect tests whether an error represents a normal client
// disconnect (EOF, closed socket, ECONNRESET, broken pipe, or the
// Windows WSAECONNRESET translated error). Those are logged at Info
// level instead of Error. errors.Is reaches the errno through however
// many net.OpError/os.SyscallError layers wrap it; the substring
// checks catch platform error strings that never carried an errno.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	e := strings.ToLower(err.Error())
	return strings.Contains(e, "connection reset by peer") ||
		strings.Contains(e, "forcibly closed") ||
		strings.Contains(e, "an existing connection was forcibly closed") ||
		strings.Contains(e, "aborted")
}
