// Package serverutil runs an http.Server under context control: cancel the
// context and the server drains gracefully within a bounded window.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"
)

// TLSConfig names the certificate pair for a TLS listener. Both paths must be
// set together; leaving both empty serves plain HTTP.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config describes one server run.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration

	// Ready, when non-nil, is closed once the listener accepts connections.
	Ready chan<- struct{}
}

// DefaultShutdownTimeout bounds the drain when ShutdownTimeout is unset.
const DefaultShutdownTimeout = 10 * time.Second

// Run serves cfg.Server until the context is cancelled or the server stops on
// its own. Cancellation triggers a graceful shutdown; a clean close reports
// nil so callers only see real failures.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("serverutil: server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("serverutil: TLS needs both a certificate and a key")
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}
	if cfg.TLS.CertFile != "" {
		listener, err = wrapTLS(cfg.Server, cfg.TLS, listener)
		if err != nil {
			return err
		}
	}

	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := cfg.Server.Shutdown(shutdownCtx)

	// Wait for Serve to return so in-flight handlers are accounted for, but
	// never longer than the drain window itself.
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}
	return shutdownErr
}

// wrapTLS loads the keypair and layers TLS over the listener, preserving any
// TLSConfig already set on the server (minimum version and so on).
func wrapTLS(server *http.Server, cfg TLSConfig, listener net.Listener) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		listener.Close()
		return nil, err
	}
	tlsCfg := server.TLSConfig.Clone()
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	server.TLSConfig = tlsCfg
	return tls.NewListener(listener, tlsCfg), nil
}
