package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Start binds host:port and serves in the background. A running listener is
// shut down first, so Start doubles as restart. Port 0 picks a free port.
func (g *Gateway) Start(ctx context.Context, host string, port int) (net.Addr, error) {
	g.srvMu.Lock()
	defer g.srvMu.Unlock()

	if g.srv != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = g.srv.Shutdown(sctx)
		cancel()
		g.srv = nil
		g.listening.Store(false)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("gateway: listen %s:%d: %w", host, port, err)
	}

	srv := &http.Server{
		Handler:           g.serving(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	useTLS := fileExists(g.opts.TLSCert) && fileExists(g.opts.TLSKey)
	if useTLS {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS13, MaxVersion: tls.VersionTLS13}
	}

	g.srv = srv
	g.addr.Store(ln.Addr())
	g.listening.Store(true)

	go func() {
		var err error
		if useTLS {
			g.log.Info("gateway listening (TLS)", zap.String("addr", ln.Addr().String()), zap.String("cert", g.opts.TLSCert))
			err = srv.ServeTLS(ln, g.opts.TLSCert, g.opts.TLSKey)
		} else {
			g.log.Info("gateway listening (PLAINTEXT)", zap.String("addr", ln.Addr().String()))
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("gateway server failed", zap.Error(err))
			g.srvMu.Lock()
			if g.srv == srv {
				g.listening.Store(false)
			}
			g.srvMu.Unlock()
		}
	}()
	return ln.Addr(), nil
}

// Addr is the bound address of the current listener, or nil.
func (g *Gateway) Addr() net.Addr {
	if a, ok := g.addr.Load().(net.Addr); ok && g.listening.Load() {
		return a
	}
	return nil
}

func (g *Gateway) Listening() bool { return g.listening.Load() }

// Close shuts the listener down gracefully.
func (g *Gateway) Close(ctx context.Context) error {
	g.srvMu.Lock()
	defer g.srvMu.Unlock()
	if g.srv == nil {
		return nil
	}
	g.listening.Store(false)
	err := g.srv.Shutdown(ctx)
	g.srv = nil
	g.log.Info("gateway stopped")
	return err
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
