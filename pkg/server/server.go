// Package server binds a listener, runs the accept loop that hands each
// connection to the proxyhandler/forward state machine, and owns the
// optional metrics listener and periodic maintenance job around it.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/relayhq/mitmproxy/pkg/catls"
	proxyerrors "github.com/relayhq/mitmproxy/pkg/errors"
	"github.com/relayhq/mitmproxy/pkg/proxyhandler"
)

// Config controls the listeners and maintenance schedule a Server runs.
type Config struct {
	// ListenAddr is the proxy's own address, e.g. "127.0.0.1:8443".
	ListenAddr string
	// MetricsAddr, if non-empty, serves Prometheus metrics on its own
	// listener at GET /metrics.
	MetricsAddr string
	// MaintenanceInterval controls how often the cron job logs the leaf-cache
	// size and updates the leaf-cache-size gauge. Defaults to one hour.
	MaintenanceInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Hour
	}
	return c
}

// Server owns the proxy listener, the optional metrics listener, and the
// maintenance cron. Start returns one running; Close stops all three and
// Wait blocks until every in-flight connection has finished.
type Server struct {
	cfg Config
	log zerolog.Logger

	store   *catls.Store
	builder proxyhandler.Builder
	metrics *metrics

	ln          net.Listener
	metricsHTTP *http.Server
	cron        *cron.Cron

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// Start binds cfg.ListenAddr, begins accepting connections, and (if
// configured) starts the metrics listener and maintenance cron. Every
// accepted connection is served by its own proxyhandler.Conn built from
// builder.
func Start(ctx context.Context, cfg Config, store *catls.Store, builder proxyhandler.Builder, log zerolog.Logger) (*Server, error) {
	cfg = cfg.withDefaults()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, proxyerrors.New(proxyerrors.KindIO, "server.listen", "binding proxy listener", err)
	}

	reg := prometheus.NewRegistry()
	s := &Server{
		cfg:     cfg,
		log:     log.With().Str("component", "server").Logger(),
		store:   store,
		builder: builder,
		metrics: newMetrics(reg),
		ln:      ln,
		closed:  make(chan struct{}),
	}

	store.OnLeafIssued(s.metrics.leafIssued)

	if cfg.MetricsAddr != "" {
		if err := s.startMetricsServer(reg); err != nil {
			ln.Close()
			return nil, err
		}
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(every(cfg.MaintenanceInterval), s.runMaintenance); err != nil {
		s.log.Warn().Err(err).Msg("failed to schedule maintenance job")
	} else {
		s.cron.Start()
	}

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.log.Info().Str("addr", ln.Addr().String()).Msg("proxy listening")
	return s, nil
}

// every renders d as a "@every" cron spec; robfig/cron accepts this form
// directly alongside standard five-field expressions.
func every(d time.Duration) string {
	return "@every " + d.String()
}

func (s *Server) startMetricsServer(reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	metricsLn, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		return proxyerrors.New(proxyerrors.KindIO, "server.listen_metrics", "binding metrics listener", err)
	}

	s.metricsHTTP = &http.Server{Handler: mux}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metricsHTTP.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	s.log.Info().Str("addr", metricsLn.Addr().String()).Msg("metrics listening")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				s.log.Warn().Err(err).Msg("accept failed")
				return
			}
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	defer s.wg.Done()

	hooks := s.builder()
	userOnError := hooks.OnError
	hooks.OnError = func(c *proxyhandler.Conn, err error) {
		s.metrics.errorObserved(string(proxyerrors.KindOf(err)))
		if userOnError != nil {
			userOnError(c, err)
		}
	}
	userOnRequestReceived := hooks.OnRequestReceived
	hooks.OnRequestReceived = func(c *proxyhandler.Conn) {
		s.metrics.requestHandled()
		if userOnRequestReceived != nil {
			userOnRequestReceived(c)
		}
	}

	s.metrics.connectionOpened()
	defer s.metrics.connectionClosed()

	c := proxyhandler.New(raw, s.store, hooks, s.log)
	c.Serve(ctx)
}

func (s *Server) runMaintenance() {
	size := s.store.LeafCount()
	s.metrics.leafCacheObserved(size)
	s.log.Info().Int("leaf_cache_size", size).Msg("maintenance sweep")
}

// Close stops accepting new connections and shuts down the metrics server
// and maintenance cron. It does not wait for in-flight connections to
// finish; call Wait for that.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.ln.Close()
		if s.cron != nil {
			s.cron.Stop()
		}
		if s.metricsHTTP != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.metricsHTTP.Shutdown(ctx)
		}
	})
	return err
}

// Wait blocks until the accept loop, every spawned connection, and the
// metrics server (if any) have returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Addr returns the proxy listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}
