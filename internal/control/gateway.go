// Package control wires the node-check core to its infrastructure and
// owns the process lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/nodegate/internal/check"
	"github.com/vietddude/nodegate/internal/core/config"
	"github.com/vietddude/nodegate/internal/core/domain"
	"github.com/vietddude/nodegate/internal/infra/redis"
	"github.com/vietddude/nodegate/internal/infra/relay"
	"github.com/vietddude/nodegate/internal/metrics"
)

// Gateway is the node-selection layer: it owns the cache/lock store, the
// relay client, and the two checkers callers filter sessions through.
type Gateway struct {
	cfg        *config.AppConfig
	log        *slog.Logger
	redis      *redis.Client
	chainCheck *check.ChainCheck
	syncCheck  *check.SyncCheck

	server *http.Server
}

// New constructs the gateway with all dependencies wired explicitly.
func New(cfg *config.AppConfig, log *slog.Logger) (*Gateway, error) {
	store, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	allowances := redis.NewAllowanceRepo(store, cfg.Session.AllowanceFallbackTTL)
	sink := metrics.NewRecorder(log)
	filter := check.NewFilter(store, allowances, sink, log)

	relayClient := relay.NewClient(cfg.Relay)
	challenger := &countingChallenger{inner: relayClient}

	return &Gateway{
		cfg:   cfg,
		log:   log,
		redis: store,
		chainCheck: check.NewChainCheck(filter, relayClient, challenger, cfg.Checks.Chain, log),
		syncCheck:  check.NewSyncCheck(filter, relayClient, cfg.Checks.Sync, log),
	}, nil
}

// FilterChain returns the session nodes reporting the expected chain
// identifier. An empty result is valid: no healthy nodes this round.
func (g *Gateway) FilterChain(ctx context.Context, req *check.Request) ([]domain.Node, error) {
	ensureRequestID(req)
	return g.chainCheck.Filter(ctx, req)
}

// FilterSync returns the session nodes considered synced.
func (g *Gateway) FilterSync(ctx context.Context, req *check.Request) ([]domain.Node, error) {
	ensureRequestID(req)
	return g.syncCheck.Filter(ctx, req)
}

// Start serves the Prometheus metrics endpoint.
func (g *Gateway) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := g.redis.Ping(r.Context()); err != nil {
			http.Error(w, "cache store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	g.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", g.cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		g.log.Info("Metrics server listening", "port", g.cfg.Server.Port)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("Metrics server failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts the metrics server down and closes the store connection.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
	}
	if err := g.redis.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

func ensureRequestID(req *check.Request) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
}

// countingChallenger accounts dispatched consensus challenges.
type countingChallenger struct {
	inner check.Challenger
}

func (c *countingChallenger) Challenge(ctx context.Context, payload, blockchainID string) error {
	err := c.inner.Challenge(ctx, payload, blockchainID)
	if err == nil {
		metrics.ChallengesTotal.WithLabelValues(blockchainID).Inc()
	}
	return err
}
