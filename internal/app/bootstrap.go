// Package app wires the process together: config, logging, the durable
// cache, the ledger, the upstream orchestrator, and the client-facing
// websocket server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/seanbearden/kalshi-analysis-sub000/internal/boundary"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/broadcast"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/engine"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/infra"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/kalshi"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/ledger"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/storage"
)

// App holds every long-lived component of the streaming core.
type App struct {
	Config *infra.Config
	Log    *slog.Logger

	cache        *storage.PositionCache
	writer       *storage.Writer
	ledger       *ledger.Ledger
	manager      *broadcast.Manager
	orchestrator *engine.Orchestrator
	httpSrv      *http.Server
}

// watermarkStore adapts the position cache to the orchestrator's
// persistence surface.
type watermarkStore struct {
	cache *storage.PositionCache
}

func (s watermarkStore) SaveWatermark(market string, seq uint64) error {
	return s.cache.SaveWatermark(context.Background(), market, seq)
}

// New builds the full component graph from a config file. Nothing is
// started yet; call Run.
func New(configPath string) (*App, error) {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	log := infra.NewLogger(cfg)
	slog.SetDefault(log)

	cache, err := storage.OpenPositionCache(cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("open position cache: %w", err)
	}

	writer := storage.NewWriter(cache, cfg.Stream.CacheWriterQueue)
	led := ledger.New(writer)

	// Warm the ledger so the first subscriber sees last known state
	// even before the venue answers.
	ctx := context.Background()
	cached, err := cache.LoadAll(ctx)
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("warm ledger: %w", err)
	}
	led.Warm(cached)
	log.Info("ledger warmed from cache", "positions", len(cached), "path", cfg.Cache.Path)

	manager := broadcast.NewManager(led, cfg.Stream.SubscriberQueue, log)

	var creds infra.CredentialSource = infra.StaticCredentialSource{Key: cfg.Kalshi.APIKey}
	if cfg.Kalshi.APIKey == "" && cfg.Kalshi.SecretsFile != "" {
		creds = infra.FileCredentialSource{Path: cfg.Kalshi.SecretsFile}
	}
	key, err := creds.APIKey(ctx)
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	stream := kalshi.NewStreamClient(cfg.Kalshi.WSURL,
		time.Duration(cfg.Stream.IdleTimeoutSec)*time.Second)
	rest := kalshi.NewRestClient(cfg.Kalshi.RestURL, key)

	channels := make([]kalshi.ChannelSpec, 0, len(cfg.Kalshi.Channels))
	for _, ch := range cfg.Kalshi.Channels {
		channels = append(channels, kalshi.ChannelSpec{Channel: ch, Markets: cfg.Kalshi.Markets})
	}

	orch := engine.New(stream, rest, creds,
		led, manager, watermarkStore{cache: cache},
		engine.Options{
			Channels:       channels,
			Backoff:        cfg.Backoff(),
			MaxRetries:     cfg.Stream.MaxRetries,
			MalformedLimit: cfg.Stream.MalformedLimit,
			GapPoll:        time.Duration(cfg.Stream.GapPollSec) * time.Second,
			GapGrace:       time.Duration(cfg.Stream.GapGraceSec) * time.Second,
			GapMaxWidth:    cfg.Stream.GapMaxWidth,
			PingInterval:   time.Duration(cfg.Stream.PingIntervalSec) * time.Second,
		}, log)

	marks, err := cache.LoadWatermarks(ctx)
	if err != nil {
		log.Warn("watermark load failed, starting fresh", "error", err)
	} else if len(marks) > 0 {
		orch.SeedWatermarks(marks)
		log.Info("sequence watermarks restored", "markets", len(marks))
	}

	a := &App{
		Config:       cfg,
		Log:          log,
		cache:        cache,
		writer:       writer,
		ledger:       led,
		manager:      manager,
		orchestrator: orch,
	}

	if cfg.Server.Addr != "" {
		ws := boundary.NewServer(manager,
			time.Duration(cfg.Server.PingIntervalSec)*time.Second, log)
		a.httpSrv = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           ws.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

// Run starts every component and blocks until the context is cancelled
// or the orchestrator gives up. Shutdown is performed before returning.
func (a *App) Run(ctx context.Context) error {
	a.writer.Start(ctx)

	if a.httpSrv != nil {
		go func() {
			a.Log.Info("websocket server listening", "addr", a.httpSrv.Addr)
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Log.Error("websocket server failed", "error", err)
			}
		}()
	}

	err := a.orchestrator.Run(ctx)
	a.shutdown()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown tears components down in dependency order: stop accepting
// clients, drop subscribers, flush the write-behind queue, close the db.
func (a *App) shutdown() {
	if a.httpSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.httpSrv.Shutdown(shutCtx)
		cancel()
	}

	a.manager.Close()
	a.writer.Stop()

	if dropped := a.writer.Dropped(); dropped > 0 {
		a.Log.Warn("cache writes abandoned during run", "count", dropped)
	}
	if err := a.cache.Close(); err != nil {
		a.Log.Warn("cache close failed", "error", err)
	}
	a.Log.Info("shutdown complete")
}
