package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Tyrowin/presencehub/internal/config"
	"github.com/Tyrowin/presencehub/internal/metrics"
	"github.com/Tyrowin/presencehub/internal/presence"
	"github.com/Tyrowin/presencehub/internal/route"
	"github.com/Tyrowin/presencehub/internal/server"
	"github.com/Tyrowin/presencehub/internal/store"
)

// Version is injected via -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		// The logger depends on cfg.Env, so fall back to a production one.
		log, _ := zap.NewProduction()
		log.Fatal("load config failed", zap.Error(err))
	}

	log := newLogger(cfg.Env)
	defer func() { _ = log.Sync() }()
	log.Info("presence hub starting",
		zap.String("version", Version),
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("store", cfg.Store.Driver))

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messages, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Fatal("message store init failed", zap.Error(err))
	}
	defer func() {
		if err := messages.Close(); err != nil {
			log.Warn("message store close", zap.Error(err))
		}
	}()

	identity := server.IdentityPolicy{
		QueryKey:         cfg.Identity.QueryKey,
		Header:           cfg.Identity.Header,
		Sentinel:         cfg.Identity.Sentinel,
		IsolateAnonymous: cfg.Identity.IsolateAnonymous,
	}
	opts := []server.HubOption{
		server.WithLogger(log.Named("hub")),
		server.WithIdentityPolicy(identity),
		server.WithRetention(cfg.Hub.Retention),
		server.WithClientSettings(server.ClientSettings{
			MaxMessageSize: cfg.MaxMessageSize,
			SendBuffer:     cfg.Hub.SendBuffer,
			RateLimit:      cfg.RateLimit,
		}),
	}

	if cfg.Redis.Enabled {
		routes, err := route.New(ctx, cfg.Redis, cfg.NodeAddr)
		if err != nil {
			log.Fatal("redis init failed", zap.Error(err))
		}
		defer func() { _ = routes.Close() }()

		mirror := route.NewMirror(routes, log.Named("route"), 0, routes.TTL()/2)
		go mirror.Run(ctx)
		opts = append(opts, server.WithObserver(mirror))
		log.Info("presence route mirror enabled", zap.String("redis", cfg.Redis.Addr), zap.String("node", cfg.NodeAddr))
	}

	hub := server.NewHub(presence.NewRegistry(), opts...)
	go hub.Run()

	srv := server.NewServer(hub, messages, server.ServerOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Identity:       identity,
		Logger:         log.Named("http"),
	})
	httpServer := server.CreateServer(cfg.HTTP.Addr, srv.Routes())

	errCh := make(chan error, 1)
	go func() { errCh <- server.StartServer(httpServer, log) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("server error", zap.Error(err))
		}
	}

	_ = server.ShutdownServer(httpServer, cfg.Hub.ShutdownTimeout, log)
	if err := hub.Shutdown(cfg.Hub.ShutdownTimeout); err != nil {
		log.Warn("hub shutdown incomplete", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if env == "dev" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return log
}
