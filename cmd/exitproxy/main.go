package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ekisa-team/exitproxy/internal/backend"
	"github.com/ekisa-team/exitproxy/internal/config"
	"github.com/ekisa-team/exitproxy/internal/env"
	"github.com/ekisa-team/exitproxy/internal/envvar"
	"github.com/ekisa-team/exitproxy/internal/logger"
	"github.com/ekisa-team/exitproxy/internal/metrics"
	"github.com/ekisa-team/exitproxy/internal/registry"
	grpcserver "github.com/ekisa-team/exitproxy/internal/server/grpc"
	httpserver "github.com/ekisa-team/exitproxy/internal/server/http"
	"github.com/ekisa-team/exitproxy/internal/service"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	flagConfigPath := flag.String("config", "", "Path to config file (default $"+envvar.ExitproxyConfig+" or "+config.DefaultConfigPath()+" when present)")
	flag.Parse()

	environment := env.FromEnv()
	path := configPath(*flagConfigPath)

	cfg, err := config.Load(path, os.LookupEnv)
	if err != nil {
		logger.New(environment).Error("Failed to load config", "path", path, "error", err)
		return 1
	}

	log := logger.New(environment,
		logger.WithLevel(logger.ParseLevel(cfg.Log.Level)),
		logger.WithLogToFile(cfg.Log.File != ""),
		logger.WithLogFile(cfg.Log.File),
	)
	slog.SetDefault(log)

	if err := backend.CheckBinary(cfg.Tor.Binary); err != nil {
		log.Error("Egress binary unusable", "binary", cfg.Tor.Binary, "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	health := grpcserver.NewHealth(log)

	reg := registry.New(registry.Options{
		Supervisor: backend.NewSupervisor(backend.SupervisorConfig{
			Binary: cfg.Tor.Binary,
			Logger: log,
		}),
		Ports:                   backend.NewPortAllocator(cfg.Tor.Instances.PortStart, cfg.Tor.Default.SocksPort),
		DefaultPort:             cfg.Tor.Default.SocksPort,
		DefaultConfigPath:       cfg.Tor.Default.ConfigPath,
		DefaultBootstrapTimeout: cfg.Tor.Default.BootstrapTimeout,
		DataDir:                 cfg.Tor.Instances.DataDir,
		BootstrapTimeout:        cfg.Tor.Instances.BootstrapTimeout,
		MaxInstances:            cfg.Tor.Instances.Max,
		Logger:                  log,
		Observers:               []registry.Observer{m, health},
	})
	defer reg.Shutdown()

	log.Info("Starting default egress", "port", cfg.Tor.Default.SocksPort, "config", cfg.Tor.Default.ConfigPath)
	if err := reg.Start(ctx); err != nil {
		log.Error("Default egress failed to start", "error", err)
		return 1
	}

	egress := service.NewEgress(service.EgressConfig{Resolver: reg, Metrics: m, Logger: log})
	defer egress.Close()

	dispatcher := httpserver.NewDispatcher(httpserver.DispatcherConfig{
		Egress:  egress,
		Routing: routing(cfg),
		Metrics: m,
		Logger:  log,
	})

	if path != "" {
		watcher, err := config.NewWatcher(path, os.LookupEnv, log, func(next *config.Config, err error) {
			if err != nil {
				log.Error("Config reload rejected", "error", err)
				return
			}

			dispatcher.SetRouting(routing(next))
			reg.SetMaxInstances(next.Tor.Instances.Max)

			if changed := cfg.RestartRequired(next); len(changed) > 0 {
				log.Warn("Config changes take effect after restart", "settings", changed)
			}
		})
		if err != nil {
			log.Error("Failed to watch config", "path", path, "error", err)
			return 1
		}
		defer watcher.Close()
	}

	proxy := httpserver.NewServer(httpserver.ServerConfig{Name: "proxy", Handler: dispatcher, Logger: log})
	if _, err := proxy.Listen(cfg.Listen.Proxy); err != nil {
		log.Error("Failed to bind proxy listener", "error", err)
		return 1
	}

	var admin *httpserver.Server
	if cfg.Listen.Admin != "" {
		admin = httpserver.NewServer(httpserver.ServerConfig{
			Name:    "admin",
			Handler: httpserver.NewAdminHandler(reg, m, log),
			Logger:  log,
		})
		if _, err := admin.Listen(cfg.Listen.Admin); err != nil {
			log.Error("Failed to bind admin listener", "error", err)
			return 1
		}
	}

	var grpcSrv *grpcserver.Server
	if cfg.Listen.GRPC != "" {
		grpcSrv = grpcserver.NewServer(health, log)
		if _, err := grpcSrv.Listen(cfg.Listen.GRPC); err != nil {
			log.Error("Failed to bind gRPC listener", "error", err)
			return 1
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(proxy.Serve)
	if admin != nil {
		g.Go(admin.Serve)
	}
	if grpcSrv != nil {
		g.Go(grpcSrv.Serve)
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var after []func() error
		if grpcSrv != nil {
			after = append(after, func() error { grpcSrv.Stop(); return nil })
		}
		if admin != nil {
			after = append(after, admin.Close)
		}

		return shutdown(shutdownCtx, proxy, reg, after...)
	})

	if err := g.Wait(); err != nil {
		log.Error("Exited with error", "error", err)
		return 1
	}

	log.Info("Stopped")
	return 0
}

// configPath picks the config file: the flag, then EXITPROXY_CONFIG, then the
// per-user default when it exists. Empty means defaults and environment only.
func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(envvar.ExitproxyConfig); v != "" {
		return v
	}
	if p := config.DefaultConfigPath(); fileExists(p) {
		return p
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func routing(cfg *config.Config) httpserver.Routing {
	return httpserver.Routing{
		ExitParam:         cfg.Routing.ExitParam,
		ExitHeader:        cfg.Routing.ExitHeader,
		TunnelIdleTimeout: cfg.Routing.TunnelIdleTimeout,
	}
}
