package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/splax/botrunner/internal/build"
	"github.com/splax/botrunner/internal/docker"
	"github.com/splax/botrunner/internal/git"
	httpx "github.com/splax/botrunner/internal/http"
	"github.com/splax/botrunner/internal/lifecycle"
	"github.com/splax/botrunner/internal/metrics"
	"github.com/splax/botrunner/internal/monitor"
	"github.com/splax/botrunner/internal/policy"
	"github.com/splax/botrunner/internal/quota"
	"github.com/splax/botrunner/internal/report"
	"github.com/splax/botrunner/internal/service/bots"
	"github.com/splax/botrunner/internal/store/postgres"
	"github.com/splax/botrunner/internal/worker"
	"github.com/splax/botrunner/internal/worker/redisqueue"
	"github.com/splax/botrunner/internal/workspace"
	"github.com/splax/botrunner/internal/ws"
	"github.com/splax/botrunner/pkg/config"
	"github.com/splax/botrunner/pkg/logger"
	"github.com/splax/botrunner/pkg/runtime/telemetry"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file (env vars override it)")
	addr := pflag.String("addr", "", "listen address, overrides BOT_RUNNER_ADDR")
	pflag.Parse()

	cfg, err := config.LoadRunnerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	log := logger.New("botrunner", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("bot runner failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.RunnerConfig, log *slog.Logger) error {
	dockerClient, err := docker.New(cfg.DockerHost, cfg.DockerTLS)
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	defer dockerClient.Close()

	if err := dockerClient.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	workspaceManager, err := workspace.New(cfg.Workdir)
	if err != nil {
		return fmt.Errorf("workspace init: %w", err)
	}
	cloner, err := git.New(cfg.GitBackend)
	if err != nil {
		return err
	}

	recorder := metrics.New(prometheus.DefaultRegisterer)
	pol := policy.FromConfig(cfg)
	controller := lifecycle.New(dockerClient, pol, cfg.StopTimeout, log)
	builder := build.New(dockerClient, workspaceManager, cloner, log, cfg, recorder)
	enforcer := quota.New(controller, cfg.MaxBotsPerTenant)

	w := worker.New(worker.Limits{
		MaxConcurrent: int64(cfg.MaxConcurrentTasks),
		Categories:    map[string]int64{worker.CategoryBotManagement: int64(cfg.BotManagementLimit)},
		TaskTimeout:   cfg.TaskTimeout,
	}, log, recorder)
	if err := bots.New(builder, controller, enforcer, pol, log).Register(w); err != nil {
		return fmt.Errorf("register tasks: %w", err)
	}

	hub := ws.NewHub()
	defer hub.Close()

	fanout := report.NewFanout(log).
		Add("log", report.NewLogSink(log)).
		Add("websocket", report.NewHubSink(hub))

	if cfg.EventCallbackURL != "" {
		emitter, err := telemetry.NewEmitter(cfg.EventCallbackURL, cfg.EventCallbackToken, &http.Client{Timeout: cfg.EventCallbackTimeout})
		if err != nil {
			return fmt.Errorf("event callback: %w", err)
		}
		fanout.Add("callback", report.NewEmitterSink(emitter))
	}

	var background sync.WaitGroup
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		fanout.Add("redis", report.NewRedisSink(rdb, cfg.RedisPrefix))

		queue := redisqueue.New(rdb, w, cfg.RedisPrefix, cfg.MaxConcurrentTasks, log)
		background.Add(1)
		go func() {
			defer background.Done()
			if err := queue.Run(ctx); err != nil {
				log.Error("task queue stopped", "error", err)
			}
		}()
	}

	deps := httpx.Deps{
		Dispatcher: w,
		Health:     dockerClient.Ping,
		Hub:        hub,
		Auth:       httpx.NewAuthenticator(cfg.JWTSecret, cfg.TokenHash),
	}
	if cfg.DatabaseURL != "" {
		if err := postgres.Migrate(ctx, cfg.DatabaseURL, log); err != nil {
			return err
		}
		pool, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		journal := postgres.New(pool)
		fanout.Add("journal", report.NewStoreSink(journal))
		deps.Journal = journal
	}
	if !deps.Auth.Enabled() {
		log.Warn("worker API authentication disabled; set WORKER_JWT_SECRET or WORKER_TOKEN_HASH")
	}

	mon := monitor.New(dockerClient, cfg.EventBuffer, log, recorder)
	mon.Start(ctx)
	defer mon.Stop()
	background.Add(1)
	go func() {
		defer background.Done()
		monitor.Dispatch(ctx, mon.Events(), fanout, log)
	}()
	log.Info("event monitor started", "sinks", fanout.Sinks())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpx.New(log, deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("bot runner starting", "addr", cfg.Addr, "tasks", w.Tasks())
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		mon.Stop()
		background.Wait()
		log.Info("bot runner stopped")
		return nil
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}
