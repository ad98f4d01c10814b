package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goThreeDS "github.com/MrEthical07/goThreeDS"
	"github.com/MrEthical07/goThreeDS/metrics/export/prometheus"
	"github.com/MrEthical07/goThreeDS/middleware"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	configPath        string
	listen            string
	redisAddr         string
	trustForwardedFor bool
	maxBodyBytes      int64
	debug             bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the action and notification endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "threeds.yaml", "YAML configuration file")
	flags.StringVar(&opts.listen, "listen", ":8080", "HTTP listen address")
	flags.StringVar(&opts.redisAddr, "redis-addr", "", "Redis address; REDIS_ADDR or an in-process miniredis when empty")
	flags.BoolVar(&opts.trustForwardedFor, "trust-forwarded-for", false, "take client IPs from X-Forwarded-For")
	flags.Int64Var(&opts.maxBodyBytes, "max-body-bytes", 64<<10, "request body limit")
	flags.BoolVar(&opts.debug, "debug", false, "development logging and detailed client errors")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	logger, err := newLogger(opts.debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := goThreeDS.LoadConfigFile(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.debug {
		cfg.Debug = true
	}

	rdb, closeRedis, err := openRedis(opts.redisAddr, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	engine, err := goThreeDS.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithLogger(logger).
		WithAuditSink(goThreeDS.NewZapSink(logger)).
		Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	guard := middleware.Guard(middleware.GuardConfig{
		MaxBodyBytes:      opts.maxBodyBytes,
		TrustForwardedFor: opts.trustForwardedFor,
	})
	mux := http.NewServeMux()
	mux.Handle("/3ds", guard(middleware.Dispatcher(engine)))
	mux.Handle("/3ds/notify", guard(middleware.NotificationHandler(engine)))
	mux.Handle("/metrics", prometheus.NewPrometheusExporter(engine).Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              opts.listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("threeds-gateway listening", zap.String("addr", opts.listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("threeds-gateway shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openRedis(addr string, logger *zap.Logger) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		return client, func() { _ = client.Close() }, nil
	}

	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start miniredis: %w", err)
	}
	logger.Warn("no redis configured, using in-process miniredis", zap.String("addr", mr.Addr()))
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}
