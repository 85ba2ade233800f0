package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/eleven-am/pondhub"
	"github.com/eleven-am/pondhub/config"
	"github.com/eleven-am/pondhub/distributed"
	"github.com/eleven-am/pondhub/metrics"
	"github.com/eleven-am/pondhub/push"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd(cfgPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger, err := cfg.Log.Logger(os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")

	return cmd
}

// serve runs the hub until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	opts := cfg.Hub.Options()
	opts.Logger = logger
	opts.Hooks = &pondhub.Hooks{}

	pushOpts := cfg.Server.PushOptions()
	pushOpts.Logger = logger

	registry := prometheus.NewRegistry()

	if cfg.Metrics.Enabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector, err := metrics.NewCollector(cfg.Metrics.Namespace, registry)
		if err != nil {
			return err
		}
		opts.Hooks.Metrics = collector
		pushOpts.Metrics = collector
	}

	var bridge *distributed.RedisBridge[push.RawMessage]

	if cfg.Redis.Enabled {
		client := redis.NewClient(cfg.Redis.ClientOptions())

		defer func() {
			err = pondhub.Combine(err, client.Close())
		}()

		bridge, err = distributed.NewRedisBridge[push.RawMessage](context.Background(), client, push.RawMessageTopic, bridgeCodec(cfg.Redis.Codec), distributed.BridgeOptions{
			Prefix:       cfg.Redis.Prefix,
			DedupeWindow: cfg.Redis.DedupeWindow,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		defer func() {
			err = pondhub.Combine(err, bridge.Close())
		}()

		bridge.Attach(&opts)
	}

	manager := pondhub.NewManager[push.RawMessage](context.Background(), push.RawMessageTopic, opts)

	defer func() {
		err = pondhub.Combine(err, manager.Close())
	}()

	handler := push.NewHandler(manager, push.RawDecoder, pushOpts)

	if bridge != nil {
		bridge.Bind(manager)
		handler.SetPublisher(bridge.Publish)
	}

	router := chi.NewRouter()
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, metrics.Handler(registry))
	}
	router.Mount("/", handler)

	server := push.NewServer(router, cfg.Server.ServerOptions())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("pondhub listening", "addr", cfg.Server.Addr, "redis", cfg.Redis.Enabled, "metrics", cfg.Metrics.Enabled)

		if err := server.Run(gctx); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	// Streaming clients hold requests open; closing them lets the server drain.
	g.Go(func() error {
		<-gctx.Done()
		handler.Close()

		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pondhub stopped", "error", err)
		return err
	}
	logger.Info("pondhub stopped")

	return nil
}

func bridgeCodec(name string) distributed.Codec[push.RawMessage] {
	if name == "json" {
		return distributed.JSONCodec[push.RawMessage]{}
	}
	return distributed.MsgpackCodec[push.RawMessage]{}
}
