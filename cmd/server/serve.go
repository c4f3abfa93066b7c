package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/olyamironova/spot-exchange/internal/adapter/cache"
	"github.com/olyamironova/spot-exchange/internal/adapter/in_memory"
	"github.com/olyamironova/spot-exchange/internal/adapter/kafka"
	"github.com/olyamironova/spot-exchange/internal/adapter/pg"
	grpcapi "github.com/olyamironova/spot-exchange/internal/api/grpc"
	httpapi "github.com/olyamironova/spot-exchange/internal/api/http"
	"github.com/olyamironova/spot-exchange/internal/api/ws"
	"github.com/olyamironova/spot-exchange/internal/config"
	"github.com/olyamironova/spot-exchange/internal/core"
	"github.com/olyamironova/spot-exchange/internal/logger"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/olyamironova/spot-exchange/internal/pubsub"
	"github.com/olyamironova/spot-exchange/internal/recorder"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var cfgFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the exchange",
	Long: `Start the books listed in the config and serve them over HTTP, websocket
and gRPC. Postgres, redis and kafka are used when configured; without them
the audit trail and the depth cache stay in memory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		log, err := logger.New(cfg.LogLevel, cfg.LogDevelopment)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "path to the config file")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	hub := pubsub.NewHub(log.Named("hub"))
	defer hub.Close()

	ex := core.NewExchange(core.ExchangeConfig{
		QuoteAsset:     cfg.QuoteAsset,
		ExpiryInterval: cfg.ExpiryInterval,
	}, hub, log.Named("exchange"))
	for _, symbol := range cfg.Symbols {
		if _, err := ex.NewBook(symbol); err != nil {
			return fmt.Errorf("create book %s: %w", symbol, err)
		}
	}
	if err := ex.Start(ctx); err != nil {
		return err
	}
	defer ex.Shutdown()

	repo, closeRepo, err := openRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRepo()
	depthCache, closeCache := openCache(ctx, cfg, log)
	defer closeCache()

	g, ctx := errgroup.WithContext(ctx)

	rec := recorder.New(repo, depthCache, ex, cfg.DepthLevels, log.Named("recorder"))
	recSub := hub.Subscribe("", cfg.SubscriberBuffer)
	defer recSub.Close()
	g.Go(func() error {
		rec.Run(ctx, recSub.Events())
		return nil
	})

	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, log.Named("kafka"))
		defer producer.Close()
		kafkaSub := hub.Subscribe("", cfg.SubscriberBuffer)
		defer kafkaSub.Close()
		g.Go(func() error {
			producer.Run(ctx, kafkaSub.Events())
			return nil
		})
	}

	stream := ws.NewServer(hub, ex, cfg.SubscriberBuffer, log.Named("ws"))
	api := httpapi.NewHTTPServer(ex, rec, stream, cfg.RateLimit, log.Named("http"))
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Router()}
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	rpc := grpcapi.NewGRPCServer(ex, hub, log.Named("grpc"))
	grpcSrv := rpc.NewServer()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", cfg.GRPCAddr, err)
		}
		g.Go(func() error {
			log.Info("grpc server listening", zap.String("addr", cfg.GRPCAddr))
			return grpcSrv.Serve(lis)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		rpc.Shutdown()
		grpcSrv.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openRepository(ctx context.Context, cfg *config.Config, log *zap.Logger) (port.Repository, func(), error) {
	if cfg.PostgresDSN == "" {
		log.Info("postgres not configured, keeping the audit trail in memory")
		return in_memory.NewMemoryRepo(), func() {}, nil
	}
	repo, err := pg.NewPgRepo(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := repo.Migrate(ctx); err != nil {
		repo.Close()
		return nil, nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return repo, repo.Close, nil
}

// openCache falls back to the in-memory cache when redis is unset or down.
func openCache(ctx context.Context, cfg *config.Config, log *zap.Logger) (port.Cache, func()) {
	if cfg.RedisAddr == "" {
		return in_memory.NewCache(), func() {}
	}
	rc := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
	if err := rc.Ping(ctx); err != nil {
		log.Warn("redis unavailable, using the in-memory depth cache",
			zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = rc.Close()
		return in_memory.NewCache(), func() {}
	}
	return rc, func() { _ = rc.Close() }
}
