package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/backplane"
	"github.com/Tyrowin/chatrelay/internal/backplane/memory"
	redisbp "github.com/Tyrowin/chatrelay/internal/backplane/redis"
	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/dispatch"
	"github.com/Tyrowin/chatrelay/internal/groups"
	"github.com/Tyrowin/chatrelay/internal/idempotency"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/registry"
	"github.com/Tyrowin/chatrelay/internal/server"
	memstore "github.com/Tyrowin/chatrelay/internal/store/memory"
	"github.com/Tyrowin/chatrelay/internal/store/postgres"
)

// groupShards is the number of lock shards of the local group table.
const groupShards = 32

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", slog.Any("error", err))
		_ = closer.Close()
		os.Exit(1)
	}
}

// stores bundles the membership oracle and message store, which the same
// adapter implements.
type stores struct {
	oracle chat.MembershipOracle
	store  chat.MessageStore
	close  func() error
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return stores{}, err
		}
		pg := postgres.New(db)
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return stores{}, err
		}
		logger.Info("using postgres message store")
		return stores{oracle: pg, store: pg, close: db.Close}, nil
	default:
		mem := memstore.New()
		if err := mem.Seed(cfg.Store.Seed); err != nil {
			return stores{}, err
		}
		logger.Info("using in-memory message store")
		return stores{oracle: mem, store: mem, close: func() error { return nil }}, nil
	}
}

// healthChecker reports backplane availability on /healthz.
type healthChecker interface {
	Healthy() bool
}

func openBackplane(ctx context.Context, cfg config.Config, logger *slog.Logger) (backplane.Backplane, idempotency.Store, *redis.Client, error) {
	if cfg.Backplane.Driver != config.DriverRedis {
		logger.Info("using in-memory backplane; events stay on this instance")
		return memory.New(cfg.InstanceID), idempotency.NewMemory(cfg.IdempotencyTTL), nil, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Backplane.RedisAddr})
	bp := redisbp.New(redisbp.Config{
		Client:     client,
		KeyPrefix:  cfg.Backplane.KeyPrefix + "backplane:",
		Partitions: cfg.Backplane.Partitions,
		Origin:     cfg.InstanceID,
		Logger:     logger,
	})
	if err := bp.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	idem := idempotency.NewRedis(client, cfg.Backplane.KeyPrefix+"idem:", cfg.IdempotencyTTL)
	logger.Info("using redis backplane",
		slog.String("addr", cfg.Backplane.RedisAddr),
		slog.Int("partitions", cfg.Backplane.Partitions))
	return bp, idem, client, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	logger = logger.With(slog.String("instance", cfg.InstanceID))
	logger.Info("starting chat relay")

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.close() }()

	bp, idem, redisClient, err := openBackplane(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open backplane: %w", err)
	}
	defer func() {
		_ = bp.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	authenticator, err := auth.New([]byte(cfg.Auth.Secret), cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	g := groups.New(groupShards)
	reg := registry.New(g, registry.Options{Logger: logger})
	m := metrics.New(func() float64 { return float64(reg.Count()) })

	d, err := dispatch.New(dispatch.Options{
		Oracle:      st.oracle,
		Store:       st.store,
		Backplane:   bp,
		Registry:    reg,
		Groups:      g,
		Idempotency: idem,
		Metrics:     m,
		Logger:      logger,
		CallTimeout: cfg.CallTimeout,
	})
	if err != nil {
		return err
	}

	var healthy func() bool
	if hc, ok := bp.(healthChecker); ok {
		healthy = hc.Healthy
	}
	srv, err := server.New(server.Options{
		Config: server.Config{
			Port:           cfg.Server.Port,
			AllowedOrigins: cfg.Server.Origins(),
			MaxMessageSize: cfg.Server.MaxMessageSize,
			RateLimit: server.RateLimitConfig{
				Burst:          cfg.Server.RateLimit.Burst,
				RefillInterval: cfg.Server.RateLimit.RefillInterval(),
			},
		},
		Authenticator: authenticator,
		Dispatcher:    d,
		Registry:      reg,
		Metrics:       m,
		Logger:        logger,
		Healthy:       healthy,
		Chats:         d,
	})
	if err != nil {
		return err
	}
	httpServer := server.CreateServer(srv.Config().Port, srv.Routes())

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return d.Run(egCtx)
	})
	eg.Go(func() error {
		return server.StartServer(httpServer, logger)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("shutdown signal received")
		// Stop accepting requests first, then close the sockets.
		httpErr := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger)
		hubErr := srv.Shutdown(cfg.ShutdownTimeout)
		return errors.Join(httpErr, hubErr)
	})

	err = eg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}
