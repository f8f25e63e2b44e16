package cli

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/wcsap/adapters/events"
	"github.com/layer-3/wcsap/adapters/store"
	"github.com/layer-3/wcsap/adapters/tokenizer"
	"github.com/layer-3/wcsap/adapters/verifier"
	"github.com/layer-3/wcsap/internal/config"
	"github.com/layer-3/wcsap/internal/logging"
	"github.com/layer-3/wcsap/internal/metrics"
	"github.com/layer-3/wcsap/ports"
	"github.com/layer-3/wcsap/service"
	httptransport "github.com/layer-3/wcsap/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authentication server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides WCSAP_HTTP_ADDR)")
	serveCmd.Flags().String("store", "", "memory, redis or postgres (overrides WCSAP_STORE)")
	rootCmd.AddCommand(serveCmd)
}

// backend is the storage selected by configuration
type backend struct {
	challenges ports.ChallengeRepository
	sessions   ports.SessionStore
	sweep      func(ctx context.Context) (int, error)
	close      func() error
}

func openBackend(ctx context.Context, cfg config.Config, redisClient *redis.Client) (*backend, error) {
	switch cfg.Store {
	case config.StoreRedis:
		if redisClient == nil {
			return nil, errors.New("redis store requires REDIS_URL")
		}
		rs := store.NewRedisStore(redisClient)
		if err := rs.Ping(ctx); err != nil {
			return nil, err
		}
		return &backend{challenges: rs, sessions: rs, close: func() error { return nil }}, nil

	case config.StorePostgres:
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		ps := store.NewPostgresStore(db)
		return &backend{challenges: ps, sessions: ps, sweep: ps.DeleteExpired, close: db.Close}, nil

	default:
		mem := store.NewMemoryStore()
		return &backend{
			challenges: mem,
			sessions:   mem,
			sweep:      func(context.Context) (int, error) { return mem.Sweep(), nil },
			close:      func() error { return nil },
		}, nil
	}
}

func loadChallengeKey(cfg config.Config, logger *zap.Logger) (*ecdsa.PrivateKey, error) {
	if cfg.ChallengeKeyFile != "" {
		return tokenizer.LoadSigningKey(cfg.ChallengeKeyFile)
	}
	logger.Warn("WCSAP_CHALLENGE_KEY_FILE not set, using an ephemeral challenge key")
	return tokenizer.GenerateSigningKey()
}

func runSweeper(ctx context.Context, interval time.Duration, logger *zap.Logger, sweep func(ctx context.Context) (int, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sweep(ctx)
			if err != nil {
				logger.Warn("failed to sweep expired records", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("swept expired records", zap.Int("removed", removed))
			}
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if backendName, _ := cmd.Flags().GetString("store"); backendName != "" {
		cfg.Store = backendName
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Development())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, err := loadChallengeKey(cfg, logger)
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" && (cfg.Store == config.StoreRedis || cfg.Events) {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	be, err := openBackend(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	defer func() { _ = be.close() }()

	var eventPub ports.EventPublisher = events.NopPublisher{}
	if cfg.Events {
		publisher, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{Client: redisClient},
			logging.NewWatermillAdapter(logger),
		)
		if err != nil {
			return fmt.Errorf("failed to create Redis publisher: %w", err)
		}
		defer publisher.Close()
		eventPub = events.NewWatermillPublisher(publisher)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	authService := service.NewAuthService(be.challenges, be.sessions, verifier.NewEthVerifier(), cfg.Service(),
		service.WithTokenizer(tokenizer.NewJWTTokenizer(key)),
		service.WithEventPublisher(eventPub),
		service.WithMetrics(metrics.New(reg)),
		service.WithLogger(logger),
	)

	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httptransport.SetupRouter(authService, logger, reg)

	if be.sweep != nil {
		go runSweeper(ctx, cfg.SweepInterval, logger.Named("sweeper"), be.sweep)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
