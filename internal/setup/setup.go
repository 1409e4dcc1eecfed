package setup

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/groupwarden/groupwarden/internal/admin"
	"github.com/groupwarden/groupwarden/internal/archive"
	"github.com/groupwarden/groupwarden/internal/cache"
	"github.com/groupwarden/groupwarden/internal/redis"
	"github.com/groupwarden/groupwarden/internal/session"
	"github.com/groupwarden/groupwarden/internal/setup/config"
	"github.com/groupwarden/groupwarden/internal/store"
	"github.com/groupwarden/groupwarden/internal/tracker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// App bundles all core dependencies and services needed by the application.
// Each field represents a major subsystem that needs initialization and cleanup.
type App struct {
	Config       *config.Config   // Application configuration
	Logger       *zap.Logger      // Main application logger
	RedisManager *redis.Manager   // Redis connection manager
	SessionStore *store.Client    // Shared store client for session state
	TrackedStore *store.Client    // Shared store client for the cleanup ledger
	Cache        *cache.Cache     // Tenant-scoped two-tier cache
	Archive      *archive.Client  // Durable ledger archive
	Engine       *session.Engine  // Session lifecycle engine
	Tracker      *tracker.Manager // Tracked-message manager
	AdminChecker *admin.Checker   // Cached admin membership checks
}

// InitializeApp bootstraps all application dependencies in the correct order,
// ensuring each component has its required dependencies available. The
// sender and fetcher hooks connect the engine to the chat platform; either
// may be nil when the caller does not need the corresponding feature.
func InitializeApp(ctx context.Context, sender session.Sender, fetcher admin.Fetcher) (*App, error) {
	// Load app configuration
	cfg, _, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	// Logging system is initialized next to capture setup issues
	logger, err := newLogger(&cfg.Debug)
	if err != nil {
		return nil, err
	}

	// Redis manager provides connection pools for the store subsystems
	redisManager := redis.NewManager(&cfg.Redis, logger)

	storeTimeout := time.Duration(cfg.Moderation.StoreTimeout) * time.Millisecond

	cacheClient, err := redisManager.GetClient(redis.CacheDBIndex)
	if err != nil {
		return nil, err
	}

	sessionClient, err := redisManager.GetClient(redis.SessionDBIndex)
	if err != nil {
		return nil, err
	}

	trackedClient, err := redisManager.GetClient(redis.TrackedDBIndex)
	if err != nil {
		return nil, err
	}

	cacheStore := store.NewClient(cacheClient, storeTimeout, logger)
	sessionStore := store.NewClient(sessionClient, storeTimeout, logger)
	trackedStore := store.NewClient(trackedClient, storeTimeout, logger)

	sharedCache := cache.NewCache(
		cacheStore, time.Duration(cfg.Moderation.CacheTTL)*time.Second, logger,
	)

	// Archive connection is established before the engine so a close can
	// never run without a durability target
	archiveClient, err := archive.NewClient(ctx, &cfg.PostgreSQL, logger)
	if err != nil {
		return nil, err
	}

	trackerManager := tracker.NewManager(trackedStore, logger)

	detector := session.NewDetector(cfg.Moderation.LinkHosts, cfg.Moderation.OneLinkPerUser)
	engine := session.NewEngine(
		sessionStore, sharedCache, detector, sender, archiveClient, trackerManager, logger,
	)

	adminChecker := admin.NewChecker(
		fetcher, sharedCache, time.Duration(cfg.Moderation.AdminCacheTTL)*time.Second, logger,
	)

	// Bundle all initialized components
	return &App{
		Config:       cfg,
		Logger:       logger,
		RedisManager: redisManager,
		SessionStore: sessionStore,
		TrackedStore: trackedStore,
		Cache:        sharedCache,
		Archive:      archiveClient,
		Engine:       engine,
		Tracker:      trackerManager,
		AdminChecker: adminChecker,
	}, nil
}

// Cleanup ensures graceful shutdown of all components in reverse initialization order.
// Logs but does not fail on cleanup errors to ensure all components get cleanup attempts.
func (s *App) Cleanup(context.Context) {
	// Sync buffered logs before shutdown
	if err := s.Logger.Sync(); err != nil {
		log.Printf("Failed to sync logger: %v", err)
	}

	// Close database connections
	if err := s.Archive.Close(); err != nil {
		log.Printf("Failed to close archive connection: %v", err)
	}

	// Close Redis connections last as other components might need it during cleanup
	s.RedisManager.Close()
}

// newLogger builds the application logger at the configured level.
func newLogger(cfg *config.Debug) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapCfg.Build()
}
