package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/deflix-tv/go-stremio/pkg/cinemeta"

	"github.com/tomfle18/aiostreams/pkg/addon"
	"github.com/tomfle18/aiostreams/pkg/crypto"
	"github.com/tomfle18/aiostreams/pkg/debrid"
	"github.com/tomfle18/aiostreams/pkg/fetch"
	"github.com/tomfle18/aiostreams/pkg/lock"
	"github.com/tomfle18/aiostreams/pkg/logadapter"
	"github.com/tomfle18/aiostreams/pkg/metadata"
	"github.com/tomfle18/aiostreams/pkg/orchestrator"
	"github.com/tomfle18/aiostreams/pkg/pipeline"
	"github.com/tomfle18/aiostreams/pkg/stream"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// An "info" logger first; replaced below once the config says otherwise
	logger, err := newLogger("info", "console")
	if err != nil {
		panic(err)
	}

	logger.Info("Parsing config...")
	cfg, err := parseConfig()
	if err != nil {
		logger.Fatal("Couldn't parse config", zap.Error(err))
	}
	if cfg.LogLevel != "info" || cfg.LogEncoding != "console" {
		if logger, err = newLogger(cfg.LogLevel, cfg.LogEncoding); err != nil {
			logger.Fatal("Couldn't create new logger", zap.Error(err))
		}
	}
	if err = cfg.validate(); err != nil {
		logger.Fatal("Invalid config", zap.Error(err))
	}
	logger.Info("Parsed and validated config")

	// Stores

	closer, db, rdb := initStores(cfg, logger)
	defer func() {
		if err := closer(); err != nil {
			logger.Error("Couldn't close all stores", zap.Error(err))
		}
	}()

	// The lock backend follows the configured stores: redis gives the
	// broadcast memoizer, a database path gives the transactional one, and
	// without either the in-memory backend covers a single node.
	var locker lock.Locker
	switch {
	case rdb != nil:
		locker = lock.NewRedisLocker(rdb, logger)
		logger.Info("Using redis broadcast lock backend")
	case cfg.DatabaseURI != "":
		locker = lock.NewTransactionalLocker(db, logger)
		logger.Info("Using transactional lock backend")
	default:
		locker = lock.NewMemoryLocker(logger)
		logger.Info("Using in-memory lock backend")
	}

	// Clients

	proxyRules, _ := cfg.proxyRules()
	fetcher, err := fetch.NewClient(fetch.Options{
		BaseURL:            cfg.BaseURL,
		InternalURL:        cfg.InternalURL,
		URLMappings:        cfg.urlMappings(),
		Proxies:            cfg.AddonProxies,
		ProxyRules:         proxyRules,
		UserAgentOverrides: cfg.userAgentOverrides(),
		RecursionLimit:     cfg.RecursionThresholdLimit,
		RecursionWindow:    cfg.RecursionThresholdWindow,
	}, logger)
	if err != nil {
		logger.Fatal("Couldn't create fetch client", zap.Error(err))
	}

	codec, err := crypto.NewCodec(cfg.InternalSecret)
	if err != nil {
		logger.Fatal("Couldn't create crypto codec", zap.Error(err))
	}

	addonClient := addon.NewClient(addon.DefaultClientOpts, fetcher, locker, logger)
	enricher := stream.NewEnricher(stream.DefaultEnricherOpts, logger)

	metaStore := metadata.NewStore(db, cfg.PlaybackLinkValidity, logger)
	go metaStore.RunPruner(ctx, cfg.PruneInterval)

	cinemetaClient := cinemeta.NewClient(cinemeta.DefaultClientOpts, noopCinemetaCache{}, logger)
	metaFetcher, err := metadata.NewFetcher(cfg.IMDB2MetaAddress, cinemetaClient, logger)
	if err != nil {
		logger.Fatal("Couldn't create metadata fetcher", zap.Error(err))
	}
	defer func() {
		if err := metaFetcher.Close(); err != nil {
			logger.Error("Couldn't close metadata fetcher", zap.Error(err))
		}
	}()

	registry := debrid.NewRegistry(
		debrid.NewRealDebrid(debrid.DefaultRealDebridOpts, logger),
		debrid.NewAllDebrid(debrid.DefaultAllDebridOpts, logger),
		debrid.NewPremiumize(debrid.DefaultPremiumizeOpts, logger),
		debrid.NewTorBox(debrid.DefaultTorBoxOpts, logger),
	)
	resolver := debrid.NewResolver(registry, locker, debrid.DefaultResolverOpts, logger)

	limits := pipeline.Limits{
		MaxKeywordFilters:          cfg.MaxKeywordFilters,
		MaxStreamExpressionFilters: cfg.MaxStreamExpressionFilters,
		MaxGroups:                  cfg.MaxGroups,
	}
	o := orchestrator.New(orchestrator.Options{
		BaseURL:     cfg.BaseURL,
		Parallelism: cfg.FanOutParallelism,
	}, addonClient, enricher, codec, metaStore, metaFetcher, limits, logger)

	// HTTP surface

	staticFiles, err := staticFS()
	if err != nil {
		logger.Fatal("Couldn't prepare static files", zap.Error(err))
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/", createRootHandler())
	app.Get("/manifest.json", createManifestHandler())
	app.Get("/:userData/manifest.json", createManifestHandler())
	app.Get("/:userData/stream/:type/:id", createStreamHandler(cfg, o, codec, logger))
	app.Get("/:userData/subtitles/:type/:id", createSubtitlesHandler(cfg, o, codec, logger))
	app.Get("/playback/:auth/:fileInfo/:metadataID/:filename", createPlaybackHandler(resolver, metaStore, codec, logger))
	app.Use("/static", filesystem.New(filesystem.Config{Root: staticFiles}))

	addr := cfg.BindAddr + ":" + strconv.Itoa(cfg.Port)
	go func() {
		logger.Info("Starting server...", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			logger.Fatal("Server stopped", zap.Error(err))
		}
	}()

	// Graceful shutdown

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stopChan
	logger.Info("Shutting down...", zap.String("signal", sig.String()))
	cancel()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("Couldn't shut down gracefully", zap.Error(err))
	}
}

// initStores opens BadgerDB (always, for metadata and the transactional lock
// backend) and redis (only when configured).
func initStores(cfg config, logger *zap.Logger) (closer func() error, db *badger.DB, rdb *redis.Client) {
	logger.Info("Initializing stores...")
	start := time.Now()

	var closers []func() error
	multiCloser := func() error {
		var result error
		for _, c := range closers {
			if err := c(); err != nil {
				result = multierr.Append(result, err)
			}
		}
		return result
	}

	storagePath := cfg.StoragePath
	if cfg.DatabaseURI != "" {
		storagePath = cfg.DatabaseURI
	}
	badgerLogger := logadapter.NewBadger2Zap(logger)
	options := badger.DefaultOptions(storagePath).
		WithLogger(badgerLogger).
		WithLoggingLevel(badger.WARNING).
		WithSyncWrites(false)
	var err error
	db, err = badger.Open(options)
	if err != nil {
		logger.Fatal("Couldn't open BadgerDB", zap.Error(err))
	}
	closers = append(closers, db.Close)

	if cfg.RedisURI != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURI)
		if err != nil {
			logger.Fatal("Couldn't parse REDIS_URI", zap.Error(err))
		}
		rdb = redis.NewClient(redisOpts)
		logger.Info("Testing connection to Redis...")
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("Couldn't ping Redis", zap.Error(err))
		}
		logger.Info("Connection to Redis established!")
		closers = append(closers, rdb.Close)
	}

	duration := time.Since(start).Milliseconds()
	logger.Info("Initialized stores", zap.String("duration", strconv.FormatInt(duration, 10)+"ms"))
	return multiCloser, db, rdb
}

func newLogger(level, encoding string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.Encoding = encoding
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapCfg.Build()
}

// noopCinemetaCache satisfies the cinemeta client's cache interface; title
// metadata is cached in the metadata store instead.
type noopCinemetaCache struct{}

func (noopCinemetaCache) Set(key string, meta cinemeta.Meta) error { return nil }

func (noopCinemetaCache) Get(key string) (cinemeta.Meta, time.Time, bool, error) {
	return cinemeta.Meta{}, time.Time{}, false, nil
}
