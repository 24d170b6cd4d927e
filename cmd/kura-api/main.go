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

	"github.com/MarcoPoloResearchLab/kura/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/config"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/database"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/exports"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/jobs"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/search"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/server"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/tasks"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	outboxPurgeInterval = time.Hour
	reindexBatchSize    = 200
)

var (
	cfgFile           string
	reindexCollection string

	errReindexMemoryBackend   = errors.New("the memory index lives inside the serving process and is rebuilt when it starts")
	errReindexDisabledBackend = errors.New("the search index is disabled")
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kura-api",
		Short: "Kura feed backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with its background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	reindexCmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReindex(cmd.Context(), reindexCollection)
		},
	}
	reindexCmd.Flags().StringVar(&reindexCollection, "collection", "all", "Collection to rebuild (tweets, users, all)")

	setupFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, reindexCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth session signing secret (overrides env)")
	cmd.PersistentFlags().String("search-backend", defaults.GetString("search.backend"), "Search index backend (memory, weaviate, disabled)")
	cmd.PersistentFlags().String("weaviate-url", defaults.GetString("search.weaviate_url"), "Weaviate base URL")
	cmd.PersistentFlags().String("jobs-store-path", defaults.GetString("jobs.store_path"), "Badger directory for job handles (empty keeps them in memory)")
	cmd.PersistentFlags().String("exports-bucket", defaults.GetString("exports.bucket"), "Cloud Storage bucket for post archives")
	cmd.PersistentFlags().String("exports-local-path", defaults.GetString("exports.local_path"), "Directory for post archives when no bucket is set")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "search.backend", "search-backend")
	bindFlag(cmd, "search.weaviate_url", "weaviate-url")
	bindFlag(cmd, "jobs.store_path", "jobs-store-path")
	bindFlag(cmd, "exports.bucket", "exports-bucket")
	bindFlag(cmd, "exports.local_path", "exports-local-path")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	index, err := buildIndex(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	if appConfig.SearchBackend == config.SearchBackendMemory {
		counts, err := feed.ReindexCollections(signalCtx, db, index, feed.AllCollections, reindexBatchSize)
		if err != nil {
			return fmt.Errorf("warm memory index: %w", err)
		}
		logger.Info("memory index warmed",
			zap.Int("tweets", counts[feed.TweetCollection]),
			zap.Int("users", counts[feed.UserCollection]))
	}
	relay, err := search.NewRelay(search.RelayConfig{
		Database:      db,
		Index:         index,
		BatchSize:     appConfig.OutboxBatchSize,
		MaxAttempts:   appConfig.OutboxMaxAttempts,
		RetryAttempts: uint(appConfig.OutboxRetryAttempts),
		PollInterval:  appConfig.OutboxPollInterval,
		Logger:        logger.Named("relay"),
	})
	if err != nil {
		return err
	}
	if err := relay.WakeOnWrite(db); err != nil {
		return err
	}

	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		Dispatcher: notifications.NewDispatcher(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	store, err := jobs.OpenBadgerStore(jobs.BadgerConfig{
		Path:   appConfig.JobsStorePath,
		TTL:    appConfig.JobsHandleTTL,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()
	queue, err := jobs.NewQueue(jobs.QueueConfig{
		Store:   store,
		Workers: appConfig.JobsWorkers,
		Logger:  logger.Named("jobs"),
	})
	if err != nil {
		return err
	}

	sink, closeSink, err := buildSink(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeSink()
	exporter, err := exports.NewExporter(exports.Config{
		Database:     db,
		Sink:         sink,
		ItemInterval: appConfig.ExportItemInterval,
		Logger:       logger.Named("exports"),
	})
	if err != nil {
		return err
	}
	if err := exporter.Register(queue); err != nil {
		return err
	}

	feedService, err := feed.NewService(feed.ServiceConfig{
		Database:      db,
		Index:         index,
		Notifications: notificationService,
		PageSize:      appConfig.SearchPageSize,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	taskService, err := tasks.NewService(tasks.ServiceConfig{
		Database:      db,
		Queue:         queue,
		Notifications: notificationService,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
		ClockSkew:     appConfig.TAuthClockSkew,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Users:            userService,
		Feed:             feedService,
		Tasks:            taskService,
		Notifications:    notificationService,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	if err := queue.Start(signalCtx); err != nil {
		return err
	}
	defer queue.Stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return relay.Run(groupCtx)
	})
	group.Go(func() error {
		purgeOutbox(groupCtx, relay, appConfig.OutboxRetention, logger)
		return nil
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func runReindex(ctx context.Context, collection string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := checkReindexBackend(appConfig.SearchBackend); err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	index, err := buildIndex(ctx, appConfig, logger)
	if err != nil {
		return err
	}

	counts, err := feed.ReindexCollections(ctx, db, index, collection, reindexBatchSize)
	for name, count := range counts {
		logger.Info("collection reindexed", zap.String("collection", name), zap.Int("documents", count))
	}
	return err
}

// checkReindexBackend refuses backends whose index does not outlive the
// reindex process.
func checkReindexBackend(backend string) error {
	switch backend {
	case config.SearchBackendMemory:
		return fmt.Errorf("reindex: %w", errReindexMemoryBackend)
	case config.SearchBackendDisabled:
		return fmt.Errorf("reindex: %w", errReindexDisabledBackend)
	default:
		return nil
	}
}

func buildIndex(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (search.Index, error) {
	switch appConfig.SearchBackend {
	case config.SearchBackendWeaviate:
		index, err := search.NewWeaviateIndex(search.WeaviateConfig{
			URL:         appConfig.WeaviateURL,
			ClassPrefix: appConfig.WeaviateClassPrefix,
			MaxHits:     appConfig.SearchMaxHits,
			Logger:      logger.Named("weaviate"),
		})
		if err != nil {
			return nil, err
		}
		if ready, err := index.Ready(ctx); err != nil || !ready {
			logger.Warn("weaviate not ready; mirror writes stay pending until it is", zap.String("url", appConfig.WeaviateURL), zap.Error(err))
		}
		return index, nil
	case config.SearchBackendDisabled:
		return search.NewDisabledIndex(logger), nil
	default:
		return search.NewMemoryIndex(), nil
	}
}

func buildSink(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (exports.Sink, func(), error) {
	if appConfig.ExportBucket != "" {
		sink, err := exports.NewGCSSink(ctx, exports.GCSConfig{
			Bucket:   appConfig.ExportBucket,
			Endpoint: appConfig.ExportGCSEndpoint,
			Logger:   logger.Named("exports"),
		})
		if err != nil {
			return nil, nil, err
		}
		return sink, func() {
			if err := sink.Close(); err != nil {
				logger.Warn("failed to close storage client", zap.Error(err))
			}
		}, nil
	}
	sink, err := exports.NewDirSink(appConfig.ExportLocalPath)
	if err != nil {
		return nil, nil, err
	}
	return sink, func() {}, nil
}

func purgeOutbox(ctx context.Context, relay *search.Relay, retention time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(outboxPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := relay.Purge(ctx, retention)
			if err != nil {
				logger.Warn("outbox purge failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("outbox purged", zap.Int64("entries", removed))
			}
		}
	}
}
