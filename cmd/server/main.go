package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"roomwatch/server/config"
	"roomwatch/server/internal/analysis"
	"roomwatch/server/internal/api"
	"roomwatch/server/internal/availability"
	"roomwatch/server/internal/backend"
	"roomwatch/server/internal/changes"
	"roomwatch/server/internal/duplicates"
	"roomwatch/server/internal/events"
	"roomwatch/server/internal/models"
	"roomwatch/server/internal/notify"
	"roomwatch/server/internal/scheduler"
	"roomwatch/server/internal/store"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// A missing .env file is fine; the environment still applies.
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	logger.Infof("Using database at: %s", cfg.DatabasePath)
	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize listings cache")
	}
	defer st.Close()

	client := backend.NewClient(cfg.Backend.BaseURL, logger)

	irrelevant := make([]models.ChangeKind, 0, len(cfg.Changes.IrrelevantKinds))
	for _, kind := range cfg.Changes.IrrelevantKinds {
		irrelevant = append(irrelevant, models.ChangeKind(kind))
	}
	aggregator := changes.NewAggregator(logger, irrelevant)

	notifier := notify.NewService(logger)
	notifier.SetChangeSource(changes.NewFeed(client, aggregator))
	if tgConfig, err := st.GetTelegramConfig(); err != nil {
		logger.WithError(err).Error("Failed to load Telegram configuration")
	} else if tgConfig != nil {
		notifier.UpdateConfig(tgConfig)
		notifier.UpdateFilters(tgConfig.Filters())
	}

	// Completed jobs invalidate the cache and fan out notifications.
	bus := events.NewBus(100, logger)
	bus.Subscribe(func(update events.JobUpdate) error {
		if update.Completed() {
			st.MarkStale()
		}
		return nil
	})
	bus.Subscribe(notifier.HandleJobUpdate)
	bus.Start()
	defer bus.Close()

	controller := analysis.NewController(client, bus, logger, analysis.Options{
		ListingDomain:     cfg.Backend.ListingDomain,
		AutoLinkThreshold: cfg.Analysis.AutoLinkThreshold,
		InitialDelay:      cfg.Analysis.InitialDelay,
		PollInterval:      cfg.Analysis.PollInterval,
		MaxPolls:          cfg.Analysis.MaxPolls,
	})
	defer controller.Shutdown()

	sched := scheduler.NewScheduler(controller, st, cfg.Scheduler.ReanalyzeHour, logger)
	if cfg.Scheduler.Enabled {
		sched.Start()
		defer sched.Stop()
	}

	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}))

	api.SetupRoutes(router, api.Deps{
		Controller:    controller,
		Resolver:      duplicates.NewResolver(client, logger),
		Aggregator:    aggregator,
		Reconstructor: availability.NewReconstructor(logger),
		Backend:       client,
		Store:         st,
		Scheduler:     sched,
		Telegram:      notifier,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on port %s", cfg.Port)
		errCh <- router.Run(":" + cfg.Port)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.WithError(err).Fatal("Server failed to start")
	case sig := <-quit:
		logger.Infof("Received %s, shutting down", sig)
	}
}
