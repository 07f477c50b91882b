package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tomatic/tomatic-backend/internal/api"
	"github.com/tomatic/tomatic-backend/internal/api/handlers"
	"github.com/tomatic/tomatic-backend/internal/catalog"
	"github.com/tomatic/tomatic-backend/internal/config"
	"github.com/tomatic/tomatic-backend/internal/database"
	"github.com/tomatic/tomatic-backend/internal/providers"
	"github.com/tomatic/tomatic-backend/internal/providers/openrouter"
	"github.com/tomatic/tomatic-backend/internal/repository/sqlite"
	"github.com/tomatic/tomatic-backend/internal/services"
	"github.com/tomatic/tomatic-backend/internal/tokenizer"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	db, err := database.Open(cfg.Storage)
	if err != nil {
		log.WithError(err).Fatal("failed to open session store")
	}
	defer db.Close()

	store := sqlite.NewSessionStore(db.DB)

	// No API key means the core still runs: submits are rejected as a
	// precondition failure instead of at dial time.
	var provider providers.Provider
	if cfg.Provider.APIKey != "" {
		p, err := openrouter.NewProvider(cfg.Provider)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize provider")
		}
		provider = p
	} else {
		log.Warn("no API key configured; chat submissions will be rejected")
	}

	modelCatalog := catalog.New(cfg.Models, log)

	manager := services.NewSessionManager(services.ManagerOptions{
		Store:        store,
		Coordinator:  services.NewStreamCoordinator(provider, log),
		Catalog:      modelCatalog,
		Prompts:      cfg,
		Estimator:    tokenizer.New(cfg.Provider.DefaultModel),
		Logger:       log,
		DefaultModel: cfg.Provider.DefaultModel,
		Temperature:  cfg.Provider.Temperature,
		Debounce:     time.Duration(cfg.Session.DebounceMs) * time.Millisecond,
		HasAPIKey:    cfg.Provider.APIKey != "",
	})

	app := fiber.New(fiber.Config{
		AppName:      "Tomatic Backend",
		ErrorHandler: customErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "http://localhost:5173,http://localhost:3000",
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	api.SetupRoutes(app, handlers.Deps{
		Manager:  manager,
		Catalog:  modelCatalog,
		Provider: provider,
		Config:   cfg,
		Logger:   log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Warm the model catalog in the background so pricing is available for
	// early requests.
	if provider != nil {
		go func() {
			refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			modelCatalog.Refresh(refreshCtx, provider)
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", addr).Info("tomatic backend starting")
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		return app.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server stopped")
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
		"code":  code,
	})
}
