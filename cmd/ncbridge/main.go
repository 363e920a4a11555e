package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/ncbridge/ncbridge/internal/auth/token"
	"github.com/ncbridge/ncbridge/internal/config"
	"github.com/ncbridge/ncbridge/internal/db"
	"github.com/ncbridge/ncbridge/internal/delivery"
	"github.com/ncbridge/ncbridge/internal/nextcloud"
	"github.com/ncbridge/ncbridge/internal/poller"
	"github.com/ncbridge/ncbridge/internal/vault"
	"github.com/ncbridge/ncbridge/internal/version"
	"github.com/ncbridge/ncbridge/internal/web"
)

func main() {
	cfg, err := config.Load(os.Getenv("NCBRIDGE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		// Invalid configuration is fatal: the scheduler must never
		// start against a broken remote setup.
		log.Fatalf("Invalid configuration: %v", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	installations := vault.New(database)
	remote := nextcloud.NewClient()
	tokens := token.NewManager(installations, time.Duration(cfg.Nextcloud.TokenRefreshSkewSeconds)*time.Second)
	channel := delivery.NewConnector(cfg.Bot.AppID, cfg.Bot.AppPassword)

	scheduler := poller.New(
		installations,
		remote,
		tokens,
		channel,
		cfg.Nextcloud.BaseURL,
		time.Duration(cfg.Nextcloud.PollIntervalSeconds)*time.Second,
	)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start poll scheduler: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(web.RequestID)

	// OAuth flow
	r.Get("/auth/start", web.AuthStartHandler(cfg, installations))
	r.Get(cfg.Nextcloud.OAuth.RedirectPath, web.AuthCallbackHandler(cfg, installations, channel))

	// Installation management API
	r.Route("/api", func(r chi.Router) {
		r.Post("/installations", web.RegisterInstallationHandler(installations))
		r.Get("/installations", web.InstallationsHandler(installations, scheduler))
		r.Put("/installations/{id}/preferences", web.UpdatePreferencesHandler(installations))
		r.Delete("/installations/conversations/{conversationId}", web.RemoveInstallationHandler(installations))
		r.Post("/sync", web.SyncNowHandler(scheduler))
	})

	r.Get("/healthz", web.HealthHandler())

	server := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: r,
	}

	go func() {
		log.Printf("🚀 ncbridge %s starting on http://%s", version.Version, cfg.ListenAddr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️ Server shutdown: %v", err)
	}
}
