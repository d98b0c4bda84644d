package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/fieldscan/fieldscan/internal/api"
	"github.com/fieldscan/fieldscan/internal/auth"
	"github.com/fieldscan/fieldscan/internal/config"
	"github.com/fieldscan/fieldscan/internal/db"
	"github.com/fieldscan/fieldscan/internal/detector"
	"github.com/fieldscan/fieldscan/internal/models"
	"github.com/fieldscan/fieldscan/internal/notifications"
	"github.com/fieldscan/fieldscan/internal/pipeline"
	"github.com/fieldscan/fieldscan/internal/publish"
	"github.com/fieldscan/fieldscan/internal/repository"
	"github.com/fieldscan/fieldscan/internal/results"
	"github.com/fieldscan/fieldscan/internal/sampler"
	"github.com/fieldscan/fieldscan/internal/scheduler"
	"github.com/fieldscan/fieldscan/internal/version"
	"github.com/fieldscan/fieldscan/internal/watcher"
)

func main() {
	_ = godotenv.Load()

	ver := version.Load()
	log.Printf("FieldScan %s starting...", ver.Version)

	cfg := config.Load()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer database.Close()

	if err := db.Migrate(database, "migrations"); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	cfg.MergeFromDB(database.DB)

	if err := os.MkdirAll(cfg.OutputRoot, 0755); err != nil {
		log.Fatalf("output root %s: %v", cfg.OutputRoot, err)
	}

	users := repository.NewUserRepository(database.DB)
	runs := repository.NewRunRepository(database.DB)
	dets := repository.NewDetectionRepository(database.DB)
	settings := repository.NewSettingsRepository(database.DB)

	if err := seedAdmin(users, cfg); err != nil {
		log.Fatalf("admin seed failed: %v", err)
	}

	hub := api.NewWSHub()
	layout := pipeline.Layout{Root: cfg.OutputRoot}

	backends := map[string]pipeline.Detector{
		"openai": detector.NewGateway(
			detector.NewOpenAIBackend(cfg.OpenAIBaseURL, cfg.OpenAIKey, cfg.OpenAIModel, cfg.DetectorTimeout),
			cfg.DetectorRateLimit, cfg.RetryAttempts, cfg.RetryBackoff),
		"ollama": detector.NewGateway(
			detector.NewOllamaBackend(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.DetectorTimeout),
			cfg.DetectorRateLimit, cfg.RetryAttempts, cfg.RetryBackoff),
	}

	factory := func(videoPath string, interval time.Duration) (pipeline.FrameSource, error) {
		src, err := sampler.New(cfg.FFmpegPath, cfg.FFprobePath, videoPath, interval)
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	orch := pipeline.New(runs, dets, results.NewStore(), layout, factory, backends, hub)
	orch.SetThumbnailWidth(cfg.ThumbnailWidth)

	var kafkaPub *publish.KafkaPublisher
	if cfg.KafkaEnabled() {
		kafkaPub, err = publish.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Printf("kafka disabled: %v", err)
		} else {
			orch.SetPublisher(kafkaPub)
		}
	}

	webhooks := notifications.NewWebhookSender()
	orch.SetOnTerminal(func(run *models.Run) {
		url, _ := settings.Get("webhook_url")
		if url == "" {
			return
		}
		kind, _ := settings.Get("webhook_type")
		if kind == "" {
			kind = "generic"
		}
		title := fmt.Sprintf("Scan %s", run.State)
		message := fmt.Sprintf("Run %s: %d detections across %d frames", run.ID, run.Detections, run.FramesProcessed)
		if run.Error != "" {
			message += " (" + run.Error + ")"
		}
		go func() {
			if err := webhooks.Send(kind, url, title, message); err != nil {
				log.Printf("webhook: %v", err)
			}
		}()
	})

	retention := scheduler.New(runs, dets, layout, cfg.RetentionDays)
	retention.Start()
	orphans := scheduler.NewOrphanSweeper(runs, layout)
	orphans.Start()

	srv := api.NewServer(cfg, database, orch, hub, ver)

	var inbox *watcher.Watcher
	if cfg.InboxDir != "" {
		inbox, err = watcher.New(cfg.InboxDir, func(videoPath, telemetryPath string) {
			if _, err := orch.Start(videoPath, telemetryPath, srv.RunDefaults()); err != nil {
				log.Printf("inbox: scan for %s not started: %v", videoPath, err)
			}
		})
		if err != nil {
			log.Fatalf("inbox watcher: %v", err)
		}
		if err := inbox.Start(); err != nil {
			log.Fatalf("inbox watcher: %v", err)
		}
	}

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("listening on :%d", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	orch.Shutdown(ctx)
	retention.Stop()
	orphans.Stop()
	if inbox != nil {
		inbox.Stop()
	}
	if kafkaPub != nil {
		kafkaPub.Close(5 * time.Second)
	}
}

// seedAdmin creates the initial operator account on an empty install. The
// password comes from ADMIN_PASSWORD, or is generated and printed once.
func seedAdmin(users *repository.UserRepository, cfg *config.Config) error {
	count, err := users.Count()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	password := cfg.AdminPassword
	generated := false
	if password == "" {
		token, err := auth.GenerateToken()
		if err != nil {
			return err
		}
		password = token[:16]
		generated = true
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	if err := users.Create(&models.User{
		ID:           uuid.New(),
		Username:     cfg.AdminUser,
		PasswordHash: hash,
		IsAdmin:      true,
	}); err != nil {
		return err
	}

	if generated {
		log.Printf("created admin user %q with password %s (set ADMIN_PASSWORD to choose your own)", cfg.AdminUser, password)
	} else {
		log.Printf("created admin user %q", cfg.AdminUser)
	}
	return nil
}
