package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hibiken/asynq"

	"github.com/bobarin/clipmaker/internal/api"
	"github.com/bobarin/clipmaker/internal/config"
	"github.com/bobarin/clipmaker/internal/db"
	"github.com/bobarin/clipmaker/internal/ledger"
	"github.com/bobarin/clipmaker/internal/notify"
	"github.com/bobarin/clipmaker/internal/payments"
	"github.com/bobarin/clipmaker/internal/queue"
	"github.com/bobarin/clipmaker/internal/services"
	"github.com/bobarin/clipmaker/internal/storage"
	"github.com/bobarin/clipmaker/internal/worker"
)

func main() {
	log.Println("Starting Clipmaker API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ValidateAPI(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Payment gateway
	gateway := payments.NewClient(payments.Config{
		BaseURL:     cfg.FreedomPayBaseURL,
		MerchantID:  cfg.FreedomPayMerchantID,
		SecretKey:   cfg.FreedomPaySecretKey,
		TestingMode: cfg.FreedomPayTestingMode,
		CheckURL:    cfg.PaymentCheckURL,
		ResultURL:   cfg.PaymentResultURL,
		SuccessURL:  cfg.PaymentSuccessURL,
		FailureURL:  cfg.PaymentFailureURL,
	})

	// Credit ledger over the database and gateway
	ledgerSvc := ledger.NewService(database, gateway)

	// API handler
	handler := api.NewHandler(ledgerSvc, cfg.FreedomPaySecretKey)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Embedded task worker, for single-process deployments
	var asynqSrv *asynq.Server
	if cfg.WorkerEnabled {
		if err := cfg.ValidateWorker(); err != nil {
			log.Fatalf("Invalid worker config: %v", err)
		}
		log.Println("Worker enabled, starting background processing...")

		stor := storage.New(cfg.StorageURL, cfg.StorageServiceKey, cfg.StorageBucket)
		ledgerClient := ledger.NewClient(cfg.LedgerBaseURL, cfg.BackendAPIKey)

		var sender notify.Notifier = notify.NopNotifier{}
		if cfg.BotToken != "" {
			bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
			if err != nil {
				log.Fatalf("Failed to create bot for notifications: %v", err)
			}
			sender = notify.NewTelegramNotifier(bot)
		}

		w := worker.New(
			services.NewAvatarService(cfg.HeyGenKey),
			services.NewCaptionService(cfg.ZapCapKey),
			services.NewMusicService(cfg.AIMLKey),
			services.NewOpenAIService(cfg.OpenAIKey),
			stor,
			ledgerClient,
			sender,
		)

		mux := asynq.NewServeMux()
		w.Register(mux)

		asynqSrv = asynq.NewServer(
			asynq.RedisClientOpt{Addr: cfg.RedisAddr},
			asynq.Config{
				Concurrency:    cfg.MaxConcurrentJobs,
				RetryDelayFunc: queue.RetryDelay,
			},
		)
		if err := asynqSrv.Start(mux); err != nil {
			log.Fatalf("Failed to start worker: %v", err)
		}
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	if asynqSrv != nil {
		asynqSrv.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
