package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hibiken/asynq"

	"github.com/bobarin/clipmaker/internal/config"
	"github.com/bobarin/clipmaker/internal/ledger"
	"github.com/bobarin/clipmaker/internal/notify"
	"github.com/bobarin/clipmaker/internal/queue"
	"github.com/bobarin/clipmaker/internal/services"
	"github.com/bobarin/clipmaker/internal/storage"
	"github.com/bobarin/clipmaker/internal/worker"
)

func main() {
	log.Println("Starting Clipmaker worker...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

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

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		asynq.Config{
			Concurrency:    cfg.MaxConcurrentJobs,
			RetryDelayFunc: queue.RetryDelay,
		},
	)

	if err := srv.Start(mux); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}
	log.Printf("Worker processing tasks with concurrency %d", cfg.MaxConcurrentJobs)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	srv.Shutdown()
	log.Println("Worker exited")
}
