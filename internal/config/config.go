package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool   // When true, the API process also runs an embedded task worker
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis (sessions, locks and the task queue)
	RedisAddr string

	// Supabase storage (republished provider artifacts and final videos)
	StorageURL        string
	StorageServiceKey string
	StorageBucket     string

	// OpenAI (scripts and music prompts)
	OpenAIKey string

	// HeyGen (avatar video synthesis)
	HeyGenKey string

	// ZapCap (caption burn-in)
	ZapCapKey        string
	ZapCapTemplateID string

	// AIML (music generation)
	AIMLKey string

	// FreedomPay
	FreedomPayBaseURL     string
	FreedomPayMerchantID  string
	FreedomPaySecretKey   string
	FreedomPayTestingMode bool
	PaymentCheckURL       string
	PaymentResultURL      string
	PaymentSuccessURL     string
	PaymentFailureURL     string

	// Telegram
	BotToken string

	// Ledger API, as seen from the worker and bot processes
	LedgerBaseURL string

	// Media
	MusicVolumeGain float64 // Music loudness relative to the voice track in the final mix
	TempDir         string

	// Worker
	MaxConcurrentJobs int

	// Credits granted once to every new account
	TrialCredits int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		StorageURL:         getEnv("STORAGE_URL", ""),
		StorageServiceKey:  getEnv("STORAGE_SERVICE_KEY", ""),
		StorageBucket:      getEnv("STORAGE_BUCKET", "clipmaker-videos"),
		OpenAIKey:          getEnv("OPENAI_API_KEY", ""),
		HeyGenKey:          getEnv("HEYGEN_API_KEY", ""),
		ZapCapKey:          getEnv("ZAPCAP_API_KEY", ""),
		ZapCapTemplateID:   getEnv("ZAPCAP_TEMPLATE_ID", ""),
		AIMLKey:            getEnv("AIML_API_KEY", ""),

		FreedomPayBaseURL:     getEnv("FREEDOMPAY_BASE_URL", "https://api.freedompay.kg"),
		FreedomPayMerchantID:  getEnv("FREEDOMPAY_MERCHANT_ID", ""),
		FreedomPaySecretKey:   getEnv("FREEDOMPAY_SECRET_KEY", ""),
		FreedomPayTestingMode: getEnvBool("FREEDOMPAY_TESTING_MODE", true),
		PaymentCheckURL:       getEnv("PAYMENT_CHECK_URL", ""),
		PaymentResultURL:      getEnv("PAYMENT_RESULT_URL", ""),
		PaymentSuccessURL:     getEnv("PAYMENT_SUCCESS_URL", ""),
		PaymentFailureURL:     getEnv("PAYMENT_FAILURE_URL", ""),

		BotToken:      getEnv("BOT_TOKEN", ""),
		LedgerBaseURL: getEnv("LEDGER_BASE_URL", "http://localhost:8080"),

		MusicVolumeGain:   getEnvFloat("MUSIC_VOLUME_GAIN", 0.01),
		TempDir:           getEnv("TEMP_DIR", "/tmp/clipmaker"),
		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 5),
		TrialCredits:      getEnvInt("TRIAL_CREDITS", 1),
	}

	return cfg, nil
}

// ValidateAPI checks the fields the API server cannot run without.
func (c *Config) ValidateAPI() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.FreedomPayMerchantID == "" || c.FreedomPaySecretKey == "" {
		return fmt.Errorf("FREEDOMPAY_MERCHANT_ID and FREEDOMPAY_SECRET_KEY are required")
	}
	return nil
}

// ValidateWorker checks the fields the task worker cannot run without.
func (c *Config) ValidateWorker() error {
	if c.OpenAIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.HeyGenKey == "" {
		return fmt.Errorf("HEYGEN_API_KEY is required")
	}
	if c.ZapCapKey == "" {
		return fmt.Errorf("ZAPCAP_API_KEY is required")
	}
	if c.AIMLKey == "" {
		return fmt.Errorf("AIML_API_KEY is required")
	}
	if c.StorageURL == "" || c.StorageServiceKey == "" {
		return fmt.Errorf("STORAGE_URL and STORAGE_SERVICE_KEY are required")
	}
	return nil
}

// ValidateBot checks the fields the Telegram bot cannot run without.
func (c *Config) ValidateBot() error {
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}
	if c.LedgerBaseURL == "" {
		return fmt.Errorf("LEDGER_BASE_URL is required")
	}
	// The bot merges and uploads the final video itself.
	if c.StorageURL == "" || c.StorageServiceKey == "" {
		return fmt.Errorf("STORAGE_URL and STORAGE_SERVICE_KEY are required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}
