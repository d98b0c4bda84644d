package config

import (
	"database/sql"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/fieldscan/fieldscan/internal/models"
)

type Config struct {
	Port        int
	DatabaseURL string
	OutputRoot  string
	InboxDir    string

	FFmpegPath  string
	FFprobePath string

	AdminUser     string
	AdminPassword string
	SessionTTL    time.Duration

	DetectorBackend   string
	OpenAIBaseURL     string
	OpenAIKey         string
	OpenAIModel       string
	OllamaBaseURL     string
	OllamaModel       string
	DetectorTimeout   time.Duration
	DetectorRateLimit float64
	RetryAttempts     int
	RetryBackoff      time.Duration

	SamplingInterval    float64
	ConfidenceThreshold float64
	MaxTimeSkew         float64
	KeepAllFrames       bool
	ThumbnailWidth      int

	KafkaBrokers string
	KafkaTopic   string

	RetentionDays int
}

func Load() *Config {
	return &Config{
		Port:        envInt("PORT", 8080),
		DatabaseURL: env("DATABASE_URL", "fieldscan.db"),
		OutputRoot:  env("OUTPUT_ROOT", "output"),
		InboxDir:    env("INBOX_DIR", ""),

		FFmpegPath:  env("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: env("FFPROBE_PATH", "ffprobe"),

		AdminUser:     env("ADMIN_USER", "admin"),
		AdminPassword: env("ADMIN_PASSWORD", ""),
		SessionTTL:    time.Duration(envInt("SESSION_TTL_HOURS", 72)) * time.Hour,

		DetectorBackend:   env("DETECTOR_BACKEND", "openai"),
		OpenAIBaseURL:     env("OPENAI_BASE_URL", ""),
		OpenAIKey:         env("OPENAI_API_KEY", ""),
		OpenAIModel:       env("OPENAI_MODEL", "gpt-4o"),
		OllamaBaseURL:     env("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:       env("OLLAMA_MODEL", "llava"),
		DetectorTimeout:   time.Duration(envInt("DETECTOR_TIMEOUT_SECONDS", 60)) * time.Second,
		DetectorRateLimit: envFloat("DETECTOR_RATE_PER_SECOND", 1.0),
		RetryAttempts:     envInt("DETECTOR_RETRY_ATTEMPTS", 3),
		RetryBackoff:      time.Duration(envInt("DETECTOR_RETRY_BACKOFF_SECONDS", 2)) * time.Second,

		SamplingInterval:    envFloat("SAMPLING_INTERVAL_SECONDS", 1.0),
		ConfidenceThreshold: envFloat("CONFIDENCE_THRESHOLD", 0.85),
		MaxTimeSkew:         envFloat("MAX_TIME_SKEW_SECONDS", 2.0),
		KeepAllFrames:       envBool("KEEP_ALL_FRAMES", false),
		ThumbnailWidth:      envInt("THUMBNAIL_WIDTH", 320),

		KafkaBrokers: env("KAFKA_BROKERS", ""),
		KafkaTopic:   env("KAFKA_TOPIC", "fieldscan.detections"),

		RetentionDays: envInt("RETENTION_DAYS", 0),
	}
}

// MergeFromDB overlays operator-tuned settings persisted through the API
// over the environment defaults.
func (c *Config) MergeFromDB(db *sql.DB) {
	rows, err := db.Query("SELECT key, value FROM settings")
	if err != nil {
		log.Printf("config: skipping DB merge: %v", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		switch key {
		case "detector_backend":
			c.DetectorBackend = value
		case "sampling_interval":
			if v, err := strconv.ParseFloat(value, 64); err == nil && v > 0 {
				c.SamplingInterval = v
			}
		case "confidence_threshold":
			if v, err := strconv.ParseFloat(value, 64); err == nil && v >= 0 && v <= 1 {
				c.ConfidenceThreshold = v
			}
		case "max_time_skew":
			if v, err := strconv.ParseFloat(value, 64); err == nil && v >= 0 {
				c.MaxTimeSkew = v
			}
		case "keep_all_frames":
			if v, err := strconv.ParseBool(value); err == nil {
				c.KeepAllFrames = v
			}
		case "retention_days":
			if v, err := strconv.Atoi(value); err == nil {
				c.RetentionDays = v
			}
		}
	}
}

// RunDefaults is the run configuration a scan gets when the start request
// does not override anything.
func (c *Config) RunDefaults() models.RunConfig {
	return models.RunConfig{
		SamplingInterval:    c.SamplingInterval,
		Categories:          models.AllCategories(),
		MaxTimeSkew:         c.MaxTimeSkew,
		ConfidenceThreshold: c.ConfidenceThreshold,
		Backend:             c.DetectorBackend,
		KeepAllFrames:       c.KeepAllFrames,
	}
}

func (c *Config) KafkaEnabled() bool {
	return c.KafkaBrokers != ""
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
