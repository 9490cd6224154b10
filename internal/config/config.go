package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Discord
	DiscordToken string

	// Persistence
	DatabaseURL string

	// Recording
	RecordingsDir string

	// Resampler
	FFmpegPath           string
	ResamplerIdleTimeout time.Duration

	// STT Backend
	STTBackend string // "deepgram" or "vosk"

	// Deepgram settings
	DeepgramAPIKey  string
	DeepgramModel   string
	DeepgramDiarize bool

	// Vosk settings
	VoskModelPath string

	// Gate timing
	SilenceTimeout    time.Duration
	RotationThreshold time.Duration
	RotationCheck     time.Duration
	OverlapWindow     time.Duration
	ReopenCooldown    time.Duration
	MaxBurstDuration  time.Duration

	// Limits
	MaxConcurrentGates int

	// Metrics
	MetricsAddr string // empty disables the listener

	// Logging
	LogLevel string
}

func Load() (*Config, error) {
	cfg := fromEnv()
	return cfg, cfg.validate()
}

// LoadOffline is Load for tools that never touch Discord or an STT
// backend; only the persistence settings are validated.
func LoadOffline() (*Config, error) {
	cfg := fromEnv()
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func fromEnv() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("No .env file found, using environment variables only")
	}

	cfg := &Config{
		// Discord
		DiscordToken: os.Getenv("DISCORD_TOKEN"),

		// Persistence
		DatabaseURL: os.Getenv("DATABASE_URL"),

		// Recording
		RecordingsDir: getEnvOrDefault("RECORDINGS_DIR", "./data/recordings"),

		// Resampler
		FFmpegPath:           getEnvOrDefault("FFMPEG_PATH", "ffmpeg"),
		ResamplerIdleTimeout: getDurationEnvOrDefault("RESAMPLER_IDLE_TIMEOUT", time.Hour),

		// STT
		STTBackend:      getEnvOrDefault("STT_BACKEND", "deepgram"),
		DeepgramAPIKey:  os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:   getEnvOrDefault("DEEPGRAM_MODEL", "nova-2"),
		DeepgramDiarize: getBoolEnvOrDefault("DEEPGRAM_DIARIZE", false),
		VoskModelPath:   getEnvOrDefault("VOSK_MODEL_PATH", "./models/vosk/en"),

		// Gate timing
		SilenceTimeout:    getDurationEnvOrDefault("SILENCE_TIMEOUT", 8*time.Second),
		RotationThreshold: getDurationEnvOrDefault("ROTATION_THRESHOLD", 4*time.Minute),
		RotationCheck:     getDurationEnvOrDefault("ROTATION_CHECK_INTERVAL", 30*time.Second),
		OverlapWindow:     getDurationEnvOrDefault("ROTATION_OVERLAP_WINDOW", 2*time.Second),
		ReopenCooldown:    getDurationEnvOrDefault("REOPEN_COOLDOWN", 5*time.Second),
		MaxBurstDuration:  getDurationEnvOrDefault("MAX_BURST_DURATION", 10*time.Minute),

		// Limits
		MaxConcurrentGates: getIntEnvOrDefault("MAX_CONCURRENT_GATES", 8),

		// Metrics
		MetricsAddr: os.Getenv("METRICS_ADDR"),

		// Logging
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}

	return cfg
}

func (c *Config) validate() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("DISCORD_TOKEN is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.STTBackend != "deepgram" && c.STTBackend != "vosk" {
		return fmt.Errorf("STT_BACKEND must be 'deepgram' or 'vosk'")
	}

	if c.STTBackend == "deepgram" && c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required when using deepgram backend")
	}

	if c.RotationThreshold <= c.OverlapWindow {
		return fmt.Errorf("ROTATION_THRESHOLD must exceed ROTATION_OVERLAP_WINDOW")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBoolEnvOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
