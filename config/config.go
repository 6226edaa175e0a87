package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process and infrastructure configuration loaded from
// environment variables. Trading behaviour lives in Settings.
type Config struct {
	// Feed
	FeedURL         string
	SubscribeTokens string

	// Settings file (YAML) and instrument master
	SettingsPath   string
	InstrumentsCSV string

	// Infrastructure
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	KafkaBrokers  string
	KafkaTopic    string
	MetricsAddr   string
	APIAddr       string
	GatewayAddr   string

	// Notifications (optional)
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string

	PublishTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		FeedURL: getEnv("FEED_URL", "ws://localhost:9001/ws"),
		// Default: NIFTY 50 index
		SubscribeTokens: getEnv("SUBSCRIBE_TOKENS", "256265"),

		SettingsPath:   getEnv("SETTINGS_PATH", "config/settings.yaml"),
		InstrumentsCSV: getEnv("INSTRUMENTS_CSV", "data/instruments.csv"),

		SQLitePath:    getEnv("SQLITE_PATH", "data/optiontrader.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		KafkaBrokers:  getEnv("KAFKA_BROKERS", ""),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "optiontrader.events"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		GatewayAddr:   getEnv("GATEWAY_ADDR", ":8081"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		PublishTimeout: getEnvDuration("PUBLISH_TIMEOUT", 2*time.Second),
	}
}

// ParseTokens parses SubscribeTokens ("256265,12345") into instrument tokens.
func (c *Config) ParseTokens() []uint32 {
	return ParseTokenList(c.SubscribeTokens)
}

// ParseTokenList parses a comma-separated token list, skipping invalid entries.
func ParseTokenList(s string) []uint32 {
	parts := strings.Split(s, ",")
	tokens := make([]uint32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil || n == 0 {
			log.Printf("[config] skipping invalid token value: %q", p)
			continue
		}
		tokens = append(tokens, uint32(n))
	}
	return tokens
}

// KafkaBrokerList splits KafkaBrokers; nil when Kafka is disabled.
func (c *Config) KafkaBrokerList() []string {
	if c.KafkaBrokers == "" {
		return nil
	}
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return d
}
