package config

import (
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const DefaultAPIKey = "secret-agent-key"

type Config struct {
	Addr             string
	DBPath           string
	APIKey           string
	StalenessWindow  time.Duration
	RetentionHorizon time.Duration
	CleanupInterval  time.Duration
	DiscoveryEnabled bool
	BeaconPort       int
	BeaconInterval   time.Duration
	PublicPort       int
	RateLimit        int
	TelegramBotToken string
	TelegramChatID   string
	LogLevel         slog.Level
}

// Load reads the collector settings from the environment. A .env file in the
// working directory is applied first when present.
func Load() Config {
	_ = godotenv.Load()
	addr := getenv("APP_ADDR", ":8000")
	return Config{
		Addr:             addr,
		DBPath:           getenv("APP_DB_PATH", "./data/fleetwatch.db"),
		APIKey:           getenv("AGENT_API_KEY", DefaultAPIKey),
		StalenessWindow:  getenvDuration("APP_STALENESS_WINDOW", 60*time.Second),
		RetentionHorizon: getenvDuration("APP_RETENTION_HORIZON", 24*time.Hour),
		CleanupInterval:  getenvDuration("APP_CLEANUP_INTERVAL", time.Hour),
		DiscoveryEnabled: getenvBool("APP_DISCOVERY_ENABLED", true),
		BeaconPort:       getenvInt("APP_BEACON_PORT", 54321),
		BeaconInterval:   getenvDuration("APP_BEACON_INTERVAL", 5*time.Second),
		PublicPort:       getenvInt("APP_PUBLIC_PORT", portOf(addr, 8000)),
		RateLimit:        getenvInt("APP_RATE_LIMIT", 100),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		LogLevel:         getenvLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

func portOf(addr string, d int) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return d
	}
	n, err := strconv.Atoi(p)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func getenvDuration(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return d
	}
	return dur
}

func getenvBool(k string, d bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return d
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	return d
}

func getenvLevel(k string, d slog.Level) slog.Level {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		return d
	}
	return l
}
