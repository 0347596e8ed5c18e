package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the server.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Forum   ForumConfig
	Notes   NotesConfig
	Jobs    JobsConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DBPath string
}

type ForumConfig struct {
	BaseURL     string
	Stealth     bool
	Proxy       string
	BrowserPath string
}

type NotesConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type JobsConfig struct {
	PollInterval     time.Duration
	TrackerEvict     time.Duration
	CleanupInterval  time.Duration
	RetentionWindow  time.Duration
	DefaultChunkSize int
	AutoSync         bool
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables and returns a
// validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PORT", 8080),
		},
		Storage: StorageConfig{
			DBPath: envString("DB_PATH", "./data/alexlib.db"),
		},
		Forum: ForumConfig{
			BaseURL:     os.Getenv("FORUM_BASE_URL"),
			Stealth:     envBool("FORUM_STEALTH", true),
			Proxy:       os.Getenv("FORUM_PROXY"),
			BrowserPath: os.Getenv("FORUM_BROWSER_PATH"),
		},
		Notes: NotesConfig{
			BaseURL: os.Getenv("NOTES_BASE_URL"),
			Token:   os.Getenv("NOTES_TOKEN"),
			Timeout: envDuration("NOTES_TIMEOUT", 30*time.Second),
		},
		Jobs: JobsConfig{
			PollInterval:     envDuration("JOB_POLL_INTERVAL", 1*time.Second),
			TrackerEvict:     envDuration("TRACKER_EVICT_AFTER", 5*time.Minute),
			CleanupInterval:  envDuration("JOB_CLEANUP_INTERVAL", 24*time.Hour),
			RetentionWindow:  time.Duration(envInt("JOB_RETENTION_DAYS", 14)) * 24 * time.Hour,
			DefaultChunkSize: envInt("CHUNK_SIZE", 200),
			AutoSync:         envBool("SYNC_AUTO", false),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "text"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Forum.BaseURL == "" {
		return fmt.Errorf("FORUM_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Forum.BaseURL, "http://") && !strings.HasPrefix(c.Forum.BaseURL, "https://") {
		return fmt.Errorf("FORUM_BASE_URL must start with http:// or https://, got %q", c.Forum.BaseURL)
	}

	if c.Notes.BaseURL == "" {
		return fmt.Errorf("NOTES_BASE_URL is required")
	}
	if c.Notes.Token == "" {
		return fmt.Errorf("NOTES_TOKEN is required")
	}

	if c.Jobs.DefaultChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.Jobs.DefaultChunkSize)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
