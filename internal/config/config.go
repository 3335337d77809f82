package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	UploadsPath string
	AuthSecret  string
	SessionTTL  time.Duration

	HeartbeatInterval time.Duration
	TypingTTL         time.Duration
	ReminderLead      time.Duration

	// RedisAddr switches presence to Redis when set.
	RedisAddr string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string

	MaxImageBytes int64
	MaxFileBytes  int64
	MaxVoiceBytes int64
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first without overriding set variables.
func Load(cliMode bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		DBFile:          getEnv("PTCHAT_DB", "ptchat.db"),
		AdminAddr:       getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:         getEnv("API_ADDR", ":8080"),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:     getEnv("UPLOADS_PATH", "uploads"),
		AuthSecret:      os.Getenv("AUTH_SECRET"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber: getEnv("VAPID_SUBSCRIBER", "admin@localhost"),
	}

	var err error
	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"SESSION_TTL", "24h", &cfg.SessionTTL},
		{"HEARTBEAT_INTERVAL", "30s", &cfg.HeartbeatInterval},
		{"TYPING_TTL", "3s", &cfg.TypingTTL},
		{"REMINDER_LEAD", "30m", &cfg.ReminderLead},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(getEnv(d.key, d.fallback)); err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
	}

	sizes := []struct {
		key      string
		fallback int64
		dst      *int64
	}{
		{"MAX_IMAGE_BYTES", 10 << 20, &cfg.MaxImageBytes},
		{"MAX_FILE_BYTES", 10 << 20, &cfg.MaxFileBytes},
		{"MAX_VOICE_BYTES", 25 << 20, &cfg.MaxVoiceBytes},
	}
	for _, s := range sizes {
		if *s.dst, err = getEnvInt(s.key, s.fallback); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be greater than 0")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be greater than 0")
	}
	if c.TypingTTL <= 0 {
		return fmt.Errorf("TYPING_TTL must be greater than 0")
	}
	if c.ReminderLead < 0 {
		return fmt.Errorf("REMINDER_LEAD must not be negative")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	for name, v := range map[string]int64{
		"MAX_IMAGE_BYTES": c.MaxImageBytes,
		"MAX_FILE_BYTES":  c.MaxFileBytes,
		"MAX_VOICE_BYTES": c.MaxVoiceBytes,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}

	return nil
}

// PushEnabled reports whether web push keys are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int64) (int64, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
