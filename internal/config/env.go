package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Secrets read from the environment win over the file.
const (
	EnvTelegramToken = "SENDER_TELEGRAM_TOKEN"
	EnvAMQPURL       = "SENDER_AMQP_URL"
	EnvStorageDSN    = "SENDER_STORAGE_DSN"
	EnvHTTPToken     = "SENDER_HTTP_TOKEN"
)

// LoadEnv loads .env files into the process environment without overriding
// variables that are already set. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	override := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(EnvTelegramToken, &cfg.Notifier.Token)
	override(EnvAMQPURL, &cfg.AMQP.URL)
	override(EnvStorageDSN, &cfg.Storage.DSN)
	override(EnvHTTPToken, &cfg.HTTP.Token)
}
