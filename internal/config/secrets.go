package config

import (
	"github.com/caarlos0/env/v11"
)

// Secrets holds credentials sourced from the environment (optionally via a
// .env file loaded in main). They are intentionally kept out of the config
// file so the file can be committed and hot-reloaded without leaking keys.
type Secrets struct {
	ResendAPIKey  string `env:"RESEND_API_KEY"`
	SMTPUsername  string `env:"SMTP_USERNAME"`
	SMTPPassword  string `env:"SMTP_PASSWORD"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	TelegramToken string `env:"TELEGRAM_BOT_TOKEN"`
}

func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return Secrets{}, err
	}
	return s, nil
}
