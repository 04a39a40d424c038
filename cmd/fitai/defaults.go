package main

import (
	"time"

	"github.com/spf13/viper"

	"fitai/internal/gemini"
	"fitai/internal/telegram"
)

func initViperDefaults() {
	// Telegram
	viper.SetDefault("telegram.token", "")
	viper.SetDefault("telegram.api_base", telegram.DefaultBaseURL)

	// Gemini
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.model", gemini.DefaultModel)
	viper.SetDefault("llm.request_timeout", 90*time.Second)

	// HTTP server. Bound on all interfaces because the webhook must be
	// reachable from Telegram's servers.
	viper.SetDefault("server.bind", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.public_hostname", "")

	// Blocking-call offload
	viper.SetDefault("offload.workers", 8)

	// Session persistence
	viper.SetDefault("state.enabled", true)
	viper.SetDefault("state.dir", "~/.fitai/sessions")

	// Persona
	viper.SetDefault("persona.path", "")
}
