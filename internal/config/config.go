package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string `envconfig:"HTTP_ADDRESS" default:":8000" validate:"required"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`

	EngineURL          string        `envconfig:"ENGINE_URL" default:"wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent" validate:"required,url"`
	EngineAPIKey       string        `envconfig:"ENGINE_API_KEY"`
	EngineModel        string        `envconfig:"ENGINE_MODEL" default:"gemini-2.0-flash-exp" validate:"required"`
	EngineSetupTimeout time.Duration `envconfig:"ENGINE_SETUP_TIMEOUT" default:"10s" validate:"gt=0"`

	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"30s" validate:"gt=0"`
	DebounceWindow   time.Duration `envconfig:"DEBOUNCE_WINDOW" default:"2s" validate:"gt=0"`
	FanoutTimeout    time.Duration `envconfig:"FANOUT_TIMEOUT" default:"15s" validate:"gt=0"`
	LinkWriteTimeout time.Duration `envconfig:"LINK_WRITE_TIMEOUT" default:"10s" validate:"gt=0"`

	TranslateURL    string `envconfig:"TRANSLATE_URL" default:"https://api.cerebras.ai/v1/chat/completions" validate:"required,url"`
	TranslateAPIKey string `envconfig:"TRANSLATE_API_KEY"`
	TranslateModel  string `envconfig:"TRANSLATE_MODEL" default:"llama-4-maverick-17b-128e-instruct" validate:"required"`

	TTSProvider       string `envconfig:"TTS_PROVIDER" default:"elevenlabs" validate:"oneof=elevenlabs deepgram"`
	ElevenLabsKey     string `envconfig:"ELEVENLABS_API_KEY"`
	ElevenLabsModelID string `envconfig:"ELEVENLABS_MODEL_ID" default:"eleven_flash_v2_5"`
	DeepgramKey       string `envconfig:"DEEPGRAM_API_KEY"`
	VoicesFile        string `envconfig:"VOICES_FILE"`
}

// Load reads .env (when present) and the environment, applies defaults and validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: read environment: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid: %w", err)
	}

	if cfg.EngineAPIKey == "" {
		slog.Warn("ENGINE_API_KEY not set - engine sessions will fail to connect")
	}
	if cfg.TranslateAPIKey == "" {
		slog.Warn("TRANSLATE_API_KEY not set - cross-language deliveries will be suppressed")
	}
	switch cfg.TTSProvider {
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" {
			slog.Warn("ELEVENLABS_API_KEY not set - synthesis will fail")
		}
	case "deepgram":
		if cfg.DeepgramKey == "" {
			slog.Warn("DEEPGRAM_API_KEY not set - synthesis will fail")
		}
	}
	return cfg, nil
}
