package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/chadiek/interpreter-relay/internal/config"
	"github.com/chadiek/interpreter-relay/internal/engine"
	httpserver "github.com/chadiek/interpreter-relay/internal/httpserver"
	"github.com/chadiek/interpreter-relay/internal/link"
	"github.com/chadiek/interpreter-relay/internal/metrics"
	"github.com/chadiek/interpreter-relay/internal/relay"
	"github.com/chadiek/interpreter-relay/internal/translate"
	"github.com/chadiek/interpreter-relay/internal/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := newLogger(cfg)
	slog.SetDefault(log)

	catalog, err := tts.LoadCatalog(cfg.VoicesFile, cfg.TTSProvider)
	if err != nil {
		log.Error("load voice catalog", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	translator := translate.NewChatClient(cfg.TranslateURL, cfg.TranslateAPIKey, cfg.TranslateModel)
	translator.Names = catalog.LanguageName

	var synth relay.Synthesizer
	switch cfg.TTSProvider {
	case "deepgram":
		synth = tts.NewDeepgramClient(cfg.DeepgramKey, log)
	default:
		synth = tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsModelID, log)
	}

	engines := func(sc link.SessionConfig) relay.Engine {
		return engine.NewSession(engine.Config{
			URL:          cfg.EngineURL,
			APIKey:       cfg.EngineAPIKey,
			Model:        cfg.EngineModel,
			Voice:        sc.Voice,
			Language:     sc.Language,
			SetupTimeout: cfg.EngineSetupTimeout,
		}, log)
	}

	rl := relay.New(relay.Deps{
		Engines:     engines,
		Translator:  translator,
		Synthesizer: synth,
		Voices:      catalog,
		Detector:    translate.DetectLanguage,
		Metrics:     m,
		Log:         log,
	}, relay.Options{
		DebounceWindow: cfg.DebounceWindow,
		FanoutTimeout:  cfg.FanoutTimeout,
		ConfigTimeout:  cfg.HandshakeTimeout,
	})

	srv := httpserver.New(cfg, httpserver.Deps{
		Relay:       rl,
		Catalog:     catalog,
		Synthesizer: synth,
		Gatherer:    reg,
		Metrics:     m,
		Log:         log,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddress, "tts", cfg.TTSProvider)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		log.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown failed", "error", err)
		_ = server.Close()
	}
	if err := rl.Shutdown(ctx); err != nil {
		log.Warn("relay shutdown incomplete", "error", err)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
