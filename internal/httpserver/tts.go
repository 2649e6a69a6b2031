package httpserver

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/chadiek/interpreter-relay/internal/link"
	"github.com/chadiek/interpreter-relay/internal/relay"
	"github.com/chadiek/interpreter-relay/internal/tts"
)

type synthesizeRequest struct {
	Text     string `json:"text" validate:"required"`
	Language string `json:"language" validate:"required"`
	Gender   string `json:"gender" validate:"omitempty,oneof=Male Female male female"`
	Voice    string `json:"voice"`
}

type synthesizeResponse struct {
	Audio      string `json:"audio"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
}

var validate = validator.New()

// synthesizeHandler serves POST /tts: one-shot synthesis with the same voice
// selection the relay uses for fan-out.
func synthesizeHandler(synth relay.Synthesizer, catalog *tts.Catalog, timeout time.Duration, log *slog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if synth == nil || catalog == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "synthesis not configured")
		}
		var req synthesizeRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		req.Text = strings.TrimSpace(req.Text)
		if err := validate.Struct(req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		lang := link.SessionConfig{Language: req.Language}.BaseLanguage()
		voice := catalog.Resolve(lang, req.Gender, req.Voice)

		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()
		audio, err := synth.Synthesize(ctx, req.Text, lang, voice)
		if err == nil && len(audio) == 0 {
			err = errEmptyAudio
		}
		if err != nil {
			log.Warn("tts request failed", slog.String("language", lang), slog.String("voice", voice), slog.String("error", err.Error()))
			return echo.NewHTTPError(http.StatusBadGateway, "synthesis failed")
		}

		return c.JSON(http.StatusOK, synthesizeResponse{
			Audio:      base64.StdEncoding.EncodeToString(audio),
			Voice:      voice,
			SampleRate: tts.SampleRate,
		})
	}
}
