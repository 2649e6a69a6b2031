// Package tts synthesizes translated text into PCM audio for a target
// participant and owns the per-language voice catalog.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/chadiek/interpreter-relay/internal/relayerr"
)

const (
	// SampleRate of every synthesized clip, 16-bit mono little-endian PCM.
	SampleRate = 24000

	maxClipBytes = 8 << 20
)

// ElevenLabsClient synthesizes over the ElevenLabs HTTP streaming endpoint.
type ElevenLabsClient struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	ModelID    string
	log        *slog.Logger
}

func NewElevenLabsClient(apiKey, modelID string, log *slog.Logger) *ElevenLabsClient {
	if modelID == "" {
		modelID = "eleven_flash_v2_5"
	}
	if log == nil {
		log = slog.Default()
	}
	return &ElevenLabsClient{
		HTTPClient: &http.Client{},
		BaseURL:    "https://api.elevenlabs.io",
		APIKey:     apiKey,
		ModelID:    modelID,
		log:        log,
	}
}

// Synthesize streams the clip for text and returns it whole. lang only shapes
// the request through the multilingual model; voice is an ElevenLabs voice id.
func (e *ElevenLabsClient) Synthesize(ctx context.Context, text, lang, voice string) ([]byte, error) {
	if e.APIKey == "" || voice == "" {
		return nil, fmt.Errorf("%w: elevenlabs api key or voice id missing", relayerr.ErrSynthesis)
	}
	u, err := url.Parse(e.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: elevenlabs base url: %v", relayerr.ErrSynthesis, err)
	}
	u.Path = "/v1/text-to-speech/" + voice + "/stream"
	q := u.Query()
	q.Set("output_format", fmt.Sprintf("pcm_%d", SampleRate))
	// lower streaming latency target (0..4 where lower is lower latency, may trade quality)
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id":      e.ModelID,
		"text":          text,
		"language_code": lang,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relayerr.ErrSynthesis, err)
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: elevenlabs http stream: %v", relayerr.ErrSynthesis, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: elevenlabs http status=%d body=%s", relayerr.ErrSynthesis, resp.StatusCode, string(b))
	}

	pcm, err := io.ReadAll(io.LimitReader(resp.Body, maxClipBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: elevenlabs http read: %v", relayerr.ErrSynthesis, err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: elevenlabs returned no audio", relayerr.ErrSynthesis)
	}
	e.log.Debug("elevenlabs clip synthesized", slog.String("voice", voice), slog.Int("bytes", len(pcm)))
	return pcm, nil
}
