package link

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"

	"github.com/chadiek/interpreter-relay/internal/relayerr"
)

// FrameType tags a wire envelope.
type FrameType string

const (
	TypeConfig       FrameType = "config"
	TypeAudio        FrameType = "audio"
	TypeImage        FrameType = "image"
	TypeText         FrameType = "text"
	TypeTurnComplete FrameType = "turn_complete"
)

const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// SessionConfig is the per-participant configuration sent as the first frame.
type SessionConfig struct {
	Language string `json:"language" validate:"required"`
	Voice    string `json:"voice"`
	Gender   string `json:"gender" validate:"omitempty,oneof=Male Female male female"`
	Role     string `json:"role" validate:"omitempty,oneof=user agent"`
}

// BaseLanguage returns the primary subtag of the language, lower-cased
// ("en-US" -> "en").
func (c SessionConfig) BaseLanguage() string {
	lang := strings.ToLower(strings.TrimSpace(c.Language))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

func (c SessionConfig) normalized() SessionConfig {
	c.Language = strings.TrimSpace(c.Language)
	if c.Role == "" {
		c.Role = RoleUser
	}
	switch strings.ToLower(c.Gender) {
	case "female":
		c.Gender = "Female"
	default:
		c.Gender = "Male"
	}
	return c
}

var validate = validator.New()

// Frame is one decoded client envelope. Payload holds the base64 media as
// received for audio and image frames, and the plain string for text frames.
type Frame struct {
	Type    FrameType
	Payload string
	Config  *SessionConfig
}

type inboundEnvelope struct {
	Type   FrameType       `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Config *SessionConfig  `json:"config,omitempty"`
}

type outboundEnvelope struct {
	Type FrameType `json:"type"`
	Data any       `json:"data"`
}

// TextPayload is the data of a relay->client text frame.
type TextPayload struct {
	Text string `json:"text"`
	Role string `json:"role"`
}

// DecodeFrame parses and validates one client envelope. All failures wrap
// relayerr.ErrProtocol.
func DecodeFrame(raw []byte) (Frame, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: invalid json: %v", relayerr.ErrProtocol, err)
	}
	switch env.Type {
	case TypeConfig:
		if env.Config == nil {
			return Frame{}, fmt.Errorf("%w: config frame without config", relayerr.ErrProtocol)
		}
		if err := validate.Struct(env.Config); err != nil {
			return Frame{}, fmt.Errorf("%w: invalid config: %v", relayerr.ErrProtocol, err)
		}
		cfg := env.Config.normalized()
		return Frame{Type: TypeConfig, Config: &cfg}, nil
	case TypeAudio, TypeImage, TypeText:
		data, err := stringData(env.Data)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %s frame: %v", relayerr.ErrProtocol, env.Type, err)
		}
		if env.Type != TypeText {
			if err := checkMedia(env.Type, data); err != nil {
				return Frame{}, fmt.Errorf("%w: %s frame: %v", relayerr.ErrProtocol, env.Type, err)
			}
		}
		return Frame{Type: env.Type, Payload: data}, nil
	case TypeTurnComplete:
		return Frame{Type: TypeTurnComplete}, nil
	case "":
		return Frame{}, fmt.Errorf("%w: missing type", relayerr.ErrProtocol)
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", relayerr.ErrProtocol, env.Type)
	}
}

func stringData(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("missing data")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("data is not a string")
	}
	if s == "" {
		return "", fmt.Errorf("empty data")
	}
	return s, nil
}

// checkMedia verifies the payload is valid base64 and, for images, that the
// decoded bytes sniff as JPEG.
func checkMedia(t FrameType, b64 string) error {
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("bad base64: %v", err)
	}
	if t == TypeImage {
		if mt := mimetype.Detect(decoded); !mt.Is("image/jpeg") {
			return fmt.Errorf("expected image/jpeg, got %s", mt.String())
		}
	}
	return nil
}

func encodeAudio(pcm []byte) outboundEnvelope {
	return outboundEnvelope{Type: TypeAudio, Data: base64.StdEncoding.EncodeToString(pcm)}
}
