package relay

import (
	"context"
	"iter"

	"github.com/chadiek/interpreter-relay/internal/engine"
	"github.com/chadiek/interpreter-relay/internal/link"
)

// Link is one participant's client connection.
type Link interface {
	ID() string
	AwaitConfig(ctx context.Context) (link.SessionConfig, error)
	Receive(ctx context.Context) (link.Frame, error)
	SendAudio(ctx context.Context, pcm []byte) error
	SendAudioBase64(ctx context.Context, b64 string) error
	SendText(ctx context.Context, text, role string) error
	SendTurnComplete(ctx context.Context) error
	Close() error
}

// Engine is one participant's duplex stream to the translation engine.
type Engine interface {
	Connect(ctx context.Context) error
	Forward(ctx context.Context, m engine.Media) error
	SendTurnComplete(ctx context.Context) error
	Events(ctx context.Context) iter.Seq2[engine.Event, error]
	Close() error
}

// EngineFactory opens an unconnected engine session for a configured participant.
type EngineFactory func(cfg link.SessionConfig) Engine

// Translator renders text from one language into another.
type Translator interface {
	Translate(ctx context.Context, text, src, dst string) (string, error)
}

// Synthesizer produces PCM audio for text. Empty audio is a failure.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, lang, voice string) ([]byte, error)
}

// VoiceResolver picks the synthesis voice for a target participant.
type VoiceResolver interface {
	Resolve(lang, gender, requested string) string
}

// LanguageDetector reports the language of a chunk when it is confident.
type LanguageDetector func(text string) (code string, ok bool)
