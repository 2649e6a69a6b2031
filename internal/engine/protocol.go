package engine

import (
	"encoding/json"
	"fmt"
)

// Bidi engine wire messages (Gemini Live BidiGenerateContent).

type setupMessage struct {
	Setup setup `json:"setup"`
}

type setup struct {
	Model             string            `json:"model"`
	GenerationConfig  generationConfig  `json:"generation_config"`
	SystemInstruction systemInstruction `json:"system_instruction"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"response_modalities"`
	SpeechConfig       speechConfig `json:"speech_config"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voice_config"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuilt_voice_config"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name"`
}

type systemInstruction struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtime_input"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"media_chunks"`
}

type mediaChunk struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"client_content"`
}

type clientContent struct {
	Turns        []turn `json:"turns,omitempty"`
	TurnComplete bool   `json:"turn_complete"`
}

type turn struct {
	Role  string     `json:"role"`
	Parts []textPart `json:"parts"`
}

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *serverError     `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
}

type modelTurn struct {
	Parts []serverPart `json:"parts"`
}

type serverPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func translationDirective(language string) string {
	return fmt.Sprintf("You are a translation agent. Translate everything the user says into %s and output only the translation. "+
		"Do not answer questions, add commentary or repeat the user in the original language. Preserve the meaning of each sentence.", language)
}

// DefaultVoice is the prebuilt engine voice used when the client names none.
const DefaultVoice = "Puck"

func newSetupMessage(model, voice, language string) setupMessage {
	if voice == "" {
		voice = DefaultVoice
	}
	return setupMessage{Setup: setup{
		Model: "models/" + model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"TEXT"},
			SpeechConfig: speechConfig{VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
			}},
		},
		SystemInstruction: systemInstruction{Parts: []textPart{{Text: translationDirective(language)}}},
	}}
}

// decodeEvents classifies one server frame. When a model turn carries inline
// audio its text parts are ignored; turn completion is always reported last.
func decodeEvents(raw []byte) ([]Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}
	if msg.Error != nil {
		return nil, fmt.Errorf("%w: %d %s", ErrRemote, msg.Error.Code, msg.Error.Message)
	}
	if msg.ServerContent == nil {
		return nil, nil
	}

	var events []Event
	if mt := msg.ServerContent.ModelTurn; mt != nil {
		hasAudio := false
		for _, p := range mt.Parts {
			if p.InlineData != nil {
				hasAudio = true
				break
			}
		}
		for _, p := range mt.Parts {
			switch {
			case hasAudio && p.InlineData != nil:
				events = append(events, Event{Kind: InlineAudio, Data: p.InlineData.Data, MimeType: p.InlineData.MimeType})
			case !hasAudio && p.Text != "":
				events = append(events, Event{Kind: TextFragment, Text: p.Text})
			}
		}
	}
	if msg.ServerContent.TurnComplete {
		events = append(events, Event{Kind: TurnComplete})
	}
	return events, nil
}
