// Package translate turns a settled transcript chunk into another language
// through an OpenAI-compatible chat-completions endpoint.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chadiek/interpreter-relay/internal/relayerr"
)

type ChatClient struct {
	HTTPClient *http.Client
	Endpoint   string
	APIKey     string
	Model      string
	// Names maps language codes to display names used in the prompt.
	Names func(code string) string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func NewChatClient(endpoint, apiKey, model string) *ChatClient {
	return &ChatClient{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Endpoint:   endpoint,
		APIKey:     apiKey,
		Model:      model,
	}
}

func (c *ChatClient) name(code string) string {
	if c.Names != nil {
		if n := c.Names(code); n != "" {
			return n
		}
	}
	return code
}

// Translate renders text from src into dst. Equal languages return the text
// unchanged without a network call. Every failure wraps relayerr.ErrTranslation.
func (c *ChatClient) Translate(ctx context.Context, text, src, dst string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty input", relayerr.ErrTranslation)
	}
	if strings.EqualFold(src, dst) {
		return text, nil
	}
	if c.APIKey == "" {
		return "", fmt.Errorf("%w: api key missing", relayerr.ErrTranslation)
	}

	messages := []chatMessage{
		{Role: "system", Content: fmt.Sprintf(
			"You translate spoken %s into %s. Reply with the translation only, no quotes, notes or transliteration.",
			c.name(src), c.name(dst))},
		{Role: "user", Content: text},
	}
	reqBody, _ := json.Marshal(chatCompletionsRequest{Model: c.Model, Messages: messages, Temperature: 0.2})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("%w: %v", relayerr.ErrTranslation, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", relayerr.ErrTranslation, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: status=%d body=%s", relayerr.ErrTranslation, resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("%w: decode: %v", relayerr.ErrTranslation, err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", relayerr.ErrTranslation)
	}
	out := strings.TrimSpace(cr.Choices[0].Message.Content)
	if out == "" {
		return "", fmt.Errorf("%w: empty translation", relayerr.ErrTranslation)
	}
	return out, nil
}
