package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// TTSConfig configures the text-to-speech provider.
type TTSConfig struct {
	APIBase string
	APIKey  string
	Model   string // e.g., "tts-1"
	Logger  *slog.Logger
}

// TTS synthesizes speech through an OpenAI-compatible audio API. It
// implements domain.Synthesizer.
type TTS struct {
	apiBase string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TTS{
		apiBase: cfg.APIBase,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  cfg.Logger,
	}
}

type ttsRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice"`
}

// Synthesize converts text to speech audio (MP3). Rate and pitch stay at
// the API's neutral defaults.
func (t *TTS) Synthesize(ctx context.Context, text, voice string) (io.ReadCloser, error) {
	body, err := json.Marshal(ttsRequest{Model: t.model, Input: text, Voice: voice})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("TTS API request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("TTS API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return resp.Body, nil
}

// Voices lists the voices the API offers. The set is fixed for the
// OpenAI speech endpoint.
func (t *TTS) Voices(ctx context.Context) ([]string, error) {
	return []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}, nil
}
