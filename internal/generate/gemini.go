package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"aplex/internal/domain"
)

const (
	defaultAPIBase     = "https://generativelanguage.googleapis.com/v1beta"
	defaultChatModel   = "gemini-3-pro-preview"
	defaultImageModel  = "gemini-2.5-flash-image"
	defaultHTTPTimeout = 120 * time.Second
)

const systemInstruction = `You are A-Plex AI, a helpful and intelligent AI assistant created by A-Plex.

In group chats you help facilitate conversation, summarize discussions, and address the group collectively.
Be professional yet friendly, organized, and protective of user privacy.
Do not produce illegal, harmful, NSFW, or copyrighted content.`

// Gemini implements domain.Generator against the Gemini API. One client
// serves the streaming chat path and the single-shot title and image
// calls.
type Gemini struct {
	apiKey     string
	apiBase    string
	chatModel  string
	imageModel string
	client     *http.Client
	logger     *slog.Logger
}

type GeminiConfig struct {
	APIKey     string
	APIBase    string
	ChatModel  string
	ImageModel string
	Logger     *slog.Logger
}

func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = defaultChatModel
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = defaultImageModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gemini{
		apiKey:     cfg.APIKey,
		apiBase:    cfg.APIBase,
		chatModel:  cfg.ChatModel,
		imageModel: cfg.ImageModel,
		client:     &http.Client{Timeout: defaultHTTPTimeout},
		logger:     cfg.Logger,
	}
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// mapHistory converts prior messages to Gemini contents. Generated
// images and uploaded attachments are serialized as text placeholders so
// they stay visible to the model as context.
func mapHistory(history []domain.Message) []geminiContent {
	contents := make([]geminiContent, 0, len(history))
	for _, msg := range history {
		var parts []geminiPart
		if msg.Text != "" {
			parts = append(parts, geminiPart{Text: msg.Text})
		}
		if msg.Role == domain.RoleModel && msg.ImageData != "" {
			parts = append(parts, geminiPart{Text: "[Generated Image]"})
		}
		for _, att := range msg.Attachments {
			parts = append(parts, geminiPart{Text: fmt.Sprintf("[Attachment: %s (%s)]", att.Name, att.Kind)})
		}
		if len(parts) == 0 {
			parts = append(parts, geminiPart{Text: "..."})
		}
		contents = append(contents, geminiContent{Role: string(msg.Role), Parts: parts})
	}
	return contents
}

// StreamChat opens one streaming generation turn and emits token events
// on out. It closes out before returning. The stream is finite and not
// restartable; call again for the next turn.
func (g *Gemini) StreamChat(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)

	if g.apiKey == "" {
		return &domain.CredentialError{Reason: domain.CredentialMissing}
	}

	system := systemInstruction
	if req.Preamble != "" {
		system += "\n\nCURRENT CONTEXT:\n" + req.Preamble
	}

	body := geminiRequest{
		Contents:          append(mapHistory(req.History), geminiContent{Role: "user", Parts: []geminiPart{{Text: req.Text}}}),
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: system}}},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", g.apiBase, g.chatModel)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	// SSE: one JSON chunk per "data:" line, terminated by stream end.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					out <- domain.StreamEvent{Type: domain.StreamToken, Content: part.Text}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}

	out <- domain.StreamEvent{Type: domain.StreamDone}
	return nil
}

// Title asks for a short (max 4 words) chat title from the first user
// message.
func (g *Gemini) Title(ctx context.Context, firstMessage string) (string, error) {
	prompt := fmt.Sprintf(
		"Generate a very short, concise title (max 4 words) for a chat that starts with: %q. Do not use quotes.",
		firstMessage,
	)
	resp, err := g.generateOnce(ctx, g.chatModel, prompt)
	if err != nil {
		return "", err
	}
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if t := strings.TrimSpace(part.Text); t != "" {
				return t, nil
			}
		}
	}
	return "", fmt.Errorf("gemini: empty title response")
}

// Image generates one image and returns its base64 payload.
func (g *Gemini) Image(ctx context.Context, prompt string) (string, error) {
	resp, err := g.generateOnce(ctx, g.imageModel, prompt)
	if err != nil {
		return "", err
	}
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				return part.InlineData.Data, nil
			}
		}
	}
	return "", fmt.Errorf("gemini: no image generated")
}

func (g *Gemini) generateOnce(ctx context.Context, model, prompt string) (*geminiResponse, error) {
	if g.apiKey == "" {
		return nil, &domain.CredentialError{Reason: domain.CredentialMissing}
	}

	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.apiBase, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}

// checkStatus converts HTTP failures into the error taxonomy: rejected
// credentials become a typed CredentialError, everything else a plain
// backend error.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &domain.CredentialError{Reason: domain.CredentialInvalid}
	}
	if resp.StatusCode == http.StatusBadRequest && bytes.Contains(respBody, []byte("API_KEY_INVALID")) {
		return &domain.CredentialError{Reason: domain.CredentialInvalid}
	}
	return fmt.Errorf("gemini %d: %s", resp.StatusCode, string(respBody))
}
