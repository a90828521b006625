package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LlamaCppRecognizer runs OCR through a llama.cpp server's OpenAI-compatible API
type LlamaCppRecognizer struct {
	baseURL    string
	model      string
	prompt     string
	httpClient *http.Client
}

// OpenAI-compatible message format
type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

// NewLlamaCpp creates a recognizer for the server at serverURL
func NewLlamaCpp(serverURL, model, prompt string) (*LlamaCppRecognizer, error) {
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}

	return &LlamaCppRecognizer{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		model:   model,
		prompt:  prompt,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}, nil
}

// Recognize sends the image to the model and parses its transcription
func (r *LlamaCppRecognizer) Recognize(ctx context.Context, imgB64 string) (Text, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	content := []contentPart{{Type: "text", Text: r.prompt}}
	if imgB64 != "" {
		content = append(content, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:image/jpeg;base64," + imgB64},
		})
	}

	req := chatCompletionRequest{
		Model:       r.model,
		Messages:    []message{{Role: "user", Content: content}},
		Temperature: 0.1,
		MaxTokens:   2048,
	}

	respBody, err := r.sendRequest(ctx, "/v1/chat/completions", req)
	if err != nil {
		return Text{}, fmt.Errorf("request failed: %w", err)
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Text{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Text{}, fmt.Errorf("no choices in response")
	}

	answer := messageText(resp.Choices[0].Message.Content)
	if answer == "" {
		return Text{}, fmt.Errorf("empty response from llama.cpp server")
	}
	return parseText(answer), nil
}

// messageText handles both string and content-part array formats
func messageText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		for _, item := range c {
			if part, ok := item.(map[string]any); ok {
				if text, ok := part["text"].(string); ok && text != "" {
					return text
				}
			}
		}
	}
	return ""
}

func (r *LlamaCppRecognizer) sendRequest(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
