package recognizer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/field-capture/pkg/processing"
)

// defaultTimeout bounds a recognition when the caller set no deadline
const defaultTimeout = 300 * time.Second

// OllamaRecognizer runs OCR through an Ollama vision model
type OllamaRecognizer struct {
	client *api.Client
	model  string
	prompt string
}

// NewOllama creates a recognizer talking to the Ollama server at ollamaURL
func NewOllama(ollamaURL, model, prompt string) (*OllamaRecognizer, error) {
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL %q: scheme and host are required", ollamaURL)
	}

	// Drop any path such as /api/chat
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}

	return &OllamaRecognizer{
		client: api.NewClient(baseURL, http.DefaultClient),
		model:  model,
		prompt: prompt,
	}, nil
}

// Recognize sends the image to the model and parses its transcription
func (r *OllamaRecognizer) Recognize(ctx context.Context, imgB64 string) (Text, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	imgBytes, err := processing.DecodeBase64(imgB64)
	if err != nil {
		return Text{}, err
	}

	// Low temperature keeps transcriptions literal
	options := map[string]any{"temperature": 0.1}
	modelLower := strings.ToLower(r.model)
	if strings.Contains(modelLower, "minicpm-v") || strings.Contains(modelLower, "minicpmv") {
		options["num_ctx"] = 4096
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: r.model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: r.prompt,
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream:  &streamFalse,
		Options: options,
	}

	var content strings.Builder
	err = r.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return Text{}, fmt.Errorf("ollama chat error: %w", err)
	}
	if content.Len() == 0 {
		return Text{}, fmt.Errorf("empty response from ollama")
	}

	return parseText(content.String()), nil
}
