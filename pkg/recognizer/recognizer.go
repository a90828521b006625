// Package recognizer turns document photos into raw text using a vision model.
package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// DefaultPrompt asks the model for a verbatim transcription
const DefaultPrompt = `You are an OCR engine for identity documents.

Transcribe every line of printed text in the image exactly as it appears.

Return JSON only:
{"text": "all recognized text, lines separated by \n", "confidence": 0.0}

RULES
- confidence is your certainty in [0,1] that the transcription is accurate.
- Do not translate, correct or invent characters.
- If the image has no legible text return {"text": "", "confidence": 0.0}.
- JSON only. No markdown, no code fences, no comments.`

// fallbackConfidence is assigned to answers that were not valid JSON
const fallbackConfidence = 0.3

// Text is the result of recognizing one image
type Text struct {
	Raw        string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// TextRecognizer extracts text from a base64-encoded image
type TextRecognizer interface {
	Recognize(ctx context.Context, imgB64 string) (Text, error)
}

// Config holds the backend selection
type Config struct {
	Backend string // "ollama" or "llamacpp"
	URL     string
	Model   string
	Prompt  string
}

// New creates the recognizer named by config.Backend
func New(config Config) (TextRecognizer, error) {
	if config.Prompt == "" {
		config.Prompt = DefaultPrompt
	}
	switch strings.ToLower(config.Backend) {
	case "", "ollama":
		return NewOllama(config.URL, config.Model, config.Prompt)
	case "llamacpp", "llama.cpp":
		return NewLlamaCpp(config.URL, config.Model, config.Prompt)
	}
	return nil, fmt.Errorf("unknown recognizer backend %q", config.Backend)
}

// parseText reads the model answer. Answers that are not the requested JSON
// are used verbatim with a low confidence.
func parseText(raw string) Text {
	cleaned := sanitizeModelJSON(raw)
	if strings.HasPrefix(cleaned, "{") {
		var t Text
		if err := json.Unmarshal([]byte(cleaned), &t); err == nil {
			t.Confidence = clamp01(t.Confidence)
			return t
		}
	}
	return Text{Raw: strings.TrimSpace(raw), Confidence: fallbackConfidence}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// sanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
