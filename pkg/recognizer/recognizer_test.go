package recognizer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var tinyImage = base64.StdEncoding.EncodeToString([]byte("\xff\xd8\xff not really a jpeg"))

func TestParseText(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantText   string
		wantConfid float64
	}{
		{"plain json", `{"text": "CURP GODE561231HDFRRN09", "confidence": 0.9}`, "CURP GODE561231HDFRRN09", 0.9},
		{"fenced json", "```json\n{\"text\": \"A\\nB\", \"confidence\": 0.5,}\n```", "A\nB", 0.5},
		{"confidence clamped", `{"text": "x", "confidence": 7}`, "x", 1},
		{"not json", "  NOMBRE JUAN PEREZ  ", "NOMBRE JUAN PEREZ", fallbackConfidence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseText(tt.raw)
			if got.Raw != tt.wantText {
				t.Errorf("Expected text %q, got %q", tt.wantText, got.Raw)
			}
			if got.Confidence != tt.wantConfid {
				t.Errorf("Expected confidence %f, got %f", tt.wantConfid, got.Confidence)
			}
		})
	}
}

func TestNewUnknownBackend(t *testing.T) {
	if _, err := New(Config{Backend: "tesseract"}); err == nil {
		t.Error("Expected error for unknown backend")
	}
	if r, err := New(Config{Backend: "llamacpp", URL: "http://localhost:9999"}); err != nil || r == nil {
		t.Errorf("llamacpp backend should be created: %v", err)
	}
}

func TestNewOllamaRejectsBadURL(t *testing.T) {
	if _, err := NewOllama("not a url", "m", ""); err == nil {
		t.Error("Expected error for URL without scheme")
	}
}

func TestLlamaCppRecognize(t *testing.T) {
	var got chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"text\":\"HOLA\",\"confidence\":0.8}"}}]}`))
	}))
	defer server.Close()

	r, _ := NewLlamaCpp(server.URL+"/", "vision", "")
	text, err := r.Recognize(context.Background(), tinyImage)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if text.Raw != "HOLA" || text.Confidence != 0.8 {
		t.Errorf("unexpected text %+v", text)
	}
	if got.Model != "vision" || len(got.Messages) != 1 {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestLlamaCppServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	r, _ := NewLlamaCpp(server.URL, "vision", "")
	if _, err := r.Recognize(context.Background(), tinyImage); err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("Expected status error, got %v", err)
	}
}

func TestOllamaRecognize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Images []string `json:"images"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "minicpm-v" || len(req.Messages) != 1 || len(req.Messages[0].Images) != 1 {
			t.Errorf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"minicpm-v","message":{"role":"assistant","content":"{\"text\":\"INE MEXICO\",\"confidence\":0.7}"},"done":true}` + "\n"))
	}))
	defer server.Close()

	r, err := NewOllama(server.URL+"/api/chat", "minicpm-v", "")
	if err != nil {
		t.Fatal(err)
	}
	text, err := r.Recognize(context.Background(), tinyImage)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if text.Raw != "INE MEXICO" || text.Confidence != 0.7 {
		t.Errorf("unexpected text %+v", text)
	}
}

func TestOllamaRejectsBadBase64(t *testing.T) {
	r, _ := NewOllama("http://localhost:11434", "m", "")
	if _, err := r.Recognize(context.Background(), "%%%"); err == nil {
		t.Error("Expected base64 error")
	}
}
