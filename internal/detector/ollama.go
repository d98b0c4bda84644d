package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaBackend talks to a locally served vision model (llava by default)
// over the Ollama chat API.
type OllamaBackend struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllamaBackend(baseURL, model string, timeout time.Duration) *OllamaBackend {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llava"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaBackend{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (b *OllamaBackend) Name() string { return "ollama" }

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaResponse struct {
	Message ollamaMessage `json:"message"`
	Error   string        `json:"error"`
}

func (b *OllamaBackend) Detect(ctx context.Context, req Request) ([]RawFinding, error) {
	payload := ollamaRequest{
		Model: b.model,
		Messages: []ollamaMessage{{
			Role:    "user",
			Content: buildPrompt(req.Categories),
			Images:  []string{base64.StdEncoding.EncodeToString(req.Image)},
		}},
		Stream: false,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(b.Name(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(b.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UnavailableError{Backend: b.Name(), Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 200))}
	}

	var or ollamaResponse
	if err := json.Unmarshal(respBody, &or); err != nil {
		return nil, fmt.Errorf("parse ollama response: %w", err)
	}
	if or.Error != "" {
		return nil, &UnavailableError{Backend: b.Name(), Err: fmt.Errorf("%s", or.Error)}
	}
	return ParseFindings(or.Message.Content), nil
}
