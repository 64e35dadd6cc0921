package classify

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

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
)

// Config configures the OpenAI-compatible classifier.
type Config struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local models (Ollama)
	// or any other OpenAI-compatible endpoint.
	// Defaults to https://api.openai.com/v1 when empty.
	BaseURL string

	// Model is the chat model to use. Defaults to gpt-4o-mini when empty.
	Model string

	// Timeout is the HTTP request timeout. Defaults to 30 s.
	Timeout time.Duration
}

// openAIClassifier implements Classifier using the OpenAI chat completions
// API with JSON-mode output to guarantee a parseable Result.
type openAIClassifier struct {
	cfg    Config
	client *http.Client
}

// NewOpenAI returns a Classifier backed by the OpenAI (or compatible) chat
// API. The returned classifier is safe for concurrent use.
func NewOpenAI(cfg Config) Classifier {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &openAIClassifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal OpenAI wire types ---

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model          string       `json:"model"`
	Messages       []oaiMessage `json:"messages"`
	MaxTokens      int          `json:"max_tokens,omitempty"`
	ResponseFormat *oaiFormat   `json:"response_format,omitempty"`
}

type oaiFormat struct {
	Type string `json:"type"` // "json_object"
}

type oaiResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

const systemPrompt = `You label conversational messages for an automatic memory engine.

Given a message, decide which action best fits:
- "save_memory": the message contains a fact, decision, preference, or solution worth remembering
- "search_memories": the message asks about something previously discussed
- "get_context": the message signals a topic or project switch
- "none": nothing memory-related

Respond ONLY with valid JSON of the form {"label": "...", "confidence": 0.0}.
No markdown, no code fences, no explanation outside JSON.
Confidence is your certainty in [0,1].`

func (c *openAIClassifier) Classify(ctx context.Context, text string) (Result, error) {
	reqBody, err := json.Marshal(oaiRequest{
		Model: c.cfg.Model,
		Messages: []oaiMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
		MaxTokens:      64,
		ResponseFormat: &oaiFormat{Type: "json_object"},
	})
	if err != nil {
		return Result{}, fmt.Errorf("classify: marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, fmt.Errorf("classify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("classify: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, truncate(string(body), 200))
	}

	var parsed oaiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, fmt.Errorf("classify: decode response: %w", err)
	}
	if parsed.Error != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUnavailable, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("classify: empty completion")
	}

	var result Result
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &result); err != nil {
		return Result{}, fmt.Errorf("classify: malformed label JSON: %w", err)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return Result{}, fmt.Errorf("classify: confidence %v outside [0,1]", result.Confidence)
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Classifier = (*openAIClassifier)(nil)
