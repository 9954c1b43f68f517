package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
)

// GLM provides access to the upstream GLM completion API. It speaks the
// OpenAI-compatible chat completion protocol against a fixed endpoint with a
// fixed model; every call is stateless and owns nothing beyond the single HTTP
// exchange it performs.
type GLM struct {
	apiKey  string
	baseURL string
	model   string

	client *http.Client

	logger *slog.Logger
}

const (
	defaultGLMBaseURL = "https://api.z.ai/api/paas/v4"
	defaultGLMModel   = "glm-4.5-flash"
)

// NewGLM creates a new GLM instance with the specified API key, base URL, and
// model name. Empty baseURL and model fall back to the fixed production endpoint
// and model.
func NewGLM(apiKey, baseURL, model string, logger *slog.Logger) GLM {
	if baseURL == "" {
		baseURL = defaultGLMBaseURL
	}
	if model == "" {
		model = defaultGLMModel
	}
	return GLM{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "glm")),
	}
}

// UpstreamError reports a non-success status from the completion API, carrying
// the upstream status code and response body for propagation to the caller.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// StreamChat sends a streaming chat completion request and returns the raw
// upstream response body. The caller owns the re-framing of the byte stream and
// must close the returned body on every exit path.
func (g GLM) StreamChat(
	ctx context.Context,
	messages []goopenai.ChatCompletionMessage,
	temperature float32,
	maxTokens int,
) (io.ReadCloser, error) {
	resp, err := g.send(ctx, messages, temperature, maxTokens, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Complete sends a non-streaming chat completion request and returns the raw
// JSON response body unchanged.
func (g GLM) Complete(
	ctx context.Context,
	messages []goopenai.ChatCompletionMessage,
	temperature float32,
	maxTokens int,
) ([]byte, error) {
	resp, err := g.send(ctx, messages, temperature, maxTokens, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	return body, nil
}

func (g GLM) send(
	ctx context.Context,
	messages []goopenai.ChatCompletionMessage,
	temperature float32,
	maxTokens int,
	stream bool,
) (*http.Response, error) {
	reqBody := goopenai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	g.logger.Debug("Upstream request",
		slog.Int("messages", len(messages)),
		slog.Bool("stream", stream))

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return resp, nil
}
