package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"
)

// Upstream is the completion provider the relay forwards conversations to.
// StreamChat returns the provider's raw event-stream body for the relay to
// re-frame; Complete returns the provider's raw JSON body for passthrough.
type Upstream interface {
	StreamChat(ctx context.Context, messages []goopenai.ChatCompletionMessage,
		temperature float32, maxTokens int) (io.ReadCloser, error)
	Complete(ctx context.Context, messages []goopenai.ChatCompletionMessage,
		temperature float32, maxTokens int) ([]byte, error)
}

// Main handles the relay endpoint. It owns no state between requests; each
// invocation holds only the transient buffers of its own HTTP exchange.
type Main struct {
	upstream Upstream

	logger *slog.Logger
}

const errLoggerKey = "err"

// NewMain creates a new Main instance with the provided Upstream implementation.
func NewMain(upstream Upstream, logger *slog.Logger) Main {
	return Main{
		upstream: upstream,
		logger:   logger.With(slog.String("module", "handlers")),
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeError reports a failure that happens before any response bytes are sent.
// Once streaming has begun this shape can no longer be negotiated and failures
// surface as an abnormal stream termination instead.
func (m Main) writeError(w http.ResponseWriter, status int, msg, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: msg, Details: details}); err != nil {
		m.logger.Error("Failed to write error response", slog.String(errLoggerKey, err.Error()))
	}
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}
