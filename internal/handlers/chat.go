package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jcalderon/glmchat/internal/services"
	goopenai "github.com/sashabaranov/go-openai"
)

// Fixed relay policy: the context window cap bounds upstream latency and cost,
// and is not negotiable per request.
const (
	contextWindowLimit = 16

	streamTimeout   = 30 * time.Second
	completeTimeout = 20 * time.Second

	defaultTemperature = 0.3
	defaultMaxTokens   = 1024
)

const sentinel = "[DONE]"

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	Stream      *bool         `json:"stream"`
	Temperature *float32      `json:"temperature"`
	MaxTokens   *int          `json:"maxTokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// streamFrame is the normalized event shape the relay emits, regardless of how
// much extra metadata the upstream chunk carried.
type streamFrame struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta streamDelta `json:"delta"`
	Index int         `json:"index"`
}

type streamDelta struct {
	Content string `json:"content"`
}

// HandleChatCompletions processes chat completion requests. It validates the
// request, truncates the conversation to the bounded context window, and
// forwards it to the upstream provider. In streaming mode the upstream reply is
// re-framed into a normalized text/event-stream; in non-streaming mode the
// upstream JSON body is relayed unchanged.
//
// Failures before the first response byte are reported as a JSON error object
// with a non-2xx status. Once streaming has begun, failures terminate the
// stream without a trailing sentinel.
func (m Main) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		m.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Invalid request body", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if len(req.Messages) == 0 {
		m.writeError(w, http.StatusBadRequest, "messages are required and must be a non-empty array", "")
		return
	}

	stream := true
	if req.Stream != nil {
		stream = *req.Stream
	}
	temperature := float32(defaultTemperature)
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	window := boundContext(req.Messages)
	messages := make([]goopenai.ChatCompletionMessage, len(window))
	for i, msg := range window {
		messages[i] = goopenai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	if stream {
		m.streamCompletion(w, r, messages, temperature, maxTokens)
		return
	}
	m.relayCompletion(w, r, messages, temperature, maxTokens)
}

// boundContext truncates the conversation to the last contextWindowLimit
// messages, preserving their relative order.
func boundContext(messages []chatMessage) []chatMessage {
	if len(messages) <= contextWindowLimit {
		return messages
	}
	return messages[len(messages)-contextWindowLimit:]
}

func (m Main) relayCompletion(
	w http.ResponseWriter,
	r *http.Request,
	messages []goopenai.ChatCompletionMessage,
	temperature float32,
	maxTokens int,
) {
	ctx, cancel := context.WithTimeout(r.Context(), completeTimeout)
	defer cancel()

	body, err := m.upstream.Complete(ctx, messages, temperature, maxTokens)
	if err != nil {
		m.writeUpstreamError(w, err)
		return
	}

	// The upstream object is relayed as-is, without re-validation.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) streamCompletion(
	w http.ResponseWriter,
	r *http.Request,
	messages []goopenai.ChatCompletionMessage,
	temperature float32,
	maxTokens int,
) {
	ctx, cancel := context.WithTimeout(r.Context(), streamTimeout)
	defer cancel()

	upstream, err := m.upstream.StreamChat(ctx, messages, temperature, maxTokens)
	if err != nil {
		m.writeUpstreamError(w, err)
		return
	}
	defer upstream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	// The upstream bytes are not guaranteed to arrive frame-aligned, so lines
	// are assembled across reads and only complete ones processed. Whatever is
	// left in the buffer at EOF goes through the same per-line path.
	reader := bufio.NewReader(upstream)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			m.relayLine(w, flusher, line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Error("Upstream stream aborted", slog.String(errLoggerKey, err.Error()))
				return
			}
			break
		}
	}

	// Exactly one trailing sentinel at true end of stream.
	fmt.Fprintf(w, "data: %s\n\n", sentinel)
	if flusher != nil {
		flusher.Flush()
	}
}

// relayLine re-frames one upstream line into the normalized event shape. Lines
// that are not data frames, carry no delta text, or fail to parse are skipped;
// an isolated corrupt frame must not abort an otherwise healthy stream.
func (m Main) relayLine(w io.Writer, flusher http.Flusher, line string) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "data: ") {
		return
	}

	data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
	if data == "" {
		return
	}

	if data == sentinel {
		fmt.Fprintf(w, "data: %s\n\n", sentinel)
		if flusher != nil {
			flusher.Flush()
		}
		return
	}

	var chunk goopenai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		m.logger.Debug("Skipping malformed frame", slog.String(errLoggerKey, err.Error()))
		return
	}

	if len(chunk.Choices) == 0 {
		return
	}
	content := chunk.Choices[0].Delta.Content
	if content == "" {
		return
	}

	frame := streamFrame{
		Choices: []streamChoice{{Delta: streamDelta{Content: content}, Index: 0}},
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}

	fmt.Fprintf(w, "data: %s\n\n", payload)
	if flusher != nil {
		flusher.Flush()
	}
}

func (m Main) writeUpstreamError(w http.ResponseWriter, err error) {
	var upstreamErr *services.UpstreamError
	switch {
	case errors.As(err, &upstreamErr):
		m.logger.Error("Upstream request failed",
			slog.Int("status", upstreamErr.StatusCode),
			slog.String("body", upstreamErr.Body))
		m.writeError(w, upstreamErr.StatusCode, "upstream request failed", upstreamErr.Body)
	case errors.Is(err, context.DeadlineExceeded):
		m.logger.Error("Upstream request timed out")
		m.writeError(w, http.StatusGatewayTimeout, "upstream request timed out", "")
	default:
		m.logger.Error("Upstream request failed", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusBadGateway, "upstream request failed", err.Error())
	}
}
