// Package session owns all conversation state on the client side of the relay.
// Every mutation of sessions, messages, and settings goes through the Runtime,
// which also drives generations against the relay endpoint one at a time.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jcalderon/glmchat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Phase is the state of the generation cycle. A generation moves
// Idle → Requesting → Streaming → Idle, detouring through Errored when the
// request fails for a reason other than caller cancellation.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRequesting Phase = "requesting"
	PhaseStreaming  Phase = "streaming"
	PhaseErrored    Phase = "errored"
)

// StateStore persists the runtime's whole-state snapshot.
type StateStore interface {
	Load(ctx context.Context) (models.State, error)
	Save(ctx context.Context, state models.State) error
}

var (
	// ErrNoCurrentSession is returned by operations that need a current session
	// when none is selected.
	ErrNoCurrentSession = errors.New("no current session")
	// ErrGenerationInFlight is returned when a submission arrives while another
	// generation is still outstanding.
	ErrGenerationInFlight = errors.New("a generation is already in flight")
	// ErrSessionNotFound is returned when a session identifier matches nothing.
	ErrSessionNotFound = errors.New("session not found")
	// ErrMessageNotFound is returned when a message identifier matches nothing,
	// or a retry target has no preceding user message.
	ErrMessageNotFound = errors.New("message not found")
)

// DefaultTitle is the display label of a session before its first submission.
const DefaultTitle = "New conversation"

const (
	relayEndpointPath = "/api/chat"
	sentinel          = "[DONE]"

	failureNotice = "\n\n❌ Error generating the response. Please try again."
)

// Runtime owns every session, the current-session pointer, and the process-wide
// settings. State is persisted after every mutating operation; the current
// pointer and all streaming flags are transient and reset on reload.
type Runtime struct {
	relayURL string
	client   *http.Client
	store    StateStore
	logger   *slog.Logger

	// OnDelta, when set before any submission, is invoked for every text delta
	// appended to a streaming message. It is called from the goroutine running
	// Submit, outside the runtime's lock.
	OnDelta func(messageID, delta string)

	mu       sync.Mutex
	sessions []*models.Session
	current  *models.Session
	settings models.Settings
	phase    Phase
}

const errLoggerKey = "err"

// NewRuntime creates a Runtime backed by the given relay URL and state store.
// Previously persisted sessions and settings are restored; the current session
// is always nil after a reload.
func NewRuntime(relayURL string, store StateStore, logger *slog.Logger) (*Runtime, error) {
	state, err := store.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	sessions := make([]*models.Session, len(state.Sessions))
	for i := range state.Sessions {
		s := state.Sessions[i]
		sessions[i] = &s
	}

	return &Runtime{
		relayURL: strings.TrimSuffix(relayURL, "/"),
		client:   &http.Client{},
		store:    store,
		logger:   logger.With(slog.String("module", "session")),
		sessions: sessions,
		settings: state.Settings,
		phase:    PhaseIdle,
	}, nil
}

// NewSession creates a fresh empty session, makes it current, and prepends it
// to the session list.
func (r *Runtime) NewSession() models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	s := &models.Session{
		ID:        uuid.New().String(),
		Title:     DefaultTitle,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.sessions = append([]*models.Session{s}, r.sessions...)
	r.current = s
	r.persistLocked()

	return *s
}

// DeleteSession removes the session with the given identifier. If it was the
// current session, current becomes nil; the caller is responsible for creating
// a replacement.
func (r *Runtime) DeleteSession(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.sessions, func(s *models.Session) bool { return s.ID == id })
	if idx == -1 {
		return ErrSessionNotFound
	}

	if r.current == r.sessions[idx] {
		r.current = nil
	}
	r.sessions = slices.Delete(r.sessions, idx, idx+1)
	r.persistLocked()

	return nil
}

// SetCurrent selects the session with the given identifier as current.
func (r *Runtime) SetCurrent(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.sessions, func(s *models.Session) bool { return s.ID == id })
	if idx == -1 {
		return ErrSessionNotFound
	}
	r.current = r.sessions[idx]

	return nil
}

// Current returns a snapshot of the current session, and false when no session
// is selected.
func (r *Runtime) Current() (models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return models.Session{}, false
	}
	return snapshotSession(r.current), true
}

// Sessions returns snapshots of every session, most recently created first.
func (r *Runtime) Sessions() []models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]models.Session, len(r.sessions))
	for i, s := range r.sessions {
		sessions[i] = snapshotSession(s)
	}
	return sessions
}

// Settings returns the process-wide generation parameters.
func (r *Runtime) Settings() models.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// UpdateSettings validates and replaces the generation parameters.
func (r *Runtime) UpdateSettings(s models.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = s
	r.persistLocked()

	return nil
}

// Generating reports whether a generation is in flight.
func (r *Runtime) Generating() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase != PhaseIdle
}

// Phase returns the current state of the generation cycle.
func (r *Runtime) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// DeleteMessage removes the message with the given identifier from the current
// session. No other message is affected.
func (r *Runtime) DeleteMessage(messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return ErrNoCurrentSession
	}

	idx := slices.IndexFunc(r.current.Messages, func(m models.Message) bool { return m.ID == messageID })
	if idx == -1 {
		return ErrMessageNotFound
	}

	r.current.Messages = slices.Delete(r.current.Messages, idx, idx+1)
	r.current.UpdatedAt = time.Now()
	r.persistLocked()

	return nil
}

// ClearMessages empties the current session's message list. The session itself
// is retained.
func (r *Runtime) ClearMessages() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return ErrNoCurrentSession
	}

	r.current.Messages = []models.Message{}
	r.current.UpdatedAt = time.Now()
	r.persistLocked()

	return nil
}

// Submit appends the user message and an empty streaming assistant placeholder
// to the current session, then drives one generation through the relay,
// appending text deltas to the placeholder in arrival order. It blocks until
// the stream ends.
//
// A generation failure is absorbed into the assistant message as a visible
// notice rather than returned; cancelling ctx aborts the generation without
// leaving a notice. Submitting while another generation is outstanding is
// rejected with ErrGenerationInFlight.
func (r *Runtime) Submit(ctx context.Context, content string, attachments []models.Attachment) error {
	r.mu.Lock()

	if r.current == nil {
		r.mu.Unlock()
		return ErrNoCurrentSession
	}
	if r.phase != PhaseIdle {
		r.mu.Unlock()
		return ErrGenerationInFlight
	}

	sess := r.current

	// The relay request carries the prior history plus the new content, with
	// attachment text folded in. The stored user message keeps the bare content.
	history := make([]relayMessage, 0, len(sess.Messages)+1)
	for _, msg := range sess.Messages {
		history = append(history, relayMessage{Role: string(msg.Role), Content: msg.Content})
	}
	history = append(history, relayMessage{
		Role:    string(models.RoleUser),
		Content: promptWithAttachments(content, attachments),
	})

	now := time.Now()
	userMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   content,
		Timestamp: now,
	}
	assistantMsg := models.Message{
		ID:          uuid.New().String(),
		Role:        models.RoleAssistant,
		Timestamp:   now,
		IsStreaming: true,
	}

	if len(sess.Messages) == 0 && sess.Title == DefaultTitle {
		sess.Title = deriveTitle(content)
	}
	sess.Messages = append(sess.Messages, userMsg, assistantMsg)
	sess.UpdatedAt = now

	r.phase = PhaseRequesting
	r.persistLocked()

	settings := r.settings
	assistantID := assistantMsg.ID
	r.mu.Unlock()

	genErr := r.generate(ctx, history, settings, assistantID)
	r.finish(ctx, assistantID, genErr)

	return nil
}

// Retry discards the given assistant message and every message after it, then
// re-submits the preceding user message's content as a new generation.
func (r *Runtime) Retry(ctx context.Context, messageID string) error {
	r.mu.Lock()

	if r.current == nil {
		r.mu.Unlock()
		return ErrNoCurrentSession
	}
	if r.phase != PhaseIdle {
		r.mu.Unlock()
		return ErrGenerationInFlight
	}

	idx := slices.IndexFunc(r.current.Messages, func(m models.Message) bool { return m.ID == messageID })
	if idx <= 0 || r.current.Messages[idx].Role != models.RoleAssistant {
		r.mu.Unlock()
		return ErrMessageNotFound
	}

	prev := r.current.Messages[idx-1]
	if prev.Role != models.RoleUser {
		r.mu.Unlock()
		return ErrMessageNotFound
	}

	r.current.Messages = r.current.Messages[:idx-1]
	r.current.UpdatedAt = time.Now()
	r.persistLocked()
	r.mu.Unlock()

	return r.Submit(ctx, prev.Content, nil)
}

type relayRequest struct {
	Messages    []relayMessage `json:"messages"`
	Stream      bool           `json:"stream"`
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"maxTokens"`
}

type relayMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamFrame struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta streamDelta `json:"delta"`
}

type streamDelta struct {
	Content string `json:"content"`
}

func (r *Runtime) generate(
	ctx context.Context,
	history []relayMessage,
	settings models.Settings,
	assistantID string,
) error {
	reqBody := relayRequest{
		Messages:    history,
		Stream:      true,
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.relayURL+relayEndpointPath, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("relay returned status %d: %s", resp.StatusCode, body)
	}

	r.setPhase(PhaseStreaming)

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			return fmt.Errorf("error reading stream: %w", err)
		}
		if ev.Data == sentinel {
			continue
		}

		var frame streamFrame
		if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
			r.logger.Debug("Skipping malformed frame", slog.String(errLoggerKey, err.Error()))
			continue
		}
		if len(frame.Choices) == 0 {
			continue
		}

		delta := frame.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		r.appendDelta(assistantID, delta)
	}

	return nil
}

func (r *Runtime) appendDelta(assistantID, delta string) {
	r.mu.Lock()
	msg, sess := r.findMessageLocked(assistantID)
	if msg == nil {
		r.mu.Unlock()
		return
	}
	msg.Content += delta
	sess.UpdatedAt = time.Now()
	r.persistLocked()
	hook := r.OnDelta
	r.mu.Unlock()

	if hook != nil {
		hook(assistantID, delta)
	}
}

// finish closes out a generation cycle: the streaming flag is cleared, a
// failure that was not caused by caller cancellation leaves a notice in the
// assistant message, and the cycle returns to idle.
func (r *Runtime) finish(ctx context.Context, assistantID string, genErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancelled := ctx.Err() != nil || errors.Is(genErr, context.Canceled)
	if genErr != nil && !cancelled {
		r.phase = PhaseErrored
		r.logger.Error("Generation failed", slog.String(errLoggerKey, genErr.Error()))
	}

	if msg, sess := r.findMessageLocked(assistantID); msg != nil {
		if r.phase == PhaseErrored {
			msg.Content += failureNotice
		}
		msg.IsStreaming = false
		sess.UpdatedAt = time.Now()
	}

	r.phase = PhaseIdle
	r.persistLocked()
}

func (r *Runtime) setPhase(p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = p
}

// findMessageLocked locates a message by identifier across all sessions. The
// generation may outlive a session switch, so the search is not limited to the
// current session.
func (r *Runtime) findMessageLocked(messageID string) (*models.Message, *models.Session) {
	for _, sess := range r.sessions {
		for i := range sess.Messages {
			if sess.Messages[i].ID == messageID {
				return &sess.Messages[i], sess
			}
		}
	}
	return nil, nil
}

func (r *Runtime) persistLocked() {
	state := models.State{
		Sessions: make([]models.Session, len(r.sessions)),
		Settings: r.settings,
	}
	for i, s := range r.sessions {
		state.Sessions[i] = *s
	}

	if err := r.store.Save(context.Background(), state); err != nil {
		r.logger.Error("Failed to persist state", slog.String(errLoggerKey, err.Error()))
	}
}

func snapshotSession(s *models.Session) models.Session {
	snap := *s
	snap.Messages = slices.Clone(s.Messages)
	return snap
}

// promptWithAttachments folds attachment content into the submitted text as
// inline tagged blocks; attachments never travel as separate structured fields.
func promptWithAttachments(content string, attachments []models.Attachment) string {
	if len(attachments) == 0 {
		return content
	}

	blocks := make([]string, len(attachments))
	for i, att := range attachments {
		label := "Attached document"
		if strings.HasPrefix(att.MimeType, "image/") {
			label = "Attached image"
		}
		blocks[i] = fmt.Sprintf("[%s: %s]\n%s", label, att.Name, att.Content)
	}

	return content + "\n\n" + strings.Join(blocks, "\n\n")
}

// deriveTitle labels a session from its first submission.
func deriveTitle(content string) string {
	title := strings.TrimSpace(content)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if title == "" {
		return DefaultTitle
	}
	if runes := []rune(title); len(runes) > 40 {
		title = string(runes[:37]) + "..."
	}
	return title
}
