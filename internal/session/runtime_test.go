package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jcalderon/glmchat/internal/models"
	"github.com/jcalderon/glmchat/internal/session"
)

type mockStore struct {
	mu    sync.Mutex
	saved bool
	last  models.State
	saves int
}

func (s *mockStore) Load(context.Context) (models.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.saved {
		return models.State{Sessions: []models.Session{}, Settings: models.DefaultSettings()}, nil
	}
	return s.last, nil
}

func (s *mockStore) Save(_ context.Context, state models.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = true
	s.last = state
	s.saves++
	return nil
}

func (s *mockStore) lastState() models.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type relayCapture struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Stream      bool    `json:"stream"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

func frame(content string) string {
	b, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}
	return `{"choices":[{"delta":{"content":` + string(b) + `},"index":0}]}`
}

// sseHandler replies to every request with the given frames followed by the
// stream sentinel, recording each decoded request body.
func sseHandler(requests *[]relayCapture, mu *sync.Mutex, responses ...[]string) http.HandlerFunc {
	var calls int
	return func(w http.ResponseWriter, r *http.Request) {
		var req relayCapture
		_ = json.NewDecoder(r.Body).Decode(&req)

		mu.Lock()
		*requests = append(*requests, req)
		frames := responses[min(calls, len(responses)-1)]
		calls++
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func newTestRuntime(t *testing.T, relayURL string, store *mockStore) *session.Runtime {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt, err := session.NewRuntime(relayURL, store, logger)
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	return rt
}

func TestSubmitAppendsMessagePair(t *testing.T) {
	var requests []relayCapture
	var mu sync.Mutex
	srv := httptest.NewServer(sseHandler(&requests, &mu, []string{frame("Hel"), frame("lo")}))
	defer srv.Close()

	store := &mockStore{}
	rt := newTestRuntime(t, srv.URL, store)
	rt.NewSession()

	if err := rt.Submit(context.Background(), "Hello there", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	cur, ok := rt.Current()
	if !ok {
		t.Fatal("no current session after submit")
	}
	if len(cur.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(cur.Messages))
	}
	if cur.Messages[0].Role != models.RoleUser || cur.Messages[0].Content != "Hello there" {
		t.Errorf("first message = %+v, want user %q", cur.Messages[0], "Hello there")
	}
	if cur.Messages[1].Role != models.RoleAssistant {
		t.Errorf("second message role = %q, want assistant", cur.Messages[1].Role)
	}
	if cur.Messages[1].Content != "Hello" {
		t.Errorf("assistant content = %q, want %q", cur.Messages[1].Content, "Hello")
	}
	if cur.Messages[1].IsStreaming {
		t.Error("assistant message still marked streaming after completion")
	}
	if rt.Generating() {
		t.Error("runtime still generating after submit returned")
	}
	if cur.Title != "Hello there" {
		t.Errorf("session title = %q, want %q", cur.Title, "Hello there")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 1 {
		t.Fatalf("relay got %d requests, want 1", len(requests))
	}
	req := requests[0]
	if !req.Stream {
		t.Error("relay request not marked streaming")
	}
	if req.Temperature != 0.7 || req.MaxTokens != 2048 {
		t.Errorf("relay request params = %g/%d, want defaults 0.7/2048", req.Temperature, req.MaxTokens)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "Hello there" {
		t.Errorf("relay request messages = %+v", req.Messages)
	}
}

func TestSubmitInitialShapeAndSingleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		close(entered)
		<-release
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	store := &mockStore{}
	rt := newTestRuntime(t, srv.URL, store)
	rt.NewSession()

	done := make(chan error, 1)
	go func() {
		done <- rt.Submit(context.Background(), "Hello", nil)
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("relay never reached")
	}

	cur, ok := rt.Current()
	if !ok {
		t.Fatal("no current session")
	}
	if len(cur.Messages) != 2 {
		t.Fatalf("got %d messages mid-generation, want 2", len(cur.Messages))
	}
	if cur.Messages[0].Role != models.RoleUser || cur.Messages[0].Content != "Hello" {
		t.Errorf("user message = %+v", cur.Messages[0])
	}
	if cur.Messages[1].Role != models.RoleAssistant || cur.Messages[1].Content != "" {
		t.Errorf("assistant placeholder = %+v", cur.Messages[1])
	}
	if !cur.Messages[1].IsStreaming {
		t.Error("assistant placeholder not marked streaming")
	}
	if !rt.Generating() {
		t.Error("runtime not marked generating mid-flight")
	}

	// A second submission while one is outstanding is rejected without touching
	// the session.
	if err := rt.Submit(context.Background(), "again", nil); !errors.Is(err, session.ErrGenerationInFlight) {
		t.Errorf("second Submit() error = %v, want ErrGenerationInFlight", err)
	}
	cur, _ = rt.Current()
	if len(cur.Messages) != 2 {
		t.Errorf("second submit changed message count to %d", len(cur.Messages))
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Submit never returned")
	}
	if rt.Generating() {
		t.Error("runtime still generating after stream end")
	}
}

func TestSubmitSkipsMalformedFrames(t *testing.T) {
	var requests []relayCapture
	var mu sync.Mutex
	srv := httptest.NewServer(sseHandler(&requests, &mu,
		[]string{frame("A"), "{definitely not json", frame("B")}))
	defer srv.Close()

	store := &mockStore{}
	rt := newTestRuntime(t, srv.URL, store)
	rt.NewSession()

	if err := rt.Submit(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	cur, _ := rt.Current()
	if got := cur.Messages[1].Content; got != "AB" {
		t.Errorf("assistant content = %q, want %q", got, "AB")
	}
}

func TestSubmitFailureNotice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":"upstream request failed"}`)
	}))
	defer srv.Close()

	store := &mockStore{}
	rt := newTestRuntime(t, srv.URL, store)
	rt.NewSession()

	// The failure is absorbed into the assistant message, not returned.
	if err := rt.Submit(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	cur, _ := rt.Current()
	if len(cur.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(cur.Messages))
	}
	if !strings.Contains(cur.Messages[1].Content, "Error generating the response") {
		t.Errorf("assistant content = %q, want a failure notice", cur.Messages[1].Content)
	}
	if cur.Messages[1].IsStreaming {
		t.Error("assistant message still marked streaming after failure")
	}
	if rt.Generating() {
		t.Error("runtime still generating after failure")
	}
}

func TestSubmitCancelSuppressesNotice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", frame("A"))
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	store := &mockStore{}
	rt := newTestRuntime(t, srv.URL, store)
	rt.NewSession()

	// The cancellation must land after the delta has been applied, so the
	// delta hook is the synchronization point.
	applied := make(chan struct{})
	rt.OnDelta = func(_, _ string) {
		close(applied)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- rt.Submit(ctx, "hi", nil)
	}()

	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatal("delta never arrived")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Submit never returned after cancel")
	}

	cur, _ := rt.Current()
	if got := cur.Messages[1].Content; got != "A" {
		t.Errorf("assistant content = %q, want %q (no notice on cancellation)", got, "A")
	}
	if cur.Messages[1].IsStreaming {
		t.Error("assistant message still marked streaming after cancel")
	}
	if rt.Generating() {
		t.Error("runtime still generating after cancel")
	}
}

func TestRetry(t *testing.T) {
	var requests []relayCapture
	var mu sync.Mutex
	srv := httptest.NewServer(sseHandler(&requests, &mu,
		[]string{frame("one")}, []string{frame("two")}, []string{frame("three")}))
	defer srv.Close()

	store := &mockStore{}
	rt := newTestRuntime(t, srv.URL, store)
	rt.NewSession()

	ctx := context.Background()
	if err := rt.Submit(ctx, "first", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := rt.Submit(ctx, "second", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	cur, _ := rt.Current()
	if len(cur.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(cur.Messages))
	}

	if err := rt.Retry(ctx, cur.Messages[3].ID); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	cur, _ = rt.Current()
	if len(cur.Messages) != 4 {
		t.Fatalf("got %d messages after retry, want 4", len(cur.Messages))
	}
	wantContents := []string{"first", "one", "second", "three"}
	for i, want := range wantContents {
		if got := cur.Messages[i].Content; got != want {
			t.Errorf("message %d content = %q, want %q", i, got, want)
		}
	}

	// The re-submission carries the history up to and including the re-sent
	// user message, nothing from the discarded tail.
	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 3 {
		t.Fatalf("relay got %d requests, want 3", len(requests))
	}
	retryReq := requests[2]
	if len(retryReq.Messages) != 3 {
		t.Fatalf("retry request carried %d messages, want 3", len(retryReq.Messages))
	}
	if retryReq.Messages[2].Content != "second" || retryReq.Messages[2].Role != "user" {
		t.Errorf("retry request last message = %+v", retryReq.Messages[2])
	}
}

func TestRetryInvalidTarget(t *testing.T) {
	var requests []relayCapture
	var mu sync.Mutex
	srv := httptest.NewServer(sseHandler(&requests, &mu, []string{frame("one")}))
	defer srv.Close()

	store := &mockStore{}
	rt := newTestRuntime(t, srv.URL, store)
	rt.NewSession()

	ctx := context.Background()
	if err := rt.Submit(ctx, "first", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	cur, _ := rt.Current()
	// A user message is not a retry target.
	if err := rt.Retry(ctx, cur.Messages[0].ID); !errors.Is(err, session.ErrMessageNotFound) {
		t.Errorf("Retry(user message) error = %v, want ErrMessageNotFound", err)
	}
	if err := rt.Retry(ctx, "no-such-id"); !errors.Is(err, session.ErrMessageNotFound) {
		t.Errorf("Retry(unknown id) error = %v, want ErrMessageNotFound", err)
	}
}

func TestDeleteSession(t *testing.T) {
	store := &mockStore{}
	rt := newTestRuntime(t, "http://localhost:0", store)

	first := rt.NewSession()
	second := rt.NewSession()

	// Deleting a non-current session leaves current unchanged.
	if err := rt.DeleteSession(first.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	cur, ok := rt.Current()
	if !ok || cur.ID != second.ID {
		t.Errorf("current = %+v, want session %s", cur, second.ID)
	}

	// Deleting the current session nulls current.
	if err := rt.DeleteSession(second.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, ok := rt.Current(); ok {
		t.Error("current session survived its own deletion")
	}
	if len(rt.Sessions()) != 0 {
		t.Errorf("got %d sessions, want 0", len(rt.Sessions()))
	}

	if err := rt.DeleteSession("no-such-id"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("DeleteSession(unknown) error = %v, want ErrSessionNotFound", err)
	}
}

func TestDeleteMessageAndClear(t *testing.T) {
	var requests []relayCapture
	var mu sync.Mutex
	srv := httptest.NewServer(sseHandler(&requests, &mu, []string{frame("reply")}))
	defer srv.Close()

	store := &mockStore{}
	rt := newTestRuntime(t, srv.URL, store)
	rt.NewSession()

	if err := rt.Submit(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	cur, _ := rt.Current()
	if err := rt.DeleteMessage(cur.Messages[0].ID); err != nil {
		t.Fatalf("DeleteMessage() error = %v", err)
	}
	cur, _ = rt.Current()
	if len(cur.Messages) != 1 || cur.Messages[0].Role != models.RoleAssistant {
		t.Errorf("messages after delete = %+v, want only the assistant reply", cur.Messages)
	}

	if err := rt.ClearMessages(); err != nil {
		t.Fatalf("ClearMessages() error = %v", err)
	}
	cur, ok := rt.Current()
	if !ok {
		t.Fatal("clear removed the session itself")
	}
	if len(cur.Messages) != 0 {
		t.Errorf("got %d messages after clear, want 0", len(cur.Messages))
	}
	if len(rt.Sessions()) != 1 {
		t.Errorf("got %d sessions after clear, want 1", len(rt.Sessions()))
	}
}

func TestUpdateSettings(t *testing.T) {
	store := &mockStore{}
	rt := newTestRuntime(t, "http://localhost:0", store)

	tests := []struct {
		name     string
		settings models.Settings
		wantErr  bool
	}{
		{"Valid", models.Settings{Temperature: 1.0, MaxTokens: 512}, false},
		{"Temperature too high", models.Settings{Temperature: 2.5, MaxTokens: 512}, true},
		{"Temperature negative", models.Settings{Temperature: -0.1, MaxTokens: 512}, true},
		{"MaxTokens too low", models.Settings{Temperature: 1.0, MaxTokens: 100}, true},
		{"MaxTokens too high", models.Settings{Temperature: 1.0, MaxTokens: 8192}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rt.UpdateSettings(tt.settings)
			if (err != nil) != tt.wantErr {
				t.Errorf("UpdateSettings(%+v) error = %v, wantErr %v", tt.settings, err, tt.wantErr)
			}
		})
	}

	got := rt.Settings()
	if got.Temperature != 1.0 || got.MaxTokens != 512 {
		t.Errorf("settings = %+v, want the last valid update", got)
	}
	if state := store.lastState(); state.Settings != got {
		t.Errorf("persisted settings = %+v, want %+v", state.Settings, got)
	}
}

func TestNoCurrentSession(t *testing.T) {
	store := &mockStore{}
	rt := newTestRuntime(t, "http://localhost:0", store)

	if err := rt.Submit(context.Background(), "hi", nil); !errors.Is(err, session.ErrNoCurrentSession) {
		t.Errorf("Submit() error = %v, want ErrNoCurrentSession", err)
	}
	if err := rt.ClearMessages(); !errors.Is(err, session.ErrNoCurrentSession) {
		t.Errorf("ClearMessages() error = %v, want ErrNoCurrentSession", err)
	}
	if err := rt.DeleteMessage("id"); !errors.Is(err, session.ErrNoCurrentSession) {
		t.Errorf("DeleteMessage() error = %v, want ErrNoCurrentSession", err)
	}
}

func TestAttachmentsInlined(t *testing.T) {
	var requests []relayCapture
	var mu sync.Mutex
	srv := httptest.NewServer(sseHandler(&requests, &mu, []string{frame("ok")}))
	defer srv.Close()

	store := &mockStore{}
	rt := newTestRuntime(t, srv.URL, store)
	rt.NewSession()

	attachments := []models.Attachment{
		{Name: "pic.png", MimeType: "image/png", Content: "base64stuff"},
		{Name: "notes.txt", MimeType: "text/plain", Content: "some notes"},
	}
	if err := rt.Submit(context.Background(), "look at this", attachments); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	mu.Lock()
	sent := requests[0].Messages[0].Content
	mu.Unlock()

	if !strings.Contains(sent, "[Attached image: pic.png]\nbase64stuff") {
		t.Errorf("request content missing image block: %q", sent)
	}
	if !strings.Contains(sent, "[Attached document: notes.txt]\nsome notes") {
		t.Errorf("request content missing document block: %q", sent)
	}

	// The stored user message keeps the bare content.
	cur, _ := rt.Current()
	if got := cur.Messages[0].Content; got != "look at this" {
		t.Errorf("stored user message = %q, want %q", got, "look at this")
	}
}

func TestReloadResetsCurrentAndKeepsState(t *testing.T) {
	var requests []relayCapture
	var mu sync.Mutex
	srv := httptest.NewServer(sseHandler(&requests, &mu, []string{frame("reply")}))
	defer srv.Close()

	store := &mockStore{}
	rt := newTestRuntime(t, srv.URL, store)
	rt.NewSession()
	if err := rt.Submit(context.Background(), "remember me", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := rt.UpdateSettings(models.Settings{Temperature: 0.2, MaxTokens: 1024}); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}

	reloaded := newTestRuntime(t, srv.URL, store)

	if _, ok := reloaded.Current(); ok {
		t.Error("current session survived reload")
	}
	sessions := reloaded.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions after reload, want 1", len(sessions))
	}
	if len(sessions[0].Messages) != 2 {
		t.Fatalf("got %d messages after reload, want 2", len(sessions[0].Messages))
	}
	if got := sessions[0].Messages[1].Content; got != "reply" {
		t.Errorf("reloaded assistant content = %q, want %q", got, "reply")
	}
	if got := reloaded.Settings(); got.Temperature != 0.2 || got.MaxTokens != 1024 {
		t.Errorf("reloaded settings = %+v", got)
	}
}
