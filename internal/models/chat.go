package models

import (
	"fmt"
	"time"
)

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message written by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by a generation.
	RoleAssistant Role = "assistant"
)

// Message represents an individual turn within a session. It contains the core
// components of a chat message including its unique identifier, the participant's
// role, the text content, and the precise time when the message was created.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// IsStreaming marks the single message a generation is currently appending to.
	// It is a runtime signal only and is never persisted.
	IsStreaming bool `json:"-"`
}

// Session represents one conversation: an ordered list of messages plus display
// metadata. Message order is conversation order.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Settings holds the process-wide generation parameters. They apply to every
// session; there is no per-session override.
type Settings struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`

	// ThinkingMode is advisory and reserved; it does not alter the request shape yet.
	ThinkingMode bool `json:"thinkingMode"`
}

// Bounds accepted by Settings.Validate.
const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
	MinMaxTokens   = 256
	MaxMaxTokens   = 4096
)

// DefaultSettings returns the settings used before the user ever touches them.
func DefaultSettings() Settings {
	return Settings{
		Temperature: 0.7,
		MaxTokens:   2048,
	}
}

// Validate checks the settings against the accepted parameter ranges.
func (s Settings) Validate() error {
	if s.Temperature < MinTemperature || s.Temperature > MaxTemperature {
		return fmt.Errorf("temperature %g is out of range [%g, %g]", s.Temperature, MinTemperature, MaxTemperature)
	}
	if s.MaxTokens < MinMaxTokens || s.MaxTokens > MaxMaxTokens {
		return fmt.Errorf("maxTokens %d is out of range [%d, %d]", s.MaxTokens, MinMaxTokens, MaxMaxTokens)
	}
	return nil
}

// Attachment is a file the user attached to a submission. Its decoded content is
// folded into the submitted text as an inline tagged block; attachments are never
// sent as separate structured fields.
type Attachment struct {
	Name     string
	MimeType string
	Content  string
}

// State is the whole-state snapshot written to persistent storage after every
// mutating operation. The current-session pointer and all transient streaming
// flags are deliberately excluded, so both reset on reload.
type State struct {
	Sessions []Session `json:"sessions"`
	Settings Settings  `json:"settings"`
}
