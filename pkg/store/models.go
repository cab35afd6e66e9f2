package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CallStatus is the persisted lifecycle status of a call
type CallStatus string

const (
	StatusRinging    CallStatus = "ringing"
	StatusAnswered   CallStatus = "answered"
	StatusInProgress CallStatus = "in_progress"
	StatusForwarded  CallStatus = "forwarded"
	StatusCompleted  CallStatus = "completed"
	StatusFailed     CallStatus = "failed"
)

// IsTerminal reports whether no further transitions are expected
func (s CallStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transcript roles
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
)

// CallRecord is an inbound call as created by the webhook layer
type CallRecord struct {
	ID            uuid.UUID  `json:"id"`
	WorkspaceID   uuid.UUID  `json:"workspace_id"`
	AgentID       *uuid.UUID `json:"agent_id,omitempty"`
	CallControlID string     `json:"call_control_id"`
	FromNumber    string     `json:"from_number"`
	ToNumber      string     `json:"to_number"`
	Status        CallStatus `json:"status"`

	// Forwarding destination for transfer_call; empty when none is configured
	ForwardTo string `json:"forward_to,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Agent is the AI receptionist configuration for a workspace
type Agent struct {
	ID              uuid.UUID `json:"id"`
	WorkspaceID     uuid.UUID `json:"workspace_id"`
	Name            string    `json:"name"`
	SystemPrompt    string    `json:"system_prompt"`
	VoiceID         string    `json:"voice_id"`
	Temperature     float64   `json:"temperature"`
	MaxTokens       int       `json:"max_tokens"`
	InitialGreeting string    `json:"initial_greeting"`
}

// KnowledgeBaseEntry is one FAQ answered by the agent
type KnowledgeBaseEntry struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Contact is a known caller matched by phone number
type Contact struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
}

// DisplayName joins the non-empty name parts
func (c *Contact) DisplayName() string {
	return strings.TrimSpace(strings.Join([]string{c.FirstName, c.LastName}, " "))
}

// TranscriptEntry is one finished utterance
type TranscriptEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// CallResult is written exactly once when a bridge stops
type CallResult struct {
	Status          CallStatus
	DurationSeconds int
	Transcript      []TranscriptEntry
	IsVoicemail     bool

	// Space-joined caller speech; empty unless voicemail mode was entered
	VoicemailTranscription string

	EndedAt time.Time
}
