package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/birddigital/receptionist-bridge/pkg/store"
)

// ============================================
// REALTIME AI SESSION PROTOCOL
// JSON events exchanged with the speech-to-speech model
// ============================================

// Inbound realtime event types
const (
	RealtimeSessionCreated        = "session.created"
	RealtimeSessionUpdated        = "session.updated"
	RealtimeAudioDelta            = "response.output_audio.delta"
	RealtimeAudioDeltaLegacy      = "response.audio.delta"
	RealtimeAudioTranscriptDone   = "response.output_audio_transcript.done"
	RealtimeAudioTranscriptLegacy = "response.audio_transcript.done"
	RealtimeInputTranscribed      = "conversation.item.input_audio_transcription.completed"
	RealtimeFunctionCallDone      = "response.function_call_arguments.done"
	RealtimeSpeechStarted         = "input_audio_buffer.speech_started"
	RealtimeError                 = "error"
)

// Tool names the model may call
const (
	ToolTakeVoicemail = "take_voicemail"
	ToolTransferCall  = "transfer_call"
	ToolEndCall       = "end_call"
)

// Session defaults applied when the agent leaves a field unset
const (
	DefaultVoice           = "alloy"
	DefaultTemperature     = 0.8
	DefaultTranscribeModel = "whisper-1"
)

// ErrMissingAPIKey is returned when the realtime dialer has no credentials
var ErrMissingAPIKey = errors.New("realtime API key not configured")

// realtimeMessage is the inbound envelope; fields are populated per type
type realtimeMessage struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Name       string          `json:"name,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Arguments  string          `json:"arguments,omitempty"`
	Error      *realtimeError  `json:"error,omitempty"`
	Session    json.RawMessage `json:"session,omitempty"`
}

type realtimeError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RealtimeEvent is a decoded inbound realtime message. The concrete type is
// one of SessionReady, AgentAudio, AgentTranscript, CallerTranscript,
// FunctionCall, SpeechStarted, RealtimeFailure or RealtimeIgnored.
type RealtimeEvent interface {
	realtimeEvent()
}

// SessionReady marks the AI leg as able to accept audio
type SessionReady struct {
	Type string
}

// AgentAudio is one delta of model speech (PCM16 24kHz)
type AgentAudio struct {
	Audio []byte
}

// AgentTranscript is the final transcript of one model utterance
type AgentTranscript struct {
	Transcript string
}

// CallerTranscript is the final transcript of one caller utterance
type CallerTranscript struct {
	Transcript string
}

// FunctionCall is a completed tool invocation by the model
type FunctionCall struct {
	Name      string
	CallID    string
	Arguments string
}

// SpeechStarted reports the caller starting to talk over the agent
type SpeechStarted struct{}

// RealtimeFailure is an error event reported by the provider
type RealtimeFailure struct {
	Type    string
	Code    string
	Message string
}

// RealtimeIgnored is any event the bridge does not act on
type RealtimeIgnored struct {
	Type string
}

func (SessionReady) realtimeEvent()     {}
func (AgentAudio) realtimeEvent()       {}
func (AgentTranscript) realtimeEvent()  {}
func (CallerTranscript) realtimeEvent() {}
func (FunctionCall) realtimeEvent()     {}
func (SpeechStarted) realtimeEvent()    {}
func (RealtimeFailure) realtimeEvent()  {}
func (RealtimeIgnored) realtimeEvent()  {}

// ParseRealtimeMessage decodes one inbound realtime frame
func ParseRealtimeMessage(data []byte) (RealtimeEvent, error) {
	var msg realtimeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse realtime message: %w", err)
	}

	switch msg.Type {
	case RealtimeSessionCreated, RealtimeSessionUpdated:
		return SessionReady{Type: msg.Type}, nil

	case RealtimeAudioDelta, RealtimeAudioDeltaLegacy:
		audio, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return nil, fmt.Errorf("failed to decode audio delta: %w", err)
		}
		return AgentAudio{Audio: audio}, nil

	case RealtimeAudioTranscriptDone, RealtimeAudioTranscriptLegacy:
		return AgentTranscript{Transcript: msg.Transcript}, nil

	case RealtimeInputTranscribed:
		return CallerTranscript{Transcript: msg.Transcript}, nil

	case RealtimeFunctionCallDone:
		if msg.Name == "" {
			return nil, fmt.Errorf("function call event missing name")
		}
		return FunctionCall{Name: msg.Name, CallID: msg.CallID, Arguments: msg.Arguments}, nil

	case RealtimeSpeechStarted:
		return SpeechStarted{}, nil

	case RealtimeError:
		failure := RealtimeFailure{Type: msg.Type}
		if msg.Error != nil {
			failure.Type = msg.Error.Type
			failure.Code = msg.Error.Code
			failure.Message = msg.Error.Message
		}
		return failure, nil

	case "":
		return nil, fmt.Errorf("message missing type")

	default:
		return RealtimeIgnored{Type: msg.Type}, nil
	}
}

// ============================================
// OUTBOUND MESSAGES
// ============================================

// SessionUpdate configures the model for one call
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// SessionConfig is the body of a session.update event
type SessionConfig struct {
	Modalities              []string                 `json:"modalities"`
	Instructions            string                   `json:"instructions"`
	Voice                   string                   `json:"voice"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           TurnDetection            `json:"turn_detection"`
	Temperature             float64                  `json:"temperature"`
	MaxResponseOutputTokens interface{}              `json:"max_response_output_tokens"`
	Tools                   []Tool                   `json:"tools"`
	ToolChoice              string                   `json:"tool_choice"`
}

// InputAudioTranscription enables caller-side transcripts
type InputAudioTranscription struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// Tool is a function the model may call
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

// ToolParameters is the JSON schema of a tool's arguments
type ToolParameters struct {
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
	Required   []string               `json:"required"`
}

type audioAppendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type conversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []itemContent `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreateMessage struct {
	Type string `json:"type"`
}

// receptionistTools lists the call-control functions offered to the model
var receptionistTools = []Tool{
	newTool(ToolTakeVoicemail, "Switch the call to voicemail mode when the caller wants to leave a message or the requested person is unavailable."),
	newTool(ToolTransferCall, "Transfer the caller to a human when they ask to speak with a person or the request cannot be handled."),
	newTool(ToolEndCall, "End the call after saying goodbye, once the caller's request is complete."),
}

func newTool(name, description string) Tool {
	return Tool{
		Type:        "function",
		Name:        name,
		Description: description,
		Parameters: ToolParameters{
			Type:       "object",
			Properties: map[string]interface{}{},
			Required:   []string{},
		},
	}
}

// NewSessionUpdate builds the session.update sent once the AI leg connects
func NewSessionUpdate(agent *store.Agent, faqs []store.KnowledgeBaseEntry, contact *store.Contact) SessionUpdate {
	voice := agent.VoiceID
	if voice == "" {
		voice = DefaultVoice
	}
	temperature := agent.Temperature
	if temperature <= 0 {
		temperature = DefaultTemperature
	}
	var maxTokens interface{} = "inf"
	if agent.MaxTokens > 0 {
		maxTokens = agent.MaxTokens
	}

	return SessionUpdate{
		Type: "session.update",
		Session: SessionConfig{
			Modalities:              []string{"text", "audio"},
			Instructions:            BuildInstructions(agent, faqs, contact),
			Voice:                   voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &InputAudioTranscription{Model: DefaultTranscribeModel},
			TurnDetection: TurnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 500,
			},
			Temperature:             temperature,
			MaxResponseOutputTokens: maxTokens,
			Tools:                   receptionistTools,
			ToolChoice:              "auto",
		},
	}
}

// BuildInstructions assembles the system prompt with caller context and FAQs
func BuildInstructions(agent *store.Agent, faqs []store.KnowledgeBaseEntry, contact *store.Contact) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(agent.SystemPrompt))

	if contact != nil {
		if name := contact.DisplayName(); name != "" {
			b.WriteString("\n\nCaller information:\n")
			fmt.Fprintf(&b, "- Name: %s\n", name)
			if contact.Company != "" {
				fmt.Fprintf(&b, "- Company: %s\n", contact.Company)
			}
			b.WriteString("Greet the caller by name when appropriate.")
		}
	}

	if len(faqs) > 0 {
		b.WriteString("\n\nFrequently asked questions:\n")
		for _, faq := range faqs {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", strings.TrimSpace(faq.Question), strings.TrimSpace(faq.Answer))
		}
	}

	b.WriteString("\n\nCall handling:\n")
	fmt.Fprintf(&b, "- Call %s when the caller wants to leave a message.\n", ToolTakeVoicemail)
	fmt.Fprintf(&b, "- Call %s when the caller asks for a person.\n", ToolTransferCall)
	fmt.Fprintf(&b, "- Call %s after saying goodbye.", ToolEndCall)

	return strings.TrimSpace(b.String())
}

func newAudioAppend(pcm []byte) audioAppendMessage {
	return audioAppendMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
}

// newGreetingItem injects a user turn asking the model to open the call
func newGreetingItem(greeting string) conversationItemMessage {
	return conversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []itemContent{{
				Type: "input_text",
				Text: fmt.Sprintf("The caller has just connected. Greet them by saying: %q", greeting),
			}},
		},
	}
}

func newFunctionOutput(callID string, output interface{}) (conversationItemMessage, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return conversationItemMessage{}, fmt.Errorf("failed to marshal function output: %w", err)
	}
	return conversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(data),
		},
	}, nil
}

func newResponseCreate() responseCreateMessage {
	return responseCreateMessage{Type: "response.create"}
}

// ============================================
// REALTIME DIALER
// ============================================

// RealtimeDialer opens the AI leg of a call
type RealtimeDialer interface {
	Dial(ctx context.Context) (*websocket.Conn, error)
}

// WebsocketRealtimeDialer dials the provider's realtime endpoint with a
// bearer token
type WebsocketRealtimeDialer struct {
	URL         string
	Model       string
	APIKey      string
	DialTimeout time.Duration
}

// Dial connects to the realtime endpoint
func (d *WebsocketRealtimeDialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	if d.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	endpoint, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	if d.Model != "" {
		query := endpoint.Query()
		query.Set("model", d.Model)
		endpoint.RawQuery = query.Encode()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.DialTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial failed (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial failed: %w", err)
	}
	return conn, nil
}
