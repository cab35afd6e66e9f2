package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// ============================================
// TELEPHONY MEDIA STREAM PROTOCOL
// JSON text frames exchanged with the carrier's media stream
// ============================================

var mediaStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Carrier media servers do not send a browser origin
		return true
	},
}

// Media stream event names
const (
	StreamEventConnected = "connected"
	StreamEventStart     = "start"
	StreamEventMedia     = "media"
	StreamEventStop      = "stop"
	StreamEventClear     = "clear"
)

// mediaStreamMessage is the wire envelope for both directions
type mediaStreamMessage struct {
	Event          string              `json:"event"`
	SequenceNumber string              `json:"sequence_number,omitempty"`
	StreamID       string              `json:"stream_id,omitempty"`
	Start          *mediaStreamStart   `json:"start,omitempty"`
	Media          *mediaStreamPayload `json:"media,omitempty"`
	Stop           *mediaStreamStop    `json:"stop,omitempty"`
}

type mediaStreamStart struct {
	CallControlID string             `json:"call_control_id"`
	CallSessionID string             `json:"call_session_id,omitempty"`
	From          string             `json:"from,omitempty"`
	To            string             `json:"to,omitempty"`
	MediaFormat   *mediaStreamFormat `json:"media_format,omitempty"`
}

type mediaStreamFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type mediaStreamPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type mediaStreamStop struct {
	CallControlID string `json:"call_control_id,omitempty"`
}

// StreamEvent is a decoded inbound media stream message. The concrete type
// is one of StreamConnected, StreamStarted, StreamMedia, StreamStopped or
// StreamUnknown.
type StreamEvent interface {
	streamEvent()
}

// StreamConnected is sent once when the carrier opens the socket
type StreamConnected struct{}

// StreamStarted carries the identifiers needed to correlate the stream
// with a call record
type StreamStarted struct {
	StreamID      string
	CallControlID string
	From          string
	To            string
	Encoding      string
	SampleRate    int
}

// StreamMedia carries one frame of caller audio (mulaw 8kHz)
type StreamMedia struct {
	Track   string
	Payload []byte
}

// StreamStopped signals that the carrier has ended the stream
type StreamStopped struct{}

// StreamUnknown is any event this bridge does not act on
type StreamUnknown struct {
	Event string
}

func (StreamConnected) streamEvent() {}
func (StreamStarted) streamEvent()   {}
func (StreamMedia) streamEvent()     {}
func (StreamStopped) streamEvent()   {}
func (StreamUnknown) streamEvent()   {}

// ParseStreamMessage decodes one inbound media stream frame
func ParseStreamMessage(data []byte) (StreamEvent, error) {
	var msg mediaStreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	switch msg.Event {
	case StreamEventConnected:
		return StreamConnected{}, nil

	case StreamEventStart:
		if msg.Start == nil || msg.Start.CallControlID == "" {
			return nil, fmt.Errorf("start event missing call_control_id")
		}
		started := StreamStarted{
			StreamID:      msg.StreamID,
			CallControlID: msg.Start.CallControlID,
			From:          msg.Start.From,
			To:            msg.Start.To,
		}
		if msg.Start.MediaFormat != nil {
			started.Encoding = msg.Start.MediaFormat.Encoding
			started.SampleRate = msg.Start.MediaFormat.SampleRate
		}
		return started, nil

	case StreamEventMedia:
		if msg.Media == nil {
			return nil, fmt.Errorf("media event missing payload")
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode audio payload: %w", err)
		}
		return StreamMedia{Track: msg.Media.Track, Payload: audio}, nil

	case StreamEventStop:
		return StreamStopped{}, nil

	case "":
		return nil, fmt.Errorf("message missing event type")

	default:
		return StreamUnknown{Event: msg.Event}, nil
	}
}

// newOutboundMedia builds a frame playing mulaw audio to the caller
func newOutboundMedia(streamID string, mulaw []byte) mediaStreamMessage {
	return mediaStreamMessage{
		Event:    StreamEventMedia,
		StreamID: streamID,
		Media: &mediaStreamPayload{
			Payload: base64.StdEncoding.EncodeToString(mulaw),
		},
	}
}

// newClearMessage builds a frame discarding audio the carrier has queued
func newClearMessage(streamID string) mediaStreamMessage {
	return mediaStreamMessage{
		Event:    StreamEventClear,
		StreamID: streamID,
	}
}
