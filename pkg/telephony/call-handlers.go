package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/birddigital/receptionist-bridge/pkg/callcontrol"
	"github.com/birddigital/receptionist-bridge/pkg/store"
)

// ErrStartTimeout is returned when a media stream never sends its start event
var ErrStartTimeout = errors.New("timed out waiting for media stream start")

const (
	lookupTimeout = 5 * time.Second
	closeTimeout  = time.Second
)

// Carrier call events handled by the webhook
const (
	CallEventInitiated = "call.initiated"
	CallEventAnswered  = "call.answered"
	CallEventHangup    = "call.hangup"
)

// CallLookup resolves carrier call IDs to call records
type CallLookup interface {
	GetCallByControlID(ctx context.Context, callControlID string) (*store.CallRecord, error)
	UpdateStatusByControlID(ctx context.Context, callControlID string, status store.CallStatus) error
}

// BridgeStore is everything the handlers and their bridges persist through
type BridgeStore interface {
	CallStore
	CallLookup
}

// CallControlClient is the carrier API used by handlers and bridges
type CallControlClient interface {
	CallController
	Answer(ctx context.Context, callControlID string, opts callcontrol.AnswerOptions) error
}

// CallHandlersConfig tunes the HTTP layer
type CallHandlersConfig struct {
	Bridge       BridgeConfig
	StartTimeout time.Duration

	// When set, call.initiated events are answered with a media stream to
	// this URL
	StreamURL string
}

// CallHandlers serves the media stream endpoint and carrier webhooks
type CallHandlers struct {
	registry *ActiveCallRegistry
	store    BridgeStore
	control  CallControlClient
	dialer   RealtimeDialer
	cfg      CallHandlersConfig
	root     *zap.SugaredLogger
	log      *zap.SugaredLogger
}

// NewCallHandlers creates the HTTP handlers
func NewCallHandlers(registry *ActiveCallRegistry, callStore BridgeStore, control CallControlClient, dialer RealtimeDialer, cfg CallHandlersConfig, log *zap.SugaredLogger) *CallHandlers {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}

	return &CallHandlers{
		registry: registry,
		store:    callStore,
		control:  control,
		dialer:   dialer,
		cfg:      cfg,
		root:     log,
		log:      log.Named("handlers"),
	}
}

// ============================================
// MEDIA STREAM ENDPOINT
// ============================================

// HandleCallStream upgrades a carrier media stream, correlates it with a
// call through its start event and runs a bridge for the life of the call
func (h *CallHandlers) HandleCallStream(w http.ResponseWriter, r *http.Request) {
	conn, err := mediaStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("[CallHandlers] WebSocket upgrade failed: %v", err)
		return
	}

	start, err := awaitStreamStart(conn, h.cfg.StartTimeout)
	if err != nil {
		h.log.Warnf("[CallHandlers] Abandoning media stream from %s: %v", r.RemoteAddr, err)
		closeWithReason(conn, websocket.ClosePolicyViolation, "start event required")
		return
	}

	h.log.Infof("[CallHandlers] Media stream started for call: %s (stream: %s)", start.CallControlID, start.StreamID)

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	record, err := h.store.GetCallByControlID(ctx, start.CallControlID)
	cancel()
	if err != nil {
		h.log.Warnf("[CallHandlers] No call record for %s: %v", start.CallControlID, err)
		closeWithReason(conn, websocket.CloseNormalClosure, "unknown call")
		return
	}
	if record.AgentID == nil {
		h.log.Warnf("[CallHandlers] Call %s has no agent assigned", start.CallControlID)
		closeWithReason(conn, websocket.CloseNormalClosure, "no agent assigned")
		return
	}

	bridge, err := NewCallBridge(record, start, conn, BridgeDeps{
		Store:    h.store,
		Control:  h.control,
		Dialer:   h.dialer,
		Registry: h.registry,
		Logger:   h.root,
		Config:   h.cfg.Bridge,
	})
	if err != nil {
		h.log.Errorf("[CallHandlers] Failed to create bridge: %v", err)
		closeWithReason(conn, websocket.CloseInternalServerErr, "bridge unavailable")
		return
	}

	if previous := h.registry.Put(start.CallControlID, bridge); previous != nil {
		previous.Supersede()
	}

	bridge.Run()
}

// awaitStreamStart reads frames until the start event arrives or the
// timeout elapses
func awaitStreamStart(conn *websocket.Conn, timeout time.Duration) (StreamStarted, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return StreamStarted{}, ErrStartTimeout
			}
			return StreamStarted{}, fmt.Errorf("media stream closed before start: %w", err)
		}

		event, err := ParseStreamMessage(data)
		if err != nil {
			continue
		}
		if started, ok := event.(StreamStarted); ok {
			return started, nil
		}
	}
}

func closeWithReason(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(closeTimeout),
	)
	conn.Close()
}

// ============================================
// CARRIER WEBHOOKS
// ============================================

type callEventEnvelope struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			From          string `json:"from"`
			To            string `json:"to"`
			HangupCause   string `json:"hangup_cause"`
		} `json:"payload"`
	} `json:"data"`
}

// HandleCallEvents receives carrier call lifecycle events. The carrier only
// needs an acknowledgement, so every POST is answered 200.
func (h *CallHandlers) HandleCallEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var event callEventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.log.Warnf("[CallHandlers] Malformed call event: %v", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	callControlID := event.Data.Payload.CallControlID
	if callControlID == "" {
		h.log.Warnf("[CallHandlers] Call event %s without call_control_id", event.Data.EventType)
		w.WriteHeader(http.StatusOK)
		return
	}

	h.log.Infof("[CallHandlers] Call event: %s (%s)", event.Data.EventType, callControlID)

	switch event.Data.EventType {
	case CallEventInitiated:
		h.answerCall(callControlID)

	case CallEventAnswered:
		h.updateStatus(callControlID, store.StatusAnswered)

	case CallEventHangup:
		if bridge := h.registry.Get(callControlID); bridge != nil {
			go bridge.Stop(fmt.Sprintf("call hung up (%s)", event.Data.Payload.HangupCause))
		}

	default:
		h.log.Debugf("[CallHandlers] Ignoring call event: %s", event.Data.EventType)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *CallHandlers) answerCall(callControlID string) {
	h.updateStatus(callControlID, store.StatusRinging)

	if h.cfg.StreamURL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	err := h.control.Answer(ctx, callControlID, callcontrol.AnswerOptions{
		StreamURL:   h.cfg.StreamURL,
		StreamTrack: "inbound_track",
	})
	if err != nil {
		h.log.Errorf("[CallHandlers] Failed to answer call %s: %v", callControlID, err)
	}
}

func (h *CallHandlers) updateStatus(callControlID string, status store.CallStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	if err := h.store.UpdateStatusByControlID(ctx, callControlID, status); err != nil {
		h.log.Warnf("[CallHandlers] Failed to set status %s for %s: %v", status, callControlID, err)
	}
}

// ============================================
// STATUS ENDPOINTS
// ============================================

type activeCallsResponse struct {
	Count int            `json:"count"`
	Calls []BridgeStatus `json:"calls"`
}

// HandleActiveCalls lists live bridges, oldest first
func (h *CallHandlers) HandleActiveCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	bridges := h.registry.Snapshot()
	calls := make([]BridgeStatus, 0, len(bridges))
	for _, bridge := range bridges {
		calls = append(calls, bridge.Status())
	}
	sort.Slice(calls, func(i, j int) bool {
		return calls[i].StartedAt.Before(calls[j].StartedAt)
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(activeCallsResponse{Count: len(calls), Calls: calls}); err != nil {
		h.log.Warnf("[CallHandlers] Failed to encode active calls: %v", err)
	}
}

// HandleHealth is the liveness check
func (h *CallHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ============================================
// ROUTE REGISTRATION
// ============================================

// RegisterRoutes registers all call handler routes
func (h *CallHandlers) RegisterRoutes(mux *http.ServeMux) {
	// Carrier media stream (WebSocket)
	mux.HandleFunc("/api/telephony/calls/stream", h.HandleCallStream)

	// Carrier webhooks
	mux.HandleFunc("/api/telephony/calls/events", h.HandleCallEvents)

	// Status endpoints
	mux.HandleFunc("/api/telephony/calls/active", h.HandleActiveCalls)
	mux.HandleFunc("/healthz", h.HandleHealth)

	h.log.Infof("[CallHandlers] Registered call handler routes")
}
