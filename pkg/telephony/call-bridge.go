package telephony

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/birddigital/receptionist-bridge/pkg/store"
)

// ============================================
// CALL BRIDGE
// Owns one phone call from stream start to hangup
// ============================================

// CallStore is the persistence a bridge reads at startup and writes at teardown
type CallStore interface {
	GetAgent(ctx context.Context, agentID uuid.UUID) (*store.Agent, error)
	ListKnowledgeBase(ctx context.Context, workspaceID uuid.UUID) ([]store.KnowledgeBaseEntry, error)
	MatchContact(ctx context.Context, workspaceID uuid.UUID, phoneNumber string) (*store.Contact, error)
	UpdateCallStatus(ctx context.Context, callID uuid.UUID, status store.CallStatus) error
	MarkVoicemail(ctx context.Context, callID uuid.UUID) error
	FailCall(ctx context.Context, callID uuid.UUID, reason string) error
	CompleteCall(ctx context.Context, callID uuid.UUID, result store.CallResult) error
}

// CallController issues carrier actions on a live call
type CallController interface {
	Hangup(ctx context.Context, callControlID string) error
	Transfer(ctx context.Context, callControlID, to string) error
}

type callRemover interface {
	Remove(callControlID string, bridge *CallBridge) bool
}

// BridgeState is the lifecycle state of a CallBridge
type BridgeState int32

const (
	BridgeInitializing BridgeState = iota
	BridgeBridging
	BridgeStopped
)

func (s BridgeState) String() string {
	switch s {
	case BridgeInitializing:
		return "initializing"
	case BridgeBridging:
		return "bridging"
	case BridgeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// BridgeConfig tunes per-call timing
type BridgeConfig struct {
	GreetingDelay        time.Duration
	EndCallGrace         time.Duration
	MinChunkBytes        int
	StartupTimeout       time.Duration
	PersistTimeout       time.Duration
	TelephonyReadTimeout time.Duration
}

// DefaultBridgeConfig returns production timings
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		GreetingDelay:        300 * time.Millisecond,
		EndCallGrace:         3 * time.Second,
		MinChunkBytes:        DefaultMinChunkBytes,
		StartupTimeout:       15 * time.Second,
		PersistTimeout:       10 * time.Second,
		TelephonyReadTimeout: 60 * time.Second,
	}
}

// BridgeDeps are the collaborators shared by every bridge
type BridgeDeps struct {
	Store    CallStore
	Control  CallController
	Dialer   RealtimeDialer
	Registry callRemover
	Logger   *zap.SugaredLogger
	Config   BridgeConfig
}

var errBridgeStopped = errors.New("bridge stopped during startup")

var phoneValidator = validator.New()

// functionResult is returned to the model as a function_call_output
type functionResult struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Destination string `json:"destination,omitempty"`
}

// CallBridge relays audio between the carrier media stream and the realtime
// AI session for one call and executes the model's call-control functions
type CallBridge struct {
	// Identifiers
	ID            string
	CallID        uuid.UUID
	WorkspaceID   uuid.UUID
	AgentID       uuid.UUID
	CallControlID string
	FromNumber    string
	ToNumber      string
	ForwardTo     string
	StartedAt     time.Time

	cfg      BridgeConfig
	store    CallStore
	control  CallController
	dialer   RealtimeDialer
	registry callRemover
	log      *zap.SugaredLogger

	telephony *websocketPeer
	filter    *DownsampleFilter // realtime reader goroutine only
	outbound  *ChunkAccumulator
	metrics   *BridgeMetrics

	mu           sync.Mutex
	realtime     *websocketPeer
	handshake    *HandshakeCoordinator
	streamID     string
	transcript   []store.TranscriptEntry
	endCallTimer *time.Timer

	// pending tracks background store writes; teardown waits for them so
	// the final status is always the last write.
	pending sync.WaitGroup

	state      atomic.Int32
	stopped    atomic.Bool
	voicemail  atomic.Bool
	superseded atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCallBridge creates a bridge for a correlated media stream. The
// telephony connection is owned by the bridge from here on.
func NewCallBridge(record *store.CallRecord, start StreamStarted, conn *websocket.Conn, deps BridgeDeps) (*CallBridge, error) {
	if record == nil || record.AgentID == nil {
		return nil, fmt.Errorf("call record has no agent assigned")
	}

	cfg := deps.Config
	defaults := DefaultBridgeConfig()
	if cfg.MinChunkBytes <= 0 {
		cfg.MinChunkBytes = defaults.MinChunkBytes
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaults.StartupTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaults.PersistTimeout
	}

	log := deps.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &CallBridge{
		ID:            uuid.NewString(),
		CallID:        record.ID,
		WorkspaceID:   record.WorkspaceID,
		AgentID:       *record.AgentID,
		CallControlID: start.CallControlID,
		FromNumber:    record.FromNumber,
		ToNumber:      record.ToNumber,
		ForwardTo:     record.ForwardTo,
		StartedAt:     time.Now(),
		cfg:           cfg,
		store:         deps.Store,
		control:       deps.Control,
		dialer:        deps.Dialer,
		registry:      deps.Registry,
		log: log.Named("bridge").With(
			"call_control_id", start.CallControlID,
			"call_id", record.ID.String(),
		),
		telephony: newWebsocketPeer("telephony", conn, cfg.TelephonyReadTimeout),
		filter:    NewDownsampleFilter(),
		outbound:  NewChunkAccumulator(cfg.MinChunkBytes),
		metrics:   &BridgeMetrics{},
		streamID:  start.StreamID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	b.state.Store(int32(BridgeInitializing))
	return b, nil
}

// Run drives the bridge until the call ends. It blocks reading the
// telephony leg; teardown has run or is running when it returns.
func (b *CallBridge) Run() {
	if err := b.initialize(); err != nil {
		if errors.Is(err, errBridgeStopped) {
			return
		}
		b.fail(err)
		return
	}

	if !b.state.CompareAndSwap(int32(BridgeInitializing), int32(BridgeBridging)) {
		return
	}
	b.log.Infof("[CallBridge] Bridging call from %s", b.FromNumber)

	rt := b.realtimePeer()
	go b.pumpRealtime(rt)

	reason := b.pumpTelephony(rt)
	b.Stop(reason)
}

// Done is closed once teardown (or the failure path) has finished
func (b *CallBridge) Done() <-chan struct{} {
	return b.done
}

// State returns the lifecycle state
func (b *CallBridge) State() BridgeState {
	return BridgeState(b.state.Load())
}

// ============================================
// STARTUP
// ============================================

func (b *CallBridge) initialize() error {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.StartupTimeout)
	defer cancel()

	var (
		agent   *store.Agent
		faqs    []store.KnowledgeBaseEntry
		contact *store.Contact
		conn    *websocket.Conn
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := b.store.GetAgent(gctx, b.AgentID)
		if err != nil {
			return fmt.Errorf("failed to load agent: %w", err)
		}
		agent = a
		return nil
	})
	g.Go(func() error {
		entries, err := b.store.ListKnowledgeBase(gctx, b.WorkspaceID)
		if err != nil {
			b.log.Warnf("[CallBridge] Continuing without knowledge base: %v", err)
			return nil
		}
		faqs = entries
		return nil
	})
	g.Go(func() error {
		c, err := b.store.MatchContact(gctx, b.WorkspaceID, b.FromNumber)
		if err != nil {
			b.log.Warnf("[CallBridge] Continuing without contact match: %v", err)
			return nil
		}
		contact = c
		return nil
	})
	g.Go(func() error {
		c, err := b.dialer.Dial(gctx)
		if err != nil {
			return fmt.Errorf("failed to connect realtime session: %w", err)
		}
		conn = c
		return nil
	})

	if err := g.Wait(); err != nil {
		if conn != nil {
			conn.Close()
		}
		return err
	}

	rt := newWebsocketPeer("realtime", conn, 0)
	handshake := NewHandshakeCoordinator(
		agent.InitialGreeting,
		b.cfg.GreetingDelay,
		func() bool { return !b.stopped.Load() && rt.IsOpen() },
		func(greeting string) { b.sendGreeting(rt, greeting) },
	)

	b.mu.Lock()
	if b.stopped.Load() {
		b.mu.Unlock()
		rt.Close()
		return errBridgeStopped
	}
	b.realtime = rt
	b.handshake = handshake
	b.mu.Unlock()

	if err := rt.SendJSON(NewSessionUpdate(agent, faqs, contact)); err != nil {
		return fmt.Errorf("failed to configure realtime session: %w", err)
	}

	// The start event was consumed during correlation.
	handshake.OnPeerReady(PeerTelephony)

	b.goPersist(func(ctx context.Context) {
		b.updateStatus(ctx, store.StatusInProgress)
	})
	return nil
}

// ============================================
// TELEPHONY LEG
// ============================================

func (b *CallBridge) pumpTelephony(rt *websocketPeer) string {
	for {
		data, err := b.telephony.Read()
		if err != nil {
			if !b.stopped.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Warnf("[CallBridge] Telephony read error: %v", err)
			}
			return "telephony stream closed"
		}

		event, err := ParseStreamMessage(data)
		if err != nil {
			b.metrics.recordMalformed()
			b.log.Debugf("[CallBridge] Dropping telephony message: %v", err)
			continue
		}

		switch e := event.(type) {
		case StreamStarted:
			b.setStreamID(e.StreamID)
			b.peerReady(PeerTelephony)

		case StreamMedia:
			if e.Track == "outbound" {
				continue
			}
			b.forwardCallerAudio(rt, e.Payload)

		case StreamStopped:
			return "media stream stopped"

		case StreamConnected, StreamUnknown:
		}
	}
}

func (b *CallBridge) forwardCallerAudio(rt *websocketPeer, mulaw []byte) {
	if b.stopped.Load() || len(mulaw) == 0 {
		return
	}

	started := time.Now()
	pcm := DecodeAndUpsample(mulaw)
	if err := rt.SendJSON(newAudioAppend(pcm)); err != nil {
		b.metrics.recordCallerDrop()
		b.log.Debugf("[CallBridge] Caller audio dropped: %v", err)
		return
	}
	b.metrics.recordCallerFrame(len(mulaw), started)
}

// ============================================
// REALTIME LEG
// ============================================

func (b *CallBridge) pumpRealtime(rt *websocketPeer) {
	defer b.Stop("realtime session closed")

	for {
		data, err := rt.Read()
		if err != nil {
			if !b.stopped.Load() {
				b.log.Warnf("[CallBridge] Realtime read error: %v", err)
			}
			return
		}

		event, err := ParseRealtimeMessage(data)
		if err != nil {
			b.metrics.recordMalformed()
			b.log.Debugf("[CallBridge] Dropping realtime message: %v", err)
			continue
		}

		switch e := event.(type) {
		case SessionReady:
			b.peerReady(PeerRealtime)

		case AgentAudio:
			b.forwardAgentAudio(e.Audio)

		case AgentTranscript:
			b.appendTranscript(store.RoleAssistant, e.Transcript)

		case CallerTranscript:
			b.appendTranscript(store.RoleUser, e.Transcript)

		case FunctionCall:
			b.handleFunctionCall(rt, e)

		case SpeechStarted:
			b.interrupt()

		case RealtimeFailure:
			b.log.Warnf("[CallBridge] Realtime error (%s %s): %s", e.Type, e.Code, e.Message)

		case RealtimeIgnored:
		}
	}
}

func (b *CallBridge) forwardAgentAudio(pcm []byte) {
	if b.stopped.Load() {
		return
	}

	started := time.Now()
	mulaw, err := b.filter.DownsampleAndEncode(pcm)
	if err != nil {
		b.metrics.recordMalformed()
		b.log.Warnf("[CallBridge] Dropping agent audio: %v", err)
		return
	}
	b.metrics.recordAgentDelta(started)

	b.outbound.Append(mulaw)
	streamID := b.currentStreamID()
	for _, chunk := range b.outbound.DrainReady() {
		err := b.telephony.SendJSON(newOutboundMedia(streamID, chunk))
		b.metrics.recordAgentFrame(len(chunk), err == nil)
	}
}

// interrupt drops agent audio not yet played when the caller talks over it
func (b *CallBridge) interrupt() {
	discarded := b.outbound.Discard()
	b.metrics.recordInterruption()

	if !b.telephony.IsOpen() {
		return
	}
	if err := b.telephony.SendJSON(newClearMessage(b.currentStreamID())); err != nil {
		b.log.Debugf("[CallBridge] Failed to clear playback: %v", err)
		return
	}
	b.log.Debugf("[CallBridge] Caller interrupted, discarded %d buffered bytes", discarded)
}

func (b *CallBridge) sendGreeting(rt *websocketPeer, greeting string) {
	if err := rt.SendJSON(newGreetingItem(greeting)); err != nil {
		b.log.Warnf("[CallBridge] Failed to send greeting: %v", err)
		return
	}
	if err := rt.SendJSON(newResponseCreate()); err != nil {
		b.log.Warnf("[CallBridge] Failed to request greeting response: %v", err)
		return
	}
	b.log.Infof("[CallBridge] Greeting sent")
}

// ============================================
// FUNCTION CALLS
// ============================================

func (b *CallBridge) handleFunctionCall(rt *websocketPeer, call FunctionCall) {
	b.log.Infof("[CallBridge] Function call: %s (%s)", call.Name, call.CallID)

	switch call.Name {
	case ToolTakeVoicemail:
		b.takeVoicemail(rt, call)
	case ToolTransferCall:
		b.transferCall(rt, call)
	case ToolEndCall:
		b.endCall(rt, call)
	default:
		b.log.Warnf("[CallBridge] Ignoring unknown function: %s", call.Name)
	}
}

func (b *CallBridge) takeVoicemail(rt *websocketPeer, call FunctionCall) {
	b.voicemail.Store(true)

	b.goPersist(func(ctx context.Context) {
		if err := b.store.MarkVoicemail(ctx, b.CallID); err != nil {
			b.log.Warnf("[CallBridge] Failed to persist voicemail flag: %v", err)
		}
	})

	b.replyToFunction(rt, call.CallID, functionResult{
		Status:  "voicemail_active",
		Message: "Voicemail mode is active. Ask the caller to leave their message, including their name and callback number.",
	}, true)
}

func (b *CallBridge) transferCall(rt *websocketPeer, call FunctionCall) {
	if b.ForwardTo == "" {
		b.replyToFunction(rt, call.CallID, functionResult{
			Status:  "unavailable",
			Message: "No transfer destination is available for this call. Offer to take a voicemail instead.",
		}, true)
		return
	}
	if err := phoneValidator.Var(b.ForwardTo, "e164"); err != nil {
		b.log.Warnf("[CallBridge] Forwarding number %q is not E.164", b.ForwardTo)
		b.replyToFunction(rt, call.CallID, functionResult{
			Status:  "unavailable",
			Message: "The transfer destination is invalid. Offer to take a voicemail instead.",
		}, true)
		return
	}

	destination := b.ForwardTo
	b.goPersist(func(ctx context.Context) {
		if err := b.control.Transfer(ctx, b.CallControlID, destination); err != nil {
			b.log.Errorf("[CallBridge] Transfer to %s failed: %v", destination, err)
			return
		}
		b.updateStatus(ctx, store.StatusForwarded)
	})

	b.replyToFunction(rt, call.CallID, functionResult{
		Status:      "transferring",
		Message:     fmt.Sprintf("Transferring the caller to %s.", destination),
		Destination: destination,
	}, true)
}

func (b *CallBridge) endCall(rt *websocketPeer, call FunctionCall) {
	b.replyToFunction(rt, call.CallID, functionResult{
		Status:  "ending",
		Message: "The call will end shortly.",
	}, false)

	if b.stopped.Load() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.endCallTimer != nil {
		return
	}
	b.endCallTimer = time.AfterFunc(b.cfg.EndCallGrace, b.hangup)
}

func (b *CallBridge) hangup() {
	if b.stopped.Load() {
		return
	}

	ctx, cancel := b.backgroundContext()
	defer cancel()
	if err := b.control.Hangup(ctx, b.CallControlID); err != nil {
		b.log.Errorf("[CallBridge] Hangup failed: %v", err)
		return
	}
	b.log.Infof("[CallBridge] Hangup issued")
}

func (b *CallBridge) replyToFunction(rt *websocketPeer, callID string, result functionResult, respond bool) {
	item, err := newFunctionOutput(callID, result)
	if err != nil {
		b.log.Errorf("[CallBridge] %v", err)
		return
	}
	if err := rt.SendJSON(item); err != nil {
		b.log.Warnf("[CallBridge] Failed to send function result: %v", err)
		return
	}
	if !respond {
		return
	}
	if err := rt.SendJSON(newResponseCreate()); err != nil {
		b.log.Warnf("[CallBridge] Failed to request response: %v", err)
	}
}

// ============================================
// TEARDOWN
// ============================================

// Stop tears the bridge down. Only the first call has any effect; later
// calls return immediately. A bridge stopped before it started bridging
// is recorded as failed.
func (b *CallBridge) Stop(reason string) {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	if BridgeState(b.state.Swap(int32(BridgeStopped))) == BridgeInitializing {
		b.teardownFailed(fmt.Errorf("stopped before bridging: %s", reason))
		return
	}
	b.log.Infof("[CallBridge] Stopping: %s", reason)

	if b.registry != nil {
		b.registry.Remove(b.CallControlID, b)
	}

	b.mu.Lock()
	rt := b.realtime
	handshake := b.handshake
	timer := b.endCallTimer
	b.mu.Unlock()

	if handshake != nil {
		handshake.Cancel()
	}
	if timer != nil {
		timer.Stop()
	}

	if rest := b.outbound.Flush(); len(rest) > 0 && b.telephony.IsOpen() {
		err := b.telephony.SendJSON(newOutboundMedia(b.currentStreamID(), rest))
		b.metrics.recordAgentFrame(len(rest), err == nil)
	}

	if rt != nil {
		rt.Close()
	}
	b.telephony.Close()
	b.cancel()
	b.pending.Wait()

	if b.superseded.Load() {
		b.log.Infof("[CallBridge] Superseded; call record left to the new stream")
		close(b.done)
		return
	}

	result := b.buildResult()

	ctx, cancel := b.backgroundContext()
	defer cancel()
	if err := b.store.CompleteCall(ctx, b.CallID, result); err != nil {
		b.log.Errorf("[CallBridge] Failed to persist call result: %v", err)
	} else {
		b.log.Infof("[CallBridge] Call completed after %ds (%d transcript entries, voicemail=%t)",
			result.DurationSeconds, len(result.Transcript), result.IsVoicemail)
	}

	close(b.done)
}

// Supersede stops a bridge whose call moved to a newer media stream. The
// call record belongs to the successor, so nothing is persisted.
func (b *CallBridge) Supersede() {
	b.superseded.Store(true)
	b.Stop("replaced by a newer media stream")
}

// fail is the startup failure path: the bridge never reaches bridging
func (b *CallBridge) fail(cause error) {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	b.state.Store(int32(BridgeStopped))
	b.teardownFailed(cause)
}

// teardownFailed releases everything startup acquired and records the call
// as failed. The caller holds the stopped latch.
func (b *CallBridge) teardownFailed(cause error) {
	b.log.Errorf("[CallBridge] Startup failed: %v", cause)

	if b.registry != nil {
		b.registry.Remove(b.CallControlID, b)
	}

	b.mu.Lock()
	rt := b.realtime
	handshake := b.handshake
	b.mu.Unlock()

	if handshake != nil {
		handshake.Cancel()
	}
	if rt != nil {
		rt.Close()
	}
	b.telephony.Close()
	b.cancel()
	b.pending.Wait()

	if b.superseded.Load() {
		close(b.done)
		return
	}

	ctx, cancel := b.backgroundContext()
	defer cancel()
	if err := b.store.FailCall(ctx, b.CallID, cause.Error()); err != nil {
		b.log.Errorf("[CallBridge] Failed to mark call failed: %v", err)
	}

	close(b.done)
}

func (b *CallBridge) buildResult() store.CallResult {
	now := time.Now()
	transcript := b.Transcript()

	result := store.CallResult{
		Status:          store.StatusCompleted,
		DurationSeconds: int(math.Round(now.Sub(b.StartedAt).Seconds())),
		Transcript:      transcript,
		IsVoicemail:     b.voicemail.Load(),
		EndedAt:         now,
	}
	if result.IsVoicemail {
		result.VoicemailTranscription = voicemailTranscription(transcript)
	}
	return result
}

// voicemailTranscription joins everything the caller said
func voicemailTranscription(transcript []store.TranscriptEntry) string {
	parts := make([]string, 0, len(transcript))
	for _, entry := range transcript {
		if entry.Role == store.RoleUser {
			parts = append(parts, entry.Text)
		}
	}
	return strings.Join(parts, " ")
}

// ============================================
// STATE HELPERS
// ============================================

func (b *CallBridge) peerReady(peer Peer) {
	b.mu.Lock()
	handshake := b.handshake
	b.mu.Unlock()

	if handshake != nil {
		handshake.OnPeerReady(peer)
	}
}

func (b *CallBridge) realtimePeer() *websocketPeer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.realtime
}

func (b *CallBridge) setStreamID(streamID string) {
	if streamID == "" {
		return
	}
	b.mu.Lock()
	b.streamID = streamID
	b.mu.Unlock()
}

func (b *CallBridge) currentStreamID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamID
}

func (b *CallBridge) appendTranscript(role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	b.mu.Lock()
	b.transcript = append(b.transcript, store.TranscriptEntry{Role: role, Text: text})
	b.mu.Unlock()

	b.log.Debugf("[CallBridge] %s: %s", role, text)
}

// Transcript returns a copy of the transcript so far
func (b *CallBridge) Transcript() []store.TranscriptEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]store.TranscriptEntry, len(b.transcript))
	copy(out, b.transcript)
	return out
}

// IsVoicemail reports whether the model switched the call to voicemail
func (b *CallBridge) IsVoicemail() bool {
	return b.voicemail.Load()
}

func (b *CallBridge) updateStatus(ctx context.Context, status store.CallStatus) {
	if b.stopped.Load() {
		return
	}
	if err := b.store.UpdateCallStatus(ctx, b.CallID, status); err != nil {
		b.log.Warnf("[CallBridge] Failed to set status %s: %v", status, err)
	}
}

// goPersist runs a store write in the background. Writes are dropped once
// the bridge is stopping; teardown waits for those already started.
func (b *CallBridge) goPersist(fn func(ctx context.Context)) {
	b.mu.Lock()
	if b.stopped.Load() {
		b.mu.Unlock()
		return
	}
	b.pending.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.pending.Done()
		ctx, cancel := b.backgroundContext()
		defer cancel()
		fn(ctx)
	}()
}

func (b *CallBridge) backgroundContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.cfg.PersistTimeout)
}

// BridgeStatus is the externally visible state of a live bridge
type BridgeStatus struct {
	ID                string          `json:"id"`
	CallID            string          `json:"call_id"`
	CallControlID     string          `json:"call_control_id"`
	StreamID          string          `json:"stream_id"`
	State             string          `json:"state"`
	Handshake         string          `json:"handshake"`
	FromNumber        string          `json:"from_number"`
	ToNumber          string          `json:"to_number"`
	Voicemail         bool            `json:"voicemail"`
	TranscriptEntries int             `json:"transcript_entries"`
	StartedAt         time.Time       `json:"started_at"`
	Metrics           MetricsSnapshot `json:"metrics"`
}

// Status returns a snapshot for the active calls endpoint
func (b *CallBridge) Status() BridgeStatus {
	b.mu.Lock()
	handshake := b.handshake
	streamID := b.streamID
	entries := len(b.transcript)
	b.mu.Unlock()

	handshakeState := HandshakeWaiting.String()
	if handshake != nil {
		handshakeState = handshake.State().String()
	}

	return BridgeStatus{
		ID:                b.ID,
		CallID:            b.CallID.String(),
		CallControlID:     b.CallControlID,
		StreamID:          streamID,
		State:             b.State().String(),
		Handshake:         handshakeState,
		FromNumber:        b.FromNumber,
		ToNumber:          b.ToNumber,
		Voicemail:         b.voicemail.Load(),
		TranscriptEntries: entries,
		StartedAt:         b.StartedAt,
		Metrics:           b.metrics.Snapshot(),
	}
}
