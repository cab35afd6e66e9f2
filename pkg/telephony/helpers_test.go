package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/birddigital/receptionist-bridge/pkg/callcontrol"
	"github.com/birddigital/receptionist-bridge/pkg/store"
)

const waitTimeout = 5 * time.Second

// =============================================================================
// Fake store
// =============================================================================

type fakeStore struct {
	mu sync.Mutex

	calls    map[string]*store.CallRecord
	agents   map[uuid.UUID]*store.Agent
	faqs     []store.KnowledgeBaseEntry
	contact  *store.Contact
	faqErr   error
	agentErr error

	// statusDelay holds UpdateCallStatus back to model a slow database
	statusDelay time.Duration

	// current mirrors the calls.status column; events lists every applied
	// write in order and lateWrites counts writes refused after a terminal one
	current    store.CallStatus
	events     []store.CallStatus
	lateWrites int

	statuses        []store.CallStatus
	controlStatuses map[string][]store.CallStatus
	voicemailMarks  int
	completed       []store.CallResult
	failed          []string

	completedCh chan store.CallResult
	failedCh    chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		calls:           make(map[string]*store.CallRecord),
		agents:          make(map[uuid.UUID]*store.Agent),
		controlStatuses: make(map[string][]store.CallStatus),
		completedCh:     make(chan store.CallResult, 16),
		failedCh:        make(chan string, 16),
	}
}

func (s *fakeStore) GetCallByControlID(_ context.Context, callControlID string) (*store.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callControlID]
	if !ok {
		return nil, store.ErrCallNotFound
	}
	copied := *call
	return &copied, nil
}

func (s *fakeStore) UpdateStatusByControlID(_ context.Context, callControlID string, status store.CallStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controlStatuses[callControlID] = append(s.controlStatuses[callControlID], status)
	return nil
}

func (s *fakeStore) GetAgent(_ context.Context, agentID uuid.UUID) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentErr != nil {
		return nil, s.agentErr
	}
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, store.ErrAgentNotFound
	}
	copied := *agent
	return &copied, nil
}

func (s *fakeStore) ListKnowledgeBase(_ context.Context, _ uuid.UUID) ([]store.KnowledgeBaseEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faqs, s.faqErr
}

func (s *fakeStore) MatchContact(_ context.Context, _ uuid.UUID, _ string) (*store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contact, nil
}

func (s *fakeStore) UpdateCallStatus(ctx context.Context, _ uuid.UUID, status store.CallStatus) error {
	s.mu.Lock()
	delay := s.statusDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.IsTerminal() {
		s.lateWrites++
		return nil
	}
	s.current = status
	s.events = append(s.events, status)
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeStore) MarkVoicemail(_ context.Context, _ uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voicemailMarks++
	return nil
}

func (s *fakeStore) FailCall(_ context.Context, _ uuid.UUID, reason string) error {
	s.mu.Lock()
	s.failed = append(s.failed, reason)
	s.current = store.StatusFailed
	s.events = append(s.events, store.StatusFailed)
	s.mu.Unlock()
	s.failedCh <- reason
	return nil
}

func (s *fakeStore) CompleteCall(_ context.Context, _ uuid.UUID, result store.CallResult) error {
	s.mu.Lock()
	s.completed = append(s.completed, result)
	s.current = result.Status
	s.events = append(s.events, result.Status)
	s.mu.Unlock()
	s.completedCh <- result
	return nil
}

func (s *fakeStore) setErrors(agentErr, faqErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentErr = agentErr
	s.faqErr = faqErr
}

func (s *fakeStore) setStatusDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusDelay = d
}

func (s *fakeStore) finalStatus() store.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *fakeStore) statusEvents() []store.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.CallStatus(nil), s.events...)
}

func (s *fakeStore) lateWriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lateWrites
}

func (s *fakeStore) completedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

func (s *fakeStore) failedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}

func (s *fakeStore) statusHistory() []store.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.CallStatus(nil), s.statuses...)
}

func (s *fakeStore) controlStatusHistory(callControlID string) []store.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.CallStatus(nil), s.controlStatuses[callControlID]...)
}

func (s *fakeStore) voicemailMarkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voicemailMarks
}

func (s *fakeStore) waitCompleted(t *testing.T) store.CallResult {
	t.Helper()
	select {
	case result := <-s.completedCh:
		return result
	case <-time.After(waitTimeout):
		t.Fatal("call was never completed")
		return store.CallResult{}
	}
}

func (s *fakeStore) waitFailed(t *testing.T) string {
	t.Helper()
	select {
	case reason := <-s.failedCh:
		return reason
	case <-time.After(waitTimeout):
		t.Fatal("call was never marked failed")
		return ""
	}
}

// assertFinalStatus checks that want was the last status written and that
// nothing was written after it.
func (s *fakeStore) assertFinalStatus(t *testing.T, want store.CallStatus) {
	t.Helper()
	events := s.statusEvents()
	require.NotEmpty(t, events)
	assert.Equal(t, want, events[len(events)-1], "status writes: %v", events)
	assert.Equal(t, want, s.finalStatus())
	assert.Zero(t, s.lateWriteCount(), "status written after the call ended")
	for _, status := range events[:len(events)-1] {
		assert.False(t, status.IsTerminal(), "status writes: %v", events)
	}
}

// =============================================================================
// Fake call control
// =============================================================================

type fakeControl struct {
	mu        sync.Mutex
	hangups   []time.Time
	transfers []string
	answers   []callcontrol.AnswerOptions
	onHangup  func()
}

func (c *fakeControl) Hangup(_ context.Context, _ string) error {
	c.mu.Lock()
	c.hangups = append(c.hangups, time.Now())
	onHangup := c.onHangup
	c.mu.Unlock()

	if onHangup != nil {
		onHangup()
	}
	return nil
}

func (c *fakeControl) Transfer(_ context.Context, _ string, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers = append(c.transfers, to)
	return nil
}

func (c *fakeControl) Answer(_ context.Context, _ string, opts callcontrol.AnswerOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, opts)
	return nil
}

func (c *fakeControl) hangupTimes() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.hangups...)
}

func (c *fakeControl) transferTargets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.transfers...)
}

func (c *fakeControl) answerOptions() []callcontrol.AnswerOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]callcontrol.AnswerOptions(nil), c.answers...)
}

// =============================================================================
// Fake realtime AI server
// =============================================================================

type receivedMessage struct {
	at   time.Time
	body map[string]interface{}
}

type realtimeConn struct {
	conn    *websocket.Conn
	header  http.Header
	query   string
	writeMu sync.Mutex

	mu       sync.Mutex
	received []receivedMessage
	closed   chan struct{}
}

type fakeRealtime struct {
	srv   *httptest.Server
	conns chan *realtimeConn
}

func newFakeRealtime(t *testing.T) *fakeRealtime {
	t.Helper()
	f := &fakeRealtime{conns: make(chan *realtimeConn, 8)}
	upgrader := websocket.Upgrader{}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rc := &realtimeConn{
			conn:   conn,
			header: r.Header.Clone(),
			query:  r.URL.RawQuery,
			closed: make(chan struct{}),
		}
		f.conns <- rc

		defer close(rc.closed)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var body map[string]interface{}
			if json.Unmarshal(data, &body) != nil {
				continue
			}
			rc.mu.Lock()
			rc.received = append(rc.received, receivedMessage{at: time.Now(), body: body})
			rc.mu.Unlock()
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRealtime) dialer() *WebsocketRealtimeDialer {
	return &WebsocketRealtimeDialer{
		URL:    "ws" + strings.TrimPrefix(f.srv.URL, "http"),
		Model:  "test-model",
		APIKey: "sk-test",
	}
}

func (f *fakeRealtime) accept(t *testing.T) *realtimeConn {
	t.Helper()
	select {
	case rc := <-f.conns:
		return rc
	case <-time.After(waitTimeout):
		t.Fatal("realtime session was never dialed")
		return nil
	}
}

func (f *fakeRealtime) dialCount() int {
	return len(f.conns)
}

func (c *realtimeConn) send(t *testing.T, v interface{}) {
	t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	require.NoError(t, c.conn.WriteJSON(v))
}

func (c *realtimeConn) sendRaw(t *testing.T, data string) {
	t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

func (c *realtimeConn) sendAudio(t *testing.T, pcm []byte) {
	c.send(t, map[string]interface{}{
		"type":  RealtimeAudioDelta,
		"delta": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (c *realtimeConn) sendFunctionCall(t *testing.T, name, callID string) {
	c.send(t, map[string]interface{}{
		"type":      RealtimeFunctionCallDone,
		"name":      name,
		"call_id":   callID,
		"arguments": "{}",
	})
}

func (c *realtimeConn) sendCallerTranscript(t *testing.T, text string) {
	c.send(t, map[string]interface{}{"type": RealtimeInputTranscribed, "transcript": text})
}

func (c *realtimeConn) sendAgentTranscript(t *testing.T, text string) {
	c.send(t, map[string]interface{}{"type": RealtimeAudioTranscriptDone, "transcript": text})
}

func (c *realtimeConn) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.Close()
}

func (c *realtimeConn) messages(msgType string) []receivedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []receivedMessage
	for _, msg := range c.received {
		if msg.body["type"] == msgType {
			out = append(out, msg)
		}
	}
	return out
}

// functionOutputs returns function_call_output items keyed by call_id
func (c *realtimeConn) functionOutputs() map[string]receivedMessage {
	out := make(map[string]receivedMessage)
	for _, msg := range c.messages("conversation.item.create") {
		item, _ := msg.body["item"].(map[string]interface{})
		if item["type"] == "function_call_output" {
			callID, _ := item["call_id"].(string)
			out[callID] = msg
		}
	}
	return out
}

func (c *realtimeConn) greetingCount() int {
	count := 0
	for _, msg := range c.messages("conversation.item.create") {
		item, _ := msg.body["item"].(map[string]interface{})
		if item["type"] == "message" {
			count++
		}
	}
	return count
}

func functionOutputBody(t *testing.T, msg receivedMessage) map[string]interface{} {
	t.Helper()
	item := msg.body["item"].(map[string]interface{})
	var output map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(item["output"].(string)), &output))
	return output
}

// =============================================================================
// Telephony client (plays the carrier)
// =============================================================================

type telephonyClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	frames [][]byte
	clears int
	closed chan struct{}
}

func dialTelephony(t *testing.T, serverURL string) *telephonyClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(serverURL, "http") + "/api/telephony/calls/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	c := &telephonyClient{conn: conn, closed: make(chan struct{})}
	go c.readLoop()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *telephonyClient) readLoop() {
	defer close(c.closed)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg mediaStreamMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}

		c.mu.Lock()
		switch msg.Event {
		case StreamEventMedia:
			if msg.Media != nil {
				payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
				if err == nil {
					c.frames = append(c.frames, payload)
				}
			}
		case StreamEventClear:
			c.clears++
		}
		c.mu.Unlock()
	}
}

func (c *telephonyClient) sendJSON(t *testing.T, v interface{}) {
	t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	require.NoError(t, c.conn.WriteJSON(v))
}

func (c *telephonyClient) sendRaw(t *testing.T, data string) {
	t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

func (c *telephonyClient) sendConnected(t *testing.T) {
	c.sendJSON(t, map[string]interface{}{"event": "connected", "version": "1.0.0"})
}

func (c *telephonyClient) sendStart(t *testing.T, callControlID, streamID string) {
	c.sendJSON(t, map[string]interface{}{
		"event":     "start",
		"stream_id": streamID,
		"start": map[string]interface{}{
			"call_control_id": callControlID,
			"from":            "+15551230000",
			"to":              "+15559870000",
			"media_format": map[string]interface{}{
				"encoding":    "PCMU",
				"sample_rate": 8000,
				"channels":    1,
			},
		},
	})
}

func (c *telephonyClient) sendMedia(t *testing.T, mulaw []byte) {
	c.sendJSON(t, map[string]interface{}{
		"event": "media",
		"media": map[string]interface{}{
			"track":   "inbound",
			"payload": base64.StdEncoding.EncodeToString(mulaw),
		},
	})
}

func (c *telephonyClient) sendStop(t *testing.T) {
	c.sendJSON(t, map[string]interface{}{"event": "stop"})
}

func (c *telephonyClient) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.Close()
}

func (c *telephonyClient) receivedFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func (c *telephonyClient) clearCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

func (c *telephonyClient) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(waitTimeout):
		t.Fatal("telephony connection was never closed by the server")
	}
}

// =============================================================================
// Bridge environment
// =============================================================================

type envOptions struct {
	greeting  string
	forwardTo string
	noAgent   bool
	streamURL string
	config    BridgeConfig
}

type envOption func(*envOptions)

func withGreeting(greeting string) envOption {
	return func(o *envOptions) { o.greeting = greeting }
}

func withForwardTo(number string) envOption {
	return func(o *envOptions) { o.forwardTo = number }
}

func withoutAgent() envOption {
	return func(o *envOptions) { o.noAgent = true }
}

func withStreamURL(url string) envOption {
	return func(o *envOptions) { o.streamURL = url }
}

func withEndCallGrace(grace time.Duration) envOption {
	return func(o *envOptions) { o.config.EndCallGrace = grace }
}

func testBridgeConfig() BridgeConfig {
	return BridgeConfig{
		GreetingDelay:  20 * time.Millisecond,
		EndCallGrace:   300 * time.Millisecond,
		MinChunkBytes:  DefaultMinChunkBytes,
		StartupTimeout: 2 * time.Second,
		PersistTimeout: 2 * time.Second,
	}
}

type bridgeEnv struct {
	store         *fakeStore
	control       *fakeControl
	ai            *fakeRealtime
	registry      *ActiveCallRegistry
	handlers      *CallHandlers
	server        *httptest.Server
	callControlID string
	callID        uuid.UUID
	agentID       uuid.UUID
}

func newBridgeEnv(t *testing.T, opts ...envOption) *bridgeEnv {
	t.Helper()

	o := envOptions{config: testBridgeConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	log := zaptest.NewLogger(t).Sugar()
	env := &bridgeEnv{
		store:         newFakeStore(),
		control:       &fakeControl{},
		ai:            newFakeRealtime(t),
		callControlID: "v3:" + uuid.NewString(),
		callID:        uuid.New(),
		agentID:       uuid.New(),
	}

	record := &store.CallRecord{
		ID:            env.callID,
		WorkspaceID:   uuid.New(),
		CallControlID: env.callControlID,
		FromNumber:    "+15551230000",
		ToNumber:      "+15559870000",
		Status:        store.StatusAnswered,
		ForwardTo:     o.forwardTo,
	}
	if !o.noAgent {
		agentID := env.agentID
		record.AgentID = &agentID
	}
	env.store.calls[env.callControlID] = record
	env.store.agents[env.agentID] = &store.Agent{
		ID:              env.agentID,
		Name:            "Front Desk",
		SystemPrompt:    "You are the receptionist for Acme Dental.",
		InitialGreeting: o.greeting,
	}

	env.registry = NewActiveCallRegistry(log)
	env.handlers = NewCallHandlers(env.registry, env.store, env.control, env.ai.dialer(), CallHandlersConfig{
		Bridge:       o.config,
		StartTimeout: 300 * time.Millisecond,
		StreamURL:    o.streamURL,
	}, log)

	mux := http.NewServeMux()
	env.handlers.RegisterRoutes(mux)
	env.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		env.registry.StopAll("test finished")
		env.server.Close()
	})
	return env
}

// connect dials the bridge as the carrier, sends the start event and waits
// for the realtime session to be configured and ready
func (env *bridgeEnv) connect(t *testing.T) (*telephonyClient, *realtimeConn) {
	t.Helper()

	tel := dialTelephony(t, env.server.URL)
	tel.sendConnected(t)
	tel.sendStart(t, env.callControlID, "stream-1")

	ai := env.ai.accept(t)
	require.Eventually(t, func() bool {
		return len(ai.messages("session.update")) == 1
	}, waitTimeout, 5*time.Millisecond)
	ai.send(t, map[string]interface{}{"type": RealtimeSessionCreated})

	require.Eventually(t, func() bool {
		bridge := env.registry.Get(env.callControlID)
		return bridge != nil && bridge.State() == BridgeBridging
	}, waitTimeout, 5*time.Millisecond)

	return tel, ai
}

func (env *bridgeEnv) bridge(t *testing.T) *CallBridge {
	t.Helper()
	bridge := env.registry.Get(env.callControlID)
	require.NotNil(t, bridge)
	return bridge
}

func (env *bridgeEnv) postEvent(t *testing.T, eventType string) *http.Response {
	t.Helper()
	body := map[string]interface{}{
		"data": map[string]interface{}{
			"event_type": eventType,
			"payload": map[string]interface{}{
				"call_control_id": env.callControlID,
				"hangup_cause":    "normal_clearing",
			},
		},
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(env.server.URL+"/api/telephony/calls/events", "application/json", strings.NewReader(string(data)))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func silence(n int) []byte {
	return make([]byte, n)
}

func mulawSilence(n int) []byte {
	return []byte(strings.Repeat("\xff", n))
}
