package telephony

import (
	"sync"
	"time"
)

// Peer identifies one side of a bridged call
type Peer int

const (
	PeerTelephony Peer = iota
	PeerRealtime
)

func (p Peer) String() string {
	switch p {
	case PeerTelephony:
		return "telephony"
	case PeerRealtime:
		return "realtime"
	default:
		return "unknown"
	}
}

// HandshakeState tracks progress towards the opening greeting
type HandshakeState int

const (
	HandshakeWaiting      HandshakeState = iota // one or both peers not ready
	HandshakePending                            // both ready, greeting timer armed
	HandshakeGreetingSent                       // terminal
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeWaiting:
		return "waiting"
	case HandshakePending:
		return "pending"
	case HandshakeGreetingSent:
		return "greeting_sent"
	default:
		return "unknown"
	}
}

// HandshakeCoordinator fires the agent greeting exactly once, a fixed delay
// after both peers have signalled readiness. Readiness signals may arrive in
// any order and any number of times.
type HandshakeCoordinator struct {
	mu        sync.Mutex
	ready     [2]bool
	state     HandshakeState
	greeting  string
	delay     time.Duration
	timer     *time.Timer
	cancelled bool

	canSend func() bool
	send    func(greeting string)
}

// NewHandshakeCoordinator creates a coordinator. canSend is consulted when
// the timer fires; send is invoked at most once and never under the lock.
func NewHandshakeCoordinator(greeting string, delay time.Duration, canSend func() bool, send func(greeting string)) *HandshakeCoordinator {
	return &HandshakeCoordinator{
		greeting: greeting,
		delay:    delay,
		canSend:  canSend,
		send:     send,
	}
}

// OnPeerReady records that peer is ready to exchange audio
func (h *HandshakeCoordinator) OnPeerReady(peer Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if peer != PeerTelephony && peer != PeerRealtime {
		return
	}
	h.ready[peer] = true

	if h.cancelled || h.state != HandshakeWaiting {
		return
	}
	if !h.ready[PeerTelephony] || !h.ready[PeerRealtime] {
		return
	}

	h.state = HandshakePending
	if h.greeting == "" {
		// No greeting configured: the caller speaks first.
		return
	}
	h.timer = time.AfterFunc(h.delay, h.fire)
}

func (h *HandshakeCoordinator) fire() {
	h.mu.Lock()
	if h.cancelled || h.state != HandshakePending || (h.canSend != nil && !h.canSend()) {
		h.mu.Unlock()
		return
	}
	h.state = HandshakeGreetingSent
	greeting := h.greeting
	h.mu.Unlock()

	if h.send != nil {
		h.send(greeting)
	}
}

// Cancel disarms a pending greeting. Safe to call repeatedly.
func (h *HandshakeCoordinator) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cancelled = true
	if h.timer != nil {
		h.timer.Stop()
	}
}

// State returns the current handshake state
func (h *HandshakeCoordinator) State() HandshakeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
