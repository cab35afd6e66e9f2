package telephony

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetingRecorder struct {
	mu    sync.Mutex
	sent  []string
	times []time.Time
}

func (r *greetingRecorder) send(greeting string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, greeting)
	r.times = append(r.times, time.Now())
}

func (r *greetingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

const testGreetingDelay = 20 * time.Millisecond

func newTestHandshake(greeting string, canSend func() bool) (*HandshakeCoordinator, *greetingRecorder) {
	rec := &greetingRecorder{}
	return NewHandshakeCoordinator(greeting, testGreetingDelay, canSend, rec.send), rec
}

func TestHandshake_FiresAfterBothPeersInEitherOrder(t *testing.T) {
	orders := [][]Peer{
		{PeerTelephony, PeerRealtime},
		{PeerRealtime, PeerTelephony},
	}

	for _, order := range orders {
		h, rec := newTestHandshake("Hello, Acme Dental.", nil)

		h.OnPeerReady(order[0])
		assert.Equal(t, HandshakeWaiting, h.State())

		readyAt := time.Now()
		h.OnPeerReady(order[1])
		assert.Equal(t, HandshakePending, h.State())

		require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, HandshakeGreetingSent, h.State())
		assert.Equal(t, []string{"Hello, Acme Dental."}, rec.sent)
		assert.GreaterOrEqual(t, rec.times[0].Sub(readyAt), testGreetingDelay)
	}
}

func TestHandshake_OnePeerNeverFires(t *testing.T) {
	h, rec := newTestHandshake("Hello", nil)

	h.OnPeerReady(PeerTelephony)
	h.OnPeerReady(PeerTelephony)

	time.Sleep(4 * testGreetingDelay)
	assert.Zero(t, rec.count())
	assert.Equal(t, HandshakeWaiting, h.State())
}

func TestHandshake_DuplicateSignalsFireOnce(t *testing.T) {
	h, rec := newTestHandshake("Hello", nil)

	for i := 0; i < 5; i++ {
		h.OnPeerReady(PeerTelephony)
		h.OnPeerReady(PeerRealtime)
	}
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)

	h.OnPeerReady(PeerRealtime)
	time.Sleep(4 * testGreetingDelay)
	assert.Equal(t, 1, rec.count())
}

func TestHandshake_ConcurrentSignalsFireOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		h, rec := newTestHandshake("Hello", nil)
		rng := rand.New(rand.NewSource(int64(round)))

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			peer := Peer(rng.Intn(2))
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.OnPeerReady(peer)
			}()
		}
		// Both peers are guaranteed to signal at least once
		wg.Add(2)
		go func() { defer wg.Done(); h.OnPeerReady(PeerTelephony) }()
		go func() { defer wg.Done(); h.OnPeerReady(PeerRealtime) }()
		wg.Wait()

		require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
		time.Sleep(2 * testGreetingDelay)
		assert.Equal(t, 1, rec.count(), "round %d", round)
	}
}

func TestHandshake_NoGreetingStaysPending(t *testing.T) {
	h, rec := newTestHandshake("", nil)

	h.OnPeerReady(PeerTelephony)
	h.OnPeerReady(PeerRealtime)

	time.Sleep(4 * testGreetingDelay)
	assert.Zero(t, rec.count())
	assert.Equal(t, HandshakePending, h.State())
}

func TestHandshake_CancelDisarmsTimer(t *testing.T) {
	h, rec := newTestHandshake("Hello", nil)

	h.OnPeerReady(PeerTelephony)
	h.OnPeerReady(PeerRealtime)
	h.Cancel()
	h.Cancel()

	time.Sleep(4 * testGreetingDelay)
	assert.Zero(t, rec.count())

	// Signals after cancellation are ignored
	h.OnPeerReady(PeerRealtime)
	time.Sleep(2 * testGreetingDelay)
	assert.Zero(t, rec.count())
}

func TestHandshake_SkipsWhenPeerClosedBeforeTimer(t *testing.T) {
	var open atomic.Bool
	open.Store(true)
	h, rec := newTestHandshake("Hello", open.Load)

	h.OnPeerReady(PeerTelephony)
	h.OnPeerReady(PeerRealtime)
	open.Store(false)

	time.Sleep(4 * testGreetingDelay)
	assert.Zero(t, rec.count())
	assert.NotEqual(t, HandshakeGreetingSent, h.State())
}

func TestHandshake_Strings(t *testing.T) {
	assert.Equal(t, "telephony", PeerTelephony.String())
	assert.Equal(t, "realtime", PeerRealtime.String())
	assert.Equal(t, "waiting", HandshakeWaiting.String())
	assert.Equal(t, "pending", HandshakePending.String())
	assert.Equal(t, "greeting_sent", HandshakeGreetingSent.String())
}
