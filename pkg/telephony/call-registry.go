package telephony

import (
	"sync"

	"go.uber.org/zap"
)

// ============================================
// ACTIVE CALL REGISTRY
// Process-wide index of live bridges by call control ID
// ============================================

// ActiveCallRegistry lets webhook handlers reach the bridge serving a call
type ActiveCallRegistry struct {
	calls map[string]*CallBridge
	mu    sync.RWMutex
	log   *zap.SugaredLogger
}

// NewActiveCallRegistry creates an empty registry
func NewActiveCallRegistry(log *zap.SugaredLogger) *ActiveCallRegistry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ActiveCallRegistry{
		calls: make(map[string]*CallBridge),
		log:   log.Named("registry"),
	}
}

// Put registers bridge under callControlID. An existing entry is replaced
// and returned so the caller can stop it.
func (r *ActiveCallRegistry) Put(callControlID string, bridge *CallBridge) *CallBridge {
	r.mu.Lock()
	previous := r.calls[callControlID]
	r.calls[callControlID] = bridge
	r.mu.Unlock()

	if previous != nil && previous != bridge {
		r.log.Warnf("[CallRegistry] Replacing active bridge for call: %s", callControlID)
		return previous
	}
	return nil
}

// Get returns the bridge for callControlID, or nil
func (r *ActiveCallRegistry) Get(callControlID string) *CallBridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.calls[callControlID]
}

// Remove deletes the entry for callControlID if it still points at bridge.
// A nil bridge removes unconditionally. Reports whether an entry was removed.
func (r *ActiveCallRegistry) Remove(callControlID string, bridge *CallBridge) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.calls[callControlID]
	if !exists {
		return false
	}
	if bridge != nil && current != bridge {
		return false
	}
	delete(r.calls, callControlID)
	return true
}

// Len returns the number of live bridges
func (r *ActiveCallRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Snapshot returns the live bridges in no particular order
func (r *ActiveCallRegistry) Snapshot() []*CallBridge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bridges := make([]*CallBridge, 0, len(r.calls))
	for _, bridge := range r.calls {
		bridges = append(bridges, bridge)
	}
	return bridges
}

// StopAll tears down every live bridge, e.g. on process shutdown
func (r *ActiveCallRegistry) StopAll(reason string) {
	bridges := r.Snapshot()
	if len(bridges) == 0 {
		return
	}

	r.log.Infof("[CallRegistry] Stopping %d active bridges (%s)", len(bridges), reason)

	var wg sync.WaitGroup
	for _, bridge := range bridges {
		wg.Add(1)
		go func(b *CallBridge) {
			defer wg.Done()
			b.Stop(reason)
		}(bridge)
	}
	wg.Wait()
}
