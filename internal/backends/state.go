package backends

import (
	"sync"
	"time"

	"github.com/gluk-w/portdash/internal/connerr"
)

// ConnectionState is the connectivity state of one instance.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

var stateNames = [...]string{"disconnected", "connecting", "connected", "failed"}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// historyLimit is how many transitions are kept per instance.
const historyLimit = 50

// StateTransition is one entry of an instance's connection history.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	At        time.Time       `json:"at"`
	Transport string          `json:"transport,omitempty"`
	ErrorKind connerr.Kind    `json:"error_kind,omitempty"`
	Reason    string          `json:"reason"`
}

// StateChangeCallback is called synchronously on every state change.
type StateChangeCallback func(instanceID uint, from, to ConnectionState)

// change is a requested state change. A non-nil err supplies the error kind
// and, when reason is empty, the reason.
type change struct {
	to        ConnectionState
	transport string
	reason    string
	err       error
}

type instanceHistory struct {
	current ConnectionState
	log     []StateTransition // oldest first, at most historyLimit
}

func (h *instanceHistory) append(tr StateTransition) {
	if len(h.log) < historyLimit {
		h.log = append(h.log, tr)
		return
	}
	copy(h.log, h.log[1:])
	h.log[len(h.log)-1] = tr
}

// stateTracker keeps the current state and recent history of every instance.
type stateTracker struct {
	now func() time.Time

	mu        sync.RWMutex
	instances map[uint]*instanceHistory
	callbacks []StateChangeCallback
}

func newStateTracker(now func() time.Time) *stateTracker {
	return &stateTracker{now: now, instances: make(map[uint]*instanceHistory)}
}

// set applies c and runs the callbacks. Re-entering the current state is
// ignored.
func (st *stateTracker) set(instanceID uint, c change) {
	tr := StateTransition{To: c.to, Transport: c.transport, Reason: c.reason}
	if c.err != nil {
		tr.ErrorKind = connerr.KindOf(c.err)
		if tr.Reason == "" {
			tr.Reason = c.err.Error()
		}
	}

	st.mu.Lock()
	h := st.instances[instanceID]
	if h == nil {
		h = &instanceHistory{current: StateDisconnected}
		st.instances[instanceID] = h
	}
	if h.current == c.to {
		st.mu.Unlock()
		return
	}
	tr.From = h.current
	tr.At = st.now()
	h.current = c.to
	h.append(tr)
	cbs := append([]StateChangeCallback(nil), st.callbacks...)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(instanceID, tr.From, tr.To)
	}
}

func (st *stateTracker) get(instanceID uint) ConnectionState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if h := st.instances[instanceID]; h != nil {
		return h.current
	}
	return StateDisconnected
}

// transitions returns a copy of the history of instanceID, oldest first.
func (st *stateTracker) transitions(instanceID uint) []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	h := st.instances[instanceID]
	if h == nil || len(h.log) == 0 {
		return nil
	}
	return append([]StateTransition(nil), h.log...)
}

func (st *stateTracker) onChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

func (st *stateTracker) remove(instanceID uint) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.instances, instanceID)
}
