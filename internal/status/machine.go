package status

import (
	"sync"
	"time"

	"github.com/tmarqs/xim/internal/bus"
	"go.uber.org/zap"
)

// State represents a connection lifecycle state.
type State string

const (
	Disconnected   State = "disconnected"
	Connecting     State = "connecting"
	Authenticating State = "authenticating"
	Connected      State = "connected"
	Error          State = "error"
	Reconnecting   State = "reconnecting"
)

// Event is a connection lifecycle event fed into the machine.
type Event string

const (
	EventConnect     Event = "CONNECT"
	EventAuthSuccess Event = "AUTH_SUCCESS"
	EventAuthFailed  Event = "AUTH_FAILED"
	EventDisconnect  Event = "DISCONNECT"
	EventError       Event = "ERROR"
	EventReconnect   Event = "RECONNECT"
)

// transitions is the fixed per-state event table. ERROR and DISCONNECT are
// legal everywhere and handled separately in Fire. The graph is cyclic:
// error and disconnected can always re-enter connecting.
var transitions = map[State]map[Event]State{
	Disconnected: {
		EventConnect:   Connecting,
		EventReconnect: Reconnecting,
	},
	Connecting: {
		EventAuthSuccess: Authenticating,
		EventAuthFailed:  Error,
	},
	Authenticating: {
		EventAuthSuccess: Connected,
		EventAuthFailed:  Error,
	},
	Connected: {
		EventReconnect: Reconnecting,
	},
	Reconnecting: {
		EventConnect:     Connecting,
		EventAuthSuccess: Authenticating,
	},
	Error: {
		EventConnect:   Connecting,
		EventReconnect: Reconnecting,
	},
}

// historySize is the number of transitions retained for diagnostics.
const historySize = 50

// Transition records one successful state change.
type Transition struct {
	From  State
	Event Event
	To    State
	At    time.Time
}

// Listener is invoked synchronously after every successful transition.
type Listener func(to State, via Event)

// Machine tracks the connection lifecycle and gates which sync operations
// may run. It is the sole owner of connection-state mutation.
type Machine struct {
	mu        sync.RWMutex
	current   State
	listeners []Listener
	history   []Transition
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewMachine creates a machine in the disconnected state. bus and logger
// may be nil.
func NewMachine(b *bus.Bus, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		current: Disconnected,
		history: make([]Transition, 0, historySize),
		bus:     b,
		logger:  logger,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsConnected reports whether the session is fully established.
func (m *Machine) IsConnected() bool {
	return m.Current() == Connected
}

// OnStateChange registers a listener. Listeners run synchronously, in
// registration order, after every successful transition.
func (m *Machine) OnStateChange(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Fire applies an event. It returns false, with no state change, when the
// event is illegal in the current state; illegal events are logged, never
// raised as errors.
func (m *Machine) Fire(evt Event) bool {
	m.mu.Lock()
	from := m.current

	var to State
	switch evt {
	case EventError:
		to = Error
	case EventDisconnect:
		to = Disconnected
	default:
		next, ok := transitions[from][evt]
		if !ok {
			m.mu.Unlock()
			m.logger.Warn("illegal state transition ignored",
				zap.String("state", string(from)),
				zap.String("event", string(evt)))
			return false
		}
		to = next
	}

	m.current = to
	m.record(Transition{From: from, Event: evt, To: to, At: time.Now()})
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(to, evt)
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.state_changed",
			Timestamp: time.Now(),
			Payload:   StateChange{From: from, To: to, Event: evt},
		})
	}
	return true
}

// record appends to the bounded transition history. Caller holds mu.
func (m *Machine) record(tr Transition) {
	if len(m.history) == historySize {
		copy(m.history, m.history[1:])
		m.history[historySize-1] = tr
		return
	}
	m.history = append(m.history, tr)
}

// History returns a copy of the retained transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// StateChange is the payload for session.state_changed bus events.
type StateChange struct {
	From  State
	To    State
	Event Event
}
