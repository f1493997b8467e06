package client

import (
	"sync"

	"github.com/example/workspace-sync/internal/types"
)

// State is the connection state of a Client.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOnline     State = "online"
	StateOffline    State = "offline"
	StateError      State = "error"
)

// EventType names what an Event carries.
type EventType string

const (
	EventState    EventType = "state"
	EventChanges  EventType = "changes"
	EventAck      EventType = "ack"
	EventConflict EventType = "conflict"
	EventPresence EventType = "presence"
	EventError    EventType = "error"
)

// Event is delivered to every listener registered with On.
type Event struct {
	Type  EventType
	State State
	Scope types.Scope

	// Changes and Snapshot come from a pull, or from a realtime broadcast
	// when Realtime is set.
	Changes  []types.ChangeEnvelope
	Snapshot *types.WireSnapshot
	Realtime bool

	// Conflicts are reported by an accepted push or a divergence rejection.
	Conflicts []types.PushConflict
	Ack       *types.PushResponse
	Presence  *types.PresenceList
	Err       error
}

type listeners struct {
	mu     sync.RWMutex
	nextID int
	fns    map[int]func(Event)
}

func (l *listeners) add(fn func(Event)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(Event))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners) emit(event Event) {
	l.mu.RLock()
	fns := make([]func(Event), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(event)
	}
}
