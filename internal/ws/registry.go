package ws

import (
	"sync"

	"github.com/example/workspace-sync/internal/types"
)

// ConnectionRegistry tracks active connections keyed by workspace so frames
// can be broadcast to a workspace room.
type ConnectionRegistry struct {
	mu         sync.RWMutex
	workspaces map[string]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{workspaces: make(map[string]map[*Connection]struct{})}
}

// Register joins the connection to its workspace room.
func (r *ConnectionRegistry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.workspaces[c.WorkspaceID()]
	if room == nil {
		room = make(map[*Connection]struct{})
		r.workspaces[c.WorkspaceID()] = room
	}
	if _, ok := room[c]; !ok {
		room[c] = struct{}{}
		gatewayConnections.Inc()
	}
}

// Unregister removes the connection from its room.
func (r *ConnectionRegistry) Unregister(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.workspaces[c.WorkspaceID()]
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	gatewayConnections.Dec()
	if len(room) == 0 {
		delete(r.workspaces, c.WorkspaceID())
	}
}

// Count returns the number of connections in a workspace room.
func (r *ConnectionRegistry) Count(workspaceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workspaces[workspaceID])
}

// HasDevice reports whether device still holds a connection in the
// workspace room.
func (r *ConnectionRegistry) HasDevice(workspaceID string, device types.DeviceID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.workspaces[workspaceID] {
		if c.DeviceID() == device {
			return true
		}
	}
	return false
}

// Broadcast delivers an encoded frame to every connection of the workspace,
// skipping the connections of skipDevice when it is set. It returns the
// number of connections the frame was queued for.
func (r *ConnectionRegistry) Broadcast(workspaceID string, frame []byte, skipDevice types.DeviceID) int {
	r.mu.RLock()
	room := r.workspaces[workspaceID]
	if len(room) == 0 {
		r.mu.RUnlock()
		return 0
	}
	recipients := make([]*Connection, 0, len(room))
	for c := range room {
		if skipDevice != "" && c.DeviceID() == skipDevice {
			continue
		}
		recipients = append(recipients, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range recipients {
		if err := conn.SendRaw(frame); err == nil {
			sent++
		}
	}
	return sent
}
