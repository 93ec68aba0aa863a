// Package connection tracks the live-view subscribers of the serving API.
package connection

import (
	"fmt"
	"sync"
	"time"
)

// Conn is the part of a websocket connection the manager needs.
type Conn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ClientInfo holds information about a connected subscriber
type ClientInfo struct {
	ConnectionID  string
	RemoteAddr    string
	ConnectedAt   time.Time
	LastHeardFrom time.Time
	Conn          Conn
	mu            sync.RWMutex
	writeMu       sync.Mutex
}

// UpdateLastHeardFrom updates the last activity timestamp
func (c *ClientInfo) UpdateLastHeardFrom() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastHeardFrom = time.Now()
}

// GetLastHeardFrom returns the last activity timestamp
func (c *ClientInfo) GetLastHeardFrom() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LastHeardFrom
}

// Send writes v as one JSON frame. Writers are serialised per connection.
func (c *ClientInfo) Send(v interface{}, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.Conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.Conn.WriteJSON(v)
}

// Manager manages all active subscriber connections
type Manager struct {
	clients  map[string]*ClientInfo // key: connection_id
	mu       sync.RWMutex
	maxConns int
}

// NewManager creates a new connection manager
func NewManager(maxConnections int) *Manager {
	return &Manager{
		clients:  make(map[string]*ClientInfo),
		maxConns: maxConnections,
	}
}

// Register adds a new subscriber
func (m *Manager) Register(connectionID, remoteAddr string, conn Conn) (*ClientInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.clients) >= m.maxConns {
		return nil, ErrMaxConnectionsReached
	}

	if _, exists := m.clients[connectionID]; exists {
		return nil, fmt.Errorf("connection ID %s already registered", connectionID)
	}

	now := time.Now()
	client := &ClientInfo{
		ConnectionID:  connectionID,
		RemoteAddr:    remoteAddr,
		ConnectedAt:   now,
		LastHeardFrom: now,
		Conn:          conn,
	}
	m.clients[connectionID] = client

	return client, nil
}

// Unregister removes a subscriber
func (m *Manager) Unregister(connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[connectionID]; !exists {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}
	delete(m.clients, connectionID)

	return nil
}

// Get retrieves client information by connection ID
func (m *Manager) Get(connectionID string) (*ClientInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, exists := m.clients[connectionID]
	return client, exists
}

// UpdateActivity updates the last heard from timestamp for a connection
func (m *Manager) UpdateActivity(connectionID string) error {
	m.mu.RLock()
	client, exists := m.clients[connectionID]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}

	client.UpdateLastHeardFrom()
	return nil
}

// GetInactiveConnections returns connection IDs that haven't been heard from in the given duration
func (m *Manager) GetInactiveConnections(timeout time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var inactive []string

	for connID, client := range m.clients {
		if now.Sub(client.GetLastHeardFrom()) > timeout {
			inactive = append(inactive, connID)
		}
	}

	return inactive
}

// Snapshot returns the currently registered clients.
func (m *Manager) Snapshot() []*ClientInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clients := make([]*ClientInfo, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	return clients
}

// Count returns the total number of active connections
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Stats returns statistics about the connection manager
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		TotalConnections: len(m.clients),
		MaxConnections:   m.maxConns,
	}
}

// ManagerStats contains statistics about the connection manager
type ManagerStats struct {
	TotalConnections int `json:"total_connections"`
	MaxConnections   int `json:"max_connections"`
}

var (
	ErrMaxConnectionsReached = &ConnectionError{"maximum connections reached"}
)

// ConnectionError represents a connection error
type ConnectionError struct {
	msg string
}

func (e *ConnectionError) Error() string {
	return e.msg
}
