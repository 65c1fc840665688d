// Package hub tracks open WebSocket subscribers and fans committed
// snapshots out to them. Delivery is fire-and-forget: a failed write
// evicts the subscriber, nothing is retried, and the producer never
// hears about it.
package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tokenflow/tokenbridge/internal/model"
	"github.com/tokenflow/tokenbridge/internal/store"
)

// Push message types on the subscriber channel.
const (
	MessageTypeAllProjects = "allProjectData"
	MessageTypeTokenData   = "tokenData"
)

// ProjectState pairs a project's current snapshot with its commit time,
// as sent in the join dump.
type ProjectState struct {
	Data      *model.Snapshot `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// AllProjectsMessage is sent once to a newly joined subscriber so a late
// joiner is not blind to existing state.
type AllProjectsMessage struct {
	Type     string                  `json:"type"`
	Projects map[string]ProjectState `json:"projects"`
}

// ChangeMessage is the compact notification sent on every ingestion commit.
type ChangeMessage struct {
	Type       string    `json:"type"`
	ProjectID  string    `json:"projectId"`
	TokenCount int       `json:"tokenCount"`
	Timestamp  time.Time `json:"timestamp"`
}

type client struct {
	id   uuid.UUID
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes to the connection
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub is the subscriber registry and broadcast dispatcher.
type Hub struct {
	store  store.SnapshotStore
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[uuid.UUID]*client

	upgrader websocket.Upgrader
}

// NewHub returns a Hub that reads join-dump state from the given store.
func NewHub(s store.SnapshotStore, logger zerolog.Logger) *Hub {
	return &Hub{
		store:   s,
		logger:  logger,
		clients: make(map[uuid.UUID]*client),
		upgrader: websocket.Upgrader{
			// The relay is unauthenticated and producers include browser
			// plugins with a "null" origin, so all origins are accepted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Count returns the number of currently open subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Subscribe upgrades the request to a WebSocket, registers the subscriber,
// and sends it the current state of every known project. The connection is
// torn down on the first read or write failure.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{id: uuid.New(), conn: conn}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Info().Str("subscriber", c.id.String()).Msg("subscriber connected")

	if dump := h.snapshotDump(); len(dump.Projects) > 0 {
		if err := c.writeJSON(dump); err != nil {
			h.evict(c, err)
			return nil
		}
	}

	// Subscribers never send payloads; the read loop only notices
	// disconnects and transport errors.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.evict(c, err)
				return
			}
		}
	}()
	return nil
}

// snapshotDump collects every project's latest snapshot for the join dump.
func (h *Hub) snapshotDump() AllProjectsMessage {
	projects := make(map[string]ProjectState)
	for _, summary := range h.store.List() {
		snap, ok := h.store.Get(summary.ProjectID)
		if !ok {
			continue
		}
		projects[summary.ProjectID] = ProjectState{Data: snap, Timestamp: summary.LastUpdate}
	}
	return AllProjectsMessage{Type: MessageTypeAllProjects, Projects: projects}
}

// Broadcast notifies every open subscriber that a project committed a new
// snapshot and returns how many sends succeeded. Failed sends evict the
// subscriber; which sends failed is never surfaced to the producer.
func (h *Hub) Broadcast(projectID string, tokenCount int, timestamp time.Time) int {
	msg := ChangeMessage{
		Type:       MessageTypeTokenData,
		ProjectID:  projectID,
		TokenCount: tokenCount,
		Timestamp:  timestamp,
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if err := c.writeJSON(msg); err != nil {
			h.evict(c, err)
			continue
		}
		delivered++
	}
	return delivered
}

// evict removes a subscriber from the registry and closes its connection.
// Safe to call more than once for the same client.
func (h *Hub) evict(c *client, cause error) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if present {
		h.logger.Info().Str("subscriber", c.id.String()).AnErr("cause", cause).Msg("subscriber disconnected")
	}
	_ = c.conn.Close()
}

// Close tears down every open subscriber, typically at shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[uuid.UUID]*client)
	h.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}
