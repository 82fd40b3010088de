package txadmin

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/mossdb/mossdb/pkg/txn"
)

// upgrader mirrors the teacher's change-stream upgrader: default
// buffer sizes, all origins allowed (txadmin is an operator surface,
// not a public API).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventStreamManager tracks active websocket connections streaming
// Store commit/rollback/deadlock events, the txadmin analogue of the
// teacher's ChangeStreamManager over an oplog.
type EventStreamManager struct {
	store       *txn.Store
	mu          sync.Mutex
	connections map[string]*eventConnection
}

type eventConnection struct {
	id     string
	conn   *websocket.Conn
	cancel func()
}

// NewEventStreamManager creates a manager bound to store.
func NewEventStreamManager(store *txn.Store) *EventStreamManager {
	return &EventStreamManager{
		store:       store,
		connections: make(map[string]*eventConnection),
	}
}

// Close closes every active connection.
func (m *EventStreamManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.connections {
		c.cancel()
		c.conn.Close()
	}
	m.connections = make(map[string]*eventConnection)
	return nil
}

func (m *EventStreamManager) add(c *eventConnection) {
	m.mu.Lock()
	m.connections[c.id] = c
	m.mu.Unlock()
}

func (m *EventStreamManager) remove(id string) {
	m.mu.Lock()
	delete(m.connections, id)
	m.mu.Unlock()
}

// eventMessage is the JSON frame sent for each Store event.
type eventMessage struct {
	Type      string   `json:"type"`
	Slot      uint32   `json:"slot"`
	Name      string   `json:"name,omitempty"`
	OwnerID   string   `json:"ownerId"`
	Isolation string   `json:"isolation"`
	At        string   `json:"at"`
	Cycle     []uint32 `json:"cycle,omitempty"`
}

// HandleEventStream upgrades the connection and relays every Store
// event until the client disconnects or the server shuts down.
func (m *EventStreamManager) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("txadmin: failed to upgrade websocket: %v", err)
		return
	}

	events, cancel := m.store.Subscribe(64)
	connID := fmt.Sprintf("ws-%d", time.Now().UnixNano())
	ec := &eventConnection{id: connID, conn: conn, cancel: cancel}
	m.add(ec)
	defer func() {
		m.remove(connID)
		cancel()
		conn.Close()
	}()

	ack := map[string]string{"type": "connected", "message": "transaction event stream connected"}
	if err := conn.WriteJSON(ack); err != nil {
		return
	}

	// Drain client control/close frames on their own goroutine so the
	// read side stays live while the write loop below blocks on events.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := eventMessage{
				Type:      string(ev.Type),
				Slot:      ev.Slot,
				Name:      ev.Name,
				OwnerID:   ev.OwnerID,
				Isolation: isolationName(ev.Isolation),
				At:        ev.At.Format(time.RFC3339Nano),
				Cycle:     ev.Cycle,
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteJSON(map[string]string{"type": "heartbeat"}); err != nil {
				return
			}
		}
	}
}

// SetupWebSocketRoutes mounts the event stream route, mirroring the
// teacher's handlers.SetupWebSocketRoutes.
func SetupWebSocketRoutes(r chi.Router, store *txn.Store) *EventStreamManager {
	manager := NewEventStreamManager(store)
	r.Get("/_ws/events", manager.HandleEventStream)
	return manager
}
