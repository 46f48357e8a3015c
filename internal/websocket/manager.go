package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vlab-project/vlab/internal/logger"
)

// Manager manages operator WebSocket connections and broadcasts events.
// Publishing never blocks the caller: when the event channel is full the
// event is dropped, since the event stream is a live view, not a log.
type Manager struct {
	connections map[string]*Connection
	eventChan   chan *Event

	upgrader websocket.Upgrader

	mu  sync.RWMutex
	wg  sync.WaitGroup
	log *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Connection represents one connected operator client
type Connection struct {
	ID   string
	Send chan *Event

	mu     sync.Mutex
	closed bool
}

// NewManager creates a new WebSocket manager
func NewManager(log *logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		connections: make(map[string]*Connection),
		eventChan:   make(chan *Event, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local operator surface only; same-origin enforcement is not
			// meaningful on a LAN-addressed node.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the broadcast loop
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop closes all connections and stops the broadcast loop
func (m *Manager) Stop() {
	m.cancel()

	m.mu.Lock()
	for _, conn := range m.connections {
		conn.close()
	}
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	m.wg.Wait()
}

// Publish queues an event for broadcast. Never blocks.
func (m *Manager) Publish(event *Event) {
	select {
	case m.eventChan <- event:
	default:
		// Event stream full, drop.
	}
}

// ConnectionCount returns the number of connected clients
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// HandleConnection upgrades an HTTP request to a WebSocket connection and
// serves events until the client disconnects.
func (m *Manager) HandleConnection(c *gin.Context) {
	ws, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	conn := &Connection{
		ID:   uuid.New().String(),
		Send: make(chan *Event, 32),
	}

	m.mu.Lock()
	m.connections[conn.ID] = conn
	m.mu.Unlock()

	m.log.Debugf("websocket client connected: %s", conn.ID)

	go m.writePump(ws, conn)
	m.readPump(ws, conn)
}

// run is the broadcast loop
func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case event := <-m.eventChan:
			m.broadcast(event)
		}
	}
}

func (m *Manager) broadcast(event *Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, conn := range m.connections {
		select {
		case conn.Send <- event:
		default:
			// Slow client, drop the event for this connection.
		}
	}
}

// writePump writes events to one client until its send channel closes.
func (m *Manager) writePump(ws *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case event, ok := <-conn.Send:
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and tears the connection down when the
// client goes away.
func (m *Manager) readPump(ws *websocket.Conn, conn *Connection) {
	defer m.removeConnection(conn)

	ws.SetReadLimit(512)
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (m *Manager) removeConnection(conn *Connection) {
	m.mu.Lock()
	if _, ok := m.connections[conn.ID]; ok {
		delete(m.connections, conn.ID)
		conn.close()
	}
	m.mu.Unlock()

	m.log.Debugf("websocket client disconnected: %s", conn.ID)
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.Send)
		c.closed = true
	}
}
