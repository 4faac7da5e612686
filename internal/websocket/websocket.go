package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sku-render-pipeline/internal/logging"
	"sku-render-pipeline/internal/models"
)

// Source provides the state pushed to clients
type Source interface {
	ListJobs() []models.JobSummary
	GetStatus(jobID string) (models.JobStatusView, error)
}

// Update is one message sent to clients. A full update carries Jobs, a job
// update carries the Job snapshot that changed.
type Update struct {
	Type string                `json:"type"`
	Jobs []models.JobSummary   `json:"jobs,omitempty"`
	Job  *models.JobStatusView `json:"job,omitempty"`
}

// sendQueueSize bounds the updates buffered for one client; a client that
// falls this far behind is disconnected.
const sendQueueSize = 64

const writeWait = 10 * time.Second

// client owns a single writer goroutine, so updates reach it in the order
// they were queued.
type client struct {
	conn  *websocket.Conn
	queue chan Update
}

func (c *client) writeLoop(log *logging.Logger) {
	for update := range c.queue {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(update); err != nil {
			log.Warn("[WEBSOCKET] send failed", "error", err.Error())
			c.conn.Close()
			return
		}
	}
}

// Manager manages WebSocket connections and broadcasts
type Manager struct {
	clients   map[*websocket.Conn]*client
	clientsMu sync.Mutex
	// publishMu orders snapshot reads with their enqueueing
	publishMu sync.Mutex
	source    Source
	log       *logging.Logger
}

// New creates a new WebSocket manager
func New(source Source, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Manager{
		clients: make(map[*websocket.Conn]*client),
		source:  source,
		log:     log,
	}
}

// AddClient adds a new WebSocket client and queues the job list for it
func (m *Manager) AddClient(conn *websocket.Conn) {
	c := &client{conn: conn, queue: make(chan Update, sendQueueSize)}
	go c.writeLoop(m.log)

	m.publishMu.Lock()
	m.clientsMu.Lock()
	m.clients[conn] = c
	total := len(m.clients)
	c.queue <- Update{Type: "jobs", Jobs: m.source.ListJobs()}
	m.clientsMu.Unlock()
	m.publishMu.Unlock()

	m.log.Info("[WEBSOCKET] client connected", "clients", total)

	// Handle disconnection
	go func() {
		defer m.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// BroadcastJob sends the snapshot of one job to every client
func (m *Manager) BroadcastJob(jobID string) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	view, err := m.source.GetStatus(jobID)
	if err != nil {
		return
	}
	m.enqueue(Update{Type: "job", Job: &view})
}

// Broadcast sends the job list to every client
func (m *Manager) Broadcast() {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	m.enqueue(Update{Type: "jobs", Jobs: m.source.ListJobs()})
}

func (m *Manager) enqueue(update Update) {
	var slow []*websocket.Conn
	m.clientsMu.Lock()
	for conn, c := range m.clients {
		select {
		case c.queue <- update:
		default:
			slow = append(slow, conn)
		}
	}
	m.clientsMu.Unlock()

	for _, conn := range slow {
		m.log.Warn("[WEBSOCKET] dropping slow client")
		m.remove(conn)
	}
}

// remove forgets a client once; its writer drains and exits
func (m *Manager) remove(conn *websocket.Conn) {
	m.clientsMu.Lock()
	c, ok := m.clients[conn]
	if ok {
		delete(m.clients, conn)
		close(c.queue)
	}
	total := len(m.clients)
	m.clientsMu.Unlock()
	if !ok {
		return
	}
	conn.Close()
	m.log.Info("[WEBSOCKET] client disconnected", "clients", total)
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}
