package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"batch-calc-engine/internal/events"
	"batch-calc-engine/internal/models"
)

const writeWait = 10 * time.Second

// JobSource is what the manager needs from the controller.
type JobSource interface {
	GetJob(ctx context.Context, id string) (*models.BulkCalculationJob, error)
	Subscribe(ctx context.Context, id string) (*events.Subscription, error)
}

// Update is one message written to a client.
type Update struct {
	Type  string                     `json:"type"`
	Job   *models.BulkCalculationJob `json:"job,omitempty"`
	Event *events.Event              `json:"event,omitempty"`
}

// Update types
const (
	UpdateSnapshot = "snapshot"
	UpdateEvent    = "event"
	UpdateClosed   = "closed"
)

// Manager streams job events to WebSocket connections
type Manager struct {
	clients   map[*websocket.Conn]string
	clientsMu sync.Mutex
	source    JobSource
	logger    zerolog.Logger
}

// New creates a new WebSocket manager
func New(source JobSource, logger zerolog.Logger) *Manager {
	return &Manager{
		clients: make(map[*websocket.Conn]string),
		source:  source,
		logger:  logger,
	}
}

// AddClient subscribes conn to jobID. It sends the current job snapshot,
// then every event until the client disconnects or the job is deleted.
func (m *Manager) AddClient(conn *websocket.Conn, jobID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := m.source.Subscribe(ctx, jobID)
	if err != nil {
		cancel()
		return err
	}
	job, err := m.source.GetJob(ctx, jobID)
	if err != nil {
		cancel()
		return err
	}

	m.clientsMu.Lock()
	m.clients[conn] = jobID
	total := len(m.clients)
	m.clientsMu.Unlock()
	m.logger.Debug().Str("job_id", jobID).Int("clients", total).Msg("websocket: client connected")

	if err := m.write(conn, Update{Type: UpdateSnapshot, Job: job}); err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("websocket: send snapshot failed")
	}

	// Handle disconnection
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			cancel()
			m.clientsMu.Lock()
			delete(m.clients, conn)
			remaining := len(m.clients)
			m.clientsMu.Unlock()
			conn.Close()
			m.logger.Debug().Str("job_id", jobID).Int("clients", remaining).Msg("websocket: client disconnected")
		}()
		for {
			select {
			case ev, ok := <-sub.C():
				if !ok {
					_ = m.write(conn, Update{Type: UpdateClosed})
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job closed"),
						time.Now().Add(writeWait))
					return
				}
				if err := m.write(conn, Update{Type: UpdateEvent, Event: &ev}); err != nil {
					m.logger.Debug().Err(err).Str("job_id", jobID).Msg("websocket: write failed")
					sub.Close()
					return
				}
			case <-ctx.Done():
				sub.Close()
				return
			}
		}
	}()
	return nil
}

func (m *Manager) write(conn *websocket.Conn, u Update) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(u)
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}
