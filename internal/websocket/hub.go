package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/manimcat/api/internal/logging"
	"github.com/manimcat/api/internal/model"
)

var log = logging.Component("WebSocket")

// How long the last message of a job is kept for late subscribers
const replayTTL = 10 * time.Minute

// Client is one subscriber of a job's updates
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub fans job updates out to subscribers. A subscriber that joins late
// first receives the job's last update; after a complete or error message
// every subscriber of that job is closed.
type Hub struct {
	clients    map[string]map[*Client]bool
	last       map[string]*jobUpdate
	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu sync.Mutex
}

// BroadcastMessage is an encoded update addressed to a job
type BroadcastMessage struct {
	JobID    string
	Message  []byte
	Terminal bool
}

type jobUpdate struct {
	message  []byte
	terminal bool
	at       time.Time
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		last:       make(map[string]*jobUpdate),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.add(client)

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()
			log.WithField("jobId", client.JobID).Debug("Client unregistered")

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if u, ok := h.last[client.JobID]; ok && time.Since(u.at) < replayTTL {
		select {
		case client.Send <- u.message:
		default:
		}
		if u.terminal {
			close(client.Send)
			return
		}
	}
	if h.clients[client.JobID] == nil {
		h.clients[client.JobID] = make(map[*Client]bool)
	}
	h.clients[client.JobID][client] = true
	log.WithField("jobId", client.JobID).Debug("Client registered")
}

// drop must be called with mu held.
func (h *Hub) drop(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.last[msg.JobID] = &jobUpdate{message: msg.Message, terminal: msg.Terminal, at: now}
	for id, u := range h.last {
		if now.Sub(u.at) >= replayTTL {
			delete(h.last, id)
		}
	}

	for client := range h.clients[msg.JobID] {
		select {
		case client.Send <- msg.Message:
			if msg.Terminal {
				h.drop(client)
			}
		default:
			// slow consumer
			h.drop(client)
		}
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastStage announces a stage change to all job subscribers
func (h *Hub) BroadcastStage(jobID string, stage model.ProcessingStage) {
	h.publish(jobID, false, model.WSStageMessage{
		Type:     model.WSMessageTypeStage,
		JobID:    jobID,
		Stage:    stage,
		Progress: stage.Progress(),
		Message:  stage.Label(),
	})
}

// BroadcastComplete sends the job result and ends the job's stream
func (h *Hub) BroadcastComplete(jobID string, result interface{}) {
	h.publish(jobID, true, model.WSCompleteMessage{
		Type:   model.WSMessageTypeComplete,
		JobID:  jobID,
		Result: result,
	})
}

// BroadcastError sends the failure and ends the job's stream
func (h *Hub) BroadcastError(jobID string, code, message string) {
	h.publish(jobID, true, model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

// publish drops the message when the broadcast buffer is full.
func (h *Hub) publish(jobID string, terminal bool, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).Error("Failed to marshal websocket message")
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobID: jobID, Message: data, Terminal: terminal}:
	default:
		log.WithField("jobId", jobID).Warn("Broadcast buffer full, dropping message")
	}
}

// HandleConnection serves one subscriber until either side closes
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, 16),
	}

	h.Register(client)
	defer h.Unregister(client)

	pongs := make(chan struct{}, 1)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-pongs:
				pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithError(err).WithField("jobId", jobID).Warn("WebSocket closed unexpectedly")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Type != model.WSMessageTypePing {
			continue
		}
		select {
		case pongs <- struct{}{}:
		default:
		}
	}
}
