package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/assetforge/api/internal/metrics"
	"github.com/assetforge/api/internal/model"
)

// Client represents a WebSocket client. The hub signals teardown by
// closing done; Send itself is never closed, so the reader goroutine can
// reply to pings without racing the hub.
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte

	done chan struct{}
}

// Subscription is an in-process event feed for one job, used by the SSE
// handler. Events are dropped rather than queued when C is full.
type Subscription struct {
	C chan *model.JobEvent

	hub   *Hub
	jobID string
}

// Close detaches the subscription from the hub and closes C.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub maintains active WebSocket connections and SSE subscriptions
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	// SSE subscriptions grouped by job ID
	subs map[string]map[*Subscription]bool

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// Broadcast messages to job subscribers
	broadcast chan *BroadcastMessage

	mu sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Event   *model.JobEvent
	Message []byte
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		subs:       make(map[string]map[*Subscription]bool),
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
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			log.Printf("Client registered for job %s", client.JobID)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.JobID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.done)
					if len(clients) == 0 {
						delete(h.clients, client.JobID)
					}
				}
			}
			h.mu.Unlock()
			log.Printf("Client unregistered from job %s", client.JobID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			if clients, ok := h.clients[msg.JobID]; ok {
				for client := range clients {
					select {
					case client.Send <- msg.Message:
					default:
						close(client.done)
						delete(clients, client)
					}
				}
			}
			for sub := range h.subs[msg.JobID] {
				select {
				case sub.C <- msg.Event:
				default:
					// Slow consumer, skip this event. SSE reconnect
					// re-reads the job snapshot so nothing is lost.
				}
			}
			h.mu.Unlock()
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

// Subscribe opens an event feed for a job. The caller must Close it.
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		C:     make(chan *model.JobEvent, 16),
		hub:   h,
		jobID: jobID,
	}

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*Subscription]bool)
	}
	h.subs[jobID][sub] = true
	h.mu.Unlock()

	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[sub.jobID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.C)
	if len(subs) == 0 {
		delete(h.subs, sub.jobID)
	}
}

// BroadcastEvent sends a job event to all WebSocket clients and SSE
// subscribers watching the event's job.
func (h *Hub) BroadcastEvent(event *model.JobEvent) {
	if event == nil || event.JobID == "" {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal job event: %v", err)
		return
	}

	h.broadcast <- &BroadcastMessage{
		JobID:   event.JobID,
		Event:   event,
		Message: data,
	}
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, 256),
		done:  make(chan struct{}),
	}

	h.Register(client)
	defer h.Unregister(client)

	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-client.done:
				c.WriteMessage(websocket.CloseMessage, []byte{})
				return

			case message := <-client.Send:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		// Handle client messages (ping/pong)
		var msg model.JobEvent
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.EventTypePing {
			data, _ := json.Marshal(model.JobEvent{Type: model.EventTypePong})
			select {
			case client.Send <- data:
			default:
				// Writer is backed up; the keep-alive ping covers liveness.
			}
		}
	}
}
