package websocket

import (
	"context"
	"sync"
)

// Hub is the central pub/sub broker for WebSocket clients. It keeps the
// registry of connected clients and routes published messages to every
// client subscribed to a topic.
//
// Registry mutations (register, unregister) are serialised through the Run
// goroutine via channels. Publish is the exception: it takes a read-lock
// just long enough to copy the target set, then sends outside the lock so a
// slow client cannot stall the event loop.
type Hub struct {
	// clients maps each connected client to its presence; topics maps each
	// topic to its subscriber set. Both are updated together.
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	// mu guards clients and topics for Publish, which reads them from
	// outside the Run goroutine.
	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// stopped is closed when Run exits; no messages are delivered after.
	stopped chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. Call it exactly once, in its own
// goroutine; it exits when ctx is cancelled during graceful shutdown.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, topic := range client.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]struct{})
				}
				h.topics[topic][client] = struct{}{}
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, topic := range client.topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				// Signals the client's writePump to drain and exit.
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every client subscribed to topic. Safe to call from
// any goroutine (engine, dispatcher, handlers). A client whose send buffer
// is full is disconnected so its backpressure cannot block the other
// subscribers on the topic.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.RLock()
	targets := h.topics[topic]
	var clients []*Client
	for c := range targets {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			h.unregister <- c
		}
	}
}

// Done returns a channel that is closed once Run has exited and every
// connected client has been told to disconnect.
func (h *Hub) Done() <-chan struct{} {
	return h.stopped
}

// Subscribe registers client with the hub and adds it to all its topics.
// Called by the HTTP upgrade handler once the client is initialised.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and all its topic subscriptions.
// Called by the client's readPump when the connection closes.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the number of connected WebSocket clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
