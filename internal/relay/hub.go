package relay

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans frames out to the clients bound to each document.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	documents map[string]map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[string]*Client),
		documents: make(map[string]map[string]*Client),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID()] = client
	subs, ok := h.documents[client.DocumentID()]
	if !ok {
		subs = make(map[string]*Client)
		h.documents[client.DocumentID()] = subs
	}
	subs[client.ID()] = client
}

// Unregister removes the client and closes it with code.
func (h *Hub) Unregister(clientID string, code int, reason string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
		subs := h.documents[client.DocumentID()]
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.documents, client.DocumentID())
		}
	}
	h.mu.Unlock()

	if ok {
		client.Close(code, reason)
	}
}

// Publish queues frame for every client of documentID and returns how many
// accepted it. Clients that cannot keep up are dropped.
func (h *Hub) Publish(documentID string, frame []byte) int {
	h.mu.RLock()
	subs := make([]*Client, 0, len(h.documents[documentID]))
	for _, client := range h.documents[documentID] {
		subs = append(subs, client)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range subs {
		if client.Queue(frame) {
			delivered++
			continue
		}
		h.Unregister(client.ID(), websocket.CloseTryAgainLater, "subscriber too slow")
	}
	return delivered
}

// Count is the number of clients bound to documentID.
func (h *Hub) Count(documentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.documents[documentID])
}

// Documents lists the documents that have at least one client.
func (h *Hub) Documents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.documents))
	for id := range h.documents {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll unregisters every client with code.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Unregister(id, code, reason)
	}
}
