package bridge

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// event is the envelope pushed to every connected client.
type event struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// wsClient is one connected frontend.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub fans service events out to all connected WebSocket clients. It
// implements service.Notifier.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]bool)}
}

// Notify broadcasts one event to every client. Never blocks the caller
// beyond the per-client write.
func (h *Hub) Notify(name string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ev := event{Event: name, Payload: payload, Time: time.Now()}
	for client := range h.clients {
		if err := client.send(ev); err != nil {
			log.Printf("bridge: websocket send: %v", err)
		}
	}
}

// HandleWebSocket upgrades the connection and keeps it registered until
// the client disconnects. Client messages are ignored; the stream is
// push-only.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("bridge: websocket upgrade: %v", err)
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	log.Printf("bridge: websocket client connected from %s", r.RemoteAddr)
	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("bridge: websocket read: %v", err)
			}
			return
		}
	}
}
