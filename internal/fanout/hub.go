package fanout

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// Broadcaster is the transport seen by the throttle and the lifecycle
// scheduler. Emit is reliable per connection; EmitVolatile may drop when a
// client's buffer is full (used for high-frequency feeds where the next
// batch supersedes the last).
type Broadcaster interface {
	Emit(room, event string, payload interface{})
	EmitVolatile(room, event string, payload interface{})
	Count(room string) int
	DisconnectRoom(room string)
}

// QuizRoom is where every viewer of a quiz lives.
func QuizRoom(quizID string) string { return "quiz:" + quizID }

// AdminRoom is where the quiz owner's dashboard lives.
func AdminRoom(quizID string) string { return "admin:" + quizID }

// Envelope is the wire shape of every outbound event.
type Envelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Hub is a room-keyed websocket fanout. Each client gets a buffered send
// queue and a single writer goroutine; broadcast never blocks on a slow
// client.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client][]string
}

// Client is one connected websocket viewer. The send channel is never closed:
// a broadcast racing a Leave may still deliver into the buffer after removal,
// so shutdown is signaled on done instead and leftover messages are simply
// dropped with the client.
type Client struct {
	conn *websocket.Conn
	send chan Envelope
	done chan struct{}
	once sync.Once
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client][]string),
	}
}

// Join registers a connection in the given rooms and starts its writer.
func (h *Hub) Join(conn *websocket.Conn, rooms ...string) *Client {
	client := &Client{
		conn: conn,
		send: make(chan Envelope, 32),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client] = rooms
	for _, room := range rooms {
		members, ok := h.rooms[room]
		if !ok {
			members = make(map[*Client]struct{})
			h.rooms[room] = members
		}
		members[client] = struct{}{}
	}
	h.mu.Unlock()

	go client.writeLoop()
	return client
}

// Leave removes the client from all its rooms and stops its writer.
func (h *Hub) Leave(client *Client) {
	h.mu.Lock()
	rooms := h.clients[client]
	delete(h.clients, client)
	for _, room := range rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()
	client.close()
}

func (h *Hub) Emit(room, event string, payload interface{}) {
	h.broadcast(room, Envelope{Event: event, Payload: payload}, false)
}

func (h *Hub) EmitVolatile(room, event string, payload interface{}) {
	h.broadcast(room, Envelope{Event: event, Payload: payload}, true)
}

func (h *Hub) Count(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// DisconnectRoom force-closes every connection in a room.
func (h *Hub) DisconnectRoom(room string) {
	h.mu.Lock()
	members := h.rooms[room]
	clients := make([]*Client, 0, len(members))
	for client := range members {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.Leave(client)
		_ = client.conn.Close()
	}
}

func (h *Hub) broadcast(room string, msg Envelope, volatile bool) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for client := range h.rooms[room] {
		members = append(members, client)
	}
	h.mu.RUnlock()

	for _, client := range members {
		select {
		case client.send <- msg:
		default:
			if volatile {
				continue
			}
			// Drop the oldest queued message so the fresh one gets through.
			select {
			case <-client.send:
			default:
			}
			select {
			case client.send <- msg:
			default:
			}
		}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}
