// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Clients only send pings.
	maxMessageSize = 4 * 1024

	// Outbound messages buffered per client before it is dropped.
	clientSendBuffer = 32

	hubIdleTimeout = 5 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Message types for WebSocket communication
const (
	MsgTypeHello        = "HELLO"
	MsgTypeWalletUpdate = "WALLET_UPDATE"
	MsgTypePing         = "PING"
	MsgTypePong         = "PONG"
	MsgTypeError        = "ERROR"
)

// Message represents a WebSocket message
type Message struct {
	Type      string `json:"type"`
	Owner     string `json:"owner,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
	Error     string `json:"error,omitempty"`
}

// clientReply is a direct answer to one client. Replies go through the hub
// because only the hub goroutine may write to or close a client's send
// channel.
type clientReply struct {
	client *wsClient
	msg    Message
}

// Hub fans wallet updates out to every connection of one owner.
type Hub struct {
	owner string

	// Registered clients. Owned by run().
	clients map[*wsClient]bool

	updates    chan int64
	replies    chan clientReply
	register   chan *wsClient
	unregister chan *wsClient

	// refs counts clients that are registered or about to register.
	// Guarded by hm.mu.
	refs int

	hm *HubManager
}

func newHub(owner string, hm *HubManager) *Hub {
	return &Hub{
		owner:      owner,
		clients:    make(map[*wsClient]bool),
		updates:    make(chan int64, 64), // Buffered so appliers never block on slow hubs
		replies:    make(chan clientReply, 16),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		hm:         hm,
	}
}

func (h *Hub) run() {
	idleTimer := time.NewTicker(hubIdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case updatedAt := <-h.updates:
			h.broadcast(Message{Type: MsgTypeWalletUpdate, Owner: h.owner, UpdatedAt: updatedAt})
		case reply := <-h.replies:
			if h.clients[reply.client] {
				select {
				case reply.client.send <- reply.msg:
				default:
				}
			}
		case <-idleTimer.C:
			if len(h.clients) == 0 && h.hm.removeIfIdle(h) {
				return
			}
		case <-h.hm.done:
			for client := range h.clients {
				close(client.send)
			}
			return
		}
	}
}

func (h *Hub) broadcast(msg Message) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// HubManager manages one hub per wallet owner.
type HubManager struct {
	hubs map[string]*Hub
	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

func NewHubManager() *HubManager {
	return &HubManager{
		hubs: make(map[string]*Hub),
		done: make(chan struct{}),
	}
}

// acquire returns the hub of owner and reserves a slot for one client.
func (hm *HubManager) acquire(owner string) *Hub {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hub, ok := hm.hubs[owner]
	if !ok {
		hub = newHub(owner, hm)
		hm.hubs[owner] = hub
		go hub.run()
	}
	hub.refs++
	return hub
}

func (hm *HubManager) release(h *Hub) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	h.refs--
}

func (hm *HubManager) removeIfIdle(h *Hub) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if h.refs > 0 {
		return false
	}
	if hm.hubs[h.owner] == h {
		delete(hm.hubs, h.owner)
	}
	return true
}

// Notify tells every live connection of owner that the wallet changed.
// It never blocks.
func (hm *HubManager) Notify(owner string, updatedAt int64) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hub, ok := hm.hubs[owner]
	if !ok {
		return
	}
	select {
	case hub.updates <- updatedAt:
	default:
		log.Printf("Warning: Hub channel full, dropping update for %s", maskEmail(owner))
	}
}

// ConnectionCount returns the number of open WebSocket connections.
func (hm *HubManager) ConnectionCount() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	n := 0
	for _, h := range hm.hubs {
		n += h.refs
	}
	return n
}

// Close stops every hub and closes their connections.
func (hm *HubManager) Close() {
	hm.once.Do(func() { close(hm.done) })
}

// wsClient is a middleman between the websocket connection and the hub.
type wsClient struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan Message
}

// readPump pumps messages from the websocket connection to the hub.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.hm.done:
		}
		c.hub.hm.release(c.hub)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			return
		}
		switch msg.Type {
		case MsgTypePing:
			c.sendJSON(Message{Type: MsgTypePong})
		default:
			c.sendJSON(Message{Type: MsgTypeError, Error: "Unknown message type"})
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) sendJSON(msg Message) {
	select {
	case c.hub.replies <- clientReply{client: c, msg: msg}:
	default:
	}
}

// ServeWS upgrades the request and subscribes it to the owner's wallet.
func ServeWS(hm *HubManager, store *WalletStore, owner string, w http.ResponseWriter, r *http.Request, debugf func(string, ...any)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	debugf("WebSocket connected for %s", maskEmail(owner))

	var updatedAt int64
	if store != nil {
		if wallet, err := store.LoadWallet(owner); err == nil {
			updatedAt = wallet.UpdatedAt
		}
	}

	hub := hm.acquire(owner)
	client := &wsClient{hub: hub, conn: conn, send: make(chan Message, clientSendBuffer)}
	client.send <- Message{Type: MsgTypeHello, Owner: owner, UpdatedAt: updatedAt}
	select {
	case hub.register <- client:
	case <-hm.done:
		hm.release(hub)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
