// Package realtime streams marketplace activity over WebSocket.
//
// Clients subscribe once and receive charges and deposits as they
// happen instead of polling the transaction log.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mdolyak/querygate/internal/credits"
	"github.com/mdolyak/querygate/internal/metrics"
	"github.com/mdolyak/querygate/internal/txlog"
)

// normalCloseCodes are WebSocket close codes for an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for marketplace events.
type EventType string

const (
	EventCharge            EventType = "charge"
	EventDeposit           EventType = "deposit"
	EventServiceRegistered EventType = "service_registered"
)

// Event is one message on the feed.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// ChargeEvent is emitted when a paid query completes.
type ChargeEvent struct {
	TransactionID string `json:"transactionId"`
	ServiceID     string `json:"serviceId"`
	BuyerAddress  string `json:"buyerAddress"`
	SellerAddress string `json:"sellerAddress"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
}

// DepositEvent is emitted when the reconciler credits an on-chain deposit.
type DepositEvent struct {
	BuyerAddress string `json:"buyerAddress"`
	Amount       string `json:"amount"`
	TxHash       string `json:"txHash"`
}

// ServiceEvent is emitted when a seller registers a service.
type ServiceEvent struct {
	ServiceID     string `json:"serviceId"`
	Name          string `json:"name"`
	SellerAddress string `json:"sellerAddress"`
	Price         string `json:"price"`
}

// Subscription filters what a client receives.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	Addresses  []string    `json:"addresses"` // buyer or seller addresses to watch
	Services   []string    `json:"services"`  // service ids to watch
	MinAmount  string      `json:"minAmount"` // charges below this are filtered
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients caps concurrent WebSocket connections.
const MaxClients = 10000

// Hub fans events out to connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. Call Run before accepting connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run is the hub's main loop. It exits when ctx is cancelled, closing
// every client connection on the way out.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("feed client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("feed client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- h.serialize(event):
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Slow clients get dropped rather than blocking the feed.
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

func (h *Hub) shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}

	if len(sub.EventTypes) > 0 {
		matched := false
		for _, t := range sub.EventTypes {
			if t == event.Type {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(sub.Addresses) > 0 && !matchesAddress(sub.Addresses, event) {
		return false
	}

	if len(sub.Services) > 0 {
		id := eventServiceID(event)
		if id == "" {
			return false
		}
		matched := false
		for _, s := range sub.Services {
			if s == id {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if sub.MinAmount != "" {
		if min, ok := credits.Parse(sub.MinAmount); ok {
			if amount, ok := credits.Parse(eventAmount(event)); ok && amount.Cmp(min) < 0 {
				return false
			}
		}
	}

	return true
}

func matchesAddress(addrs []string, event *Event) bool {
	var a, b string
	switch d := event.Data.(type) {
	case ChargeEvent:
		a, b = d.BuyerAddress, d.SellerAddress
	case DepositEvent:
		a = d.BuyerAddress
	case ServiceEvent:
		a = d.SellerAddress
	default:
		return false
	}
	for _, addr := range addrs {
		if addr == a || addr == b {
			return true
		}
	}
	return false
}

func eventServiceID(event *Event) string {
	switch d := event.Data.(type) {
	case ChargeEvent:
		return d.ServiceID
	case ServiceEvent:
		return d.ServiceID
	}
	return ""
}

func eventAmount(event *Event) string {
	switch d := event.Data.(type) {
	case ChargeEvent:
		return d.Amount
	case DepositEvent:
		return d.Amount
	}
	return ""
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast queues an event for delivery. Drops when the feed is backed up.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// BroadcastCharge emits a charge event for a logged transaction.
func (h *Hub) BroadcastCharge(tx *txlog.Transaction) {
	h.Broadcast(&Event{
		Type:      EventCharge,
		Timestamp: time.Now(),
		Data: ChargeEvent{
			TransactionID: tx.ID,
			ServiceID:     tx.ServiceID,
			BuyerAddress:  tx.BuyerAddress,
			SellerAddress: tx.SellerAddress,
			Amount:        tx.Amount,
			Status:        tx.Status,
		},
	})
}

// BroadcastDeposit emits a deposit event.
func (h *Hub) BroadcastDeposit(address, amount, txHash string) {
	h.Broadcast(&Event{
		Type:      EventDeposit,
		Timestamp: time.Now(),
		Data: DepositEvent{
			BuyerAddress: address,
			Amount:       amount,
			TxHash:       txHash,
		},
	})
}

// BroadcastServiceRegistered emits a service registration event.
func (h *Hub) BroadcastServiceRegistered(id, name, seller, price string) {
	h.Broadcast(&Event{
		Type:      EventServiceRegistered,
		Timestamp: time.Now(),
		Data: ServiceEvent{
			ServiceID:     id,
			Name:          name,
			SellerAddress: seller,
			Price:         price,
		},
	})
}

// Stats returns hub statistics for the health endpoint.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump consumes subscription updates and pongs.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
