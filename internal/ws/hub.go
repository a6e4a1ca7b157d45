package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ignatzorin/agent-escrow/internal/goroutine"
	"github.com/ignatzorin/agent-escrow/internal/logger"
	"github.com/sirupsen/logrus"
)

// Hub управляет всеми WebSocket клиентами, сгруппированными по кошельку.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan message
	done       chan struct{}
	log        *logrus.Logger
}

type message struct {
	wallet  string
	payload []byte
}

// NewHub создаёт новый хаб.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan message, 256),
		done:       make(chan struct{}),
		log:        logger.Get(),
	}
}

// Run запускает главный цикл хаба до отмены ctx.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case msg := <-h.broadcast:
			h.send(msg.wallet, msg.payload)
		}
	}
}

// Register добавляет клиента.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister удаляет клиента.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Publish отправляет событие всем подключениям кошелька. Не блокирует:
// при переполненной очереди событие отбрасывается.
func (h *Hub) Publish(wallet, event string, data any) {
	raw, err := json.Marshal(map[string]any{
		"type": event,
		"data": data,
	})
	if err != nil {
		h.log.WithFields(logrus.Fields{"event": event, "error": err}).Warn("ws: не удалось сериализовать сообщение")
		return
	}

	select {
	case h.broadcast <- message{wallet: normalize(wallet), payload: raw}:
	default:
		h.log.WithFields(logrus.Fields{"event": event, "wallet": wallet}).Warn("ws: очередь переполнена, событие отброшено")
	}
}

// Connected возвращает число подключений кошелька.
func (h *Hub) Connected(wallet string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[normalize(wallet)])
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.wallet]; !ok {
		h.clients[client.wallet] = make(map[*Client]struct{})
	}
	h.clients[client.wallet][client] = struct{}{}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[client.wallet]; ok {
		if _, present := clients[client]; present {
			delete(clients, client)
			close(client.send)
		}
		if len(clients) == 0 {
			delete(h.clients, client.wallet)
		}
	}
}

func (h *Hub) send(wallet string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[wallet] {
		select {
		case client.send <- payload:
		default:
			// медленный клиент отключается
			goroutine.SafeGo("ws-close-slow-client", client.Close)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for wallet, clients := range h.clients {
		for c := range clients {
			close(c.send)
			_ = c.conn.Close()
		}
		delete(h.clients, wallet)
	}
}

func normalize(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}
