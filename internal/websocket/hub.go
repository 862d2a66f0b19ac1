// Package websocket - живая лента событий движка для операторов (/ws/events).
package websocket

import (
	"bytes"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const broadcastBuffer = 256

// Буферы сериализации переиспользуются между Broadcast
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Hub управляет активными WebSocket соединениями и раздаёт им события.
//
// Hub реализует синк событий движка (TradeEvent, Rejection, Order) и
// Notifier, поэтому подключается к движку напрямую. Все методы
// отправки неблокирующие: при переполнении сообщение отбрасывается,
// медленные клиенты отключаются.
//
// Использование:
//  1. hub := NewHub(origins)
//  2. go hub.Run()
//  3. router.HandleFunc("/ws/events", hub.ServeWS)
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	origins *OriginChecker
	hello   func() map[string]string

	dropped atomic.Int64
	log     *utils.Logger

	mu sync.RWMutex
}

// NewHub создаёт Hub. Пустой список origins разрешает любые источники.
func NewHub(origins []string) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		origins:    NewOriginChecker(origins),
		log:        utils.L().WithComponent("websocket"),
	}
}

// SetHello задаёт источник остановленных символов для приветствия
func (h *Hub) SetHello(fn func() map[string]string) {
	h.hello = fn
}

// Run - главный цикл Hub, запускается в отдельной горутине.
// Список клиентов копируется под коротким RLock, отправка идёт без
// блокировки, медленные клиенты удаляются под write lock.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info("client connected", utils.Int("clients", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info("client disconnected", utils.Int("clients", n))

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Клиент не успевает читать
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				h.log.Warn("removed slow clients", utils.Int("removed", len(toRemove)), utils.Int("clients", n))
			}
		}
	}
}

// Stop останавливает Run и закрывает всех клиентов. Повторный вызов безопасен.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast сериализует сообщение и ставит его в очередь рассылки
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.log.Error("marshal broadcast message failed", utils.Err(err))
		jsonBufferPool.Put(buf)
		return
	}

	// Encode дописывает перевод строки
	data := bytes.TrimRight(buf.Bytes(), "\n")
	msg := make([]byte, len(data))
	copy(msg, data)
	jsonBufferPool.Put(buf)

	h.BroadcastRaw(msg)
}

// BroadcastRaw рассылает уже сериализованное сообщение
func (h *Hub) BroadcastRaw(data []byte) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// Name - имя синка для метрик
func (h *Hub) Name() string { return "websocket" }

// TradeEvent рассылает событие позиции
func (h *Hub) TradeEvent(ev models.TradeEvent) {
	h.Broadcast(NewTradeMessage(ev))
}

// Rejection рассылает отказ
func (h *Hub) Rejection(ev models.RejectionEvent) {
	h.Broadcast(NewRejectionMessage(ev))
}

// Order рассылает изменение ордера
func (h *Hub) Order(o models.Order) {
	h.Broadcast(NewOrderMessage(o))
}

// Notify рассылает уведомление
func (h *Hub) Notify(n models.Notification) {
	h.Broadcast(NewNotificationMessage(n))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - число сообщений, отброшенных из-за полной очереди
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
