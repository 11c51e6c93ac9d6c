package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by tenant ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan chan int
	quit      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// message couples payload with tenant identifier.
type message struct {
	tenantID string
	payload  []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	tenantID string
	client   Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		count:     make(chan chan int),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.tenantID]; !ok {
				h.clients[sub.tenantID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.tenantID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.tenantID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.tenantID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.tenantID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.tenantID)
				}
			}
		case reply := <-h.count:
			n := 0
			for _, clients := range h.clients {
				n += len(clients)
			}
			reply <- n
		}
	}
}

// Register adds a client to a tenant stream.
func (h *Hub) Register(tenantID string, client Subscriber) {
	select {
	case h.register <- subscription{tenantID: tenantID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(tenantID string, client Subscriber) {
	select {
	case h.unreg <- subscription{tenantID: tenantID, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to all clients of a tenant.
func (h *Hub) Broadcast(tenantID string, payload []byte) {
	select {
	case h.broadcast <- message{tenantID: tenantID, payload: payload}:
	case <-h.done:
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
	<-h.done
}
