package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

const (
	PingPeriod   = 15 * time.Second
	WriteTimeout = 5 * time.Second
	subscriberQ  = 64
)

// Hub fans authorization events out to websocket subscribers and keeps a
// bounded history for polling clients.
type Hub struct {
	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
	history  []model.AuthorizationEvent
	next     int
	capacity int
	upgrader websocket.Upgrader
}

type subscriber struct {
	principal *common.Address
	ch        chan model.AuthorizationEvent
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Hub{
		subs:     make(map[*subscriber]struct{}),
		history:  make([]model.AuthorizationEvent, 0, capacity),
		capacity: capacity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Publish never blocks; slow subscribers miss events.
func (h *Hub) Publish(ctx context.Context, evt model.AuthorizationEvent) {
	h.mu.Lock()
	if len(h.history) < h.capacity {
		h.history = append(h.history, evt)
	} else {
		h.history[h.next] = evt
		h.next = (h.next + 1) % h.capacity
	}
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if s.principal != nil && *s.principal != evt.Principal {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			logger.Warn("event subscriber lagging, dropping event", "event_id", evt.ID)
		}
	}
}

// History returns up to limit events, oldest first, optionally for one principal.
func (h *Hub) History(principal *common.Address, limit int) []model.AuthorizationEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := len(h.history)
	out := make([]model.AuthorizationEvent, 0, total)
	for i := 0; i < total; i++ {
		evt := h.history[(h.next+i)%total]
		if principal != nil && evt.Principal != *principal {
			continue
		}
		out = append(out, evt)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Subscribe registers a listener. The returned func unregisters it.
func (h *Hub) Subscribe(principal *common.Address) (<-chan model.AuthorizationEvent, func()) {
	s := &subscriber{principal: principal, ch: make(chan model.AuthorizationEvent, subscriberQ)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeWS upgrades the request and streams events until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, principal *common.Address) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, cancel := h.Subscribe(principal)
	defer cancel()

	// 读协程只负责感知断开和 pong
	closed := make(chan struct{})
	readTimeout := PingPeriod + 10*time.Second
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return nil
		case <-r.Context().Done():
			return nil
		case evt := <-ch:
			conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return err
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
