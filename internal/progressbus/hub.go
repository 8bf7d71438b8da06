package progressbus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Frame is the wire format streamed to websocket subscribers, mirroring the
// progress/log event tagging the CLI already prints.
type Frame struct {
	Type    string          `json:"type"` // "progress" | "log"
	Payload json.RawMessage `json:"payload"`
}

// Hub upgrades HTTP connections to websockets and relays Bus events to them,
// so a UI process can subscribe to the same operation the CLI is driving.
type Hub struct {
	bus      *Bus
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[int]*websocket.Conn
}

// NewHub builds a Hub relaying events from bus.
func NewHub(bus *Bus, log *zap.SugaredLogger) *Hub {
	return &Hub{
		bus: bus,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[int]*websocket.Conn),
	}
}

// ServeHTTP upgrades the connection and streams Bus events to it until it
// disconnects or sends a close frame.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	id := h.register(conn)
	defer h.unregister(id)

	events, unsub := h.bus.Subscribe(128)
	defer unsub()

	done := make(chan struct{})
	go h.discardReads(conn, done)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.writeFrame(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) writeFrame(conn *websocket.Conn, ev Event) error {
	var frame Frame
	if ev.Progress != nil {
		payload, err := json.Marshal(ev.Progress)
		if err != nil {
			return err
		}
		frame = Frame{Type: "progress", Payload: payload}
	} else if ev.Log != nil {
		payload, err := json.Marshal(ev.Log)
		if err != nil {
			return err
		}
		frame = Frame{Type: "log", Payload: payload}
	} else {
		return nil
	}
	return conn.WriteJSON(frame)
}

// discardReads keeps the read pump alive so close/control frames are
// processed, since this connection is write-only from the server's
// perspective.
func (h *Hub) discardReads(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := len(h.conns)
	h.conns[id] = conn
	return id
}

func (h *Hub) unregister(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

// ActiveConnections reports how many subscribers are currently attached.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
