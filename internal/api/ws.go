package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtrntr/tokenexchange/internal/events"
	"go.uber.org/zap"
)

const (
	wsBuffer     = 64
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled by the router
	},
}

// streamFrame is what websocket clients receive. The first frame is a state
// snapshot; every later frame carries one committed event.
type streamFrame struct {
	Type    string          `json:"type"`
	Price   string          `json:"price,omitempty"`
	Reserve string          `json:"reserve,omitempty"`
	Count   uint64          `json:"count,omitempty"`
	Event   *events.Message `json:"event,omitempty"`
}

// HandleWebSocket streams exchange events to the client until it disconnects
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.Hub.Subscribe(wsBuffer)
	defer h.Hub.Unsubscribe(sub)

	// the read side only detects disconnection
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snap := h.Exchange.Snapshot()
	initial := streamFrame{
		Type:    "state",
		Price:   snap.Price.Dec(),
		Reserve: snap.Reserve.Dec(),
		Count:   snap.Count,
	}
	if err := h.writeFrame(conn, initial); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if err := h.writeFrame(conn, streamFrame{Type: "event", Event: &msg}); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) writeFrame(conn *websocket.Conn, frame streamFrame) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(frame); err != nil {
		h.Logger.Debug("websocket write failed", zap.Error(err))
		return err
	}
	return nil
}
