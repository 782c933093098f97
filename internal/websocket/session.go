package websocket

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin checks belong to the gateway in front of this service
	},
}

// session binds one websocket connection to one broker channel.
type session struct {
	broker *Broker
	ch     *Channel
	conn   *websocket.Conn
}

// HandleWebSocket upgrades the request and registers a push channel for the
// receiver named by the receiver_id query parameter or X-User-ID header.
func (b *Broker) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	receiverID := r.URL.Query().Get("receiver_id")
	if receiverID == "" {
		receiverID = r.Header.Get("X-User-ID")
	}
	if receiverID == "" {
		http.Error(w, "receiver_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ch := b.Register(receiverID)
	if ch == nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	s := &session{broker: b, ch: ch, conn: conn}
	go s.writePump()
	go s.readPump()
}

// readPump drains client frames so pongs and close frames are processed.
func (s *session) readPump() {
	defer func() {
		s.broker.Unregister(s.ch)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards channel messages to the connection. A failed write
// unregisters the channel.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.broker.Unregister(s.ch)
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.ch.Messages():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.broker.logger.Error("failed to marshal notification", "error", err, "event_id", msg.EventID)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
