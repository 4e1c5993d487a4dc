package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bookflow/aggregator"
	"bookflow/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	eventHello aggregator.EventType = "hello"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// stream upgrades to a WebSocket and forwards every bus event as JSON until
// the client goes away.
func (s *Server) stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.entry.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	log := s.entry.WithFields(logger.Fields{"client_id": clientID, "remote": c.ClientIP()})
	bus := s.ctrl.Bus()
	subID, events := bus.Subscribe()
	defer bus.Unsubscribe(subID)
	log.Info("stream client connected")

	hello := aggregator.Event{
		Type:      eventHello,
		Symbol:    s.ctrl.Symbol(),
		Data:      gin.H{"clientId": clientID, "exchanges": s.ctrl.Exchanges()},
		Timestamp: time.Now().UnixMilli(),
	}
	if err := writeJSON(conn, hello); err != nil {
		return
	}

	done := make(chan struct{})
	go readLoop(conn, done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			log.Info("stream client disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if err := writeJSON(conn, ev); err != nil {
				log.WithError(err).Debug("stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames and closes done when the socket fails.
func readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(64 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}
