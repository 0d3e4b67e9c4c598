package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"trade-executor/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Type events.Event `json:"type"`
	Data any          `json:"data"`
}

// websocket relays every bus topic to the client until it disconnects.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	// The read loop only detects client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	out := make(chan wsMessage, 100)
	for _, e := range events.All {
		stream, unsub := s.Bus.Subscribe(e, 100)
		defer unsub()
		go func(e events.Event, stream <-chan any) {
			for msg := range stream {
				select {
				case out <- wsMessage{Type: e, Data: msg}:
				case <-done:
					return
				}
			}
		}(e, stream)
	}

	for {
		select {
		case <-done:
			return
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}
}
