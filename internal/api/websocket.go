package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/t77yq/netwatch/internal/broadcast"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// streamEvents upgrades to a websocket and forwards node events until the
// client goes away or the server shuts down. Every client has its own
// subscription, so a slow client only loses its own events.
func (s *Server) streamEvents(c echo.Context) error {
	if s.events == nil {
		return NewAPIError(http.StatusNotFound, "Event feed is disabled", "")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	sub := s.events.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(s.streams)
	defer cancel()

	logger := s.logger.With(zap.String("remote", c.RealIP()))
	logger.Info("Event stream client connected")
	defer logger.Info("Event stream client disconnected")

	go readPump(ws, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	frames := make(chan StreamMessage)
	go func() {
		defer close(frames)
		for {
			event, err := sub.Recv(ctx)
			var lag *broadcast.LagError
			switch {
			case err == nil:
				ev := event
				frames <- StreamMessage{Type: streamMessageEvent, Event: &ev}
			case errors.As(err, &lag):
				frames <- StreamMessage{Type: streamMessageLagged, Missed: lag.Missed}
			default:
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-frames:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return nil
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(msg); err != nil {
				logger.Debug("Failed to write event", zap.Error(err))
				cancel()
				drain(frames)
				return nil
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				cancel()
				drain(frames)
				return nil
			}
		}
	}
}

// readPump discards client frames and cancels the stream when the connection drops
func readPump(ws *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func drain(frames <-chan StreamMessage) {
	for range frames {
	}
}
