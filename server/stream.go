package server

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// streamRun upgrades to a websocket and streams every envelope of the run
// until it completes. A run the report projection already saw finish gets
// its report as a single message instead.
func (s *Server) streamRun(c echo.Context) error {
	runID := c.Param("id")

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.opts.Logger.Warn("Websocket upgrade failed", "run_id", runID, "error", err)
		return nil
	}

	if s.reports != nil {
		if rep, ok := s.reports.Get(runID); ok && rep.Done() {
			data, err := json.Marshal(rep)
			if err == nil {
				_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
				_ = ws.WriteMessage(websocket.TextMessage, data)
			}

			s.closeStream(ws, "run finished")

			return nil
		}
	}

	sub := s.hub.subscribe(runID)

	go s.readPump(ws, sub)
	s.writePump(ws, sub)

	return nil
}

// readPump discards client messages and unsubscribes once the peer goes away.
func (s *Server) readPump(ws *websocket.Conn, sub *subscriber) {
	defer s.hub.unsubscribe(sub)

	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.opts.Logger.Debug("Websocket read failed", "run_id", sub.runID, "error", err)
			}

			return
		}
	}
}

func (s *Server) writePump(ws *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		s.hub.unsubscribe(sub)
	}()

	for {
		select {
		case data, ok := <-sub.send:
			if !ok {
				s.closeStream(ws, "run finished")
				return
			}

			_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))

			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))

			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

func (s *Server) closeStream(ws *websocket.Conn, reason string) {
	_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	_ = ws.Close()
}
