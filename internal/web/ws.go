package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	historyOnConnect = 50
	writeWait        = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventsWS streams log events: the recent history oldest first, then
// every new event as it is logged.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Subscribe before reading history so nothing falls in between.
	events, unsubscribe := s.events.Subscribe(64)
	defer unsubscribe()

	history := s.events.GetRecent(historyOnConnect)
	for i := len(history) - 1; i >= 0; i-- {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(history[i]); err != nil {
			return
		}
	}
	var last time.Time
	if len(history) > 0 {
		last = history[0].Timestamp
	}

	closed := readUntilClosed(conn)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			if !msg.Timestamp.After(last) && len(history) > 0 {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// handleStatusWS pushes the node status on a fixed interval.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(s.statusEvery)
	defer ticker.Stop()
	closed := readUntilClosed(conn)

	for {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(s.node.Status()); err != nil {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}

// readUntilClosed drains client frames so close messages are processed; the
// returned channel closes when the client goes away.
func readUntilClosed(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return done
}
