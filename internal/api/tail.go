package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valter-silva-au/obscore/internal/logs"
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.uber.org/zap"
)

const (
	tailWriteWait  = 10 * time.Second
	tailPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleTail streams newly ingested log entries as JSON text frames until
// the client disconnects or the aggregator stops.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		s.unavailable(w, "logs")
		return
	}
	filter := logs.SubscribeFilter{ServiceName: r.URL.Query().Get("service")}
	if v := r.URL.Query().Get("min_level"); v != "" {
		level, err := models.ParseLogLevel(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.MinLevel = level
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	entries, cancel := s.deps.Logs.Subscribe(filter, 256)
	defer cancel()

	// The read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(tailPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-entries:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "log aggregator stopped"),
					time.Now().Add(tailWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(tailWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("tail client write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(tailWriteWait)); err != nil {
				return
			}
		}
	}
}
