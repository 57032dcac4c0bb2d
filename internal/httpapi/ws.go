package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const wsWriteTimeout = 10 * time.Second

// handleStream upgrades the request and bridges the hub subscription onto
// the socket. The writer goroutine is the only place socket writes happen;
// the reader loop exists to count any inbound frame as a heartbeat.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, caseID string, claims *bearerClaims) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept", "caseId", caseID, "error", err)
		return
	}
	connID := uuid.NewString()
	sub := s.hub.Join(caseID, connID, claims.UserID)
	defer s.hub.Leave(connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			ev, ok := <-sub.C
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "hub closed")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			writeCancel()
			if err != nil {
				return
			}
		}
	}()

	for {
		var msg map[string]any
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		s.hub.Touch(connID)
	}
}
