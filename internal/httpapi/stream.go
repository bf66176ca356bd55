package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleChangesStream upgrades to a websocket and pushes change events
// for the project as they happen. Delivery mirrors the feed contract:
// at-least-once, and a slow consumer may miss events, which the
// client's periodic re-aggregation covers.
func (s *Server) handleChangesStream(w http.ResponseWriter, r *http.Request, projectID, correlationID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept already wrote the handshake failure.
		return
	}
	defer conn.CloseNow()

	events, cancel := s.ledger.Subscribe(projectID)
	defer cancel()

	// CloseRead surfaces client disconnects through the context.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
