package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"pipecrm.org/internal/auth"
	"pipecrm.org/internal/obs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalOrigin(origin)
	},
}

// handleNotificationsWS upgrades the connection and subscribes it to the
// caller's notification feed. The client is not expected to send anything;
// the read loop only detects disconnects.
func (a *API) handleNotificationsWS(w http.ResponseWriter, r *http.Request) {
	if a.registry == nil {
		writeError(w, r, http.StatusServiceUnavailable, "notifications disabled")
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		obs.Warn("websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	subjectID := principal.Identity.ID
	a.registry.Add(subjectID, conn)
	defer func() {
		a.registry.Remove(subjectID, conn)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
