package ws

import (
	"context"
	"log"
	"net/http"
	"strings"

	"ptchat/internal/models"

	"github.com/gorilla/websocket"
)

type identityResolver interface {
	Resolve(token string) (models.Identity, error)
}

type Server struct {
	sessions identityResolver
	hub      *Hub
	upgrader *websocket.Upgrader
}

func NewServer(sessions identityResolver, hub *Hub) *Server {
	return &Server{
		sessions: sessions,
		hub:      hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// Browsers cannot set headers on a websocket handshake, so the token may
// also come as a query parameter.
func token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.Resolve(token(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	// Hijacked connections outlive server shutdown unless the hub stops them.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.hub.ctx, cancel)
	defer stop()

	conn := NewConnection(s.hub, ws, id)
	if err := conn.Handle(ctx); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Printf("websocket connection for %s/%s ended: %v", id.TenantID, id.UserID, err)
	}
}
