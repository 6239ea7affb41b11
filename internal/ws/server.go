package ws

import (
	"log"
	"net/http"

	"parley/internal/models"

	"github.com/gorilla/websocket"
)

type tokenVerifier interface {
	Verify(token string) (models.Identity, error)
}

type Server struct {
	auth     tokenVerifier
	hub      *Hub
	upgrader *websocket.Upgrader
}

func NewServer(auth tokenVerifier, hub *Hub) *Server {
	return &Server{
		auth: auth,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// HandleConnections authenticates and upgrades a connection, then runs its
// session until the transport closes. A rejected token refuses the
// connection before any other component observes it; there are no retries.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("token")
	if token == "" {
		// Browsers cannot set custom websocket headers.
		token = r.URL.Query().Get("token")
	}

	identity, err := s.auth.Verify(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	sess := NewSession(s.hub, ws, identity)
	if err := sess.Run(r.Context()); err != nil {
		log.Printf("session for %s ended: %v", identity.Username, err)
	}
}
