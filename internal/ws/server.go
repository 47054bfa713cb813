package ws

import (
	"context"
	"net/http"

	"connect-relay/internal/auth"
	"connect-relay/internal/models"
	"connect-relay/internal/rooms"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultUserName = "User"

// UserLookup resolves the display name of an authenticated user.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// Server performs the socket handshake and starts the connection pumps.
type Server struct {
	ctx        context.Context
	hub        *Hub
	authn      auth.Authenticator
	users      UserLookup
	handler    Handler
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *zap.Logger
}

// NewServer wires the handshake. ctx is the base context handed to every
// connection's event handling; it is not cancelled when a connection drops.
func NewServer(ctx context.Context, hub *Hub, authn auth.Authenticator, users UserLookup, handler Handler, allowedOrigins []string, sendBuffer int, logger *zap.Logger) *Server {
	return &Server{
		ctx:     ctx,
		hub:     hub,
		authn:   authn,
		users:   users,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP authenticates the handshake, upgrades the connection and joins
// the default rooms. Unauthenticated requests never reach the hub.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	s.logger.Debug("[WS] New WebSocket connection request", zap.String("from", remoteAddr))

	credential := auth.ExtractCredential(r)
	if credential == "" {
		s.logger.Warn("[WS] No token provided", zap.String("from", remoteAddr))
		http.Error(w, auth.ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	principal, err := s.authn.Authenticate(credential)
	if err != nil {
		s.logger.Warn("[WS] Token validation failed", zap.String("from", remoteAddr), zap.Error(err))
		http.Error(w, auth.ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	principal.Name = s.displayName(r.Context(), principal.ID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("[WS] Failed to upgrade connection", zap.String("user", principal.ID), zap.Error(err))
		return
	}

	client := NewClient(conn, principal, s.sendBuffer, s.logger)
	s.Attach(client)

	s.logger.Info("[WS] Connection established", zap.String("user", principal.ID), zap.String("role", principal.Role), zap.String("conn", client.id))

	go client.WritePump()
	go client.ReadPump(s.ctx, s.handler)
}

// Attach registers client and joins the rooms every connection belongs to.
func (s *Server) Attach(client *Client) {
	s.hub.Register(client)
	s.hub.Join(client, rooms.Community)
	s.hub.Join(client, rooms.Residents)
	s.hub.Join(client, rooms.User(client.principal.ID))
}

func (s *Server) displayName(ctx context.Context, userID string) string {
	if s.users == nil {
		return defaultUserName
	}
	user, err := s.users.GetUser(ctx, userID)
	if err != nil || user == nil || user.Name == "" {
		if err != nil {
			s.logger.Debug("[WS] User lookup failed, using default name", zap.String("user", userID), zap.Error(err))
		}
		return defaultUserName
	}
	return user.Name
}
