// Package devserver emulates the hospital backend closely enough to drive
// the client end to end: JWT auth, the notification REST surface, and a
// websocket event channel with rooms and presence.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/wardlink/internal/auth"
	"github.com/haasonsaas/wardlink/internal/observability"
	"github.com/haasonsaas/wardlink/internal/realtime"
	"github.com/haasonsaas/wardlink/internal/storage"
	"github.com/haasonsaas/wardlink/pkg/models"
)

// Account is a seeded user with a password.
type Account struct {
	models.User
	Password string
}

// DefaultAccounts seeds one account per clinical role.
func DefaultAccounts() []Account {
	return []Account{
		{User: models.User{ID: "admin-1", Name: "Ada Admin", Email: "admin@ward.test", Role: models.RoleAdmin}, Password: "admin"},
		{User: models.User{ID: "doc-1", Name: "Dana Doctor", Email: "doctor@ward.test", Role: models.RoleDoctor, Department: "cardiology"}, Password: "doctor"},
		{User: models.User{ID: "nurse-1", Name: "Noor Nurse", Email: "nurse@ward.test", Role: models.RoleNurse, Department: "cardiology"}, Password: "nurse"},
		{User: models.User{ID: "recept-1", Name: "Remy Reception", Email: "reception@ward.test", Role: models.RoleReceptionist}, Password: "reception"},
		{User: models.User{ID: "patient-1", Name: "Pat Patient", Email: "patient@ward.test", Role: models.RolePatient}, Password: "patient"},
	}
}

// Config configures a Server.
type Config struct {
	Accounts    []Account
	JWTSecret   string
	TokenExpiry time.Duration
	// Inbox stores pushed notifications per user. Nil keeps them in memory.
	Inbox        storage.InboxStore
	PingInterval time.Duration
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
}

// Server is the emulated backend.
type Server struct {
	logger   *slog.Logger
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	jwt      *auth.JWTService
	inbox    storage.InboxStore
	upgrader websocket.Upgrader
	ping     time.Duration

	mu       sync.Mutex
	byEmail  map[string]Account
	byID     map[string]Account
	revoked  map[string]struct{}
	settings map[string]models.NotificationSettings
	sessions map[*wsSession]struct{}

	httpServer *http.Server
}

// New builds a server. Without accounts it seeds DefaultAccounts; without a
// secret it picks a random one.
func New(cfg Config) (*Server, error) {
	if len(cfg.Accounts) == 0 {
		cfg.Accounts = DefaultAccounts()
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		cfg.JWTSecret = uuid.NewString()
	}
	if cfg.TokenExpiry == 0 {
		cfg.TokenExpiry = 24 * time.Hour
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.Inbox == nil {
		cfg.Inbox = storage.NewMemoryInbox()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:   logger.With("component", "devserver"),
		metrics:  cfg.Metrics,
		gatherer: cfg.Gatherer,
		jwt:      auth.NewJWTService(cfg.JWTSecret, cfg.TokenExpiry),
		inbox:    cfg.Inbox,
		ping:     cfg.PingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		byEmail:  make(map[string]Account),
		byID:     make(map[string]Account),
		revoked:  make(map[string]struct{}),
		settings: make(map[string]models.NotificationSettings),
		sessions: make(map[*wsSession]struct{}),
	}
	for _, a := range cfg.Accounts {
		a.Role = models.NormalizeRole(string(a.Role))
		if !a.Valid() || strings.TrimSpace(a.Email) == "" {
			return nil, fmt.Errorf("devserver: account %q needs id, email and role", a.Email)
		}
		s.byEmail[strings.ToLower(a.Email)] = a
		s.byID[a.ID] = a
	}
	if err := initFrameSchemas(); err != nil {
		return nil, fmt.Errorf("devserver: frame schemas: %w", err)
	}
	return s, nil
}

// JWT exposes the token service so tests can mint or inspect tokens.
func (s *Server) JWT() *auth.JWTService { return s.jwt }

// Handler returns the full HTTP surface.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/auth/login", s.handleLogin)
	api.HandleFunc("GET /api/auth/verify", s.handleVerify)
	api.HandleFunc("POST /api/auth/logout", s.handleLogout)

	api.HandleFunc("GET /api/notifications", s.authenticated(s.handleListNotifications))
	api.HandleFunc("GET /api/notifications/unread-count", s.authenticated(s.handleUnreadCount))
	api.HandleFunc("PUT /api/notifications/read-all", s.authenticated(s.handleMarkAllRead))
	api.HandleFunc("PUT /api/notifications/{id}/read", s.authenticated(s.handleMarkRead))
	api.HandleFunc("DELETE /api/notifications/{id}", s.authenticated(s.handleDeleteNotification))
	api.HandleFunc("GET /api/notifications/settings", s.authenticated(s.handleGetSettings))
	api.HandleFunc("PUT /api/notifications/settings", s.authenticated(s.handleUpdateSettings))

	api.HandleFunc("POST /api/dev/push", s.handlePush)
	api.HandleFunc("POST /api/dev/kick", s.handleKick)
	api.HandleFunc("GET /api/dev/online", s.handleOnline)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	// The socket bypasses the metrics wrapper; upgrading needs the raw writer.
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle("/api/", s.instrument(api))
	return mux
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr asks for port 0.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("devserver listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("devserver listening", "addr", listener.Addr().String())
	return listener.Addr(), nil
}

// Shutdown closes every socket with a going-away code and stops the HTTP
// server started by Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.CloseSessions(websocket.CloseGoingAway, "server shutting down")
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("devserver shutdown: %w", err)
	}
	return nil
}

// userFromRequest validates the bearer token on r.
func (s *Server) userFromRequest(r *http.Request) (*models.User, string, error) {
	token := auth.ExtractBearer(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return nil, "", auth.ErrInvalidToken
	}
	s.mu.Lock()
	_, revoked := s.revoked[token]
	s.mu.Unlock()
	if revoked {
		return nil, "", auth.ErrInvalidToken
	}
	user, err := s.jwt.Validate(token)
	if err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	_, known := s.byID[user.ID]
	s.mu.Unlock()
	if !known {
		return nil, "", auth.ErrInvalidToken
	}
	return user, token, nil
}

// roomsFor lists the rooms a user may join.
func roomsFor(user models.User) map[string]struct{} {
	out := make(map[string]struct{})
	for _, room := range models.SessionRooms(&user) {
		out[room] = struct{}{}
	}
	return out
}

// matchesRoom reports whether a pushed room addresses user.
func matchesRoom(user models.User, room string) bool {
	_, ok := roomsFor(user)[room]
	return ok
}

// revoke invalidates a token; sockets opened with it are closed as
// unauthorized.
func (s *Server) revoke(token string) {
	s.mu.Lock()
	s.revoked[token] = struct{}{}
	var victims []*wsSession
	for sess := range s.sessions {
		if sess.token == token {
			victims = append(victims, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range victims {
		sess.kick(realtime.CloseUnauthorized, "token revoked")
	}
}
