package devserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/wardlink/internal/auth"
	"github.com/haasonsaas/wardlink/internal/notify"
	"github.com/haasonsaas/wardlink/internal/realtime"
	"github.com/haasonsaas/wardlink/internal/storage"
	"github.com/haasonsaas/wardlink/pkg/models"
)

const maxBodyBytes = 1 << 20

// PushRequest is the body of POST /api/dev/push.
type PushRequest struct {
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PushResponse reports how many sockets received the event.
type PushResponse struct {
	Delivered int    `json:"delivered"`
	ID        string `json:"id,omitempty"`
}

// KickRequest is the body of POST /api/dev/kick.
type KickRequest struct {
	UserID string `json:"userId"`
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type userHandler func(w http.ResponseWriter, r *http.Request, user *models.User)

func (s *Server) authenticated(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _, err := s.userFromRequest(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid or expired token"})
			return
		}
		next(w, r, user)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if err := decodeBody(r, &creds); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.mu.Lock()
	account, ok := s.byEmail[strings.ToLower(strings.TrimSpace(creds.Email))]
	s.mu.Unlock()
	if !ok || subtle.ConstantTimeCompare([]byte(account.Password), []byte(creds.Password)) != 1 {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid email or password"})
		return
	}
	user := account.User
	token, err := s.jwt.Generate(&user)
	if err != nil {
		s.logger.Error("failed to issue token", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not issue token"})
		return
	}
	s.logger.Info("login", "user_id", user.ID, "role", user.Role)
	writeJSON(w, http.StatusOK, auth.LoginResult{Token: token, User: &user})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	user, _, err := s.userFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, auth.VerifyResult{Valid: false})
		return
	}
	writeJSON(w, http.StatusOK, auth.VerifyResult{Valid: true, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	_, token, err := s.userFromRequest(r)
	if err == nil {
		s.revoke(token)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request, user *models.User) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	list, err := s.inbox.List(r.Context(), user.ID, limit)
	if err != nil {
		s.internalError(w, "list notifications", err)
		return
	}
	all, err := s.inbox.List(r.Context(), user.ID, 0)
	if err != nil {
		s.internalError(w, "count notifications", err)
		return
	}
	if list == nil {
		list = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, notify.ListResponse{Notifications: list, UnreadCount: countUnread(all)})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request, user *models.User) {
	all, err := s.inbox.List(r.Context(), user.ID, 0)
	if err != nil {
		s.internalError(w, "count notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, notify.CountResponse{Count: countUnread(all)})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, user *models.User) {
	err := s.inbox.MarkRead(r.Context(), user.ID, r.PathValue("id"))
	s.writeMutation(w, "mark read", err)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request, user *models.User) {
	err := s.inbox.MarkAllRead(r.Context(), user.ID)
	s.writeMutation(w, "mark all read", err)
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request, user *models.User) {
	err := s.inbox.Delete(r.Context(), user.ID, r.PathValue("id"))
	s.writeMutation(w, "delete notification", err)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request, user *models.User) {
	s.mu.Lock()
	settings, ok := s.settings[user.ID]
	s.mu.Unlock()
	if !ok {
		settings = models.DefaultNotificationSettings()
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request, user *models.User) {
	var settings models.NotificationSettings
	if err := decodeBody(r, &settings); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if settings.Categories == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "categories required"})
		return
	}
	s.mu.Lock()
	s.settings[user.ID] = settings.Clone()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handlePush broadcasts an event to a room. Notification and emergency
// events are also stored in the inbox of every account the room addresses,
// with an id assigned when the payload has none.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	req.Room = strings.TrimSpace(req.Room)
	req.Event = strings.TrimSpace(req.Event)
	if req.Room == "" || req.Event == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "room and event are required"})
		return
	}

	payload := req.Payload
	var id string
	if req.Event == models.EventNotification || req.Event == models.EventEmergencyAlert {
		var in models.InboundNotification
		if err := json.Unmarshal(payload, &in); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "notification payload: " + err.Error()})
			return
		}
		if strings.TrimSpace(in.ID) == "" {
			in.ID = uuid.NewString()
		}
		if in.CreatedAt.IsZero() {
			in.CreatedAt = time.Now().UTC()
		}
		if req.Event == models.EventEmergencyAlert {
			in.Category = string(models.CategoryEmergency)
		}
		id = in.ID
		raw, err := json.Marshal(in)
		if err != nil {
			s.internalError(w, "encode notification", err)
			return
		}
		payload = raw
		if err := s.storeNotification(r, req.Room, in); err != nil {
			s.internalError(w, "store notification", err)
			return
		}
	}

	frame, err := realtime.EventFrame(req.Event, payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	delivered := s.broadcastRoom(req.Room, frame, nil)
	s.logger.Info("pushed event", "room", req.Room, "event", req.Event, "delivered", delivered)
	writeJSON(w, http.StatusOK, PushResponse{Delivered: delivered, ID: id})
}

func (s *Server) storeNotification(r *http.Request, room string, in models.InboundNotification) error {
	n := models.Notification{
		ID:        in.ID,
		Title:     in.Title,
		Message:   in.Message,
		Category:  in.ResolvedCategory(),
		CreatedAt: in.CreatedAt,
	}
	s.mu.Lock()
	var targets []string
	for id, account := range s.byID {
		if matchesRoom(account.User, room) {
			targets = append(targets, id)
		}
	}
	s.mu.Unlock()
	for _, userID := range targets {
		if err := s.inbox.Put(r.Context(), userID, n); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	var req KickRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Code == 0 {
		req.Code = realtime.CloseUnauthorized
	}
	if req.Reason == "" {
		req.Reason = "kicked"
	}
	s.mu.Lock()
	var victims []*wsSession
	for sess := range s.sessions {
		if sess.user.ID == req.UserID {
			victims = append(victims, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range victims {
		sess.kick(req.Code, req.Reason)
	}
	writeJSON(w, http.StatusOK, map[string]int{"closed": len(victims)})
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	online := s.onlineLocked()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string][]string{"users": online})
}

func (s *Server) writeMutation(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "notification not found"})
	case err != nil:
		s.internalError(w, op, err)
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", "op", op, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: op + " failed"})
}

// instrument records request metrics. Paths are reported as registered
// patterns so ids do not explode label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		s.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.status), time.Since(began).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func countUnread(ns []models.Notification) int {
	n := 0
	for _, item := range ns {
		if !item.Read {
			n++
		}
	}
	return n
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck
}
