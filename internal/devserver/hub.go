package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/wardlink/internal/observability"
	"github.com/haasonsaas/wardlink/internal/realtime"
	"github.com/haasonsaas/wardlink/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

type wsSession struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	id    string
	user  models.User
	token string
	// rooms is guarded by server.mu.
	rooms map[string]struct{}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	user, token, err := s.userFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid or expired token"})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &wsSession{
		server: s,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
		id:     uuid.NewString(),
		user:   *user,
		token:  token,
		rooms:  make(map[string]struct{}),
	}

	s.mu.Lock()
	wasOnline := s.isOnlineLocked(user.ID)
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("socket connected", "session_id", sess.id, "user_id", user.ID)
	if !wasOnline {
		s.broadcastPresence(user.ID, models.PresenceOnline)
	} else {
		s.sendOnlineUsers(sess)
	}

	go sess.writeLoop()
	sess.readLoop()

	s.mu.Lock()
	delete(s.sessions, sess)
	stillOnline := s.isOnlineLocked(user.ID)
	s.mu.Unlock()
	sess.close()
	s.logger.Debug("socket disconnected", "session_id", sess.id, "user_id", user.ID)
	if !stillOnline {
		s.broadcastPresence(user.ID, models.PresenceOffline)
	}
}

func (sess *wsSession) readLoop() {
	s := sess.server
	sess.conn.SetReadLimit(wsMaxPayloadBytes)
	pongWait := 3 * s.ping
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		if messageType != websocket.TextMessage {
			continue
		}
		if err := validateClientFrame(data); err != nil {
			sess.enqueue(realtime.ErrorFrame("invalid_frame", err.Error()))
			continue
		}
		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			sess.enqueue(realtime.ErrorFrame("invalid_frame", err.Error()))
			continue
		}
		sess.handleFrame(f)
	}
}

func (sess *wsSession) handleFrame(f realtime.Frame) {
	s := sess.server
	ctx := observability.AddUserID(context.Background(), sess.user.ID)
	switch f.Type {
	case realtime.FrameJoin:
		ctx = observability.AddRoom(ctx, f.Room)
		if sess.user.Role != models.RoleAdmin && !matchesRoom(sess.user, f.Room) {
			s.logger.InfoContext(ctx, "room join denied")
			sess.enqueue(realtime.ErrorFrame("room_denied", "cannot join "+f.Room))
			return
		}
		s.mu.Lock()
		sess.rooms[f.Room] = struct{}{}
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "room joined")
		sess.enqueue(realtime.AckFrame(f.Room))
	case realtime.FrameLeave:
		s.mu.Lock()
		delete(sess.rooms, f.Room)
		s.mu.Unlock()
		sess.enqueue(realtime.AckFrame(f.Room))
	case realtime.FrameEvent:
		if f.Room == "" {
			s.logger.DebugContext(ctx, "client event without room", "event", f.Event)
			return
		}
		s.mu.Lock()
		_, joined := sess.rooms[f.Room]
		s.mu.Unlock()
		if !joined {
			sess.enqueue(realtime.ErrorFrame("room_denied", "not a member of "+f.Room))
			return
		}
		s.broadcastRoom(f.Room, realtime.Frame{Type: realtime.FrameEvent, Event: f.Event, Payload: f.Payload}, sess)
	}
}

func (sess *wsSession) writeLoop() {
	ticker := time.NewTicker(sess.server.ping)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case msg := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := sess.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = sess.conn.Close()
				return
			}
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = sess.conn.Close()
				return
			}
		}
	}
}

// enqueue drops the frame when the session is closed or its buffer is full.
func (sess *wsSession) enqueue(f realtime.Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		return false
	}
	select {
	case <-sess.done:
		return false
	default:
	}
	select {
	case sess.send <- data:
		return true
	default:
		sess.server.logger.Warn("send buffer full; dropping frame", "session_id", sess.id, "type", f.Type)
		return false
	}
}

// kick closes the socket with a close code the client can act on.
func (sess *wsSession) kick(code int, text string) {
	sess.once.Do(func() {
		close(sess.done)
		msg := websocket.FormatCloseMessage(code, text)
		_ = sess.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)) //nolint:errcheck
		_ = sess.conn.Close()
	})
}

func (sess *wsSession) close() {
	sess.once.Do(func() {
		close(sess.done)
		_ = sess.conn.Close()
	})
}

// CloseSessions closes every socket with code.
func (s *Server) CloseSessions(code int, text string) {
	s.mu.Lock()
	all := make([]*wsSession, 0, len(s.sessions))
	for sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()
	for _, sess := range all {
		sess.kick(code, text)
	}
}

// broadcastRoom sends f to every session in room except skip and returns
// how many accepted it.
func (s *Server) broadcastRoom(room string, f realtime.Frame, skip *wsSession) int {
	s.mu.Lock()
	var targets []*wsSession
	for sess := range s.sessions {
		if sess == skip {
			continue
		}
		if _, ok := sess.rooms[room]; ok {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	delivered := 0
	for _, sess := range targets {
		if sess.enqueue(f) {
			delivered++
		}
	}
	return delivered
}

// broadcastPresence tells every socket about one user's change and then
// sends the full online list.
func (s *Server) broadcastPresence(userID string, status models.PresenceStatus) {
	change, err := realtime.EventFrame(models.EventUserStatusChange, models.PresenceEntry{UserID: userID, Status: status})
	if err != nil {
		return
	}
	s.mu.Lock()
	online := s.onlineLocked()
	all := make([]*wsSession, 0, len(s.sessions))
	for sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	list, err := realtime.EventFrame(models.EventOnlineUsers, online)
	if err != nil {
		return
	}
	for _, sess := range all {
		sess.enqueue(change)
		sess.enqueue(list)
	}
}

func (s *Server) sendOnlineUsers(sess *wsSession) {
	s.mu.Lock()
	online := s.onlineLocked()
	s.mu.Unlock()
	if f, err := realtime.EventFrame(models.EventOnlineUsers, online); err == nil {
		sess.enqueue(f)
	}
}

func (s *Server) isOnlineLocked(userID string) bool {
	for sess := range s.sessions {
		if sess.user.ID == userID {
			return true
		}
	}
	return false
}

func (s *Server) onlineLocked() []string {
	seen := make(map[string]struct{})
	out := []string{}
	for sess := range s.sessions {
		if _, ok := seen[sess.user.ID]; ok {
			continue
		}
		seen[sess.user.ID] = struct{}{}
		out = append(out, sess.user.ID)
	}
	slices.Sort(out)
	return out
}
