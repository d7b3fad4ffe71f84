package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/wardlink/internal/config"
	"github.com/haasonsaas/wardlink/internal/devserver"
	"github.com/haasonsaas/wardlink/internal/tokenstore"
	"github.com/haasonsaas/wardlink/pkg/models"
)

func startDevServer(t *testing.T) *httptest.Server {
	t.Helper()
	s, err := devserver.New(devserver.Config{JWTSecret: "integration", PingInterval: time.Second})
	if err != nil {
		t.Fatalf("devserver.New() error = %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.CloseSessions(websocket.CloseGoingAway, "test over")
		srv.Close()
	})
	return srv
}

func testConfig(srv *httptest.Server) *config.Config {
	cfg := config.Default()
	cfg.Server.APIBaseURLs = []string{srv.URL + "/api"}
	cfg.Server.SocketURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg.Storage.Backend = "memory"
	cfg.Connection.MaxRetries = 2
	cfg.Connection.Backoff.Initial = 10 * time.Millisecond
	cfg.Connection.Backoff.Max = 20 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config, backend tokenstore.Backend) *Client {
	t.Helper()
	if backend == nil {
		backend = tokenstore.NewMemoryBackend()
	}
	c, err := New(Options{Config: cfg, Backend: backend})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func post(t *testing.T, url string, body any) map[string]any {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return out
}

// pushUntilDelivered retries until a socket has joined the room.
func pushUntilDelivered(t *testing.T, srv *httptest.Server, req devserver.PushRequest) string {
	t.Helper()
	var id string
	waitFor(t, "push delivery", func() bool {
		res := post(t, srv.URL+"/api/dev/push", req)
		id, _ = res["id"].(string)
		delivered, _ := res["delivered"].(float64)
		return delivered > 0
	})
	return id
}

type transitions struct {
	mu  sync.Mutex
	all []models.SessionTransition
}

func (r *transitions) record(tr models.SessionTransition) {
	r.mu.Lock()
	r.all = append(r.all, tr)
	r.mu.Unlock()
}

func (r *transitions) last() models.SessionTransition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.all) == 0 {
		return models.SessionTransition{}
	}
	return r.all[len(r.all)-1]
}

func TestDoctorLoginConnectsAndJoinsRooms(t *testing.T) {
	srv := startDevServer(t)
	c := newTestClient(t, testConfig(srv), nil)
	ctx := context.Background()

	if state, err := c.Start(ctx); err != nil || state != models.SessionAnonymous {
		t.Fatalf("Start() = %s, %v", state, err)
	}
	redirect, err := c.Login(ctx, models.Credentials{Email: "doctor@ward.test", Password: "doctor"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if redirect != "/doctor/dashboard" {
		t.Fatalf("Login() redirect = %q", redirect)
	}
	waitFor(t, "connected", func() bool {
		return c.Realtime().Status() == models.ConnectionStatusConnected
	})
	snap := c.Realtime().Snapshot()
	for _, room := range []string{"user_doc-1", "role_DOCTOR", "department_cardiology"} {
		if !snap.InRoom(room) {
			t.Errorf("room %s not joined: %v", room, snap.JoinedRooms)
		}
	}
	waitFor(t, "self online", func() bool { return c.Presence().IsOnline("doc-1") })

	id := pushUntilDelivered(t, srv, devserver.PushRequest{
		Room:    "user_doc-1",
		Event:   models.EventNotification,
		Payload: json.RawMessage(`{"title":"Lab","message":"CBC ready","category":"PATIENT_STATUS"}`),
	})
	waitFor(t, "notification routed", func() bool {
		for _, n := range c.Notifications().Notifications() {
			if n.ID == id {
				return true
			}
		}
		return false
	})
	if err := c.Notifications().MarkRead(ctx, id); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}

	c.Logout(ctx)
	if c.Realtime().Status() != models.ConnectionStatusDisconnected {
		t.Fatalf("status after logout = %s", c.Realtime().Status())
	}
	if len(c.Notifications().Notifications()) != 0 {
		t.Fatal("inbox survived logout")
	}
	if _, ok := c.Store().Token(); ok {
		t.Fatal("token survived logout")
	}
	if c.Realtime().ListenerCount(models.EventNotification) != 0 {
		t.Fatal("listeners survived logout")
	}
}

func TestAuthRejectionWhileConnectedForcesLogout(t *testing.T) {
	srv := startDevServer(t)
	c := newTestClient(t, testConfig(srv), nil)
	rec := &transitions{}
	c.Session().OnStateChange(rec.record)
	ctx := context.Background()

	if _, err := c.Login(ctx, models.Credentials{Email: "nurse@ward.test", Password: "nurse"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	waitFor(t, "connected", func() bool {
		return c.Realtime().Status() == models.ConnectionStatusConnected
	})

	post(t, srv.URL+"/api/dev/kick", devserver.KickRequest{UserID: "nurse-1"})

	waitFor(t, "forced logout", func() bool {
		return c.Session().State() == models.SessionLoggedOut
	})
	if got := rec.last(); got.Reason != models.LogoutAuthRejected {
		t.Fatalf("last transition = %+v, want auth_rejected", got)
	}
	waitFor(t, "disconnected", func() bool {
		return c.Realtime().Status() == models.ConnectionStatusDisconnected
	})
	if snap := c.Realtime().Snapshot(); len(snap.JoinedRooms) != 0 {
		t.Fatalf("rooms after forced logout = %v", snap.JoinedRooms)
	}
}

func TestRestoreFromSharedStore(t *testing.T) {
	srv := startDevServer(t)
	cfg := testConfig(srv)
	backend := tokenstore.NewMemoryBackend()
	ctx := context.Background()

	first := newTestClient(t, cfg, backend)
	if _, err := first.Login(ctx, models.Credentials{Email: "admin@ward.test", Password: "admin"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	first.Close()

	second := newTestClient(t, cfg, backend)
	state, err := second.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if state != models.SessionAuthenticated {
		t.Fatalf("Start() state = %s, want authenticated", state)
	}
	waitFor(t, "connected", func() bool {
		return second.Realtime().Status() == models.ConnectionStatusConnected
	})
	if !second.Realtime().Snapshot().InRoom("role_ADMIN") {
		t.Fatalf("rooms = %v", second.Realtime().Snapshot().JoinedRooms)
	}
}

func TestRestoreUndefinedTokenStaysAnonymous(t *testing.T) {
	srv := startDevServer(t)
	backend := tokenstore.NewMemoryBackend()
	_ = backend.Set(tokenstore.KeyAuthToken, "undefined")
	c := newTestClient(t, testConfig(srv), backend)

	state, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if state != models.SessionAnonymous {
		t.Fatalf("Start() state = %s, want anonymous", state)
	}
	if c.Realtime().Status() != models.ConnectionStatusDisconnected {
		t.Fatalf("status = %s", c.Realtime().Status())
	}
}

func TestExternalTokenRemovalForcesLogout(t *testing.T) {
	srv := startDevServer(t)
	cfg := testConfig(srv)
	dir := t.TempDir()
	cfg.Storage.Backend = "file"
	cfg.Storage.Dir = dir
	cfg.Storage.Watch = true
	backend, err := tokenstore.NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	c := newTestClient(t, cfg, backend)
	ctx := context.Background()
	if _, err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := c.Login(ctx, models.Credentials{Email: "reception@ward.test", Password: "reception"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if err := os.Remove(filepath.Join(dir, tokenstore.KeyAuthToken)); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	waitFor(t, "external logout", func() bool {
		return c.Session().State() == models.SessionLoggedOut
	})
}

// stallingInbox blocks List until its context ends.
type stallingInbox struct {
	started chan struct{}
	ended   chan error
	once    sync.Once
}

func (s *stallingInbox) UnreadCount(ctx context.Context) (int, error) { return 0, nil }

func (s *stallingInbox) List(ctx context.Context, limit int) ([]models.Notification, error) {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	select {
	case s.ended <- ctx.Err():
	default:
	}
	return []models.Notification{{ID: "stale", Title: "Patient A labs", CreatedAt: time.Now()}}, nil
}

func (s *stallingInbox) MarkAsRead(ctx context.Context, id string) error { return nil }
func (s *stallingInbox) MarkAllAsRead(ctx context.Context) error { return nil }
func (s *stallingInbox) Delete(ctx context.Context, id string) error { return nil }
func (s *stallingInbox) UpdateSettings(ctx context.Context, settings models.NotificationSettings) error {
	return nil
}

func TestLogoutCancelsInboxRefresh(t *testing.T) {
	srv := startDevServer(t)
	svc := &stallingInbox{started: make(chan struct{}), ended: make(chan error, 1)}
	c, err := New(Options{Config: testConfig(srv), Backend: tokenstore.NewMemoryBackend(), Notifications: svc})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	ctx := context.Background()

	if _, err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := c.Login(ctx, models.Credentials{Email: "doctor@ward.test", Password: "doctor"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	select {
	case <-svc.started:
	case <-time.After(5 * time.Second):
		t.Fatal("inbox refresh never started")
	}

	c.Logout(ctx)
	select {
	case err := <-svc.ended:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("refresh context error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("logout did not cancel the inbox refresh")
	}

	time.Sleep(50 * time.Millisecond)
	if got := c.Notifications().Notifications(); len(got) != 0 {
		t.Fatalf("inbox after logout = %+v", got)
	}
}
