package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketDialerRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		_ = conn.WriteJSON(AckFrame(f.Room))
		_ = conn.WriteJSON(Frame{Type: FrameEvent, Event: "system-update", Payload: []byte(`{"message":"hi"}`)})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseUnauthorized, "token revoked"))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	d := &WebsocketDialer{PingInterval: time.Second}
	conn, err := d.Dial(context.Background(), wsURL(srv), "tok")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Send(JoinFrame("user_1")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	ack, err := conn.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if ack.Type != FrameAck || ack.Room != "user_1" {
		t.Errorf("ack = %+v", ack)
	}
	ev, err := conn.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if ev.Event != "system-update" || string(ev.Payload) != `{"message":"hi"}` {
		t.Errorf("event = %+v", ev)
	}

	_, err = conn.Receive()
	var ce *CloseError
	if !errors.As(err, &ce) || ce.Code != CloseUnauthorized {
		t.Fatalf("Receive() error = %v, want close 4401", err)
	}
	if !IsAuthRejection(err) {
		t.Error("close 4401 should be an auth rejection")
	}
}

func TestWebsocketDialerHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusForbidden)
	}))
	defer srv.Close()

	d := &WebsocketDialer{}
	_, err := d.Dial(context.Background(), wsURL(srv), "bad")
	var hs *HandshakeError
	if !errors.As(err, &hs) || hs.StatusCode != http.StatusForbidden {
		t.Fatalf("Dial() error = %v, want handshake 403", err)
	}
	if !IsAuthRejection(err) {
		t.Error("403 handshake should be an auth rejection")
	}
}

func TestWebsocketDialerTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := wsURL(srv)
	srv.Close()

	d := &WebsocketDialer{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := d.Dial(ctx, addr, "tok")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Dial() error = %v, want ErrTransport", err)
	}
	if IsAuthRejection(err) {
		t.Error("refused connection is not an auth rejection")
	}
}

func TestWebsocketConnSendAfterClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, err := (&WebsocketDialer{}).Dial(context.Background(), wsURL(srv), "")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_ = conn.Close()
	if err := conn.Send(JoinFrame("x")); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Send() after Close error = %v, want ErrConnClosed", err)
	}
	if _, err := conn.Receive(); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Receive() after Close error = %v, want ErrConnClosed", err)
	}
}
