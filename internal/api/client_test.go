package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type echo struct {
	Value string `json:"value"`
}

func TestDoFallsThroughCandidates(t *testing.T) {
	var v1Hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/ping":
			v1Hits.Add(1)
			http.NotFound(w, r)
		case "/api/ping":
			if r.Header.Get("Authorization") != "Bearer tok" {
				t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
			}
			_ = json.NewEncoder(w).Encode(echo{Value: "pong"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New([]string{srv.URL + "/api/v1/", srv.URL + "/api"})
	var out echo
	if err := c.Do(context.Background(), http.MethodGet, "/ping", "tok", nil, &out); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if out.Value != "pong" {
		t.Errorf("Value = %q, want pong", out.Value)
	}

	// The answering base is preferred afterwards.
	if err := c.Do(context.Background(), http.MethodGet, "/ping", "tok", nil, &out); err != nil {
		t.Fatalf("second Do() error = %v", err)
	}
	if v1Hits.Load() != 1 {
		t.Errorf("v1 hits = %d, want 1", v1Hits.Load())
	}
}

func TestDoStatusHandling(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantUnauth  bool
		wantTransp  bool
		wantStatus  int
		secondCalls int32
	}{
		{name: "unauthorized stops", status: http.StatusUnauthorized, wantUnauth: true, wantStatus: 401},
		{name: "forbidden stops", status: http.StatusForbidden, wantUnauth: true, wantStatus: 403},
		{name: "bad request stops", status: http.StatusBadRequest, wantStatus: 400},
		{name: "server error falls through", status: http.StatusBadGateway, wantTransp: true, wantStatus: 502, secondCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer first.Close()
			var secondHits atomic.Int32
			second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				secondHits.Add(1)
				http.Error(w, "down", http.StatusServiceUnavailable)
			}))
			defer second.Close()

			err := New([]string{first.URL, second.URL}).Do(context.Background(), http.MethodPost, "/x", "", echo{Value: "in"}, nil)
			if err == nil {
				t.Fatal("Do() error = nil")
			}
			if IsUnauthorized(err) != tt.wantUnauth {
				t.Errorf("IsUnauthorized() = %v, want %v (err %v)", IsUnauthorized(err), tt.wantUnauth, err)
			}
			if errors.Is(err, ErrTransport) != tt.wantTransp {
				t.Errorf("errors.Is(ErrTransport) = %v, want %v", errors.Is(err, ErrTransport), tt.wantTransp)
			}
			if !tt.wantTransp && StatusCode(err) != tt.wantStatus {
				t.Errorf("StatusCode() = %d, want %d", StatusCode(err), tt.wantStatus)
			}
			if secondHits.Load() != tt.secondCalls {
				t.Errorf("second candidate hits = %d, want %d", secondHits.Load(), tt.secondCalls)
			}
		})
	}
}

func TestDoTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New([]string{url}).Do(context.Background(), http.MethodGet, "/x", "", nil, nil)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Do() error = %v, want ErrTransport", err)
	}

	if err := New(nil).Do(context.Background(), http.MethodGet, "/x", "", nil, nil); !errors.Is(err, ErrTransport) {
		t.Fatalf("Do() without bases error = %v, want ErrTransport", err)
	}
}

func TestDoContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New([]string{srv.URL}).Do(ctx, http.MethodGet, "/x", "", nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
}
