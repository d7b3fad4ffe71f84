package presence

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/haasonsaas/wardlink/pkg/models"
)

func TestStatusOfUnknown(t *testing.T) {
	tr := NewTracker(nil)
	if got := tr.StatusOf("nobody"); got != models.PresenceUnknown {
		t.Fatalf("StatusOf() = %q, want unknown", got)
	}
	if tr.IsOnline("nobody") {
		t.Fatal("IsOnline() = true for unseen user")
	}
}

func TestBulkThenIncremental(t *testing.T) {
	tr := NewTracker(nil)
	tr.OnBulkUpdate([]models.PresenceEntry{{UserID: "b"}, {UserID: "a", Status: models.PresenceOnline}})
	if got := tr.Online(); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("Online() = %v", got)
	}

	tr.OnIncrementalUpdate(models.PresenceEntry{UserID: "a", Status: models.PresenceOffline})
	tr.OnIncrementalUpdate(models.PresenceEntry{UserID: "c", Status: models.PresenceOnline})
	if got := tr.Online(); !slices.Equal(got, []string{"b", "c"}) {
		t.Fatalf("Online() = %v", got)
	}
	if tr.StatusOf("a") != models.PresenceOffline {
		t.Fatalf("StatusOf(a) = %q", tr.StatusOf("a"))
	}

	tr.OnBulkUpdate([]models.PresenceEntry{{UserID: "a"}})
	if got := tr.Online(); !slices.Equal(got, []string{"a"}) {
		t.Fatalf("Online() after bulk = %v", got)
	}
	if tr.StatusOf("c") != models.PresenceUnknown {
		t.Fatalf("StatusOf(c) = %q, want unknown after bulk", tr.StatusOf("c"))
	}

	tr.Reset()
	if tr.StatusOf("a") != models.PresenceUnknown {
		t.Fatalf("StatusOf(a) after Reset() = %q", tr.StatusOf("a"))
	}
}

func TestHandleEvent(t *testing.T) {
	tests := []struct {
		name    string
		events  []models.Event
		want    []string
		changes int
	}{
		{
			name:    "id list",
			events:  []models.Event{{Name: models.EventOnlineUsers, Payload: json.RawMessage(`["u2","u1"]`)}},
			want:    []string{"u1", "u2"},
			changes: 1,
		},
		{
			name: "entry list then change",
			events: []models.Event{
				{Name: models.EventOnlineUsers, Payload: json.RawMessage(`[{"userId":"u1","status":"online"},{"userId":"u2","status":"offline"}]`)},
				{Name: models.EventUserStatusChange, Payload: json.RawMessage(`{"userId":"u2","status":"online"}`)},
			},
			want:    []string{"u1", "u2"},
			changes: 2,
		},
		{
			name:    "wrapped",
			events:  []models.Event{{Name: models.EventOnlineUsers, Payload: json.RawMessage(`{"users":["u3"]}`)}},
			want:    []string{"u3"},
			changes: 1,
		},
		{
			name: "malformed and unrelated ignored",
			events: []models.Event{
				{Name: models.EventOnlineUsers, Payload: json.RawMessage(`42`)},
				{Name: models.EventUserStatusChange, Payload: json.RawMessage(`{"userId":"u1","status":"away"}`)},
				{Name: models.EventNotification, Payload: json.RawMessage(`{}`)},
			},
			want:    nil,
			changes: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(nil)
			changes := 0
			tr.OnChange(func() { changes++ })
			for _, ev := range tt.events {
				tr.HandleEvent(ev)
			}
			if got := tr.Online(); !slices.Equal(got, tt.want) {
				t.Fatalf("Online() = %v, want %v", got, tt.want)
			}
			if changes != tt.changes {
				t.Fatalf("changes = %d, want %d", changes, tt.changes)
			}
		})
	}
}

func TestBulkUpdateReplacesSet(t *testing.T) {
	tr := NewTracker(nil)
	tr.OnBulkUpdate([]models.PresenceEntry{{UserID: "a"}, {UserID: "b", Status: models.PresenceOffline}})
	tr.OnBulkUpdate([]models.PresenceEntry{{UserID: "c"}})

	tests := []struct {
		user string
		want models.PresenceStatus
	}{
		{user: "a", want: models.PresenceUnknown},
		{user: "b", want: models.PresenceUnknown},
		{user: "c", want: models.PresenceOnline},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			if got := tr.StatusOf(tt.user); got != tt.want {
				t.Fatalf("StatusOf(%s) = %q, want %q", tt.user, got, tt.want)
			}
		})
	}
}

func TestOnChangeUnsubscribeAndPanic(t *testing.T) {
	tr := NewTracker(nil)
	var order []string
	tr.OnChange(func() { panic("listener bug") })
	unsubscribe := tr.OnChange(func() { order = append(order, "first") })
	tr.OnChange(func() { order = append(order, "second") })

	tr.OnIncrementalUpdate(models.PresenceEntry{UserID: "a", Status: models.PresenceOnline})
	if !slices.Equal(order, []string{"first", "second"}) {
		t.Fatalf("order = %v", order)
	}

	unsubscribe()
	unsubscribe()
	order = nil
	tr.Reset()
	if !slices.Equal(order, []string{"second"}) {
		t.Fatalf("order after unsubscribe = %v", order)
	}
}
