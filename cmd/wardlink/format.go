package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/haasonsaas/wardlink/pkg/models"
)

// feedPrinter writes client updates to the terminal. Listeners fire from
// several goroutines so every write holds mu.
type feedPrinter struct {
	mu         sync.Mutex
	out        io.Writer
	seenToasts map[string]bool
	lastUnread int
}

func newFeedPrinter(out io.Writer) *feedPrinter {
	return &feedPrinter{out: out, seenToasts: make(map[string]bool), lastUnread: -1}
}

// Toasts prints toasts that have not been printed before.
func (p *feedPrinter) Toasts(toasts []models.Toast) {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := make(map[string]bool, len(toasts))
	for _, t := range toasts {
		live[t.ID] = true
		if p.seenToasts[t.ID] {
			continue
		}
		fmt.Fprintln(p.out, formatToast(t))
	}
	p.seenToasts = live
}

// Unread prints the unread count when it changes.
func (p *feedPrinter) Unread(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if count == p.lastUnread {
		return
	}
	p.lastUnread = count
	fmt.Fprintf(p.out, "inbox: %d unread\n", count)
}

// Inbox prints the whole inbox.
func (p *feedPrinter) Inbox(ns []models.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(ns) == 0 {
		fmt.Fprintln(p.out, "inbox is empty")
		return
	}
	for _, n := range ns {
		fmt.Fprintln(p.out, formatNotification(n))
	}
}

func (p *feedPrinter) Presence(online []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(online) == 0 {
		fmt.Fprintln(p.out, "online: nobody")
		return
	}
	fmt.Fprintf(p.out, "online: %s\n", strings.Join(online, ", "))
}

func (p *feedPrinter) Session(tr models.SessionTransition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tr.Reason != "" {
		fmt.Fprintf(p.out, "session: %s -> %s (%s)\n", tr.From, tr.To, tr.Reason)
		return
	}
	fmt.Fprintf(p.out, "session: %s -> %s\n", tr.From, tr.To)
}

func (p *feedPrinter) Connection(snap models.ConnectionSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch snap.Status {
	case models.ConnectionStatusReconnecting:
		fmt.Fprintf(p.out, "connection: reconnecting (attempt %d)\n", snap.RetryCount)
	case models.ConnectionStatusFailed:
		if snap.LastError != nil {
			fmt.Fprintf(p.out, "connection: failed: %v\n", snap.LastError)
			return
		}
		fmt.Fprintln(p.out, "connection: failed")
	default:
		fmt.Fprintf(p.out, "connection: %s\n", snap.Status)
	}
}

// Printf writes a free-form line.
func (p *feedPrinter) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

// categoryLabel turns PATIENT_STATUS into "Patient Status".
func categoryLabel(c models.Category) string {
	return titleCase(strings.ReplaceAll(string(c), "_", " "))
}

func titleCase(s string) string {
	return cases.Title(language.English).String(strings.ToLower(s))
}

func formatToast(t models.Toast) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", strings.ToUpper(string(t.Type)))
	if t.Title != "" {
		fmt.Fprintf(&b, " %s:", t.Title)
	}
	fmt.Fprintf(&b, " %s", t.Message)
	if t.Persistent() {
		fmt.Fprintf(&b, " (dismiss %s)", t.ID)
	}
	return b.String()
}

func formatNotification(n models.Notification) string {
	marker := "*"
	if n.Read {
		marker = " "
	}
	return fmt.Sprintf("%s %s  %-12s %s  %s: %s",
		marker, n.CreatedAt.Local().Format(time.DateTime), categoryLabel(n.Category), n.ID, n.Title, n.Message)
}
