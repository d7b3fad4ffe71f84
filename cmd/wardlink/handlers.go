package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/haasonsaas/wardlink/internal/api"
	"github.com/haasonsaas/wardlink/internal/auth"
	"github.com/haasonsaas/wardlink/internal/client"
	"github.com/haasonsaas/wardlink/internal/config"
	"github.com/haasonsaas/wardlink/internal/devserver"
	"github.com/haasonsaas/wardlink/internal/notify"
	"github.com/haasonsaas/wardlink/internal/observability"
	"github.com/haasonsaas/wardlink/internal/storage"
	"github.com/haasonsaas/wardlink/internal/tokenstore"
	"github.com/haasonsaas/wardlink/pkg/models"
)

// =============================================================================
// Watch Command Handler
// =============================================================================

type watchOptions struct {
	commonOptions
	Email    string
	Password string
	Bell     bool
}

// watchSession is the state the stdin command loop works against.
type watchSession struct {
	env     *runtimeEnv
	client  *client.Client
	printer *feedPrinter
}

// runWatch implements the watch command.
func runWatch(ctx context.Context, in io.Reader, out io.Writer, opts watchOptions) error {
	env, err := setupRuntime(opts.commonOptions, true)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clientOpts := client.Options{
		Config:  env.cfg,
		Desktop: notify.LogNotifier{Logger: env.logger, Allow: true},
		Logger:  env.logger,
		Metrics: env.metrics,
		Tracer:  env.tracer,
	}
	if opts.Bell {
		clientOpts.Sounder = notify.BellSounder{W: out}
	}
	c, err := client.New(clientOpts)
	if err != nil {
		return fmt.Errorf("failed to build client: %w", err)
	}
	defer c.Close()

	ws := &watchSession{env: env, client: c, printer: newFeedPrinter(out)}
	ended := make(chan models.LogoutReason, 1)
	defer c.Session().OnStateChange(func(tr models.SessionTransition) {
		ws.printer.Session(tr)
		if tr.To == models.SessionLoggedOut && tr.From.Active() {
			select {
			case ended <- tr.Reason:
			default:
			}
		}
	})()
	defer c.Realtime().OnStatusChange(ws.printer.Connection)()
	router := c.Notifications()
	defer router.OnChange(func(kind notify.ChangeKind) {
		switch kind {
		case notify.ChangeToasts:
			ws.printer.Toasts(router.Toasts())
		case notify.ChangeInbox:
			ws.printer.Unread(router.UnreadCount())
		}
	})()
	defer c.Presence().OnChange(func() {
		ws.printer.Presence(c.Presence().Online())
	})()

	reader := bufio.NewReader(in)
	state, err := c.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}
	if !state.Active() {
		if strings.TrimSpace(opts.Email) == "" {
			return errors.New("no stored session; pass --email to sign in")
		}
		password, err := resolvePassword(opts.Password, in, reader, out)
		if err != nil {
			return err
		}
		landing, err := c.Login(ctx, models.Credentials{Email: opts.Email, Password: password})
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		ws.printer.Printf("landing page: %s", landing)
	}
	if user, ok := c.Session().User(); ok {
		ws.printer.Printf("signed in as %s (%s)", user.Name, user.Role)
	}

	lines := make(chan string)
	go scanLines(ctx, reader, lines)

	for {
		select {
		case <-ctx.Done():
			ws.printer.Printf("stopping; session kept")
			return nil
		case reason := <-ended:
			ws.printer.Printf("session ended: %s", reason)
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed; keep streaming until a signal or the session ends.
				lines = nil
				continue
			}
			if ws.handleLine(ctx, line) {
				return nil
			}
		}
	}
}

// resolvePassword returns the flag value, prompts without echo on a
// terminal, or reads one line from stdin.
func resolvePassword(flag string, in io.Reader, reader *bufio.Reader, out io.Writer) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(out, "Password: ")
		text, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(text), nil
	}
	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func scanLines(ctx context.Context, reader *bufio.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

// handleLine records activity and runs any command on the line. It reports
// whether the watch loop should exit.
func (ws *watchSession) handleLine(ctx context.Context, line string) bool {
	ws.client.RecordActivity("keypress")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	router := ws.client.Notifications()
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "inbox":
		ws.printer.Inbox(router.Notifications())
	case "read":
		if arg == "" {
			ws.printer.Printf("usage: read <id>")
			return false
		}
		ws.reportSync("read", router.MarkRead(ctx, arg))
	case "read-all":
		ws.reportSync("read-all", router.MarkAllRead(ctx))
	case "delete":
		if arg == "" {
			ws.printer.Printf("usage: delete <id>")
			return false
		}
		ws.reportSync("delete", router.DeleteNotification(ctx, arg))
	case "dismiss":
		if !router.DismissToast(arg) {
			ws.printer.Printf("no toast %q", arg)
		}
	case "online":
		ws.printer.Presence(ws.client.Presence().Online())
	case "logout":
		token := ws.client.Session().Token()
		ws.client.Session().Logout(ctx, false)
		if token != "" {
			if err := notifyServerLogout(ctx, ws.env, token); err != nil {
				ws.env.logger.Warn("server logout failed", "error", err)
			}
		}
		return true
	case "quit", "exit":
		return true
	}
	return false
}

func (ws *watchSession) reportSync(op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, notify.ErrNotFound):
		ws.printer.Printf("%s: no such notification", op)
	default:
		ws.printer.Printf("%s: applied locally, server sync failed: %v", op, err)
	}
}

// =============================================================================
// DevServer Command Handler
// =============================================================================

type devServerOptions struct {
	commonOptions
	Addr    string
	InboxDB string
}

// runDevServer implements the devserver command.
func runDevServer(ctx context.Context, out io.Writer, opts devServerOptions) error {
	env, err := setupRuntime(opts.commonOptions, false)
	if err != nil {
		return err
	}
	defer env.Close()
	cfg := env.cfg

	inbox, err := storage.Open(ctx, opts.InboxDB)
	if err != nil {
		return fmt.Errorf("failed to open inbox store: %w", err)
	}
	defer inbox.Close()

	accounts := devAccounts(cfg.DevServer.Users)
	srvCfg := devserver.Config{
		Accounts:    accounts,
		JWTSecret:   cfg.DevServer.JWTSecret,
		TokenExpiry: cfg.DevServer.TokenExpiry,
		Inbox:       inbox,
		Logger:      env.logger,
		Metrics:     env.metrics,
	}
	if env.registry != nil {
		srvCfg.Gatherer = env.registry
	}
	srv, err := devserver.New(srvCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize devserver: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := opts.Addr
	if addr == "" {
		addr = cfg.DevServer.Addr
	}
	bound, err := srv.Start(addr)
	if err != nil {
		return fmt.Errorf("failed to start devserver: %w", err)
	}
	fmt.Fprintf(out, "devserver listening on http://%s (socket ws://%s/ws)\n", bound, bound)
	if len(accounts) == 0 {
		accounts = devserver.DefaultAccounts()
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tPASSWORD\tROLE\tDEPARTMENT")
	for _, a := range accounts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Email, a.Password, a.Role, a.Department)
	}
	_ = w.Flush()

	<-ctx.Done()
	env.logger.Info("shutdown signal received, stopping devserver")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// devAccounts converts configured users. Nil leaves seeding to the server.
func devAccounts(users []config.DevServerUser) []devserver.Account {
	if len(users) == 0 {
		return nil
	}
	accounts := make([]devserver.Account, 0, len(users))
	for _, u := range users {
		id := u.ID
		if id == "" {
			id = u.Email
		}
		accounts = append(accounts, devserver.Account{
			User: models.User{
				ID:         id,
				Name:       u.Name,
				Email:      u.Email,
				Role:       models.NormalizeRole(u.Role),
				Department: u.Department,
			},
			Password: u.Password,
		})
	}
	return accounts
}

// =============================================================================
// Logout and Status Command Handlers
// =============================================================================

// runLogout tells the server and clears local state. The local clear happens
// even when the server call fails.
func runLogout(ctx context.Context, out io.Writer, opts commonOptions) error {
	env, err := setupRuntime(opts, false)
	if err != nil {
		return err
	}
	defer env.Close()

	store, err := openStore(env)
	if err != nil {
		return err
	}
	token, ok := store.Token()
	if !ok {
		fmt.Fprintln(out, "not signed in")
		return store.ClearAll()
	}
	if err := notifyServerLogout(ctx, env, token); err != nil {
		env.logger.Warn("server logout failed", "error", err)
	}
	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("failed to clear stored state: %w", err)
	}
	fmt.Fprintln(out, "signed out")
	return nil
}

// runStatus prints what is stored locally, and optionally asks the server
// whether the token is still accepted.
func runStatus(ctx context.Context, out io.Writer, opts commonOptions, verify bool) error {
	env, err := setupRuntime(opts, false)
	if err != nil {
		return err
	}
	defer env.Close()

	store, err := openStore(env)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "storage: %s\n", env.cfg.Storage.Backend)
	token, ok := store.Token()
	if !ok {
		fmt.Fprintln(out, "session: not signed in")
	} else {
		if user, err := store.User(); err == nil && user != nil {
			fmt.Fprintf(out, "user: %s <%s> %s", user.Name, user.Email, user.Role)
			if user.Department != "" {
				fmt.Fprintf(out, " (%s)", titleCase(user.Department))
			}
			fmt.Fprintln(out)
		}
		if info, ok := auth.Inspect(token); ok && !info.ExpiresAt.IsZero() {
			suffix := ""
			if info.Expired(time.Now()) {
				suffix = " (expired)"
			}
			fmt.Fprintf(out, "token expires: %s%s\n", info.ExpiresAt.Local().Format(time.RFC3339), suffix)
		}
		if verify {
			fmt.Fprintf(out, "server: %s\n", verifyStatus(ctx, env, token))
		}
	}

	prefs := store.Preferences()
	fmt.Fprintf(out, "preferences: theme=%s language=%s\n", prefs.Theme, prefs.Language)

	settings := store.NotificationSettings(env.cfg.Notifications.NotificationDefaults())
	categories := make([]models.Category, 0, len(settings.Categories))
	for c := range settings.Categories {
		categories = append(categories, c)
	}
	slices.Sort(categories)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tENABLED\tSOUND\tDESKTOP\tTOAST")
	for _, c := range categories {
		cs := settings.Categories[c]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", categoryLabel(c), onOff(cs.Enabled), onOff(cs.Sound), onOff(cs.Desktop), onOff(cs.Toast))
	}
	return w.Flush()
}

func verifyStatus(ctx context.Context, env *runtimeEnv, token string) string {
	ctx, span := env.tracer.Start(ctx, "cli.verify")
	res, err := newAuthClient(env).VerifyToken(ctx, token)
	observability.End(span, err)
	switch {
	case err == nil && res.Valid:
		return "token accepted"
	case err == nil || auth.IsAuthInvalid(err):
		return "token rejected"
	default:
		return fmt.Sprintf("unreachable (%v)", err)
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func openStore(env *runtimeEnv) (*tokenstore.Store, error) {
	cfg := env.cfg.Storage
	backend, err := tokenstore.OpenBackend(cfg.Backend, cfg.Dir, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}
	return tokenstore.New(backend, env.logger), nil
}

func newAuthClient(env *runtimeEnv) *auth.Client {
	return auth.NewClient(api.New(env.cfg.Server.APIBaseURLs,
		api.WithTimeout(env.cfg.Server.RequestTimeout),
		api.WithLogger(env.logger),
		api.WithMetrics(env.metrics),
	))
}

// notifyServerLogout revokes token on the server, bounded by the configured
// logout timeout.
func notifyServerLogout(ctx context.Context, env *runtimeEnv, token string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), env.cfg.Session.LogoutTimeout)
	defer cancel()
	ctx, span := env.tracer.Start(ctx, "cli.logout")
	err := newAuthClient(env).Logout(ctx, token)
	observability.End(span, err)
	return err
}

// =============================================================================
// Version Command Handler
// =============================================================================

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "wardlink %s\n", version)
	fmt.Fprintf(out, "  commit: %s\n", commit)
	fmt.Fprintf(out, "  built:  %s\n", date)
	fmt.Fprintf(out, "  config: v%d\n", config.CurrentVersion)
}
