package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/reservei/backoffice/internal/credstore"
	"github.com/reservei/backoffice/internal/credstore/drivers/sqlite"
	"github.com/reservei/backoffice/internal/permission"
	"github.com/reservei/backoffice/internal/realtime"
	"github.com/reservei/backoffice/internal/session"
	"github.com/reservei/backoffice/pkg/authapi"
	"github.com/reservei/backoffice/pkg/cryptox"
	"github.com/reservei/backoffice/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"

	// credentialSalt scopes derived sealing keys to this application.
	credentialSalt = "reservei-backoffice"
)

// ErrNoSession is returned by Start when no stored session could be restored
// and no login credentials are configured.
var ErrNoSession = errors.New("no stored session and no login credentials configured")

// Application wires the credential store, REST client, real-time channel and
// session controller for one back-office user.
type Application struct {
	cfg    Config
	logger *slog.Logger
	in     *bufio.Reader
	out    io.Writer

	sqlite   *sqlite.Backend // nil for the memory store
	store    *credstore.Store
	api      *authapi.Client
	realtime *realtime.Manager
	session  *session.Controller

	unsubscribe []func()
}

// New creates a new Application instance with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "backoffice",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
		in:  bufio.NewReader(os.Stdin),
		out: os.Stdout,
	}

	if err := app.initCredentialStore(); err != nil {
		return nil, err
	}
	app.initClients()
	app.initSession()

	return app, nil
}

// Session exposes the session controller.
func (app *Application) Session() *session.Controller { return app.session }

// Realtime exposes the real-time connection manager.
func (app *Application) Realtime() *realtime.Manager { return app.realtime }

// Run starts the session and blocks until a shutdown signal arrives.
func (app *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return err
	}

	<-ctx.Done()
	app.logger.Info("shutdown signal received")
	app.Shutdown()
	return nil
}

// Start restores the stored session or, failing that, logs in with the
// configured credentials. It returns once the session is Authenticated.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("backoffice client starting", "api", app.cfg.APIBaseURL, "version", BuildVersion)

	if err := app.session.RestoreSession(ctx); err != nil {
		app.logger.Info("stored session discarded", "error", err)
	}
	if app.session.Snapshot().SignedIn() {
		return nil
	}

	if app.cfg.Email == "" || app.cfg.Password == "" {
		return ErrNoSession
	}
	return app.login(ctx)
}

func (app *Application) login(ctx context.Context) error {
	res, err := app.session.Login(ctx, session.Credentials{Email: app.cfg.Email, Password: app.cfg.Password})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !res.TwoFactorRequired {
		return nil
	}

	for {
		code, err := app.prompt("Two-factor code (or backup code): ")
		if err != nil {
			_ = app.session.Logout(ctx)
			return fmt.Errorf("read two-factor code: %w", err)
		}

		_, err = app.session.VerifyTwoFactor(ctx, twoFactorCode(code))
		switch {
		case err == nil:
			return nil
		case app.session.Snapshot().Status == session.StatusTwoFactorPending:
			fmt.Fprintln(app.out, "Code rejected, try again.")
		default:
			return fmt.Errorf("two-factor verification: %w", err)
		}
	}
}

func (app *Application) prompt(label string) (string, error) {
	fmt.Fprint(app.out, label)
	line, err := app.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// twoFactorCode treats six digits as an authenticator code and anything
// else as a backup code.
func twoFactorCode(s string) session.TwoFactorCode {
	s = strings.ReplaceAll(s, " ", "")
	if len(s) == 6 && strings.Trim(s, "0123456789") == "" {
		return session.TwoFactorCode{Token: s}
	}
	return session.TwoFactorCode{BackupCode: strings.ToUpper(s)}
}

// Shutdown releases background work. The stored session is kept so the next
// run can restore it.
func (app *Application) Shutdown() {
	app.logger.Info("shutting down backoffice client...")

	for _, fn := range app.unsubscribe {
		fn()
	}
	app.unsubscribe = nil
	app.session.Close()

	if app.sqlite != nil {
		if err := app.sqlite.Close(); err != nil {
			app.logger.Error("error closing credential database", "error", err)
		}
	}
	app.logger.Info("backoffice client stopped")
}

// initCredentialStore opens the configured credential backend.
func (app *Application) initCredentialStore() error {
	if app.cfg.CredentialStore == StoreMemory {
		app.store = credstore.New(credstore.NewMemoryBackend(), app.logger)
		return nil
	}

	var sealer *cryptox.Sealer
	if app.cfg.CredentialSecret != "" {
		s, err := cryptox.NewSealer([]byte(app.cfg.CredentialSecret), []byte(credentialSalt))
		if err != nil {
			return fmt.Errorf("failed to initialize credential sealing: %w", err)
		}
		sealer = s
	} else {
		app.logger.Warn("CREDENTIAL_SECRET not set, tokens are stored unsealed")
	}

	backend, err := sqlite.NewBackend(app.cfg.CredentialDBFile, sealer)
	if err != nil {
		return fmt.Errorf("failed to initialize credential database: %w", err)
	}
	if err := backend.ApplyMigrations(); err != nil {
		_ = backend.Close()
		return fmt.Errorf("failed to apply credential database migrations: %w", err)
	}
	app.logger.Info("credential database migrations applied successfully", "file", app.cfg.CredentialDBFile)

	app.sqlite = backend
	app.store = credstore.New(backend, app.logger)
	return nil
}

// initClients builds the REST client and the real-time manager. Both read
// the bearer credential from the store on every use.
func (app *Application) initClients() {
	app.api = authapi.NewClient(app.cfg.APIBaseURL,
		authapi.WithHTTPClient(&http.Client{Timeout: app.cfg.RequestTimeout}),
		authapi.WithTokenSource(app.store),
		authapi.WithLogger(app.logger),
	)

	dialer := realtime.NewWebSocketDialer(app.cfg.RealtimeURL)
	app.realtime = realtime.New(realtime.Config{
		BaseDelay:   app.cfg.RealtimeBaseDelay,
		MaxDelay:    app.cfg.RealtimeMaxDelay,
		MaxAttempts: app.cfg.RealtimeMaxAttempts,
		DialTimeout: app.cfg.RealtimeDialTimeout,
		TypingRate:  rate.Limit(app.cfg.RealtimeTypingRate),
		TypingBurst: 1,
	}, dialer, app.store, realtime.WithLogger(app.logger))
}

func (app *Application) initSession() {
	app.session = session.New(app.api, app.store, app.realtime, session.Config{
		RequestTimeout:    app.cfg.RequestTimeout,
		RefreshInterval:   app.cfg.RefreshInterval,
		RefreshFromExpiry: app.cfg.RefreshFromExpiry,
	}, session.WithLogger(app.logger))

	app.unsubscribe = append(app.unsubscribe,
		app.session.Subscribe(app.onSessionChange),
	)

	for _, sub := range []*realtime.Subscription{
		app.realtime.Bus().OnNotification(app.logEvent("notification received")),
		app.realtime.Bus().OnUserStatus(app.logEvent("user status changed")),
		app.realtime.Bus().OnRealTimeUpdate(app.logEvent("real-time update received")),
		app.realtime.OnConnectionChange(func(st realtime.ConnectionState) {
			app.logger.Info("real-time channel state changed", "state", st.String())
		}),
	} {
		app.unsubscribe = append(app.unsubscribe, sub.Unsubscribe)
	}
}

func (app *Application) onSessionChange(snap session.Snapshot) {
	if !snap.SignedIn() {
		app.logger.Info("session state changed", "status", snap.Status)
		return
	}
	if !snap.Role().Valid() {
		app.logger.Warn("unrecognized role, no permissions granted", "role", string(snap.Role()))
	}
	app.logger.Info("session state changed",
		"status", snap.Status,
		"user_id", string(snap.User.ID),
		"role", string(snap.Role()),
		"permissions", len(permission.Permissions(snap.Role())),
		"can_deploy_production", permission.HasPermission(snap, permission.DeployProduction),
	)
}

func (app *Application) logEvent(msg string) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		app.logger.Info(msg, "payload", string(raw))
	}
}
