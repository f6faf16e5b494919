package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mindhaven/internal/api"
	"mindhaven/internal/chat"
	"mindhaven/internal/config"
	"mindhaven/internal/database"
	"mindhaven/internal/hub"
	"mindhaven/internal/identity"
	"mindhaven/internal/logging"
	"mindhaven/internal/media"
	"mindhaven/internal/notice"
	"mindhaven/internal/notification"
	"mindhaven/internal/restclient"
	"mindhaven/internal/router"
	"mindhaven/internal/session"
	"mindhaven/internal/websocket"
	"mindhaven/pkg/interfaces"
	"mindhaven/pkg/types"
)

var _ api.Agent = (*Application)(nil)

// Application coordinates all agent components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config   *config.Config
	identity *identity.Source
	rest     *restclient.Client
	router   *router.Router
	hub      *hub.Hub
	conn     *websocket.Manager
	notices  *notice.Log
	journal  *database.Manager
	chat     *chat.Store
	inbox    *notification.Store
	tokens   *session.TokenSource
	media    *media.Headless
	call     *session.Controller

	apiServer  *api.Server
	httpServer *http.Server
	logger     zerolog.Logger

	mu         sync.Mutex
	runCtx     context.Context
	cancel     context.CancelFunc
	unregister []func()
	wg         sync.WaitGroup
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Identity → REST → Journal → Router → Hub → Socket → Stores → Call → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Application{
		config:  cfg,
		notices: notice.NewLog(100),
		logger:  logging.WithComponent("app"),
	}

	// STEP 1: identity from the configured access token (may be empty until login)
	a.identity = identity.NewSource(types.Role(cfg.Auth.Role))
	if cfg.Auth.AccessToken != "" {
		if err := a.identity.SetToken(cfg.Auth.AccessToken); err != nil {
			return nil, fmt.Errorf("invalid access token: %w", err)
		}
	}

	// STEP 2: REST collaborator, authenticated by the identity source
	rest, err := restclient.New(cfg.RESTClient(), a.identity)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize REST client: %w", err)
	}
	a.rest = rest

	// STEP 3: local journal (optional)
	var journal interfaces.Journal
	if cfg.Journal.Enabled {
		a.journal, err = database.NewManager(cfg.JournalDatabase())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize journal: %w", err)
		}
		journal = a.journal
	}

	// STEP 4: inbound path: socket → hub loop → router
	a.router = router.NewRouter()
	a.hub = hub.NewHub(a.router, a.onConnectionState)
	a.conn = websocket.NewManager(cfg.WebSocketOptions(), a.hub)
	a.conn.Subscribe(a.hub.PublishState)

	// STEP 5: stores
	a.chat = chat.NewStore(rest, a.conn, a.identity, a.notices, journal)
	a.inbox = notification.NewStore(rest, a.notices)

	// STEP 6: call controller with the headless media engine
	a.tokens = session.NewTokenSource(rest, cfg.Call.TokenTimeout)
	a.media = media.NewHeadless()
	a.call = session.NewController(cfg.SessionOptions(), session.Deps{
		Tokens:    a.tokens,
		API:       rest,
		Media:     a.media,
		Sender:    a.conn,
		Registrar: a.router,
		Identity:  a.identity,
		Notifier:  a.notices,
		Journal:   journal,
	})
	a.media.OnRemotePublished(a.call.RemotePublished)

	// STEP 7: diagnostics surface
	a.apiServer = api.NewServer(a)
	if cfg.HTTP.Enabled {
		a.httpServer = &http.Server{
			Addr:         cfg.HTTP.Address(),
			Handler:      a.apiServer,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		}
	}
	return a, nil
}

// Start begins application execution
// Startup coordination ensures the hub is consuming before the socket is dialed
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return errors.New("application already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.runCtx, a.cancel = runCtx, cancel
	a.mu.Unlock()

	// STEP 1: Start inbound event loop
	if err := a.hub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start hub: %w", err)
	}

	// STEP 2: Attach the always-on stores to the router
	a.mu.Lock()
	a.unregister = append(a.unregister, a.chat.Register(a.router), a.inbox.Register(a.router))
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.chat.Start(runCtx)
	}()

	// STEP 3: Start HTTP server
	if a.httpServer != nil {
		serverErrCh := make(chan error, 1)
		go func() {
			if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
			}
		}()

		select {
		case err := <-serverErrCh:
			a.teardown()
			return err
		case <-time.After(100 * time.Millisecond):
			a.logger.Info().Str("addr", a.httpServer.Addr).Msg("diagnostics server listening")
		case <-ctx.Done():
			a.teardown()
			return ctx.Err()
		}
	}

	// STEP 4: Connect when an identity is already available
	if _, ok := a.identity.Identity(); !ok {
		a.logger.Info().Msg("no access token configured; waiting for connect")
		return nil
	}
	if err := a.Connect(runCtx); err != nil {
		a.logger.Warn().Err(err).Msg("initial connect failed")
		return nil
	}
	if appt := a.config.Call.AppointmentID; appt != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.call.Enter(runCtx, types.ID(appt)); err != nil {
				a.logger.Warn().Err(err).Str("appointment_id", appt).Msg("configured call could not be entered")
			}
		}()
	}
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: Call → Socket → HTTP → Hub → Journal
func (a *Application) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.cancel != nil
	a.mu.Unlock()
	if !started {
		return nil
	}

	a.call.Exit()
	if err := a.conn.Close(); err != nil {
		a.logger.Debug().Err(err).Msg("socket close")
	}
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("HTTP server shutdown error")
		}
	}
	a.teardown()

	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("journal shutdown error")
		}
	}
	a.logger.Info().Msg("agent shutdown complete")
	return nil
}

// teardown detaches handlers, stops background loops and waits for them.
func (a *Application) teardown() {
	a.mu.Lock()
	offs := a.unregister
	a.unregister = nil
	cancel := a.cancel
	a.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if cancel != nil {
		cancel()
	}
	if err := a.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		a.logger.Debug().Err(err).Msg("hub stop")
	}
	a.wg.Wait()
}

// onConnectionState runs inside the hub loop, so it must not block on REST.
func (a *Application) onConnectionState(ev websocket.StateEvent) {
	a.logger.Debug().Str("user_id", ev.UserID.String()).Str("state", ev.State.String()).Msg("connection state")
	switch ev.State {
	case websocket.StateOpen:
		a.mu.Lock()
		ctx := a.runCtx
		a.mu.Unlock()
		if ctx == nil {
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.refreshStores(ctx)
		}()
	case websocket.StateClosed:
		if ev.Err != nil {
			a.notices.Notify(types.Notice{
				Level: types.NoticeWarning,
				Text:  "Connection lost. Reconnect to resume live updates.",
				Err:   ev.Err,
			})
		}
	}
}

func (a *Application) refreshStores(ctx context.Context) {
	if err := a.chat.LoadRecentConversations(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("initial conversation load failed")
	}
	if err := a.inbox.FetchAll(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("initial notification load failed")
	}
}

// Connect opens the socket for the current identity.
func (a *Application) Connect(ctx context.Context) error {
	ident, ok := a.identity.Identity()
	if !ok {
		return types.ErrUnauthenticated
	}
	if _, err := a.conn.Open(ctx, ident.UserID); err != nil {
		return fmt.Errorf("%w: %w", types.ErrNotConnected, err)
	}
	return nil
}

// Login installs a new access token and connects as its identity.
func (a *Application) Login(ctx context.Context, accessToken string) error {
	a.Logout()
	if err := a.identity.SetToken(accessToken); err != nil {
		return fmt.Errorf("%w: %w", types.ErrUnauthenticated, err)
	}
	return a.Connect(ctx)
}

// Logout tears down everything tied to the identity.
func (a *Application) Logout() {
	a.call.Exit()
	a.chat.Reset()
	a.inbox.Reset()
	if err := a.conn.Close(); err != nil {
		a.logger.Debug().Err(err).Msg("socket close on logout")
	}
	a.identity.Clear()
}

// State implements api.Agent.
func (a *Application) State() api.State {
	return api.State{
		Connection:    a.conn.Status(),
		Hub:           a.hub.Stats(),
		Backend:       a.rest.BreakerState(),
		Chat:          a.chat.Snapshot(),
		Notifications: a.inbox.Snapshot(),
		Call:          a.call.Snapshot(),
		Media:         a.media.Status(),
		Notices:       a.notices.Recent(),
	}
}

// Health implements api.Agent.
func (a *Application) Health(ctx context.Context) []api.Check {
	checks := []api.Check{{Name: "hub"}, {Name: "socket"}, {Name: "backend"}}
	if !a.hub.Running() {
		checks[0].Err = hub.ErrHubNotRunning
	}
	if _, ok := a.identity.Identity(); ok && a.conn.State() != websocket.StateOpen {
		checks[1].Err = types.ErrNotConnected
	}
	if a.rest.BreakerState() == "open" {
		checks[2].Err = restclient.ErrCircuitOpen
	}
	if a.journal != nil {
		checks = append(checks, api.Check{Name: "journal", Err: a.journal.HealthCheck(ctx)})
	}
	return checks
}

// SelectConversation implements api.Agent.
func (a *Application) SelectConversation(ctx context.Context, peer types.Peer) error {
	return a.chat.SelectConversation(ctx, peer)
}

// SendMessage implements api.Agent.
func (a *Application) SendMessage(content string) error {
	return a.chat.SendMessage(content)
}

// FindRandomPeer implements api.Agent.
func (a *Application) FindRandomPeer(ctx context.Context) (*types.Peer, error) {
	return a.chat.FindRandomPeer(ctx)
}

// OnlineUsers implements api.Agent.
func (a *Application) OnlineUsers(ctx context.Context) ([]types.OnlineUser, error) {
	return a.chat.FetchOnlineUsers(ctx)
}

// MarkNotificationRead implements api.Agent.
func (a *Application) MarkNotificationRead(ctx context.Context, id types.ID) error {
	return a.inbox.MarkRead(ctx, id)
}

// ClearNotifications implements api.Agent.
func (a *Application) ClearNotifications(ctx context.Context) error {
	return a.inbox.ClearAll(ctx)
}

// EnterCall implements api.Agent.
func (a *Application) EnterCall(ctx context.Context, appointmentID types.ID) error {
	return a.call.Enter(ctx, appointmentID)
}

// RequestEnd implements api.Agent.
func (a *Application) RequestEnd() error { return a.call.RequestEnd() }

// CancelEnd implements api.Agent.
func (a *Application) CancelEnd() error { return a.call.CancelEnd() }

// ConfirmEnd implements api.Agent.
func (a *Application) ConfirmEnd(ctx context.Context) error { return a.call.ConfirmEnd(ctx) }

// ExitCall implements api.Agent.
func (a *Application) ExitCall() { a.call.Exit() }

// CallHistory implements api.Agent; without a journal the history is empty.
func (a *Application) CallHistory(ctx context.Context, appointmentID types.ID) ([]*types.CallRecord, error) {
	if a.journal == nil {
		return nil, nil
	}
	return a.journal.CallHistory(ctx, appointmentID)
}

// Handler returns the diagnostics HTTP handler.
func (a *Application) Handler() http.Handler {
	return a.apiServer
}

// Media returns the headless media engine.
func (a *Application) Media() *media.Headless {
	return a.media
}

// GetAddr returns the diagnostics server address, or "" when disabled.
func (a *Application) GetAddr() string {
	if a.httpServer == nil {
		return ""
	}
	return a.httpServer.Addr
}
