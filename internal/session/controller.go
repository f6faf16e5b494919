// Package session owns the lifecycle of one video call: token acquisition,
// presence, duration timing and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mindhaven/internal/logging"
	"mindhaven/internal/metrics"
	"mindhaven/internal/notice"
	"mindhaven/internal/router"
	"mindhaven/pkg/interfaces"
	"mindhaven/pkg/types"
)

// Options configures a Controller.
type Options struct {
	// AppID identifies the application to the media engine.
	AppID string

	// TickInterval is the duration clock period; one tick is one second of call.
	TickInterval time.Duration

	// ReportTimeout bounds best-effort status reports, journal writes and media release.
	ReportTimeout time.Duration
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval:  time.Second,
		ReportTimeout: 5 * time.Second,
	}
}

// Deps are the collaborators of a Controller. Journal and Notifier may be nil.
type Deps struct {
	Tokens    *TokenSource
	API       interfaces.CallAPI
	Media     interfaces.MediaEngine
	Sender    interfaces.FrameSender
	Registrar interfaces.HandlerRegistrar
	Identity  interfaces.IdentityProvider
	Notifier  interfaces.Notifier
	Journal   interfaces.Journal
	Clock     Clock
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	State     State              `json:"state"`
	Role      types.Role         `json:"role,omitempty"`
	Session   *types.CallSession `json:"session,omitempty"`
	LastError string             `json:"last_error,omitempty"`
}

// Controller is the call session state machine.
// ARCHITECTURAL DISCOVERY: every REST and media suspension is bracketed by an
// epoch check; Exit bumps the epoch so results landing after it are dropped
type Controller struct {
	opts     Options
	tokens   *TokenSource
	api      interfaces.CallAPI
	media    interfaces.MediaEngine
	sender   interfaces.FrameSender
	reg      interfaces.HandlerRegistrar
	identity interfaces.IdentityProvider
	notifier interfaces.Notifier
	journal  interfaces.Journal
	clock    Clock
	logger   zerolog.Logger

	mu         sync.Mutex
	state      State
	session    *types.CallSession
	role       types.Role
	epoch      uint64
	unregister func()
	ticker     Ticker
	tickerDone chan struct{}
	tracks     []interfaces.Track
	joined     bool
	lastErr    error

	// pending holds teardowns started off the caller's goroutine.
	pending []chan struct{}
}

// NewController creates a controller in the Idle state.
func NewController(opts Options, deps Deps) *Controller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.ReportTimeout <= 0 {
		opts.ReportTimeout = 5 * time.Second
	}
	if deps.Notifier == nil {
		deps.Notifier = notice.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Tokens == nil {
		deps.Tokens = NewTokenSource(deps.API, 0)
	}
	return &Controller{
		opts:     opts,
		tokens:   deps.Tokens,
		api:      deps.API,
		media:    deps.Media,
		sender:   deps.Sender,
		reg:      deps.Registrar,
		identity: deps.Identity,
		notifier: deps.Notifier,
		journal:  deps.Journal,
		clock:    deps.Clock,
		logger:   logging.WithComponent("call"),
	}
}

// setStateLocked moves to next, recording the transition.
func (c *Controller) setStateLocked(next State) {
	prev := c.state
	if prev == next {
		return
	}
	if !canTransition(prev, next) {
		c.logger.Warn().Str("from", prev.String()).Str("to", next.String()).Msg("unexpected call state transition")
	}
	c.state = next
	metrics.RecordCallTransition(prev.String(), next.String())
	ev := c.logger.Info().Str("from", prev.String()).Str("state", next.String())
	if c.session != nil {
		ev = ev.Str("appointment_id", c.session.AppointmentID.String())
	}
	ev.Msg("call state changed")
}

// Enter starts a call session for appointmentID: it acquires a token, announces
// local presence and joins the media session. It returns once the local side
// has joined or the session failed.
func (c *Controller) Enter(ctx context.Context, appointmentID types.ID) error {
	if appointmentID.IsZero() {
		return ErrInvalidAppointment
	}
	me, ok := c.identity.Identity()
	if !ok {
		return types.ErrUnauthenticated
	}
	c.awaitPending()

	c.mu.Lock()
	if c.session != nil && c.state.InProgress() {
		if c.session.AppointmentID == appointmentID {
			c.mu.Unlock()
			c.logger.Debug().Str("appointment_id", appointmentID.String()).Msg("duplicate enter suppressed")
			return types.ErrDuplicateFetchSuppressed
		}
		c.mu.Unlock()
		c.Exit()
		c.mu.Lock()
	}

	if c.unregister != nil {
		c.unregister()
		c.unregister = nil
	}
	c.epoch++
	epoch := c.epoch
	c.role = me.Role
	if !c.role.Valid() {
		c.role = types.RoleUser
	}
	c.session = &types.CallSession{AppointmentID: appointmentID}
	c.lastErr = nil
	c.joined = false
	c.setStateLocked(StateTokenPending)
	c.unregister = c.registerLocked()
	role := c.role
	c.mu.Unlock()

	grant, err := c.tokens.Acquire(ctx, appointmentID)

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", types.ErrTokenFetchFailed, err)
		c.failLocked(err)
		c.mu.Unlock()
		c.notifier.Notify(types.Notice{Level: types.NoticeError, Text: "Failed to join video call. Please try again.", Err: err})
		c.recordOutcome(appointmentID, role, types.CallSession{AppointmentID: appointmentID}, types.CallOutcomeFailed)
		return err
	}
	c.session.Token = grant.Token
	if grant.Joined(role.Peer()) {
		c.session.RemoteJoined = true
	}
	c.setStateLocked(StateWaitingForPeer)
	c.mu.Unlock()

	if err := c.sender.Send(types.NewUserJoinedFrame(appointmentID, role)); err != nil {
		c.logger.Warn().Err(err).Str("appointment_id", appointmentID.String()).Msg("failed to announce presence")
	}

	tracks, err := c.joinMedia(ctx, appointmentID, grant)
	if err != nil {
		c.releaseMedia(tracks)
		c.mu.Lock()
		if epoch != c.epoch {
			c.mu.Unlock()
			return ErrSessionClosed
		}
		err = fmt.Errorf("%w: %w", types.ErrMediaJoinFailed, err)
		c.failLocked(err)
		c.mu.Unlock()
		c.notifier.Notify(types.Notice{Level: types.NoticeError, Text: "Video call error: could not join the media session.", Err: err})
		c.recordOutcome(appointmentID, role, types.CallSession{AppointmentID: appointmentID}, types.CallOutcomeFailed)
		return err
	}

	c.mu.Lock()
	if epoch != c.epoch || c.state != StateWaitingForPeer {
		c.mu.Unlock()
		c.releaseMedia(tracks)
		return ErrSessionClosed
	}
	c.tracks = tracks
	c.joined = true
	c.session.LocalJoined = true
	c.maybeActivateLocked()
	c.mu.Unlock()

	c.report(appointmentID, &types.CallStatusReport{Status: types.CallStatusJoined, UserRole: role})
	return nil
}

func (c *Controller) joinMedia(ctx context.Context, appointmentID types.ID, grant *types.TokenGrant) ([]interfaces.Track, error) {
	if _, err := c.media.Join(ctx, c.opts.AppID, appointmentID.String(), grant.Token, grant.UID); err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}
	var tracks []interfaces.Track
	mic, err := c.media.CreateMicrophoneTrack(ctx)
	if err != nil {
		return tracks, fmt.Errorf("microphone: %w", err)
	}
	tracks = append(tracks, mic)
	cam, err := c.media.CreateCameraTrack(ctx)
	if err != nil {
		return tracks, fmt.Errorf("camera: %w", err)
	}
	tracks = append(tracks, cam)
	if err := c.media.Publish(ctx, tracks...); err != nil {
		return tracks, fmt.Errorf("publish: %w", err)
	}
	return tracks, nil
}

// releaseMedia closes tracks and leaves the media session.
func (c *Controller) releaseMedia(tracks []interfaces.Track) {
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			c.logger.Debug().Err(err).Str("kind", string(t.Kind())).Msg("track close failed")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReportTimeout)
	defer cancel()
	if err := c.media.Leave(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("media leave failed")
	}
}

func (c *Controller) failLocked(err error) {
	c.lastErr = err
	c.setStateLocked(StateFailed)
	c.logger.Error().Err(err).Str("appointment_id", c.session.AppointmentID.String()).Msg("call session failed")
}

func (c *Controller) registerLocked() func() {
	if c.reg == nil {
		return func() {}
	}
	offEvent := router.Handle(c.reg, types.FrameVideoCallEvent, c.HandleCallEvent)
	offStatus := router.Handle(c.reg, types.FrameVideoCallStatus, c.HandleCallStatus)
	return func() {
		offEvent()
		offStatus()
	}
}

// maybeActivateLocked enters Active once both sides are present.
func (c *Controller) maybeActivateLocked() {
	if c.state != StateWaitingForPeer || !c.session.BothJoined() {
		return
	}
	c.session.StartedAt = c.clock.Now()
	c.setStateLocked(StateActive)
	c.startTickerLocked()
}

func (c *Controller) startTickerLocked() {
	if c.ticker != nil {
		return
	}
	t := c.clock.NewTicker(c.opts.TickInterval)
	done := make(chan struct{})
	epoch := c.epoch
	c.ticker = t
	c.tickerDone = done
	go func() {
		for {
			select {
			case <-done:
				return
			case <-t.C():
				c.tickIn(epoch)
			}
		}
	}()
}

func (c *Controller) stopTickerLocked() {
	if c.ticker == nil {
		return
	}
	c.ticker.Stop()
	close(c.tickerDone)
	c.ticker = nil
	c.tickerDone = nil
}

// Tick advances the call duration by one second. It is the only clock input
// and is ignored unless the call is running with both sides present.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickLocked()
}

// tickIn applies a ticker tick only if it belongs to the session at epoch.
func (c *Controller) tickIn(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}
	c.tickLocked()
}

func (c *Controller) tickLocked() {
	if c.session == nil || c.session.Ended() || !c.session.BothJoined() {
		return
	}
	if c.state != StateActive && c.state != StateEnding {
		return
	}
	c.session.DurationSeconds++
}

// HandleCallEvent applies a peer signaling event.
func (c *Controller) HandleCallEvent(f *types.CallEventFrame) error {
	ev := f.Data
	c.mu.Lock()
	if c.session == nil || c.session.AppointmentID != ev.AppointmentID {
		c.mu.Unlock()
		c.logger.Debug().Str("appointment_id", ev.AppointmentID.String()).Msg("call event for another appointment ignored")
		return nil
	}
	if ev.UserRole == c.role {
		c.mu.Unlock()
		return nil
	}

	switch ev.EventType {
	case types.CallEventUserJoined:
		if !c.state.InProgress() {
			c.mu.Unlock()
			return nil
		}
		c.session.RemoteJoined = true
		c.maybeActivateLocked()
		c.mu.Unlock()
		return nil
	case types.CallEventCallEnded:
		if c.state != StateWaitingForPeer && c.state != StateActive && c.state != StateEnding {
			c.mu.Unlock()
			return nil
		}
		c.logger.Info().Str("appointment_id", ev.AppointmentID.String()).Msg("peer ended the call")
		// Runs on the inbound loop: release and reporting continue in the background.
		done := make(chan struct{})
		c.pending = append(c.pending, done)
		release, _ := c.finishLocked(false)
		go func() {
			defer close(done)
			release()
		}()
		return nil
	}
	c.mu.Unlock()
	return nil
}

// HandleCallStatus applies a server presence snapshot. Presence only ever
// turns on, so snapshots may arrive in any order.
func (c *Controller) HandleCallStatus(f *types.CallStatusFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.AppointmentID != f.Status.AppointmentID || !c.state.InProgress() {
		return nil
	}
	if f.Status.Joined(c.role.Peer()) {
		c.session.RemoteJoined = true
		c.maybeActivateLocked()
	}
	return nil
}

// RequestEnd asks to end the call (Active → Ending).
func (c *Controller) RequestEnd() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return fmt.Errorf("%w: request end from %s", types.ErrInvalidTransition, c.state)
	}
	c.setStateLocked(StateEnding)
	return nil
}

// CancelEnd withdraws an end request (Ending → Active).
func (c *Controller) CancelEnd() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEnding {
		return fmt.Errorf("%w: cancel end from %s", types.ErrInvalidTransition, c.state)
	}
	c.setStateLocked(StateActive)
	return nil
}

// ConfirmEnd ends the call (Ending → Ended) and tells the peer its duration.
func (c *Controller) ConfirmEnd(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateEnding {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: confirm end from %s", types.ErrInvalidTransition, state)
	}
	release, err := c.finishLocked(true)
	release()
	return err
}

// finishLocked stamps the end of the call and stops its ticker. It is called
// with c.mu held and releases it. The returned func releases media, reports
// the end and journals the session.
func (c *Controller) finishLocked(announce bool) (func(), error) {
	c.session.EndedAt = c.clock.Now()
	c.setStateLocked(StateEnded)
	c.stopTickerLocked()
	tracks := c.tracks
	c.tracks = nil
	joined := c.joined
	c.joined = false
	final := *c.session
	role := c.role
	c.mu.Unlock()

	metrics.CallDuration.Observe(float64(final.DurationSeconds))

	var sendErr error
	if announce {
		if err := c.sender.Send(types.NewCallEndedFrame(final.AppointmentID, role, final.DurationSeconds)); err != nil {
			sendErr = fmt.Errorf("announce call end: %w", err)
			c.logger.Warn().Err(err).Str("appointment_id", final.AppointmentID.String()).Msg("failed to announce call end")
		}
	}
	return func() {
		if joined {
			c.releaseMedia(tracks)
		}
		d := final.DurationSeconds
		c.report(final.AppointmentID, &types.CallStatusReport{Status: types.CallStatusEnded, UserRole: role, CallDuration: &d})
		c.recordOutcome(final.AppointmentID, role, final, types.CallOutcomeCompleted)
	}, sendErr
}

// awaitPending waits for background teardowns of earlier sessions.
func (c *Controller) awaitPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, done := range pending {
		<-done
	}
}

// Exit tears the session down from any state: router handlers are detached,
// the ticker is stopped, media is released and background teardowns have
// finished before Exit returns. Results of calls still in flight are discarded.
func (c *Controller) Exit() {
	c.mu.Lock()
	c.epoch++
	if c.unregister != nil {
		c.unregister()
		c.unregister = nil
	}
	c.stopTickerLocked()
	tracks := c.tracks
	c.tracks = nil
	joined := c.joined
	c.joined = false

	var abandoned *types.CallSession
	if c.session != nil {
		c.tokens.Forget(c.session.AppointmentID)
		if c.state == StateActive || c.state == StateEnding {
			s := *c.session
			s.EndedAt = c.clock.Now()
			abandoned = &s
		}
	}
	role := c.role
	if c.state != StateIdle {
		prev := c.state
		c.state = StateIdle
		metrics.RecordCallTransition(prev.String(), StateIdle.String())
	}
	c.session = nil
	c.lastErr = nil
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, done := range pending {
		<-done
	}
	if joined || len(tracks) > 0 {
		c.releaseMedia(tracks)
	}
	if abandoned != nil {
		c.recordOutcome(abandoned.AppointmentID, role, *abandoned, types.CallOutcomeAbandoned)
	}
	c.logger.Debug().Msg("call session exited")
}

// RemotePublished subscribes to a remote participant's published media.
func (c *Controller) RemotePublished(ctx context.Context, uid uint32, kind interfaces.MediaKind) error {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return ErrNoSession
	}
	return c.media.Subscribe(ctx, uid, kind)
}

func (c *Controller) report(appointmentID types.ID, r *types.CallStatusReport) {
	if c.api == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReportTimeout)
	defer cancel()
	if err := c.api.ReportCallStatus(ctx, appointmentID, r); err != nil {
		c.logger.Warn().Err(err).Str("appointment_id", appointmentID.String()).Str("status", r.Status).Msg("call status report failed")
	}
}

func (c *Controller) recordOutcome(appointmentID types.ID, role types.Role, s types.CallSession, outcome string) {
	if c.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReportTimeout)
	defer cancel()
	rec := &types.CallRecord{
		AppointmentID:   appointmentID,
		Role:            role,
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		DurationSeconds: s.DurationSeconds,
		Outcome:         outcome,
	}
	if err := c.journal.RecordCall(ctx, rec); err != nil && !errors.Is(err, interfaces.ErrJournalClosed) {
		c.logger.Warn().Err(err).Msg("failed to journal call")
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session.
func (c *Controller) Session() (types.CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return types.CallSession{}, false
	}
	return *c.session, true
}

// TickerRunning reports whether the duration ticker is live.
func (c *Controller) TickerRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticker != nil
}

// LastError returns the error that moved the session to Failed.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Snapshot returns a consistent copy of the controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{State: c.state, Role: c.role}
	if c.session != nil {
		s := *c.session
		snap.Session = &s
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	return snap
}
