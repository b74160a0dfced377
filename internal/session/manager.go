// Package session keeps the entity store in sync with the hub's event
// stream: handshake, snapshot, incremental events, reconnect backoff and
// resume-triggered recovery.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/panelsync/internal/entity"
	"github.com/dokzlo13/panelsync/internal/hass"
)

var (
	// ErrAuthInvalid is reported when the hub rejects the access token.
	// It is never retried.
	ErrAuthInvalid = errors.New("hub rejected access token")

	// ErrReconnectExhausted is reported when the reconnect budget is spent.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	errProtocol = errors.New("protocol error")
)

// Status is a point-in-time view of the connection.
type Status struct {
	State     State
	Fault     Fault
	Attempt   int
	NextRetry time.Time
	LastError string
	Since     time.Time
}

// Config contains manager settings.
type Config struct {
	Token   string
	Backoff Backoff
}

// Manager owns the single streaming session to the hub and is the only
// writer of the entity store.
//
// All session state is confined to the goroutine running Run; other
// methods only post events to it.
type Manager struct {
	dialer hass.Dialer
	store  entity.Writer
	clock  clockwork.Clock

	events chan event
	done   chan struct{}

	// Loop-owned state.
	machine    *Machine
	token      string
	sess       *session
	gen        uint64
	dialCancel context.CancelFunc
	retryTimer clockwork.Timer
	retrySeq   uint64
	lastErr    error
	since      time.Time
	nextRetry  time.Time

	statusMu sync.RWMutex
	status   Status

	hookMu   sync.RWMutex
	onStatus func(Status)
	onFatal  func(error)
}

// session is one opened socket. Its generation guards against frames
// from a superseded socket.
type session struct {
	gen         uint64
	conn        hass.Conn
	nextID      int64
	snapshotID  int64
	subscribeID int64
	subscribed  bool
	quit        chan struct{}
	done        chan struct{}
}

func (s *session) requestID() int64 {
	s.nextID++
	return s.nextID
}

type event interface{ isEvent() }

type dialedEvent struct {
	gen  uint64
	conn hass.Conn
	err  error
}

type frameEvent struct {
	gen uint64
	msg hass.Inbound
	err error
}

type retryEvent struct{ seq uint64 }

type resumeEvent struct{}

type tokenEvent struct{ token string }

func (dialedEvent) isEvent() {}
func (frameEvent) isEvent()  {}
func (retryEvent) isEvent()  {}
func (resumeEvent) isEvent() {}
func (tokenEvent) isEvent()  {}

// NewManager creates a manager. Nothing happens until Run is called.
func NewManager(cfg Config, dialer hass.Dialer, store entity.Writer, clk clockwork.Clock) *Manager {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	m := &Manager{
		dialer:  dialer,
		store:   store,
		clock:   clk,
		events:  make(chan event, 64),
		done:    make(chan struct{}),
		machine: NewMachine(cfg.Backoff),
		token:   cfg.Token,
	}
	m.since = clk.Now()
	m.status = Status{State: StateIdle, Since: m.since}
	return m
}

// OnStatus registers a hook called from the manager goroutine whenever
// the status changes.
func (m *Manager) OnStatus(fn func(Status)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onStatus = fn
}

// OnFatal registers a hook called with ErrAuthInvalid or
// ErrReconnectExhausted when the manager stops retrying on its own.
func (m *Manager) OnFatal(fn func(error)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onFatal = fn
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// Resume is called when the host comes back to the foreground. If the
// session is neither live nor connecting, it reconnects immediately with
// the attempt counter reset.
func (m *Manager) Resume() {
	m.post(resumeEvent{})
}

// SetToken replaces the access token and reconnects with it. This is
// the only way out of an auth rejection.
func (m *Manager) SetToken(token string) {
	m.post(tokenEvent{token: token})
}

func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// Run drives the connection until ctx is cancelled. It returns nil on
// cancellation; connection failures never end Run.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)

	log.Info().
		Dur("base_delay", m.machine.Backoff().Base).
		Dur("max_delay", m.machine.Backoff().Max).
		Int("max_attempts", m.machine.Backoff().MaxAttempts).
		Msg("Connection manager started")

	m.apply(ctx, InputStart)

	for {
		select {
		case <-ctx.Done():
			m.apply(ctx, InputStop)
			log.Info().Msg("Connection manager stopped")
			return nil

		case ev := <-m.events:
			m.handle(ctx, ev)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case dialedEvent:
		m.handleDialed(ctx, ev)

	case frameEvent:
		if m.sess == nil || ev.gen != m.sess.gen {
			return // superseded session
		}
		if ev.err != nil {
			m.fail(ctx, fmt.Errorf("read: %w", ev.err))
			return
		}
		m.handleFrame(ctx, ev.msg)

	case retryEvent:
		if ev.seq != m.retrySeq {
			return
		}
		m.retryTimer = nil
		m.apply(ctx, InputRetryDue)

	case resumeEvent:
		log.Info().
			Str("state", m.machine.State.String()).
			Msg("Resume requested")
		m.apply(ctx, InputResume)

	case tokenEvent:
		m.token = ev.token
		log.Info().Msg("Access token changed, reconnecting")
		m.apply(ctx, InputCredentialsChanged)
	}
}

func (m *Manager) handleDialed(ctx context.Context, ev dialedEvent) {
	if ev.gen != m.gen || m.machine.State != StateConnecting {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	m.dialCancel = nil

	if ev.err != nil {
		m.fail(ctx, ev.err)
		return
	}

	s := &session{
		gen:  ev.gen,
		conn: ev.conn,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	m.sess = s
	go m.readLoop(s)

	log.Debug().Uint64("session", s.gen).Msg("Hub socket opened")
	m.apply(ctx, InputOpened)
}

func (m *Manager) handleFrame(ctx context.Context, msg hass.Inbound) {
	s := m.sess
	state := m.machine.State

	switch msg.Type {
	case hass.TypeAuthRequired:
		log.Debug().Msg("Hub requested authentication")

	case hass.TypeAuthOK:
		if state != StateAuthenticating {
			m.fail(ctx, fmt.Errorf("%w: auth_ok in state %s", errProtocol, state))
			return
		}
		m.apply(ctx, InputAuthOK)

	case hass.TypeAuthInvalid:
		if state != StateAuthenticating {
			m.fail(ctx, fmt.Errorf("%w: auth_invalid in state %s", errProtocol, state))
			return
		}
		m.lastErr = fmt.Errorf("%w: %s", ErrAuthInvalid, msg.Message)
		m.apply(ctx, InputAuthInvalid)

	case hass.TypeResult:
		m.handleResult(ctx, s, msg)

	case hass.TypeEvent:
		if state != StateLive {
			log.Debug().Str("state", state.String()).Msg("Ignoring event before live")
			return
		}
		m.applyEvent(ctx, msg)

	default:
		log.Trace().Str("type", msg.Type).Int64("id", msg.ID).Msg("Unhandled hub message")
	}
}

func (m *Manager) handleResult(ctx context.Context, s *session, msg hass.Inbound) {
	switch {
	case s.snapshotID != 0 && msg.ID == s.snapshotID && m.machine.State == StateSnapshotFetch:
		if !msg.Succeeded() {
			m.fail(ctx, fmt.Errorf("%w: get_states failed: %s", errProtocol, resultError(msg)))
			return
		}
		records, err := hass.DecodeStates(msg.Result)
		if err != nil {
			m.fail(ctx, fmt.Errorf("%w: decode snapshot: %v", errProtocol, err))
			return
		}
		if err := m.store.ReplaceAll(records); err != nil {
			m.fail(ctx, fmt.Errorf("%w: apply snapshot: %v", errProtocol, err))
			return
		}
		log.Info().Int("entities", len(records)).Msg("Snapshot applied")
		m.apply(ctx, InputSnapshot)

	case s.subscribeID != 0 && msg.ID == s.subscribeID:
		if !msg.Succeeded() {
			m.fail(ctx, fmt.Errorf("%w: subscribe_events failed: %s", errProtocol, resultError(msg)))
			return
		}
		s.subscribed = true
		log.Debug().Int64("id", msg.ID).Msg("Subscribed to state changes")

	default:
		log.Trace().Int64("id", msg.ID).Msg("Ignoring result for unknown request")
	}
}

func (m *Manager) applyEvent(ctx context.Context, msg hass.Inbound) {
	ev, ok, err := hass.DecodeStateChanged(msg.Event)
	if err != nil {
		m.fail(ctx, fmt.Errorf("%w: decode event: %v", errProtocol, err))
		return
	}
	if !ok {
		return
	}

	id := ev.Data.EntityID
	if ev.Data.NewState == nil {
		m.store.Remove(id)
		log.Debug().Str("entity_id", id).Msg("Entity removed")
		return
	}

	rec := ev.Data.NewState
	if rec.ID == "" {
		rec.ID = id
	}
	if err := m.store.Upsert(rec); err != nil {
		log.Warn().Err(err).Str("entity_id", id).Msg("Rejected state change")
		return
	}
	log.Trace().Str("entity_id", id).Str("state", rec.State).Msg("State changed")
}

// fail closes the current socket and feeds a failure to the machine.
func (m *Manager) fail(ctx context.Context, err error) {
	m.lastErr = err
	log.Warn().
		Err(err).
		Str("state", m.machine.State.String()).
		Int("attempt", m.machine.Attempt).
		Msg("Hub connection failed")
	m.closeSession()
	m.apply(ctx, InputFailure)
}

// apply feeds in to the machine and performs the resulting action.
func (m *Manager) apply(ctx context.Context, in Input) {
	step := m.machine.Apply(in)
	if step.Changed() {
		m.since = m.clock.Now()
		log.Debug().
			Str("input", in.String()).
			Str("from", step.From.String()).
			Str("to", step.To.String()).
			Str("action", step.Action.String()).
			Msg("Connection transition")
	}

	switch step.Action {
	case ActionDial:
		m.cancelRetry()
		m.dial(ctx)

	case ActionSendAuth:
		m.send(ctx, hass.NewAuthRequest(m.token))

	case ActionFetchStates:
		m.sess.snapshotID = m.sess.requestID()
		m.send(ctx, hass.NewGetStates(m.sess.snapshotID))

	case ActionSubscribe:
		m.lastErr = nil
		m.sess.subscribeID = m.sess.requestID()
		m.send(ctx, hass.NewSubscribeStateChanged(m.sess.subscribeID))
		log.Info().Msg("Hub connection live")

	case ActionScheduleRetry:
		m.scheduleRetry(step.Delay)

	case ActionRejectAuth:
		m.closeSession()
		log.Error().Msg("Hub rejected access token, not retrying until it changes")
		m.fatal(ErrAuthInvalid)

	case ActionGiveUp:
		m.closeSession()
		log.Error().
			Int("max_attempts", m.machine.Backoff().MaxAttempts).
			Msg("Reconnect attempts exhausted, connection lost")
		m.fatal(ErrReconnectExhausted)

	case ActionClose:
		m.cancelRetry()
		m.closeSession()
	}

	m.publishStatus()
}

// send writes a frame on the current socket. A write error is a failure.
func (m *Manager) send(ctx context.Context, v any) {
	if m.sess == nil {
		return
	}
	if err := m.sess.conn.WriteJSON(v); err != nil {
		m.fail(ctx, fmt.Errorf("write: %w", err))
	}
}

// dial supersedes the current session and opens a new socket in the
// background. The previous socket is fully closed first.
func (m *Manager) dial(ctx context.Context) {
	m.closeSession()

	m.gen++
	gen := m.gen
	dialCtx, cancel := context.WithCancel(ctx)
	m.dialCancel = cancel

	log.Info().Uint64("session", gen).Int("attempt", m.machine.Attempt).Msg("Connecting to hub")

	go func() {
		conn, err := m.dialer.Dial(dialCtx)
		select {
		case m.events <- dialedEvent{gen: gen, conn: conn, err: err}:
		case <-m.done:
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

// closeSession tears down the current socket and waits for its reader.
func (m *Manager) closeSession() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	s := m.sess
	if s == nil {
		return
	}
	m.sess = nil
	close(s.quit)
	if err := s.conn.Close(); err != nil {
		log.Debug().Err(err).Msg("Closing hub socket")
	}
	<-s.done
}

func (m *Manager) readLoop(s *session) {
	defer close(s.done)
	for {
		var msg hass.Inbound
		err := s.conn.ReadJSON(&msg)
		select {
		case m.events <- frameEvent{gen: s.gen, msg: msg, err: err}:
		case <-s.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) scheduleRetry(delay time.Duration) {
	m.cancelRetry()
	m.retrySeq++
	seq := m.retrySeq
	m.nextRetry = m.clock.Now().Add(delay)

	log.Warn().
		Dur("backoff", delay).
		Int("attempt", m.machine.Attempt).
		Int("max_attempts", m.machine.Backoff().MaxAttempts).
		Msg("Reconnecting to hub")

	m.retryTimer = m.clock.AfterFunc(delay, func() {
		m.post(retryEvent{seq: seq})
	})
}

func (m *Manager) cancelRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	// Invalidate a timer that already fired but is not yet handled.
	m.retrySeq++
	m.nextRetry = time.Time{}
}

func (m *Manager) fatal(err error) {
	m.hookMu.RLock()
	fn := m.onFatal
	m.hookMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (m *Manager) publishStatus() {
	st := Status{
		State:   m.machine.State,
		Fault:   m.machine.Fault,
		Attempt: m.machine.Attempt,
		Since:   m.since,
	}
	if m.machine.State == StateReconnecting {
		st.NextRetry = m.nextRetry
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}

	m.statusMu.Lock()
	prev := m.status
	m.status = st
	m.statusMu.Unlock()

	if prev == st {
		return
	}

	m.hookMu.RLock()
	fn := m.onStatus
	m.hookMu.RUnlock()
	if fn != nil {
		fn(st)
	}
}

func resultError(msg hass.Inbound) string {
	if msg.Error != nil {
		return msg.Error.Code + ": " + msg.Error.Message
	}
	return "unknown error"
}
