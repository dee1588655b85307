package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pairlink/cmd/internal/authstate"
	"pairlink/cmd/internal/ids"
)

const auditTimeout = 2 * time.Second

var errNoCode = errors.New("session completed without issuing a pairing code")

// Config controls session pacing and limits.
type Config struct {
	// StoreRoot holds one auth state directory per session id.
	StoreRoot string
	// MaxSessions caps concurrently running sessions (<= 0 means 1).
	MaxSessions int

	Retry RetryPolicy

	// PairingGrace lets a fresh transport settle before the code is requested.
	PairingGrace time.Duration
	// PostOpenDelay lets the transport flush final credentials after "open".
	PostOpenDelay time.Duration
	// PostExportDelay runs between the last message and cleanup.
	PostExportDelay time.Duration
	// SessionTimeout bounds a whole session independent of retries (0 disables).
	SessionTimeout time.Duration
}

// DefaultConfig returns production pacing.
func DefaultConfig() Config {
	return Config{
		StoreRoot:       "sessions",
		MaxSessions:     1,
		Retry:           DefaultRetryPolicy(),
		PairingGrace:    2 * time.Second,
		PostOpenDelay:   10 * time.Second,
		PostExportDelay: 100 * time.Millisecond,
		SessionTimeout:  10 * time.Minute,
	}
}

// CredentialExporter exports the credentials of a connected session.
type CredentialExporter interface {
	Export(ctx context.Context, ts TransportSession, creds CredsReader, sessionID string) (ExportRecord, error)
}

// Controller runs pairing sessions.
type Controller struct {
	log      *slog.Logger
	cfg      Config
	factory  TransportFactory
	exporter CredentialExporter

	guard    *Guard
	metrics  Metrics
	recorder Recorder
	term     Terminator
	base     context.Context
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*Session
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithGuard shares a process-wide Guard.
func WithGuard(g *Guard) Option {
	return func(c *Controller) {
		if g != nil {
			c.guard = g
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithRecorder sets the audit recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithTerminator sets what happens once a session finished exporting.
func WithTerminator(t Terminator) Option {
	return func(c *Controller) {
		if t != nil {
			c.term = t
		}
	}
}

// WithBaseContext sets the parent context of every session. Cancelling it aborts
// all sessions (used for process shutdown).
func WithBaseContext(ctx context.Context) Option {
	return func(c *Controller) {
		if ctx != nil {
			c.base = ctx
		}
	}
}

// NewController constructs a Controller.
func NewController(log *slog.Logger, cfg Config, factory TransportFactory, exporter CredentialExporter, opts ...Option) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	if factory == nil {
		return nil, errors.New("pairing: nil transport factory")
	}
	if exporter == nil {
		return nil, errors.New("pairing: nil exporter")
	}
	if strings.TrimSpace(cfg.StoreRoot) == "" {
		return nil, errors.New("pairing: empty store root")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}

	c := &Controller{
		log:      log,
		cfg:      cfg,
		factory:  factory,
		exporter: exporter,
		metrics:  nopMetrics{},
		recorder: nopRecorder{},
		term:     nopTerminator{},
		base:     context.Background(),
		now:      func() time.Time { return time.Now().UTC() },
		active:   make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.guard == nil {
		c.guard = NewGuard(log)
	}
	return c, nil
}

// Guard returns the cleanup guard used by this controller.
func (c *Controller) Guard() *Guard { return c.guard }

// Pair starts a session for rawNumber and blocks until the caller can be answered:
// with a pairing code, or with a terminal error. The session keeps running after
// Pair returns. If ctx ends first the caller is considered answered.
func (c *Controller) Pair(ctx context.Context, rawNumber string) (string, error) {
	const op = "pairing.Pair"

	s, err := c.reserve(NormalizeID(rawNumber))
	if err != nil {
		return "", err
	}

	// A stale store from an earlier run must never leak into the new session.
	if err := authstate.Remove(s.StorePath); err != nil {
		c.unreserve(s)
		return "", opErr(op, ErrUnavailable, err)
	}
	lease := c.guard.Track(s.StorePath)

	resp := newResponder()
	sessCtx, cancel := c.sessionContext()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(sessCtx, s, lease, resp)
	}()

	select {
	case res := <-resp.ch:
		return res.Code, res.Err
	case <-ctx.Done():
		if resp.abandon() {
			c.log.Info("pair.request.abandoned", "session_id", s.ID, "err", ctx.Err())
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", opErr(op, ErrTimeout, ctx.Err())
			}
			return "", ctx.Err()
		}
		res := <-resp.ch
		return res.Code, res.Err
	}
}

// Active returns snapshots of the running sessions.
func (c *Controller) Active() []SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]SessionSnapshot, 0, len(c.active))
	for _, s := range c.active {
		out = append(out, s.Snapshot())
	}
	return out
}

// Wait blocks until every session goroutine returned or ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new sessions, waits for running ones (bounded by ctx) and then
// releases every outstanding store.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	waitErr := c.Wait(ctx)
	if err := c.guard.ReleaseAll(); err != nil {
		return err
	}
	return waitErr
}

func (c *Controller) sessionContext() (context.Context, context.CancelFunc) {
	if c.cfg.SessionTimeout > 0 {
		return context.WithTimeout(c.base, c.cfg.SessionTimeout)
	}
	return context.WithCancel(c.base)
}

func (c *Controller) reserve(id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, opErr("pairing.Pair", ErrUnavailable, errors.New("controller closed"))
	}
	if _, ok := c.active[id]; ok {
		return nil, ErrSessionActive
	}
	if len(c.active) >= c.cfg.MaxSessions {
		return nil, ErrBusy
	}

	s := newSession(id, filepath.Join(c.cfg.StoreRoot, id))
	c.active[id] = s
	c.metrics.ActiveSessions(1)
	return s, nil
}

func (c *Controller) unreserve(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.active[s.ID]; ok && cur == s {
		delete(c.active, s.ID)
		c.metrics.ActiveSessions(-1)
	}
}

// run owns s until it reaches a terminal status.
func (c *Controller) run(ctx context.Context, s *Session, lease *Lease, resp *responder) {
	defer c.unreserve(s)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("pair.session.panic", "session_id", s.ID, "panic", fmt.Sprint(r))
			_ = c.guard.ReleaseAll()
			panic(r)
		}
	}()

	c.metrics.SessionStarted()
	c.log.Info("pair.session.start", "session_id", s.ID, "store", s.StorePath)
	c.audit(ctx, s, "", "pair.session.started", nil)

	outcome := c.loop(ctx, s, resp)

	next := StatusFailed
	if outcome == OutcomeCompleted {
		next = StatusCompleted
	}
	if err := s.advance(next); err != nil {
		c.log.Warn("pair.session.status", "session_id", s.ID, "err", err)
	}

	err := terminalError(outcome)
	if err == nil {
		// A resumed attempt can finish before any code reached the caller.
		err = opErr("pairing.Pair", ErrUnavailable, errNoCode)
	}
	if resp.settle(Result{Err: err}) {
		c.log.Info("pair.request.failed", "session_id", s.ID, "outcome", outcome)
	}

	if outcome == OutcomeCompleted {
		sleepCtx(ctx, c.cfg.PostExportDelay)
	}

	// Every terminal path removes the local store before anything else happens.
	_ = lease.Release()

	c.metrics.SessionFinished(outcome)
	c.audit(ctx, s, "", "pair.session."+string(next), map[string]any{"outcome": outcome})
	if next == StatusCompleted {
		c.log.Info("pair.session.completed", "session_id", s.ID, "retries", s.RetryCount())
	} else {
		c.log.Warn("pair.session.failed", "session_id", s.ID, "outcome", outcome, "retries", s.RetryCount())
	}

	switch outcome {
	case OutcomeCompleted:
		c.term.Terminate(0)
	case OutcomeExportFailed:
		c.term.Terminate(1)
	}
}

// loop runs attempts until one reaches a terminal outcome.
func (c *Controller) loop(ctx context.Context, s *Session, resp *responder) string {
	for {
		attemptID := ids.MustULID(c.now())

		outcome, retry := c.attempt(ctx, s, attemptID, resp)
		if !retry {
			return outcome
		}

		d := c.cfg.Retry.Decide(s.RetryCount())
		if !d.Retry {
			c.log.Warn("pair.retry.exhausted", "session_id", s.ID, "max_retries", c.cfg.Retry.MaxRetries)
			return OutcomeExhausted
		}

		n := s.incRetry()
		c.metrics.ReconnectScheduled()
		c.log.Info("pair.retry.scheduled", "session_id", s.ID, "retry", n, "max_retries", c.cfg.Retry.MaxRetries, "after", d.After)
		c.audit(ctx, s, attemptID, "pair.retry.scheduled", map[string]any{"after_ms": d.After.Milliseconds()})

		if !sleepCtx(ctx, d.After) {
			return ctxOutcome(ctx)
		}
		if err := s.advance(StatusInitializing); err != nil {
			c.log.Error("pair.session.status", "session_id", s.ID, "err", err)
			return OutcomeAborted
		}
	}
}

// attempt runs one transport session. retry is true for transient disconnects.
func (c *Controller) attempt(ctx context.Context, s *Session, attemptID string, resp *responder) (outcome string, retry bool) {
	log := c.log.With("session_id", s.ID, "attempt_id", attemptID, "retry", s.RetryCount())

	if err := s.advance(StatusInitializing); err != nil {
		log.Error("pair.session.status", "err", err)
		return OutcomeAborted, false
	}

	store, err := authstate.Open(s.StorePath)
	if err != nil {
		log.Error("pair.store.open.fail", "err", err)
		return OutcomeSetupFailed, false
	}
	state, err := store.Load()
	if err != nil {
		log.Error("pair.store.load.fail", "err", err)
		return OutcomeSetupFailed, false
	}

	ts, err := c.factory.Create(ctx, TransportInput{SessionID: s.ID, State: state})
	if err != nil {
		if ctx.Err() != nil {
			return ctxOutcome(ctx), false
		}
		log.Error("pair.transport.create.fail", "err", err)
		c.audit(ctx, s, attemptID, "pair.transport.failed", map[string]any{"err": err.Error()})
		return OutcomeSetupFailed, false
	}

	actx, cancel := context.WithCancel(ctx)
	p := startPump(actx, ts.Events(), store)
	// The pump must be gone before the store can be removed.
	defer func() {
		cancel()
		_ = ts.Close()
		<-p.stopped
	}()

	_ = s.advance(StatusAwaitingRegistration)

	if !state.Registered {
		if outcome, retry, ended := c.awaitGrace(ctx, s, attemptID, p, log); ended {
			return outcome, retry
		}

		code, err := ts.RequestPairingCode(ctx, s.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctxOutcome(ctx), false
			}
			if up, ok := p.pending(); ok && up.State == ConnectionClose {
				return c.onClose(ctx, s, attemptID, up, log)
			}
			log.Error("pair.code.request.fail", "err", err)
			c.audit(ctx, s, attemptID, "pair.code.failed", map[string]any{"err": err.Error()})
			return OutcomeSetupFailed, false
		}

		if resp.settle(Result{Code: code}) {
			c.metrics.CodeIssued()
			log.Info("pair.code.issued")
			c.audit(ctx, s, attemptID, "pair.code.issued", nil)
		} else {
			log.Info("pair.code.unclaimed")
		}
		_ = s.advance(StatusPairingCodeIssued)
	}

	for {
		up, err := p.next(ctx, 0)
		if err != nil {
			return c.streamOutcome(ctx, err, OutcomeSetupFailed, log)
		}
		switch up.State {
		case ConnectionOpen:
			return c.onOpen(ctx, s, attemptID, store, ts, p, log)
		case ConnectionClose:
			return c.onClose(ctx, s, attemptID, up, log)
		default:
			log.Debug("pair.connection.update", "state", up.State)
		}
	}
}

// awaitGrace gives a fresh transport PairingGrace to settle before the code is
// requested. ended is true when the attempt finished during the wait.
func (c *Controller) awaitGrace(ctx context.Context, s *Session, attemptID string, p *eventPump, log *slog.Logger) (outcome string, retry, ended bool) {
	if c.cfg.PairingGrace <= 0 {
		return "", false, false
	}
	deadline := time.Now().Add(c.cfg.PairingGrace)
	for remaining := c.cfg.PairingGrace; remaining > 0; remaining = time.Until(deadline) {
		up, err := p.next(ctx, remaining)
		if errors.Is(err, errWaitElapsed) {
			break
		}
		if err != nil {
			outcome, retry = c.streamOutcome(ctx, err, OutcomeSetupFailed, log)
			return outcome, retry, true
		}
		if up.State == ConnectionClose {
			outcome, retry = c.onClose(ctx, s, attemptID, up, log)
			return outcome, retry, true
		}
		log.Debug("pair.connection.update", "state", up.State)
	}
	return "", false, false
}

func (c *Controller) onOpen(
	ctx context.Context,
	s *Session,
	attemptID string,
	store *authstate.Store,
	ts TransportSession,
	p *eventPump,
	log *slog.Logger,
) (string, bool) {
	_ = s.advance(StatusConnected)
	log.Info("pair.connection.open")
	c.audit(ctx, s, attemptID, "pair.connection.open", nil)

	// Credential updates keep arriving right after "open". A close in this window
	// is classified like any other close and nothing is uploaded.
	if d := c.cfg.PostOpenDelay; d > 0 {
		deadline := time.Now().Add(d)
		for remaining := d; remaining > 0; remaining = time.Until(deadline) {
			up, err := p.next(ctx, remaining)
			if errors.Is(err, errWaitElapsed) {
				break
			}
			if err != nil {
				return c.streamOutcome(ctx, err, OutcomeExportFailed, log)
			}
			if up.State == ConnectionClose {
				return c.onClose(ctx, s, attemptID, up, log)
			}
		}
	}

	_ = s.advance(StatusExporting)

	rec, err := c.exporter.Export(ctx, ts, store, s.ID)
	c.metrics.ExportFinished(err)
	if err != nil {
		log.Error("pair.export.fail", "err", err)
		c.audit(ctx, s, attemptID, "pair.export.failed", map[string]any{"err": err.Error()})
		return OutcomeExportFailed, false
	}

	log.Info("pair.export.done", "file", rec.Filename, "target", rec.Target)
	c.audit(ctx, s, attemptID, "pair.export.succeeded", map[string]any{"file": rec.Filename, "bytes": rec.Bytes})
	return OutcomeCompleted, false
}

// onClose maps a close update to a rejection or a retry.
func (c *Controller) onClose(ctx context.Context, s *Session, attemptID string, up ConnectionUpdate, log *slog.Logger) (string, bool) {
	meta := map[string]any{"status_code": up.StatusCode}
	if up.Unauthorized() {
		log.Warn("pair.connection.rejected", "status_code", up.StatusCode, "err", up.Err)
		c.audit(ctx, s, attemptID, "pair.connection.rejected", meta)
		return OutcomeRejected, false
	}
	log.Info("pair.connection.closed", "status_code", up.StatusCode, "err", up.Err)
	c.audit(ctx, s, attemptID, "pair.connection.closed", meta)
	return "", true
}

// streamOutcome maps the end of the event stream. persistFailed is the outcome
// used when the store could not be written.
func (c *Controller) streamOutcome(ctx context.Context, err error, persistFailed string, log *slog.Logger) (string, bool) {
	switch {
	case ctx.Err() != nil:
		return ctxOutcome(ctx), false
	case errors.Is(err, errPersist):
		log.Error("pair.store.persist.fail", "err", err)
		return persistFailed, false
	default:
		log.Warn("pair.transport.events.closed")
		return "", true
	}
}

func (c *Controller) audit(ctx context.Context, s *Session, attemptID, action string, meta map[string]any) {
	snap := s.Snapshot()
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	c.recorder.Record(actx, AuditEvent{
		SessionID:  snap.ID,
		AttemptID:  attemptID,
		Action:     action,
		Status:     snap.Status,
		RetryCount: snap.RetryCount,
		Meta:       meta,
		At:         c.now(),
	})
}

func terminalError(outcome string) error {
	switch outcome {
	case OutcomeCompleted:
		return nil
	case OutcomeExhausted:
		return ErrRetriesExhausted
	case OutcomeRejected:
		return ErrRejected
	case OutcomeTimeout:
		return ErrTimeout
	case OutcomeExportFailed:
		return ErrExportFailed
	default:
		return ErrUnavailable
	}
}

func ctxOutcome(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return OutcomeAborted
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
