// Package app wires the pairlink runtime: config, logging, the pairing controller
// and its collaborators, and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"pairlink/cmd/internal/audit"
	"pairlink/cmd/internal/blobhost"
	"pairlink/cmd/internal/metrics"
	"pairlink/cmd/internal/pairing"
	"pairlink/cmd/internal/pairing/pairapi"
	"pairlink/cmd/internal/transport"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoDatabase is returned by operations that need the audit database.
var ErrNoDatabase = errors.New("app: database not configured")

// ExitError carries the process exit status requested by a finished session.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// App is the pairlink runtime. It owns the controller and every resource the
// controller depends on.
type App struct {
	cfg     Config
	log     Logger
	version string

	dbPool  *pgxpool.Pool
	metrics *metrics.Metrics
	audit   *audit.PostgresRecorder
	ctrl    *pairing.Controller
	pair    *pairapi.Handler
	term    *exitTerminator

	stopSessions context.CancelFunc
	closeOnce    sync.Once
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger, version string) (*App, error) {
	if log == nil {
		log = NewLogger(nil, cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, version: version, metrics: metrics.New()}

	if cfg.DatabaseURL != "" {
		pool, rec, err := openAudit(ctx, cfg, log, version)
		if err != nil {
			return nil, err
		}
		a.dbPool, a.audit = pool, rec
	} else {
		log.Info("db.disabled.audit")
	}

	factory, err := transport.NewFactory(log, cfg.transportConfig())
	if err != nil {
		a.closeDB()
		return nil, err
	}

	blobs, err := blobhost.New(log, cfg.blobConfig(version))
	if err != nil {
		a.closeDB()
		return nil, err
	}

	var exportOpts []pairing.ExporterOption
	if cfg.SealKey != "" {
		sealer, err := blobhost.NewSealer(cfg.SealKey)
		if err != nil {
			a.closeDB()
			return nil, err
		}
		exportOpts = append(exportOpts, pairing.WithSealer(sealer))
	}
	exporter := pairing.NewExporter(log, blobs, cfg.exportConfig(), exportOpts...)

	base, stop := context.WithCancel(context.Background())
	a.stopSessions = stop
	a.term = newExitTerminator(log, cfg.ExitOnFinish)

	opts := []pairing.Option{
		pairing.WithMetrics(a.metrics),
		pairing.WithTerminator(a.term),
		pairing.WithBaseContext(base),
	}
	if a.audit != nil {
		opts = append(opts, pairing.WithRecorder(a.audit))
	}

	a.ctrl, err = pairing.NewController(log, cfg.pairingConfig(), factory, exporter, opts...)
	if err != nil {
		stop()
		a.closeDB()
		return nil, err
	}

	a.pair, err = pairapi.NewHandler(log, a.ctrl, cfg.apiConfig())
	if err != nil {
		stop()
		a.closeDB()
		return nil, err
	}

	return a, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.audit, a.metrics, a.pair)
	return WithSecurityHeaders(WithRequestLogging(mux, a.log, a.metrics))
}

// Serve starts the HTTP server and blocks until ctx ends, a session asks the
// process to exit, or the server fails. A requested non-zero exit is returned as
// *ExitError.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 100*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbPool != nil, "version", a.version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case <-a.term.Done():
		a.log.Info("server.stop", "reason", "session_finished")
	case serveErr = <-errCh:
		a.log.Error("server.fail", "err", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		serveErr = errors.Join(serveErr, err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		a.log.Error("app.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	if serveErr != nil {
		return serveErr
	}
	return a.term.exitErr()
}

// PairOnce runs a single session without the HTTP server: it writes the pairing
// code to out, then waits for the session to finish. A session that ends without
// a successful export returns an error.
func (a *App) PairOnce(ctx context.Context, number string, out io.Writer) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			a.log.Error("app.close.fail", "err", err)
		}
	}()

	pairCtx, cancel := context.WithTimeout(ctx, nonZeroDuration(a.cfg.ResponseTimeout, 90*time.Second))
	code, err := a.ctrl.Pair(pairCtx, number)
	cancel()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out, code); err != nil {
		return err
	}

	idle := make(chan error, 1)
	go func() { idle <- a.ctrl.Wait(ctx) }()

	select {
	case <-a.term.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-idle:
	}

	exitCode, ok := a.term.Code()
	switch {
	case !ok:
		return errors.New("pairing session ended before export")
	case exitCode != 0:
		return &ExitError{Code: exitCode}
	default:
		return nil
	}
}

// AuditTrail returns the newest audit events of one session.
func (a *App) AuditTrail(ctx context.Context, rawNumber string, limit int) ([]audit.Event, error) {
	if a.audit == nil {
		return nil, ErrNoDatabase
	}
	return a.audit.ListBySession(ctx, pairing.NormalizeID(rawNumber), limit)
}

// Close aborts running sessions, removes their local stores and closes the pool.
// It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		a.stopSessions()
		err = a.ctrl.Close(ctx)
		a.closeDB()
	})
	return err
}

func (a *App) closeDB() {
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// exitTerminator records the exit code sessions ask for. When exit is enabled the
// first request wins and closes Done so the runtime can shut down.
type exitTerminator struct {
	log  Logger
	exit bool

	mu   sync.Mutex
	code int
	set  bool
	done chan struct{}
}

func newExitTerminator(log Logger, exit bool) *exitTerminator {
	return &exitTerminator{log: log, exit: exit, done: make(chan struct{})}
}

func (t *exitTerminator) Terminate(code int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.exit && t.set {
		return
	}
	t.code, t.set = code, true
	t.log.Info("process.terminate", "code", code, "exit", t.exit)
	if t.exit {
		close(t.done)
	}
}

// Done is closed once a session requested termination and exit is enabled.
func (t *exitTerminator) Done() <-chan struct{} { return t.done }

func (t *exitTerminator) Code() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.code, t.set
}

func (t *exitTerminator) exitErr() error {
	code, ok := t.Code()
	if !ok || code == 0 || !t.exit {
		return nil
	}
	return &ExitError{Code: code}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
