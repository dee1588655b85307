package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type harness struct {
	ctrl     *Controller
	factory  *fakeFactory
	blobs    *fakeBlobHost
	term     *fakeTerminator
	recorder *fakeRecorder
	metrics  *fakeMetrics
	root     string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(root string) Config {
	return Config{
		StoreRoot:      root,
		MaxSessions:    1,
		Retry:          RetryPolicy{MaxRetries: 5, Delay: 0},
		SessionTimeout: 5 * time.Second,
	}
}

func newHarness(t *testing.T, sessionID string, cfg func(*Config), setup func(n int, ft *fakeTransport) error) *harness {
	t.Helper()

	root := t.TempDir()
	c := testConfig(root)
	if cfg != nil {
		cfg(&c)
	}

	h := &harness{
		factory:  newFakeFactory(setup),
		blobs:    &fakeBlobHost{locator: DefaultLocatorPrefix + "abc123#key"},
		term:     newFakeTerminator(filepath.Join(root, sessionID)),
		recorder: &fakeRecorder{},
		metrics:  newFakeMetrics(),
		root:     root,
	}

	exp := NewExporter(testLogger(), h.blobs, ExportConfig{})
	ctrl, err := NewController(testLogger(), c, h.factory, exp,
		WithTerminator(h.term),
		WithRecorder(h.recorder),
		WithMetrics(h.metrics),
	)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.ctrl.Wait(ctx); err != nil {
		t.Fatalf("sessions did not finish: %v", err)
	}
}

func (h *harness) nextTransport(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case ft := <-h.factory.created:
		return ft
	case <-time.After(5 * time.Second):
		t.Fatalf("no transport created")
		return nil
	}
}

func credsEvent(registered bool) Event {
	raw, _ := json.Marshal(map[string]any{"registered": registered, "me": map[string]string{"id": "234567"}})
	return Event{Kind: EventCreds, Creds: raw}
}

func openEvent() Event {
	return Event{Kind: EventConnection, Connection: ConnectionUpdate{State: ConnectionOpen}}
}

func closeEvent(status int) Event {
	return Event{Kind: EventConnection, Connection: ConnectionUpdate{State: ConnectionClose, StatusCode: status}}
}

func assertGone(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected %s to be removed, stat err=%v", path, err)
	}
}

func TestPair_IssuesCodeThenExportsAndTerminates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "234567", nil, nil)

	code, err := h.ctrl.Pair(context.Background(), "234-567 abc")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if code == "" {
		t.Fatalf("expected non-empty code")
	}

	ft := h.nextTransport(t)
	if ft.in.SessionID != "234567" {
		t.Fatalf("session id=%q want 234567", ft.in.SessionID)
	}
	ft.events <- credsEvent(true)
	ft.events <- openEvent()

	var call termCall
	select {
	case call = <-h.term.calls:
	case <-time.After(5 * time.Second):
		t.Fatalf("terminator not called")
	}
	if call.Code != 0 {
		t.Fatalf("terminate code=%d want 0", call.Code)
	}
	if call.StoreExists {
		t.Fatalf("store must be cleaned up before termination")
	}
	h.wait(t)

	if h.blobs.Uploads() != 1 {
		t.Fatalf("uploads=%d want 1", h.blobs.Uploads())
	}
	if !strings.Contains(string(h.blobs.payload[0]), `"registered":true`) {
		t.Fatalf("uploaded payload is not the latest creds: %s", h.blobs.payload[0])
	}

	sent := ft.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent=%d messages want 2", len(sent))
	}
	for _, m := range sent {
		if m.To != "234567@s.whatsapp.net" {
			t.Fatalf("message sent to %q", m.To)
		}
	}
	if sent[0].Text != DefaultTokenMarker+"~abc123#key" {
		t.Fatalf("token message=%q", sent[0].Text)
	}
	if !strings.Contains(sent[1].Text, ConfirmationMarker) {
		t.Fatalf("confirmation missing marker: %q", sent[1].Text)
	}

	assertGone(t, filepath.Join(h.root, "234567"))
	if got := h.recorder.Last().Action; got != "pair.session.completed" {
		t.Fatalf("last audit action=%q", got)
	}

	m := h.metrics.snapshot()
	if m.codes != 1 || m.finished[OutcomeCompleted] != 1 || m.active != 0 || m.exports != 1 || m.exportErrs != 0 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestPair_TransientClosesExhaustRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "5550100", nil, func(_ int, ft *fakeTransport) error {
		ft.events <- closeEvent(428)
		return nil
	})

	code, err := h.ctrl.Pair(context.Background(), "+5550100")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if code == "" {
		t.Fatalf("expected code from first attempt")
	}
	h.wait(t)

	// One initial attempt plus five reconnects; the sixth close gives up.
	if got := h.factory.Count(); got != 6 {
		t.Fatalf("transport creations=%d want 6", got)
	}
	m := h.metrics.snapshot()
	if m.reconnects != 5 {
		t.Fatalf("reconnects=%d want 5", m.reconnects)
	}
	if m.codes != 1 {
		t.Fatalf("codes delivered=%d want 1", m.codes)
	}
	if m.finished[OutcomeExhausted] != 1 {
		t.Fatalf("finished=%v", m.finished)
	}
	if m.exports != 0 {
		t.Fatalf("export must not run")
	}

	select {
	case call := <-h.term.calls:
		t.Fatalf("unexpected terminate(%d)", call.Code)
	default:
	}
	assertGone(t, filepath.Join(h.root, "5550100"))
}

func TestPair_UnauthorizedCloseNeverRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "42", nil, func(_ int, ft *fakeTransport) error {
		ft.events <- closeEvent(StatusUnauthorized)
		return nil
	})

	if _, err := h.ctrl.Pair(context.Background(), "42"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	h.wait(t)

	if got := h.factory.Count(); got != 1 {
		t.Fatalf("transport creations=%d want 1", got)
	}
	m := h.metrics.snapshot()
	if m.reconnects != 0 || m.finished[OutcomeRejected] != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	assertGone(t, filepath.Join(h.root, "42"))
}

func TestPair_SetupFailureAnswersUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "77", nil, func(_ int, _ *fakeTransport) error {
		return errors.New("dial refused")
	})

	_, err := h.ctrl.Pair(context.Background(), "77")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Pair()=%v want ErrUnavailable", err)
	}
	h.wait(t)

	if got := h.factory.Count(); got != 1 {
		t.Fatalf("setup failures must not retry, creations=%d", got)
	}
	assertGone(t, filepath.Join(h.root, "77"))
}

func TestPair_CodeRequestFailureAnswersUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "78", nil, func(_ int, ft *fakeTransport) error {
		ft.codeErr = errors.New("rate limited")
		return nil
	})

	_, err := h.ctrl.Pair(context.Background(), "78")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Pair()=%v want ErrUnavailable", err)
	}
	h.wait(t)
	if got := h.factory.Count(); got != 1 {
		t.Fatalf("creations=%d want 1", got)
	}
}

func TestPair_ExportFailureSkipsSuccessTermination(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "99", nil, nil)
	h.blobs.err = errors.New("quota exceeded")

	if _, err := h.ctrl.Pair(context.Background(), "99"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	ft := h.nextTransport(t)
	ft.events <- credsEvent(true)
	ft.events <- openEvent()
	h.wait(t)

	select {
	case call := <-h.term.calls:
		if call.Code == 0 {
			t.Fatalf("success termination must not run after a failed export")
		}
		if call.StoreExists {
			t.Fatalf("store must be cleaned up on the failure path")
		}
	default:
		t.Fatalf("expected failure termination")
	}
	if len(ft.Sent()) != 0 {
		t.Fatalf("no message may be sent when upload fails")
	}
	m := h.metrics.snapshot()
	if m.finished[OutcomeExportFailed] != 1 || m.exportErrs != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	if h.factory.Count() != 1 {
		t.Fatalf("export failures must not reconnect")
	}
	assertGone(t, filepath.Join(h.root, "99"))
}

func TestPair_ResumedAttemptSkipsCodeIssuance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "12345", nil, func(n int, ft *fakeTransport) error {
		if n == 0 {
			ft.events <- credsEvent(true)
			ft.events <- closeEvent(515)
		}
		return nil
	})

	if _, err := h.ctrl.Pair(context.Background(), "12345"); err != nil {
		t.Fatalf("Pair: %v", err)
	}

	first := h.nextTransport(t)
	if first.in.State.Registered {
		t.Fatalf("first attempt must start from a fresh store")
	}

	second := h.nextTransport(t)
	if !second.in.State.Registered {
		t.Fatalf("second attempt must see the persisted registered creds")
	}
	second.events <- openEvent()
	h.wait(t)

	if second.CodeRequests() != 0 {
		t.Fatalf("registered session requested a code")
	}
	if first.CodeRequests() != 1 {
		t.Fatalf("first attempt code requests=%d", first.CodeRequests())
	}
	if len(second.Sent()) != 2 {
		t.Fatalf("export did not run on resumed attempt")
	}
}

func TestPair_RejectsConcurrentSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "111", nil, nil)

	if _, err := h.ctrl.Pair(context.Background(), "111"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	ft := h.nextTransport(t)

	if _, err := h.ctrl.Pair(context.Background(), "1-1-1"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("same id: %v want ErrSessionActive", err)
	}
	if _, err := h.ctrl.Pair(context.Background(), "222"); !errors.Is(err, ErrBusy) {
		t.Fatalf("other id: %v want ErrBusy", err)
	}
	if got := len(h.ctrl.Active()); got != 1 {
		t.Fatalf("active=%d want 1", got)
	}

	ft.events <- closeEvent(StatusUnauthorized)
	h.wait(t)
	if got := len(h.ctrl.Active()); got != 0 {
		t.Fatalf("active=%d want 0", got)
	}
}

func TestPair_RemovesStaleStore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "session", nil, nil)

	stale := filepath.Join(h.root, DefaultSessionID, "stale.json")
	if err := os.MkdirAll(filepath.Dir(stale), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stale, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := h.ctrl.Pair(context.Background(), "no digits"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	ft := h.nextTransport(t)
	if ft.in.SessionID != DefaultSessionID {
		t.Fatalf("session id=%q", ft.in.SessionID)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale file survived: %v", err)
	}

	ft.events <- closeEvent(StatusUnauthorized)
	h.wait(t)
}

func TestPair_SessionTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "31337", func(c *Config) { c.SessionTimeout = 50 * time.Millisecond }, nil)

	if _, err := h.ctrl.Pair(context.Background(), "31337"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	h.wait(t)

	m := h.metrics.snapshot()
	if m.finished[OutcomeTimeout] != 1 {
		t.Fatalf("finished=%v want timeout", m.finished)
	}
	assertGone(t, filepath.Join(h.root, "31337"))
}

func TestPair_CallerDeadlineBeforeCode(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "606", func(c *Config) { c.PairingGrace = time.Second }, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.ctrl.Pair(ctx, "606")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Pair()=%v want ErrTimeout", err)
	}

	ft := h.nextTransport(t)
	ft.events <- closeEvent(StatusUnauthorized)
	h.wait(t)

	// The code was requested after the caller left and must not be counted as delivered.
	if m := h.metrics.snapshot(); m.codes != 0 {
		t.Fatalf("codes delivered=%d want 0", m.codes)
	}
}

func TestController_CloseReleasesStores(t *testing.T) {
	t.Parallel()

	base, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := t.TempDir()
	factory := newFakeFactory(nil)
	ctrl, err := NewController(testLogger(), testConfig(root), factory,
		NewExporter(testLogger(), &fakeBlobHost{}, ExportConfig{}),
		WithBaseContext(base),
	)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	if _, err := ctrl.Pair(context.Background(), "808"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "808")); err != nil {
		t.Fatalf("store should exist while session runs: %v", err)
	}

	cancel()
	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := ctrl.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	assertGone(t, filepath.Join(root, "808"))
	if ctrl.Guard().Active() != 0 {
		t.Fatalf("leases left after Close")
	}

	if _, err := ctrl.Pair(context.Background(), "909"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Pair after Close=%v want ErrUnavailable", err)
	}
}

func TestNewController_Validation(t *testing.T) {
	t.Parallel()

	exp := NewExporter(testLogger(), &fakeBlobHost{}, ExportConfig{})
	if _, err := NewController(testLogger(), testConfig(t.TempDir()), nil, exp); err == nil {
		t.Fatalf("expected error for nil factory")
	}
	if _, err := NewController(testLogger(), testConfig(""), newFakeFactory(nil), exp); err == nil {
		t.Fatalf("expected error for empty store root")
	}
	if _, err := NewController(testLogger(), testConfig(t.TempDir()), newFakeFactory(nil), nil); err == nil {
		t.Fatalf("expected error for nil exporter")
	}
}

func TestPair_RejectedCloseAfterOpenSkipsUpload(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "4401", func(c *Config) { c.PostOpenDelay = 200 * time.Millisecond }, nil)

	if _, err := h.ctrl.Pair(context.Background(), "4401"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	ft := h.nextTransport(t)
	ft.events <- credsEvent(true)
	ft.events <- openEvent()
	ft.events <- closeEvent(StatusUnauthorized)
	h.wait(t)

	if h.blobs.Uploads() != 0 {
		t.Fatalf("rejected credentials were uploaded")
	}
	if len(ft.Sent()) != 0 {
		t.Fatalf("no message may be sent after a rejection")
	}
	m := h.metrics.snapshot()
	if m.finished[OutcomeRejected] != 1 || m.exports != 0 || m.reconnects != 0 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	select {
	case call := <-h.term.calls:
		t.Fatalf("unexpected terminate(%d)", call.Code)
	default:
	}
	assertGone(t, filepath.Join(h.root, "4401"))
}

func TestPair_TransientCloseAfterOpenRetriesBeforeExport(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "428", func(c *Config) { c.PostOpenDelay = 200 * time.Millisecond }, func(n int, ft *fakeTransport) error {
		if n == 0 {
			ft.events <- credsEvent(true)
			ft.events <- openEvent()
			ft.events <- closeEvent(428)
		} else {
			ft.events <- openEvent()
		}
		return nil
	})

	if _, err := h.ctrl.Pair(context.Background(), "428"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	first := h.nextTransport(t)
	second := h.nextTransport(t)
	h.wait(t)

	if len(first.Sent()) != 0 {
		t.Fatalf("closed link must not export")
	}
	if len(second.Sent()) != 2 {
		t.Fatalf("retry did not export, sent=%d", len(second.Sent()))
	}
	if got := h.factory.Count(); got != 2 {
		t.Fatalf("transport creations=%d want 2", got)
	}
	m := h.metrics.snapshot()
	if m.reconnects != 1 || m.exports != 1 || m.finished[OutcomeCompleted] != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	select {
	case call := <-h.term.calls:
		if call.Code != 0 {
			t.Fatalf("terminate code=%d want 0", call.Code)
		}
	default:
		t.Fatalf("terminator not called")
	}
}

func TestPair_RejectedBeforeCodeAnswersCaller(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "5151", func(c *Config) { c.PairingGrace = 200 * time.Millisecond }, func(_ int, ft *fakeTransport) error {
		ft.events <- closeEvent(StatusUnauthorized)
		return nil
	})

	code, err := h.ctrl.Pair(context.Background(), "5151")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Pair()=(%q, %v) want ErrRejected", code, err)
	}
	ft := h.nextTransport(t)
	h.wait(t)

	if ft.CodeRequests() != 0 {
		t.Fatalf("code requested on a rejected link")
	}
	if m := h.metrics.snapshot(); m.codes != 0 || m.finished[OutcomeRejected] != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestPair_ClosesBeforeCodeExhaustRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "6262", func(c *Config) { c.PairingGrace = 20 * time.Millisecond }, func(_ int, ft *fakeTransport) error {
		ft.events <- closeEvent(428)
		return nil
	})

	_, err := h.ctrl.Pair(context.Background(), "6262")
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Pair()=%v want ErrRetriesExhausted", err)
	}
	h.wait(t)

	if got := h.factory.Count(); got != 6 {
		t.Fatalf("transport creations=%d want 6", got)
	}
	if m := h.metrics.snapshot(); m.codes != 0 || m.reconnects != 5 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestPair_CompletionWithoutCodeAnswersUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "7373", func(c *Config) { c.PairingGrace = 200 * time.Millisecond }, func(n int, ft *fakeTransport) error {
		if n == 0 {
			ft.events <- credsEvent(true)
			ft.events <- closeEvent(515)
		} else {
			ft.events <- openEvent()
		}
		return nil
	})

	code, err := h.ctrl.Pair(context.Background(), "7373")
	if !errors.Is(err, ErrUnavailable) || code != "" {
		t.Fatalf("Pair()=(%q, %v) want ErrUnavailable and no code", code, err)
	}
	h.wait(t)

	if h.blobs.Uploads() != 1 {
		t.Fatalf("resumed attempt did not export")
	}
	select {
	case call := <-h.term.calls:
		if call.Code != 0 {
			t.Fatalf("terminate code=%d want 0", call.Code)
		}
	default:
		t.Fatalf("terminator not called")
	}
}
