package pairing

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
)

type sentMsg struct {
	To   string
	Text string
}

type fakeTransport struct {
	in     TransportInput
	events chan Event

	code    string
	codeErr error
	sendErr error

	mu           sync.Mutex
	codeRequests int
	sent         []sentMsg
	closed       bool
}

func newFakeTransport(in TransportInput) *fakeTransport {
	return &fakeTransport{in: in, code: "ABCD-1234", events: make(chan Event, 16)}
}

func (f *fakeTransport) RequestPairingCode(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeRequests++
	if f.codeErr != nil {
		return "", f.codeErr
	}
	return f.code, nil
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) SendText(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMsg{To: to, Text: text})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Sent() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func (f *fakeTransport) CodeRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.codeRequests
}

// fakeFactory hands out transports built by setup. Every created transport is
// also published on created.
type fakeFactory struct {
	setup func(n int, t *fakeTransport) error

	mu      sync.Mutex
	all     []*fakeTransport
	created chan *fakeTransport
}

func newFakeFactory(setup func(n int, t *fakeTransport) error) *fakeFactory {
	return &fakeFactory{setup: setup, created: make(chan *fakeTransport, 32)}
}

func (f *fakeFactory) Create(_ context.Context, in TransportInput) (TransportSession, error) {
	f.mu.Lock()
	n := len(f.all)
	t := newFakeTransport(in)
	f.all = append(f.all, t)
	f.mu.Unlock()

	if f.setup != nil {
		if err := f.setup(n, t); err != nil {
			return nil, err
		}
	}
	f.created <- t
	return t, nil
}

func (f *fakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.all)
}

type fakeBlobHost struct {
	locator string
	err     error

	mu      sync.Mutex
	names   []string
	payload [][]byte
}

func (b *fakeBlobHost) Upload(_ context.Context, r io.Reader, filename string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.names = append(b.names, filename)
	b.payload = append(b.payload, data)
	if b.err != nil {
		return "", b.err
	}
	return b.locator, nil
}

func (b *fakeBlobHost) Uploads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.names)
}

type termCall struct {
	Code        int
	StoreExists bool
}

// fakeTerminator records calls and whether the session store still existed.
type fakeTerminator struct {
	storePath string
	calls     chan termCall
}

func newFakeTerminator(storePath string) *fakeTerminator {
	return &fakeTerminator{storePath: storePath, calls: make(chan termCall, 4)}
}

func (t *fakeTerminator) Terminate(code int) {
	_, err := os.Stat(t.storePath)
	t.calls <- termCall{Code: code, StoreExists: !errors.Is(err, os.ErrNotExist)}
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (r *fakeRecorder) Record(_ context.Context, ev AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *fakeRecorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Action)
	}
	return out
}

func (r *fakeRecorder) Last() AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return AuditEvent{}
	}
	return r.events[len(r.events)-1]
}

type fakeMetrics struct {
	mu         sync.Mutex
	started    int
	codes      int
	reconnects int
	exports    int
	exportErrs int
	active     int
	finished   map[string]int
}

func newFakeMetrics() *fakeMetrics { return &fakeMetrics{finished: map[string]int{}} }

func (m *fakeMetrics) SessionStarted() { m.mu.Lock(); m.started++; m.mu.Unlock() }
func (m *fakeMetrics) CodeIssued()     { m.mu.Lock(); m.codes++; m.mu.Unlock() }
func (m *fakeMetrics) ReconnectScheduled() {
	m.mu.Lock()
	m.reconnects++
	m.mu.Unlock()
}
func (m *fakeMetrics) SessionFinished(outcome string) {
	m.mu.Lock()
	m.finished[outcome]++
	m.mu.Unlock()
}
func (m *fakeMetrics) ExportFinished(err error) {
	m.mu.Lock()
	m.exports++
	if err != nil {
		m.exportErrs++
	}
	m.mu.Unlock()
}
func (m *fakeMetrics) ActiveSessions(delta int) { m.mu.Lock(); m.active += delta; m.mu.Unlock() }

func (m *fakeMetrics) snapshot() *fakeMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := &fakeMetrics{
		started:    m.started,
		codes:      m.codes,
		reconnects: m.reconnects,
		exports:    m.exports,
		exportErrs: m.exportErrs,
		active:     m.active,
		finished:   map[string]int{},
	}
	for k, v := range m.finished {
		cp.finished[k] = v
	}
	return cp
}
