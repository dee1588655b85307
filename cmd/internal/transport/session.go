package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pairlink/cmd/internal/authstate"
	"pairlink/cmd/internal/ids"
	"pairlink/cmd/internal/pairing"
	v1 "pairlink/shared/contracts/link/v1"

	"github.com/coder/websocket"
)

const closeGrace = 1 * time.Second

var (
	// ErrClosed is returned by requests on a session whose link is gone.
	ErrClosed = errors.New("transport: link closed")
	// ErrRemote wraps an error envelope sent by the gateway.
	ErrRemote = errors.New("transport: remote error")
)

// Session is one live link to the gateway. It implements pairing.TransportSession.
//
// A single read loop owns the socket reads. Replies are routed to waiting
// requests by reply_to; everything else becomes an Event.
type Session struct {
	log  *slog.Logger
	conn *websocket.Conn
	cfg  Config

	ctx    context.Context
	cancel context.CancelFunc

	events   chan pairing.Event
	done     chan struct{}
	readDone chan struct{}

	mu      sync.Mutex
	pending map[string]chan v1.Envelope

	closeEmitted atomic.Bool
	closeOnce    sync.Once
}

func newSession(log *slog.Logger, conn *websocket.Conn, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		log:      log,
		conn:     conn,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan pairing.Event, cfg.EventBuffer),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		pending:  make(map[string]chan v1.Envelope),
	}
}

func (s *Session) start() {
	go s.readLoop()
	go s.heartbeat()
}

// Events implements pairing.TransportSession.
func (s *Session) Events() <-chan pairing.Event { return s.events }

// RequestPairingCode asks the gateway for a pairing code bound to phone.
func (s *Session) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", errors.New("transport: empty phone")
	}

	reply, err := s.request(ctx, v1.TypePairCodeRequest, v1.PairCodeRequestPayload{Phone: phone}, v1.TypePairCode)
	if err != nil {
		return "", fmt.Errorf("pair code: %w", err)
	}

	var p v1.PairCodePayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		return "", fmt.Errorf("pair code: invalid payload: %w", err)
	}
	code := strings.TrimSpace(p.Code)
	if code == "" {
		return "", errors.New("pair code: empty code")
	}
	return code, nil
}

// SendText sends text to the address to and waits for the gateway ack.
func (s *Session) SendText(ctx context.Context, to, text string) error {
	if strings.TrimSpace(to) == "" {
		return errors.New("transport: empty recipient")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("transport: empty text")
	}
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("transport: message too long: max=%d chars", maxMessageChars)
	}

	reply, err := s.request(ctx, v1.TypeMessageSend, v1.MessageSendPayload{To: to, Text: text}, v1.TypeMessageAck)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	var ack v1.MessageAckPayload
	if err := json.Unmarshal(reply.Payload, &ack); err == nil {
		s.log.Debug("link.message.ack", "message_id", ack.MessageID)
	}
	return nil
}

// Close tears the link down. It is idempotent and safe to call concurrently.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
		if err := s.conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
			s.log.Debug("link.close", "close_status", websocket.CloseStatus(err), "err", err)
		}

		select {
		case <-s.readDone:
		case <-time.After(closeGrace):
		}
	})
	return nil
}

// request writes an envelope of type typ and waits for the reply correlated by
// its id. An error envelope reply is returned as ErrRemote.
func (s *Session) request(ctx context.Context, typ string, payload any, want string) (v1.Envelope, error) {
	id := ids.MustULID(time.Now().UTC())
	ch := make(chan v1.Envelope, 1)

	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	select {
	case <-s.readDone:
		return v1.Envelope{}, ErrClosed
	default:
	}

	env := v1.NewEnvelope(typ, id, "", payload, time.Now().UTC())
	if err := writeEnvelope(ctx, s.conn, env, s.cfg.WriteTimeout); err != nil {
		return v1.Envelope{}, fmt.Errorf("write %s: %w", typ, err)
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	var reply v1.Envelope
	select {
	case reply = <-ch:
	case <-rctx.Done():
		return v1.Envelope{}, fmt.Errorf("await %s: %w", want, rctx.Err())
	case <-s.readDone:
		return v1.Envelope{}, ErrClosed
	case <-s.done:
		return v1.Envelope{}, ErrClosed
	}

	if reply.Type == v1.TypeError {
		var p v1.ErrorPayload
		_ = json.Unmarshal(reply.Payload, &p)
		return v1.Envelope{}, fmt.Errorf("%w: %s: %s", ErrRemote, p.Code, p.Message)
	}
	if reply.Type != want {
		return v1.Envelope{}, fmt.Errorf("unexpected reply type %q, want %q", reply.Type, want)
	}
	return reply, nil
}

func (s *Session) readLoop() {
	defer close(s.events)
	defer close(s.readDone)

	for {
		env, err := readEnvelope(s.ctx, s.conn)
		if err != nil {
			if classifyReadErr(err) == readErrBadJSON {
				s.log.Info("link.read.bad_json", "err", err)
				continue
			}
			if s.ctx.Err() == nil {
				s.log.Info("link.read.end", "close_status", websocket.CloseStatus(err), "err", err)
			}
			s.emitClose(closeUpdate(err))
			return
		}

		if err := env.Validate(); err != nil {
			s.log.Info("link.read.bad_envelope", "err", err)
			continue
		}
		if env.ReplyTo != "" && s.deliver(env) {
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) deliver(env v1.Envelope) bool {
	s.mu.Lock()
	ch, ok := s.pending[env.ReplyTo]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
	default:
	}
	return true
}

func (s *Session) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeConnectionUpdate:
		var p v1.ConnectionUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Info("link.connection.bad_payload", "err", err)
			return
		}
		switch p.State {
		case v1.StateOpen:
			s.emit(pairing.Event{Kind: pairing.EventConnection, Connection: pairing.ConnectionUpdate{State: pairing.ConnectionOpen}})
		case v1.StateClose:
			up := pairing.ConnectionUpdate{State: pairing.ConnectionClose, StatusCode: p.StatusCode}
			if p.Reason != "" {
				up.Err = errors.New(p.Reason)
			}
			s.emitClose(up)
		case v1.StateConnecting:
			s.emit(pairing.Event{Kind: pairing.EventConnection, Connection: pairing.ConnectionUpdate{State: pairing.ConnectionConnecting}})
		default:
			s.log.Info("link.connection.unknown_state", "state", p.State)
		}

	case v1.TypeCredsUpdate:
		var p v1.CredsUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || len(p.Creds) == 0 {
			s.log.Info("link.creds.bad_payload", "err", err)
			return
		}
		s.emit(pairing.Event{Kind: pairing.EventCreds, Creds: p.Creds})

	case v1.TypeKeysUpdate:
		var p v1.KeysUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Info("link.keys.bad_payload", "err", err)
			return
		}
		if len(p.Keys) == 0 {
			return
		}
		s.emit(pairing.Event{Kind: pairing.EventKeys, Keys: authstate.KeyUpdate(p.Keys)})

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		s.log.Warn("link.remote.error", "code", p.Code, "message", p.Message)

	default:
		s.log.Debug("link.read.ignored", "type", env.Type)
	}
}

// emit blocks until the controller takes ev or the session is closed.
func (s *Session) emit(ev pairing.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// emitClose forwards at most one close per session, whether it came from the
// gateway as an update or from the socket ending.
func (s *Session) emitClose(up pairing.ConnectionUpdate) {
	if !s.closeEmitted.CompareAndSwap(false, true) {
		return
	}
	s.emit(pairing.Event{Kind: pairing.EventConnection, Connection: up})
}

func (s *Session) heartbeat() {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.readDone:
			return
		case <-t.C:
			hbCtx, cancel := context.WithTimeout(s.ctx, s.cfg.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			cancel()

			if err != nil {
				failures++
				s.log.Info("link.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					_ = s.conn.Close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}
