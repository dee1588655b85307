// Package linktest provides an in-process link gateway speaking pairlink.link.v1.
//
// Tests drive it through Conn; cmd/devgateway runs it with AutoPair so a local
// pairlink server can complete a whole session without a real messaging network.
package linktest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"pairlink/cmd/internal/ids"
	v1 "pairlink/shared/contracts/link/v1"

	"github.com/coder/websocket"
)

const (
	helloTimeout  = 5 * time.Second
	writeTimeout  = 5 * time.Second
	maxFrameBytes = 1 << 20
)

// Gateway accepts link sessions. The zero value is not usable; use New.
type Gateway struct {
	log      *slog.Logger
	code     string
	autoPair time.Duration

	codeErr *v1.ErrorPayload
	sendErr *v1.ErrorPayload

	mu       sync.Mutex
	hellos   []v1.HelloPayload
	messages []v1.MessageSendPayload

	conns chan *Conn
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// WithCode sets the pairing code handed to every pair.code.request.
func WithCode(code string) Option {
	return func(g *Gateway) { g.code = code }
}

// WithAutoPair makes the gateway confirm the pairing d after issuing a code:
// it pushes registered creds, one key update and then "open".
func WithAutoPair(d time.Duration) Option {
	return func(g *Gateway) { g.autoPair = d }
}

// WithCodeError answers pair.code.request with an error envelope.
func WithCodeError(code, msg string) Option {
	return func(g *Gateway) { g.codeErr = &v1.ErrorPayload{Code: code, Message: msg} }
}

// WithSendError answers message.send with an error envelope.
func WithSendError(code, msg string) Option {
	return func(g *Gateway) { g.sendErr = &v1.ErrorPayload{Code: code, Message: msg} }
}

// New constructs a Gateway.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		code:  "PAIR-CODE",
		conns: make(chan *Conn, 64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Next returns the next accepted connection (after its hello was acknowledged).
func (g *Gateway) Next(ctx context.Context) (*Conn, error) {
	select {
	case c := <-g.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Hellos returns every hello received so far.
func (g *Gateway) Hellos() []v1.HelloPayload {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]v1.HelloPayload(nil), g.hellos...)
}

// Messages returns every acknowledged message.send so far.
func (g *Gateway) Messages() []v1.MessageSendPayload {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]v1.MessageSendPayload(nil), g.messages...)
}

// ServeHTTP upgrades the request and runs one link session.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.log.Error("gateway.accept.fail", "err", err)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &Conn{g: g, ws: ws, ctx: ctx, done: make(chan struct{})}
	defer close(c.done)

	hctx, hcancel := context.WithTimeout(ctx, helloTimeout)
	env, err := read(hctx, ws)
	hcancel()
	if err != nil || env.Type != v1.TypeHello {
		_ = ws.Close(websocket.StatusPolicyViolation, "hello required")
		return
	}
	if err := json.Unmarshal(env.Payload, &c.Hello); err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "bad hello")
		return
	}

	g.mu.Lock()
	g.hellos = append(g.hellos, c.Hello)
	g.mu.Unlock()

	if err := c.reply(env, v1.TypeHelloAck, v1.HelloAckPayload{Registered: registered(c.Hello.Creds)}); err != nil {
		return
	}
	g.log.Info("gateway.session.open", "session_id", c.Hello.SessionID)

	select {
	case g.conns <- c:
	default:
	}

	for {
		env, err := read(ctx, ws)
		if err != nil {
			g.log.Info("gateway.session.end", "session_id", c.Hello.SessionID, "close_status", websocket.CloseStatus(err))
			return
		}

		switch env.Type {
		case v1.TypePairCodeRequest:
			if g.codeErr != nil {
				_ = c.reply(env, v1.TypeError, g.codeErr)
				continue
			}
			var p v1.PairCodeRequestPayload
			_ = json.Unmarshal(env.Payload, &p)
			_ = c.reply(env, v1.TypePairCode, v1.PairCodePayload{Code: g.code})
			if g.autoPair > 0 {
				go c.autoPair(g.autoPair, p.Phone)
			}

		case v1.TypeMessageSend:
			if g.sendErr != nil {
				_ = c.reply(env, v1.TypeError, g.sendErr)
				continue
			}
			var p v1.MessageSendPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				_ = c.reply(env, v1.TypeError, v1.ErrorPayload{Code: "bad_payload", Message: err.Error()})
				continue
			}
			g.mu.Lock()
			g.messages = append(g.messages, p)
			g.mu.Unlock()
			_ = c.reply(env, v1.TypeMessageAck, v1.MessageAckPayload{MessageID: ids.MustULID(time.Now().UTC())})

		default:
			_ = c.reply(env, v1.TypeError, v1.ErrorPayload{Code: "unsupported", Message: fmt.Sprintf("unsupported type: %s", env.Type)})
		}
	}
}

// Conn is the gateway side of one link session.
type Conn struct {
	g   *Gateway
	ws  *websocket.Conn
	ctx context.Context

	// Hello is the handshake payload sent by the client.
	Hello v1.HelloPayload

	done chan struct{}
}

// Done is closed when the session ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Open reports the connection as open.
func (c *Conn) Open() error {
	return c.push(v1.TypeConnectionUpdate, v1.ConnectionUpdatePayload{State: v1.StateOpen})
}

// SendCreds pushes a full credential document.
func (c *Conn) SendCreds(creds any) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return c.push(v1.TypeCredsUpdate, v1.CredsUpdatePayload{Creds: raw})
}

// SendKeys pushes a key update.
func (c *Conn) SendKeys(keys map[string]map[string]json.RawMessage) error {
	return c.push(v1.TypeKeysUpdate, v1.KeysUpdatePayload{Keys: keys})
}

// Drop reports a close with status and then ends the socket.
func (c *Conn) Drop(status int, reason string) error {
	if err := c.push(v1.TypeConnectionUpdate, v1.ConnectionUpdatePayload{State: v1.StateClose, StatusCode: status, Reason: reason}); err != nil {
		return err
	}
	return c.ws.Close(websocket.StatusGoingAway, reason)
}

// Reject closes the socket with the unauthorized close code and no update.
func (c *Conn) Reject(reason string) error {
	return c.ws.Close(websocket.StatusCode(v1.CloseUnauthorized), reason)
}

func (c *Conn) autoPair(d time.Duration, phone string) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.done:
		return
	case <-t.C:
	}

	creds := map[string]any{
		"registered": true,
		"me":         map[string]string{"id": phone + "@s.whatsapp.net"},
		"noiseKey":   ids.NewRandomHex(32),
	}
	keys := map[string]map[string]json.RawMessage{
		"preKey": {"1": json.RawMessage(`"` + ids.NewRandomHex(16) + `"`)},
	}
	err := errors.Join(c.SendCreds(creds), c.SendKeys(keys), c.Open())
	if err != nil {
		c.g.log.Info("gateway.autopair.fail", "session_id", c.Hello.SessionID, "err", err)
		return
	}
	c.g.log.Info("gateway.autopair.done", "session_id", c.Hello.SessionID)
}

func (c *Conn) push(typ string, payload any) error {
	return write(c.ctx, c.ws, v1.NewEnvelope(typ, ids.MustULID(time.Now().UTC()), "", payload, time.Now().UTC()))
}

func (c *Conn) reply(req v1.Envelope, typ string, payload any) error {
	return write(c.ctx, c.ws, v1.NewEnvelope(typ, ids.MustULID(time.Now().UTC()), req.ID, payload, time.Now().UTC()))
}

func read(ctx context.Context, ws *websocket.Conn) (v1.Envelope, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func write(parent context.Context, ws *websocket.Conn, env v1.Envelope) error {
	ctx, cancel := context.WithTimeout(parent, writeTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}

func registered(creds json.RawMessage) bool {
	if len(creds) == 0 {
		return false
	}
	var doc struct {
		Registered bool `json:"registered"`
	}
	return json.Unmarshal(creds, &doc) == nil && doc.Registered
}
