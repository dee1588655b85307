package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"pairlink/cmd/internal/pairing"
	v1 "pairlink/shared/contracts/link/v1"

	"github.com/coder/websocket"
)

// DefaultBrowser is the client identity announced at hello.
var DefaultBrowser = []string{"Ubuntu", "Chrome", "20.0.04"}

// Config configures the link client.
type Config struct {
	// URL is the ws:// or wss:// gateway endpoint.
	URL string
	// Origin, when set, is sent as the Origin header of the handshake.
	Origin string
	// Browser is the identity triple sent at hello.
	Browser []string

	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// EventBuffer sizes the Events channel.
	EventBuffer int
}

// DefaultConfig returns client defaults for gatewayURL.
func DefaultConfig(gatewayURL string) Config {
	return Config{
		URL:               gatewayURL,
		Browser:           DefaultBrowser,
		DialTimeout:       defaultDialTimeout,
		WriteTimeout:      defaultWriteTimeout,
		RequestTimeout:    defaultRequestTimeout,
		HeartbeatInterval: defaultHeartbeatInterval,
		HeartbeatTimeout:  defaultHeartbeatTimeout,
		EventBuffer:       defaultEventBuffer,
	}
}

func (c Config) normalize() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.EventBuffer < minEventBuffer {
		c.EventBuffer = minEventBuffer
	}
	if len(c.Browser) == 0 {
		c.Browser = DefaultBrowser
	}
	return c
}

// Factory dials one link session per pairing attempt.
type Factory struct {
	log *slog.Logger
	cfg Config
}

// NewFactory validates cfg and constructs a Factory.
func NewFactory(log *slog.Logger, cfg Config) (*Factory, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if err := validateWSURL(cfg.URL); err != nil {
		return nil, fmt.Errorf("transport: invalid gateway url: %w", err)
	}
	return &Factory{log: log, cfg: cfg.normalize()}, nil
}

// Create dials the gateway, performs the hello handshake bound to in.State and
// returns a running Session. Any failure here is a setup failure for the caller.
func (f *Factory) Create(ctx context.Context, in pairing.TransportInput) (pairing.TransportSession, error) {
	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.DialTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(f.cfg.Origin) != "" {
		h.Set("Origin", f.cfg.Origin)
	}

	conn, resp, err := websocket.Dial(dialCtx, f.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("gateway selected subprotocol %q, want %q", sp, v1.Subprotocol)
	}
	conn.SetReadLimit(maxFrameBytes)

	s := newSession(f.log.With("session_id", in.SessionID), conn, f.cfg)
	s.start()

	var creds json.RawMessage
	if len(in.State.Creds) > 0 {
		creds = in.State.Creds
	}
	reply, err := s.request(ctx, v1.TypeHello, v1.HelloPayload{
		SessionID: in.SessionID,
		Creds:     creds,
		Browser:   f.cfg.Browser,
	}, v1.TypeHelloAck)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}

	var ack v1.HelloAckPayload
	if err := json.Unmarshal(reply.Payload, &ack); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("hello.ack: invalid payload: %w", err)
	}

	f.log.Info("link.session.open", "session_id", in.SessionID, "registered", ack.Registered, "resumed", in.State.Registered)
	return s, nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}
