package pairing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"pairlink/cmd/internal/ids"
)

const (
	// DefaultLocatorPrefix is stripped from blob locators to form the token.
	DefaultLocatorPrefix = "https://mega.nz/file/"
	// DefaultTokenMarker tags the token message so the receiving bot recognizes it.
	DefaultTokenMarker = "PAIRLINK-MD"
	// DefaultDomain is the user domain of the paired identity.
	DefaultDomain = "s.whatsapp.net"

	// ConfirmationMarker is always present in the confirmation message.
	ConfirmationMarker = "YOU HAVE SUCCESSFULLY PAIRED"
)

// DefaultConfirmation is the human-readable message sent after the token.
const DefaultConfirmation = "┌── PAIRLINK ──✵\n" +
	" ❍ " + ConfirmationMarker + "\n" +
	" ❍ YOUR DEVICE WITH THE BOT\n" +
	" ❍ KEEP THE SESSION ID ABOVE PRIVATE\n" +
	"└──────────────✸"

// BlobHost uploads a byte stream under filename and returns its locator.
type BlobHost interface {
	Upload(ctx context.Context, r io.Reader, filename string) (string, error)
}

// Sealer encrypts credential bytes before they leave the host.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
}

// CredsReader exposes the persisted credential document.
type CredsReader interface {
	ReadCreds() ([]byte, error)
}

// ExportConfig controls token derivation and the messages sent to the paired identity.
type ExportConfig struct {
	LocatorPrefix string
	Marker        string
	Domain        string
	Confirmation  string
}

func (c ExportConfig) withDefaults() ExportConfig {
	if c.LocatorPrefix == "" {
		c.LocatorPrefix = DefaultLocatorPrefix
	}
	if c.Marker == "" {
		c.Marker = DefaultTokenMarker
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if strings.TrimSpace(c.Confirmation) == "" {
		c.Confirmation = DefaultConfirmation
	}
	if !strings.Contains(c.Confirmation, ConfirmationMarker) {
		c.Confirmation = ConfirmationMarker + "\n" + c.Confirmation
	}
	return c
}

// ExportRecord describes a finished export. Raw credential bytes are never kept.
type ExportRecord struct {
	Filename string
	Locator  string
	Token    string
	Target   string
	Bytes    int
}

// Exporter moves credentials off-box and hands the token to the paired identity.
type Exporter struct {
	log    *slog.Logger
	blobs  BlobHost
	sealer Sealer
	cfg    ExportConfig

	newName func() (string, error)
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithSealer encrypts credentials before upload.
func WithSealer(s Sealer) ExporterOption {
	return func(e *Exporter) {
		if s != nil {
			e.sealer = s
		}
	}
}

// WithNameFunc overrides remote filename generation.
func WithNameFunc(fn func() (string, error)) ExporterOption {
	return func(e *Exporter) {
		if fn != nil {
			e.newName = fn
		}
	}
}

// NewExporter constructs an Exporter.
func NewExporter(log *slog.Logger, blobs BlobHost, cfg ExportConfig, opts ...ExporterOption) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	e := &Exporter{
		log:   log,
		blobs: blobs,
		cfg:   cfg.withDefaults(),
		newName: func() (string, error) {
			return ids.NewBlobName(6, 4, ".json")
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Export reads the credentials, uploads them, derives the token and sends the
// token message followed by the confirmation message. The export fails if the
// token message is not acknowledged.
func (e *Exporter) Export(ctx context.Context, ts TransportSession, creds CredsReader, sessionID string) (ExportRecord, error) {
	const op = "pairing.Export"

	if e.blobs == nil {
		return ExportRecord{}, opErr(op, ErrExportFailed, errors.New("no blob host configured"))
	}

	raw, err := creds.ReadCreds()
	if err != nil {
		return ExportRecord{}, opErr(op, ErrExportFailed, fmt.Errorf("%w: %v", ErrNoCredentials, err))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return ExportRecord{}, opErr(op, ErrExportFailed, ErrNoCredentials)
	}

	payload := raw
	if e.sealer != nil {
		payload, err = e.sealer.Seal(raw)
		if err != nil {
			return ExportRecord{}, opErr(op, ErrExportFailed, fmt.Errorf("seal: %w", err))
		}
	}

	name, err := e.newName()
	if err != nil {
		return ExportRecord{}, opErr(op, ErrExportFailed, fmt.Errorf("filename: %w", err))
	}

	locator, err := e.blobs.Upload(ctx, bytes.NewReader(payload), name)
	if err != nil {
		return ExportRecord{}, opErr(op, ErrExportFailed, fmt.Errorf("upload: %w", err))
	}

	token, err := ExtractToken(locator, e.cfg.LocatorPrefix)
	if err != nil {
		return ExportRecord{}, opErr(op, ErrExportFailed, err)
	}

	rec := ExportRecord{
		Filename: name,
		Locator:  locator,
		Token:    token,
		Target:   JID(sessionID, e.cfg.Domain),
		Bytes:    len(payload),
	}

	if err := ts.SendText(ctx, rec.Target, e.cfg.Marker+"~"+token); err != nil {
		return rec, opErr(op, ErrExportFailed, fmt.Errorf("send token: %w", err))
	}
	if err := ts.SendText(ctx, rec.Target, e.cfg.Confirmation); err != nil {
		e.log.Warn("pair.export.confirmation.fail", "session_id", sessionID, "err", err)
	}

	e.log.Info("pair.export.sent", "session_id", sessionID, "file", name, "bytes", rec.Bytes, "sealed", e.sealer != nil)
	return rec, nil
}

// ExtractToken returns the part of locator after prefix.
func ExtractToken(locator, prefix string) (string, error) {
	locator = strings.TrimSpace(locator)
	if !strings.HasPrefix(locator, prefix) {
		return "", fmt.Errorf("locator %q does not start with %q", locator, prefix)
	}
	token := strings.TrimPrefix(locator, prefix)
	if token == "" {
		return "", fmt.Errorf("locator %q has an empty token", locator)
	}
	return token, nil
}

// JID builds the messaging address of a session id.
func JID(sessionID, domain string) string {
	if domain == "" {
		domain = DefaultDomain
	}
	return sessionID + "@" + domain
}
