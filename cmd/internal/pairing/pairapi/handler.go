// Package pairapi exposes the pairing controller over HTTP: GET /pair?number=.
package pairapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"pairlink/cmd/internal/pairing"
)

// Pairer starts a pairing session and answers with a code or a terminal error.
type Pairer interface {
	Pair(ctx context.Context, rawNumber string) (string, error)
}

// Config controls the pairing endpoint.
type Config struct {
	// ResponseTimeout bounds how long a request waits for its first answer.
	ResponseTimeout time.Duration
	TrustProxy      bool

	// RateEvents requests per RateWindow per client IP (0 disables).
	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig returns endpoint defaults.
func DefaultConfig() Config {
	return Config{
		ResponseTimeout: 90 * time.Second,
		RateEvents:      10,
		RateWindow:      time.Minute,
	}
}

// Handler serves /pair.
type Handler struct {
	log     *slog.Logger
	cfg     Config
	pairer  Pairer
	limiter *ipLimiter
	now     func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, pairer Pairer, cfg Config) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if pairer == nil {
		return nil, errors.New("pairapi: nil pairer")
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultConfig().ResponseTimeout
	}
	return &Handler{
		log:     log,
		cfg:     cfg,
		pairer:  pairer,
		limiter: newIPLimiter(cfg.RateEvents, cfg.RateWindow),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register wires the pairing routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/pair", h.handlePair)
}

func (h *Handler) handlePair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	ip := clientIP(r, h.cfg.TrustProxy)
	if !h.limiter.Allow(ip, h.now()) {
		h.log.Info("pair.request.rate_limited", "ip", ip)
		writeRateLimited(w, h.cfg.RateWindow)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.ResponseTimeout)
	defer cancel()

	number := r.URL.Query().Get("number")
	code, err := h.pairer.Pair(ctx, number)
	if err != nil {
		status, errCode, msg := errorStatus(err)
		if status >= http.StatusInternalServerError {
			h.log.Warn("pair.request.fail", "status", status, "code", errCode, "err", err)
		} else {
			h.log.Info("pair.request.refused", "status", status, "code", errCode, "err", err)
		}
		writeError(w, status, errCode, msg)
		return
	}

	writeJSON(w, http.StatusOK, codeResponse{Code: code})
}

// errorStatus maps pairing errors to HTTP status, error code and message.
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, pairing.ErrSessionActive):
		return http.StatusConflict, "session_active", "a pairing session for this number is already running"
	case errors.Is(err, pairing.ErrBusy):
		return http.StatusServiceUnavailable, "busy", "too many pairing sessions, retry later"
	case errors.Is(err, pairing.ErrRetriesExhausted):
		return http.StatusInternalServerError, "reconnect_exhausted", "Unable to reconnect after multiple attempts."
	case errors.Is(err, pairing.ErrRejected):
		return http.StatusBadGateway, "pairing_rejected", "the messaging service rejected the session"
	case errors.Is(err, pairing.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "timed out waiting for a pairing code"
	case errors.Is(err, pairing.ErrExportFailed):
		return http.StatusInternalServerError, "export_failed", "credential export failed"
	default:
		return http.StatusServiceUnavailable, "service_unavailable", "Service Unavailable"
	}
}
