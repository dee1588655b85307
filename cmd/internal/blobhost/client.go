// Package blobhost uploads exported credential documents to an off-box blob host
// and optionally seals them before they leave the process.
package blobhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "pairlink"

	uploadPath = "/upload"
	fileField  = "file"

	maxErrorBody = 256
)

var (
	// ErrUploadRejected is returned when the host answers with a non-2xx status.
	ErrUploadRejected = errors.New("blobhost: upload rejected")
	// ErrBadResponse is returned when a 2xx answer carries no usable locator.
	ErrBadResponse = errors.New("blobhost: bad response")
)

// Config configures the upload client.
type Config struct {
	// URL is the blob host base URL; uploads go to URL + "/upload".
	URL string
	// APIKey, when set, is sent as a bearer token.
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// Client uploads blobs over HTTP. It implements pairing.BlobHost.
type Client struct {
	log  *slog.Logger
	http *resty.Client
	cfg  Config
}

type uploadResponse struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// New validates cfg and constructs a Client.
func New(log *slog.Logger, cfg Config) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("blobhost: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("blobhost: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("blobhost: missing host")
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}
	cfg.URL = strings.TrimRight(u.String(), "/")

	client := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent)

	return &Client{log: log, http: client, cfg: cfg}, nil
}

// Upload posts r as a multipart file named filename and returns the public locator.
func (c *Client) Upload(ctx context.Context, r io.Reader, filename string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", errors.New("blobhost: empty filename")
	}

	var (
		out  uploadResponse
		fail errorResponse
	)
	req := c.http.R().
		SetContext(ctx).
		SetFileReader(fileField, filename, r).
		SetResult(&out).
		SetError(&fail)
	if c.cfg.APIKey != "" {
		req.SetAuthToken(c.cfg.APIKey)
	}

	start := time.Now()
	res, err := req.Post(uploadPath)
	if err != nil {
		return "", fmt.Errorf("blobhost: upload %s: %w", filename, err)
	}

	if res.IsError() {
		msg := fail.Error.Message
		if msg == "" {
			msg = truncate(strings.TrimSpace(res.String()), maxErrorBody)
		}
		c.log.Warn("blob.upload.rejected", "file", filename, "status", res.StatusCode(), "message", msg)
		return "", fmt.Errorf("%w: status=%d: %s", ErrUploadRejected, res.StatusCode(), msg)
	}

	// resty only decodes JSON content types; some hosts answer text/plain.
	if out.URL == "" {
		_ = json.Unmarshal(res.Body(), &out)
	}
	locator := strings.TrimSpace(out.URL)
	if locator == "" {
		return "", fmt.Errorf("%w: missing url (status=%d)", ErrBadResponse, res.StatusCode())
	}

	c.log.Info("blob.upload.done", "file", filename, "status", res.StatusCode(), "dur_ms", time.Since(start).Milliseconds())
	return locator, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
