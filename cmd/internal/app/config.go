package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pairlink/cmd/internal/blobhost"
	"pairlink/cmd/internal/pairing"
	"pairlink/cmd/internal/pairing/pairapi"
	"pairlink/cmd/internal/transport"

	"github.com/BurntSushi/toml"
)

// Config contains all runtime configuration. Values start from defaults, are
// replaced by an optional TOML file and finally by PAIRLINK_* environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	AuditSchema string

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	GatewayURL    string
	GatewayOrigin string

	BlobURL     string
	BlobAPIKey  string
	BlobTimeout time.Duration
	// SealKey is a hex encoded 32 byte key; empty uploads credentials unsealed.
	SealKey string

	StoreRoot       string
	MaxSessions     int
	MaxRetries      int
	RetryDelay      time.Duration
	PairingGrace    time.Duration
	PostOpenDelay   time.Duration
	PostExportDelay time.Duration
	SessionTimeout  time.Duration
	// ExitOnFinish stops the process after a session exported (or failed to export).
	ExitOnFinish bool

	LocatorPrefix string
	TokenMarker   string
	TargetDomain  string

	ResponseTimeout time.Duration
	TrustProxy      bool
	RateEvents      int
	RateWindow      time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	pc := pairing.DefaultConfig()
	api := pairapi.DefaultConfig()
	return Config{
		HTTPAddr:  "0.0.0.0:8000",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// /pair holds the request open until the code arrives.
		WriteTimeout:   api.ResponseTimeout + 10*time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,

		DBMaxConns:  10,
		AuditSchema: "pairlink",

		GatewayURL: "ws://127.0.0.1:8089/link",

		BlobURL:     "http://127.0.0.1:8089",
		BlobTimeout: 30 * time.Second,

		StoreRoot:       pc.StoreRoot,
		MaxSessions:     pc.MaxSessions,
		MaxRetries:      pc.Retry.MaxRetries,
		RetryDelay:      pc.Retry.Delay,
		PairingGrace:    pc.PairingGrace,
		PostOpenDelay:   pc.PostOpenDelay,
		PostExportDelay: pc.PostExportDelay,
		SessionTimeout:  pc.SessionTimeout,
		ExitOnFinish:    true,

		LocatorPrefix: pairing.DefaultLocatorPrefix,
		TokenMarker:   pairing.DefaultTokenMarker,
		TargetDomain:  pairing.DefaultDomain,

		ResponseTimeout: api.ResponseTimeout,
		RateEvents:      api.RateEvents,
		RateWindow:      api.RateWindow,
	}
}

// LoadConfig builds the runtime config: defaults, then the TOML file at path (if
// non-empty), then environment overrides. The result is validated.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if p := strings.TrimSpace(path); p != "" {
		var err error
		cfg, err = loadConfigFile(p, cfg)
		if err != nil {
			return Config{}, err
		}
	}
	cfg = applyEnv(cfg, osEnv())
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type fileConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	HTTP struct {
		Addr              string `toml:"addr"`
		ReadHeaderTimeout string `toml:"read_header_timeout"`
		ReadTimeout       string `toml:"read_timeout"`
		WriteTimeout      string `toml:"write_timeout"`
		IdleTimeout       string `toml:"idle_timeout"`
		MaxHeaderBytes    int    `toml:"max_header_bytes"`
	} `toml:"http"`

	Database struct {
		URL            string `toml:"url"`
		MaxConns       int32  `toml:"max_conns"`
		MinConns       int32  `toml:"min_conns"`
		AuditSchema    string `toml:"audit_schema"`
		RequireForRead bool   `toml:"readiness_require_db"`
	} `toml:"database"`

	Gateway struct {
		URL    string `toml:"url"`
		Origin string `toml:"origin"`
	} `toml:"gateway"`

	Blob struct {
		URL     string `toml:"url"`
		APIKey  string `toml:"api_key"`
		Timeout string `toml:"timeout"`
		SealKey string `toml:"seal_key"`
	} `toml:"blob"`

	Pairing struct {
		StoreRoot       string `toml:"store_root"`
		MaxSessions     int    `toml:"max_sessions"`
		MaxRetries      int    `toml:"max_retries"`
		RetryDelay      string `toml:"retry_delay"`
		PairingGrace    string `toml:"pairing_grace"`
		PostOpenDelay   string `toml:"post_open_delay"`
		PostExportDelay string `toml:"post_export_delay"`
		SessionTimeout  string `toml:"session_timeout"`
		ExitOnFinish    bool   `toml:"exit_on_finish"`
	} `toml:"pairing"`

	Export struct {
		LocatorPrefix string `toml:"locator_prefix"`
		Marker        string `toml:"marker"`
		Domain        string `toml:"domain"`
	} `toml:"export"`

	API struct {
		ResponseTimeout string `toml:"response_timeout"`
		TrustProxy      bool   `toml:"trust_proxy"`
		RateEvents      int    `toml:"rate_events"`
		RateWindow      string `toml:"rate_window"`
	} `toml:"api"`
}

func loadConfigFile(path string, cfg Config) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	str := func(dst *string, v string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	var durErr error
	dur := func(dst *time.Duration, v string, key ...string) {
		if durErr != nil || !meta.IsDefined(key...) {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil || d < 0 {
			durErr = fmt.Errorf("parse %s: invalid duration %q", strings.Join(key, "."), v)
			return
		}
		*dst = d
	}

	str(&cfg.LogLevel, raw.LogLevel, "log_level")
	str(&cfg.LogFormat, raw.LogFormat, "log_format")

	str(&cfg.HTTPAddr, raw.HTTP.Addr, "http", "addr")
	dur(&cfg.ReadHeaderTimeout, raw.HTTP.ReadHeaderTimeout, "http", "read_header_timeout")
	dur(&cfg.ReadTimeout, raw.HTTP.ReadTimeout, "http", "read_timeout")
	dur(&cfg.WriteTimeout, raw.HTTP.WriteTimeout, "http", "write_timeout")
	dur(&cfg.IdleTimeout, raw.HTTP.IdleTimeout, "http", "idle_timeout")
	if meta.IsDefined("http", "max_header_bytes") {
		cfg.MaxHeaderBytes = raw.HTTP.MaxHeaderBytes
	}

	str(&cfg.DatabaseURL, raw.Database.URL, "database", "url")
	str(&cfg.AuditSchema, raw.Database.AuditSchema, "database", "audit_schema")
	if meta.IsDefined("database", "max_conns") {
		cfg.DBMaxConns = raw.Database.MaxConns
	}
	if meta.IsDefined("database", "min_conns") {
		cfg.DBMinConns = raw.Database.MinConns
	}
	if meta.IsDefined("database", "readiness_require_db") {
		cfg.ReadinessRequireDB = raw.Database.RequireForRead
	}

	str(&cfg.GatewayURL, raw.Gateway.URL, "gateway", "url")
	str(&cfg.GatewayOrigin, raw.Gateway.Origin, "gateway", "origin")

	str(&cfg.BlobURL, raw.Blob.URL, "blob", "url")
	str(&cfg.BlobAPIKey, raw.Blob.APIKey, "blob", "api_key")
	str(&cfg.SealKey, raw.Blob.SealKey, "blob", "seal_key")
	dur(&cfg.BlobTimeout, raw.Blob.Timeout, "blob", "timeout")

	str(&cfg.StoreRoot, raw.Pairing.StoreRoot, "pairing", "store_root")
	if meta.IsDefined("pairing", "max_sessions") {
		cfg.MaxSessions = raw.Pairing.MaxSessions
	}
	if meta.IsDefined("pairing", "max_retries") {
		cfg.MaxRetries = raw.Pairing.MaxRetries
	}
	if meta.IsDefined("pairing", "exit_on_finish") {
		cfg.ExitOnFinish = raw.Pairing.ExitOnFinish
	}
	dur(&cfg.RetryDelay, raw.Pairing.RetryDelay, "pairing", "retry_delay")
	dur(&cfg.PairingGrace, raw.Pairing.PairingGrace, "pairing", "pairing_grace")
	dur(&cfg.PostOpenDelay, raw.Pairing.PostOpenDelay, "pairing", "post_open_delay")
	dur(&cfg.PostExportDelay, raw.Pairing.PostExportDelay, "pairing", "post_export_delay")
	dur(&cfg.SessionTimeout, raw.Pairing.SessionTimeout, "pairing", "session_timeout")

	str(&cfg.LocatorPrefix, raw.Export.LocatorPrefix, "export", "locator_prefix")
	str(&cfg.TokenMarker, raw.Export.Marker, "export", "marker")
	str(&cfg.TargetDomain, raw.Export.Domain, "export", "domain")

	dur(&cfg.ResponseTimeout, raw.API.ResponseTimeout, "api", "response_timeout")
	dur(&cfg.RateWindow, raw.API.RateWindow, "api", "rate_window")
	if meta.IsDefined("api", "trust_proxy") {
		cfg.TrustProxy = raw.API.TrustProxy
	}
	if meta.IsDefined("api", "rate_events") {
		cfg.RateEvents = raw.API.RateEvents
	}

	if durErr != nil {
		return Config{}, fmt.Errorf("load config: %w", durErr)
	}
	return cfg, nil
}

func applyEnv(cfg Config, env envReader) Config {
	cfg.HTTPAddr = env.String("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = env.String("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = env.String("LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = env.Duration("HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = env.Duration("HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = env.Duration("HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = env.Duration("HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = env.Int("HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.DatabaseURL = env.String("DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = env.Int32("DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = env.Int32("DB_MIN_CONNS", cfg.DBMinConns)
	cfg.AuditSchema = env.String("AUDIT_SCHEMA", cfg.AuditSchema)
	cfg.ReadinessRequireDB = env.Bool("READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.GatewayURL = env.String("GATEWAY_URL", cfg.GatewayURL)
	cfg.GatewayOrigin = env.String("GATEWAY_ORIGIN", cfg.GatewayOrigin)

	cfg.BlobURL = env.String("BLOB_URL", cfg.BlobURL)
	cfg.BlobAPIKey = env.String("BLOB_API_KEY", cfg.BlobAPIKey)
	cfg.BlobTimeout = env.Duration("BLOB_TIMEOUT", cfg.BlobTimeout)
	cfg.SealKey = env.String("SEAL_KEY", cfg.SealKey)

	cfg.StoreRoot = env.String("STORE_ROOT", cfg.StoreRoot)
	cfg.MaxSessions = env.Int("MAX_SESSIONS", cfg.MaxSessions)
	cfg.MaxRetries = env.Int("MAX_RETRIES", cfg.MaxRetries)
	cfg.RetryDelay = env.Duration("RETRY_DELAY", cfg.RetryDelay)
	cfg.PairingGrace = env.Duration("PAIRING_GRACE", cfg.PairingGrace)
	cfg.PostOpenDelay = env.Duration("POST_OPEN_DELAY", cfg.PostOpenDelay)
	cfg.PostExportDelay = env.Duration("POST_EXPORT_DELAY", cfg.PostExportDelay)
	cfg.SessionTimeout = env.Duration("SESSION_TIMEOUT", cfg.SessionTimeout)
	cfg.ExitOnFinish = env.Bool("EXIT_ON_FINISH", cfg.ExitOnFinish)

	cfg.LocatorPrefix = env.String("LOCATOR_PREFIX", cfg.LocatorPrefix)
	cfg.TokenMarker = env.String("TOKEN_MARKER", cfg.TokenMarker)
	cfg.TargetDomain = env.String("TARGET_DOMAIN", cfg.TargetDomain)

	cfg.ResponseTimeout = env.Duration("RESPONSE_TIMEOUT", cfg.ResponseTimeout)
	cfg.TrustProxy = env.Bool("TRUST_PROXY", cfg.TrustProxy)
	cfg.RateEvents = env.Int("RATE_EVENTS", cfg.RateEvents)
	cfg.RateWindow = env.Duration("RATE_WINDOW", cfg.RateWindow)
	return cfg
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: log format %q (want json or pretty)", c.LogFormat)
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: empty http addr")
	}
	if u, err := url.Parse(c.GatewayURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("config: gateway url %q must be ws:// or wss://", c.GatewayURL)
	}
	if u, err := url.Parse(c.BlobURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: blob url %q must be http:// or https://", c.BlobURL)
	}
	if strings.TrimSpace(c.StoreRoot) == "" {
		return errors.New("config: empty store root")
	}
	if c.MaxSessions < 1 {
		return errors.New("config: max sessions must be >= 1")
	}
	if c.ResponseTimeout <= 0 {
		return errors.New("config: response timeout must be > 0")
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		return fmt.Errorf("config: db min conns %d > max conns %d", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

func (c Config) pairingConfig() pairing.Config {
	return pairing.Config{
		StoreRoot:       c.StoreRoot,
		MaxSessions:     c.MaxSessions,
		Retry:           pairing.RetryPolicy{MaxRetries: c.MaxRetries, Delay: c.RetryDelay},
		PairingGrace:    c.PairingGrace,
		PostOpenDelay:   c.PostOpenDelay,
		PostExportDelay: c.PostExportDelay,
		SessionTimeout:  c.SessionTimeout,
	}
}

func (c Config) exportConfig() pairing.ExportConfig {
	return pairing.ExportConfig{
		LocatorPrefix: c.LocatorPrefix,
		Marker:        c.TokenMarker,
		Domain:        c.TargetDomain,
	}
}

func (c Config) transportConfig() transport.Config {
	tc := transport.DefaultConfig(c.GatewayURL)
	tc.Origin = c.GatewayOrigin
	return tc
}

func (c Config) blobConfig(version string) blobhost.Config {
	return blobhost.Config{
		URL:       c.BlobURL,
		APIKey:    c.BlobAPIKey,
		Timeout:   c.BlobTimeout,
		UserAgent: "pairlink/" + version,
	}
}

func (c Config) apiConfig() pairapi.Config {
	return pairapi.Config{
		ResponseTimeout: c.ResponseTimeout,
		TrustProxy:      c.TrustProxy,
		RateEvents:      c.RateEvents,
		RateWindow:      c.RateWindow,
	}
}
