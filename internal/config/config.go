// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, rate limiting,
// observability, and the realtime platform tuning knobs (heartbeat, token
// refresh, reconnect backoff).
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "sellerbot")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// PlatformConfig holds the marketplace connection tuning and endpoints.
// The endpoints default to the production marketplace services and are
// overridable so tests can point the signed HTTP calls at a local server.
type PlatformConfig struct {
	WebSocketURL string // realtime gateway

	TokenURL       string // access-token mtop endpoint
	OrderDetailURL string // order detail mtop endpoint
	ConsignURL     string // dummy-consign (confirm shipment) mtop endpoint
	FreeShipURL    string // groupon free-shipping mtop endpoint
	PassportURL    string // hasLogin re-authentication base URL

	AppKey     string // realtime registration app key
	SignAppKey string // mtop signing app key

	HeartbeatInterval    time.Duration // keepalive frame cadence
	TokenRefreshInterval time.Duration // access-token renewal cadence
	LivenessInterval     time.Duration // stalled-heartbeat check cadence
	ConnectTimeout       time.Duration // transport dial + register budget

	ReconnectBaseDelay   time.Duration // first retry delay
	ReconnectMaxDelay    time.Duration // backoff cap
	MaxReconnectAttempts int           // retries before the connection fails hard
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath string // SQLite path

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS CORSConfig

	// Platform connection layer
	Platform PlatformConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath: getenv("DB_PATH", "sellerbot.db"),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		// Platform connection layer
		Platform: PlatformConfig{
			WebSocketURL:   getenv("GOOFISH_WS_URL", "wss://wss-goofish.dingtalk.com/"),
			TokenURL:       getenv("GOOFISH_TOKEN_URL", "https://h5api.m.goofish.com/h5/mtop.taobao.idlemessage.pc.login.token/1.0/"),
			OrderDetailURL: getenv("GOOFISH_ORDER_DETAIL_URL", "https://h5api.m.goofish.com/h5/mtop.idle.web.trade.order.detail/1.0/"),
			ConsignURL:     getenv("GOOFISH_CONSIGN_URL", "https://h5api.m.goofish.com/h5/mtop.taobao.idle.logistic.consign.dummy/1.0/"),
			FreeShipURL:    getenv("GOOFISH_FREESHIP_URL", "https://h5api.m.goofish.com/h5/mtop.idle.groupon.activity.seller.freeshipping/1.0/"),
			PassportURL:    getenv("GOOFISH_PASSPORT_URL", "https://passport.goofish.com"),

			AppKey:     getenv("GOOFISH_APP_KEY", "444e9908a51d1cb236a27862abc769c9"),
			SignAppKey: getenv("GOOFISH_SIGN_APP_KEY", "34839810"),

			HeartbeatInterval:    getdur("WS_HEARTBEAT_INTERVAL", 15*time.Second),
			TokenRefreshInterval: getdur("WS_TOKEN_REFRESH_INTERVAL", time.Hour),
			LivenessInterval:     getdur("WS_LIVENESS_INTERVAL", 30*time.Second),
			ConnectTimeout:       getdur("WS_CONNECT_TIMEOUT", 30*time.Second),

			ReconnectBaseDelay:   getdur("WS_RECONNECT_BASE_DELAY", 2*time.Second),
			ReconnectMaxDelay:    getdur("WS_RECONNECT_MAX_DELAY", 60*time.Second),
			MaxReconnectAttempts: getint("WS_MAX_RECONNECT_ATTEMPTS", 10),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "sellerbot"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	p := cfg.Platform
	if p.HeartbeatInterval <= 0 || p.TokenRefreshInterval <= 0 || p.LivenessInterval <= 0 || p.ConnectTimeout <= 0 {
		return cfg, errors.New("platform intervals must be positive durations")
	}
	if p.ReconnectBaseDelay <= 0 || p.ReconnectMaxDelay < p.ReconnectBaseDelay {
		return cfg, errors.New("WS_RECONNECT_MAX_DELAY must be >= WS_RECONNECT_BASE_DELAY > 0")
	}
	if p.MaxReconnectAttempts < 1 {
		return cfg, errors.New("WS_MAX_RECONNECT_ATTEMPTS must be >= 1")
	}
	if strings.TrimSpace(p.WebSocketURL) == "" {
		return cfg, errors.New("GOOFISH_WS_URL must not be empty")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/api/v1"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}
