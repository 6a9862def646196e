// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the LINE channel and
// assistant credentials, the conversation store, webhook dedupe, server
// timeouts, logging, rate limiting, and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // TIMEZONE must resolve in minimal containers
)

// Supported conversation store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Supported webhook dedupe backends.
const (
	DedupeMemory = "memory"
	DedupeRedis  = "redis"
	DedupeDB     = "db"
	DedupeOff    = "off"
)

// DefaultFailureMessage is sent to the user when a reply could not be produced.
const DefaultFailureMessage = "噢！糖安心小幫手暫時無法使用，請稍後再試"

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "diabetes-linebot")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// LINEConfig holds the Messaging API channel credentials.
type LINEConfig struct {
	ChannelSecret      string // CHANNEL_SECRET
	ChannelAccessToken string // CHANNEL_ACCESS_TOKEN
	WebhookPath        string // WEBHOOK_PATH
}

// OpenAIConfig holds the assistant credentials and the run polling contract.
type OpenAIConfig struct {
	APIKey       string        // OPENAI_API_KEY
	AssistantID  string        // ASSISTANT_ID
	BaseURL      string        // OPENAI_BASE_URL (optional)
	PollInterval time.Duration // RUN_POLL_INTERVAL
	MaxPolls     int           // RUN_MAX_POLLS
}

// StoreConfig selects and locates the conversation store.
type StoreConfig struct {
	Driver        string // sqlite|postgres|mongo
	DBPath        string // SQLite path
	DatabaseURL   string // Postgres DSN
	MongoURI      string
	MongoDatabase string
}

// DedupeConfig controls webhook event de-duplication.
type DedupeConfig struct {
	Backend       string        // memory|redis|db|off
	TTL           time.Duration // how long an event id is remembered
	Size          int           // memory backend capacity
	RedisAddr     string
	RedisPassword string
	RedisDB       int
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

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for admin API routes

	// Integrations
	LINE   LINEConfig
	OpenAI OpenAIConfig
	Store  StoreConfig
	Dedupe DedupeConfig

	// Conversation
	FailureMessage  string        // apology sent when a reply fails
	WelcomeTemplate string        // fmt template for group member greetings
	CommandPhrases  []string      // texts that get a date stamp appended
	Timezone        string        // IANA zone used for the date stamp
	StaleLockAfter  time.Duration // busy flag older than this can be taken over
	EventTimeout    time.Duration // per-event processing deadline
	DispatchAsync   bool          // acknowledge webhooks before processing
	DispatchWorkers int           // max concurrent event handlers

	// Admin API
	AdminToken string // bearer token; admin routes are off when empty

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

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

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		LINE: LINEConfig{
			ChannelSecret:      strings.TrimSpace(os.Getenv("CHANNEL_SECRET")),
			ChannelAccessToken: strings.TrimSpace(os.Getenv("CHANNEL_ACCESS_TOKEN")),
			WebhookPath:        normalizeBasePath(getenv("WEBHOOK_PATH", "/callback")),
		},
		OpenAI: OpenAIConfig{
			APIKey:       strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			AssistantID:  strings.TrimSpace(os.Getenv("ASSISTANT_ID")),
			BaseURL:      strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
			PollInterval: getdur("RUN_POLL_INTERVAL", time.Second),
			MaxPolls:     getint("RUN_MAX_POLLS", 10),
		},
		Store: StoreConfig{
			Driver:        strings.ToLower(getenv("STORE_DRIVER", DriverSQLite)),
			DBPath:        getenv("DB_PATH", "linebot.db"),
			DatabaseURL:   os.Getenv("DATABASE_URL"),
			MongoURI:      os.Getenv("MONGO_URI"),
			MongoDatabase: getenv("MONGO_DATABASE", "linebot"),
		},
		Dedupe: DedupeConfig{
			Backend:       strings.ToLower(getenv("DEDUPE_BACKEND", DedupeMemory)),
			TTL:           getdur("DEDUPE_TTL", 10*time.Minute),
			Size:          getint("DEDUPE_SIZE", 4096),
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       getint("REDIS_DB", 0),
		},

		FailureMessage:  getenv("FAILURE_MESSAGE", DefaultFailureMessage),
		WelcomeTemplate: getenv("WELCOME_TEMPLATE", "%s 歡迎加入！"),
		CommandPhrases:  splitCSV(getenv("COMMAND_PHRASES", "血糖紀錄,飲食紀錄")),
		Timezone:        getenv("TIMEZONE", "Asia/Taipei"),
		StaleLockAfter:  getdur("STALE_LOCK_AFTER", 5*time.Minute),
		EventTimeout:    getdur("EVENT_TIMEOUT", 90*time.Second),
		DispatchAsync:   getbool("DISPATCH_ASYNC", true),
		DispatchWorkers: getint("DISPATCH_CONCURRENCY", 16),

		AdminToken: strings.TrimSpace(os.Getenv("ADMIN_TOKEN")),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "diabetes-linebot"),
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
	if cfg.Store.Driver == "postgresql" || cfg.Store.Driver == "pg" {
		cfg.Store.Driver = DriverPostgres
	}
	if cfg.Store.Driver == "mongodb" {
		cfg.Store.Driver = DriverMongo
	}

	// --- required credentials ---
	if err := requireAll(cfg); err != nil {
		return cfg, err
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
	switch cfg.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(cfg.Store.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case DriverPostgres, DriverMongo:
	default:
		return cfg, errors.New("STORE_DRIVER must be one of: sqlite, postgres, mongo")
	}
	switch cfg.Dedupe.Backend {
	case DedupeMemory, DedupeRedis, DedupeDB, DedupeOff:
	default:
		return cfg, errors.New("DEDUPE_BACKEND must be one of: memory, redis, db, off")
	}
	if cfg.Dedupe.Backend == DedupeDB && cfg.Store.Driver == DriverMongo {
		return cfg, errors.New("DEDUPE_BACKEND=db requires a SQL store driver")
	}
	if cfg.Dedupe.TTL <= 0 {
		return cfg, errors.New("DEDUPE_TTL must be > 0")
	}
	if cfg.Dedupe.Size < 1 {
		return cfg, errors.New("DEDUPE_SIZE must be >= 1")
	}
	if cfg.OpenAI.PollInterval <= 0 {
		return cfg, errors.New("RUN_POLL_INTERVAL must be > 0")
	}
	if cfg.OpenAI.MaxPolls < 1 {
		return cfg, errors.New("RUN_MAX_POLLS must be >= 1")
	}
	if strings.Count(cfg.WelcomeTemplate, "%s") != 1 {
		return cfg, errors.New("WELCOME_TEMPLATE must contain exactly one %s")
	}
	if strings.TrimSpace(cfg.FailureMessage) == "" {
		return cfg, errors.New("FAILURE_MESSAGE must not be empty")
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return cfg, fmt.Errorf("TIMEZONE %q: %w", cfg.Timezone, err)
	}
	if cfg.StaleLockAfter <= 0 {
		return cfg, errors.New("STALE_LOCK_AFTER must be > 0")
	}
	if cfg.EventTimeout <= 0 {
		return cfg, errors.New("EVENT_TIMEOUT must be > 0")
	}
	// A live invocation must never look stale to the next one.
	if cfg.StaleLockAfter <= cfg.EventTimeout {
		return cfg, errors.New("STALE_LOCK_AFTER must be greater than EVENT_TIMEOUT")
	}
	if cfg.DispatchWorkers < 1 {
		return cfg, errors.New("DISPATCH_CONCURRENCY must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// requireAll reports every missing credential at once so a misconfigured
// deployment fails on the first start instead of one variable at a time.
func requireAll(cfg Config) error {
	var missing []string
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	check("CHANNEL_SECRET", cfg.LINE.ChannelSecret)
	check("CHANNEL_ACCESS_TOKEN", cfg.LINE.ChannelAccessToken)
	check("OPENAI_API_KEY", cfg.OpenAI.APIKey)
	check("ASSISTANT_ID", cfg.OpenAI.AssistantID)
	switch cfg.Store.Driver {
	case DriverPostgres:
		check("DATABASE_URL", cfg.Store.DatabaseURL)
	case DriverMongo:
		check("MONGO_URI", cfg.Store.MongoURI)
	}
	if cfg.Dedupe.Backend == DedupeRedis {
		check("REDIS_ADDR", cfg.Dedupe.RedisAddr)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
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
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
