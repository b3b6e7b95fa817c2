package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	defaultPort            = 8080
	defaultShutdownTimeout = 10 * time.Second
	defaultCollectionURL   = "https://api.discogs.com"
	defaultPageSize        = 50
	defaultSyncWorkers     = 3
	defaultSyncPacing      = 3100 * time.Millisecond
	defaultCooldown        = 60 * time.Second
	defaultEnrichWorkers   = 5
	defaultEnrichRate      = 18
	defaultEnrichWindow    = 60 * time.Second
	defaultEnrichTick      = 500 * time.Millisecond
	defaultEnrichBudget    = 200
	defaultFreshnessTTL    = 30 * 24 * time.Hour
	defaultUpstreamTimeout = 15 * time.Second
)

type Config struct {
	Port            int           `validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	PprofEnabled    bool
	MetricsEnabled  bool
	// DatabaseURL selects the Postgres store. Empty keeps everything in memory.
	DatabaseURL string

	Server            ServerConfig
	Collection        CollectionConfig
	Enrichment        EnrichmentConfig
	Providers         []ProviderConfig `validate:"dive"`
	UpstreamTransport UpstreamTransportConfig
	UpstreamTimeout   time.Duration `validate:"gte=0"`
	Logging           LoggingConfig
}

type ServerConfig struct {
	ReadHeaderTimeout time.Duration `validate:"gte=0"`
	ReadTimeout       time.Duration `validate:"gte=0"`
	WriteTimeout      time.Duration `validate:"gte=0"`
	IdleTimeout       time.Duration `validate:"gte=0"`
}

// CollectionConfig drives the paginated collection sync.
type CollectionConfig struct {
	BaseURL  string        `validate:"required,url"`
	Token    string        `validate:"required"`
	User     string        `validate:"required"`
	PageSize int           `validate:"min=1,max=100"`
	Workers  int           `validate:"min=1"`
	Pacing   time.Duration `validate:"gte=0"`
	Cooldown time.Duration `validate:"gte=0"`
	Budget   int           `validate:"gte=0"`
}

// EnrichmentConfig drives the per-item metadata dispatcher.
type EnrichmentConfig struct {
	Concurrency  int           `validate:"min=1"`
	RateLimit    int           `validate:"gte=0"`
	RateWindow   time.Duration `validate:"required_with=RateLimit"`
	TickInterval time.Duration `validate:"gt=0"`
	Budget       int           `validate:"gte=0"`
	Cooldown     time.Duration `validate:"gte=0"`
	FreshnessTTL time.Duration `validate:"gt=0"`
}

type ProviderConfig struct {
	Name    string `validate:"required,alphanum"`
	BaseURL string `validate:"required,url"`
	Token   string
}

type UpstreamTransportConfig struct {
	DialTimeout           time.Duration
	DialKeepAlive         time.Duration
	ForceAttemptHTTP2     bool
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration
	// HostRateLimit is a per-host request rate in requests per second.
	// Zero disables the limiter.
	HostRateLimit float64 `validate:"gte=0"`
	HostBurst     int     `validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `validate:"omitempty,oneof=debug info warn warning error"`
	Format string `validate:"omitempty,oneof=text json"`
	File   string
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	env := &envReader{}

	cfg := Config{
		Port:            env.getInt("CRATESYNC_PORT", defaultPort),
		ShutdownTimeout: env.getDuration("CRATESYNC_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		PprofEnabled:    env.getBool("CRATESYNC_PPROF_ENABLED", false),
		MetricsEnabled:  env.getBool("CRATESYNC_METRICS_ENABLED", true),
		DatabaseURL:     env.getString("DATABASE_URL", ""),
		Server: ServerConfig{
			ReadHeaderTimeout: env.getDuration("CRATESYNC_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       env.getDuration("CRATESYNC_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:      env.getDuration("CRATESYNC_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:       env.getDuration("CRATESYNC_IDLE_TIMEOUT", 60*time.Second),
		},
		Collection: CollectionConfig{
			BaseURL:  env.getString("COLLECTION_BASE_URL", defaultCollectionURL),
			Token:    env.getString("COLLECTION_TOKEN", ""),
			User:     env.getString("COLLECTION_USER", ""),
			PageSize: env.getInt("CRATESYNC_PAGE_SIZE", defaultPageSize),
			Workers:  env.getInt("CRATESYNC_SYNC_WORKERS", defaultSyncWorkers),
			Pacing:   env.getDuration("CRATESYNC_SYNC_PACING", defaultSyncPacing),
			Cooldown: env.getDuration("CRATESYNC_SYNC_COOLDOWN", defaultCooldown),
			Budget:   env.getInt("CRATESYNC_SYNC_BUDGET", 0),
		},
		Enrichment: EnrichmentConfig{
			Concurrency:  env.getInt("CRATESYNC_ENRICH_CONCURRENCY", defaultEnrichWorkers),
			RateLimit:    env.getInt("CRATESYNC_ENRICH_RATE_LIMIT", defaultEnrichRate),
			RateWindow:   env.getDuration("CRATESYNC_ENRICH_RATE_WINDOW", defaultEnrichWindow),
			TickInterval: env.getDuration("CRATESYNC_ENRICH_TICK", defaultEnrichTick),
			Budget:       env.getInt("CRATESYNC_ENRICH_BUDGET", defaultEnrichBudget),
			Cooldown:     env.getDuration("CRATESYNC_ENRICH_COOLDOWN", defaultCooldown),
			FreshnessTTL: env.getDuration("CRATESYNC_FRESHNESS_TTL", defaultFreshnessTTL),
		},
		UpstreamTransport: UpstreamTransportConfig{
			DialTimeout:           env.getDuration("CRATESYNC_UPSTREAM_DIAL_TIMEOUT", 5*time.Second),
			DialKeepAlive:         env.getDuration("CRATESYNC_UPSTREAM_DIAL_KEEPALIVE", 30*time.Second),
			ForceAttemptHTTP2:     env.getBool("CRATESYNC_UPSTREAM_HTTP2", true),
			MaxIdleConns:          env.getInt("CRATESYNC_UPSTREAM_MAX_IDLE_CONNS", 64),
			MaxIdleConnsPerHost:   env.getInt("CRATESYNC_UPSTREAM_MAX_IDLE_CONNS_PER_HOST", 16),
			MaxConnsPerHost:       env.getInt("CRATESYNC_UPSTREAM_MAX_CONNS_PER_HOST", 0),
			IdleConnTimeout:       env.getDuration("CRATESYNC_UPSTREAM_IDLE_CONN_TIMEOUT", 90*time.Second),
			TLSHandshakeTimeout:   env.getDuration("CRATESYNC_UPSTREAM_TLS_HANDSHAKE_TIMEOUT", 5*time.Second),
			ExpectContinueTimeout: env.getDuration("CRATESYNC_UPSTREAM_EXPECT_CONTINUE_TIMEOUT", time.Second),
			ResponseHeaderTimeout: env.getDuration("CRATESYNC_UPSTREAM_RESPONSE_HEADER_TIMEOUT", 10*time.Second),
			HostRateLimit:         env.getFloat("CRATESYNC_UPSTREAM_HOST_RATE", 0),
			HostBurst:             env.getInt("CRATESYNC_UPSTREAM_HOST_BURST", 1),
		},
		UpstreamTimeout: env.getDuration("CRATESYNC_UPSTREAM_TIMEOUT", defaultUpstreamTimeout),
		Logging: LoggingConfig{
			Level:  strings.ToLower(env.getString("LOG_LEVEL", "info")),
			Format: strings.ToLower(env.getString("LOG_FORMAT", "text")),
			File:   env.getString("LOG_FILE", ""),
		},
	}

	providers, err := ParseProviders(os.Getenv("ENRICH_PROVIDERS"))
	if err != nil {
		env.errs = append(env.errs, err)
	}
	for i := range providers {
		providers[i].Token = os.Getenv("ENRICH_" + strings.ToUpper(providers[i].Name) + "_TOKEN")
	}
	cfg.Providers = providers

	if err := errors.Join(env.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseProviders parses a comma separated list of name=url pairs.
func ParseProviders(value string) ([]ProviderConfig, error) {
	var out []ProviderConfig
	seen := make(map[string]struct{})
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, baseURL, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		baseURL = strings.TrimSpace(baseURL)
		if !ok || name == "" || baseURL == "" {
			return nil, fmt.Errorf("ENRICH_PROVIDERS: entry %q is not name=url", part)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("ENRICH_PROVIDERS: duplicate provider %q", name)
		}
		seen[name] = struct{}{}
		out = append(out, ProviderConfig{Name: name, BaseURL: strings.TrimRight(baseURL, "/")})
	}
	return out, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against its struct tags.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		switch fe.Tag() {
		case "required", "required_with":
			msgs = append(msgs, field+" is required")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		}
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}

// envReader reads typed values and collects parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (e *envReader) getFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (e *envReader) getBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (e *envReader) getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}
