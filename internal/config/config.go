package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the desk API process.
// All values come from env (or an env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Backend   BackendConfig
	SIP       SIPConfig
	Desk      DeskConfig
	RateLimit RateLimitConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// DBConfig is optional. When Host is empty the audit trail stays in memory.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional outside production; without it desk sessions keep
// their online flag in process memory.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// BackendConfig points at the booking backend that issues voice credentials,
// resolves call metadata and bridges participants.
type BackendConfig struct {
	BaseURL       string
	TokenPath     string
	MetadataPaths []string
	BridgePath    string
	Timeout       time.Duration
}

type SIPConfig struct {
	ListenAddr     string
	RegistrarHost  string
	RegistrarPort  int
	Transport      string
	MediaAddr      string
	RegisterExpiry time.Duration
}

type DeskConfig struct {
	SessionTTL         time.Duration
	MetadataGrace      time.Duration
	TokenRefreshMargin time.Duration
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

const (
	defaultTokenPath  = "/Call/GenerateVoiceToken"
	defaultBridgePath = "/Call/AddParticipant"
)

// DefaultMetadataPaths are tried in order until one answers 2xx.
var DefaultMetadataPaths = []string{
	"/Call/OnDemondClientData",
	"/call/OnDemondClientData",
	"/api/Call/OnDemondClientData",
	"/Call/OnDemandClientData",
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = collect(parseErrs)(mustInt("APP_PORT"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = collect(parseErrs)(optionalInt("DB_PORT", 5432))
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = collect(parseErrs)(optionalInt("REDIS_PORT", 6379))
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL, parseErrs = collectDur(parseErrs)(optionalDuration("JWT_ACCESS_TTL"))
	c.Auth.RefreshTokenTTL, parseErrs = collectDur(parseErrs)(optionalDuration("JWT_REFRESH_TTL"))

	c.Backend.BaseURL = strings.TrimSpace(os.Getenv("BACKEND_BASE_URL"))
	c.Backend.TokenPath = strings.TrimSpace(os.Getenv("BACKEND_TOKEN_PATH"))
	c.Backend.MetadataPaths = splitList(os.Getenv("BACKEND_METADATA_PATHS"))
	c.Backend.BridgePath = strings.TrimSpace(os.Getenv("BACKEND_BRIDGE_PATH"))
	c.Backend.Timeout, parseErrs = collectDur(parseErrs)(optionalDuration("BACKEND_TIMEOUT"))

	c.SIP.ListenAddr = strings.TrimSpace(os.Getenv("SIP_LISTEN_ADDR"))
	c.SIP.RegistrarHost = strings.TrimSpace(os.Getenv("SIP_REGISTRAR_HOST"))
	c.SIP.RegistrarPort, parseErrs = collect(parseErrs)(optionalInt("SIP_REGISTRAR_PORT", 5060))
	c.SIP.Transport = strings.ToLower(strings.TrimSpace(os.Getenv("SIP_TRANSPORT")))
	c.SIP.MediaAddr = strings.TrimSpace(os.Getenv("SIP_MEDIA_ADDR"))
	c.SIP.RegisterExpiry, parseErrs = collectDur(parseErrs)(optionalDuration("SIP_REGISTER_EXPIRY"))

	c.Desk.SessionTTL, parseErrs = collectDur(parseErrs)(optionalDuration("DESK_SESSION_TTL"))
	c.Desk.MetadataGrace, parseErrs = collectDur(parseErrs)(optionalDuration("DESK_METADATA_GRACE"))
	c.Desk.TokenRefreshMargin, parseErrs = collectDur(parseErrs)(optionalDuration("DESK_TOKEN_REFRESH_MARGIN"))

	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("RATE_LIMIT_RPS must be a number, got %q", v))
		}
		c.RateLimit.RPS = f
	}
	c.RateLimit.Burst, parseErrs = collect(parseErrs)(optionalInt("RATE_LIMIT_BURST", 0))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if !validPort(c.App.Port) {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.AuditInPostgres() {
		if !validPort(c.DB.Port) {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required when DB_HOST is set"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required when DB_HOST is set"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Redis.Host == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("REDIS_HOST is required in production"))
		}
	} else if !validPort(c.Redis.Port) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("BACKEND_BASE_URL is required"))
	}
	if c.Backend.TokenPath == "" {
		c.Backend.TokenPath = defaultTokenPath
	}
	if len(c.Backend.MetadataPaths) == 0 {
		c.Backend.MetadataPaths = append([]string(nil), DefaultMetadataPaths...)
	}
	if c.Backend.BridgePath == "" {
		c.Backend.BridgePath = defaultBridgePath
	}
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = 10 * time.Second
	}

	if c.SIP.ListenAddr == "" {
		c.SIP.ListenAddr = "0.0.0.0:5060"
	} else if _, _, err := net.SplitHostPort(c.SIP.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("SIP_LISTEN_ADDR must be host:port, got %q", c.SIP.ListenAddr))
	}
	if c.SIP.RegistrarHost == "" {
		errs = append(errs, errors.New("SIP_REGISTRAR_HOST is required"))
	}
	if !validPort(c.SIP.RegistrarPort) {
		errs = append(errs, fmt.Errorf("SIP_REGISTRAR_PORT must be a valid port, got %d", c.SIP.RegistrarPort))
	}
	switch c.SIP.Transport {
	case "":
		c.SIP.Transport = "udp"
	case "udp", "tcp":
	default:
		errs = append(errs, fmt.Errorf("SIP_TRANSPORT must be udp or tcp, got %q", c.SIP.Transport))
	}
	if c.SIP.RegisterExpiry <= 0 {
		c.SIP.RegisterExpiry = 5 * time.Minute
	}

	if c.Desk.SessionTTL <= 0 {
		c.Desk.SessionTTL = 12 * time.Hour
	}
	if c.Desk.MetadataGrace <= 0 {
		c.Desk.MetadataGrace = 5 * time.Second
	}
	if c.Desk.TokenRefreshMargin <= 0 {
		c.Desk.TokenRefreshMargin = 60 * time.Second
	}

	if c.RateLimit.RPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %v", c.RateLimit.RPS))
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 5
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 10
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// AuditInPostgres reports whether the audit trail is written to Postgres.
func (c Config) AuditInPostgres() bool {
	return c.DB.Host != ""
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	if c.Redis.Host == "" {
		return ""
	}
	return net.JoinHostPort(c.Redis.Host, strconv.Itoa(c.Redis.Port))
}

func (c Config) RegistrarAddr() string {
	return net.JoinHostPort(c.SIP.RegistrarHost, strconv.Itoa(c.SIP.RegistrarPort))
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optionalDuration returns 0 when unset; Validate applies the default.
func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func collect(errs []error) func(int, error) (int, []error) {
	return func(n int, err error) (int, []error) {
		if err != nil {
			return n, append(errs, err)
		}
		return n, errs
	}
}

func collectDur(errs []error) func(time.Duration, error) (time.Duration, []error) {
	return func(d time.Duration, err error) (time.Duration, []error) {
		if err != nil {
			return d, append(errs, err)
		}
		return d, errs
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
