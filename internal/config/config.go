// Package config loads server settings from defaults, an optional yaml or
// json file and CHATRELAY_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	dbconfig "chatrelay/pkg/database"
)

// EnvPrefix namespaces every environment variable: http.port is read from
// CHATRELAY_HTTP_PORT.
const EnvPrefix = "CHATRELAY"

// Config is the whole server configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  dbconfig.Config `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Cache     CacheConfig     `mapstructure:"cache"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Uploads   UploadsConfig   `mapstructure:"uploads"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// ClientURL is the browser origin allowed by CORS and used to build
	// password reset links.
	ClientURL string `mapstructure:"client_url"`
}

// Addr is the listen address.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

type AuthConfig struct {
	AccessSecret  string        `mapstructure:"access_secret"`
	RefreshSecret string        `mapstructure:"refresh_secret"`
	AccessTTL     time.Duration `mapstructure:"access_ttl"`
	RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
	Issuer        string        `mapstructure:"issuer"`
	BcryptCost    int           `mapstructure:"bcrypt_cost"`
	CookieSecure  bool          `mapstructure:"cookie_secure"`
	ResetTTL      time.Duration `mapstructure:"reset_ttl"`
}

// CacheConfig sizes the token verification cache.
type CacheConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	Shards        int           `mapstructure:"shards"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type WebSocketConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	SendQueue        int           `mapstructure:"send_queue"`
	MaxMessageBytes  int64         `mapstructure:"max_message_bytes"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
}

// RateLimitConfig holds both budgets. Backend selects where the REST
// counters live: "memory" or "redis".
type RateLimitConfig struct {
	Backend           string        `mapstructure:"backend"`
	Requests          int           `mapstructure:"requests"`
	Window            time.Duration `mapstructure:"window"`
	MessagesPerMinute int           `mapstructure:"messages_per_minute"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// SMTPConfig is left with an empty Host in development, which selects the
// logging mailer.
type SMTPConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	FromName  string `mapstructure:"from_name"`
	FromEmail string `mapstructure:"from_email"`
}

type UploadsConfig struct {
	Dir       string `mapstructure:"dir"`
	URLPrefix string `mapstructure:"url_prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns development defaults. Secrets are empty and must be
// supplied before Validate passes.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			ClientURL:       "http://localhost:5173",
		},
		Database: *dbconfig.DefaultConfig(),
		Auth: AuthConfig{
			AccessTTL:  time.Hour,
			RefreshTTL: 7 * 24 * time.Hour,
			Issuer:     "chatrelay",
			BcryptCost: 12,
			ResetTTL:   time.Hour,
		},
		Cache: CacheConfig{
			Capacity:      10000,
			Shards:        16,
			SweepInterval: time.Minute,
		},
		WebSocket: WebSocketConfig{
			PingInterval:     30 * time.Second,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			SendQueue:        100,
			MaxMessageBytes:  68 * 1024,
		},
		RateLimit: RateLimitConfig{
			Backend:           "memory",
			Requests:          100,
			Window:            15 * time.Minute,
			MessagesPerMinute: 100,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "chatrelay:ratelimit:",
		},
		SMTP: SMTPConfig{
			Port:     587,
			FromName: "Chat Relay",
		},
		Uploads: UploadsConfig{
			Dir:       "./uploads",
			URLPrefix: "/uploads/",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// setDefaults registers every key with viper. AutomaticEnv only overrides
// keys viper already knows about.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", d.HTTP.IdleTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	v.SetDefault("http.client_url", d.HTTP.ClientURL)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", d.Database.ConnMaxIdleTime)

	v.SetDefault("auth.access_secret", d.Auth.AccessSecret)
	v.SetDefault("auth.refresh_secret", d.Auth.RefreshSecret)
	v.SetDefault("auth.access_ttl", d.Auth.AccessTTL)
	v.SetDefault("auth.refresh_ttl", d.Auth.RefreshTTL)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.bcrypt_cost", d.Auth.BcryptCost)
	v.SetDefault("auth.cookie_secure", d.Auth.CookieSecure)
	v.SetDefault("auth.reset_ttl", d.Auth.ResetTTL)

	v.SetDefault("cache.capacity", d.Cache.Capacity)
	v.SetDefault("cache.shards", d.Cache.Shards)
	v.SetDefault("cache.sweep_interval", d.Cache.SweepInterval)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.handshake_timeout", d.WebSocket.HandshakeTimeout)
	v.SetDefault("websocket.send_queue", d.WebSocket.SendQueue)
	v.SetDefault("websocket.max_message_bytes", d.WebSocket.MaxMessageBytes)
	v.SetDefault("websocket.allowed_origins", d.WebSocket.AllowedOrigins)

	v.SetDefault("ratelimit.backend", d.RateLimit.Backend)
	v.SetDefault("ratelimit.requests", d.RateLimit.Requests)
	v.SetDefault("ratelimit.window", d.RateLimit.Window)
	v.SetDefault("ratelimit.messages_per_minute", d.RateLimit.MessagesPerMinute)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.prefix", d.Redis.Prefix)

	v.SetDefault("smtp.host", d.SMTP.Host)
	v.SetDefault("smtp.port", d.SMTP.Port)
	v.SetDefault("smtp.username", d.SMTP.Username)
	v.SetDefault("smtp.password", d.SMTP.Password)
	v.SetDefault("smtp.from_name", d.SMTP.FromName)
	v.SetDefault("smtp.from_email", d.SMTP.FromEmail)

	v.SetDefault("uploads.dir", d.Uploads.Dir)
	v.SetDefault("uploads.url_prefix", d.Uploads.URLPrefix)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load builds the configuration. path names an optional yaml or json file;
// when empty, CHATRELAY_CONFIG_FILE is consulted. A named file that cannot
// be read is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("config_file")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting joined into one error.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.HTTP.Port > 0 && c.HTTP.Port <= 65535, "http.port must be between 1 and 65535")
	check(c.HTTP.ReadTimeout > 0, "http.read_timeout must be positive")
	check(c.HTTP.WriteTimeout > 0, "http.write_timeout must be positive")
	check(c.HTTP.ShutdownTimeout > 0, "http.shutdown_timeout must be positive")

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}

	check(c.Auth.AccessSecret != "", "auth.access_secret is required")
	check(c.Auth.RefreshSecret != "", "auth.refresh_secret is required")
	check(c.Auth.AccessSecret == "" || c.Auth.AccessSecret != c.Auth.RefreshSecret,
		"auth.access_secret and auth.refresh_secret must differ")
	check(c.Auth.AccessTTL > 0, "auth.access_ttl must be positive")
	check(c.Auth.RefreshTTL > c.Auth.AccessTTL, "auth.refresh_ttl must exceed auth.access_ttl")
	check(c.Auth.BcryptCost >= 4 && c.Auth.BcryptCost <= 31, "auth.bcrypt_cost must be between 4 and 31")
	check(c.Auth.ResetTTL > 0, "auth.reset_ttl must be positive")

	check(c.Cache.Capacity > 0, "cache.capacity must be positive")
	check(c.Cache.Shards > 0, "cache.shards must be positive")
	check(c.Cache.SweepInterval > 0, "cache.sweep_interval must be positive")

	check(c.WebSocket.PingInterval > 0, "websocket.ping_interval must be positive")
	check(c.WebSocket.ReadTimeout > c.WebSocket.PingInterval,
		"websocket.read_timeout must exceed websocket.ping_interval")
	check(c.WebSocket.WriteTimeout > 0, "websocket.write_timeout must be positive")
	check(c.WebSocket.SendQueue > 0, "websocket.send_queue must be positive")

	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		check(c.Redis.Addr != "", "redis.addr is required when ratelimit.backend is redis")
	default:
		errs = append(errs, fmt.Errorf("ratelimit.backend %q must be memory or redis", c.RateLimit.Backend))
	}
	check(c.RateLimit.Requests > 0, "ratelimit.requests must be positive")
	check(c.RateLimit.Window > 0, "ratelimit.window must be positive")
	check(c.RateLimit.MessagesPerMinute > 0, "ratelimit.messages_per_minute must be positive")

	if c.SMTP.Host != "" {
		check(c.SMTP.Port > 0, "smtp.port must be positive")
		check(c.SMTP.FromEmail != "", "smtp.from_email is required when smtp.host is set")
	}

	check(c.Uploads.Dir != "", "uploads.dir is required")
	check(strings.HasPrefix(c.Uploads.URLPrefix, "/") && strings.HasSuffix(c.Uploads.URLPrefix, "/"),
		"uploads.url_prefix must start and end with /")

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}

	return errors.Join(errs...)
}
