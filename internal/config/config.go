// Package config loads chatdesk configuration from an optional YAML file,
// a .env file and environment variables. Environment variables win; a key
// such as kafka.brokers is read from KAFKA_BROKERS.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/real-rm/chatdesk/internal/answer"
	"github.com/real-rm/chatdesk/internal/bot"
	"github.com/real-rm/chatdesk/internal/broker"
	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/events"
	"github.com/real-rm/chatdesk/internal/logging"
	"github.com/real-rm/chatdesk/internal/presence"
	"github.com/real-rm/chatdesk/internal/storage"
)

// Storage drivers
const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
)

// Answer providers
const (
	ProviderNone   = "none"
	ProviderStatic = "static"
	ProviderHTTP   = "http"
)

// MinJWTSecretLength is the shortest accepted signing secret.
const MinJWTSecretLength = 32

// weakSecrets are fragments that mark a secret as a placeholder.
var weakSecrets = []string{"secret", "password", "changeme", "change-me", "replace_with", "placeholder", "test"}

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Answer    AnswerConfig    `mapstructure:"answer"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Handoff   HandoffConfig   `mapstructure:"handoff"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       logging.Config  `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int      `mapstructure:"port"`
	PathPrefix      string   `mapstructure:"path_prefix"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	InstanceID      string   `mapstructure:"instance_id"`
	TrustedProxies  []string `mapstructure:"trusted_proxies"`
	MetricsNetworks []string `mapstructure:"metrics_allowed_networks"` // empty allows every client
}

// WebSocketConfig holds connection limits
type WebSocketConfig struct {
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendQueueSize  int           `mapstructure:"send_queue_size"`
	MaxConnections int           `mapstructure:"max_connections"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
}

// AuthConfig holds credential verification settings
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// DatabaseConfig selects and configures the storage backend
type DatabaseConfig struct {
	Driver         string        `mapstructure:"driver"`
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// RedisConfig enables the cross-instance room bridge when Address is set
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// KafkaConfig enables the handoff audit stream when Brokers is set
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
}

// AnswerConfig selects the bot's answer provider and tunes the bot
type AnswerConfig struct {
	Provider           string         `mapstructure:"provider"`
	Endpoint           string         `mapstructure:"endpoint"`
	APIKey             string         `mapstructure:"api_key"`
	Timeout            time.Duration  `mapstructure:"timeout"`
	MinConfidence      float64        `mapstructure:"min_confidence"`
	EscalationKeywords []string       `mapstructure:"escalation_keywords"`
	UrgentKeywords     []string       `mapstructure:"urgent_keywords"`
	HandoffMessage     string         `mapstructure:"handoff_message"`
	FallbackMessage    string         `mapstructure:"fallback_message"`
	Entries            []answer.Entry `mapstructure:"entries"`
}

// PresenceConfig holds the heartbeat thresholds
type PresenceConfig struct {
	AwayAfter     time.Duration `mapstructure:"away_after"`
	OfflineAfter  time.Duration `mapstructure:"offline_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// HandoffConfig tunes escalation and assignment
type HandoffConfig struct {
	AutoAssign    bool          `mapstructure:"auto_assign"`
	AvgHandleTime time.Duration `mapstructure:"avg_handle_time"`
}

// RateLimitConfig holds per-caller budgets
type RateLimitConfig struct {
	MessageLimit int           `mapstructure:"message_limit"`
	AdminLimit   int           `mapstructure:"admin_limit"`
	Window       time.Duration `mapstructure:"window"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", constants.DefaultPort)
	v.SetDefault("server.path_prefix", constants.DefaultPathPrefix)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.instance_id", "")
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.metrics_allowed_networks", []string{})

	v.SetDefault("websocket.max_message_size", constants.DefaultMaxMessageSize)
	v.SetDefault("websocket.send_queue_size", constants.DefaultSendQueueSize)
	v.SetDefault("websocket.max_connections", constants.DefaultMaxConnections)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.pong_wait", 60*time.Second)
	v.SetDefault("websocket.write_wait", 10*time.Second)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.uri", constants.DefaultMongoURI)
	v.SetDefault("database.database", constants.DefaultDatabase)
	v.SetDefault("database.connect_timeout", constants.DefaultContextTimeout)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", constants.DefaultBrokerChannel)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", constants.DefaultHandoffTopic)
	v.SetDefault("kafka.client_id", "chatdesk")
	v.SetDefault("kafka.username", "")
	v.SetDefault("kafka.password", "")

	botDefaults := bot.DefaultConfig()
	v.SetDefault("answer.provider", ProviderNone)
	v.SetDefault("answer.endpoint", "")
	v.SetDefault("answer.api_key", "")
	v.SetDefault("answer.timeout", constants.AnswerTimeout)
	v.SetDefault("answer.min_confidence", constants.DefaultMinConfidence)
	v.SetDefault("answer.escalation_keywords", botDefaults.EscalationKeywords)
	v.SetDefault("answer.urgent_keywords", botDefaults.UrgentKeywords)
	v.SetDefault("answer.handoff_message", botDefaults.HandoffMessage)
	v.SetDefault("answer.fallback_message", botDefaults.FallbackMessage)

	v.SetDefault("presence.away_after", constants.DefaultAwayAfter)
	v.SetDefault("presence.offline_after", constants.DefaultOfflineAfter)
	v.SetDefault("presence.sweep_interval", constants.DefaultSweepInterval)

	v.SetDefault("handoff.auto_assign", false)
	v.SetDefault("handoff.avg_handle_time", constants.DefaultAvgHandleTime)

	v.SetDefault("ratelimit.message_limit", constants.DefaultRateLimit)
	v.SetDefault("ratelimit.admin_limit", constants.DefaultAdminRateLimit)
	v.SetDefault("ratelimit.window", constants.DefaultRateWindow)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "chatdesk")
}

// Load reads .env (if present), then chatdesk.yaml from configPath, the
// working directory or ./config (if present), then the environment.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()
	return LoadViper(newViper(configPath))
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("chatdesk")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// LoadViper decodes configuration from v after applying defaults.
func LoadViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Server.PathPrefix = strings.TrimRight(cfg.Server.PathPrefix, "/")
	return &cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server port must be between 1 and 65535"))
	}
	if c.Server.PathPrefix != "" && !strings.HasPrefix(c.Server.PathPrefix, "/") {
		errs = append(errs, errors.New("path prefix must start with '/'"))
	}

	if err := validateJWTSecret(c.Auth.JWTSecret); err != nil {
		errs = append(errs, err)
	}

	if c.WebSocket.SendQueueSize <= 0 {
		errs = append(errs, errors.New("websocket send queue size must be positive"))
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("websocket max message size must be positive"))
	}
	if c.WebSocket.MaxConnections <= 0 {
		errs = append(errs, errors.New("websocket max connections must be positive"))
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		errs = append(errs, errors.New("websocket pong wait must exceed a positive ping interval"))
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverMongo:
		if c.Database.URI == "" {
			errs = append(errs, errors.New("database URI is required"))
		}
		if c.Database.Database == "" {
			errs = append(errs, errors.New("database name is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("database driver must be %s or %s, got %q", DriverMemory, DriverMongo, c.Database.Driver))
	}

	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}

	switch c.Answer.Provider {
	case ProviderNone, ProviderStatic:
	case ProviderHTTP:
		if u, err := url.Parse(c.Answer.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("answer endpoint must be an http(s) URL, got %q", c.Answer.Endpoint))
		}
	default:
		errs = append(errs, fmt.Errorf("answer provider must be %s, %s or %s, got %q", ProviderNone, ProviderStatic, ProviderHTTP, c.Answer.Provider))
	}
	if c.Answer.MinConfidence < 0 || c.Answer.MinConfidence > 1 {
		errs = append(errs, errors.New("answer min confidence must be between 0 and 1"))
	}

	if c.Presence.AwayAfter <= 0 || c.Presence.OfflineAfter <= c.Presence.AwayAfter {
		errs = append(errs, errors.New("presence offline threshold must exceed a positive away threshold"))
	}
	if c.Presence.SweepInterval <= 0 {
		errs = append(errs, errors.New("presence sweep interval must be positive"))
	}

	if c.RateLimit.MessageLimit <= 0 || c.RateLimit.AdminLimit <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

func validateJWTSecret(secret string) error {
	if secret == "" {
		return errors.New("JWT secret is required")
	}
	if len(secret) < MinJWTSecretLength {
		return fmt.Errorf("JWT secret must be at least %d characters (got %d). "+
			"Generate a strong secret with: openssl rand -base64 32", MinJWTSecretLength, len(secret))
	}
	lower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if strings.Contains(lower, weak) {
			return fmt.Errorf("JWT secret appears to be weak (contains '%s'). "+
				"Use a cryptographically random secret generated with: openssl rand -base64 32", weak)
		}
	}
	return nil
}

// Enabled reports whether the Redis bridge should run.
func (r RedisConfig) Enabled() bool { return r.Address != "" }

// Enabled reports whether handoff events go to Kafka.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// Mongo returns the MongoDB settings.
func (d DatabaseConfig) Mongo() storage.MongoConfig {
	return storage.MongoConfig{URI: d.URI, Database: d.Database}
}

// Bridge returns the Redis bridge settings.
func (r RedisConfig) Bridge() broker.RedisConfig {
	return broker.RedisConfig{Address: r.Address, Password: r.Password, DB: r.DB, Channel: r.Channel}
}

// Sink returns the Kafka sink settings.
func (k KafkaConfig) Sink() events.KafkaConfig {
	return events.KafkaConfig{Brokers: k.Brokers, Topic: k.Topic, ClientID: k.ClientID, Username: k.Username, Password: k.Password}
}

// HTTP returns the HTTP answer provider settings.
func (a AnswerConfig) HTTP() answer.HTTPConfig {
	return answer.HTTPConfig{Endpoint: a.Endpoint, APIKey: a.APIKey, Timeout: a.Timeout}
}

// Bot returns the bot responder settings.
func (a AnswerConfig) Bot() bot.Config {
	return bot.Config{
		EscalationKeywords: a.EscalationKeywords,
		UrgentKeywords:     a.UrgentKeywords,
		MinConfidence:      a.MinConfidence,
		HandoffMessage:     a.HandoffMessage,
		FallbackMessage:    a.FallbackMessage,
	}
}

// Tracker returns the presence tracker settings.
func (p PresenceConfig) Tracker() presence.Config {
	return presence.Config{AwayAfter: p.AwayAfter, OfflineAfter: p.OfflineAfter, SweepInterval: p.SweepInterval}
}
