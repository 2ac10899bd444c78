package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server struct {
		Port     string
		GRPCPort string
		Env      string
		Timeout  time.Duration
	}

	// Database configuration
	Database struct {
		Driver   string
		DSN      string
		Host     string
		Port     string
		User     string
		Password string
		Name     string
		SSLMode  string
		MaxConns int
		Timeout  time.Duration
		Retries  int
	}

	// Redis configuration, used by the redis bus driver
	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	// Bus configuration
	Bus struct {
		Driver         string
		Brokers        []string
		GroupID        string
		Partitions     int
		ConsumeTimeout time.Duration
		StreamMaxLen   int64
		PublishTimeout time.Duration
		Topics         Topics
	}

	// Engine configuration
	Engine struct {
		MaxSteps          int
		DefaultBotTimeout time.Duration
		BotCacheTTL       time.Duration
		ErrorReply        string
	}

	// Correlation token configuration
	Correlation struct {
		TokenTTL      time.Duration
		Retention     time.Duration
		SweepInterval time.Duration
	}

	// Security configuration
	Security struct {
		ConnectorSecret string
		RateLimit       float64
		RateLimitBurst  int
		AllowedOrigins  []string
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}

	// Observability configuration
	Observability struct {
		ServiceName    string
		TracingEnabled bool
	}

	// Vault configuration
	Vault struct {
		Enabled     bool
		Address     string
		Token       string
		Namespace   string
		SecretsPath string
	}

	// Feature flags
	Features struct {
		EnableWebSocketChannel bool
		EnableHTTPIngest       bool
		EnableGRPCHealth       bool
	}
}

// Topics names every bus topic the orchestrator touches
type Topics struct {
	ChannelInbound  string
	ChannelOutbound string
	RAGRequest      string
	RAGCallback     string
	PluginRequest   string
	PluginCallback  string
}

var (
	instance *Config
	once     sync.Once
)

// New creates a new Config instance with values from environment variables
// Uses singleton pattern to ensure only one instance exists
func New() *Config {
	once.Do(func() {
		// Load .env file if exists
		_ = godotenv.Load()
		instance = Load()
	})

	return instance
}

// Get returns the singleton Config instance
func Get() *Config {
	if instance == nil {
		return New()
	}
	return instance
}

// Load reads a fresh Config from the environment without touching the singleton
func Load() *Config {
	cfg := &Config{}

	// Server config
	cfg.Server.Port = getEnvString("PORT", "8081")
	cfg.Server.GRPCPort = getEnvString("GRPC_PORT", "9094")
	cfg.Server.Env = getEnvString("APP_ENV", "development")
	cfg.Server.Timeout = getEnvDuration("SERVER_TIMEOUT", 30*time.Second)

	// Database config
	cfg.Database.Driver = getEnvString("DB_DRIVER", "postgres")
	cfg.Database.DSN = getEnvString("DATABASE_DSN", "")
	cfg.Database.Host = getEnvString("DB_HOST", "localhost")
	cfg.Database.Port = getEnvString("DB_PORT", "5432")
	cfg.Database.User = getEnvString("DB_USER", "postgres")
	cfg.Database.Password = getEnvString("DB_PASSWORD", "postgres")
	cfg.Database.Name = getEnvString("DB_NAME", "orchestrator")
	cfg.Database.SSLMode = getEnvString("DB_SSL_MODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.Timeout = getEnvDuration("DB_TIMEOUT", 5*time.Second)
	cfg.Database.Retries = getEnvInt("DB_CONNECT_RETRIES", 5)

	// Redis config
	cfg.Redis.Addr = getEnvString("REDIS_URL", "localhost:6379")
	cfg.Redis.Password = getEnvString("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	// Bus config
	cfg.Bus.Driver = getEnvString("BUS_DRIVER", "kafka")
	cfg.Bus.Brokers = getEnvStringSlice("KAFKA_BROKER", []string{"localhost:9092"})
	cfg.Bus.GroupID = getEnvString("BUS_GROUP_ID", "flow")
	cfg.Bus.Partitions = getEnvInt("BUS_PARTITIONS", 4)
	cfg.Bus.ConsumeTimeout = getEnvDuration("BUS_CONSUME_TIMEOUT", time.Second)
	cfg.Bus.StreamMaxLen = getEnvInt64("BUS_STREAM_MAX_LEN", 100000)
	cfg.Bus.PublishTimeout = getEnvDuration("BUS_PUBLISH_TIMEOUT", 5*time.Second)
	cfg.Bus.Topics = Topics{
		ChannelInbound:  getEnvString("KAFKA_CHANNEL_INBOUND_TOPIC", "flow.channel.inbound"),
		ChannelOutbound: getEnvString("KAFKA_CHANNEL_OUTBOUND_TOPIC", "flow.channel.outbound"),
		RAGRequest:      getEnvString("KAFKA_RAG_TOPIC", "flow.rag.request"),
		RAGCallback:     getEnvString("KAFKA_RAG_CALLBACK_TOPIC", "flow.rag.callback"),
		PluginRequest:   getEnvString("KAFKA_PLUGIN_TOPIC", "flow.plugin.request"),
		PluginCallback:  getEnvString("KAFKA_PLUGIN_CALLBACK_TOPIC", "flow.plugin.callback"),
	}

	// Engine config
	cfg.Engine.MaxSteps = getEnvInt("ENGINE_MAX_STEPS", 32)
	cfg.Engine.DefaultBotTimeout = getEnvDuration("DEFAULT_BOT_TIMEOUT", 24*time.Hour)
	cfg.Engine.BotCacheTTL = getEnvDuration("BOT_CACHE_TTL", 30*time.Second)
	cfg.Engine.ErrorReply = getEnvString("ENGINE_ERROR_REPLY", "Sorry, something went wrong. Please try again.")

	// Correlation config
	cfg.Correlation.TokenTTL = getEnvDuration("CORRELATION_TOKEN_TTL", 7*24*time.Hour)
	cfg.Correlation.Retention = getEnvDuration("CORRELATION_RETENTION", 30*24*time.Hour)
	cfg.Correlation.SweepInterval = getEnvDuration("CORRELATION_SWEEP_INTERVAL", time.Hour)

	// Security config
	cfg.Security.ConnectorSecret = getEnvString("CONNECTOR_JWT_SECRET", "")
	cfg.Security.RateLimit = float64(getEnvInt("RATE_LIMIT", 20))
	cfg.Security.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 40)
	cfg.Security.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"})

	// Logging config
	cfg.Logging.Level = getEnvString("LOG_LEVEL", "info")
	cfg.Logging.Format = getEnvString("LOG_FORMAT", "json")

	// Observability config
	cfg.Observability.ServiceName = getEnvString("OTEL_SERVICE_NAME", "flow-orchestrator")
	cfg.Observability.TracingEnabled = getEnvBool("TRACING_ENABLED", false)

	// Vault config
	cfg.Vault.Enabled = getEnvBool("VAULT_ENABLED", false)
	cfg.Vault.Address = getEnvString("VAULT_ADDR", "")
	cfg.Vault.Token = getEnvString("VAULT_TOKEN", "")
	cfg.Vault.Namespace = getEnvString("VAULT_NAMESPACE", "")
	cfg.Vault.SecretsPath = getEnvString("VAULT_SECRETS_PATH", "flow-orchestrator")

	// Feature flags
	cfg.Features.EnableWebSocketChannel = getEnvBool("ENABLE_WEBSOCKET_CHANNEL", true)
	cfg.Features.EnableHTTPIngest = getEnvBool("ENABLE_HTTP_INGEST", true)
	cfg.Features.EnableGRPCHealth = getEnvBool("ENABLE_GRPC_HEALTH", true)

	return cfg
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
