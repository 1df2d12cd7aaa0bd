package app

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/luce-labs/meerkat/cmd/internal/cluster"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	// Connection manager.
	HeartbeatInterval  time.Duration
	PresenceTimeout    time.Duration
	SendQueueSize      int
	WriteTimeout       time.Duration
	MaxMessageBytes    int64
	AllowedOrigins     []string
	OriginRequired     bool
	PresenceRateEvents int
	PresenceRateWindow time.Duration

	// GC is the merge engine garbage collection flag for new documents.
	GC bool

	// Persistence is a target understood by persistence.ParseTarget. Empty disables it.
	Persistence        string
	PersistenceTimeout time.Duration
	DBSchema           string
	DBMaxConns         int32
	DBMinConns         int32

	// Notification webhook. Empty CallbackURL disables it.
	CallbackURL     string
	CallbackTimeout time.Duration
	CallbackWait    time.Duration
	CallbackMaxWait time.Duration
	CallbackObjects string

	// Cross-instance relay. Empty ClusterRedisURL disables it.
	ClusterRedisURL string
	ClusterChannel  string

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  listenAddr(),
		LogLevel:  EnvString("MEERKAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("MEERKAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("MEERKAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("MEERKAT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("MEERKAT_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("MEERKAT_SHUTDOWN_TIMEOUT", 30*time.Second),

		HeartbeatInterval:  EnvDuration("MEERKAT_HEARTBEAT_INTERVAL", 30*time.Second),
		PresenceTimeout:    EnvDuration("MEERKAT_PRESENCE_TIMEOUT", 30*time.Second),
		SendQueueSize:      EnvInt("MEERKAT_WS_SEND_QUEUE", 256),
		WriteTimeout:       EnvDuration("MEERKAT_WS_WRITE_TIMEOUT", 5*time.Second),
		MaxMessageBytes:    EnvInt64("MEERKAT_WS_MAX_MESSAGE_BYTES", 16<<20),
		AllowedOrigins:     EnvCSV("MEERKAT_WS_ALLOWED_ORIGINS", "*"),
		OriginRequired:     EnvBool("MEERKAT_WS_ORIGIN_REQUIRED", false),
		PresenceRateEvents: EnvInt("MEERKAT_PRESENCE_RATE_EVENTS", 300),
		PresenceRateWindow: EnvDuration("MEERKAT_PRESENCE_RATE_WINDOW", 10*time.Second),

		GC: EnvBool(envKey("MEERKAT_GC", "GC"), true),

		Persistence:        EnvString(envKey("MEERKAT_PERSISTENCE", "YPERSISTENCE"), ""),
		PersistenceTimeout: EnvDuration("MEERKAT_PERSISTENCE_TIMEOUT", 10*time.Second),
		DBSchema:           EnvString("MEERKAT_DB_SCHEMA", "meerkat"),
		DBMaxConns:         EnvInt32("MEERKAT_DB_MAX_CONNS", 10),
		DBMinConns:         EnvInt32("MEERKAT_DB_MIN_CONNS", 0),

		CallbackURL:     EnvString(envKey("MEERKAT_CALLBACK_URL", "CALLBACK_URL"), ""),
		CallbackTimeout: EnvDurationMillis(envKey("MEERKAT_CALLBACK_TIMEOUT", "CALLBACK_TIMEOUT"), 5*time.Second),
		CallbackWait:    EnvDurationMillis(envKey("MEERKAT_CALLBACK_DEBOUNCE_WAIT", "CALLBACK_DEBOUNCE_WAIT"), 2*time.Second),
		CallbackMaxWait: EnvDurationMillis(envKey("MEERKAT_CALLBACK_DEBOUNCE_MAXWAIT", "CALLBACK_DEBOUNCE_MAXWAIT"), 10*time.Second),
		CallbackObjects: EnvString(envKey("MEERKAT_CALLBACK_OBJECTS", "CALLBACK_OBJECTS"), "{}"),

		ClusterRedisURL: EnvString("MEERKAT_CLUSTER_REDIS_URL", ""),
		ClusterChannel:  EnvString("MEERKAT_CLUSTER_CHANNEL", cluster.DefaultChannel),

		MetricsEnabled: EnvBool("MEERKAT_METRICS", true),
	}
}

// listenAddr prefers MEERKAT_HTTP_ADDR and falls back to the legacy HOST and PORT pair.
func listenAddr() string {
	if v := EnvString("MEERKAT_HTTP_ADDR", ""); v != "" {
		return v
	}
	host := strings.TrimSpace(os.Getenv("HOST"))
	port := strings.TrimSpace(os.Getenv("PORT"))
	if host == "" && port == "" {
		return "0.0.0.0:8080"
	}
	if host == "" {
		host = "0.0.0.0"
	}
	if port == "" {
		port = "8080"
	}
	return net.JoinHostPort(host, port)
}
