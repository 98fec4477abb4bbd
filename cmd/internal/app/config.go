package app

import (
	"time"

	"neighborly/cmd/internal/chat"
)

// Config contains all runtime configuration loaded from environment variables.
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
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisAddr enables the Redis-backed notification dedup cache when set.
	// Empty keeps the single-process in-memory cache.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Identity policy:
	// If true, NBR_IDENTITY_HMAC_KEY MUST be set (>= 32 bytes); the dev
	// pass-through verifier is refused.
	RequireIdentityHMAC bool

	Chat chat.Policy
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("NBR_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("NBR_LOG_LEVEL", "info"),
		LogFormat: EnvString("NBR_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("NBR_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("NBR_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("NBR_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("NBR_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("NBR_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("NBR_DATABASE_URL", ""),
		DBSchema:    EnvString("NBR_DB_SCHEMA", "neighborly"),
		DBMaxConns:  EnvInt32("NBR_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("NBR_DB_MIN_CONNS", 0),

		RedisAddr:     EnvString("NBR_REDIS_ADDR", ""),
		RedisPassword: EnvString("NBR_REDIS_PASSWORD", ""),
		RedisDB:       EnvIntNonNeg("NBR_REDIS_DB", 0),

		ReadinessRequireDB: EnvBool("NBR_READINESS_REQUIRE_DB", false),

		RequireIdentityHMAC: EnvBool("NBR_REQUIRE_IDENTITY_HMAC", false),

		Chat: LoadChatPolicy(),
	}
}

// LoadChatPolicy loads the chat feature policy from environment variables.
// Defaults match chat.DefaultPolicy.
func LoadChatPolicy() chat.Policy {
	def := chat.DefaultPolicy()
	return chat.Policy{
		EventChatEnabled:       EnvBool("NBR_CHAT_EVENT_ENABLED", def.EventChatEnabled),
		CommunityChatEnabled:   EnvBool("NBR_CHAT_COMMUNITY_ENABLED", def.CommunityChatEnabled),
		ModerateEventRooms:     EnvBool("NBR_CHAT_MODERATE_EVENT", def.ModerateEventRooms),
		ModerateCommunityRooms: EnvBool("NBR_CHAT_MODERATE_COMMUNITY", def.ModerateCommunityRooms),
		MaxMessageChars:        EnvInt("NBR_CHAT_MAX_MESSAGE_CHARS", def.MaxMessageChars),
	}
}
