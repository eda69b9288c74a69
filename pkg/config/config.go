package config

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	CORS       CORSConfig
	Log        LogConfig
	Session    SessionConfig
	RoleEngine RoleEngineConfig
	RateLimit  RateLimitConfig
	Escalation EscalationConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// SessionConfig carries the signing secret used to verify session tokens
// attached to role requests.
type SessionConfig struct {
	Secret         string
	MinTokenLength int
}

// RoleEngineConfig governs the role request lifecycle and temporary roles.
type RoleEngineConfig struct {
	RequestExpirationDays int
	MaxTemporaryRoleDays  int
	AutoApproveRoles      []string
	RequireApprovalRoles  []string
	PreserveOriginalRole  bool
	DefaultRevertRole     string
	NotifyOnExpiration    bool
	SweepInterval         time.Duration
	PermissionCacheTTL    time.Duration
}

// RateLimitConfig carries the sliding-window quotas for role requests.
// Windows are derived by counting an append-only request log, so every value
// here is policy rather than storage shape.
type RateLimitConfig struct {
	UserPerHour        int
	UserPerDay         int
	UserPerWeek        int
	IPPerHour          int
	IPPerDay           int
	InstitutionPerHour int
	InstitutionPerDay  int
	BurstLimit         int
	BurstWindow        time.Duration
	RoleDailyLimits    map[string]int
	RoleCooldownHours  map[string]int
}

// EscalationConfig exposes the risk thresholds of the escalation prevention
// service. The defaults mirror long-standing policy but are tunable.
type EscalationConfig struct {
	BlockRiskThreshold    int
	ApprovalRiskThreshold int
	PatternRiskThreshold  int
	TimePatternThreshold  int
	IPPatternThreshold    int
	BehaviorThreshold     int
	CrossInstThreshold    int
	OffHoursStart         int
	OffHoursEnd           int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Session = SessionConfig{
		Secret:         v.GetString("SESSION_SECRET"),
		MinTokenLength: v.GetInt("SESSION_MIN_TOKEN_LENGTH"),
	}

	cfg.RoleEngine = RoleEngineConfig{
		RequestExpirationDays: v.GetInt("ROLE_REQUEST_EXPIRATION_DAYS"),
		MaxTemporaryRoleDays:  v.GetInt("ROLE_MAX_TEMPORARY_DAYS"),
		AutoApproveRoles:      splitAndTrim(v.GetString("ROLE_AUTO_APPROVE")),
		RequireApprovalRoles:  splitAndTrim(v.GetString("ROLE_REQUIRE_APPROVAL")),
		PreserveOriginalRole:  v.GetBool("ROLE_PRESERVE_ORIGINAL"),
		DefaultRevertRole:     v.GetString("ROLE_DEFAULT_REVERT"),
		NotifyOnExpiration:    v.GetBool("ROLE_NOTIFY_ON_EXPIRATION"),
		SweepInterval:         parseDuration(v.GetString("ROLE_SWEEP_INTERVAL"), time.Hour),
		PermissionCacheTTL:    parseDuration(v.GetString("PERMISSION_CACHE_TTL"), 5*time.Minute),
	}

	cfg.RateLimit = RateLimitConfig{
		UserPerHour:        v.GetInt("RATE_LIMIT_USER_HOUR"),
		UserPerDay:         v.GetInt("RATE_LIMIT_USER_DAY"),
		UserPerWeek:        v.GetInt("RATE_LIMIT_USER_WEEK"),
		IPPerHour:          v.GetInt("RATE_LIMIT_IP_HOUR"),
		IPPerDay:           v.GetInt("RATE_LIMIT_IP_DAY"),
		InstitutionPerHour: v.GetInt("RATE_LIMIT_INSTITUTION_HOUR"),
		InstitutionPerDay:  v.GetInt("RATE_LIMIT_INSTITUTION_DAY"),
		BurstLimit:         v.GetInt("RATE_LIMIT_BURST_LIMIT"),
		BurstWindow:        parseDuration(v.GetString("RATE_LIMIT_BURST_WINDOW"), 5*time.Minute),
		RoleDailyLimits:    parseRoleCounts(v.GetString("RATE_LIMIT_ROLE_DAILY")),
		RoleCooldownHours:  parseRoleCounts(v.GetString("RATE_LIMIT_ROLE_COOLDOWN_HOURS")),
	}

	cfg.Escalation = EscalationConfig{
		BlockRiskThreshold:    v.GetInt("ESCALATION_BLOCK_RISK"),
		ApprovalRiskThreshold: v.GetInt("ESCALATION_APPROVAL_RISK"),
		PatternRiskThreshold:  v.GetInt("ESCALATION_PATTERN_RISK"),
		TimePatternThreshold:  v.GetInt("ESCALATION_TIME_PATTERN_RISK"),
		IPPatternThreshold:    v.GetInt("ESCALATION_IP_PATTERN_RISK"),
		BehaviorThreshold:     v.GetInt("ESCALATION_BEHAVIOR_RISK"),
		CrossInstThreshold:    v.GetInt("ESCALATION_CROSS_INSTITUTION_RISK"),
		OffHoursStart:         v.GetInt("ESCALATION_OFF_HOURS_START"),
		OffHoursEnd:           v.GetInt("ESCALATION_OFF_HOURS_END"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "campus_roles")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("SESSION_SECRET", "dev_session_secret")
	v.SetDefault("SESSION_MIN_TOKEN_LENGTH", 16)

	v.SetDefault("ROLE_REQUEST_EXPIRATION_DAYS", 7)
	v.SetDefault("ROLE_MAX_TEMPORARY_DAYS", 30)
	v.SetDefault("ROLE_AUTO_APPROVE", "STUDENT")
	v.SetDefault("ROLE_REQUIRE_APPROVAL", "TEACHER,DEPARTMENT_ADMIN,INSTITUTION_ADMIN,SYSTEM_ADMIN")
	v.SetDefault("ROLE_PRESERVE_ORIGINAL", true)
	v.SetDefault("ROLE_DEFAULT_REVERT", "STUDENT")
	v.SetDefault("ROLE_NOTIFY_ON_EXPIRATION", true)
	v.SetDefault("ROLE_SWEEP_INTERVAL", "1h")
	v.SetDefault("PERMISSION_CACHE_TTL", "5m")

	v.SetDefault("RATE_LIMIT_USER_HOUR", 5)
	v.SetDefault("RATE_LIMIT_USER_DAY", 10)
	v.SetDefault("RATE_LIMIT_USER_WEEK", 20)
	v.SetDefault("RATE_LIMIT_IP_HOUR", 20)
	v.SetDefault("RATE_LIMIT_IP_DAY", 50)
	v.SetDefault("RATE_LIMIT_INSTITUTION_HOUR", 100)
	v.SetDefault("RATE_LIMIT_INSTITUTION_DAY", 500)
	v.SetDefault("RATE_LIMIT_BURST_LIMIT", 3)
	v.SetDefault("RATE_LIMIT_BURST_WINDOW", "5m")
	v.SetDefault("RATE_LIMIT_ROLE_DAILY", "STUDENT:2,TEACHER:3,DEPARTMENT_ADMIN:1,INSTITUTION_ADMIN:1,SYSTEM_ADMIN:1")
	v.SetDefault("RATE_LIMIT_ROLE_COOLDOWN_HOURS", "STUDENT:1,TEACHER:2,DEPARTMENT_ADMIN:24,INSTITUTION_ADMIN:72,SYSTEM_ADMIN:168")

	v.SetDefault("ESCALATION_BLOCK_RISK", 70)
	v.SetDefault("ESCALATION_APPROVAL_RISK", 50)
	v.SetDefault("ESCALATION_PATTERN_RISK", 80)
	v.SetDefault("ESCALATION_TIME_PATTERN_RISK", 30)
	v.SetDefault("ESCALATION_IP_PATTERN_RISK", 40)
	v.SetDefault("ESCALATION_BEHAVIOR_RISK", 35)
	v.SetDefault("ESCALATION_CROSS_INSTITUTION_RISK", 30)
	v.SetDefault("ESCALATION_OFF_HOURS_START", 22)
	v.SetDefault("ESCALATION_OFF_HOURS_END", 6)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// parseRoleCounts parses "ROLE:count" comma lists, e.g. "STUDENT:2,TEACHER:3".
func parseRoleCounts(raw string) map[string]int {
	result := make(map[string]int)
	for _, pair := range splitAndTrim(raw) {
		key, value, found := strings.Cut(pair, ":")
		if !found {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		result[strings.ToUpper(strings.TrimSpace(key))] = n
	}
	return result
}
