package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          string
	Environment   string
	LogFilePath   string
	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string
	JWTSecret     string
	EncryptionKey string
	CorsOrigins   []string
	Gateway       GatewayConfig
	Trim          TrimConfig
	Workers       int
	TokenCacheTTL time.Duration
}

// GatewayConfig describes the LLM completion gateway.
type GatewayConfig struct {
	BaseURL        string
	ResidentModel  string
	HelperModel    string
	EvaluatorModel string
	Timeout        time.Duration
	GradingTimeout time.Duration
	SignInTimeout  time.Duration
}

// TrimConfig bounds the transcript sent for a conversational turn.
// An exchange is one user message plus one reply.
type TrimConfig struct {
	MaxExchanges       int
	FallbackExchanges  int
	TokenWarnThreshold int
	TokenCeiling       int
}

func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Environment:   getEnv("GO_ENV", "development"),
		LogFilePath:   getEnv("LOG_FILE_PATH", "logs/caresim.log"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", ""),
		DBName:        getEnv("DB_NAME", "caresim"),
		DBSSLMode:     getEnv("DB_SSLMODE", "disable"),
		JWTSecret:     getEnv("JWT_SECRET", "default-secret"),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		CorsOrigins:   splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173")),
		Gateway: GatewayConfig{
			BaseURL:        strings.TrimRight(getEnv("GATEWAY_BASE_URL", "http://localhost:8080/api"), "/"),
			ResidentModel:  getEnv("GATEWAY_RESIDENT_MODEL", "slc-resident"),
			HelperModel:    getEnv("GATEWAY_HELPER_MODEL", "slc-conversation-helper"),
			EvaluatorModel: getEnv("GATEWAY_EVALUATOR_MODEL", "slc-tutor-evaluator"),
			Timeout:        getEnvDuration("GATEWAY_TIMEOUT", 180*time.Second),
			GradingTimeout: getEnvDuration("GATEWAY_GRADING_TIMEOUT", 300*time.Second),
			SignInTimeout:  getEnvDuration("GATEWAY_SIGNIN_TIMEOUT", 30*time.Second),
		},
		Trim: TrimConfig{
			MaxExchanges:       getEnvInt("MAX_CONVERSATION_EXCHANGES", 6),
			FallbackExchanges:  getEnvInt("FALLBACK_CONVERSATION_EXCHANGES", 4),
			TokenWarnThreshold: getEnvInt("TOKEN_WARN_THRESHOLD", 4000),
			TokenCeiling:       getEnvInt("TOKEN_CEILING", 6000),
		},
		Workers:       getEnvInt("WORKER_CONCURRENCY", 8),
		TokenCacheTTL: getEnvDuration("TOKEN_CACHE_TTL", 10*time.Minute),
	}
}

// DefaultTrim is the trimming policy used when none is configured.
func DefaultTrim() TrimConfig {
	return TrimConfig{MaxExchanges: 6, FallbackExchanges: 4, TokenWarnThreshold: 4000, TokenCeiling: 6000}
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("GATEWAY_BASE_URL cannot be empty")
	}
	if c.Gateway.Timeout <= 0 || c.Gateway.GradingTimeout <= 0 || c.Gateway.SignInTimeout <= 0 {
		return fmt.Errorf("gateway timeouts must be > 0")
	}
	if c.Trim.MaxExchanges <= 0 || c.Trim.FallbackExchanges <= 0 {
		return fmt.Errorf("conversation exchange limits must be > 0")
	}
	if c.Trim.FallbackExchanges > c.Trim.MaxExchanges {
		return fmt.Errorf("FALLBACK_CONVERSATION_EXCHANGES must not exceed MAX_CONVERSATION_EXCHANGES")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be > 0")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
