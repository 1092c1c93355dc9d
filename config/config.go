package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvLocal      = "local"
	EnvStandalone = "standalone"
	EnvDev        = "dev"
	EnvProd       = "prod"
)

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// URI returns the libpq connection string understood by the postgres dialect.
func (p PostgresConfig) URI() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

type CacheConfig struct {
	DynamoDBEndpointURL string
	DynamoDBTableName   string
	RedisURL            string
}

type ClamAVConfig struct {
	Host string
	Port int
}

// Address is the clamd network address in the form expected by go-clamd.
func (c ClamAVConfig) Address() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

type RealtimeConfig struct {
	AVLConsumerAPIBaseURL string
	GTFSAPIBaseURL        string
	CAVLConsumerURL       string
	GTFSAPIActive         bool
}

type EmailConfig struct {
	From            string
	FrontendBaseURL string
}

type Config struct {
	ProjectEnv    string
	AWSRegion     string
	FileBucket    string
	S3EndpointURL string
	LogLevel      string
	SentryDSN     string
	SentryEnv     string
	SQSURI        string

	Postgres PostgresConfig
	Cache    CacheConfig
	ClamAV   ClamAVConfig
	Realtime RealtimeConfig
	Email    EmailConfig

	MetricsNamespace    string
	PTIRulesPath        string
	PIIPatterns         []string
	SuccessStatus       string
	TargetFunctionNames []string
	HandlerName         string
	RegionCacheTTL      time.Duration
}

// IsLocal reports whether mock endpoints and table creation are allowed.
func (c *Config) IsLocal() bool {
	return c.ProjectEnv == EnvLocal || c.ProjectEnv == EnvStandalone
}

// Load reads the process environment. In local and standalone mode a .env file
// in the working directory is loaded first; missing files are not an error.
func Load() (*Config, error) {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("PROJECT_ENV")))
	if env == "" {
		env = EnvLocal
	}
	if env == EnvLocal || env == EnvStandalone {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("unable to load .env: %w", err)
		}
	}

	switch env {
	case EnvLocal, EnvStandalone, EnvDev, EnvProd:
	default:
		return nil, fmt.Errorf("invalid PROJECT_ENV %q", env)
	}

	cfg := &Config{
		ProjectEnv:    env,
		AWSRegion:     String("AWS_REGION", "eu-west-2"),
		FileBucket:    String("FILE_BUCKET", ""),
		S3EndpointURL: String("S3_ENDPOINT_URL", "http://localhost:4566"),
		LogLevel:      String("LOG_LEVEL", "info"),
		SentryDSN:     String("SENTRY_DSN", ""),
		SentryEnv:     String("SENTRY_ENV", env),
		SQSURI:        String("SQS_URI", ""),
		Postgres: PostgresConfig{
			Host:     String("POSTGRES_HOST", "localhost"),
			Port:     Int("POSTGRES_PORT", 5432),
			User:     String("POSTGRES_USER", "postgres"),
			Password: String("POSTGRES_PASSWORD", ""),
			DBName:   String("POSTGRES_DB", "bodds"),
			SSLMode:  String("POSTGRES_SSLMODE", "disable"),
		},
		Cache: CacheConfig{
			DynamoDBEndpointURL: String("DYNAMODB_ENDPOINT_URL", ""),
			DynamoDBTableName:   String("DYNAMODB_TABLE_NAME", ""),
			RedisURL:            String("REDIS_URL", ""),
		},
		ClamAV: ClamAVConfig{
			Host: String("CLAMAV_HOST", "localhost"),
			Port: Int("CLAMAV_PORT", 3310),
		},
		Realtime: RealtimeConfig{
			AVLConsumerAPIBaseURL: String("AVL_CONSUMER_API_BASE_URL", ""),
			GTFSAPIBaseURL:        String("GTFS_API_BASE_URL", ""),
			CAVLConsumerURL:       String("CAVL_CONSUMER_URL", ""),
			GTFSAPIActive:         Bool("GTFS_API_ACTIVE", false),
		},
		Email: EmailConfig{
			From:            String("EMAIL_FROM", "no-reply@bus-data.dft.gov.uk"),
			FrontendBaseURL: String("FRONTEND_BASE_URL", "https://publish.bus-data.dft.gov.uk"),
		},
		MetricsNamespace:    String("METRICS_NAMESPACE", ""),
		PTIRulesPath:        String("PTI_RULES_PATH", ""),
		PIIPatterns:         List("PII_PATTERNS"),
		SuccessStatus:       String("SUCCESS_STATUS", "success"),
		TargetFunctionNames: List("TARGET_FUNCTION_NAMES"),
		HandlerName:         String("HANDLER_NAME", ""),
		RegionCacheTTL:      2 * time.Hour,
	}
	return cfg, nil
}

func String(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func Int(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func Bool(name string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// List splits a comma separated variable, dropping blanks.
func List(name string) []string {
	raw := os.Getenv(name)
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
