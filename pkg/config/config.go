package config

import (
	"os"
	"strconv"
)

// Config holds process-wide server configuration, loaded once at startup
// from the environment per 12-factor convention.
type Config struct {
	Port         string
	LogLevel     string
	StorageDSN   string
	StorageDrive string // "sqlite" or "postgres"
	RedisAddr    string
	JWTSigningKey string
	SchemaPath   string

	RateLimitPerMinute int
	RateLimitBurst     int

	DryRunMode bool
}

// Load reads configuration from environment variables, falling back to
// development-friendly defaults when unset.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	storageDrive := os.Getenv("STORAGE_DRIVER")
	if storageDrive == "" {
		storageDrive = "sqlite"
	}

	storageDSN := os.Getenv("STORAGE_DSN")
	if storageDSN == "" {
		switch storageDrive {
		case "postgres":
			storageDSN = "postgres://incidentd@localhost:5432/incidentd?sslmode=disable"
		default:
			storageDSN = "file:incidentd.db?cache=shared"
		}
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	schemaPath := os.Getenv("OUTPUT_SCHEMA_PATH")
	if schemaPath == "" {
		schemaPath = "./schemas/analysis_output.schema.json"
	}

	rpm, err := strconv.Atoi(os.Getenv("RATE_LIMIT_PER_MINUTE"))
	if err != nil || rpm <= 0 {
		rpm = 60
	}
	burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if err != nil || burst <= 0 {
		burst = 10
	}

	dryRun := os.Getenv("DRY_RUN_MODE") == "true"

	return &Config{
		Port:               port,
		LogLevel:           logLevel,
		StorageDSN:         storageDSN,
		StorageDrive:       storageDrive,
		RedisAddr:          redisAddr,
		JWTSigningKey:      os.Getenv("JWT_SIGNING_KEY"),
		SchemaPath:         schemaPath,
		RateLimitPerMinute: rpm,
		RateLimitBurst:     burst,
		DryRunMode:         dryRun,
	}
}
