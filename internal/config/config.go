package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

type Config struct {
	// HTTP
	HTTPPort string
	LogLevel string

	// TimescaleDB
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Alert sources
	PollURL      string
	PollSchedule string
	PushURL      string
	PushAPIKey   string

	// Geofence sources: "http" or "postgres"
	GeofenceSource      string
	GeofencePolygonsURL string
	GeofenceRoutesURL   string

	// Correlation
	CaseTimezone  string
	LoadBatchSize int

	// Route proximity policies
	RouteAlertRadiusM    float64
	RouteTrackingRadiusM float64
	RouteStrategy        string

	// Pipeline channels
	JournalChannelSize int
	StateChannelSize   int

	// Batch writer tuning
	JournalBatchSize       int
	JournalFlushIntervalMS int

	// Worker counts
	JournalWriterWorkers int
	StateWriterWorkers   int

	// Auth
	AuthCacheTTLSeconds int
	ValidAPIKeys        []string
}

func Load() *Config {
	return &Config{
		HTTPPort:               getEnv("HTTP_PORT", "8002"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		DBHost:                 getEnv("DB_HOST", "localhost"),
		DBPort:                 getEnv("DB_PORT", "5432"),
		DBUser:                 getEnv("DB_USER", "fleet_user"),
		DBPassword:             getEnv("DB_PASSWORD", "fleet_password"),
		DBName:                 getEnv("DB_NAME", "fleet_monitor"),
		DBMaxConns:             int32(getEnvInt("DB_MAX_CONNS", 10)),
		RedisAddr:              getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:          getEnv("REDIS_PASSWORD", ""),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		PollURL:                getEnv("POLL_URL", "http://localhost:8080/api/alertas"),
		PollSchedule:           getEnv("POLL_SCHEDULE", "@every 15s"),
		PushURL:                getEnv("PUSH_URL", ""),
		PushAPIKey:             getEnv("PUSH_API_KEY", ""),
		GeofenceSource:         getEnv("GEOFENCE_SOURCE", "http"),
		GeofencePolygonsURL:    getEnv("GEOFENCE_POLYGONS_URL", "http://localhost:8080/api/geocercas"),
		GeofenceRoutesURL:      getEnv("GEOFENCE_ROUTES_URL", "http://localhost:8080/api/rutas"),
		CaseTimezone:           getEnv("CASE_TIMEZONE", "America/Mexico_City"),
		LoadBatchSize:          getEnvInt("LOAD_BATCH_SIZE", 50),
		RouteAlertRadiusM:      getEnvFloat("ROUTE_ALERT_RADIUS_M", 100),
		RouteTrackingRadiusM:   getEnvFloat("ROUTE_TRACKING_RADIUS_M", 3000),
		RouteStrategy:          getEnv("ROUTE_STRATEGY", "segment"),
		JournalChannelSize:     getEnvInt("JOURNAL_CHANNEL_SIZE", 1000),
		StateChannelSize:       getEnvInt("STATE_CHANNEL_SIZE", 10000),
		JournalBatchSize:       getEnvInt("JOURNAL_BATCH_SIZE", 100),
		JournalFlushIntervalMS: getEnvInt("JOURNAL_FLUSH_INTERVAL_MS", 500),
		JournalWriterWorkers:   getEnvInt("JOURNAL_WRITER_WORKERS", 1),
		StateWriterWorkers:     getEnvInt("STATE_WRITER_WORKERS", 2),
		AuthCacheTTLSeconds:    getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),
		ValidAPIKeys:           strings.Split(getEnv("VALID_API_KEYS", ""), ","),
	}
}

func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.CaseTimezone); err != nil {
		return fmt.Errorf("invalid CASE_TIMEZONE %q: %w", c.CaseTimezone, err)
	}
	if c.LoadBatchSize <= 0 {
		return fmt.Errorf("LOAD_BATCH_SIZE must be positive, got %d", c.LoadBatchSize)
	}
	if c.RouteAlertRadiusM <= 0 || c.RouteTrackingRadiusM <= 0 {
		return fmt.Errorf("route radii must be positive (alert=%v tracking=%v)", c.RouteAlertRadiusM, c.RouteTrackingRadiusM)
	}
	switch c.RouteStrategy {
	case "segment", "vertex":
	default:
		return fmt.Errorf("unknown ROUTE_STRATEGY %q", c.RouteStrategy)
	}
	switch c.GeofenceSource {
	case "http", "postgres":
	default:
		return fmt.Errorf("unknown GEOFENCE_SOURCE %q", c.GeofenceSource)
	}
	return nil
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.CaseTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBMaxConns,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
