package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Connect  ConnectConfig
	Speed    SpeedConfig
	Serving  ServingConfig
	Batch    BatchConfig
	Sampler  SamplerConfig
	Log      LogConfig
	Timezone string

	// MetricsPort is where the worker binaries expose /metrics; 0 disables it.
	MetricsPort int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// DedupeTTL bounds how long a delivered sample is remembered; 0 disables the guard.
	DedupeTTL time.Duration
	ViewTTL   time.Duration
}

type KafkaConfig struct {
	Brokers       []string
	Topic         string
	SpeedGroup    string
	ArchiveGroup  string
	NumPartitions int
}

// ConnectConfig is the bounded retry budget used when dialing the
// datastore, Redis and Kafka at start-up.
type ConnectConfig struct {
	Attempts int
	Delay    time.Duration
}

type SpeedConfig struct {
	RetentionWindow      time.Duration
	HousekeepingInterval time.Duration
}

type ServingConfig struct {
	HTTPPort          int
	RealtimeThreshold time.Duration
	FreshnessQuorum   int
	PageSize          int
	StaleAfter        time.Duration
	BatchWindow       time.Duration
	PushInterval      time.Duration
	MaxClients        int
}

type BatchConfig struct {
	HourlyMinute int
	DailyTime    string
	PeakTime     string
	Workers      int
}

type SamplerConfig struct {
	PollInterval    time.Duration
	ProviderTimeout time.Duration
	TomTomAPIKey    string
	TomTomBaseURL   string
	AQICNToken      string
	AQICNBaseURL    string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "pid_user"),
			Password: getEnv("DB_PASSWORD", "pid_password"),
			DBName:   getEnv("DB_NAME", "pid_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			DedupeTTL: getEnvAsDuration("DEDUPE_TTL", 2*time.Hour),
			ViewTTL:   getEnvAsDuration("VIEW_CACHE_TTL", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:       strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:         getEnv("KAFKA_TOPIC", "traffic-pollution-data"),
			SpeedGroup:    getEnv("KAFKA_GROUP_SPEED", "speed-layer-group"),
			ArchiveGroup:  getEnv("KAFKA_GROUP_ARCHIVE", "archiver-group"),
			NumPartitions: getEnvAsInt("KAFKA_NUM_PARTITIONS", 10),
		},
		Connect: ConnectConfig{
			Attempts: getEnvAsInt("CONNECT_ATTEMPTS", 10),
			Delay:    getEnvAsDuration("CONNECT_DELAY", 2*time.Second),
		},
		Speed: SpeedConfig{
			RetentionWindow:      getEnvAsMinutes("REALTIME_RETENTION", 60*time.Minute),
			HousekeepingInterval: getEnvAsDuration("HOUSEKEEPING_INTERVAL", time.Minute),
		},
		Serving: ServingConfig{
			HTTPPort:          getEnvAsInt("HTTP_PORT", 8080),
			RealtimeThreshold: getEnvAsMinutes("REALTIME_THRESHOLD", 60*time.Minute),
			FreshnessQuorum:   getEnvAsInt("FRESHNESS_QUORUM", 10),
			PageSize:          getEnvAsInt("PAGE_SIZE", 100),
			StaleAfter:        getEnvAsMinutes("SPEED_LABEL_AGE", 60*time.Minute),
			BatchWindow:       getEnvAsDuration("BATCH_WINDOW", 24*time.Hour),
			PushInterval:      getEnvAsDuration("WS_PUSH_INTERVAL", 15*time.Second),
			MaxClients:        getEnvAsInt("WS_MAX_CLIENTS", 100),
		},
		Batch: BatchConfig{
			HourlyMinute: getEnvAsInt("BATCH_HOURLY_MINUTE", 5),
			DailyTime:    getEnv("BATCH_DAILY_TIME", "02:00"),
			PeakTime:     getEnv("BATCH_PEAK_TIME", "03:00"),
			Workers:      getEnvAsInt("BATCH_WORKERS", 2),
		},
		Sampler: SamplerConfig{
			PollInterval:    getEnvAsSeconds("POLL_INTERVAL", 15*time.Second),
			ProviderTimeout: getEnvAsDuration("PROVIDER_TIMEOUT", 10*time.Second),
			TomTomAPIKey:    getEnv("TOMTOM_API_KEY", ""),
			TomTomBaseURL:   getEnv("TOMTOM_BASE_URL", "https://api.tomtom.com"),
			AQICNToken:      getEnv("AQICN_TOKEN", ""),
			AQICNBaseURL:    getEnv("AQICN_BASE_URL", "https://api.waqi.info"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Timezone:    getEnv("TIMEZONE", "Asia/Jakarta"),
		MetricsPort: getEnvAsInt("METRICS_PORT", 9100),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects settings that would make the pipeline misbehave
// silently rather than fail at start-up.
func (c *Config) Validate() error {
	if c.Batch.HourlyMinute < 0 || c.Batch.HourlyMinute > 59 {
		return fmt.Errorf("BATCH_HOURLY_MINUTE must be in [0,59], got %d", c.Batch.HourlyMinute)
	}
	if _, _, err := ParseClock(c.Batch.DailyTime); err != nil {
		return fmt.Errorf("BATCH_DAILY_TIME: %w", err)
	}
	if _, _, err := ParseClock(c.Batch.PeakTime); err != nil {
		return fmt.Errorf("BATCH_PEAK_TIME: %w", err)
	}
	if c.Serving.FreshnessQuorum < 1 {
		return fmt.Errorf("FRESHNESS_QUORUM must be positive, got %d", c.Serving.FreshnessQuorum)
	}
	if c.Serving.PageSize < 1 {
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.Serving.PageSize)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("METRICS_PORT must be in [0,65535], got %d", c.MetricsPort)
	}
	if c.Connect.Attempts < 1 {
		return fmt.Errorf("CONNECT_ATTEMPTS must be positive, got %d", c.Connect.Attempts)
	}
	return nil
}

// ParseClock parses a "HH:MM" time of day.
func ParseClock(timeOfDay string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(timeOfDay, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid time format: %s (expected HH:MM)", timeOfDay)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time of day out of range: %s", timeOfDay)
	}
	return hour, minute, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsMinutes accepts either a bare number of minutes ("60") or a
// Go duration ("1h").
func getEnvAsMinutes(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if n, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(n) * time.Minute
	}
	return getEnvAsDuration(key, defaultValue)
}

func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if n, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(n) * time.Second
	}
	return getEnvAsDuration(key, defaultValue)
}
