package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	AWS       AWSConfig
	Recording RecordingConfig
	Capture   CaptureConfig
	Archive   ArchiveConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string
	ReadTimeout  int
	WriteTimeout int
	LogLevel     string
}

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects the store. SQLite is the default single-machine store.
type DatabaseConfig struct {
	Driver     string
	SQLitePath string
	URL        string // if set, used as-is for postgres
	Host       string
	Port       string
	User       string
	Password   string
	DBName     string
	SSLMode    string
	MaxConns   int
}

// RedisConfig holds Redis connection settings. Empty Addr and URL disable the
// archive queue.
type RedisConfig struct {
	URL      string
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool { return c.URL != "" || c.Addr != "" }

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the archive bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Endpoint             string
	ArchiveBucket        string
	ArchivePrefix        string
	PresignExpireMinutes int
}

// RecordingConfig holds engine tuning; zero values take the engine defaults.
type RecordingConfig struct {
	DataDir         string
	SessionsDir     string
	QueueSeconds    int
	EnqueueTimeout  time.Duration
	BatchSize       int
	FlushInterval   time.Duration
	MaxPendingRows  int
	InputBufferSize int
	MouseMoveRate   float64
	InputRetries    int
	HealthInterval  time.Duration
	StopGrace       time.Duration
	OrphanGrace     time.Duration
}

// CaptureConfig holds the ffmpeg capture and encoder settings.
type CaptureConfig struct {
	FFmpegBinary string
	Display      string
	VideoWidth   int
	VideoHeight  int
	SystemAudio  string
	Microphone   string
	SampleRate   int
	Channels     int
	CRF          int
	Preset       string
}

// ArchiveConfig controls the archive worker.
type ArchiveConfig struct {
	Enabled     bool
	DeleteLocal bool
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	dataDir := getEnv("RECORDER_DATA_DIR", "data")
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout: getEnvInt("WRITE_TIMEOUT_SEC", 30),
			LogLevel:     getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
			SQLitePath: getEnv("SQLITE_PATH", filepath.Join(dataDir, "recordings.db")),
			URL:        getEnv("DATABASE_URL", ""),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "5432"),
			User:       getEnv("DB_USER", "postgres"),
			Password:   getEnv("DB_PASSWORD", "postgres"),
			DBName:     getEnv("DB_NAME", "recorder"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			MaxConns:   getEnvInt("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			ArchiveBucket:        getEnv("AWS_S3_ARCHIVE_BUCKET", ""),
			ArchivePrefix:        getEnv("AWS_S3_ARCHIVE_PREFIX", "sessions"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Recording: RecordingConfig{
			DataDir:         dataDir,
			SessionsDir:     getEnv("RECORDER_SESSIONS_DIR", filepath.Join(dataDir, "sessions")),
			QueueSeconds:    getEnvInt("RECORDER_QUEUE_SECONDS", 2),
			EnqueueTimeout:  getEnvDuration("RECORDER_ENQUEUE_TIMEOUT", 250*time.Millisecond),
			BatchSize:       getEnvInt("RECORDER_BATCH_SIZE", 1000),
			FlushInterval:   getEnvDuration("RECORDER_FLUSH_INTERVAL", time.Second),
			MaxPendingRows:  getEnvInt("RECORDER_MAX_PENDING_ROWS", 100000),
			InputBufferSize: getEnvInt("RECORDER_INPUT_BUFFER", 10000),
			MouseMoveRate:   getEnvFloat("RECORDER_MOUSE_MOVE_RATE", 0),
			InputRetries:    getEnvInt("RECORDER_INPUT_RETRIES", 3),
			HealthInterval:  getEnvDuration("RECORDER_HEALTH_INTERVAL", 5*time.Second),
			StopGrace:       getEnvDuration("RECORDER_STOP_GRACE", 10*time.Second),
			OrphanGrace:     getEnvDuration("RECORDER_ORPHAN_GRACE", 30*time.Second),
		},
		Capture: CaptureConfig{
			FFmpegBinary: getEnv("FFMPEG_BINARY", "ffmpeg"),
			Display:      getEnv("CAPTURE_DISPLAY", ""),
			VideoWidth:   getEnvInt("CAPTURE_WIDTH", 1920),
			VideoHeight:  getEnvInt("CAPTURE_HEIGHT", 1080),
			SystemAudio:  getEnv("CAPTURE_SYSTEM_AUDIO", ""),
			Microphone:   getEnv("CAPTURE_MICROPHONE", ""),
			SampleRate:   getEnvInt("CAPTURE_SAMPLE_RATE", 44100),
			Channels:     getEnvInt("CAPTURE_CHANNELS", 2),
			CRF:          getEnvInt("ENCODER_CRF", 23),
			Preset:       getEnv("ENCODER_PRESET", "veryfast"),
		},
		Archive: ArchiveConfig{
			Enabled:     getEnvBool("ARCHIVE_ENABLED", false),
			DeleteLocal: getEnvBool("ARCHIVE_DELETE_LOCAL", false),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("DB_DRIVER %q: want %s or %s", c.Database.Driver, DriverSQLite, DriverPostgres)
	}
	if c.Archive.Enabled {
		if !c.Redis.Enabled() {
			return fmt.Errorf("ARCHIVE_ENABLED needs REDIS_URL or REDIS_ADDR")
		}
		if c.AWS.ArchiveBucket == "" {
			return fmt.Errorf("ARCHIVE_ENABLED needs AWS_S3_ARCHIVE_BUCKET")
		}
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
