package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	ServerAddr string

	// 日志配置
	LogLevel      string
	LogFile       string // empty disables the rotating file sink
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// 引擎配置
	RampTime          time.Duration
	SettleDelay       time.Duration
	CrossfadeDuration time.Duration
	CrossfadeEnabled  bool
	PlayTimeout       time.Duration
	SampleRate        int
	OutputBuffer      time.Duration
	AudioOutput       string // "device" or "null"
	FFmpegPath        string
	FFprobePath       string
	DeviceWatchDir    string

	// 曲库
	CatalogSource string // "db" or "file"
	CatalogFile   string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	SessionID     string
	SessionTTL    time.Duration

	// MinIO配置
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioRegion    string
	MinioBucket    string
	PresignExpiry  time.Duration

	// 遥控认证
	ControlSecretHash string // bcrypt hash of the pairing secret; empty disables auth
	JWTSecret         string
	TokenTTL          time.Duration
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvMillis reads a duration given in milliseconds.
func getEnvMillis(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

// getEnvDuration reads a Go duration string such as "15m".
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	output := strings.ToLower(getEnv("AUDIO_OUTPUT", "device"))
	if output != "null" {
		output = "device"
	}
	catalog := strings.ToLower(getEnv("CATALOG_SOURCE", "file"))
	if catalog != "db" {
		catalog = "file"
	}

	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),

		RampTime:          getEnvMillis("ENGINE_RAMP_MS", 50*time.Millisecond),
		SettleDelay:       getEnvMillis("ENGINE_SETTLE_MS", 300*time.Millisecond),
		CrossfadeDuration: getEnvMillis("ENGINE_CROSSFADE_MS", 2*time.Second),
		CrossfadeEnabled:  getEnvBool("ENGINE_CROSSFADE_ENABLED", false),
		PlayTimeout:       getEnvMillis("ENGINE_PLAY_TIMEOUT_MS", 10*time.Second),
		SampleRate:        getEnvInt("ENGINE_SAMPLE_RATE", 48000),
		OutputBuffer:      getEnvMillis("ENGINE_OUTPUT_BUFFER_MS", 40*time.Millisecond),
		AudioOutput:       output,
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:       getEnv("FFPROBE_PATH", ""),
		DeviceWatchDir:    getEnv("DEVICE_WATCH_DIR", "/dev/snd"),

		CatalogSource: catalog,
		CatalogFile:   getEnv("CATALOG_FILE", filepath.Join("data", "catalog.json")),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // no hardcoded default for the password
		DBName:     getEnv("DB_NAME", "stemfm"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""), // 默认无密码
		RedisDB:       getEnvInt("REDIS_DB", 0),     // 默认使用0号数据库
		SessionID:     getEnv("SESSION_ID", "default"),
		SessionTTL:    getEnvDuration("SESSION_TTL", 30*24*time.Hour),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioBucket:    getEnv("MINIO_BUCKET", "stemfm"),
		PresignExpiry:  getEnvDuration("MINIO_PRESIGN_EXPIRY", time.Hour),

		ControlSecretHash: getEnv("CONTROL_SECRET_HASH", ""),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		TokenTTL:          getEnvDuration("TOKEN_TTL", 12*time.Hour),
	}
}

// AuthEnabled reports whether the control API requires a paired token.
func (c *Config) AuthEnabled() bool {
	return c.ControlSecretHash != "" && c.JWTSecret != ""
}

// MinioEnabled reports whether minio:// sources can be resolved.
func (c *Config) MinioEnabled() bool {
	return c.MinioAccessKey != "" && c.MinioSecretKey != ""
}
