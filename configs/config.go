package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	utils "kitch-ingest/pkg/utils"
)

const (
	RepublishAllow  = "allow"
	RepublishReject = "reject"

	TruncatedProbeFatal   = "fatal"
	TruncatedProbeLenient = "lenient"
)

type Config struct {
	LogLevel string
	Server   struct {
		Port           int
		Host           string
		AllowedOrigins []string
	}
	Database struct {
		Enabled  bool
		Driver   string
		Host     string
		Port     int
		User     string
		Password string
		DBName   string
		SSLMode  string
	}
	Redis struct {
		Enabled  bool
		Host     string
		Port     int
		Password string
		DB       int
	}
	RTMP struct {
		Port            int
		PublicHost      string
		RecorderToken   string
		RepublishPolicy string
	}
	Stream struct {
		StoragePath     string
		ScratchPath     string
		SegmentDuration int
		LadderFile      string
	}
	Upload struct {
		MaxSize      int64
		MinFreeBytes int64
		AllowedTypes []string
	}
	FFmpeg struct {
		Path      string
		ProbePath string
		Threads   int
	}
	Processing struct {
		EncodeWorkers        int
		EncodeRetries        int
		EncodeTimeout        time.Duration
		ProbeRetries         int
		RecorderGracePeriod  time.Duration
		RecorderInputURL     string
		TruncatedProbePolicy string
	}
}

func LoadConfig() (*Config, error) {
	config := &Config{}

	config.LogLevel = getEnv("LOG_LEVEL", "info")

	// Server config
	config.Server.Port = getEnvAsInt("SERVER_PORT", 8080)
	config.Server.Host = getEnv("SERVER_HOST", "0.0.0.0")
	config.Server.AllowedOrigins = utils.SplitString(getEnv("CORS_ALLOWED_ORIGINS", ""))

	// Database config
	config.Database.Enabled = getEnvAsBool("DB_ENABLED", true)
	config.Database.Driver = getEnv("DB_DRIVER", "postgres")
	config.Database.Host = getEnv("DB_HOST", "localhost")
	config.Database.Port = getEnvAsInt("DB_PORT", 5432)
	config.Database.User = getEnv("DB_USER", "postgres")
	config.Database.Password = getEnv("DB_PASSWORD", "")
	config.Database.DBName = getEnv("DB_NAME", "kitch")
	config.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	// Redis config
	config.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", false)
	config.Redis.Host = getEnv("REDIS_HOST", "localhost")
	config.Redis.Port = getEnvAsInt("REDIS_PORT", 6379)
	config.Redis.Password = getEnv("REDIS_PASSWORD", "")
	config.Redis.DB = getEnvAsInt("REDIS_DB", 0)

	// RTMP config
	config.RTMP.Port = getEnvAsInt("RTMP_PORT", 1935)
	config.RTMP.PublicHost = getEnv("RTMP_PUBLIC_HOST", "")
	config.RTMP.RecorderToken = getEnv("RTMP_RECORDER_TOKEN", "")
	config.RTMP.RepublishPolicy = strings.ToLower(getEnv("RTMP_REPUBLISH_POLICY", RepublishAllow))

	// Stream config
	config.Stream.StoragePath = getEnv("STREAM_STORAGE_PATH", "./storage")
	config.Stream.ScratchPath = getEnv("STREAM_SCRATCH_PATH", "./storage/scratch")
	config.Stream.SegmentDuration = getEnvAsInt("STREAM_SEGMENT_DURATION", 6)
	config.Stream.LadderFile = getEnv("STREAM_LADDER_FILE", "")

	// Upload config
	config.Upload.MaxSize = getEnvAsInt64("UPLOAD_MAX_SIZE", 10<<30)
	config.Upload.MinFreeBytes = getEnvAsInt64("UPLOAD_MIN_FREE_BYTES", 512<<20)
	config.Upload.AllowedTypes = utils.SplitString(getEnv("UPLOAD_ALLOWED_TYPES", ""))

	// FFmpeg config
	config.FFmpeg.Path = getEnv("FFMPEG_PATH", "/usr/bin/ffmpeg")
	config.FFmpeg.ProbePath = getEnv("FFPROBE_PATH", "/usr/bin/ffprobe")
	config.FFmpeg.Threads = getEnvAsInt("FFMPEG_THREADS", 4)

	// Processing config
	config.Processing.EncodeWorkers = getEnvAsInt("ENCODE_WORKERS", 4)
	config.Processing.EncodeRetries = getEnvAsInt("ENCODE_RETRIES", 2)
	config.Processing.EncodeTimeout = getEnvAsDuration("ENCODE_TIMEOUT", 2*time.Hour)
	config.Processing.ProbeRetries = getEnvAsInt("PROBE_RETRIES", 2)
	config.Processing.RecorderGracePeriod = getEnvAsDuration("RECORDER_GRACE_PERIOD", 10*time.Second)
	config.Processing.RecorderInputURL = getEnv("RECORDER_INPUT_URL", "")
	config.Processing.TruncatedProbePolicy = strings.ToLower(getEnv("TRUNCATED_PROBE_POLICY", TruncatedProbeFatal))

	if config.Processing.RecorderInputURL == "" {
		config.Processing.RecorderInputURL = fmt.Sprintf("rtmp://127.0.0.1:%d/live/{key}", config.RTMP.Port)
	}

	return config, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "SERVER_PORT must be between 1 and 65535")
	}
	if c.RTMP.Port <= 0 || c.RTMP.Port > 65535 {
		problems = append(problems, "RTMP_PORT must be between 1 and 65535")
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "pgx" {
		problems = append(problems, "DB_DRIVER must be postgres or pgx")
	}
	if c.RTMP.RepublishPolicy != RepublishAllow && c.RTMP.RepublishPolicy != RepublishReject {
		problems = append(problems, "RTMP_REPUBLISH_POLICY must be allow or reject")
	}
	if c.Processing.TruncatedProbePolicy != TruncatedProbeFatal && c.Processing.TruncatedProbePolicy != TruncatedProbeLenient {
		problems = append(problems, "TRUNCATED_PROBE_POLICY must be fatal or lenient")
	}
	if strings.TrimSpace(c.FFmpeg.Path) == "" || strings.TrimSpace(c.FFmpeg.ProbePath) == "" {
		problems = append(problems, "FFMPEG_PATH and FFPROBE_PATH are required")
	}
	if c.Stream.SegmentDuration <= 0 {
		problems = append(problems, "STREAM_SEGMENT_DURATION must be positive")
	}
	if c.Upload.MaxSize <= 0 {
		problems = append(problems, "UPLOAD_MAX_SIZE must be positive")
	}
	if c.Processing.EncodeWorkers <= 0 {
		problems = append(problems, "ENCODE_WORKERS must be positive")
	}
	if c.Processing.EncodeRetries < 0 || c.Processing.ProbeRetries < 0 {
		problems = append(problems, "ENCODE_RETRIES and PROBE_RETRIES cannot be negative")
	}
	if c.Processing.RecorderGracePeriod <= 0 {
		problems = append(problems, "RECORDER_GRACE_PERIOD must be positive")
	}
	if !strings.Contains(c.Processing.RecorderInputURL, "{key}") {
		problems = append(problems, "RECORDER_INPUT_URL must contain the {key} placeholder")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GetDatabaseURL returns the formatted database connection string
func (c *Config) GetDatabaseURL() string {
	return "user=" + c.Database.User +
		" password=" + c.Database.Password +
		" host=" + c.Database.Host +
		" port=" + strconv.Itoa(c.Database.Port) +
		" dbname=" + c.Database.DBName +
		" sslmode=" + c.Database.SSLMode
}

// GetRedisAddr returns the host:port pair for the Redis client
func (c *Config) GetRedisAddr() string {
	return c.Redis.Host + ":" + strconv.Itoa(c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
