package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName          string
	AppEnv           string
	AppPort          string
	DatabaseURL      string
	RedisURL         string
	NATSURL          string
	EventChannelBase string

	StorageDriver          string
	MinioEndpoint          string
	MinioAccessKey         string
	MinioSecretKey         string
	MinioBucket            string
	MinioUseSSL            bool
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string

	MaxArchiveMB        int
	ImportWorkers       int
	UploadRateLimit     int
	SimilarityThreshold float64
	ZeroScoreSeverity   int
	GradingTolerance    float64
	BorderlineWindow    float64
	SnapshotCacheTTL    time.Duration
	StreamKeepAlive     time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("EXAMHUB")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "ExamHub API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("events.channel_base", "examhub")
	v.SetDefault("storage.driver", "minio")
	v.SetDefault("storage.bucket", "examhub-submissions")
	v.SetDefault("cloudinary.folder", "examhub/submissions")
	v.SetDefault("import.max_archive_mb", 128)
	v.SetDefault("import.workers", 4)
	v.SetDefault("import.upload_rate_limit", 10)
	v.SetDefault("import.similarity_threshold", 0.82)
	v.SetDefault("violations.zero_score_severity", 3)
	v.SetDefault("grading.tolerance", 5.0)
	v.SetDefault("grading.borderline_window", 3.0)
	v.SetDefault("jobs.cache_ttl", "30s")
	v.SetDefault("stream.keepalive", "30s")

	cacheTTL, err := time.ParseDuration(v.GetString("jobs.cache_ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid job cache ttl: %w", err)
	}

	keepAlive, err := time.ParseDuration(v.GetString("stream.keepalive"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid stream keepalive: %w", err)
	}

	cfg := Config{
		AppName:          v.GetString("app.name"),
		AppEnv:           v.GetString("app.env"),
		AppPort:          v.GetString("app.port"),
		DatabaseURL:      v.GetString("database.url"),
		RedisURL:         v.GetString("redis.url"),
		NATSURL:          v.GetString("nats.url"),
		EventChannelBase: v.GetString("events.channel_base"),

		StorageDriver:          strings.ToLower(v.GetString("storage.driver")),
		MinioEndpoint:          v.GetString("storage.endpoint"),
		MinioAccessKey:         v.GetString("storage.access_key"),
		MinioSecretKey:         v.GetString("storage.secret_key"),
		MinioBucket:            v.GetString("storage.bucket"),
		MinioUseSSL:            v.GetBool("storage.use_ssl"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),

		MaxArchiveMB:        v.GetInt("import.max_archive_mb"),
		ImportWorkers:       v.GetInt("import.workers"),
		UploadRateLimit:     v.GetInt("import.upload_rate_limit"),
		SimilarityThreshold: v.GetFloat64("import.similarity_threshold"),
		ZeroScoreSeverity:   v.GetInt("violations.zero_score_severity"),
		GradingTolerance:    v.GetFloat64("grading.tolerance"),
		BorderlineWindow:    v.GetFloat64("grading.borderline_window"),
		SnapshotCacheTTL:    cacheTTL,
		StreamKeepAlive:     keepAlive,
	}

	if cfg.MaxArchiveMB <= 0 {
		cfg.MaxArchiveMB = 128
	}

	if cfg.ImportWorkers <= 0 {
		cfg.ImportWorkers = 4
	}

	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = 0.82
	}

	if cfg.ZeroScoreSeverity <= 0 {
		cfg.ZeroScoreSeverity = 3
	}

	if cfg.GradingTolerance < 0 {
		cfg.GradingTolerance = 5.0
	}

	return cfg, nil
}
