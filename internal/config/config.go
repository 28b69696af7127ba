package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ByteSize is an int64 decoded from human units ("100MB", "1GiB", "1048576").
type ByteSize int64

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	n, err := units.RAMInBytes(value)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", value, err)
	}
	*b = ByteSize(n)
	return nil
}

// Naming formats accepted by DEFAULT_NAMING_FORMAT and the per-request option.
var NamingFormats = []string{"random", "uuid", "date", "name"}

// Config holds all application configuration
type Config struct {
	Port      string `envconfig:"PORT" default:"8080"`
	PublicURL string `envconfig:"PUBLIC_URL"` // Optional: Override auto-detected URL for reverse proxy setups
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	// Forwarding headers are only believed from these peers
	TrustedProxies []string `envconfig:"TRUSTED_PROXIES" default:"127.0.0.1,::1,10.0.0.0/8,172.16.0.0/12,192.168.0.0/16"`

	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15m"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15m"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	DBDriver    string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBPath      string `envconfig:"DB_PATH" default:"./stashbox.db"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	StorageType string `envconfig:"STORAGE_TYPE" default:"local"`
	DataDir     string `envconfig:"DATA_DIR" default:"./uploads"`
	ScratchDir  string `envconfig:"SCRATCH_DIR" default:"./uploads/.partial"`
	S3          S3Config
	Swift       SwiftConfig

	BlockedExtensions   []string `envconfig:"BLOCKED_EXTENSIONS" default:".exe,.bat,.cmd,.sh,.ps1,.dll,.so,.msi,.scr,.vbs,.jar"`
	MaxFileSize         ByteSize `envconfig:"MAX_FILE_SIZE" default:"100MB"`
	MaxChunks           int      `envconfig:"MAX_CHUNKS" default:"10000"`
	ChunkSizeLimit      ByteSize `envconfig:"CHUNK_SIZE_LIMIT" default:"25MB"`
	DefaultNamingFormat string   `envconfig:"DEFAULT_NAMING_FORMAT" default:"random"`
	RandomNameLength    int      `envconfig:"RANDOM_NAME_LENGTH" default:"6"`
	RemoveGPS           bool     `envconfig:"REMOVE_GPS" default:"false"`
	FilesRoute          string   `envconfig:"FILES_ROUTE" default:"/raw"`

	IncompleteUploadTTL time.Duration `envconfig:"INCOMPLETE_UPLOAD_TTL" default:"24h"`
	ReaperInterval      time.Duration `envconfig:"REAPER_INTERVAL" default:"10m"`
	MaxAssemblyRetries  int           `envconfig:"MAX_ASSEMBLY_RETRIES" default:"1"`
	RecoveryInterval    time.Duration `envconfig:"ASSEMBLY_RECOVERY_INTERVAL" default:"10m"`
	AssemblyStaleAfter  time.Duration `envconfig:"ASSEMBLY_STALE_AFTER" default:"30m"`
	ExpiryInterval      time.Duration `envconfig:"EXPIRY_INTERVAL" default:"5m"`

	ThumbnailsEnabled    bool          `envconfig:"THUMBNAILS_ENABLED" default:"false"`
	ThumbnailWorkers     int           `envconfig:"THUMBNAIL_WORKERS" default:"2"`
	ThumbnailInterval    time.Duration `envconfig:"THUMBNAIL_INTERVAL" default:"30m"`
	ThumbnailCommand     string        `envconfig:"THUMBNAIL_COMMAND" default:"ffmpeg"`
	ThumbnailMaxAttempts int           `envconfig:"THUMBNAIL_MAX_ATTEMPTS" default:"3"`
	ThumbnailRemoteURLs  []string      `envconfig:"THUMBNAIL_REMOTE_URLS"`
}

// S3Config holds S3 backend settings.
type S3Config struct {
	Bucket          string `envconfig:"S3_BUCKET"`
	Region          string `envconfig:"S3_REGION" default:"us-east-1"`
	Endpoint        string `envconfig:"S3_ENDPOINT"`
	AccessKeyID     string `envconfig:"S3_ACCESS_KEY_ID"`
	SecretAccessKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	PathStyle       bool   `envconfig:"S3_PATH_STYLE" default:"false"`
	Prefix          string `envconfig:"S3_PREFIX"`
}

// SwiftConfig holds Swift backend settings.
type SwiftConfig struct {
	AuthURL   string `envconfig:"SWIFT_AUTH_URL"`
	Username  string `envconfig:"SWIFT_USERNAME"`
	APIKey    string `envconfig:"SWIFT_API_KEY"`
	Domain    string `envconfig:"SWIFT_DOMAIN"`
	Tenant    string `envconfig:"SWIFT_TENANT"`
	Region    string `envconfig:"SWIFT_REGION"`
	Container string `envconfig:"SWIFT_CONTAINER" default:"stashbox"`
}

// Load reads an optional .env file, then the environment, then validates.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	cfg.BlockedExtensions = normalizeExtensions(cfg.BlockedExtensions)
	cfg.FilesRoute = "/" + strings.Trim(cfg.FilesRoute, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// validate ensures configuration values are sensible
func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}

	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}

	switch c.StorageType {
	case "local":
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR cannot be empty")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_TYPE=s3")
		}
	case "swift":
		if c.Swift.AuthURL == "" || c.Swift.Username == "" || c.Swift.APIKey == "" {
			return fmt.Errorf("SWIFT_AUTH_URL, SWIFT_USERNAME and SWIFT_API_KEY are required when STORAGE_TYPE=swift")
		}
	default:
		return fmt.Errorf("STORAGE_TYPE must be local, s3 or swift, got %q", c.StorageType)
	}

	if c.ScratchDir == "" {
		return fmt.Errorf("SCRATCH_DIR cannot be empty")
	}

	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.MaxFileSize)
	}

	if c.ChunkSizeLimit <= 0 {
		return fmt.Errorf("CHUNK_SIZE_LIMIT must be positive, got %d", c.ChunkSizeLimit)
	}

	if c.MaxChunks <= 0 {
		return fmt.Errorf("MAX_CHUNKS must be positive, got %d", c.MaxChunks)
	}

	if c.MaxAssemblyRetries < 0 {
		return fmt.Errorf("MAX_ASSEMBLY_RETRIES must be 0 or positive, got %d", c.MaxAssemblyRetries)
	}

	if c.IncompleteUploadTTL <= 0 {
		return fmt.Errorf("INCOMPLETE_UPLOAD_TTL must be positive, got %s", c.IncompleteUploadTTL)
	}

	if c.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be positive, got %s", c.ReaperInterval)
	}

	if c.RecoveryInterval <= 0 {
		return fmt.Errorf("ASSEMBLY_RECOVERY_INTERVAL must be positive, got %s", c.RecoveryInterval)
	}

	if c.AssemblyStaleAfter <= 0 {
		return fmt.Errorf("ASSEMBLY_STALE_AFTER must be positive, got %s", c.AssemblyStaleAfter)
	}

	if c.ExpiryInterval <= 0 {
		return fmt.Errorf("EXPIRY_INTERVAL must be positive, got %s", c.ExpiryInterval)
	}

	if c.RandomNameLength < 4 || c.RandomNameLength > 64 {
		return fmt.Errorf("RANDOM_NAME_LENGTH must be between 4 and 64, got %d", c.RandomNameLength)
	}

	if !validNamingFormat(c.DefaultNamingFormat) {
		return fmt.Errorf("DEFAULT_NAMING_FORMAT must be one of %s, got %q",
			strings.Join(NamingFormats, ", "), c.DefaultNamingFormat)
	}

	if c.ThumbnailsEnabled {
		if c.ThumbnailWorkers <= 0 && len(c.ThumbnailRemoteURLs) == 0 {
			return fmt.Errorf("THUMBNAIL_WORKERS must be positive when thumbnails are enabled")
		}
		if c.ThumbnailMaxAttempts <= 0 {
			return fmt.Errorf("THUMBNAIL_MAX_ATTEMPTS must be positive, got %d", c.ThumbnailMaxAttempts)
		}
		if c.ThumbnailInterval <= 0 {
			return fmt.Errorf("THUMBNAIL_INTERVAL must be positive, got %s", c.ThumbnailInterval)
		}
	}

	return nil
}

func validNamingFormat(format string) bool {
	for _, f := range NamingFormats {
		if f == format {
			return true
		}
	}
	return false
}

// normalizeExtensions lowercases entries and ensures a leading dot.
func normalizeExtensions(exts []string) []string {
	result := make([]string, 0, len(exts))
	for _, ext := range exts {
		trimmed := strings.ToLower(strings.TrimSpace(ext))
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, ".") {
			trimmed = "." + trimmed
		}
		result = append(result, trimmed)
	}
	return result
}
