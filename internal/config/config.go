package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates application settings that may be sourced from files or environment variables.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	Auth     AuthConfig     `mapstructure:"auth"`
	OTP      OTPConfig      `mapstructure:"otp"`
	Upload   UploadConfig   `mapstructure:"upload"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Port                  int    `mapstructure:"port"`
	CookieDomain          string `mapstructure:"cookie_domain"`
	LoginRateLimitPerHour int    `mapstructure:"login_rate_limit_per_hour"`
	LoginLockThreshold    int    `mapstructure:"login_lock_threshold"`
	LoginLockTTLMinutes   int    `mapstructure:"login_lock_ttl_minutes"`
}

// DatabaseConfig contains connection options for PostgreSQL.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig 包含 Redis 连接配置。
type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MinIOConfig contains connection options for MinIO/S3-compatible storage.
type MinIOConfig struct {
	Endpoint         string `mapstructure:"endpoint"`
	PublicEndpoint   string `mapstructure:"public_endpoint"`
	AccessKeyID      string `mapstructure:"access_key_id"`
	SecretAccessKey  string `mapstructure:"secret_access_key"`
	UseSSL           bool   `mapstructure:"use_ssl"`
	Bucket           string `mapstructure:"bucket"`
	Region           string `mapstructure:"region"`
	BucketLookup     string `mapstructure:"bucket_lookup"`
	AutoCreateBucket bool   `mapstructure:"auto_create_bucket"`
}

// SMTPConfig contains outbound mail settings. Delivery failures never block
// core flows, so these may legitimately be empty in development.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// GeminiConfig contains the LLM API settings used for resume parsing.
type GeminiConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Endpoint string `mapstructure:"endpoint"`
}

// AuthConfig contains JWT key locations and token lifetimes.
type AuthConfig struct {
	PrivateKeyPath   string `mapstructure:"private_key_path"`
	PublicKeyPath    string `mapstructure:"public_key_path"`
	AccessTTLMinutes int    `mapstructure:"access_ttl_minutes"`
	RefreshTTLHours  int    `mapstructure:"refresh_ttl_hours"`
}

// OTPConfig 包含邮箱验证码的有效期与重发冷却配置。
type OTPConfig struct {
	ExpiryMinutes      int `mapstructure:"expiry_minutes"`
	ResendGuardMinutes int `mapstructure:"resend_guard_minutes"`
}

// UploadConfig contains resume upload limits and the ClamAV endpoint.
type UploadConfig struct {
	MaxBytes  int64  `mapstructure:"max_bytes"`
	ClamdAddr string `mapstructure:"clamd_addr"`
}

// DSN builds a lib/pq compatible connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		d.SSLMode,
	)
}

// Addr returns the host:port pair for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// AccessTTL returns the access token lifetime as a duration.
func (a AuthConfig) AccessTTL() time.Duration {
	return time.Duration(a.AccessTTLMinutes) * time.Minute
}

// RefreshTTL returns the refresh token lifetime as a duration.
func (a AuthConfig) RefreshTTL() time.Duration {
	return time.Duration(a.RefreshTTLHours) * time.Hour
}

// Expiry returns the OTP lifetime as a duration.
func (o OTPConfig) Expiry() time.Duration {
	return time.Duration(o.ExpiryMinutes) * time.Minute
}

// ResendGuard returns the resend cooldown window as a duration.
func (o OTPConfig) ResendGuard() time.Duration {
	return time.Duration(o.ResendGuardMinutes) * time.Minute
}

// LockTTL returns how long a locked account stays locked after repeated login failures.
func (a APIConfig) LockTTL() time.Duration {
	return time.Duration(a.LoginLockTTLMinutes) * time.Minute
}

// Load reads configuration solely from environment variables (with optional defaults).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad wraps Load and panics on failure.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.login_rate_limit_per_hour", 10)
	v.SetDefault("api.login_lock_threshold", 5)
	v.SetDefault("api.login_lock_ttl_minutes", 15)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "tropl")
	v.SetDefault("database.user", "tropl")
	v.SetDefault("database.password", "tropl")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.public_endpoint", "http://localhost:9000")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket", "resumes")
	v.SetDefault("minio.bucket_lookup", "auto")
	v.SetDefault("minio.auto_create_bucket", true)
	v.SetDefault("smtp.port", 587)
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.endpoint", "https://generativelanguage.googleapis.com")
	v.SetDefault("auth.private_key_path", "keys/jwt_rsa")
	v.SetDefault("auth.public_key_path", "keys/jwt_rsa.pub")
	v.SetDefault("auth.access_ttl_minutes", 15)
	v.SetDefault("auth.refresh_ttl_hours", 168)
	v.SetDefault("otp.expiry_minutes", 10)
	v.SetDefault("otp.resend_guard_minutes", 2)
	v.SetDefault("upload.max_bytes", 5*1024*1024)
}

func bindEnv(v *viper.Viper) error {
	mappings := map[string]string{
		"api.port":                      "API_PORT",
		"api.cookie_domain":             "API_COOKIE_DOMAIN",
		"api.login_rate_limit_per_hour": "LOGIN_RATE_LIMIT_PER_HOUR",
		"api.login_lock_threshold":      "LOGIN_LOCK_THRESHOLD",
		"api.login_lock_ttl_minutes":    "LOGIN_LOCK_TTL_MINUTES",
		"database.host":                 "DATABASE_HOST",
		"database.port":                 "DATABASE_PORT",
		"database.name":                 "POSTGRES_DB",
		"database.user":                 "POSTGRES_USER",
		"database.password":             "POSTGRES_PASSWORD",
		"database.sslmode":              "DATABASE_SSLMODE",
		"redis.host":                    "REDIS_HOST",
		"redis.port":                    "REDIS_PORT",
		"minio.endpoint":                "MINIO_ENDPOINT",
		"minio.public_endpoint":         "MINIO_PUBLIC_ENDPOINT",
		"minio.access_key_id":           "MINIO_ACCESS_KEY_ID",
		"minio.secret_access_key":       "MINIO_SECRET_ACCESS_KEY",
		"minio.use_ssl":                 "MINIO_USE_SSL",
		"minio.bucket":                  "MINIO_BUCKET",
		"minio.region":                  "MINIO_REGION",
		"minio.bucket_lookup":           "MINIO_BUCKET_LOOKUP",
		"minio.auto_create_bucket":      "MINIO_AUTO_CREATE_BUCKET",
		"smtp.host":                     "SMTP_HOST",
		"smtp.port":                     "SMTP_PORT",
		"smtp.username":                 "SMTP_USERNAME",
		"smtp.password":                 "SMTP_PASSWORD",
		"smtp.from":                     "SMTP_FROM",
		"gemini.api_key":                "GEMINI_API_KEY",
		"gemini.model":                  "GEMINI_MODEL",
		"gemini.endpoint":               "GEMINI_ENDPOINT",
		"auth.private_key_path":         "JWT_PRIVATE_KEY_PATH",
		"auth.public_key_path":          "JWT_PUBLIC_KEY_PATH",
		"auth.access_ttl_minutes":       "JWT_ACCESS_TTL_MINUTES",
		"auth.refresh_ttl_hours":        "JWT_REFRESH_TTL_HOURS",
		"otp.expiry_minutes":            "OTP_EXPIRY_MINUTES",
		"otp.resend_guard_minutes":      "OTP_RESEND_GUARD_MINUTES",
		"upload.max_bytes":              "UPLOAD_MAX_BYTES",
		"upload.clamd_addr":             "CLAMD_ADDR",
	}

	for key, env := range mappings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, env, err)
		}
	}

	return nil
}

func validate(cfg Config) error {
	if cfg.API.Port <= 0 {
		return errors.New("api port must be positive")
	}
	if cfg.Database.Host == "" {
		return errors.New("database host is required")
	}
	if cfg.Database.Port <= 0 {
		return errors.New("database port must be positive")
	}
	if cfg.Database.Name == "" {
		return errors.New("database name is required")
	}
	if cfg.Database.User == "" {
		return errors.New("database user is required")
	}
	if cfg.Database.Password == "" {
		return errors.New("database password is required")
	}
	if cfg.Database.SSLMode == "" {
		return errors.New("database sslmode is required")
	}
	if cfg.Redis.Host == "" {
		return errors.New("redis host is required")
	}
	if cfg.Redis.Port <= 0 {
		return errors.New("redis port must be positive")
	}
	if cfg.MinIO.Endpoint == "" {
		return errors.New("minio endpoint is required")
	}
	if cfg.MinIO.AccessKeyID == "" {
		return errors.New("minio access key id is required")
	}
	if cfg.MinIO.SecretAccessKey == "" {
		return errors.New("minio secret access key is required")
	}
	if cfg.MinIO.Bucket == "" {
		return errors.New("minio bucket is required")
	}
	if cfg.Auth.AccessTTLMinutes <= 0 {
		return errors.New("jwt access ttl must be positive")
	}
	if cfg.Auth.RefreshTTLHours <= 0 {
		return errors.New("jwt refresh ttl must be positive")
	}
	if cfg.OTP.ExpiryMinutes <= 0 {
		return errors.New("otp expiry minutes must be positive")
	}
	if cfg.OTP.ResendGuardMinutes < 0 || cfg.OTP.ResendGuardMinutes >= cfg.OTP.ExpiryMinutes {
		return errors.New("otp resend guard must be shorter than the expiry")
	}
	if cfg.Upload.MaxBytes <= 0 {
		return errors.New("upload max bytes must be positive")
	}
	return nil
}
