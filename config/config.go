package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// MIRA_SECURITY_JWT_SECRET overrides security.jwt_secret.
const EnvPrefix = "MIRA"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Security SecurityConfig `mapstructure:"security"`
	Social   SocialConfig   `mapstructure:"social"`
	Canvas   CanvasConfig   `mapstructure:"canvas"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"`
	// AdminIPs restricts /api/admin to these client IPs. Empty allows any IP.
	AdminIPs []string `mapstructure:"admin_ips"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // sqlite | mysql | postgres
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	PostgresDSN  string        `mapstructure:"postgres_dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnMaxLife  time.Duration `mapstructure:"conn_max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret         string        `mapstructure:"jwt_secret"`
	JWTTTLH           time.Duration `mapstructure:"jwt_ttl_h"`
	RateLimitRPS      float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst    int           `mapstructure:"rate_limit_burst"`
	MinPasswordLength int           `mapstructure:"min_password_length"`
	BcryptCost        int           `mapstructure:"bcrypt_cost"`
}

// SocialConfig tunes the friendship model.
type SocialConfig struct {
	// MaxFriends caps the number of outgoing edges an identity may hold.
	MaxFriends int `mapstructure:"max_friends"`
	// LockTTL bounds how long a pair or canvas lease may be held.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// CanvasConfig tunes the shared canvas compositing.
type CanvasConfig struct {
	FadePeriod     time.Duration `mapstructure:"fade_period"`
	FadeMultiplier float64       `mapstructure:"fade_multiplier"`
	ThumbnailSize  int           `mapstructure:"thumbnail_size"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	// MaxPixels rejects layers with more pixels than this before decoding.
	MaxPixels      int           `mapstructure:"max_pixels"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// Load reads config from the given YAML file path. Values from a .env file in
// the working directory and MIRA_* environment variables take precedence.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Keys without a meaningful default are still registered so that
	// AutomaticEnv can see them during Unmarshal.
	for _, key := range []string{
		"server.admin_key",
		"database.mysql_dsn",
		"database.postgres_dsn",
		"cache.redis_addr",
		"cache.redis_password",
		"security.jwt_secret",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/mira.db")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 20)
	v.SetDefault("security.rate_limit_burst", 40)
	v.SetDefault("security.min_password_length", 8)
	v.SetDefault("security.bcrypt_cost", 12)
	v.SetDefault("social.max_friends", 6)
	v.SetDefault("social.lock_ttl", "10s")
	v.SetDefault("canvas.fade_period", "1h")
	v.SetDefault("canvas.fade_multiplier", 0.95)
	v.SetDefault("canvas.thumbnail_size", 100)
	v.SetDefault("canvas.max_upload_bytes", 4<<20)
	v.SetDefault("canvas.max_pixels", 4096*4096)
	v.SetDefault("canvas.sweep_interval", "15m")
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Security.JWTSecret == "" {
		errs = append(errs, errors.New("security.jwt_secret is required"))
	}
	if c.Social.MaxFriends <= 0 {
		errs = append(errs, fmt.Errorf("social.max_friends must be positive, got %d", c.Social.MaxFriends))
	}
	if c.Canvas.FadePeriod <= 0 {
		errs = append(errs, fmt.Errorf("canvas.fade_period must be positive, got %s", c.Canvas.FadePeriod))
	}
	if c.Canvas.FadeMultiplier <= 0 || c.Canvas.FadeMultiplier > 1 {
		errs = append(errs, fmt.Errorf("canvas.fade_multiplier must be in (0, 1], got %g", c.Canvas.FadeMultiplier))
	}
	if c.Canvas.ThumbnailSize <= 0 {
		errs = append(errs, fmt.Errorf("canvas.thumbnail_size must be positive, got %d", c.Canvas.ThumbnailSize))
	}
	return errors.Join(errs...)
}
