// Package config loads server settings from defaults, an optional config
// file, .env files and RELAYCHAT_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "RELAYCHAT"

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwtSecret"`
	MaxMessageBytes int64         `mapstructure:"maxMessageBytes"`
	PingInterval    time.Duration `mapstructure:"pingInterval"`
	RateLimit       float64       `mapstructure:"rateLimit"`
	RateBurst       int           `mapstructure:"rateBurst"`
}

type WorkspaceConfig struct {
	ID string `mapstructure:"id"`
}

type PipelineConfig struct {
	MessagesPerBlob  int  `mapstructure:"messagesPerBlob"`
	MaxDerivedEvents int  `mapstructure:"maxDerivedEvents"`
	AsyncTriggers    bool `mapstructure:"asyncTriggers"`
}

type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type AccountsConfig struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Channel string `mapstructure:"channel"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	EventsTopic string   `mapstructure:"eventsTopic"`
	CardsTopic  string   `mapstructure:"cardsTopic"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Metadata  StoreConfig     `mapstructure:"metadata"`
	Docstore  StoreConfig     `mapstructure:"docstore"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Log       LogConfig       `mapstructure:"log"`
}

var defaults = map[string]any{
	"server.addr":               ":8080",
	"server.jwtSecret":          "",
	"server.maxMessageBytes":    1 << 20,
	"server.pingInterval":       "25s",
	"server.rateLimit":          50.0,
	"server.rateBurst":          100,
	"workspace.id":              "default",
	"pipeline.messagesPerBlob":  200,
	"pipeline.maxDerivedEvents": 1000,
	"pipeline.asyncTriggers":    true,
	"cache.size":                10000,
	"cache.ttl":                 "10m",
	"metadata.dsn":              "memory://",
	"docstore.dsn":              "memory://",
	"accounts.url":              "",
	"accounts.secret":           "",
	"redis.url":                 "",
	"redis.channel":             "",
	"kafka.brokers":             []string{},
	"kafka.eventsTopic":         "",
	"kafka.cardsTopic":          "",
	"log.level":                 "info",
	"log.format":                "json",
}

// Loader keeps the viper instance so Watch reloads the same sources.
type Loader struct {
	path string
	v    *viper.Viper

	watchOnce sync.Once
}

// NewLoader reads .env files first; a missing .env is not an error.
func NewLoader(path string, envFiles ...string) *Loader {
	_ = godotenv.Load(envFiles...)

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{path: path, v: v}
}

func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls onChange with the re-read configuration every time the config
// file changes. It does nothing when no file was given.
func (l *Loader) Watch(onChange func(cfg *Config, err error)) {
	if l.path == "" {
		return
	}
	l.watchOnce.Do(func() {
		l.v.OnConfigChange(func(fsnotify.Event) {
			onChange(l.decode())
		})
		l.v.WatchConfig()
	})
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Workspace.ID) == "" {
		errs = append(errs, errors.New("workspace.id is required"))
	}
	if c.Pipeline.MessagesPerBlob <= 0 {
		errs = append(errs, errors.New("pipeline.messagesPerBlob must be positive"))
	}
	if c.Pipeline.MaxDerivedEvents <= 0 {
		errs = append(errs, errors.New("pipeline.maxDerivedEvents must be positive"))
	}
	if c.Server.PingInterval <= 0 {
		errs = append(errs, errors.New("server.pingInterval must be positive"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
