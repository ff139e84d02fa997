package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "APPROVAL"

type Config struct {
	Database struct {
		// Driver sqlite 或者 postgres
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		// Addr 为空时使用进程内的锁
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"redis"`
	Lock struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"lock"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Definitions struct {
		Paths []string `mapstructure:"paths"`
	} `mapstructure:"definitions"`
	Events struct {
		// Topic 状态变化事件的 topic，为空时不发事件
		Topic string `mapstructure:"topic"`
	} `mapstructure:"events"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "approval.db")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "approval:lock:")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("definitions.paths", []string{})
	v.SetDefault("events.topic", "")
}

// Load path 为空时只用默认值和环境变量，环境变量例如 APPROVAL_DATABASE_DSN
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WithMessagef(err, "read config %s failed", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WithMessage(err, "unmarshal config failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return errors.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is empty")
	}
	if c.Lock.TTL <= 0 {
		return errors.Errorf("lock.ttl must be positive, got %s", c.Lock.TTL)
	}
	return nil
}
