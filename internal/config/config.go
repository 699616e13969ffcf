package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/coldvault/coldvault/internal/store/constants"
)

type S3Config struct {
	Endpoint       string `mapstructure:"endpoint"`
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type Config struct {
	DBPath     string `mapstructure:"db_path"`
	RunLogDir  string `mapstructure:"run_log_dir"`
	LockPath   string `mapstructure:"lock_path"`
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`

	S3 S3Config `mapstructure:"s3"`

	SchedulerTick   time.Duration `mapstructure:"scheduler_tick"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`

	// External snapshot tool used by host-type jobs.
	HostTool string `mapstructure:"host_tool"`

	WebhookURL string `mapstructure:"webhook_url"`
}

// Load reads the config file at path (optional) merged with COLDVAULT_
// environment variables and built-in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", constants.DefaultDBPath)
	v.SetDefault("run_log_dir", constants.DefaultRunLogDir)
	v.SetDefault("lock_path", constants.DefaultLockPath)
	v.SetDefault("listen_addr", constants.DefaultListenAddr)
	v.SetDefault("log_level", "info")
	v.SetDefault("scheduler_tick", constants.SchedulerTick)
	v.SetDefault("metrics_interval", constants.MetricsInterval)
	v.SetDefault("max_concurrent", 2)
	v.SetDefault("host_tool", "coldvault-hosttool")
	v.SetDefault("s3.region", "us-east-1")

	v.SetEnvPrefix("COLDVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("Load: read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/coldvault")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("Load: read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("Load: unmarshal: %w", err)
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return cfg, nil
}
