package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	URI       string        `mapstructure:"uri"`
	Addr      string        `mapstructure:"addr"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	RoomTTL   time.Duration `mapstructure:"room_ttl"`
}

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	Secret         string        `mapstructure:"secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	SignalBaseURL  string        `mapstructure:"signal_base_url"`
	STUNURLs       []string      `mapstructure:"stun_urls"`
	Redis          RedisConfig   `mapstructure:"redis"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "dev-secret")
	v.SetDefault("token_ttl", "15m")
	v.SetDefault("connect_timeout", "15s")
	v.SetDefault("signal_base_url", "ws://localhost:8080")
	v.SetDefault("stun_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "voxhall:")
	v.SetDefault("redis.room_ttl", "0s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
