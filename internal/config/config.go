package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerURL  string `mapstructure:"server_url"`
	ChannelURL string `mapstructure:"channel_url"`
	RoomID     string `mapstructure:"room_id"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`

	GridCellSize int `mapstructure:"grid_cell_size"`
	GridWidth    int `mapstructure:"grid_width"`
	GridHeight   int `mapstructure:"grid_height"`
	UnitSize     int `mapstructure:"unit_size"`

	SnapshotTimeout time.Duration `mapstructure:"snapshot_timeout"`
	NoticeTTL       time.Duration `mapstructure:"notice_ttl"`
	TypingTTL       time.Duration `mapstructure:"typing_ttl"`

	VoiceEnabled bool     `mapstructure:"voice_enabled"`
	ICEServers   []string `mapstructure:"ice_servers"`

	LogLevel string `mapstructure:"log_level"`
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

	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("channel_url", "ws://localhost:8080/ws")
	v.SetDefault("grid_cell_size", 40)
	v.SetDefault("grid_width", 800)
	v.SetDefault("grid_height", 600)
	v.SetDefault("unit_size", 30)
	v.SetDefault("snapshot_timeout", "5s")
	v.SetDefault("notice_ttl", "5s")
	v.SetDefault("typing_ttl", "2s")
	v.SetDefault("voice_enabled", true)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
