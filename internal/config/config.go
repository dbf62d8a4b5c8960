// Package config defines the startup-time constants the server depends on:
// listen addresses, fixed media ports, cadences, JPEG quality and chunk
// sizes. Values come from lanroom.yaml or LANROOM_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr  string
	VideoPort   int
	AudioPort   int
	MetricsAddr string
	LogLevel    string

	JPEGQuality      int
	FragmentSize     int
	VideoInterval    time.Duration
	AudioInterval    time.Duration
	FrameStaleness   time.Duration
	MediaReadTimeout time.Duration
	AudioMix         bool

	RendezvousTimeout time.Duration
	FileChunkSize     int

	ChatHistoryLimit int
}

// Load reads lanroom.yaml (working directory or /etc/lanroom) and the
// environment, falling back to defaults for anything unset. A missing
// config file is fine; a malformed one is not.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("lanroom")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/lanroom")
	v.SetEnvPrefix("LANROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":9000")
	v.SetDefault("video.port", 9001)
	v.SetDefault("audio.port", 9002)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("video.jpeg_quality", 70)
	v.SetDefault("media.fragment_size", 60000)
	v.SetDefault("video.interval", 33*time.Millisecond)
	v.SetDefault("audio.interval", 20*time.Millisecond)
	v.SetDefault("media.frame_staleness", 2*time.Second)
	v.SetDefault("media.read_timeout", 500*time.Millisecond)
	v.SetDefault("audio.mix", false)

	v.SetDefault("files.rendezvous_timeout", 10*time.Second)
	v.SetDefault("files.chunk_size", 4096)

	v.SetDefault("chat.history_limit", 0)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		ListenAddr:  v.GetString("listen_addr"),
		VideoPort:   v.GetInt("video.port"),
		AudioPort:   v.GetInt("audio.port"),
		MetricsAddr: v.GetString("metrics_addr"),
		LogLevel:    v.GetString("log_level"),

		JPEGQuality:      v.GetInt("video.jpeg_quality"),
		FragmentSize:     v.GetInt("media.fragment_size"),
		VideoInterval:    v.GetDuration("video.interval"),
		AudioInterval:    v.GetDuration("audio.interval"),
		FrameStaleness:   v.GetDuration("media.frame_staleness"),
		MediaReadTimeout: v.GetDuration("media.read_timeout"),
		AudioMix:         v.GetBool("audio.mix"),

		RendezvousTimeout: v.GetDuration("files.rendezvous_timeout"),
		FileChunkSize:     v.GetInt("files.chunk_size"),

		ChatHistoryLimit: v.GetInt("chat.history_limit"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.VideoPort == c.AudioPort {
		return fmt.Errorf("video and audio relays must use distinct ports (both %d)", c.VideoPort)
	}
	if c.FragmentSize <= 0 || c.FragmentSize > 65000 {
		return fmt.Errorf("media.fragment_size %d out of range (1..65000)", c.FragmentSize)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("video.jpeg_quality %d out of range (1..100)", c.JPEGQuality)
	}
	if c.FileChunkSize <= 0 {
		return fmt.Errorf("files.chunk_size must be positive")
	}
	if c.VideoInterval <= 0 || c.AudioInterval <= 0 {
		return fmt.Errorf("media broadcast intervals must be positive")
	}
	return nil
}
