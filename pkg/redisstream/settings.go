package redisstream

import (
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Group    string `mapstructure:"group"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled: false,
		Addr:    "localhost:6379",
		Group:   "chat-ui",
	}
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if s.Addr == "" {
		return errors.New("redis addr is empty")
	}
	if s.Group == "" {
		return errors.New("redis consumer group is empty")
	}
	return nil
}

func (s Settings) client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     s.Addr,
		Password: s.Password,
		DB:       s.DB,
	})
}
