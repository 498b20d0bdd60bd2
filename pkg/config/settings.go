// Package config loads server settings from a config file, BURATTINO_*
// environment variables, and bound CLI flags, in ascending precedence.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/burattino/pkg/claudecode"
)

type ServerSettings struct {
	Addr     string `mapstructure:"addr"`
	BasePath string `mapstructure:"base_path"`

	QueueDepth           int `mapstructure:"queue_depth"`
	EvictIdleSeconds     int `mapstructure:"evict_idle_seconds"`
	EvictIntervalSeconds int `mapstructure:"evict_interval_seconds"`
}

func (s ServerSettings) EvictIdle() time.Duration {
	return time.Duration(s.EvictIdleSeconds) * time.Second
}

func (s ServerSettings) EvictInterval() time.Duration {
	return time.Duration(s.EvictIntervalSeconds) * time.Second
}

type AgentSettings struct {
	Binary             string   `mapstructure:"binary"`
	WorkingDir         string   `mapstructure:"working_dir"`
	PermissionMode     string   `mapstructure:"permission_mode"`
	AllowedTools       []string `mapstructure:"allowed_tools"`
	SystemPrompt       string   `mapstructure:"system_prompt"`
	AppendSystemPrompt bool     `mapstructure:"append_system_prompt"`
	MaxTurns           int      `mapstructure:"max_turns"`
}

type HistorySettings struct {
	Root string `mapstructure:"root"`
}

type RedisSettings struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Group    string `mapstructure:"group"`
}

type StoreSettings struct {
	TranscriptDB      string `mapstructure:"transcript_db"`
	TurnsDB           string `mapstructure:"turns_db"`
	MemoryBudgetBytes int64  `mapstructure:"memory_budget_bytes"`
}

type LogSettings struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	WithCaller bool   `mapstructure:"with_caller"`
}

type Settings struct {
	Server  ServerSettings  `mapstructure:"server"`
	Agent   AgentSettings   `mapstructure:"agent"`
	History HistorySettings `mapstructure:"history"`
	Redis   RedisSettings   `mapstructure:"redis"`
	Store   StoreSettings   `mapstructure:"store"`
	Log     LogSettings     `mapstructure:"log"`
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.Server.Addr) == "" {
		return errors.New("server.addr is empty")
	}
	if bp := s.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return errors.Errorf("server.base_path %q must start with /", bp)
	}
	if strings.TrimSpace(s.Agent.Binary) == "" {
		return errors.New("agent.binary is empty")
	}
	if err := claudecode.PermissionMode(s.Agent.PermissionMode).Validate(); err != nil {
		return errors.Wrap(err, "agent.permission_mode")
	}
	if s.Agent.MaxTurns < 0 {
		return errors.Errorf("agent.max_turns must be >= 0, got %d", s.Agent.MaxTurns)
	}
	if s.Redis.Enabled {
		if strings.TrimSpace(s.Redis.Addr) == "" {
			return errors.New("redis.addr is empty")
		}
		if strings.TrimSpace(s.Redis.Group) == "" {
			return errors.New("redis.group is empty")
		}
	}
	if s.Store.MemoryBudgetBytes < 0 {
		return errors.New("store.memory_budget_bytes must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(s.Log.Format)) {
	case "", "text", "json":
	default:
		return errors.Errorf("log.format %q must be text or json", s.Log.Format)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.queue_depth", 8)
	v.SetDefault("server.evict_idle_seconds", 900)
	v.SetDefault("server.evict_interval_seconds", 60)

	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.permission_mode", string(claudecode.PermissionDefault))
	v.SetDefault("agent.append_system_prompt", true)

	v.SetDefault("history.root", "~/.claude/projects")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.group", "chat-ui")

	v.SetDefault("store.memory_budget_bytes", 32*1024*1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// NewViper builds the configured viper instance without reading anything yet.
// The caller binds flags onto it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BURATTINO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file (explicit path, else burattino.yaml from the
// usual locations), applies env and bound-flag overrides, and validates. A
// missing default config file is not an error.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if v == nil {
		v = NewViper()
	}
	if strings.TrimSpace(configFile) != "" {
		expanded, err := homedir.Expand(configFile)
		if err != nil {
			return nil, errors.Wrap(err, "expand config path")
		}
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", expanded)
		}
	} else {
		v.SetConfigName("burattino")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "burattino"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
