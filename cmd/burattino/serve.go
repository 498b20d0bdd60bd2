package main

import (
	"context"
	"embed"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/burattino/pkg/claudecode"
	"github.com/go-go-golems/burattino/pkg/config"
	"github.com/go-go-golems/burattino/pkg/history"
	chatstore "github.com/go-go-golems/burattino/pkg/persistence/chatstore"
	"github.com/go-go-golems/burattino/pkg/redisstream"
	"github.com/go-go-golems/burattino/pkg/webchat"
)

//go:embed static
var staticFS embed.FS

func newServeCommand(v *viper.Viper, settings **config.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *settings)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", "", "listen address")
	flags.String("base-path", "", "mount prefix for all routes")
	flags.String("agent", "", "agent CLI binary")
	flags.String("cwd", "", "agent working directory")
	flags.String("permission-mode", "", "agent permission mode")
	flags.String("history-root", "", "session log root directory")
	flags.Bool("redis", false, "use Redis Streams as the event transport")
	flags.String("redis-addr", "", "redis address")
	flags.String("transcript-db", "", "sqlite file for the transcript snapshot store")
	flags.String("turns-db", "", "sqlite file for the sealed turn archive")
	_ = v.BindPFlag("server.addr", flags.Lookup("addr"))
	_ = v.BindPFlag("server.base_path", flags.Lookup("base-path"))
	_ = v.BindPFlag("agent.binary", flags.Lookup("agent"))
	_ = v.BindPFlag("agent.working_dir", flags.Lookup("cwd"))
	_ = v.BindPFlag("agent.permission_mode", flags.Lookup("permission-mode"))
	_ = v.BindPFlag("history.root", flags.Lookup("history-root"))
	_ = v.BindPFlag("redis.enabled", flags.Lookup("redis"))
	_ = v.BindPFlag("redis.addr", flags.Lookup("redis-addr"))
	_ = v.BindPFlag("store.transcript_db", flags.Lookup("transcript-db"))
	_ = v.BindPFlag("store.turns_db", flags.Lookup("turns-db"))
	return cmd
}

// agentStreamers builds one runner per run with the request overrides folded
// onto the configured agent defaults.
func agentStreamers(s *config.Settings) webchat.StreamerFactory {
	return func(ov webchat.RunOverrides) (webchat.TurnStreamer, error) {
		cfg := claudecode.Config{
			BinPath:             s.Agent.Binary,
			WorkDir:             s.Agent.WorkingDir,
			SystemPrompt:        s.Agent.SystemPrompt,
			ReplaceSystemPrompt: !s.Agent.AppendSystemPrompt,
			MaxTurns:            s.Agent.MaxTurns,
			PermissionMode:      claudecode.PermissionMode(s.Agent.PermissionMode),
			Tools:               claudecode.ToolPolicy{Allowed: s.Agent.AllowedTools},
		}
		if ov.PermissionMode != "" {
			cfg.PermissionMode = claudecode.PermissionMode(ov.PermissionMode)
		}
		if ov.WorkingDir != "" {
			cfg.WorkDir = ov.WorkingDir
		}
		return claudecode.NewRunner(cfg)
	}
}

func openTranscriptStore(s config.StoreSettings) (chatstore.TranscriptStore, error) {
	path := strings.TrimSpace(s.TranscriptDB)
	if path == "" {
		return chatstore.NewInMemoryTranscriptStore(s.MemoryBudgetBytes), nil
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	dsn, err := chatstore.SQLiteTranscriptDSNForFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "build transcript DSN")
	}
	return chatstore.NewSQLiteTranscriptStore(dsn)
}

func openTurnStore(s config.StoreSettings) (chatstore.TurnStore, error) {
	path := strings.TrimSpace(s.TurnsDB)
	if path == "" {
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	dsn, err := chatstore.SQLiteTurnDSNForFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "build turns DSN")
	}
	return chatstore.NewSQLiteTurnStore(dsn)
}

func runServe(ctx context.Context, s *config.Settings) error {
	if s == nil {
		return errors.New("settings not loaded")
	}

	backend, err := webchat.NewStreamBackend(redisstream.Settings{
		Enabled:  s.Redis.Enabled,
		Addr:     s.Redis.Addr,
		Password: s.Redis.Password,
		DB:       s.Redis.DB,
		Group:    s.Redis.Group,
	})
	if err != nil {
		return errors.Wrap(err, "build stream backend")
	}

	transcriptStore, err := openTranscriptStore(s.Store)
	if err != nil {
		return errors.Wrap(err, "open transcript store")
	}
	turnStore, err := openTurnStore(s.Store)
	if err != nil {
		return errors.Wrap(err, "open turn store")
	}
	historyStore, err := history.NewStore(s.History.Root)
	if err != nil {
		return errors.Wrap(err, "open history store")
	}

	srv, err := webchat.NewServer(ctx, webchat.RouterConfig{
		Addr:            s.Server.Addr,
		BasePath:        s.Server.BasePath,
		QueueDepth:      s.Server.QueueDepth,
		EvictIdle:       s.Server.EvictIdle(),
		EvictInterval:   s.Server.EvictInterval(),
		Backend:         backend,
		Streamers:       agentStreamers(s),
		TranscriptStore: transcriptStore,
		TurnStore:       turnStore,
		HistoryStore:    historyStore,
		StaticFS:        staticFS,
	})
	if err != nil {
		return errors.Wrap(err, "build server")
	}
	return srv.Run(ctx)
}
