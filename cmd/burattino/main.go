package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/burattino/pkg/config"
	"github.com/go-go-golems/burattino/pkg/logging"
)

func main() {
	v := config.NewViper()

	var cfgFile string
	var settings *config.Settings

	root := &cobra.Command{
		Use:           "burattino",
		Short:         "Streaming transcript chat server for a command-line agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			s, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			settings = s
			return logging.Init(logging.Options{
				Level:      s.Log.Level,
				Format:     s.Log.Format,
				WithCaller: s.Log.WithCaller,
			})
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default burattino.yaml in . or ~/.config/burattino)")
	root.PersistentFlags().String("log-level", "", "log level (trace|debug|info|warn|error)")
	root.PersistentFlags().String("log-format", "", "log format (text|json)")
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(newServeCommand(v, &settings))
	root.AddCommand(newHistoryCommand(v, &settings))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
