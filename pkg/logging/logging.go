// Package logging configures the global zerolog logger.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options mirror the log section of the settings file.
type Options struct {
	Level string
	// Format is "text" or "json". Text uses the console writer when stderr is
	// a terminal and falls back to JSON otherwise.
	Format     string
	WithCaller bool
}

// Init applies opts to the global logger. Safe to call more than once; the
// last call wins.
func Init(opts Options) error {
	level := strings.ToLower(strings.TrimSpace(opts.Level))
	if level == "" {
		level = "info"
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", opts.Level)
	}
	zerolog.SetGlobalLevel(parsed)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	var logger zerolog.Logger
	if strings.EqualFold(opts.Format, "json") || !isatty.IsTerminal(os.Stderr.Fd()) {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	ctx := logger.With().Timestamp()
	if opts.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}
