package claudecode

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrStreamTruncated reports that the agent's stdout ended before a result
// envelope arrived. The assembler maps it to a failed outcome on the Turn.
var ErrStreamTruncated = errors.New("stream ended before result envelope")

const defaultBinPath = "claude"

// Config configures a Runner. The zero value runs the `claude` binary from
// PATH in the current directory with default permissions.
type Config struct {
	// BinPath is the agent executable. Defaults to "claude".
	BinPath string
	// WorkDir is the working directory for agent subprocesses.
	WorkDir string
	// SystemPrompt is appended to the agent's system prompt, or replaces it
	// when ReplaceSystemPrompt is set.
	SystemPrompt        string
	ReplaceSystemPrompt bool
	// MaxTurns caps agentic iterations per run. Zero leaves the CLI default.
	MaxTurns       int
	PermissionMode PermissionMode
	Tools          ToolPolicy
	// CmdFactory, when set, builds the subprocess instead of exec.CommandContext.
	// Used to wrap the agent in a sandbox launcher.
	CmdFactory func(ctx context.Context, bin string, args []string) (*exec.Cmd, error)
}

func (c Config) Validate() error {
	if err := c.PermissionMode.Validate(); err != nil {
		return err
	}
	if c.MaxTurns < 0 {
		return errors.Errorf("max turns must be >= 0, got %d", c.MaxTurns)
	}
	return nil
}

// TurnRequest is one prompt submission against an optional existing session.
type TurnRequest struct {
	Prompt          string
	ResumeSessionID string
}

// Runner spawns the agent CLI once per Turn and feeds its stream-json stdout
// to a callback, one decoded envelope at a time.
type Runner struct {
	cfg    Config
	logger zerolog.Logger
}

func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "runner config")
	}
	if cfg.BinPath == "" {
		cfg.BinPath = defaultBinPath
	}
	return &Runner{
		cfg:    cfg,
		logger: log.With().Str("component", "claude-runner").Logger(),
	}, nil
}

// Health verifies the agent binary is runnable.
func (r *Runner) Health() error {
	if err := exec.Command(r.cfg.BinPath, "--version").Run(); err != nil {
		return errors.Wrapf(err, "agent binary %q not runnable", r.cfg.BinPath)
	}
	return nil
}

// BuildArgs renders the CLI invocation for a request.
func (r *Runner) BuildArgs(req TurnRequest) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if r.cfg.SystemPrompt != "" {
		if r.cfg.ReplaceSystemPrompt {
			args = append(args, "--system-prompt", r.cfg.SystemPrompt)
		} else {
			args = append(args, "--append-system-prompt", r.cfg.SystemPrompt)
		}
	}
	if r.cfg.PermissionMode != "" && r.cfg.PermissionMode != PermissionDefault {
		args = append(args, "--permission-mode", string(r.cfg.PermissionMode))
	}
	if r.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(r.cfg.MaxTurns))
	}
	if v := r.cfg.Tools.FlagValue(); v != "" {
		args = append(args, "--allowedTools", v)
	}
	return args
}

// Stream runs one Turn and invokes fn for every decoded envelope, in stdout
// order, on the calling goroutine. Unknown and malformed lines are skipped.
// Returns ctx.Err() on cancellation, ErrStreamTruncated when stdout ended
// without a result envelope, or fn's error, which aborts the subprocess.
func (r *Runner) Stream(ctx context.Context, req TurnRequest, fn func(Envelope) error) error {
	args := r.BuildArgs(req)
	var cmd *exec.Cmd
	if r.cfg.CmdFactory != nil {
		factoryCmd, err := r.cfg.CmdFactory(ctx, r.cfg.BinPath, args)
		if err != nil {
			return errors.Wrap(err, "build agent command")
		}
		cmd = factoryCmd
	} else {
		cmd = exec.CommandContext(ctx, r.cfg.BinPath, args...)
	}
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "start %s", r.cfg.BinPath)
	}
	r.logger.Debug().Str("bin", r.cfg.BinPath).Strs("args", args).Msg("agent started")

	sawResult := false
	var fnErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, perr := ParseEnvelope(line)
		if perr != nil {
			r.logger.Debug().Err(perr).Msg("skipping undecodable line")
			continue
		}
		if se, ok := env.(*StreamEnvelope); ok && se.Event == nil {
			continue
		}
		if _, ok := env.(*ResultEnvelope); ok {
			sawResult = true
		}
		if fnErr = fn(env); fnErr != nil {
			_ = cmd.Process.Kill()
			break
		}
	}

	waitErr := cmd.Wait()
	scanErr := scanner.Err()
	if fnErr != nil {
		return fnErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if scanErr != nil {
		return errors.Wrap(scanErr, "read agent stdout")
	}
	if !sawResult {
		if waitErr != nil {
			return errors.Wrapf(ErrStreamTruncated, "agent exited: %v", waitErr)
		}
		return ErrStreamTruncated
	}
	if waitErr != nil {
		// The terminal envelope already arrived; a nonzero exit after it is
		// logged but does not fail the Turn.
		r.logger.Warn().Err(waitErr).Msg("agent exited nonzero after result envelope")
	}
	return nil
}
