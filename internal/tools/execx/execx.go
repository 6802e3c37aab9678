// Package execx provides the execute_command internal tool: direct
// subprocess execution behind a basename allowlist and an operator
// confirmation fallback.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fredericlepied/aiops/internal/tools"
	"github.com/fredericlepied/aiops/internal/tools/files"
)

// Commands run directly, never through a shell, so metacharacters in
// the command string are always a mistake or an attack.
var shellMetachars = regexp.MustCompile("[;&|`$<>]")

// outputCap bounds captured stdout+stderr.
const outputCap = 20 * 1024

const (
	defaultTimeout = 30 * time.Second
	maxTimeout     = 300 * time.Second
)

// Config gates command execution.
type Config struct {
	// AllowedCommands is the basename allowlist. Commands outside it
	// need the confirmation callback.
	AllowedCommands []string

	// Confirm, when set, marks the session interactive: non-allowlisted
	// commands prompt instead of failing, and no timeout is imposed.
	Confirm tools.ConfirmFunc

	// Timeout for non-interactive runs. Zero means the 30 s default;
	// values above 300 s are capped.
	Timeout time.Duration

	// Policy restricts the working directory the same way the
	// filesystem tools restrict their paths.
	Policy files.Policy
}

type execArgs struct {
	Command string `json:"command" jsonschema:"description=Command line to run (no shell; pipes and redirection are rejected)"`
	WorkDir string `json:"workdir,omitempty" jsonschema:"description=Working directory for the command"`
}

// New builds the execute_command tool.
func New(cfg Config) tools.Tool {
	return tools.Tool{
		Server: tools.ServerInternal,
		Name:   "execute_command",
		Description: "Run a command directly (no shell). Only allowlisted commands run without confirmation; " +
			"output is capped at 20 KB.",
		InputSchema: tools.MustSchema(&execArgs{}),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return run(ctx, cfg, args)
		},
	}
}

func run(ctx context.Context, cfg Config, raw map[string]any) (string, error) {
	var args execArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}

	command := strings.TrimSpace(args.Command)
	if command == "" {
		return "", fmt.Errorf("command is empty")
	}
	if shellMetachars.MatchString(command) {
		return "", fmt.Errorf("command contains shell metacharacters; pipes and redirection are not supported")
	}

	tokens := strings.Fields(command)
	base := filepath.Base(tokens[0])

	workDir := ""
	if strings.TrimSpace(args.WorkDir) != "" {
		resolved, err := cfg.Policy.Resolve(args.WorkDir)
		if err != nil {
			return "", fmt.Errorf("workdir rejected: %w", err)
		}
		workDir = resolved
	}

	if !allowed(cfg.AllowedCommands, base) {
		if cfg.Confirm == nil {
			return "", fmt.Errorf("command %q is not in the allowed list", base)
		}
		if !cfg.Confirm(fmt.Sprintf("Run command: %s?", command)) {
			return "", fmt.Errorf("command %q was declined by the operator", base)
		}
	}

	// Interactive sessions have a human watching; only background runs
	// get a deadline.
	runCtx := ctx
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	if cfg.Confirm == nil {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, tokens[0], tokens[1:]...)
	cmd.Dir = workDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if len(output) > outputCap {
		output = output[:outputCap] + fmt.Sprintf("\n[truncated, %d bytes total]", buf.Len())
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command %q timed out after %s", base, timeout)
	}
	if err != nil {
		return "", fmt.Errorf("command %q failed: %v\n%s", base, err, output)
	}
	if output == "" {
		return fmt.Sprintf("Command %q completed with no output", base), nil
	}
	return output, nil
}

func allowed(list []string, base string) bool {
	for _, entry := range list {
		if entry == base {
			return true
		}
	}
	return false
}
