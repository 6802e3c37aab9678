package skills

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fredericlepied/aiops/internal/security"
	"github.com/fredericlepied/aiops/internal/tools"
)

const (
	scriptToolName = "run_skill_script"

	scriptTimeout   = 30 * time.Second
	scriptOutputCap = 20 * 1024
)

type scriptArgs struct {
	Skill  string   `json:"skill" jsonschema:"description=Name of the installed skill"`
	Script string   `json:"script" jsonschema:"description=Script path relative to the skill directory"`
	Args   []string `json:"args,omitempty" jsonschema:"description=Arguments passed to the script"`
}

// ScriptTool builds the run_skill_script internal tool. The enabled
// switch is the allow_script_execution feature flag; the tool is
// registered either way so the model gets a clear refusal instead of
// an unknown-tool error.
func ScriptTool(set *Set, enabled bool) tools.Tool {
	return tools.Tool{
		Server: tools.ServerInternal,
		Name:   scriptToolName,
		Description: "Run a script shipped with an installed skill. Scripts run with a " +
			"filtered environment, a 30 s timeout, and output capped at 20 KB.",
		InputSchema: tools.MustSchema(&scriptArgs{}),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if !enabled {
				return "", fmt.Errorf("script execution is disabled; set allow_script_execution to enable it")
			}
			return runScript(ctx, set, args)
		},
	}
}

func runScript(ctx context.Context, set *Set, raw map[string]any) (string, error) {
	var args scriptArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}

	skill, ok := set.Get(args.Skill)
	if !ok {
		return "", fmt.Errorf("skill %q is not installed", args.Skill)
	}
	if !scriptAllowed(skill) {
		return "", fmt.Errorf("skill %q does not permit script execution", skill.Name)
	}

	path, err := resolveScript(skill.Dir, args.Script)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("script %q not found in skill %q", args.Script, skill.Name)
	}

	runCtx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, args.Args...)
	cmd.Dir = skill.Dir
	cmd.Env = filteredEnv()
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err = cmd.Run()
	output := buf.String()
	if len(output) > scriptOutputCap {
		output = output[:scriptOutputCap] + fmt.Sprintf("\n[truncated, %d bytes total]", buf.Len())
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("script %q timed out after %s", args.Script, scriptTimeout)
	}
	if err != nil {
		return "", fmt.Errorf("script %q failed: %v\n%s", args.Script, err, output)
	}
	if output == "" {
		return fmt.Sprintf("Script %q completed with no output", args.Script), nil
	}
	return output, nil
}

// resolveScript confines the script path to the skill directory.
func resolveScript(dir, script string) (string, error) {
	if strings.TrimSpace(script) == "" {
		return "", fmt.Errorf("script path is empty")
	}
	base, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve skill directory: %w", err)
	}
	path := filepath.Join(base, script)
	if path != base && !strings.HasPrefix(path, base+string(filepath.Separator)) {
		return "", fmt.Errorf("script path %q escapes the skill directory", script)
	}
	return path, nil
}

// filteredEnv strips secret-bearing variables; PATH always survives so
// scripts can find their interpreters.
func filteredEnv() []string {
	var env []string
	for _, entry := range os.Environ() {
		name, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if name != "PATH" && security.IsSecretEnvName(name) {
			continue
		}
		env = append(env, entry)
	}
	return env
}
