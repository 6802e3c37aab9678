package execx

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fredericlepied/aiops/internal/tools/files"
)

func call(t *testing.T, cfg Config, args map[string]any) (string, error) {
	t.Helper()
	return New(cfg).Handler(context.Background(), args)
}

func TestAllowlistedCommandRuns(t *testing.T) {
	cfg := Config{AllowedCommands: []string{"echo"}}
	got, err := call(t, cfg, map[string]any{"command": "echo hello world"})
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	if strings.TrimSpace(got) != "hello world" {
		t.Errorf("output = %q", got)
	}
}

func TestAllowlistMatchesBasename(t *testing.T) {
	cfg := Config{AllowedCommands: []string{"echo"}}
	got, err := call(t, cfg, map[string]any{"command": "/bin/echo via path"})
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	if strings.TrimSpace(got) != "via path" {
		t.Errorf("output = %q", got)
	}
}

func TestNonAllowlistedRejectedBeforeSpawn(t *testing.T) {
	marker := t.TempDir() + "/ran"
	cfg := Config{AllowedCommands: []string{"echo"}}
	_, err := call(t, cfg, map[string]any{"command": "touch " + marker})
	if err == nil || !strings.Contains(err.Error(), "not in the allowed list") {
		t.Fatalf("error = %v", err)
	}
	// The rejection must happen before any process starts.
	if _, statErr := call(t, Config{AllowedCommands: []string{"ls"}}, map[string]any{"command": "ls " + marker}); statErr == nil {
		t.Error("rejected command still executed")
	}
}

func TestWorkDirOutsideAllowedPathsRejected(t *testing.T) {
	root := t.TempDir()
	cfg := Config{
		AllowedCommands: []string{"pwd"},
		Policy:          files.Policy{AllowedPaths: []string{root}},
	}

	got, err := call(t, cfg, map[string]any{"command": "pwd", "workdir": "/"})
	if err == nil || !strings.Contains(err.Error(), "workdir rejected") {
		t.Fatalf("error = %v (output %q), want workdir policy rejection", err, got)
	}
	if got != "" {
		t.Errorf("command executed despite workdir rejection, output %q", got)
	}

	got, err = call(t, cfg, map[string]any{"command": "pwd", "workdir": root})
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	if !strings.Contains(got, root) {
		t.Errorf("output = %q, want working directory %q", got, root)
	}
}

func TestWorkDirUnrestrictedWithEmptyPolicy(t *testing.T) {
	cfg := Config{AllowedCommands: []string{"pwd"}}
	got, err := call(t, cfg, map[string]any{"command": "pwd", "workdir": "/"})
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	if strings.TrimSpace(got) != "/" {
		t.Errorf("output = %q, want /", got)
	}
}

func TestConfirmFallback(t *testing.T) {
	var prompted string
	cfg := Config{
		AllowedCommands: []string{},
		Confirm: func(prompt string) bool {
			prompted = prompt
			return true
		},
	}
	got, err := call(t, cfg, map[string]any{"command": "echo approved"})
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	if strings.TrimSpace(got) != "approved" {
		t.Errorf("output = %q", got)
	}
	if !strings.Contains(prompted, "echo approved") {
		t.Errorf("prompt = %q", prompted)
	}

	cfg.Confirm = func(string) bool { return false }
	if _, err := call(t, cfg, map[string]any{"command": "echo nope"}); err == nil ||
		!strings.Contains(err.Error(), "declined") {
		t.Errorf("declined run error = %v", err)
	}
}

func TestShellMetacharactersRejected(t *testing.T) {
	cfg := Config{AllowedCommands: []string{"echo"}}
	for _, command := range []string{
		"echo hi; rm -rf /",
		"echo hi | tee /tmp/x",
		"echo `id`",
		"echo $HOME",
		"echo hi > /tmp/x",
	} {
		if _, err := call(t, cfg, map[string]any{"command": command}); err == nil {
			t.Errorf("command %q accepted", command)
		}
	}
}

func TestTimeout(t *testing.T) {
	cfg := Config{AllowedCommands: []string{"sleep"}, Timeout: 50 * time.Millisecond}
	start := time.Now()
	_, err := call(t, cfg, map[string]any{"command": "sleep 10"})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("error = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not take effect")
	}
}

func TestEmptyCommand(t *testing.T) {
	if _, err := call(t, Config{}, map[string]any{"command": "   "}); err == nil {
		t.Error("empty command accepted")
	}
}
