package config

import (
	"os"
	"path/filepath"
)

// Dir resolves the assistant config directory. AIOPS_CONFIG_DIR wins;
// otherwise ~/.aiops.
func Dir() string {
	if dir := os.Getenv("AIOPS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aiops"
	}
	return filepath.Join(home, ".aiops")
}

// EnsureDir creates the config directory tree if missing.
func EnsureDir() (string, error) {
	dir := Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// ServersPath is the tool-server spec file watched by the supervisor.
func ServersPath() string { return filepath.Join(Dir(), "servers.json") }

// SchedulePath is the schedule file watched by the scheduler.
func SchedulePath() string { return filepath.Join(Dir(), "schedule.json") }

// IdentityPath is the operator identity file.
func IdentityPath() string { return filepath.Join(Dir(), "identity.md") }

// SkillsDir holds installed skills.
func SkillsDir() string { return filepath.Join(Dir(), "skills") }

// InstalledSkillsPath is the installed-skills manifest.
func InstalledSkillsPath() string { return filepath.Join(Dir(), "skills.json") }

// KGPath is the knowledge graph database file.
func KGPath() string { return filepath.Join(Dir(), "knowledge.db") }

// SchedulerCachePath is the scheduler's persistent cache database.
func SchedulerCachePath() string { return filepath.Join(Dir(), "scheduler-cache.db") }
