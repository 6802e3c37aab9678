// Package skills loads installed agent skills: markdown documents with
// YAML frontmatter that extend the system prompt, optionally shipping
// scripts the model may run through the script-execution tool.
package skills

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the manifest expected in each skill directory.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// Skill is one parsed skill manifest.
type Skill struct {
	// Name is the unique skill identifier (lowercase, hyphens allowed).
	Name string `yaml:"name"`

	// Description explains what the skill does and when to use it.
	Description string `yaml:"description"`

	// AllowedTools gates which tools the skill may reference. Empty
	// means unrestricted.
	AllowedTools []string `yaml:"allowed-tools"`

	// Scripts lists executable files shipped with the skill, relative
	// to its directory.
	Scripts []string `yaml:"scripts"`

	// Content is the markdown body.
	Content string `yaml:"-"`

	// Dir is the directory the skill was loaded from.
	Dir string `yaml:"-"`
}

// InstalledSkill is one record of the installed-skills file.
type InstalledSkill struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	SourceType  string `json:"source_type"`
	Branch      string `json:"branch,omitempty"`
	InstalledAt string `json:"installed_at"`
	CachePath   string `json:"cache_path"`
}

type installedFile struct {
	Skills []InstalledSkill `json:"skills"`
}

// ParseSkill parses SKILL.md content.
func ParseSkill(data []byte, dir string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if skill.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}
	skill.Content = strings.TrimSpace(string(body))
	skill.Dir = dir
	return &skill, nil
}

// ParseSkillFile parses the manifest in a skill directory.
func ParseSkillFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill: %w", err)
	}
	return ParseSkill(data, filepath.Dir(path))
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}
	var front []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		front = append(front, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}
	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return []byte(strings.Join(front, "\n")), []byte(strings.Join(body, "\n")), nil
}

// Set holds the currently loaded skills. Reload is safe against
// concurrent readers; a failed reload keeps the previous set.
type Set struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewSet builds a set over the installed-skills file at path.
func NewSet(path string, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{
		path:   path,
		logger: logger.With("component", "skills"),
		skills: make(map[string]*Skill),
	}
}

// Reload re-reads the installed-skills file and every skill manifest.
// A missing file yields an empty set; individual broken skills are
// logged and skipped.
func (s *Set) Reload() {
	loaded := make(map[string]*Skill)

	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		// No skills installed.
	case err != nil:
		s.logger.Warn("installed-skills file unreadable, keeping previous set", "error", err)
		return
	default:
		var installed installedFile
		if err := json.Unmarshal(data, &installed); err != nil {
			s.logger.Warn("installed-skills file invalid, keeping previous set", "error", err)
			return
		}
		for _, rec := range installed.Skills {
			skill, err := ParseSkillFile(filepath.Join(rec.CachePath, SkillFilename))
			if err != nil {
				s.logger.Warn("skipping broken skill", "name", rec.Name, "error", err)
				continue
			}
			loaded[skill.Name] = skill
		}
	}

	s.mu.Lock()
	s.skills = loaded
	s.mu.Unlock()
	s.logger.Info("skills loaded", "count", len(loaded))
}

// Get looks a skill up by name.
func (s *Set) Get(name string) (*Skill, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	skill, ok := s.skills[name]
	return skill, ok
}

// Names returns the loaded skill names, sorted.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.skills))
	for name := range s.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PromptSection renders the Agent Skills block for the system prompt.
// Script hints are included only when script execution is enabled.
func (s *Set) PromptSection(scriptExecEnabled bool) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.skills) == 0 {
		return ""
	}

	names := make([]string, 0, len(s.skills))
	for name := range s.skills {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		skill := s.skills[name]
		fmt.Fprintf(&b, "- %s: %s\n", skill.Name, skill.Description)
		if scriptExecEnabled && len(skill.Scripts) > 0 {
			fmt.Fprintf(&b, "  Scripts (run with internal__run_skill_script): %s\n",
				strings.Join(skill.Scripts, ", "))
		}
	}
	return b.String()
}

// scriptAllowed reports whether the skill permits the script-exec tool.
func scriptAllowed(skill *Skill) bool {
	if len(skill.AllowedTools) == 0 {
		return len(skill.Scripts) > 0
	}
	for _, name := range skill.AllowedTools {
		trimmed := strings.TrimPrefix(name, "internal__")
		if trimmed == scriptToolName {
			return true
		}
	}
	return false
}
