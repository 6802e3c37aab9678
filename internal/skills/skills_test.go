package skills

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const manifest = `---
name: jenkins-triage
description: Summarize failing Jenkins jobs.
allowed-tools:
  - run_skill_script
scripts:
  - check.sh
---

When asked about Jenkins, start from the nightly pipeline.
`

func TestParseSkill(t *testing.T) {
	skill, err := ParseSkill([]byte(manifest), "/tmp/skills/jenkins-triage")
	if err != nil {
		t.Fatalf("ParseSkill() error = %v", err)
	}
	if skill.Name != "jenkins-triage" {
		t.Errorf("Name = %q", skill.Name)
	}
	if skill.Description != "Summarize failing Jenkins jobs." {
		t.Errorf("Description = %q", skill.Description)
	}
	if len(skill.Scripts) != 1 || skill.Scripts[0] != "check.sh" {
		t.Errorf("Scripts = %v", skill.Scripts)
	}
	if !strings.Contains(skill.Content, "nightly pipeline") {
		t.Errorf("Content = %q", skill.Content)
	}
}

func TestParseSkillErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no frontmatter", "just markdown\n"},
		{"unterminated frontmatter", "---\nname: x\n"},
		{"missing name", "---\ndescription: d\n---\nbody\n"},
		{"missing description", "---\nname: x\n---\nbody\n"},
	}
	for _, tt := range tests {
		if _, err := ParseSkill([]byte(tt.data), "/tmp"); err == nil {
			t.Errorf("%s: ParseSkill() expected error", tt.name)
		}
	}
}

func installSkill(t *testing.T, dir, name, body string) string {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, SkillFilename), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return skillDir
}

func writeInstalledFile(t *testing.T, path string, skills []InstalledSkill) {
	t.Helper()
	data, err := json.Marshal(installedFile{Skills: skills})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSetReload(t *testing.T) {
	dir := t.TempDir()
	skillDir := installSkill(t, dir, "jenkins-triage", manifest)
	brokenDir := installSkill(t, dir, "broken", "no frontmatter")

	installed := filepath.Join(dir, "skills.json")
	writeInstalledFile(t, installed, []InstalledSkill{
		{Name: "jenkins-triage", SourceType: "git", CachePath: skillDir},
		{Name: "broken", SourceType: "local", CachePath: brokenDir},
	})

	set := NewSet(installed, nil)
	set.Reload()

	if got := set.Names(); len(got) != 1 || got[0] != "jenkins-triage" {
		t.Errorf("Names() = %v", got)
	}
	if _, ok := set.Get("broken"); ok {
		t.Error("broken skill loaded")
	}
}

func TestSetReloadMissingFile(t *testing.T) {
	set := NewSet(filepath.Join(t.TempDir(), "skills.json"), nil)
	set.Reload()
	if got := set.Names(); len(got) != 0 {
		t.Errorf("Names() = %v, want empty", got)
	}
}

func TestSetReloadKeepsPreviousOnBadJSON(t *testing.T) {
	dir := t.TempDir()
	skillDir := installSkill(t, dir, "jenkins-triage", manifest)
	installed := filepath.Join(dir, "skills.json")
	writeInstalledFile(t, installed, []InstalledSkill{
		{Name: "jenkins-triage", SourceType: "git", CachePath: skillDir},
	})

	set := NewSet(installed, nil)
	set.Reload()

	if err := os.WriteFile(installed, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	set.Reload()
	if got := set.Names(); len(got) != 1 {
		t.Errorf("previous set lost after a bad reload: %v", got)
	}
}

func TestPromptSection(t *testing.T) {
	dir := t.TempDir()
	skillDir := installSkill(t, dir, "jenkins-triage", manifest)
	installed := filepath.Join(dir, "skills.json")
	writeInstalledFile(t, installed, []InstalledSkill{
		{Name: "jenkins-triage", SourceType: "git", CachePath: skillDir},
	})
	set := NewSet(installed, nil)
	set.Reload()

	withScripts := set.PromptSection(true)
	if !strings.Contains(withScripts, "jenkins-triage: Summarize failing Jenkins jobs.") {
		t.Errorf("section = %q", withScripts)
	}
	if !strings.Contains(withScripts, "check.sh") {
		t.Error("script hint missing when execution is enabled")
	}

	withoutScripts := set.PromptSection(false)
	if strings.Contains(withoutScripts, "check.sh") {
		t.Error("script hint present while execution is disabled")
	}

	empty := NewSet(filepath.Join(dir, "none.json"), nil)
	empty.Reload()
	if empty.PromptSection(true) != "" {
		t.Error("non-empty section for an empty set")
	}
}

func TestScriptAllowed(t *testing.T) {
	tests := []struct {
		name  string
		skill Skill
		want  bool
	}{
		{"explicit allow", Skill{AllowedTools: []string{"run_skill_script"}}, true},
		{"qualified allow", Skill{AllowedTools: []string{"internal__run_skill_script"}}, true},
		{"empty list with scripts", Skill{Scripts: []string{"a.sh"}}, true},
		{"empty list no scripts", Skill{}, false},
		{"other tools only", Skill{AllowedTools: []string{"internal__read_file"}, Scripts: []string{"a.sh"}}, false},
	}
	for _, tt := range tests {
		if got := scriptAllowed(&tt.skill); got != tt.want {
			t.Errorf("%s: scriptAllowed() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
