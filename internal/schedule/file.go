package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Entry is one persisted schedule item.
type Entry struct {
	Name                 string            `json:"name"`
	Prompt               string            `json:"prompt"`
	Interval             string            `json:"interval"`
	Description          string            `json:"description,omitempty"`
	Enabled              bool              `json:"enabled"`
	Conditions           []string          `json:"conditions,omitempty"`
	PromptArguments      map[string]string `json:"prompt_arguments,omitempty"`
	Notify               bool              `json:"notify,omitempty"`
	NotificationChannels []string          `json:"notification_channels,omitempty"`
	MaxTurns             int               `json:"max_turns,omitempty"`
}

// File is the watched schedule.json document.
type File struct {
	Version  int     `json:"version"`
	Monitors []Entry `json:"monitors"`
	Tasks    []Entry `json:"tasks"`

	// DefaultsSeeded records that the built-in tasks were added once.
	// Without it a renamed or deleted default would be re-added on every
	// load.
	DefaultsSeeded bool `json:"defaults_seeded,omitempty"`
}

// Unit is an entry with its cadence parsed, ready to drive.
type Unit struct {
	Entry
	Cadence Cadence
}

// DefaultSynthesisName is the unit the engine guarantees exists.
const DefaultSynthesisName = "nightly-synthesis"

func defaultSynthesisEntry() Entry {
	return Entry{
		Name:        DefaultSynthesisName,
		Prompt:      "Run a knowledge synthesis pass over recent conversations.",
		Interval:    "3:00 on daily",
		Description: "Mines recent conversations for durable learnings.",
		Enabled:     true,
	}
}

// LoadFile reads and parses the schedule file. A missing file yields
// an empty document.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &File{Version: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read schedule file: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schedule file: %w", err)
	}
	return &f, nil
}

// SaveFile writes the document atomically.
func SaveFile(path string, f *File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create schedule dir: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schedule file: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write schedule file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace schedule file: %w", err)
	}
	return nil
}

// EnsureDefaults seeds the nightly synthesis task, once per file.
// A file already seeded is left alone even when the user renamed or
// removed the default. Returns true when the file was modified.
func EnsureDefaults(f *File) bool {
	if f.DefaultsSeeded {
		return false
	}
	f.DefaultsSeeded = true
	for _, e := range append(append([]Entry(nil), f.Monitors...), f.Tasks...) {
		if e.Name == DefaultSynthesisName {
			return true
		}
	}
	f.Tasks = append(f.Tasks, defaultSynthesisEntry())
	return true
}

// Units parses every enabled entry's cadence. Entries that fail to
// parse are returned in errs but do not block the rest.
func (f *File) Units() (units []Unit, errs []error) {
	for _, entry := range append(append([]Entry(nil), f.Monitors...), f.Tasks...) {
		if !entry.Enabled {
			continue
		}
		cadence, err := ParseCadence(entry.Interval)
		if err != nil {
			errs = append(errs, fmt.Errorf("unit %s: %w", entry.Name, err))
			continue
		}
		units = append(units, Unit{Entry: entry, Cadence: cadence})
	}
	return units, errs
}

// FindEntry locates an entry by name in either section. The returned
// pointer aliases the document.
func (f *File) FindEntry(name string) *Entry {
	for i := range f.Monitors {
		if f.Monitors[i].Name == name {
			return &f.Monitors[i]
		}
	}
	for i := range f.Tasks {
		if f.Tasks[i].Name == name {
			return &f.Tasks[i]
		}
	}
	return nil
}

// RemoveEntry deletes an entry by name. Returns false when absent.
func (f *File) RemoveEntry(name string) bool {
	for i := range f.Monitors {
		if f.Monitors[i].Name == name {
			f.Monitors = append(f.Monitors[:i], f.Monitors[i+1:]...)
			return true
		}
	}
	for i := range f.Tasks {
		if f.Tasks[i].Name == name {
			f.Tasks = append(f.Tasks[:i], f.Tasks[i+1:]...)
			return true
		}
	}
	return false
}
