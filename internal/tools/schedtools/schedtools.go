// Package schedtools provides the internal tools that manage the
// schedule file (monitors and tasks) and enqueue one-shot future
// actions. Edits go through the file; the watcher picks them up and
// reloads the scheduler.
package schedtools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fredericlepied/aiops/internal/schedule"
	"github.com/fredericlepied/aiops/internal/tools"
)

// ActionScheduler enqueues a single future run. The runtime implements
// it on top of the live scheduler.
type ActionScheduler interface {
	RunAt(at time.Time, unit schedule.Unit) error
}

type addArgs struct {
	Name                 string   `json:"name" jsonschema:"description=Unique schedule entry name"`
	Prompt               string   `json:"prompt" jsonschema:"description=Prompt the unit runs; mcp://server/name resolves a server prompt"`
	Interval             string   `json:"interval" jsonschema:"description=Cadence: a duration (30m) or HH:MM on <days> or <every> between <start> and <end>"`
	Description          string   `json:"description,omitempty" jsonschema:"description=Human-readable purpose"`
	Notify               bool     `json:"notify,omitempty" jsonschema:"description=Send the result to notification channels"`
	NotificationChannels []string `json:"notification_channels,omitempty" jsonschema:"description=Channels to notify"`
	MaxTurns             int      `json:"max_turns,omitempty" jsonschema:"description=Turn cap override for this unit"`
}

type nameArgs struct {
	Name string `json:"name" jsonschema:"description=Schedule entry name"`
}

type enableArgs struct {
	Name    string `json:"name" jsonschema:"description=Schedule entry name"`
	Enabled bool   `json:"enabled" jsonschema:"description=Desired enabled state"`
}

type actionArgs struct {
	Name   string `json:"name" jsonschema:"description=Short name for the one-shot action"`
	Prompt string `json:"prompt" jsonschema:"description=Prompt to run once"`
	In     string `json:"in,omitempty" jsonschema:"description=Delay before running (e.g. 45m); mutually exclusive with at"`
	At     string `json:"at,omitempty" jsonschema:"description=Clock time HH:MM today (or tomorrow if already past)"`
}

// New builds the schedule tool set over the file at path. actions may
// be nil when no live scheduler is attached; the one-shot tool then
// reports unavailability.
func New(path string, actions ActionScheduler, now func() time.Time) []tools.Tool {
	if now == nil {
		now = time.Now
	}
	return []tools.Tool{
		{
			Server:      tools.ServerInternal,
			Name:        "add_monitor",
			Description: "Add a recurring monitor to the schedule. The scheduler reloads automatically.",
			InputSchema: tools.MustSchema(&addArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return addEntry(path, args, true)
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "add_task",
			Description: "Add a recurring task to the schedule. The scheduler reloads automatically.",
			InputSchema: tools.MustSchema(&addArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return addEntry(path, args, false)
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "list_schedules",
			Description: "List configured monitors and tasks with cadence and enabled state.",
			InputSchema: tools.MustSchema(&struct{}{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return listEntries(path)
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "remove_schedule",
			Description: "Remove a monitor or task from the schedule by name.",
			InputSchema: tools.MustSchema(&nameArgs{}),
			Confirm:     true,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return removeEntry(path, args)
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "set_schedule_enabled",
			Description: "Enable or disable a monitor or task without removing it.",
			InputSchema: tools.MustSchema(&enableArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return setEnabled(path, args)
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "schedule_action",
			Description: "Enqueue a one-shot action: run a prompt once after a delay or at a clock time today.",
			InputSchema: tools.MustSchema(&actionArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return scheduleAction(actions, now, args)
			},
		},
	}
}

func addEntry(path string, raw map[string]any, monitor bool) (string, error) {
	var args addArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	if _, err := schedule.ParseCadence(args.Interval); err != nil {
		return "", fmt.Errorf("invalid interval: %w", err)
	}

	f, err := schedule.LoadFile(path)
	if err != nil {
		return "", err
	}
	if f.FindEntry(args.Name) != nil {
		return "", fmt.Errorf("schedule entry %q already exists", args.Name)
	}
	entry := schedule.Entry{
		Name:                 args.Name,
		Prompt:               args.Prompt,
		Interval:             args.Interval,
		Description:          args.Description,
		Enabled:              true,
		Notify:               args.Notify,
		NotificationChannels: args.NotificationChannels,
		MaxTurns:             args.MaxTurns,
	}
	kind := "task"
	if monitor {
		f.Monitors = append(f.Monitors, entry)
		kind = "monitor"
	} else {
		f.Tasks = append(f.Tasks, entry)
	}
	if err := schedule.SaveFile(path, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("Added %s %q (%s)", kind, args.Name, args.Interval), nil
}

func listEntries(path string) (string, error) {
	f, err := schedule.LoadFile(path)
	if err != nil {
		return "", err
	}
	if len(f.Monitors) == 0 && len(f.Tasks) == 0 {
		return "No schedules configured.", nil
	}
	var b strings.Builder
	render := func(heading string, entries []schedule.Entry) {
		if len(entries) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s:\n", heading)
		for _, e := range entries {
			state := "enabled"
			if !e.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(&b, "  %s — %s (%s)\n", e.Name, e.Interval, state)
			if e.Description != "" {
				fmt.Fprintf(&b, "    %s\n", e.Description)
			}
		}
	}
	render("Monitors", f.Monitors)
	render("Tasks", f.Tasks)
	return strings.TrimRight(b.String(), "\n"), nil
}

func removeEntry(path string, raw map[string]any) (string, error) {
	var args nameArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	f, err := schedule.LoadFile(path)
	if err != nil {
		return "", err
	}
	if !f.RemoveEntry(args.Name) {
		return "", fmt.Errorf("no schedule entry named %q", args.Name)
	}
	if err := schedule.SaveFile(path, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed %q", args.Name), nil
}

func setEnabled(path string, raw map[string]any) (string, error) {
	var args enableArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	f, err := schedule.LoadFile(path)
	if err != nil {
		return "", err
	}
	entry := f.FindEntry(args.Name)
	if entry == nil {
		return "", fmt.Errorf("no schedule entry named %q", args.Name)
	}
	entry.Enabled = args.Enabled
	if err := schedule.SaveFile(path, f); err != nil {
		return "", err
	}
	state := "disabled"
	if args.Enabled {
		state = "enabled"
	}
	return fmt.Sprintf("%s is now %s", args.Name, state), nil
}

func scheduleAction(actions ActionScheduler, now func() time.Time, raw map[string]any) (string, error) {
	var args actionArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	if actions == nil {
		return "", fmt.Errorf("one-shot actions are not available in this session")
	}
	if (args.In == "") == (args.At == "") {
		return "", fmt.Errorf("exactly one of in or at is required")
	}

	var at time.Time
	if args.In != "" {
		d, err := time.ParseDuration(args.In)
		if err != nil || d <= 0 {
			return "", fmt.Errorf("invalid delay %q", args.In)
		}
		at = now().Add(d)
	} else {
		var hour, minute int
		if _, err := fmt.Sscanf(args.At, "%d:%d", &hour, &minute); err != nil ||
			hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return "", fmt.Errorf("invalid time %q (want HH:MM)", args.At)
		}
		n := now()
		at = time.Date(n.Year(), n.Month(), n.Day(), hour, minute, 0, 0, n.Location())
		if !at.After(n) {
			at = at.AddDate(0, 0, 1)
		}
	}

	unit := schedule.Unit{Entry: schedule.Entry{Name: args.Name, Prompt: args.Prompt, Enabled: true}}
	if err := actions.RunAt(at, unit); err != nil {
		return "", err
	}
	return fmt.Sprintf("Scheduled %q for %s", args.Name, at.Format(time.RFC3339)), nil
}
