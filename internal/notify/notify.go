// Package notify dispatches scheduled-unit results to their configured
// channels. Sinks are named; a dispatch with no channel list goes to
// every registered sink.
package notify

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Sink delivers one notification.
type Sink interface {
	Deliver(title, body string) error
}

// Dispatcher fans notifications out to named sinks. It satisfies the
// scheduler's Notifier interface.
type Dispatcher struct {
	logger *slog.Logger

	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewDispatcher builds an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger: logger.With("component", "notify"),
		sinks:  make(map[string]Sink),
	}
}

// Register adds a named sink, replacing any previous one.
func (d *Dispatcher) Register(name string, sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[name] = sink
}

// Notify delivers to the named channels, or to all sinks when channels
// is empty. Delivery failures are logged, never propagated: a broken
// channel must not fail the scheduled unit.
func (d *Dispatcher) Notify(title, body string, channels []string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(channels) == 0 {
		for name, sink := range d.sinks {
			d.deliver(name, sink, title, body)
		}
		return
	}
	for _, name := range channels {
		sink, ok := d.sinks[name]
		if !ok {
			d.logger.Warn("unknown notification channel", "channel", name)
			continue
		}
		d.deliver(name, sink, title, body)
	}
}

func (d *Dispatcher) deliver(name string, sink Sink, title, body string) {
	if err := sink.Deliver(title, body); err != nil {
		d.logger.Warn("notification delivery failed", "channel", name, "error", err)
	}
}

// ConsoleSink writes notifications to a writer, stdout by default.
type ConsoleSink struct {
	Out io.Writer
}

// Deliver prints the notification.
func (c ConsoleSink) Deliver(title, body string) error {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	_, err := fmt.Fprintf(out, "\n=== %s ===\n%s\n", title, body)
	return err
}

// FileSink appends notifications to a log file, creating it on first
// use.
type FileSink struct {
	Path string

	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

// Deliver appends one timestamped entry.
func (f FileSink) Deliver(title, body string) error {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	file, err := os.OpenFile(f.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open notification log: %w", err)
	}
	defer file.Close()
	_, err = fmt.Fprintf(file, "[%s] %s\n%s\n\n", now().UTC().Format(time.RFC3339), title, body)
	return err
}
