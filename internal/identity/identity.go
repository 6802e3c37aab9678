// Package identity loads the operator-authored identity paragraph that
// opens every system prompt. The file is cached and re-read on watcher
// callbacks so edits apply to the next query.
package identity

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Source caches the identity file contents.
type Source struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	text string
}

// New builds a source over path and performs the initial load.
func New(path string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{path: path, logger: logger.With("component", "identity")}
	s.Reload()
	return s
}

// Text returns the cached identity paragraph; empty when no file
// exists, letting the caller fall back to a default.
func (s *Source) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.text
}

// Reload re-reads the file. A missing file clears the cache; a read
// error keeps the previous text.
func (s *Source) Reload() {
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		s.mu.Lock()
		s.text = ""
		s.mu.Unlock()
	case err != nil:
		s.logger.Warn("identity file unreadable, keeping previous text", "error", err)
	default:
		s.mu.Lock()
		s.text = strings.TrimSpace(string(data))
		s.mu.Unlock()
		s.logger.Debug("identity reloaded", "path", s.path)
	}
}
