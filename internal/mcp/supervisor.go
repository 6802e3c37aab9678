package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/fredericlepied/aiops/internal/security"
)

// Supervisor maintains the directory of named tool-servers: connect,
// call, restart, and hot-reload from the spec file.
type Supervisor struct {
	logger       *slog.Logger
	fingerprints *security.FingerprintRegistry

	mu      sync.RWMutex
	specs   map[string]ServerSpec
	clients map[string]*client
}

// NewSupervisor builds a supervisor over the given server specs.
func NewSupervisor(specs []ServerSpec, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		logger:       logger.With("component", "supervisor"),
		fingerprints: security.NewFingerprintRegistry(),
		specs:        make(map[string]ServerSpec),
		clients:      make(map[string]*client),
	}
	for _, spec := range specs {
		s.specs[spec.Name] = spec
	}
	return s
}

// LoadSpecFile parses a servers.json document.
func LoadSpecFile(path string) ([]ServerSpec, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read server specs: %w", err)
	}
	var file SpecFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse server specs: %w", err)
	}
	return file.Servers, nil
}

// ConnectAll connects every configured server in parallel, giving each
// its own timeout. Partial failure is reported, not fatal: the failed
// names come back with their errors while the rest serve traffic.
func (s *Supervisor) ConnectAll(ctx context.Context) map[string]error {
	s.mu.RLock()
	specs := make([]ServerSpec, 0, len(s.specs))
	for _, spec := range s.specs {
		specs = append(specs, spec)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	var resMu sync.Mutex
	failures := make(map[string]error)

	for _, spec := range specs {
		wg.Add(1)
		go func(spec ServerSpec) {
			defer wg.Done()
			if err := s.connect(ctx, spec); err != nil {
				s.logger.Error("server connect failed", "server", spec.Name, "error", err)
				resMu.Lock()
				failures[spec.Name] = err
				resMu.Unlock()
			}
		}(spec)
	}
	wg.Wait()
	return failures
}

func (s *Supervisor) connect(ctx context.Context, spec ServerSpec) error {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	c := newClient(spec, s.logger)
	if err := c.connect(connectCtx); err != nil {
		return err
	}

	tools := c.Tools()
	defs := make([]security.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, security.ToolDefinition{
			Name:        qualifiedName(spec.Name, tool.Name),
			Description: tool.Description,
			InputSchema: json.RawMessage(tool.InputSchema),
		})
		for _, warning := range security.ValidateDescription(tool.Name, tool.Description) {
			s.logger.Warn("suspicious tool description", "server", spec.Name, "warning", warning)
		}
	}
	for _, change := range s.fingerprints.Check(spec.Name+"__", defs) {
		if change.Kind == security.ChangeModified {
			s.logger.Warn("tool definition changed since first registration",
				"tool", change.Tool, "server", spec.Name)
		}
	}
	s.fingerprints.Register(defs)

	s.mu.Lock()
	if old, ok := s.clients[spec.Name]; ok {
		old.close()
	}
	s.clients[spec.Name] = c
	s.mu.Unlock()
	return nil
}

// Call dispatches a tools/call to a connected server and returns the
// concatenated text reply.
func (s *Supervisor) Call(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	s.mu.RLock()
	c, ok := s.clients[server]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	if !c.connected() {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, server)
	}
	return c.callTool(ctx, tool, args)
}

// GetPrompt fetches a prompt template from a server, validating
// required arguments before the RPC.
func (s *Supervisor) GetPrompt(ctx context.Context, server, name string, args map[string]string) (*GetPromptResult, error) {
	s.mu.RLock()
	c, ok := s.clients[server]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	return c.getPrompt(ctx, name, args)
}

// Disconnect shuts one server down and removes its tools and prompts.
func (s *Supervisor) Disconnect(server string) {
	s.mu.Lock()
	c, ok := s.clients[server]
	if ok {
		delete(s.clients, server)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	var names []string
	for _, tool := range c.Tools() {
		names = append(names, qualifiedName(server, tool.Name))
	}
	s.fingerprints.Forget(names)
	c.close()
	s.logger.Info("server disconnected", "server", server)
}

// Restart disconnects then reconnects one server.
func (s *Supervisor) Restart(ctx context.Context, server string) error {
	s.mu.RLock()
	spec, ok := s.specs[server]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	s.Disconnect(server)
	return s.connect(ctx, spec)
}

// ReloadFromSpec diffs the new spec set against the current one by
// name: removed servers are disconnected, added ones connected,
// changed ones restarted. Unchanged servers are left alone.
func (s *Supervisor) ReloadFromSpec(ctx context.Context, newSpecs []ServerSpec) {
	added, removed, changed := diffSpecs(s.snapshotSpecs(), newSpecs)

	s.mu.Lock()
	s.specs = make(map[string]ServerSpec, len(newSpecs))
	for _, spec := range newSpecs {
		s.specs[spec.Name] = spec
	}
	s.mu.Unlock()

	for _, name := range removed {
		s.Disconnect(name)
	}
	for _, spec := range changed {
		s.Disconnect(spec.Name)
		if err := s.connect(ctx, spec); err != nil {
			s.logger.Error("reconnect after spec change failed", "server", spec.Name, "error", err)
		}
	}
	for _, spec := range added {
		if err := s.connect(ctx, spec); err != nil {
			s.logger.Error("connect new server failed", "server", spec.Name, "error", err)
		}
	}
	s.logger.Info("server specs reloaded",
		"added", len(added), "removed", len(removed), "changed", len(changed))
}

func (s *Supervisor) snapshotSpecs() []ServerSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	specs := make([]ServerSpec, 0, len(s.specs))
	for _, spec := range s.specs {
		specs = append(specs, spec)
	}
	return specs
}

// diffSpecs computes the reload plan by name, comparing entries with
// reflect.DeepEqual.
func diffSpecs(current, next []ServerSpec) (added []ServerSpec, removed []string, changed []ServerSpec) {
	currentByName := make(map[string]ServerSpec, len(current))
	for _, spec := range current {
		currentByName[spec.Name] = spec
	}
	nextByName := make(map[string]ServerSpec, len(next))
	for _, spec := range next {
		nextByName[spec.Name] = spec
	}

	for _, spec := range next {
		old, ok := currentByName[spec.Name]
		switch {
		case !ok:
			added = append(added, spec)
		case !reflect.DeepEqual(old, spec):
			changed = append(changed, spec)
		}
	}
	for _, spec := range current {
		if _, ok := nextByName[spec.Name]; !ok {
			removed = append(removed, spec.Name)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i].Name < added[j].Name })
	sort.Slice(changed, func(i, j int) bool { return changed[i].Name < changed[j].Name })
	sort.Strings(removed)
	return added, removed, changed
}

// Close disconnects every server.
func (s *Supervisor) Close() {
	for _, name := range s.ServerNames() {
		s.Disconnect(name)
	}
}

// ServerNames lists currently connected servers, sorted.
func (s *Supervisor) ServerNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns the tool definitions of one connected server.
func (s *Supervisor) Tools(server string) ([]Tool, error) {
	s.mu.RLock()
	c, ok := s.clients[server]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	return c.Tools(), nil
}

// Prompts returns the prompt definitions of one connected server.
func (s *Supervisor) Prompts(server string) ([]Prompt, error) {
	s.mu.RLock()
	c, ok := s.clients[server]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	return c.Prompts(), nil
}

// Status summarizes connection state per configured server.
func (s *Supervisor) Status() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := make(map[string]string, len(s.specs))
	for name := range s.specs {
		c, ok := s.clients[name]
		switch {
		case ok && c.connected():
			status[name] = fmt.Sprintf("connected (%d tools)", len(c.Tools()))
		case ok:
			status[name] = "disconnected"
		default:
			status[name] = "not started"
		}
	}
	return status
}

// qualifiedName renders server__tool, the name exposed to the model.
func qualifiedName(server, tool string) string {
	return server + "__" + tool
}

// SplitToolName parses a server__tool name. ok is false when the
// separator is missing.
func SplitToolName(name string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(name, "__")
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}
