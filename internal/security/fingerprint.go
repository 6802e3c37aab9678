package security

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
)

// ToolDefinition is the externally visible part of a tool: the fields
// a server could silently change after first registration.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Fingerprint computes a stable SHA-256 over the canonical JSON form
// of the definition. json.Marshal sorts map keys, so schemas decoded
// into map form hash identically regardless of source key order.
func Fingerprint(def ToolDefinition) string {
	canonical := struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		InputSchema any    `json:"input_schema"`
	}{Name: def.Name, Description: def.Description}

	if len(def.InputSchema) > 0 {
		var schema any
		if err := json.Unmarshal(def.InputSchema, &schema); err == nil {
			canonical.InputSchema = schema
		} else {
			canonical.InputSchema = string(def.InputSchema)
		}
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		// Marshal of the struct above cannot fail, but keep a stable
		// value just in case.
		data = []byte(def.Name)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChangeKind classifies a fingerprint delta.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change reports one tool whose definition differs from the recorded
// fingerprint.
type Change struct {
	Tool string
	Kind ChangeKind
}

// FingerprintRegistry remembers the first-seen fingerprint of every
// tool and detects rug-pulls: definitions changed after registration.
type FingerprintRegistry struct {
	mu    sync.Mutex
	known map[string]string
}

func NewFingerprintRegistry() *FingerprintRegistry {
	return &FingerprintRegistry{known: make(map[string]string)}
}

// Register records fingerprints for tools seen for the first time.
// Already-known tools keep their original fingerprint.
func (r *FingerprintRegistry) Register(defs []ToolDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range defs {
		if _, ok := r.known[def.Name]; !ok {
			r.known[def.Name] = Fingerprint(def)
		}
	}
}

// Check compares the current definitions against the registry and
// reports added, modified, and removed tools. Removal is judged only
// within scope, a tool-name prefix identifying the server being
// checked (empty scope means the whole registry); without it, checking
// one server's tools would report every other server's as removed. The
// registry is not updated; a modified tool keeps reporting until
// re-registered.
func (r *FingerprintRegistry) Check(scope string, defs []ToolDefinition) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(defs))
	var changes []Change
	for _, def := range defs {
		seen[def.Name] = true
		recorded, ok := r.known[def.Name]
		switch {
		case !ok:
			changes = append(changes, Change{Tool: def.Name, Kind: ChangeAdded})
		case recorded != Fingerprint(def):
			changes = append(changes, Change{Tool: def.Name, Kind: ChangeModified})
		}
	}
	for name := range r.known {
		if !strings.HasPrefix(name, scope) {
			continue
		}
		if !seen[name] {
			changes = append(changes, Change{Tool: name, Kind: ChangeRemoved})
		}
	}
	return changes
}

// Forget drops recorded fingerprints, used when a server is
// intentionally disconnected.
func (r *FingerprintRegistry) Forget(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		delete(r.known, n)
	}
}
