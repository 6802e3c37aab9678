package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Signature identifies a tool call by name and canonicalized
// arguments, so repeated calls with reordered keys still collide.
func Signature(name string, input json.RawMessage) string {
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		decoded = string(input)
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		canonical = input
	}
	sum := sha256.Sum256(canonical)
	return name + ":" + hex.EncodeToString(sum[:8])
}

// signatureWindow remembers the last few tool-call signatures to
// detect a stuck loop.
type signatureWindow struct {
	size    int
	entries []string
}

func newSignatureWindow(size int) *signatureWindow {
	return &signatureWindow{size: size}
}

// Push records a signature and reports how many times it now appears
// in the window.
func (w *signatureWindow) Push(sig string) int {
	w.entries = append(w.entries, sig)
	if len(w.entries) > w.size {
		w.entries = w.entries[len(w.entries)-w.size:]
	}
	count := 0
	for _, e := range w.entries {
		if e == sig {
			count++
		}
	}
	return count
}
