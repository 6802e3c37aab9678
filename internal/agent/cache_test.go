package agent

import (
	"encoding/json"
	"testing"
)

func TestSignatureKeyOrderStable(t *testing.T) {
	a := Signature("internal__read_file", json.RawMessage(`{"path":"/tmp/x","max_lines":10}`))
	b := Signature("internal__read_file", json.RawMessage(`{"max_lines":10,"path":"/tmp/x"}`))
	if a != b {
		t.Errorf("reordered keys produced different signatures: %q vs %q", a, b)
	}

	c := Signature("internal__read_file", json.RawMessage(`{"path":"/tmp/y"}`))
	if a == c {
		t.Error("different arguments collided")
	}
	d := Signature("internal__search_in_file", json.RawMessage(`{"path":"/tmp/x","max_lines":10}`))
	if a == d {
		t.Error("different tool names collided")
	}
}

func TestSignatureMalformedInput(t *testing.T) {
	a := Signature("x__y", json.RawMessage(`not json`))
	b := Signature("x__y", json.RawMessage(`not json`))
	if a != b {
		t.Error("malformed input is not deterministic")
	}
}

func TestSignatureWindowCounting(t *testing.T) {
	w := newSignatureWindow(5)

	if got := w.Push("a"); got != 1 {
		t.Errorf("first push = %d, want 1", got)
	}
	w.Push("b")
	if got := w.Push("a"); got != 2 {
		t.Errorf("second a = %d, want 2", got)
	}
	if got := w.Push("a"); got != 3 {
		t.Errorf("third a = %d, want 3", got)
	}
}

func TestSignatureWindowSlides(t *testing.T) {
	w := newSignatureWindow(3)
	w.Push("a")
	w.Push("b")
	w.Push("c")
	w.Push("d") // evicts a
	if got := w.Push("a"); got != 1 {
		t.Errorf("evicted signature still counted: %d", got)
	}
}
