package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fredericlepied/aiops/internal/security"
)

// responseQueueSize buffers responses between the reader goroutine and
// consumers. Without a buffer the first response can arrive before the
// caller is registered to receive it and get dropped.
const responseQueueSize = 10

// maxLineSize bounds a single JSON-RPC line from the server.
const maxLineSize = 10 * 1024 * 1024

// transport owns one subprocess and its stdio streams. One consumer at
// a time issues calls; the reader goroutine routes responses to the
// pending map.
type transport struct {
	spec   ServerSpec
	logger *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu      sync.Mutex
	pending map[int64]chan *jsonRPCResponse

	notifications chan *jsonRPCResponse
	nextID        atomic.Int64
	connected     atomic.Bool
	writeMu       sync.Mutex
	done          chan struct{}
}

func newTransport(spec ServerSpec, logger *slog.Logger) *transport {
	return &transport{
		spec:          spec,
		logger:        logger.With("server", spec.Name),
		pending:       make(map[int64]chan *jsonRPCResponse),
		notifications: make(chan *jsonRPCResponse, responseQueueSize),
		done:          make(chan struct{}),
	}
}

// start spawns the subprocess and begins reading its stdout.
func (t *transport) start(ctx context.Context) error {
	if t.spec.Command == "" {
		return fmt.Errorf("server %s: no command", t.spec.Name)
	}

	cmd := exec.CommandContext(ctx, t.spec.Command, t.spec.Args...)
	cmd.Dir = t.spec.WorkDir
	cmd.Env = buildEnv(t.spec.Env)
	// Let the loop below control shutdown instead of an immediate kill
	// on context cancellation.
	cmd.Cancel = func() error { return nil }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("server %s: stdin pipe: %w", t.spec.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("server %s: stdout pipe: %w", t.spec.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("server %s: stderr pipe: %w", t.spec.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("server %s: start %s: %w", t.spec.Name, t.spec.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.connected.Store(true)

	go t.readLoop(stdout)
	go t.drainStderr(stderr)

	return nil
}

// buildEnv passes the parent environment through with secret-bearing
// variables removed, then applies the spec's own entries on top.
func buildEnv(specEnv map[string]string) []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && security.IsSecretEnvName(name) {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range specEnv {
		env = append(env, k+"="+v)
	}
	return env
}

func (t *transport) readLoop(stdout io.Reader) {
	defer func() {
		t.connected.Store(false)
		close(t.done)
		t.failPending(fmt.Errorf("server %s: connection closed", t.spec.Name))
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp jsonRPCResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Warn("non-JSON line from server", "line", truncateForLog(string(line)))
			continue
		}
		if resp.ID == nil {
			// Server-initiated notification; keep a bounded backlog.
			select {
			case t.notifications <- &resp:
			default:
				t.logger.Debug("notification queue full, dropping", "method", resp.Method)
			}
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[*resp.ID]
		if ok {
			delete(t.pending, *resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- &resp
		} else {
			t.logger.Debug("response for unknown id dropped", "id", *resp.ID)
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("read from server failed", "error", err)
	}
}

func (t *transport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	for scanner.Scan() {
		t.logger.Debug("server stderr", "line", scanner.Text())
	}
}

func (t *transport) failPending(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.pending {
		delete(t.pending, id)
		ch <- &jsonRPCResponse{ID: &id, Error: &jsonRPCError{Code: -32000, Message: err.Error()}}
	}
}

// call issues one request and waits for its response or ctx.
func (t *transport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, t.spec.Name)
	}

	id := t.nextID.Add(1)
	// Register before writing so the response cannot slip past us.
	ch := make(chan *jsonRPCResponse, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.writeLine(jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("server %s: %s: %s (code %d)", t.spec.Name, method, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, fmt.Errorf("server %s: %s: %w", t.spec.Name, method, ctx.Err())
	}
}

// notify sends a notification (no response expected).
func (t *transport) notify(method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("%w: %s", ErrNotConnected, t.spec.Name)
	}
	return t.writeLine(jsonRPCNotification{JSONRPC: "2.0", Method: method, Params: params})
}

func (t *transport) writeLine(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("server %s: encode message: %w", t.spec.Name, err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("server %s: write: %w", t.spec.Name, err)
	}
	return nil
}

// close shuts the subprocess down: close stdin, wait up to the grace
// period, then kill.
func (t *transport) close() {
	if t.cmd == nil {
		return
	}
	t.connected.Store(false)
	if t.stdin != nil {
		t.stdin.Close()
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- t.cmd.Wait() }()

	select {
	case <-waitDone:
	case <-time.After(closeGrace):
		t.logger.Warn("server did not exit, killing")
		if t.cmd.Process != nil {
			t.cmd.Process.Kill()
		}
		<-waitDone
	}
}

func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
