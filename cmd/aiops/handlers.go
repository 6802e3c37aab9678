// handlers.go implements the slash verb handlers. Agent verbs build
// the full runtime; knowledge graph verbs open the store directly so
// they work without chat backend credentials.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fredericlepied/aiops/internal/agent"
	"github.com/fredericlepied/aiops/internal/config"
	"github.com/fredericlepied/aiops/internal/kg"
	"github.com/fredericlepied/aiops/internal/observability"
	"github.com/fredericlepied/aiops/internal/runtime"
)

// signalContext cancels on SIGINT/SIGTERM so in-flight queries stop at
// the next suspension point.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runQuery(parent context.Context, text string) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}
	r, err := runtime.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.Close()

	for ev := range r.QueryStream(ctx, text) {
		switch ev.Type {
		case "text":
			fmt.Print(ev.Text)
		case "tool_call":
			fmt.Fprintf(os.Stderr, "[tool: %s]\n", ev.ToolName)
		case "done":
			fmt.Println()
		case "cancelled":
			fmt.Fprintln(os.Stderr, "\n[cancelled]")
		case "error":
			return ev.Err
		}
	}
	return nil
}

func runMonitor(parent context.Context) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	r, err := runtime.New(ctx, cfg, runtime.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.StartMonitor(ctx); err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}
	slog.Info("monitor started", "config_dir", config.Dir())

	<-ctx.Done()
	slog.Info("monitor stopping")
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Warn("metrics endpoint failed", "addr", addr, "error", err)
	}
}

func runInteractive(parent context.Context) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}
	stdin := bufio.NewScanner(os.Stdin)
	confirm := func(prompt string) bool {
		fmt.Printf("%s [y/N] ", prompt)
		if !stdin.Scan() {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(stdin.Text()))
		return answer == "y" || answer == "yes"
	}
	r, err := runtime.New(ctx, cfg, runtime.WithConfirm(confirm))
	if err != nil {
		return err
	}
	defer r.Close()

	fmt.Println("aiops interactive session. Type a query, or \"exit\" to quit.")
	var history []agent.Exchange
	for {
		fmt.Print("> ")
		if !stdin.Scan() {
			fmt.Println()
			return stdin.Err()
		}
		line := strings.TrimSpace(stdin.Text())
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return nil
		}

		answer, err := r.QueryWithHistory(ctx, history, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(os.Stderr, "Error:", err)
			continue
		}
		fmt.Println(answer)
		history = append(history, agent.Exchange{User: line, Assistant: answer})
		history = r.CompactExchanges(ctx, history)
	}
}

func runStatus(parent context.Context) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}
	r, err := runtime.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.Close()

	status := r.Status(ctx)
	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-24s %s\n", k, status[k])
	}
	return nil
}

func runClearCache(parent context.Context) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	if err := os.Remove(config.SchedulerCachePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove scheduler cache: %w", err)
	}
	store, err := kg.Open(config.KGPath())
	if err != nil {
		return err
	}
	defer store.Close()
	n, err := store.PruneToolResults(ctx, 0)
	if err != nil {
		return err
	}
	fmt.Printf("Scheduler cache removed; %d stored tool results pruned.\n", n)
	return nil
}

func openStore() (*kg.Store, error) {
	return kg.Open(config.KGPath())
}

func runKGStats(parent context.Context) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Println("Knowledge graph is empty.")
		return nil
	}
	types := make([]string, 0, len(stats))
	for t := range stats {
		types = append(types, t)
	}
	sort.Strings(types)
	total := 0
	for _, t := range types {
		fmt.Printf("%-24s %d\n", t, stats[t])
		total += stats[t]
	}
	fmt.Printf("%-24s %d\n", "total", total)
	return nil
}

func runKGAsOf(parent context.Context, t time.Time) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entities, err := store.QueryAsOf(ctx, t, kg.Filter{})
	if err != nil {
		return err
	}
	fmt.Printf("Believed at %s: %d entities\n", t.Format(time.RFC3339), len(entities))
	for _, e := range entities {
		printEntity(e)
	}
	return nil
}

func runKGLate(parent context.Context, minDelay time.Duration) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entities, err := store.FindLateDiscoveries(ctx, minDelay)
	if err != nil {
		return err
	}
	fmt.Printf("Discovered at least %s late: %d entities\n", minDelay, len(entities))
	for _, e := range entities {
		lag := e.TxFrom.Sub(e.ValidFrom)
		fmt.Printf("  %s  (lag %s)\n", kg.RenderEntity(e), lag.Round(time.Second))
	}
	return nil
}

func runKGChanges(parent context.Context, window time.Duration) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	changes, err := store.WhatChangedRecently(ctx, window)
	if err != nil {
		return err
	}
	fmt.Printf("Discovered in the last %s: %d\n", window, len(changes.Discovered))
	for _, e := range changes.Discovered {
		printEntity(e)
	}
	fmt.Printf("Beliefs closed in the last %s: %d\n", window, len(changes.Closed))
	for _, e := range changes.Closed {
		printEntity(e)
	}
	return nil
}

func runKGShow(parent context.Context, id string) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entity, err := store.GetEntity(ctx, id)
	if err != nil {
		return err
	}
	fmt.Println("Current belief:")
	printEntity(*entity)

	history, err := store.GetEntityHistory(ctx, id)
	if err != nil {
		return err
	}
	if len(history) > 1 {
		fmt.Printf("History (%d rows):\n", len(history))
		for _, e := range history {
			printEntity(e)
		}
	}

	related, err := store.GetRelated(ctx, id, "", kg.DirectionBoth)
	if err != nil {
		return err
	}
	if len(related) > 0 {
		fmt.Printf("Related (%d):\n", len(related))
		for _, e := range related {
			printEntity(e)
		}
	}
	return nil
}

func printEntity(e kg.Entity) {
	var window strings.Builder
	fmt.Fprintf(&window, "valid %s", e.ValidFrom.Format(time.RFC3339))
	if e.ValidTo != nil {
		fmt.Fprintf(&window, "..%s", e.ValidTo.Format(time.RFC3339))
	}
	fmt.Fprintf(&window, ", known %s", e.TxFrom.Format(time.RFC3339))
	if e.TxTo != nil {
		fmt.Fprintf(&window, "..%s", e.TxTo.Format(time.RFC3339))
	}
	fmt.Printf("  %s  [%s]\n", kg.RenderEntity(e), window.String())
}
