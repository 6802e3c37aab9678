package kg

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SummarizeFunc asks the chat backend for a single completion. The
// agent package provides an implementation; keeping it a function
// type avoids a dependency cycle.
type SummarizeFunc func(ctx context.Context, system, user string) (string, error)

// Synthesizer mines recent conversation entities into durable
// learnings (lesson_learned, user_preference, ...).
type Synthesizer struct {
	store     *Store
	summarize SummarizeFunc
	logger    *slog.Logger
}

// NewSynthesizer builds a synthesizer over store.
func NewSynthesizer(store *Store, summarize SummarizeFunc, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		store:     store,
		summarize: summarize,
		logger:    logger.With("component", "synthesis"),
	}
}

const synthesisSystem = `You distill conversation transcripts into durable knowledge.
Return ONLY a JSON array. Each element:
{"type": "lesson_learned"|"user_preference"|"project_context"|"decision_rationale",
 "key": "short-kebab-case-key", "content": "one concise factual sentence",
 "confidence": 0.0-1.0, "tags": ["..."]}
Return [] when nothing durable was learned.`

type minedEntry struct {
	Type       string   `json:"type"`
	Key        string   `json:"key"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags"`
}

// Run mines conversations recorded in the last window and saves the
// resulting knowledge entities. focus optionally narrows the mining
// instruction. Returns the number of entities saved.
func (s *Synthesizer) Run(ctx context.Context, window time.Duration, focus string) (int, error) {
	changes, err := s.store.WhatChangedRecently(ctx, window)
	if err != nil {
		return 0, fmt.Errorf("collect recent conversations: %w", err)
	}
	var transcripts []string
	for _, e := range changes.Discovered {
		if e.Type != TypeConversation {
			continue
		}
		if text, ok := e.Data["text"].(string); ok && text != "" {
			transcripts = append(transcripts, text)
		}
	}
	if len(transcripts) == 0 {
		s.logger.Info("nothing to synthesize", "window", window)
		return 0, nil
	}

	var prompt strings.Builder
	if focus != "" {
		fmt.Fprintf(&prompt, "Focus on: %s\n\n", focus)
	}
	prompt.WriteString("Transcripts:\n\n")
	for i, t := range transcripts {
		fmt.Fprintf(&prompt, "--- transcript %d ---\n%s\n\n", i+1, t)
	}

	raw, err := s.summarize(ctx, synthesisSystem, prompt.String())
	if err != nil {
		return 0, fmt.Errorf("synthesis completion: %w", err)
	}

	entries, err := parseMined(raw)
	if err != nil {
		return 0, fmt.Errorf("parse synthesis output: %w", err)
	}

	saved := 0
	for _, entry := range entries {
		if !isKnowledgeType(entry.Type) || entry.Key == "" || entry.Content == "" {
			s.logger.Warn("skipping malformed synthesis entry", "type", entry.Type, "key", entry.Key)
			continue
		}
		if _, err := s.store.SaveKnowledge(ctx, entry.Type, entry.Key, entry.Content, entry.Tags, entry.Confidence); err != nil {
			s.logger.Error("save synthesized knowledge", "key", entry.Key, "error", err)
			continue
		}
		saved++
	}
	s.logger.Info("synthesis complete", "transcripts", len(transcripts), "saved", saved)
	return saved, nil
}

// parseMined tolerates models wrapping the array in code fences or
// prose.
func parseMined(raw string) ([]minedEntry, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in output")
	}
	var entries []minedEntry
	if err := json.Unmarshal([]byte(raw[start:end+1]), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func isKnowledgeType(t string) bool {
	for _, k := range KnowledgeTypes {
		if t == k {
			return true
		}
	}
	return false
}

// RecordConversation persists one query exchange for later synthesis.
func RecordConversation(ctx context.Context, store *Store, query, answer string) error {
	now := time.Now().UTC()
	text := fmt.Sprintf("User: %s\nAssistant: %s", query, answer)
	_, err := store.InsertEntity(ctx, TypeConversation, "", map[string]any{
		"text": text,
		"at":   now.Format(time.RFC3339),
	}, now, &now)
	return err
}

// resultStoreCap bounds tool-result payloads kept in the graph.
const resultStoreCap = 4000

// RecordToolResult stores a successful server tool result as a current
// belief keyed by tool name and a 16-hex-digit hash of the canonical
// arguments, so a repeat of the same call supersedes its prior result.
func RecordToolResult(ctx context.Context, store *Store, tool string, args map[string]any, result string) error {
	canonical, err := json.Marshal(args)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(canonical)
	id := fmt.Sprintf("%s:%s:%s", TypeToolResult, tool, hex.EncodeToString(sum[:8]))

	if len(result) > resultStoreCap {
		result = result[:resultStoreCap]
	}
	now := time.Now().UTC()
	_, err = store.InsertEntity(ctx, TypeToolResult, id, map[string]any{
		"tool":   tool,
		"args":   string(canonical),
		"result": result,
		"at":     now.Format(time.RFC3339),
	}, now, &now)
	return err
}
