// Package kg is a bi-temporal knowledge graph over an embedded SQLite
// store. Every entity and relationship carries two time intervals:
// valid time (when the fact was true in the world) and transaction
// time (when the system believed it).
package kg

import (
	"fmt"
	"time"
)

// Entity is one immutable row. Superseding a fact closes the previous
// row's transaction interval and inserts a new row.
type Entity struct {
	RowID     int64          `json:"-"`
	Type      string         `json:"entity_type"`
	ID        string         `json:"entity_id"`
	Data      map[string]any `json:"data"`
	ValidFrom time.Time      `json:"valid_from"`
	ValidTo   *time.Time     `json:"valid_to,omitempty"`
	TxFrom    time.Time      `json:"tx_from"`
	TxTo      *time.Time     `json:"tx_to,omitempty"`
}

// Current reports whether this row is the present belief.
func (e *Entity) Current() bool { return e.TxTo == nil }

// Relationship is a directed edge between two entity ids with the
// same temporal semantics as Entity.
type Relationship struct {
	RowID      int64          `json:"-"`
	Type       string         `json:"rel_type"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Properties map[string]any `json:"properties,omitempty"`
	ValidFrom  time.Time      `json:"valid_from"`
	ValidTo    *time.Time     `json:"valid_to,omitempty"`
	TxFrom     time.Time      `json:"tx_from"`
	TxTo       *time.Time     `json:"tx_to,omitempty"`
}

// Direction selects edge orientation for GetRelated.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// Knowledge entity types mined by synthesis and injected into
// prompts.
const (
	TypeLessonLearned     = "lesson_learned"
	TypeUserPreference    = "user_preference"
	TypeProjectContext    = "project_context"
	TypeDecisionRationale = "decision_rationale"
	TypeConversation      = "conversation"
	TypeToolResult        = "tool_result"
)

// KnowledgeTypes are the entity types carrying distilled learnings.
var KnowledgeTypes = []string{
	TypeLessonLearned, TypeUserPreference, TypeProjectContext, TypeDecisionRationale,
}

// KnowledgeID builds the deterministic id for a knowledge entity, so
// re-saving the same key supersedes the previous belief.
func KnowledgeID(entityType, key string) string {
	return fmt.Sprintf("%s:%s", entityType, key)
}

// ChangeSet is the result of WhatChangedRecently.
type ChangeSet struct {
	Discovered []Entity // tx_from within the window
	Closed     []Entity // tx_to within the window
}

// LagStats summarizes discovery delay (tx_from - valid_from).
type LagStats struct {
	Count  int           `json:"count"`
	Mean   time.Duration `json:"mean"`
	Max    time.Duration `json:"max"`
	Median time.Duration `json:"median"`
}
