package kg

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Filter narrows entity queries. Zero value means no filtering.
type Filter struct {
	EntityType string
	EntityID   string
}

func (f Filter) apply(where []string, args []any) ([]string, []any) {
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	return where, args
}

// QueryAsOf returns what the system believed at txTime: rows whose
// transaction interval covers txTime regardless of later supersession.
func (s *Store) QueryAsOf(ctx context.Context, txTime time.Time, filter Filter) ([]Entity, error) {
	where := []string{"tx_from <= ?", "(tx_to IS NULL OR tx_to > ?)"}
	ts := encodeTime(txTime)
	args := []any{ts, ts}
	where, args = filter.apply(where, args)

	query := fmt.Sprintf(`SELECT %s FROM entities WHERE %s ORDER BY tx_from DESC`,
		entityColumns, strings.Join(where, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query as-of: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// QueryValidAt returns what is currently believed to have been true at
// validTime: current-belief rows whose valid interval covers validTime.
func (s *Store) QueryValidAt(ctx context.Context, validTime time.Time, filter Filter) ([]Entity, error) {
	where := []string{"valid_from <= ?", "(valid_to IS NULL OR valid_to > ?)", "tx_to IS NULL"}
	ts := encodeTime(validTime)
	args := []any{ts, ts}
	where, args = filter.apply(where, args)

	query := fmt.Sprintf(`SELECT %s FROM entities WHERE %s ORDER BY valid_from DESC`,
		entityColumns, strings.Join(where, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query valid-at: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// GetEntity returns the current belief for id, or ErrNotFound.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM entities WHERE entity_id = ? AND tx_to IS NULL LIMIT 1`, entityColumns), id)
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	defer rows.Close()
	entities, err := scanEntities(rows)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &entities[0], nil
}

// GetEntityHistory returns all rows ever recorded for id, oldest
// transaction first.
func (s *Store) GetEntityHistory(ctx context.Context, id string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM entities WHERE entity_id = ? ORDER BY tx_from ASC`, entityColumns), id)
	if err != nil {
		return nil, fmt.Errorf("get entity history: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// GetRelated returns current-belief entities connected to entityID
// through current-belief relationships.
func (s *Store) GetRelated(ctx context.Context, entityID, relType string, direction Direction) ([]Entity, error) {
	var clauses []string
	switch direction {
	case DirectionOut:
		clauses = []string{"r.source_id = ?"}
	case DirectionIn:
		clauses = []string{"r.target_id = ?"}
	default:
		clauses = []string{"(r.source_id = ? OR r.target_id = ?)"}
	}
	args := []any{entityID}
	if direction != DirectionOut && direction != DirectionIn {
		args = append(args, entityID)
	}
	if relType != "" {
		clauses = append(clauses, "r.rel_type = ?")
		args = append(args, relType)
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT e.rowid_pk, e.entity_type, e.entity_id, e.data,
			e.valid_from, e.valid_to, e.tx_from, e.tx_to
		FROM relationships r
		JOIN entities e ON e.entity_id = CASE WHEN r.source_id = ? THEN r.target_id ELSE r.source_id END
		WHERE %s AND r.tx_to IS NULL AND e.tx_to IS NULL`,
		strings.Join(clauses, " AND "))
	rows, err := s.db.QueryContext(ctx, query, append([]any{entityID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("get related: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// SearchKnowledge filters current-belief knowledge entities by type,
// content/key substring, and tags.
func (s *Store) SearchKnowledge(ctx context.Context, entityType, query string, tags []string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	where := []string{"tx_to IS NULL"}
	var args []any
	if entityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, entityType)
	} else {
		placeholders := make([]string, len(KnowledgeTypes))
		for i, t := range KnowledgeTypes {
			placeholders[i] = "?"
			args = append(args, t)
		}
		where = append(where, "entity_type IN ("+strings.Join(placeholders, ",")+")")
	}
	if query != "" {
		where = append(where, "data LIKE ?")
		args = append(args, "%"+query+"%")
	}
	args = append(args, limit*4) // over-fetch so tag filtering can still fill limit

	sqlQuery := fmt.Sprintf(`SELECT %s FROM entities WHERE %s ORDER BY tx_from DESC LIMIT ?`,
		entityColumns, strings.Join(where, " AND "))
	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()
	entities, err := scanEntities(rows)
	if err != nil {
		return nil, err
	}

	if len(tags) > 0 {
		filtered := entities[:0]
		for _, e := range entities {
			if entityHasAnyTag(e, tags) {
				filtered = append(filtered, e)
			}
		}
		entities = filtered
	}
	if len(entities) > limit {
		entities = entities[:limit]
	}
	return entities, nil
}

func entityHasAnyTag(e Entity, tags []string) bool {
	raw, ok := e.Data["tags"].([]any)
	if !ok {
		return false
	}
	for _, want := range tags {
		for _, have := range raw {
			if s, ok := have.(string); ok && strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

// FindContext returns current beliefs outside the knowledge and
// conversation types whose data mentions any keyword, deduplicated by
// id. Used to inject domain entities (jobs, tickets, hosts) relevant
// to a query.
func (s *Store) FindContext(ctx context.Context, keywords []string, limit int) ([]Entity, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	excluded := append(append([]string(nil), KnowledgeTypes...), TypeConversation)
	placeholders := make([]string, len(excluded))
	var args []any
	for i, t := range excluded {
		placeholders[i] = "?"
		args = append(args, t)
	}
	var likes []string
	for _, kw := range keywords {
		likes = append(likes, "data LIKE ?")
		args = append(args, "%"+kw+"%")
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM entities
		WHERE tx_to IS NULL AND entity_type NOT IN (%s) AND (%s)
		ORDER BY tx_from DESC LIMIT ?`,
		entityColumns, strings.Join(placeholders, ","), strings.Join(likes, " OR "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find context: %w", err)
	}
	defer rows.Close()
	entities, err := scanEntities(rows)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(entities))
	unique := entities[:0]
	for _, e := range entities {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		unique = append(unique, e)
	}
	return unique, nil
}

// FindLateDiscoveries returns current-belief rows whose discovery
// lagged reality by at least minDelay.
func (s *Store) FindLateDiscoveries(ctx context.Context, minDelay time.Duration) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM entities WHERE tx_to IS NULL ORDER BY tx_from DESC`, entityColumns))
	if err != nil {
		return nil, fmt.Errorf("find late discoveries: %w", err)
	}
	defer rows.Close()
	entities, err := scanEntities(rows)
	if err != nil {
		return nil, err
	}
	var late []Entity
	for _, e := range entities {
		if e.TxFrom.Sub(e.ValidFrom) >= minDelay {
			late = append(late, e)
		}
	}
	return late, nil
}

// WhatChangedRecently returns entities discovered and beliefs closed
// within [now-window, now].
func (s *Store) WhatChangedRecently(ctx context.Context, window time.Duration) (*ChangeSet, error) {
	cutoff := encodeTime(s.now().Add(-window))

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM entities WHERE tx_from >= ? ORDER BY tx_from DESC`, entityColumns), cutoff)
	if err != nil {
		return nil, fmt.Errorf("recent discoveries: %w", err)
	}
	discovered, err := scanEntities(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM entities WHERE tx_to IS NOT NULL AND tx_to >= ? ORDER BY tx_to DESC`, entityColumns), cutoff)
	if err != nil {
		return nil, fmt.Errorf("recent closures: %w", err)
	}
	closed, err := scanEntities(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	return &ChangeSet{Discovered: discovered, Closed: closed}, nil
}

// DiscoveryLagStats summarizes tx_from - valid_from over current
// beliefs of one type ("" = all).
func (s *Store) DiscoveryLagStats(ctx context.Context, entityType string) (*LagStats, error) {
	entities, err := s.QueryAsOf(ctx, s.now(), Filter{EntityType: entityType})
	if err != nil {
		return nil, err
	}
	var lags []time.Duration
	for _, e := range entities {
		if e.Current() {
			lags = append(lags, e.TxFrom.Sub(e.ValidFrom))
		}
	}
	stats := &LagStats{Count: len(lags)}
	if len(lags) == 0 {
		return stats, nil
	}
	sort.Slice(lags, func(i, j int) bool { return lags[i] < lags[j] })
	var total time.Duration
	for _, l := range lags {
		total += l
	}
	stats.Mean = total / time.Duration(len(lags))
	stats.Max = lags[len(lags)-1]
	stats.Median = lags[len(lags)/2]
	return stats, nil
}

// Stats returns current-belief entity counts by type.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, COUNT(*) FROM entities WHERE tx_to IS NULL GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("kg stats: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

// PruneToolResults closes tool_result beliefs older than cutoff.
// Housekeeping so cached tool output does not accumulate forever.
func (s *Store) PruneToolResults(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := encodeTime(s.now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET tx_to = ? WHERE entity_type = ? AND tx_to IS NULL AND tx_from < ?`,
		encodeTime(s.now()), TypeToolResult, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune tool results: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RenderEntity formats an entity for model consumption.
func RenderEntity(e Entity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", e.ID, e.Type)
	if content, ok := e.Data["content"].(string); ok {
		fmt.Fprintf(&b, ": %s", content)
	} else if len(e.Data) > 0 {
		if data, err := json.Marshal(e.Data); err == nil {
			fmt.Fprintf(&b, ": %s", data)
		}
	}
	return b.String()
}
