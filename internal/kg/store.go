package kg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned when an entity id does not exist.
var ErrNotFound = errors.New("kg: entity not found")

// Store owns the knowledge graph database handle. It is the single
// writer; callers share it through this type.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l.With("component", "kg") }
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the knowledge graph at path.
// Use ":memory:" for an ephemeral store.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge graph: %w", err)
	}
	// modernc sqlite serializes writes itself, but database/sql may
	// hand out concurrent connections to an in-memory store that then
	// see different databases. One connection keeps semantics simple.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: slog.Default().With("component", "kg"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			rowid_pk INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			data TEXT NOT NULL,
			valid_from TEXT NOT NULL,
			valid_to TEXT,
			tx_from TEXT NOT NULL,
			tx_to TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			rowid_pk INTEGER PRIMARY KEY AUTOINCREMENT,
			rel_type TEXT NOT NULL,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			properties TEXT,
			valid_from TEXT NOT NULL,
			valid_to TEXT,
			tx_from TEXT NOT NULL,
			tx_to TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_id ON entities(entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_valid ON entities(valid_from, valid_to)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_tx ON entities(tx_from, tx_to)`,
		`CREATE INDEX IF NOT EXISTS idx_rel_source ON relationships(source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rel_target ON relationships(target_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rel_tx ON relationships(tx_from, tx_to)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate knowledge graph: %w", err)
		}
	}
	return nil
}

// Fixed-width layout so string comparison in SQL matches time order.
// RFC3339Nano drops trailing fraction zeros and would not sort.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func encodeTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertEntity records a fact. An empty id gets a generated UUID. If a
// current row already exists for (entityType, id), its transaction
// interval is closed first, so at most one current row per key ever
// exists.
func (s *Store) InsertEntity(ctx context.Context, entityType, id string, data map[string]any, validFrom time.Time, txFrom *time.Time) (*Entity, error) {
	if entityType == "" {
		return nil, errors.New("kg: entity type required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	now := s.now().UTC()
	tf := now
	if txFrom != nil {
		tf = txFrom.UTC()
	}
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode entity data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "error", err)
		}
	}()

	// Close-before-insert upsert rule.
	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET tx_to = ? WHERE entity_type = ? AND entity_id = ? AND tx_to IS NULL`,
		encodeTime(tf), entityType, id); err != nil {
		return nil, fmt.Errorf("close previous belief: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO entities (entity_type, entity_id, data, valid_from, valid_to, tx_from, tx_to)
		 VALUES (?, ?, ?, ?, NULL, ?, NULL)`,
		entityType, id, string(payload), encodeTime(validFrom), encodeTime(tf))
	if err != nil {
		return nil, fmt.Errorf("insert entity: %w", err)
	}
	rowID, _ := res.LastInsertId()
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}

	return &Entity{
		RowID:     rowID,
		Type:      entityType,
		ID:        id,
		Data:      data,
		ValidFrom: validFrom.UTC(),
		TxFrom:    tf,
	}, nil
}

// UpdateEntityTemporalBounds closes the valid and/or transaction
// interval of the current row for id.
func (s *Store) UpdateEntityTemporalBounds(ctx context.Context, id string, validTo, txTo *time.Time) error {
	if validTo == nil && txTo == nil {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET
			valid_to = COALESCE(?, valid_to),
			tx_to = COALESCE(?, tx_to)
		 WHERE entity_id = ? AND tx_to IS NULL`,
		encodeTimePtr(validTo), encodeTimePtr(txTo), id)
	if err != nil {
		return fmt.Errorf("update temporal bounds: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// InsertRelationship records a directed edge. Unlike entities there is
// no uniqueness rule; every call inserts a row.
func (s *Store) InsertRelationship(ctx context.Context, relType, sourceID, targetID string, properties map[string]any, validFrom time.Time, txFrom *time.Time) (*Relationship, error) {
	if relType == "" || sourceID == "" || targetID == "" {
		return nil, errors.New("kg: relationship type and endpoints required")
	}
	now := s.now().UTC()
	tf := now
	if txFrom != nil {
		tf = txFrom.UTC()
	}
	var payload any
	if properties != nil {
		data, err := json.Marshal(properties)
		if err != nil {
			return nil, fmt.Errorf("encode relationship properties: %w", err)
		}
		payload = string(data)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO relationships (rel_type, source_id, target_id, properties, valid_from, valid_to, tx_from, tx_to)
		 VALUES (?, ?, ?, ?, ?, NULL, ?, NULL)`,
		relType, sourceID, targetID, payload, encodeTime(validFrom), encodeTime(tf))
	if err != nil {
		return nil, fmt.Errorf("insert relationship: %w", err)
	}
	rowID, _ := res.LastInsertId()

	return &Relationship{
		RowID:      rowID,
		Type:       relType,
		SourceID:   sourceID,
		TargetID:   targetID,
		Properties: properties,
		ValidFrom:  validFrom.UTC(),
		TxFrom:     tf,
	}, nil
}

// SaveKnowledge upserts a knowledge entity under the deterministic id
// type:key. Confidence defaults to 1.0.
func (s *Store) SaveKnowledge(ctx context.Context, entityType, key, content string, tags []string, confidence float64) (*Entity, error) {
	if key == "" {
		return nil, errors.New("kg: knowledge key required")
	}
	if confidence <= 0 {
		confidence = 1.0
	}
	data := map[string]any{
		"key":        key,
		"content":    content,
		"confidence": confidence,
	}
	if len(tags) > 0 {
		anyTags := make([]any, len(tags))
		for i, t := range tags {
			anyTags[i] = t
		}
		data["tags"] = anyTags
	}
	now := s.now().UTC()
	return s.InsertEntity(ctx, entityType, KnowledgeID(entityType, key), data, now, &now)
}

func scanEntities(rows *sql.Rows) ([]Entity, error) {
	var out []Entity
	for rows.Next() {
		var e Entity
		var payload, validFrom, txFrom string
		var validTo, txTo sql.NullString
		if err := rows.Scan(&e.RowID, &e.Type, &e.ID, &payload, &validFrom, &validTo, &txFrom, &txTo); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Data); err != nil {
			return nil, fmt.Errorf("decode entity data: %w", err)
		}
		var err error
		if e.ValidFrom, err = decodeTime(validFrom); err != nil {
			return nil, fmt.Errorf("decode valid_from: %w", err)
		}
		if e.TxFrom, err = decodeTime(txFrom); err != nil {
			return nil, fmt.Errorf("decode tx_from: %w", err)
		}
		if e.ValidTo, err = decodeTimePtr(validTo); err != nil {
			return nil, fmt.Errorf("decode valid_to: %w", err)
		}
		if e.TxTo, err = decodeTimePtr(txTo); err != nil {
			return nil, fmt.Errorf("decode tx_to: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const entityColumns = "rowid_pk, entity_type, entity_id, data, valid_from, valid_to, tx_from, tx_to"
