package schedule

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrCacheMiss is returned for absent or expired entries.
var ErrCacheMiss = errors.New("schedule: cache miss")

// Cache is the scheduler's persistent keyed cache. TTLs are judged on
// monotonic time so a wall-clock step cannot expire (or resurrect)
// entries written in this process; entries from previous runs fall
// back to wall-clock age.
type Cache struct {
	db    *sql.DB
	epoch string
	start time.Time
	now   func() time.Time
}

// OpenCache opens (creating if needed) the cache database at path.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open scheduler cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	c := &Cache{
		db:    db,
		epoch: uuid.New().String(),
		start: time.Now(),
		now:   time.Now,
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		epoch TEXT NOT NULL,
		mono_seconds REAL NOT NULL,
		wrote_at_wall TEXT NOT NULL,
		ttl_seconds INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate scheduler cache: %w", err)
	}
	if _, err := c.PurgeExpired(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the database handle.
func (c *Cache) Close() error { return c.db.Close() }

// monoSeconds is the monotonic clock reading, relative to process
// start.
func (c *Cache) monoSeconds() float64 {
	return c.now().Sub(c.start).Seconds()
}

// Put stores payload under key with a TTL.
func (c *Cache) Put(key, payload string, ttl time.Duration) error {
	_, err := c.db.Exec(`INSERT INTO cache (key, payload, epoch, mono_seconds, wrote_at_wall, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			epoch = excluded.epoch,
			mono_seconds = excluded.mono_seconds,
			wrote_at_wall = excluded.wrote_at_wall,
			ttl_seconds = excluded.ttl_seconds`,
		key, payload, c.epoch, c.monoSeconds(), c.now().UTC().Format(time.RFC3339Nano), int(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}

// Get returns the payload for key, deleting and missing on expiry.
func (c *Cache) Get(key string) (string, error) {
	var payload, epoch, wall string
	var mono float64
	var ttl int64
	err := c.db.QueryRow(`SELECT payload, epoch, mono_seconds, wrote_at_wall, ttl_seconds
		FROM cache WHERE key = ?`, key).Scan(&payload, &epoch, &mono, &wall, &ttl)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	if err != nil {
		return "", fmt.Errorf("cache get %s: %w", key, err)
	}

	if c.expired(epoch, mono, wall, ttl) {
		c.db.Exec(`DELETE FROM cache WHERE key = ?`, key)
		return "", fmt.Errorf("%w: %s (expired)", ErrCacheMiss, key)
	}
	return payload, nil
}

func (c *Cache) expired(epoch string, mono float64, wall string, ttlSeconds int64) bool {
	if ttlSeconds <= 0 {
		return false
	}
	if epoch == c.epoch {
		// Same process run: monotonic age is authoritative.
		return c.monoSeconds()-mono > float64(ttlSeconds)
	}
	// Previous run: only wall clock survives; honor it advisorily.
	wroteAt, err := time.Parse(time.RFC3339Nano, wall)
	if err != nil {
		return true
	}
	return c.now().Sub(wroteAt) > time.Duration(ttlSeconds)*time.Second
}

// PurgeExpired drops every expired entry. Called on startup and usable
// as periodic housekeeping.
func (c *Cache) PurgeExpired() (int, error) {
	rows, err := c.db.Query(`SELECT key, epoch, mono_seconds, wrote_at_wall, ttl_seconds FROM cache`)
	if err != nil {
		return 0, fmt.Errorf("cache scan: %w", err)
	}
	var stale []string
	for rows.Next() {
		var key, epoch, wall string
		var mono float64
		var ttl int64
		if err := rows.Scan(&key, &epoch, &mono, &wall, &ttl); err != nil {
			rows.Close()
			return 0, fmt.Errorf("cache scan row: %w", err)
		}
		if c.expired(epoch, mono, wall, ttl) {
			stale = append(stale, key)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, key := range stale {
		if _, err := c.db.Exec(`DELETE FROM cache WHERE key = ?`, key); err != nil {
			return 0, fmt.Errorf("cache purge %s: %w", key, err)
		}
	}
	return len(stale), nil
}
