package localnode

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/value"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added (seq, actor) ordering index
// 2 - Added meta table recording the replica actor
const currentSchemaVersion = 2

// opLog is durable storage for a replica's op log.
// Uses SQLite with WAL mode for concurrent read access.
type opLog struct {
	db *sql.DB
}

// openOpLog creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func openOpLog(path string) (*opLog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &opLog{db: db}, nil
}

// Close closes the database connection.
func (l *opLog) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Append inserts one op. Uses ON CONFLICT(id) DO NOTHING for idempotency -
// re-appending a persisted op is silently ignored, which makes crash
// recovery and repeated merge replays safe.
func (l *opLog) Append(ctx context.Context, o op) error {
	payload, err := marshalPayload(o.Payload)
	if err != nil {
		return fmt.Errorf("append op: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO ops (id, seq, actor, node_id, kind, key, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		o.ID,
		o.Seq,
		o.Actor,
		string(o.Node),
		string(o.Kind),
		o.Key,
		payload,
	)
	if err != nil {
		return fmt.Errorf("append op: %w", err)
	}
	return nil
}

// EnsureActor returns the replica actor recorded in the database, recording
// one on first open. Passing an empty actor accepts whatever is recorded
// (generating a fresh id for a new database); passing a non-empty actor that
// disagrees with the recorded one is an error, because replaying another
// actor's log under a new identity would strand its account.
func (l *opLog) EnsureActor(ctx context.Context, actor string) (string, error) {
	var stored string
	err := l.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'actor'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if actor == "" {
			actor = string(crdt.UUIDv7Generator{}.NewID("actor"))
		}
		if _, err := l.db.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('actor', ?)`, actor); err != nil {
			return "", fmt.Errorf("record actor: %w", err)
		}
		return actor, nil
	case err != nil:
		return "", fmt.Errorf("read actor: %w", err)
	case actor != "" && actor != stored:
		return "", fmt.Errorf("database belongs to actor %s, not %s", stored, actor)
	default:
		return stored, nil
	}
}

// ReadAll returns every persisted op with deterministic ordering:
// ORDER BY seq ASC, actor ASC, id COLLATE BINARY ASC. Replaying the result
// reproduces the replica's state exactly.
func (l *opLog) ReadAll(ctx context.Context) ([]op, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, seq, actor, node_id, kind, key, payload
		FROM ops
		ORDER BY seq ASC, actor ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query ops: %w", err)
	}
	defer rows.Close()

	var ops []op
	for rows.Next() {
		var (
			o       op
			node    string
			kind    string
			payload sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.Seq, &o.Actor, &node, &kind, &o.Key, &payload); err != nil {
			return nil, fmt.Errorf("scan op: %w", err)
		}
		o.Node = crdt.NodeID(node)
		o.Kind = opKind(kind)
		if payload.Valid {
			v, err := unmarshalPayload(payload.String)
			if err != nil {
				return nil, fmt.Errorf("op %s: %w", o.ID, err)
			}
			o.Payload = v
		}
		ops = append(ops, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ops: %w", err)
	}

	// Return empty slice instead of nil
	if ops == nil {
		ops = []op{}
	}
	return ops, nil
}

// marshalPayload serializes an op payload to JSON, or NULL when absent.
func marshalPayload(v value.Value) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(value.ToAny(v))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload deserializes an op payload from JSON.
func unmarshalPayload(s string) (value.Value, error) {
	var raw any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	v, err := value.FromAny(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		// CREATE INDEX IF NOT EXISTS is safe - no-op if index exists
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_ops_order ON ops(seq, actor)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
