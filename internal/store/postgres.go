package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS goal_events (
	goal_set_id TEXT NOT NULL,
	environment TEXT NOT NULL,
	name        TEXT NOT NULL,
	sha         TEXT NOT NULL,
	owner       TEXT NOT NULL,
	repo        TEXT NOT NULL,
	state       TEXT NOT NULL,
	event       JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (goal_set_id, environment, name, sha)
);
CREATE INDEX IF NOT EXISTS goal_events_commit_idx ON goal_events (owner, repo, sha);
`

// Postgres stores events as JSONB rows. Updates lock the row so concurrent
// orchestrators serialize their transitions.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgres wraps an open database.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := NewPostgres(db)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Migrate creates the goal_events table if needed.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate goal_events: %w", err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, events ...*goals.GoalEvent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `
		INSERT INTO goal_events (goal_set_id, environment, name, sha, owner, repo, state, event, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	now := p.now()
	for _, e := range events {
		if err := validateNew(e); err != nil {
			return err
		}
		c := e.Clone()
		if c.Timestamp.IsZero() {
			c.Timestamp = now
		}
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode %s: %w", c.EventKey(), err)
		}
		_, err = tx.ExecContext(ctx, query,
			c.GoalSetID, string(c.Environment), c.UniqueName, c.SHA,
			c.Repo.Owner, c.Repo.Name, string(c.State), payload, c.Timestamp)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrExists, c.EventKey())
			}
			return fmt.Errorf("insert %s: %w", c.EventKey(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *Postgres) Get(ctx context.Context, key goals.EventKey) (*goals.GoalEvent, error) {
	const query = `
		SELECT event FROM goal_events
		WHERE goal_set_id = $1 AND environment = $2 AND name = $3 AND sha = $4
	`
	return p.getRow(p.db.QueryRowContext(ctx, query, key.GoalSetID, string(key.Environment), key.Name, key.SHA), key)
}

func (p *Postgres) getRow(row *sql.Row, key goals.EventKey) (*goals.GoalEvent, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(key)
		}
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	var e goals.GoalEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &e, nil
}

func (p *Postgres) ListSiblings(ctx context.Context, goalSetID string) ([]*goals.GoalEvent, error) {
	const query = `
		SELECT event FROM goal_events
		WHERE goal_set_id = $1
		ORDER BY environment, name
	`
	return p.list(ctx, query, goalSetID)
}

func (p *Postgres) ListForCommit(ctx context.Context, owner, repo, sha string) ([]*goals.GoalEvent, error) {
	const query = `
		SELECT event FROM goal_events
		WHERE owner = $1 AND repo = $2 AND sha = $3
		ORDER BY goal_set_id, environment, name
	`
	return p.list(ctx, query, owner, repo, sha)
}

func (p *Postgres) list(ctx context.Context, query string, args ...interface{}) ([]*goals.GoalEvent, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list goal events: %w", err)
	}
	defer rows.Close()

	var out []*goals.GoalEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan goal event: %w", err)
		}
		var e goals.GoalEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode goal event: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list goal events: %w", err)
	}
	return out, nil
}

func (p *Postgres) Update(ctx context.Context, key goals.EventKey, u goals.Update) (*goals.GoalEvent, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const selectQuery = `
		SELECT event FROM goal_events
		WHERE goal_set_id = $1 AND environment = $2 AND name = $3 AND sha = $4
		FOR UPDATE
	`
	e, err := p.getRow(tx.QueryRowContext(ctx, selectQuery, key.GoalSetID, string(key.Environment), key.Name, key.SHA), key)
	if err != nil {
		return nil, err
	}
	if err := apply(e, u, p.now()); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}

	const updateQuery = `
		UPDATE goal_events SET state = $5, event = $6, updated_at = $7
		WHERE goal_set_id = $1 AND environment = $2 AND name = $3 AND sha = $4
	`
	if _, err := tx.ExecContext(ctx, updateQuery,
		key.GoalSetID, string(key.Environment), key.Name, key.SHA,
		string(e.State), payload, e.Timestamp); err != nil {
		return nil, fmt.Errorf("update %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
