package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
)

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
}

const (
	eventPrefix  = "goal/"
	commitPrefix = "commit/"
	sep          = "\x00"

	// conflictRetries bounds retries of transactions that lost a race.
	conflictRetries = 5
)

// Badger stores events in an embedded badger database. Events are keyed
// by goal set so siblings are one prefix scan; a secondary index maps
// commits to event keys.
type Badger struct {
	db  *badger.DB
	now func() time.Time
}

type badgerLogger struct {
	logger *logging.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// OpenBadger opens the database described by cfg.
func OpenBadger(cfg BadgerConfig, logger *logging.Logger) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger: logger.Named("badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db, now: time.Now}, nil
}

func eventKey(k goals.EventKey) []byte {
	return []byte(eventPrefix + k.GoalSetID + sep + string(k.Environment) + sep + k.Name + sep + k.SHA)
}

func commitIndexKey(e *goals.GoalEvent) []byte {
	return append([]byte(commitPrefix+e.Repo.Owner+sep+e.Repo.Name+sep+e.SHA+sep), eventKey(e.EventKey())...)
}

func (b *Badger) Create(_ context.Context, events ...*goals.GoalEvent) error {
	now := b.now()
	return b.retry(func(txn *badger.Txn) error {
		for _, e := range events {
			if err := validateNew(e); err != nil {
				return err
			}
			key := eventKey(e.EventKey())
			if _, err := txn.Get(key); err == nil {
				return fmt.Errorf("%w: %s", ErrExists, e.EventKey())
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
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
			if err := txn.Set(key, payload); err != nil {
				return err
			}
			if err := txn.Set(commitIndexKey(c), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) Get(_ context.Context, key goals.EventKey) (*goals.GoalEvent, error) {
	var e *goals.GoalEvent
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = read(txn, eventKey(key), key)
		return err
	})
	return e, err
}

func read(txn *badger.Txn, raw []byte, key goals.EventKey) (*goals.GoalEvent, error) {
	item, err := txn.Get(raw)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, err
	}
	var e goals.GoalEvent
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &e, nil
}

func (b *Badger) ListSiblings(_ context.Context, goalSetID string) ([]*goals.GoalEvent, error) {
	var out []*goals.GoalEvent
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(eventPrefix + goalSetID + sep)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e goals.GoalEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode goal event: %w", err)
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEvents(out)
	return out, nil
}

func (b *Badger) ListForCommit(_ context.Context, owner, repo, sha string) ([]*goals.GoalEvent, error) {
	var out []*goals.GoalEvent
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(commitPrefix + owner + sep + repo + sep + sha + sep)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw := it.Item().KeyCopy(nil)[len(prefix):]
			item, err := txn.Get(raw)
			if err != nil {
				return fmt.Errorf("commit index points to missing event %q: %w", raw, err)
			}
			var e goals.GoalEvent
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode goal event: %w", err)
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEvents(out)
	return out, nil
}

func (b *Badger) Update(_ context.Context, key goals.EventKey, u goals.Update) (*goals.GoalEvent, error) {
	var updated *goals.GoalEvent
	err := b.retry(func(txn *badger.Txn) error {
		e, err := read(txn, eventKey(key), key)
		if err != nil {
			return err
		}
		if err := apply(e, u, b.now()); err != nil {
			return err
		}
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		updated = e
		return txn.Set(eventKey(key), payload)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// retry runs fn in a read-write transaction, retrying when another writer
// committed a conflicting change first.
func (b *Badger) retry(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (b *Badger) Close() error {
	return b.db.Close()
}
