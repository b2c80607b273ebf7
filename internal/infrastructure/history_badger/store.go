package history_badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/davarch/redeploy/internal/domain"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	runPrefix  = "run/"
	ckptPrefix = "ckpt/"
)

type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger
}

// Store keeps pipeline runs and checkpoints as JSON documents in badger.
type Store struct {
	db *badger.DB
}

type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.log.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.log.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.log.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.log.Debugf(format, args...) }

func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("history path is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create history dir %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{log: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) SaveRun(_ context.Context, run domain.PipelineRun) error {
	b, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runPrefix+run.ID), b)
	})
}

func (s *Store) GetRun(_ context.Context, id string) (domain.PipelineRun, error) {
	var run domain.PipelineRun
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, runPrefix+id, &run)
	})
	return run, err
}

func (s *Store) ListRuns(_ context.Context, target string, limit int) ([]domain.PipelineRun, error) {
	var out []domain.PipelineRun
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, runPrefix, func(b []byte) error {
			var r domain.PipelineRun
			if err := json.Unmarshal(b, &r); err != nil {
				return err
			}
			if target == "" || r.Target == target {
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PutCheckpoint(_ context.Context, c domain.Checkpoint) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(ckptPrefix + c.ID)
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return domain.ErrCheckpointExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, b)
	})
}

func (s *Store) GetCheckpoint(_ context.Context, id string) (domain.Checkpoint, error) {
	var c domain.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, ckptPrefix+id, &c)
	})
	return c, err
}

func (s *Store) ListCheckpoints(_ context.Context, target string, kind domain.CheckpointKind) ([]domain.Checkpoint, error) {
	var out []domain.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, ckptPrefix, func(b []byte) error {
			var c domain.Checkpoint
			if err := json.Unmarshal(b, &c); err != nil {
				return err
			}
			if (target == "" || c.Target == target) && (kind == "" || c.Kind == kind) {
				out = append(out, c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteCheckpoint(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(ckptPrefix + id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

func get(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(b []byte) error { return json.Unmarshal(b, v) })
}

func scan(txn *badger.Txn, prefix string, fn func([]byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
