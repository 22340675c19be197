package dht

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/hash"
)

// AgentStore persists signed agent infos across restarts. Each record is
// written with a TTL matching its expiry, so badger drops stale peers on its
// own.
type AgentStore struct {
	db  *badger.DB
	now func() time.Time
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenAgentStore opens the store in dir. An empty dir keeps it in memory.
func OpenAgentStore(dir string, logger *slog.Logger) (*AgentStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create agent store dir: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With("component", "agent_store")})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open agent store: %w", err)
	}
	return &AgentStore{db: db, now: time.Now}, nil
}

func agentKey(space, agent hash.Hash) []byte {
	k := make([]byte, 0, 2*hash.Length)
	k = append(k, space[:]...)
	return append(k, agent[:]...)
}

// PutAgentInfo stores info until it expires.
func (s *AgentStore) PutAgentInfo(info AgentInfo) error {
	ttl := info.ExpiresAt.Time().Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	val, err := codec.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode agent info: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(agentKey(info.Space, info.Agent), val).WithTTL(ttl))
	})
}

// Get returns the stored info for agent in space.
func (s *AgentStore) Get(space, agent hash.Hash) (AgentInfo, bool, error) {
	var info AgentInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(agentKey(space, agent))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return codec.Unmarshal(val, &info)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return AgentInfo{}, false, nil
	}
	if err != nil {
		return AgentInfo{}, false, fmt.Errorf("get agent info: %w", err)
	}
	return info, true, nil
}

// List returns every live agent info in space.
func (s *AgentStore) List(space hash.Hash) ([]AgentInfo, error) {
	var out []AgentInfo
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = space[:]
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var info AgentInfo
			if err := it.Item().Value(func(val []byte) error {
				return codec.Unmarshal(val, &info)
			}); err != nil {
				return err
			}
			out = append(out, info)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list agent infos: %w", err)
	}
	return out, nil
}

// Delete removes an agent's info.
func (s *AgentStore) Delete(space, agent hash.Hash) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(agentKey(space, agent))
	})
}

// Close flushes and closes the underlying database.
func (s *AgentStore) Close() error {
	return s.db.Close()
}
