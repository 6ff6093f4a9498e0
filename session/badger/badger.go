// Package badger provides a durable core.SessionStore backed by BadgerDB v4.
// Each session is stored as one JSON document under "session/<id>", so a
// read-modify-write inside a single transaction commits appended turns
// atomically.
package badger

import (
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/logging"
	"github.com/hupe1980/guidemesh/session"
)

const keyPrefix = "session/"

// maxConflictRetries bounds retries of transactions aborted by badger's
// optimistic concurrency control.
const maxConflictRetries = 5

// Options configures the BadgerDB store.
type Options struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string
	// InMemory runs BadgerDB in memory-only mode (no disk persistence).
	InMemory bool
	// Logger receives badger's warnings and errors.
	Logger logging.Logger
}

// Store is a SessionStore persisting sessions in BadgerDB.
type Store struct {
	db *badgerdb.DB
}

// Open opens (or creates) a badger-backed session store.
func Open(optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if !opts.InMemory && opts.Dir == "" {
		return nil, fmt.Errorf("%w: badger session store requires a directory", core.ErrConfiguration)
	}

	dbOpts := badgerdb.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badgerdb.DefaultOptions("").WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{logger: opts.Logger})

	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// CloseDB releases the underlying database. Close is taken by the
// SessionStore contract and closes a conversation.
func (s *Store) CloseDB() error { return s.db.Close() }

func key(id core.SessionID) []byte { return []byte(keyPrefix + string(id)) }

func load(txn *badgerdb.Txn, id core.SessionID) (*core.Session, error) {
	item, err := txn.Get(key(id))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, session.NotFound(id)
	}
	if err != nil {
		return nil, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var sess core.Session
	if err := json.Unmarshal(val, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func store(txn *badgerdb.Txn, sess *core.Session) error {
	val, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	return txn.Set(key(sess.ID), val)
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *Store) update(fn func(txn *badgerdb.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
	}
	return err
}

// Create registers a new open session owned by agentID.
func (s *Store) Create(id core.SessionID, agentID core.AgentID, optFns ...func(*core.Session)) (*core.Session, error) {
	sess := core.NewSession(id, agentID, optFns...)
	err := s.update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(key(id)); err == nil {
			return fmt.Errorf("session %s: %w", id, session.ErrExists)
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		return store(txn, sess)
	})
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Get loads a session.
func (s *Store) Get(id core.SessionID) (*core.Session, error) {
	var sess *core.Session
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		sess, err = load(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// AppendTurns appends all turns in one transaction.
func (s *Store) AppendTurns(id core.SessionID, turns ...core.Turn) error {
	return s.update(func(txn *badgerdb.Txn) error {
		sess, err := load(txn, id)
		if err != nil {
			return err
		}
		if err := session.ValidateAppend(sess, turns); err != nil {
			return err
		}
		sess.AppendTurns(turns...)
		return store(txn, sess)
	})
}

// Close moves the session to its terminal state. Closing twice is a no-op.
func (s *Store) Close(id core.SessionID) error {
	return s.update(func(txn *badgerdb.Txn) error {
		sess, err := load(txn, id)
		if err != nil {
			return err
		}
		if sess.Status == core.SessionClosed {
			return nil
		}
		sess.Close()
		return store(txn, sess)
	})
}

// List returns the sessions owned by agentID (all when empty), oldest first.
func (s *Store) List(agentID core.AgentID) ([]*core.Session, error) {
	var out []*core.Session
	err := s.db.View(func(txn *badgerdb.Txn) error {
		prefix := []byte(keyPrefix)
		iterOpts := badgerdb.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var sess core.Session
			if err := json.Unmarshal(val, &sess); err != nil {
				return fmt.Errorf("decode session %s: %w", it.Item().Key(), err)
			}
			if agentID != "" && sess.AgentID != agentID {
				continue
			}
			out = append(out, &sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	session.SortByCreation(out)
	return out, nil
}

// Delete removes a session.
func (s *Store) Delete(id core.SessionID) error {
	return s.update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(key(id)); errors.Is(err, badgerdb.ErrKeyNotFound) {
			return session.NotFound(id)
		} else if err != nil {
			return err
		}
		return txn.Delete(key(id))
	})
}

// badgerLogger forwards badger's warnings and errors, suppressing debug and
// info level chatter.
type badgerLogger struct {
	logger logging.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error("badger: " + fmt.Sprintf(f, v...))
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn("badger: " + fmt.Sprintf(f, v...))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
