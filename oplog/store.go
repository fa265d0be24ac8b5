// Package oplog keeps ops in a pebble database, one key per op, along
// with the version vector of everything stored.
package oplog

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/stefantrew2/swarm/protocol"
	"github.com/stefantrew2/swarm/utils"
)

var ErrClosed = errors.New("swarm: op log is closed")

type Options struct {
	// Sync makes every write durable before it returns.
	Sync bool
	// ErrorIfNotExists refuses to create a new database.
	ErrorIfNotExists bool
	Logger           utils.Logger
}

type Store struct {
	lock sync.RWMutex
	db   *pebble.DB
	dir  string
	log  utils.Logger
	wo   *pebble.WriteOptions
}

func Open(dir string, opts Options) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		ErrorIfNotExists: opts.ErrorIfNotExists,
		Merger:           vvMerger,
	})
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	s := &Store{
		db:  db,
		dir: dir,
		log: log.With("oplog", dir),
		wo:  pebble.NoSync,
	}
	if opts.Sync {
		s.wo = pebble.Sync
	}
	s.log.Info("oplog: open")
	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// DB exposes the database, e.g. for a metrics collector.
func (s *Store) DB() *pebble.DB {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.db
}

// Put stores the op and accounts its event in the version vector.
func (s *Store) Put(op protocol.Op) error {
	return s.PutAll([]protocol.Op{op})
}

// PutAll stores ops in one atomic batch.
func (s *Store) PutAll(ops []protocol.Op) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, op := range ops {
		if err := b.Set(OKey(op), []byte(op.String()), nil); err != nil {
			return err
		}
		ev := op.EventUID()
		if err := b.Merge(VKey(ev.Origin()), []byte(ev.Value()), nil); err != nil {
			return err
		}
	}
	return s.db.Apply(b, s.wo)
}

func (s *Store) Has(op protocol.Op) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.db == nil {
		return false, ErrClosed
	}
	_, closer, err := s.db.Get(OKey(op))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = closer.Close()
	return true, nil
}

// Object lists the stored ops of an object ordered by event, then
// location.
func (s *Store) Object(oid protocol.UID) (ops []protocol.Op, err error) {
	fro, til := ObjectKeyRange(oid)
	err = s.scan(fro, til, func(op protocol.Op) error {
		ops = append(ops, op)
		return nil
	})
	return
}

// ForEach walks all stored ops in key order.
func (s *Store) ForEach(fn func(op protocol.Op) error) error {
	return s.scan([]byte{OpPrefix}, []byte{OpPrefix + 1}, fn)
}

func (s *Store) scan(fro, til []byte, fn func(op protocol.Op) error) (err error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	it := s.db.NewIter(&pebble.IterOptions{
		LowerBound: fro,
		UpperBound: til,
	})
	defer func() {
		if cerr := it.Close(); err == nil {
			err = cerr
		}
	}()
	for it.SeekGE(fro); it.Valid(); it.Next() {
		op, perr := protocol.Parse(string(it.Value()), protocol.NoContext)
		if perr != nil {
			s.log.Warn("oplog: unreadable op", "key", string(bytes.ReplaceAll(it.Key(), []byte{sep}, []byte{' '})), "err", perr)
			continue
		}
		if err = fn(op); err != nil {
			return
		}
	}
	return
}

// VersionVector has the max event value stored per origin.
func (s *Store) VersionVector() (vv protocol.VV, err error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	vv = make(protocol.VV)
	it := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{VVPrefix},
		UpperBound: []byte{VVPrefix + 1},
	})
	for it.SeekGE([]byte{VVPrefix}); it.Valid(); it.Next() {
		if origin, ok := VKeyOrigin(it.Key()); ok {
			vv.Put(origin, string(it.Value()))
		}
	}
	err = it.Close()
	return
}

func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	s.log.Info("oplog: closed")
	return err
}
