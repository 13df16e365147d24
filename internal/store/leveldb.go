package store

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelStore persists state in a LevelDB directory. Batches are written with
// leveldb.Batch so a command's writes land together or not at all.
type LevelStore struct {
	db   *leveldb.DB
	sync bool
}

// OpenLevelStore opens or creates the database at path. With syncWrites set
// every batch is fsynced before Write returns.
func OpenLevelStore(path string, syncWrites bool) (*LevelStore, error) {
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelStore{db: db, sync: syncWrites}, nil
}

func (l *LevelStore) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if errors.Is(err, leveldb.ErrClosed) {
		return nil, ErrClosed
	}
	return v, err
}

func (l *LevelStore) Write(b *Batch) error {
	var lb leveldb.Batch
	b.Replay(lb.Put, lb.Delete)
	if err := l.db.Write(&lb, &opt.WriteOptions{Sync: l.sync}); err != nil {
		return fmt.Errorf("leveldb write: %w", err)
	}
	return nil
}

func (l *LevelStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		// iterator buffers are reused between steps
		if err := fn(clone(iter.Key()), clone(iter.Value())); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *LevelStore) Close() error {
	return l.db.Close()
}
