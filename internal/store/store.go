package store

import (
	"bytes"
	"errors"
	"sort"
)

var (
	ErrNotFound = errors.New("store: key not found")
	ErrClosed   = errors.New("store: closed")
)

// Reader is the read half of a Store.
type Reader interface {
	Get(key []byte) ([]byte, error)
	// Iterate calls fn for every key with the given prefix in ascending key
	// order. Returning an error from fn stops the scan.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}

// Store is a key-value backend that applies batches atomically.
type Store interface {
	Reader
	Write(b *Batch) error
	Close() error
}

type op struct {
	key    []byte
	value  []byte
	delete bool
}

// Batch is an ordered list of puts and deletes applied all-or-nothing.
type Batch struct {
	ops []op
}

func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, op{key: clone(key), value: clone(value)})
}

func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, op{key: clone(key), delete: true})
}

func (b *Batch) Len() int {
	return len(b.ops)
}

// Replay feeds every operation to the given callbacks in order.
func (b *Batch) Replay(put func(key, value []byte), del func(key []byte)) {
	for _, o := range b.ops {
		if o.delete {
			del(o.key)
		} else {
			put(o.key, o.value)
		}
	}
}

// Tx buffers writes over a Store. Reads see the buffered writes first.
// Nothing reaches the Store until Commit, and Discard drops everything.
type Tx struct {
	base    Reader
	pending map[string][]byte // nil value marks a delete
}

func NewTx(base Reader) *Tx {
	return &Tx{base: base, pending: make(map[string][]byte)}
}

func (tx *Tx) Get(key []byte) ([]byte, error) {
	if v, ok := tx.pending[string(key)]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return clone(v), nil
	}
	return tx.base.Get(key)
}

func (tx *Tx) Put(key, value []byte) {
	if value == nil {
		value = []byte{}
	}
	tx.pending[string(key)] = clone(value)
}

func (tx *Tx) Delete(key []byte) {
	tx.pending[string(key)] = nil
}

// Iterate merges buffered writes into the base scan.
func (tx *Tx) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	merged := make(map[string][]byte)
	err := tx.base.Iterate(prefix, func(k, v []byte) error {
		merged[string(k)] = clone(v)
		return nil
	})
	if err != nil {
		return err
	}
	for k, v := range tx.pending {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the touched keys in ascending order.
func (tx *Tx) Keys() []string {
	keys := make([]string, 0, len(tx.pending))
	for k := range tx.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Batch renders the buffered writes in key order.
func (tx *Tx) Batch() *Batch {
	b := &Batch{}
	for _, k := range tx.Keys() {
		if v := tx.pending[k]; v == nil {
			b.Delete([]byte(k))
		} else {
			b.Put([]byte(k), v)
		}
	}
	return b
}

// Commit writes the buffer to s in one atomic batch.
func (tx *Tx) Commit(s Store) error {
	if len(tx.pending) == 0 {
		return nil
	}
	if err := s.Write(tx.Batch()); err != nil {
		return err
	}
	tx.Discard()
	return nil
}

func (tx *Tx) Discard() {
	tx.pending = make(map[string][]byte)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
