package inmem

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/influxdata/docmigrate/kv"
)

// ensure *KVStore implements kv.Store.
var _ kv.Store = (*KVStore)(nil)

// KVStore is an in memory btree backed kv.Store.
type KVStore struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
}

// NewKVStore creates an instance of a KVStore.
func NewKVStore() *KVStore {
	return &KVStore{
		buckets: map[string]*Bucket{},
	}
}

// View opens up a transaction with a read lock.
func (s *KVStore) View(ctx context.Context, fn func(kv.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&Tx{
		kv:       s,
		writable: false,
		ctx:      ctx,
	})
}

// Update opens up a transaction with a write lock. Writes are applied to
// the buckets as they happen; an error returned by fn does not roll them back.
func (s *KVStore) Update(ctx context.Context, fn func(kv.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Tx{
		kv:       s,
		writable: true,
		ctx:      ctx,
	})
}

// Tx is an in memory transaction.
type Tx struct {
	kv       *KVStore
	writable bool
	ctx      context.Context
}

// Context returns the context for the transaction.
func (t *Tx) Context() context.Context {
	return t.ctx
}

// WithContext sets the context for the transaction.
func (t *Tx) WithContext(ctx context.Context) {
	t.ctx = ctx
}

// createBucketIfNotExists creates a btree bucket at the provided key.
func (t *Tx) createBucketIfNotExists(b []byte) (kv.Bucket, error) {
	if !t.writable {
		return nil, kv.ErrBucketNotFound
	}

	bkt, ok := t.kv.buckets[string(b)]
	if !ok {
		bkt = &Bucket{btree: btree.New(2)}
		t.kv.buckets[string(b)] = bkt
	}

	return &bucket{
		Bucket:   bkt,
		writable: t.writable,
	}, nil
}

// Bucket retrieves the bucket at the provided key.
func (t *Tx) Bucket(b []byte) (kv.Bucket, error) {
	bkt, ok := t.kv.buckets[string(b)]
	if !ok {
		return t.createBucketIfNotExists(b)
	}

	return &bucket{
		Bucket:   bkt,
		writable: t.writable,
	}, nil
}

// Bucket is a btree that implements kv.Bucket.
type Bucket struct {
	btree *btree.BTree
}

type bucket struct {
	kv.Bucket
	writable bool
}

// Put wraps the put method of a kv bucket and ensures that the
// bucket is writable.
func (b *bucket) Put(key, value []byte) error {
	if b.writable {
		return b.Bucket.Put(key, value)
	}
	return kv.ErrTxNotWritable
}

// Delete wraps the delete method of a kv bucket and ensures that the
// bucket is writable.
func (b *bucket) Delete(key []byte) error {
	if b.writable {
		return b.Bucket.Delete(key)
	}
	return kv.ErrTxNotWritable
}

type item struct {
	key   []byte
	value []byte
}

// Less is used to implement btree.Item.
func (i *item) Less(b btree.Item) bool {
	j, ok := b.(*item)
	if !ok {
		return false
	}

	return bytes.Compare(i.key, j.key) < 0
}

// Get retrieves the value at the provided key.
func (b *Bucket) Get(key []byte) ([]byte, error) {
	i := b.btree.Get(&item{key: key})

	if i == nil {
		return nil, kv.ErrKeyNotFound
	}

	j, ok := i.(*item)
	if !ok {
		return nil, fmt.Errorf("error item is type %T not *item", i)
	}

	return j.value, nil
}

// Put sets the key value pair provided. Both slices are copied so callers
// may reuse them.
func (b *Bucket) Put(key []byte, value []byte) error {
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)

	_ = b.btree.ReplaceOrInsert(&item{key: k, value: v})
	return nil
}

// Delete removes the key provided.
func (b *Bucket) Delete(key []byte) error {
	_ = b.btree.Delete(&item{key: key})
	return nil
}

// Cursor returns a cursor walking the btree in key order. It is only
// valid while the transaction that produced the bucket is open.
func (b *Bucket) Cursor() (kv.Cursor, error) {
	return &cursor{btree: b.btree}, nil
}

type cursor struct {
	btree *btree.BTree
	cur   *item
	done  bool
}

// seek positions the cursor on the first item with a key >= key, skipping
// key itself when exclusive is set.
func (c *cursor) seek(key []byte, exclusive bool) ([]byte, []byte) {
	c.cur = nil
	visit := func(i btree.Item) bool {
		j, ok := i.(*item)
		if !ok {
			return false
		}
		if exclusive && bytes.Equal(j.key, key) {
			return true
		}
		c.cur = j
		return false
	}

	if key == nil {
		c.btree.Ascend(visit)
	} else {
		c.btree.AscendGreaterOrEqual(&item{key: key}, visit)
	}

	if c.cur == nil {
		c.done = true
		return nil, nil
	}
	c.done = false
	return c.cur.key, c.cur.value
}

// Seek moves to the first key greater than or equal to prefix.
func (c *cursor) Seek(prefix []byte) ([]byte, []byte) {
	return c.seek(prefix, false)
}

// First moves to the smallest key.
func (c *cursor) First() ([]byte, []byte) {
	return c.seek(nil, false)
}

// Next moves to the key following the current one.
func (c *cursor) Next() ([]byte, []byte) {
	if c.done {
		return nil, nil
	}
	if c.cur == nil {
		return c.First()
	}
	return c.seek(c.cur.key, true)
}
