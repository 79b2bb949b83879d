package kv

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is the error returned when the key requested is not found.
	ErrKeyNotFound = errors.New("key not found")
	// ErrBucketNotFound is returned when a read-only transaction asks for a
	// bucket that has never been written.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrTxNotWritable is the error returned when an mutable operation is called during
	// a non-writable transaction.
	ErrTxNotWritable = errors.New("transaction is not writable")
)

// Store is an interface for a generic key value store. It is modeled after
// the boltdb database struct.
type Store interface {
	// View opens up a transaction that will not write to any data. Implementing interfaces
	// should take care to ensure that all view transactions do not mutate any data.
	View(ctx context.Context, fn func(Tx) error) error
	// Update opens up a transaction that will mutate data. Implementations
	// must serialize update transactions.
	Update(ctx context.Context, fn func(Tx) error) error
}

// Tx is a transaction in the store.
type Tx interface {
	// Bucket returns the named bucket. Writable transactions create it on
	// demand; read-only transactions return ErrBucketNotFound.
	Bucket(b []byte) (Bucket, error)
	Context() context.Context
	WithContext(ctx context.Context)
}

// Bucket is the abstraction used to perform get/put/delete operations
// in a key value store.
type Bucket interface {
	Get(key []byte) ([]byte, error)
	Cursor() (Cursor, error)
	// Put should error if the transaction it was called in is not writable.
	Put(key, value []byte) error
	// Delete should error if the transaction it was called in is not writable.
	Delete(key []byte) error
}

// Cursor is an abstraction for iterating/ranging through data in key order.
// Keys and values are only valid for the life of the transaction.
type Cursor interface {
	Seek(prefix []byte) (k []byte, v []byte)
	First() (k []byte, v []byte)
	Next() (k []byte, v []byte)
}
