package kv

import (
	"context"
)

// Pair is a struct for key value pairs.
type Pair struct {
	Key   []byte
	Value []byte
}

// WalkCursor consumes a cursor from its first entry, calling visit for each
// pair until visit returns false, an error, or ctx is done.
func WalkCursor(ctx context.Context, cursor Cursor, visit func(k, v []byte) (bool, error)) error {
	for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := visit(k, v)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}
