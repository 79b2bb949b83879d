package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/influxdata/docmigrate"
	"github.com/influxdata/docmigrate/kit/tracing"
)

// Scan walks the collection bucket one page at a time. Each page is read in
// its own view transaction which is closed before fn is called.
func (s *Service) Scan(ctx context.Context, collection string, fn docmigrate.ScanFunc) error {
	span, ctx := tracing.StartSpanFromContext(ctx)
	defer span.Finish()
	span.SetTag("collection", collection)

	return tracing.LogError(span, s.scan(ctx, collection, fn))
}

func (s *Service) scan(ctx context.Context, collection string, fn docmigrate.ScanFunc) error {
	op := OpPrefix + "Scan"
	var after []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := s.scanPage(ctx, []byte(collection), after)
		if err != nil {
			return docmigrate.NewStorageError(op, err)
		}

		for _, p := range page {
			doc, err := decodeDocument(p.Value)
			if err != nil {
				err = &docmigrate.Error{
					Code: docmigrate.EInvalid,
					Op:   op,
					Msg:  fmt.Sprintf("decoding document %q", p.Key),
					Err:  err,
				}
			}
			if err := fn(string(p.Key), doc, err); err != nil {
				return err
			}
		}

		if len(page) < s.Config.PageSize {
			return nil
		}
		after = page[len(page)-1].Key
	}
}

func (s *Service) scanPage(ctx context.Context, bucket, after []byte) ([]Pair, error) {
	var pairs []Pair
	err := s.kv.View(ctx, func(tx Tx) error {
		b, err := tx.Bucket(bucket)
		if err == ErrBucketNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		cur, err := b.Cursor()
		if err != nil {
			return err
		}

		var k, v []byte
		if after == nil {
			k, v = cur.First()
		} else {
			k, v = cur.Seek(after)
			if k != nil && bytes.Equal(k, after) {
				k, v = cur.Next()
			}
		}

		for ; k != nil && len(pairs) < s.Config.PageSize; k, v = cur.Next() {
			pairs = append(pairs, Pair{Key: copyBytes(k), Value: copyBytes(v)})
		}
		return nil
	})
	return pairs, err
}

// Put stores doc under id in the collection bucket.
func (s *Service) Put(ctx context.Context, collection, id string, doc docmigrate.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return &docmigrate.Error{
			Code: docmigrate.EInvalid,
			Op:   OpPrefix + "Put",
			Msg:  fmt.Sprintf("encoding document %q", id),
			Err:  err,
		}
	}

	err = s.kv.Update(ctx, func(tx Tx) error {
		b, err := tx.Bucket([]byte(collection))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	return docmigrate.NewStorageError(OpPrefix+"Put", err)
}

// Get returns a single document. It is used by tools and tests inspecting
// a collection; the engine only scans.
func (s *Service) Get(ctx context.Context, collection, id string) (docmigrate.Document, error) {
	var data []byte
	err := s.kv.View(ctx, func(tx Tx) error {
		b, err := tx.Bucket([]byte(collection))
		if err != nil {
			return err
		}
		v, err := b.Get([]byte(id))
		if err != nil {
			return err
		}
		data = copyBytes(v)
		return nil
	})
	if err == ErrKeyNotFound || err == ErrBucketNotFound {
		return nil, &docmigrate.Error{
			Code: docmigrate.ENotFound,
			Op:   OpPrefix + "Get",
			Msg:  fmt.Sprintf("document %q not found", id),
		}
	}
	if err != nil {
		return nil, docmigrate.NewStorageError(OpPrefix+"Get", err)
	}
	return decodeDocument(data)
}

// decodeDocument keeps numbers as json.Number so that they are written back
// exactly as they were read.
func decodeDocument(data []byte) (docmigrate.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc docmigrate.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
