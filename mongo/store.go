// Package mongo implements docmigrate.Store on MongoDB.
//
// Documents are keyed by their _id. ObjectIds are handed out as "oid:<hex>"
// and string ids as is, unless they start with one of the id prefixes, in
// which case they get a "str:" prefix. Documents with any other _id type
// are reported to the scan callback as invalid. Ledger entries live in their own collection with
// the version as _id, so the unique _id index provides insert-if-absent and
// a filtered update provides compare-and-swap.
package mongo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/influxdata/docmigrate"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"go.uber.org/zap"
)

var _ docmigrate.Store = (*Store)(nil)

// OpPrefix is the prefix for mongo errors.
const OpPrefix = "mongo/"

// DefaultDatabase is used when the dial URL names no database.
const DefaultDatabase = "docmigrate"

// DefaultBatchSize is the number of documents fetched per round trip
// during a scan.
const DefaultBatchSize = 256

// Store is a MongoDB backed docmigrate.Store.
type Store struct {
	session   *mgo.Session
	database  string
	batchSize int
	log       *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithBatchSize sets the scan batch size.
func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithDatabase overrides the database named in the URL.
func WithDatabase(name string) Option {
	return func(s *Store) {
		s.database = name
	}
}

// Dial connects to the MongoDB deployment at url.
func Dial(log *zap.Logger, url string, timeout time.Duration, opts ...Option) (*Store, error) {
	info, err := mgo.ParseURL(url)
	if err != nil {
		return nil, &docmigrate.Error{
			Code: docmigrate.EInvalid,
			Op:   OpPrefix + "Dial",
			Msg:  "invalid mongo url",
			Err:  err,
		}
	}
	info.Timeout = timeout

	session, err := mgo.DialWithInfo(info)
	if err != nil {
		return nil, docmigrate.NewStorageError(OpPrefix+"Dial", err)
	}
	session.SetMode(mgo.Strong, true)

	return New(log, session, append([]Option{WithDatabase(info.Database)}, opts...)...), nil
}

// New returns a Store over an established session. The store owns the
// session and closes it on Close.
func New(log *zap.Logger, session *mgo.Session, opts ...Option) *Store {
	s := &Store{
		session:   session,
		batchSize: DefaultBatchSize,
		log:       log,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.database == "" {
		s.database = DefaultDatabase
	}
	return s
}

// Close closes the underlying session.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

// Database returns the name of the database holding collections and ledgers.
func (s *Store) Database() string {
	return s.database
}

// collection returns a collection on a copy of the session. The returned
// function releases the copy.
func (s *Store) collection(name string) (*mgo.Collection, func()) {
	session := s.session.Copy()
	return session.DB(s.database).C(name), session.Close
}

// Scan iterates the collection in _id order.
func (s *Store) Scan(ctx context.Context, collection string, fn docmigrate.ScanFunc) error {
	op := OpPrefix + "Scan"
	if err := ctx.Err(); err != nil {
		return err
	}

	c, done := s.collection(collection)
	defer done()

	iter := c.Find(nil).Sort("_id").Batch(s.batchSize).Iter()

	var raw bson.M
	for iter.Next(&raw) {
		if err := ctx.Err(); err != nil {
			_ = iter.Close()
			return err
		}

		id, doc, err := decodeDocument(raw)
		if err != nil {
			err = &docmigrate.Error{
				Code: docmigrate.EInvalid,
				Op:   op,
				Msg:  fmt.Sprintf("decoding document %v", raw["_id"]),
				Err:  err,
			}
		}
		if err := fn(id, doc, err); err != nil {
			_ = iter.Close()
			return err
		}
		raw = nil
	}

	if err := iter.Close(); err != nil {
		return docmigrate.NewStorageError(op, err)
	}
	return nil
}

// Put replaces the document with _id id, inserting it when absent.
func (s *Store) Put(ctx context.Context, collection, id string, doc docmigrate.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c, done := s.collection(collection)
	defer done()

	body := make(bson.M, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		body[k] = v
	}

	_, err := c.UpsertId(documentID(id), body)
	return docmigrate.NewStorageError(OpPrefix+"Put", err)
}

const (
	objectIDPrefix = "oid:"
	stringIDPrefix = "str:"
)

// documentID maps an id handed out by Scan back to the stored _id.
func documentID(id string) interface{} {
	switch {
	case strings.HasPrefix(id, objectIDPrefix) && bson.IsObjectIdHex(id[len(objectIDPrefix):]):
		return bson.ObjectIdHex(id[len(objectIDPrefix):])
	case strings.HasPrefix(id, stringIDPrefix):
		return id[len(stringIDPrefix):]
	}
	return id
}

// scanID is the inverse of documentID.
func scanID(id interface{}) (string, error) {
	switch v := id.(type) {
	case bson.ObjectId:
		return objectIDPrefix + v.Hex(), nil
	case string:
		if strings.HasPrefix(v, objectIDPrefix) || strings.HasPrefix(v, stringIDPrefix) {
			return stringIDPrefix + v, nil
		}
		return v, nil
	}
	return fmt.Sprint(id), fmt.Errorf("unsupported _id type %T", id)
}

func decodeDocument(raw bson.M) (string, docmigrate.Document, error) {
	id, err := scanID(raw["_id"])
	if err != nil {
		return id, nil, err
	}

	doc := make(docmigrate.Document, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		doc[k] = normalize(v)
	}
	return id, doc, nil
}

// normalize turns nested bson.M values into plain maps.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case []interface{}:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	default:
		return v
	}
}
