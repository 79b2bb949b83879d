package kv

import (
	"go.uber.org/zap"

	"github.com/influxdata/docmigrate"
)

var _ docmigrate.Store = (*Service)(nil)

// OpPrefix is the prefix for kv errors.
const OpPrefix = "kv/"

// DefaultPageSize is the number of documents read per scan transaction.
const DefaultPageSize = 256

// Service implements docmigrate.Store on top of a kv.Store. Every
// collection and every ledger is a bucket named after it; values are JSON.
type Service struct {
	kv     Store
	log    *zap.Logger
	Config ServiceConfig
}

// ServiceConfig allows us to configure Services
type ServiceConfig struct {
	// PageSize bounds the number of documents read inside a single read
	// transaction during a scan.
	PageSize int
}

// NewService returns an instance of a Service.
func NewService(log *zap.Logger, kv Store, configs ...ServiceConfig) *Service {
	s := &Service{
		kv:  kv,
		log: log,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	if len(configs) > 0 {
		s.Config = configs[0]
	}
	if s.Config.PageSize <= 0 {
		s.Config.PageSize = DefaultPageSize
	}

	return s
}
