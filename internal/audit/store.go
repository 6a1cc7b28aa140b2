// Package audit persists attestation records keyed by transcript digest.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/tkingovr/txguard/api"
)

// ErrNotFound is returned by Get for an unknown digest.
var ErrNotFound = errors.New("audit: record not found")

// Store defines the interface for attestation record persistence and retrieval.
type Store interface {
	// Put stores a record. Storing a digest that already exists is a no-op.
	Put(ctx context.Context, record *api.AttestationRecord) error

	// Get returns the record with the given digest or ErrNotFound.
	Get(ctx context.Context, digest string) (*api.AttestationRecord, error)

	// Query retrieves records matching the filter, newest first.
	Query(ctx context.Context, filter api.QueryFilter) ([]*api.AttestationRecord, error)

	// Stats returns aggregate statistics.
	Stats(ctx context.Context) (*api.AuditStats, error)

	// Close shuts down the store and flushes any buffers.
	Close() error
}

// Subscriber is implemented by stores that can stream new records.
type Subscriber interface {
	// Subscribe returns a channel that receives new records in real time.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context) (<-chan *api.AttestationRecord, func())
}

// Backend names accepted by Open.
const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Settings select and configure a backend.
type Settings struct {
	Backend string
	// Dir is the JSONL directory.
	Dir string
	// Path is the SQLite database file.
	Path string
	// MaxMemory bounds the JSONL in-memory index.
	MaxMemory int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	TTL           time.Duration
}

// Open creates the configured store.
func Open(ctx context.Context, s Settings) (Store, error) {
	switch s.Backend {
	case "", BackendJSONL:
		return NewJSONLStore(s.Dir, s.MaxMemory)
	case BackendSQLite:
		return NewSQLiteStore(ctx, s.Path)
	case BackendRedis:
		return NewRedisStore(ctx, RedisOptions{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
			Prefix:   s.RedisPrefix,
			TTL:      s.TTL,
		})
	default:
		return nil, fmt.Errorf("audit: unknown backend %q", s.Backend)
	}
}

func newStats() *api.AuditStats {
	return &api.AuditStats{
		ByAction: make(map[string]int),
		ByChain:  make(map[string]int),
	}
}

func accumulate(stats *api.AuditStats, r *api.AttestationRecord) {
	stats.Total++
	switch r.Transcript.Verdict.Disposition {
	case api.DispositionPass:
		stats.Pass++
	case api.DispositionAdvise:
		stats.Advise++
	case api.DispositionStop:
		stats.Stop++
	}
	if r.Transcript.Verdict.Incomplete {
		stats.Incomplete++
	}
	if a := r.Action(); a != "" {
		stats.ByAction[string(a)]++
	}
	if c := r.Transcript.Request.Transaction.ChainID; c != 0 {
		stats.ByChain[strconv.FormatUint(c, 10)]++
	}
}

// newestFirst orders records by creation time, breaking ties by digest so
// the order is total.
func newestFirst(records []*api.AttestationRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].Digest < records[j].Digest
	})
}

func page(records []*api.AttestationRecord, f api.QueryFilter) []*api.AttestationRecord {
	if f.Offset > 0 {
		if f.Offset >= len(records) {
			return nil
		}
		records = records[f.Offset:]
	}
	if f.Limit > 0 && len(records) > f.Limit {
		records = records[:f.Limit]
	}
	return records
}
