// Package store persists the history of finished recommendation runs.
//
// It provides an in-memory store for tests and ephemeral deployments, and SQLite and
// PostgreSQL stores selected from the DSN.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PillPipe/internal/models"
)

// DefaultListLimit is used when ListRuns is called with a non-positive limit.
const DefaultListLimit = 50

// ErrInvalidRun is returned when a record cannot be stored.
var ErrInvalidRun = errors.New("run record has no id")

// Store is the run history backend.
type Store interface {
	// SaveRun inserts rec, replacing any record with the same ID.
	SaveRun(ctx context.Context, rec *models.RunRecord) error
	// GetRun returns nil, nil when the run does not exist.
	GetRun(ctx context.Context, id string) (*models.RunRecord, error)
	// ListRuns returns up to limit runs, most recently finished first.
	ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error)
	// PruneRuns deletes runs that finished before cutoff and reports how many were removed.
	PruneRuns(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Opts holds configuration options for database-backed stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" or "sqlite3".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// InMemoryStore keeps runs in a map. It is safe for concurrent use.
type InMemoryStore struct {
	mu   sync.RWMutex
	runs map[string]models.RunRecord
}

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{runs: make(map[string]models.RunRecord)}
}

func (s *InMemoryStore) SaveRun(_ context.Context, rec *models.RunRecord) error {
	if rec == nil || rec.ID == "" {
		return ErrInvalidRun
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[rec.ID] = *rec
	return nil
}

func (s *InMemoryStore) GetRun(_ context.Context, id string) (*models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryStore) ListRuns(_ context.Context, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	out := make([]models.RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) PruneRuns(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.runs {
		if rec.FinishedAt.Before(cutoff) {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
