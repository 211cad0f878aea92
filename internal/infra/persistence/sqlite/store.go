// Package sqlite provides a SQLite-backed ledger store that snapshots the
// in-memory state after every committed transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"coopledger/internal/infra/persistence/memory"
	"coopledger/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "coopledger.db"

// Store persists the in-memory state to a single SQLite table as JSON blobs.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// NewStore constructs a snapshotting SQLite-backed persistent store.
func NewStore(path string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine, opts...), db: db, path: path}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	targets := make(map[string]any)
	for _, b := range snapshot.Buckets() {
		targets[b.Name] = b.Target
	}
	loaded := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		target, ok := targets[bucket]
		if !ok || len(payload) == 0 {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
		loaded = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if loaded {
		s.ImportState(snapshot)
	}
	return nil
}

func (s *Store) persist(ctx context.Context) (retErr error) {
	snapshot := s.ExportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, b := range snapshot.Buckets() {
		data, err := json.Marshal(b.Target)
		if err != nil {
			return fmt.Errorf("encode %s: %w", b.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, b.Name, data); err != nil {
			return fmt.Errorf("upsert %s: %w", b.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RunInTransaction applies fn within a transaction, then snapshots state to
// SQLite. If the snapshot cannot be written the in-memory state is restored
// to what it was before fn ran.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.ExportState()
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if pErr := s.persist(ctx); pErr != nil {
		s.ImportState(previous)
		return res, fmt.Errorf("persist sqlite snapshot: %w", pErr)
	}
	return res, nil
}

// View runs fn once any commit in flight has been persisted or rolled back.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Store.View(ctx, fn)
}

// GetCooperative reads persisted state only.
func (s *Store) GetCooperative(id domain.CooperativeID) (domain.Cooperative, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Store.GetCooperative(id)
}

// ListCooperatives reads persisted state only.
func (s *Store) ListCooperatives() []domain.Cooperative {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Store.ListCooperatives()
}

// GetLoan reads persisted state only.
func (s *Store) GetLoan(coop domain.CooperativeID, id domain.LoanID) (domain.Loan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Store.GetLoan(coop, id)
}

// ListLoans reads persisted state only.
func (s *Store) ListLoans(coop domain.CooperativeID) []domain.Loan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Store.ListLoans(coop)
}

// GetProposal reads persisted state only.
func (s *Store) GetProposal(coop domain.CooperativeID, id domain.ProposalID) (domain.Proposal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Store.GetProposal(coop, id)
}

// ListProposals reads persisted state only.
func (s *Store) ListProposals(coop domain.CooperativeID) []domain.Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Store.ListProposals(coop)
}

// ListEvents reads persisted state only.
func (s *Store) ListEvents(coop domain.CooperativeID) []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Store.ListEvents(coop)
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
