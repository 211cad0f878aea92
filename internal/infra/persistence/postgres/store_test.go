package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"coopledger/internal/infra/persistence/memory"
	"coopledger/internal/infra/persistence/postgres/testutil"
	"coopledger/pkg/domain"
)

func openStubStore(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore("", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, conn
}

func TestNewStoreCreatesStateTable(t *testing.T) {
	_, conn := openStubStore(t)
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE IF NOT EXISTS STATE") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected state DDL, got execs: %v", conn.Execs)
	}
}

func TestNewStoreLoadsExistingSnapshot(t *testing.T) {
	db, conn := testutil.NewStubDB()
	coops, _ := json.Marshal([]domain.Cooperative{{ID: 1, Name: "Loaded"}})
	loans, _ := json.Marshal([]domain.Loan{{ID: 2, CooperativeID: 1, Principal: 40}})
	conn.Tables["state"] = []map[string]any{
		{"bucket": "cooperatives", "payload": coops},
		{"bucket": "loans", "payload": loans},
		{"bucket": "unknown", "payload": []byte("{}")},
		{"bucket": "events", "payload": []byte{}},
	}
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	store, err := NewStore("ignored", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	c, ok := store.GetCooperative(1)
	if !ok || c.Name != "Loaded" {
		t.Fatalf("expected cooperative loaded, got %+v", c)
	}
	if l, ok := store.GetLoan(1, 2); !ok || l.Principal != 40 {
		t.Fatalf("expected loan loaded, got %+v", l)
	}
}

func TestRunInTransactionPersistsState(t *testing.T) {
	store, conn := openStubStore(t)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateCooperative(domain.Cooperative{Name: "Persisted"})
		return err
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
	payload, ok := conn.Payload("cooperatives")
	if !ok {
		t.Fatalf("expected cooperatives bucket written")
	}
	var coops []domain.Cooperative
	if err := json.Unmarshal(payload, &coops); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(coops) != 1 || coops[0].Name != "Persisted" {
		t.Fatalf("unexpected persisted cooperatives %+v", coops)
	}
	var snap memory.Snapshot
	if len(conn.Tables["state"]) != len(snap.Buckets()) {
		t.Fatalf("expected one row per bucket, got %d", len(conn.Tables["state"]))
	}
	if conn.Commits != 1 {
		t.Fatalf("expected a single commit, got %d", conn.Commits)
	}
}

func TestRunInTransactionRestoresMemoryOnPersistFailure(t *testing.T) {
	cases := map[string]func(*testutil.StubConn){
		"begin":  func(c *testutil.StubConn) { c.FailBegin = true },
		"exec":   func(c *testutil.StubConn) { c.FailTables = map[string]bool{"state": true} },
		"commit": func(c *testutil.StubConn) { c.FailCommit = true },
	}
	for name, arm := range cases {
		t.Run(name, func(t *testing.T) {
			store, conn := openStubStore(t)
			arm(conn)
			_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
				_, err := tx.CreateCooperative(domain.Cooperative{Name: "Lost"})
				return err
			})
			if err == nil {
				t.Fatalf("expected persist error")
			}
			if len(store.ListCooperatives()) != 0 {
				t.Fatalf("expected in-memory state restored")
			}
		})
	}
}

func TestRunInTransactionSkipsPersistOnError(t *testing.T) {
	store, conn := openStubStore(t)
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(domain.Transaction) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(conn.Tables["state"]) != 0 {
		t.Fatalf("expected no snapshot written")
	}
}

func TestNewStoreErrors(t *testing.T) {
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("open fail") })
	if _, err := NewStore("", nil); err == nil {
		t.Fatalf("expected open error")
	}
	restore()

	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore = OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	if _, err := NewStore("", nil); err == nil {
		t.Fatalf("expected ping error")
	}
	restore()

	db, conn = testutil.NewStubDB()
	conn.FailExec = true
	restore = OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	if _, err := NewStore("", nil); err == nil {
		t.Fatalf("expected ddl error")
	}
	restore()

	db, conn = testutil.NewStubDB()
	conn.Tables["state"] = []map[string]any{{"bucket": "loans", "payload": []byte("not-json")}}
	restore = OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore("", nil); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestReadersWaitForPersistOutcome(t *testing.T) {
	store, conn := openStubStore(t)
	conn.FailCommit = true

	seen := make(chan int, 2)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateCooperative(domain.Cooperative{Name: "Lost"}); err != nil {
			return err
		}
		go func() {
			_ = store.View(context.Background(), func(v domain.TransactionView) error {
				seen <- len(v.ListCooperatives())
				return nil
			})
		}()
		go func() { seen <- len(store.ListCooperatives()) }()
		return nil
	})
	if err == nil {
		t.Fatalf("expected persist error")
	}
	for i := 0; i < 2; i++ {
		if n := <-seen; n != 0 {
			t.Fatalf("reader observed %d rolled-back cooperatives", n)
		}
	}
}
