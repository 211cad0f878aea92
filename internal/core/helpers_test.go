package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"coopledger/internal/infra/persistence/memory"
	"coopledger/internal/transfer"
	"coopledger/pkg/domain"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	alice     Identity = "alice"
	bob       Identity = "bob"
	carol     Identity = "carol"
	treasurer Identity = "tess"
	secretary Identity = "sam"

	token AssetID = "token"
)

var guardians = [2]Identity{"g1", "g2"}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc     *Service
	gateway *transfer.Gateway
	clock   *testClock
	coop    CooperativeID
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := newTestClock()
	gateway := transfer.NewGateway(DefaultNativeAsset)
	store := memory.NewStore(NewDefaultRulesEngine(), memory.WithClock(clock.Now))
	opts = append([]Option{WithGateway(gateway), WithNativePayer(gateway)}, opts...)
	return &fixture{svc: NewService(store, opts...), gateway: gateway, clock: clock}
}

// withCooperative creates a cooperative (socialPct 10) whose creator is alice,
// enables token (5, 8, 20) and admits bob.
func (f *fixture) withCooperative(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	ledger := f.svc.Ledger()
	id, err := ledger.CreateCooperative(ctx, alice, "Harbor", 10, treasurer, secretary, guardians)
	if err != nil {
		t.Fatalf("create cooperative: %v", err)
	}
	f.coop = id
	if err := ledger.EnableAsset(ctx, treasurer, id, token, 5, 8, 20); err != nil {
		t.Fatalf("enable asset: %v", err)
	}
	if err := ledger.RequestMembership(ctx, bob, id); err != nil {
		t.Fatalf("request membership: %v", err)
	}
	if err := ledger.ApproveMembership(ctx, treasurer, id, bob); err != nil {
		t.Fatalf("approve membership: %v", err)
	}
	return f
}

func (f *fixture) deposit(t *testing.T, who Identity, amount int64) {
	t.Helper()
	f.gateway.Fund(token, who, amount)
	if err := f.svc.Ledger().Deposit(context.Background(), who, f.coop, token, amount, 0); err != nil {
		t.Fatalf("deposit %d by %s: %v", amount, who, err)
	}
}

func (f *fixture) asset(t *testing.T) AssetConfig {
	t.Helper()
	cfg, err := f.svc.Ledger().AssetConfig(context.Background(), f.coop, token)
	if err != nil {
		t.Fatalf("asset config: %v", err)
	}
	return cfg
}

func (f *fixture) member(t *testing.T, who Identity) Member {
	t.Helper()
	m, err := f.svc.Ledger().Member(context.Background(), f.coop, who)
	if err != nil {
		t.Fatalf("member %s: %v", who, err)
	}
	return m
}

func (f *fixture) eventTypes(t *testing.T) []EventType {
	t.Helper()
	events, err := f.svc.Ledger().Events(context.Background(), f.coop)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	out := make([]EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func countEvents(types []EventType, want EventType) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}

var _ domain.AssetGateway = (*transfer.Gateway)(nil)
