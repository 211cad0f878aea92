// Package transfer provides an in-memory asset gateway and native payer that
// keep per-identity balances. It backs tests and embedders that settle
// transfers outside the ledger process.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"coopledger/pkg/domain"
)

// ErrInsufficientBalance reports a transfer larger than the source balance.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Op names a gateway operation for failure injection and hooks.
type Op string

// Gateway operations.
const (
	OpPull   Op = "pull"
	OpPush   Op = "push"
	OpPayout Op = "payout"
)

// Hook runs after a transfer has settled and before the call returns. A hook
// may call back into the ledger; its error is returned to the caller.
type Hook func(ctx context.Context, op Op, asset domain.AssetID, who domain.Identity, amount int64) error

// Gateway moves assets between external accounts and the ledger's custody.
type Gateway struct {
	mu       sync.Mutex
	native   domain.AssetID
	accounts map[domain.AssetID]map[domain.Identity]int64
	custody  map[domain.AssetID]int64
	failures map[Op]error
	hook     Hook
	calls    []Call
}

// Call records one gateway invocation.
type Call struct {
	Op     Op
	Asset  domain.AssetID
	Who    domain.Identity
	Amount int64
	Err    error
}

var (
	_ domain.AssetGateway = (*Gateway)(nil)
	_ domain.NativePayer  = (*Gateway)(nil)
)

// NewGateway returns an empty gateway. native is the asset paid by Payout.
func NewGateway(native domain.AssetID) *Gateway {
	return &Gateway{
		native:   native,
		accounts: make(map[domain.AssetID]map[domain.Identity]int64),
		custody:  make(map[domain.AssetID]int64),
		failures: make(map[Op]error),
	}
}

// Fund credits an external account.
func (g *Gateway) Fund(asset domain.AssetID, who domain.Identity, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.account(asset)[who] += amount
}

// FundCustody credits the ledger's custody of asset, as an attached native
// value would.
func (g *Gateway) FundCustody(asset domain.AssetID, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.custody[asset] += amount
}

// Balance returns an external account balance.
func (g *Gateway) Balance(asset domain.AssetID, who domain.Identity) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accounts[asset][who]
}

// Custody returns the balance held on behalf of the ledger.
func (g *Gateway) Custody(asset domain.AssetID) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.custody[asset]
}

// Fail makes every subsequent op fail with err. A nil err clears the failure.
func (g *Gateway) Fail(op Op, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failures, op)
		return
	}
	g.failures[op] = err
}

// SetHook installs h, replacing any previous hook.
func (g *Gateway) SetHook(h Hook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hook = h
}

// Calls returns a copy of the recorded invocations.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

func (g *Gateway) account(asset domain.AssetID) map[domain.Identity]int64 {
	acct, ok := g.accounts[asset]
	if !ok {
		acct = make(map[domain.Identity]int64)
		g.accounts[asset] = acct
	}
	return acct
}

// PullInto moves amount from an external account into custody.
func (g *Gateway) PullInto(ctx context.Context, asset domain.AssetID, from domain.Identity, amount int64) error {
	return g.settle(ctx, OpPull, asset, from, amount, func() error {
		acct := g.account(asset)
		if acct[from] < amount {
			return fmt.Errorf("pull %d %s from %s: %w", amount, asset, from, ErrInsufficientBalance)
		}
		acct[from] -= amount
		g.custody[asset] += amount
		return nil
	})
}

// PushOut moves amount from custody to an external account.
func (g *Gateway) PushOut(ctx context.Context, asset domain.AssetID, to domain.Identity, amount int64) error {
	return g.settle(ctx, OpPush, asset, to, amount, func() error {
		return g.release(asset, to, amount)
	})
}

// Payout pays the native asset from custody.
func (g *Gateway) Payout(ctx context.Context, to domain.Identity, amount int64) error {
	return g.settle(ctx, OpPayout, g.native, to, amount, func() error {
		return g.release(g.native, to, amount)
	})
}

func (g *Gateway) release(asset domain.AssetID, to domain.Identity, amount int64) error {
	if g.custody[asset] < amount {
		return fmt.Errorf("release %d %s from custody: %w", amount, asset, ErrInsufficientBalance)
	}
	g.custody[asset] -= amount
	g.account(asset)[to] += amount
	return nil
}

// settle applies move under the lock, then runs the hook without holding it.
func (g *Gateway) settle(ctx context.Context, op Op, asset domain.AssetID, who domain.Identity, amount int64, move func() error) error {
	if amount <= 0 {
		return fmt.Errorf("%s %s: amount must be positive", op, asset)
	}
	g.mu.Lock()
	err := g.failures[op]
	if err == nil {
		err = move()
	}
	g.calls = append(g.calls, Call{Op: op, Asset: asset, Who: who, Amount: amount, Err: err})
	hook := g.hook
	g.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		return hook(ctx, op, asset, who, amount)
	}
	return nil
}
