package core

import (
	"context"
	"fmt"
	"math"
	"time"

	"coopledger/pkg/domain"

	"go.uber.org/zap"
)

// Ledger owns cooperatives, members, asset configurations and fund balances.
// It is the only writer of that state; the loan and governance engines reach
// it through ReduceCommonFund and UpdateParameter.
type Ledger struct {
	rt          *runtime
	gateway     domain.AssetGateway
	payer       domain.NativePayer
	nativeAsset AssetID
	loanEngine  Identity
	governance  Identity
}

// NativeAsset returns the asset id settled by attached value.
func (l *Ledger) NativeAsset() AssetID { return l.nativeAsset }

func requireCaller(op string, caller Identity) error {
	if caller == "" {
		return domain.Unauthorized(op, "caller identity required")
	}
	return nil
}

func findCooperative(op string, r domain.RuleView, id CooperativeID) (Cooperative, error) {
	c, ok := r.FindCooperative(id)
	if !ok {
		return Cooperative{}, fmt.Errorf("%s: %w", op, domain.NotFound(domain.EntityCooperative, uint64(id)))
	}
	return c, nil
}

func requireTreasurer(op string, c Cooperative, caller Identity) error {
	if caller != c.Treasurer {
		return domain.Unauthorized(op, "caller %s is not the treasurer of cooperative %d", caller, c.ID)
	}
	return nil
}

func requireActiveMember(op string, c Cooperative, caller Identity) error {
	if !c.IsActiveMember(caller) {
		return domain.Unauthorized(op, "caller %s is not an active member of cooperative %d", caller, c.ID)
	}
	return nil
}

// checkedAdd returns a+b, or an invariant violation when the sum leaves the
// int64 range.
func checkedAdd(op string, a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, domain.InvariantViolation(op, "%d + %d overflows int64", a, b)
	}
	return a + b, nil
}

func requirePositive(op string, amount int64) error {
	if amount <= 0 {
		return domain.InvariantViolation(op, "amount must be positive, got %d", amount)
	}
	return nil
}

// CreateCooperative registers a cooperative with the caller as its first
// active member. socialPct is fixed for the cooperative's lifetime.
func (l *Ledger) CreateCooperative(ctx context.Context, caller Identity, name string, socialPct int64, treasurer, secretary Identity, guardians [2]Identity) (CooperativeID, error) {
	const op = "create_cooperative"
	var id CooperativeID
	err := l.rt.run(ctx, op, func(tx Transaction) error {
		if err := requireCaller(op, caller); err != nil {
			return err
		}
		if socialPct < 0 || socialPct > domain.MaxPercent {
			return domain.InvariantViolation(op, "social percentage %d outside [0,%d]", socialPct, domain.MaxPercent)
		}
		if treasurer == "" || secretary == "" {
			return domain.Unrecognized(op, "treasurer and secretary identities required")
		}
		if guardians[0] == "" || guardians[1] == "" {
			return domain.Unrecognized(op, "both guardian identities required")
		}
		now := tx.Now()
		created, err := tx.CreateCooperative(Cooperative{
			Name:        name,
			Creator:     caller,
			Treasurer:   treasurer,
			Secretary:   secretary,
			Guardians:   guardians,
			MemberOrder: []Identity{caller},
			Members: map[Identity]Member{
				caller: newMember(caller, true, now),
			},
			Assets:    make(map[AssetID]AssetConfig),
			SocialPct: socialPct,
		})
		if err != nil {
			return err
		}
		id = created.ID
		_, err = tx.AppendEvent(Event{
			CooperativeID: created.ID,
			Type:          domain.EventCooperativeCreated,
			Actor:         caller,
			Subject:       treasurer,
			Values:        map[string]int64{"social_pct": socialPct},
			Note:          name,
		})
		return err
	})
	return id, err
}

func newMember(id Identity, active bool, now time.Time) Member {
	m := Member{
		Identity:  id,
		Deposited: make(map[AssetID]int64),
		Withdrawn: make(map[AssetID]int64),
		Active:    active,
	}
	if active {
		m.JoinedAt = now
	}
	return m
}

// RequestMembership records a pending membership for the caller.
func (l *Ledger) RequestMembership(ctx context.Context, caller Identity, coop CooperativeID) error {
	const op = "request_membership"
	return l.rt.run(ctx, op, func(tx Transaction) error {
		if err := requireCaller(op, caller); err != nil {
			return err
		}
		c, err := findCooperative(op, tx.Snapshot(), coop)
		if err != nil {
			return err
		}
		if _, exists := c.Member(caller); exists {
			return domain.InvalidState(op, "%s already has a membership record in cooperative %d", caller, coop)
		}
		if _, err := tx.UpdateCooperative(coop, func(c *Cooperative) error {
			c.Members[caller] = newMember(caller, false, tx.Now())
			c.MemberOrder = append(c.MemberOrder, caller)
			return nil
		}); err != nil {
			return err
		}
		_, err = tx.AppendEvent(Event{CooperativeID: coop, Type: domain.EventMembershipRequested, Actor: caller, Subject: caller})
		return err
	})
}

// ApproveMembership activates a pending member. Only the treasurer may approve.
func (l *Ledger) ApproveMembership(ctx context.Context, caller Identity, coop CooperativeID, member Identity) error {
	const op = "approve_membership"
	return l.rt.run(ctx, op, func(tx Transaction) error {
		if err := requireCaller(op, caller); err != nil {
			return err
		}
		c, err := findCooperative(op, tx.Snapshot(), coop)
		if err != nil {
			return err
		}
		if err := requireTreasurer(op, c, caller); err != nil {
			return err
		}
		m, exists := c.Member(member)
		if !exists {
			return domain.InvalidState(op, "%s has not requested membership in cooperative %d", member, coop)
		}
		if m.Active {
			return domain.InvalidState(op, "%s is already an active member of cooperative %d", member, coop)
		}
		if _, err := tx.UpdateCooperative(coop, func(c *Cooperative) error {
			m.Active = true
			m.JoinedAt = tx.Now()
			c.Members[member] = m
			return nil
		}); err != nil {
			return err
		}
		_, err = tx.AppendEvent(Event{CooperativeID: coop, Type: domain.EventMembershipApproved, Actor: caller, Subject: member})
		return err
	})
}

// EnableAsset (re)configures an asset. Enabling resets the asset's balances
// and accumulators to zero, including when the asset was already enabled.
func (l *Ledger) EnableAsset(ctx context.Context, caller Identity, coop CooperativeID, asset AssetID, internalRate, externalRate, externalFundPct int64) error {
	const op = "enable_asset"
	return l.rt.run(ctx, op, func(tx Transaction) error {
		if err := requireCaller(op, caller); err != nil {
			return err
		}
		c, err := findCooperative(op, tx.Snapshot(), coop)
		if err != nil {
			return err
		}
		if err := requireTreasurer(op, c, caller); err != nil {
			return err
		}
		if asset == "" {
			return domain.Unrecognized(op, "asset id required")
		}
		if _, err := tx.UpdateCooperative(coop, func(c *Cooperative) error {
			c.Assets[asset] = AssetConfig{
				Enabled:         true,
				InternalRate:    internalRate,
				ExternalRate:    externalRate,
				ExternalFundPct: externalFundPct,
			}
			for _, enabled := range c.EnabledAssets {
				if enabled == asset {
					return nil
				}
			}
			c.EnabledAssets = append(c.EnabledAssets, asset)
			return nil
		}); err != nil {
			return err
		}
		_, err = tx.AppendEvent(Event{
			CooperativeID: coop,
			Type:          domain.EventAssetEnabled,
			Actor:         caller,
			Asset:         asset,
			Values: map[string]int64{
				string(domain.ParamInternalRate):    internalRate,
				string(domain.ParamExternalRate):    externalRate,
				string(domain.ParamExternalFundPct): externalFundPct,
			},
		})
		return err
	})
}

func checkDeposit(op string, c Cooperative, caller Identity, asset AssetID) error {
	if err := requireActiveMember(op, c, caller); err != nil {
		return err
	}
	if !c.AssetEnabled(asset) {
		return domain.InvalidState(op, "asset %s is not enabled in cooperative %d", asset, c.ID)
	}
	return nil
}

// splitDeposit returns the social and common shares of amount. Rounding loss
// always falls on the social share. The product is taken in two parts so that
// no amount in the int64 range overflows it.
func splitDeposit(amount, socialPct int64) (social, common int64) {
	whole, rest := amount/domain.MaxPercent, amount%domain.MaxPercent
	social = whole*socialPct + rest*socialPct/domain.MaxPercent
	return social, amount - social
}

func (l *Ledger) creditDeposit(op string, tx Transaction, caller Identity, coop CooperativeID, asset AssetID, amount int64) error {
	c, err := findCooperative(op, tx.Snapshot(), coop)
	if err != nil {
		return err
	}
	if err := checkDeposit(op, c, caller, asset); err != nil {
		return err
	}
	social, common := splitDeposit(amount, c.SocialPct)
	if _, err := tx.UpdateCooperative(coop, func(c *Cooperative) error {
		m := c.Members[caller]
		deposited, err := checkedAdd(op, m.Deposited[asset], amount)
		if err != nil {
			return err
		}
		cfg := c.Assets[asset]
		if cfg.CumulativeDeposits, err = checkedAdd(op, cfg.CumulativeDeposits, amount); err != nil {
			return err
		}
		if cfg.SocialFund, err = checkedAdd(op, cfg.SocialFund, social); err != nil {
			return err
		}
		if cfg.CommonFund, err = checkedAdd(op, cfg.CommonFund, common); err != nil {
			return err
		}
		m.Deposited[asset] = deposited
		c.Members[caller] = m
		c.Assets[asset] = cfg
		return nil
	}); err != nil {
		return err
	}
	_, err = tx.AppendEvent(Event{
		CooperativeID: coop,
		Type:          domain.EventDeposited,
		Actor:         caller,
		Subject:       caller,
		Asset:         asset,
		Amount:        amount,
		Values:        map[string]int64{"social_share": social, "common_share": common},
	})
	return err
}

// Deposit credits the caller's deposit of amount. The native asset is paid by
// attachedValue, which must equal amount; any other asset is pulled from the
// caller through the gateway before the ledger is credited, and pushed back
// if the credit cannot be committed.
func (l *Ledger) Deposit(ctx context.Context, caller Identity, coop CooperativeID, asset AssetID, amount, attachedValue int64) error {
	const op = "deposit"
	return l.rt.observe(ctx, op, func(ctx context.Context) error {
		if err := requireCaller(op, caller); err != nil {
			return err
		}
		if asset == l.nativeAsset {
			if attachedValue != amount {
				return domain.InvariantViolation(op, "attached value %d does not match amount %d", attachedValue, amount)
			}
			if err := requirePositive(op, amount); err != nil {
				return err
			}
			return l.rt.transact(ctx, func(tx Transaction) error {
				return l.creditDeposit(op, tx, caller, coop, asset, amount)
			})
		}
		if attachedValue != 0 {
			return domain.InvariantViolation(op, "attached value is only accepted for the native asset %s", l.nativeAsset)
		}
		if err := requirePositive(op, amount); err != nil {
			return err
		}
		if err := l.rt.view(ctx, func(v TransactionView) error {
			c, err := findCooperative(op, v, coop)
			if err != nil {
				return err
			}
			return checkDeposit(op, c, caller, asset)
		}); err != nil {
			return err
		}
		if l.gateway == nil {
			return domain.TransferFailed(op, nil, "no gateway configured for asset %s", asset)
		}
		if err := l.gateway.PullInto(ctx, asset, caller, amount); err != nil {
			return domain.TransferFailed(op, err, "pull %d %s from %s", amount, asset, caller)
		}
		err := l.rt.transact(ctx, func(tx Transaction) error {
			return l.creditDeposit(op, tx, caller, coop, asset, amount)
		})
		if err == nil {
			return nil
		}
		if refundErr := l.gateway.PushOut(ctx, asset, caller, amount); refundErr != nil {
			l.rt.logger.Error("deposit refund failed",
				zap.Uint64("cooperative", uint64(coop)),
				zap.String("asset", string(asset)),
				zap.String("member", string(caller)),
				zap.Int64("amount", amount),
				zap.Error(refundErr))
			return compensationError(err, domain.TransferFailed(op, refundErr, "refund %d %s to %s", amount, asset, caller))
		}
		return err
	})
}

// Withdraw debits the caller's entitlement and the common fund, then pays the
// amount out. The debit is committed before the transfer so that re-entrant
// calls observe it; a failed transfer restores the debit exactly.
func (l *Ledger) Withdraw(ctx context.Context, caller Identity, coop CooperativeID, asset AssetID, amount int64) error {
	const op = "withdraw"
	return l.rt.observe(ctx, op, func(ctx context.Context) error {
		if err := requireCaller(op, caller); err != nil {
			return err
		}
		if err := requirePositive(op, amount); err != nil {
			return err
		}
		if err := l.rt.transact(ctx, func(tx Transaction) error {
			c, err := findCooperative(op, tx.Snapshot(), coop)
			if err != nil {
				return err
			}
			if err := requireActiveMember(op, c, caller); err != nil {
				return err
			}
			m, _ := c.Member(caller)
			if available := m.Available(asset); amount > available {
				return domain.InvariantViolation(op, "withdrawal %d exceeds entitlement %d of %s", amount, available, asset)
			}
			cfg, _ := c.Asset(asset)
			if cfg.CommonFund < amount {
				return domain.InvariantViolation(op, "withdrawal %d exceeds common fund %d of %s", amount, cfg.CommonFund, asset)
			}
			_, err = tx.UpdateCooperative(coop, func(c *Cooperative) error {
				return applyWithdrawal(c, caller, asset, amount)
			})
			return err
		}); err != nil {
			return err
		}

		if transferErr := l.payOut(ctx, caller, asset, amount); transferErr != nil {
			failure := domain.TransferFailed(op, transferErr, "pay %d %s to %s", amount, asset, caller)
			revertErr := l.rt.transact(ctx, func(tx Transaction) error {
				_, err := tx.UpdateCooperative(coop, func(c *Cooperative) error {
					return applyWithdrawal(c, caller, asset, -amount)
				})
				return err
			})
			if revertErr != nil {
				l.rt.logger.Error("withdrawal revert failed",
					zap.Uint64("cooperative", uint64(coop)),
					zap.String("asset", string(asset)),
					zap.String("member", string(caller)),
					zap.Int64("amount", amount),
					zap.Error(revertErr))
			}
			return compensationError(failure, revertErr)
		}

		if err := l.rt.transact(ctx, func(tx Transaction) error {
			_, err := tx.AppendEvent(Event{
				CooperativeID: coop,
				Type:          domain.EventWithdrawn,
				Actor:         caller,
				Subject:       caller,
				Asset:         asset,
				Amount:        amount,
			})
			return err
		}); err != nil {
			// transfer already settled
			l.rt.logger.Error("withdrawal event not recorded",
				zap.Uint64("cooperative", uint64(coop)),
				zap.String("member", string(caller)),
				zap.Error(err))
		}
		return nil
	})
}

// applyWithdrawal moves amount out of (or, when negative, back into) the
// member's entitlement and the common fund.
func applyWithdrawal(c *Cooperative, caller Identity, asset AssetID, amount int64) error {
	m := c.Members[caller]
	m.Withdrawn[asset] += amount
	c.Members[caller] = m
	cfg := c.Assets[asset]
	cfg.CommonFund -= amount
	cfg.TotalWithdrawn += amount
	c.Assets[asset] = cfg
	return nil
}

func (l *Ledger) payOut(ctx context.Context, to Identity, asset AssetID, amount int64) error {
	if asset == l.nativeAsset {
		if l.payer == nil {
			return fmt.Errorf("no native payer configured")
		}
		return l.payer.Payout(ctx, to, amount)
	}
	if l.gateway == nil {
		return fmt.Errorf("no gateway configured for asset %s", asset)
	}
	return l.gateway.PushOut(ctx, asset, to, amount)
}

// ReduceCommonFund debits amount from an asset's common fund inside the
// caller's transaction. Only the configured loan engine identity may call it.
func (l *Ledger) ReduceCommonFund(tx Transaction, caller Identity, coop CooperativeID, asset AssetID, amount int64) error {
	const op = "reduce_common_fund"
	if caller != l.loanEngine {
		return domain.Unauthorized(op, "caller %s is not the loan engine", caller)
	}
	if err := requirePositive(op, amount); err != nil {
		return err
	}
	c, err := findCooperative(op, tx.Snapshot(), coop)
	if err != nil {
		return err
	}
	cfg, _ := c.Asset(asset)
	if cfg.CommonFund < amount {
		return domain.InvariantViolation(op, "amount %d exceeds common fund %d of %s", amount, cfg.CommonFund, asset)
	}
	_, err = tx.UpdateCooperative(coop, func(c *Cooperative) error {
		cfg := c.Assets[asset]
		cfg.CommonFund -= amount
		cfg.TotalLoaned += amount
		c.Assets[asset] = cfg
		return nil
	})
	return err
}

// UpdateParameter sets one governable parameter of an enabled asset inside the
// caller's transaction. Only the configured governance identity may call it.
func (l *Ledger) UpdateParameter(tx Transaction, caller Identity, coop CooperativeID, asset AssetID, name ParameterName, value int64) error {
	const op = "update_parameter"
	if caller != l.governance {
		return domain.Unauthorized(op, "caller %s is not the governance engine", caller)
	}
	c, err := findCooperative(op, tx.Snapshot(), coop)
	if err != nil {
		return err
	}
	if !c.AssetEnabled(asset) {
		return domain.InvalidState(op, "asset %s is not enabled in cooperative %d", asset, coop)
	}
	if !name.Valid() {
		return domain.Unrecognized(op, "unknown parameter %q", name)
	}
	var previous int64
	if _, err := tx.UpdateCooperative(coop, func(c *Cooperative) error {
		cfg := c.Assets[asset]
		switch name {
		case domain.ParamInternalRate:
			previous, cfg.InternalRate = cfg.InternalRate, value
		case domain.ParamExternalRate:
			previous, cfg.ExternalRate = cfg.ExternalRate, value
		case domain.ParamExternalFundPct:
			previous, cfg.ExternalFundPct = cfg.ExternalFundPct, value
		}
		c.Assets[asset] = cfg
		return nil
	}); err != nil {
		return err
	}
	_, err = tx.AppendEvent(Event{
		CooperativeID: coop,
		Type:          domain.EventParameterUpdated,
		Actor:         caller,
		Asset:         asset,
		Values:        map[string]int64{"previous": previous, "value": value},
		Note:          string(name),
	})
	return err
}

// CooperativeIn returns the cooperative as seen by tx.
func (l *Ledger) CooperativeIn(tx Transaction, coop CooperativeID) (Cooperative, error) {
	return findCooperative("read_cooperative", tx.Snapshot(), coop)
}

// Read accessors ----------------------------------------------------------------

// Cooperative returns the full cooperative record.
func (l *Ledger) Cooperative(ctx context.Context, coop CooperativeID) (Cooperative, error) {
	var c Cooperative
	err := l.rt.view(ctx, func(v TransactionView) error {
		var err error
		c, err = findCooperative("cooperative", v, coop)
		return err
	})
	return c, err
}

// AssetConfig returns an asset's configuration. An asset that was never
// enabled yields the zero configuration.
func (l *Ledger) AssetConfig(ctx context.Context, coop CooperativeID, asset AssetID) (AssetConfig, error) {
	c, err := l.Cooperative(ctx, coop)
	if err != nil {
		return AssetConfig{}, err
	}
	cfg, _ := c.Asset(asset)
	return cfg, nil
}

// CommonFund returns the asset's common-fund balance.
func (l *Ledger) CommonFund(ctx context.Context, coop CooperativeID, asset AssetID) (int64, error) {
	cfg, err := l.AssetConfig(ctx, coop, asset)
	return cfg.CommonFund, err
}

// SocialFund returns the asset's social-fund balance.
func (l *Ledger) SocialFund(ctx context.Context, coop CooperativeID, asset AssetID) (int64, error) {
	cfg, err := l.AssetConfig(ctx, coop, asset)
	return cfg.SocialFund, err
}

// IsActiveMember reports whether id is an active member.
func (l *Ledger) IsActiveMember(ctx context.Context, coop CooperativeID, id Identity) (bool, error) {
	c, err := l.Cooperative(ctx, coop)
	if err != nil {
		return false, err
	}
	return c.IsActiveMember(id), nil
}

// Treasurer returns the cooperative's treasurer identity.
func (l *Ledger) Treasurer(ctx context.Context, coop CooperativeID) (Identity, error) {
	c, err := l.Cooperative(ctx, coop)
	return c.Treasurer, err
}

// Member returns a member record, active or pending.
func (l *Ledger) Member(ctx context.Context, coop CooperativeID, id Identity) (Member, error) {
	c, err := l.Cooperative(ctx, coop)
	if err != nil {
		return Member{}, err
	}
	m, ok := c.Member(id)
	if !ok {
		return Member{}, domain.NotFoundError{Entity: domain.EntityMember, ID: string(id)}
	}
	return m, nil
}

// Cooperatives lists every cooperative ordered by id.
func (l *Ledger) Cooperatives(ctx context.Context) ([]Cooperative, error) {
	var out []Cooperative
	err := l.rt.view(ctx, func(v TransactionView) error {
		out = v.ListCooperatives()
		return nil
	})
	return out, err
}

// Events returns the cooperative's journal ordered by sequence.
func (l *Ledger) Events(ctx context.Context, coop CooperativeID) ([]Event, error) {
	var out []Event
	err := l.rt.view(ctx, func(v TransactionView) error {
		if _, err := findCooperative("events", v, coop); err != nil {
			return err
		}
		out = v.ListEvents(coop)
		return nil
	})
	return out, err
}
