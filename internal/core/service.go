package core

import (
	"context"
	"errors"
	"time"

	"coopledger/internal/infra/persistence/memory"
	"coopledger/pkg/domain"

	"go.uber.org/zap"
)

const (
	// DefaultNativeAsset is the asset id paid by attached value and direct payout.
	DefaultNativeAsset AssetID = "native"
	// DefaultLoanEngineIdentity is the identity allowed to reduce common funds.
	DefaultLoanEngineIdentity Identity = "loan-engine"
	// DefaultGovernanceIdentity is the identity allowed to update asset parameters.
	DefaultGovernanceIdentity Identity = "governance"
)

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	logger       *zap.Logger
	metrics      MetricsRecorder
	tracer       Tracer
	sinks        []EventSink
	gateway      domain.AssetGateway
	payer        domain.NativePayer
	nativeAsset  AssetID
	loanEngineID Identity
	governanceID Identity
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		logger:       zap.NewNop(),
		metrics:      noopMetricsRecorder{},
		tracer:       noopTracer{},
		nativeAsset:  DefaultNativeAsset,
		loanEngineID: DefaultLoanEngineIdentity,
		governanceID: DefaultGovernanceIdentity,
	}
}

// WithLogger sets the structured logger. A nil logger is ignored.
func WithLogger(logger *zap.Logger) Option {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsRecorder sets the operation metrics recorder.
func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithTracer sets the operation tracer.
func WithTracer(tracer Tracer) Option {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithEventSink registers an observer of committed events. May be repeated.
func WithEventSink(sink EventSink) Option {
	return func(o *serviceOptions) {
		if sink != nil {
			o.sinks = append(o.sinks, sink)
		}
	}
}

// WithGateway sets the transfer gateway for non-native assets.
func WithGateway(gateway domain.AssetGateway) Option {
	return func(o *serviceOptions) { o.gateway = gateway }
}

// WithNativePayer sets the payout primitive for the native asset.
func WithNativePayer(payer domain.NativePayer) Option {
	return func(o *serviceOptions) { o.payer = payer }
}

// WithNativeAsset overrides the native asset id.
func WithNativeAsset(asset AssetID) Option {
	return func(o *serviceOptions) {
		if asset != "" {
			o.nativeAsset = asset
		}
	}
}

// WithLoanEngineIdentity overrides the identity the loan engine acts as.
func WithLoanEngineIdentity(id Identity) Option {
	return func(o *serviceOptions) {
		if id != "" {
			o.loanEngineID = id
		}
	}
}

// WithGovernanceIdentity overrides the identity the governance engine acts as.
func WithGovernanceIdentity(id Identity) Option {
	return func(o *serviceOptions) {
		if id != "" {
			o.governanceID = id
		}
	}
}

// Service wires the ledger, loan engine and governance engine over one store.
type Service struct {
	store      PersistentStore
	rt         *runtime
	ledger     *Ledger
	loans      *LoanEngine
	governance *GovernanceEngine
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	rt := &runtime{
		store:   store,
		logger:  o.logger,
		metrics: o.metrics,
		tracer:  o.tracer,
		sinks:   o.sinks,
	}
	ledger := &Ledger{
		rt:          rt,
		gateway:     o.gateway,
		payer:       o.payer,
		nativeAsset: o.nativeAsset,
		loanEngine:  o.loanEngineID,
		governance:  o.governanceID,
	}
	return &Service{
		store:      store,
		rt:         rt,
		ledger:     ledger,
		loans:      &LoanEngine{rt: rt, ledger: ledger, self: o.loanEngineID},
		governance: &GovernanceEngine{rt: rt, ledger: ledger, self: o.governanceID},
	}
}

// NewInMemoryService creates a service over an in-memory store evaluating the
// given rules engine. A nil engine uses NewDefaultRulesEngine.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore { return s.store }

// Ledger returns the cooperative ledger.
func (s *Service) Ledger() *Ledger { return s.ledger }

// Loans returns the loan engine.
func (s *Service) Loans() *LoanEngine { return s.loans }

// Governance returns the governance engine.
func (s *Service) Governance() *GovernanceEngine { return s.governance }

// CooperativeSnapshot is a cooperative with its loans, proposals and journal,
// all read from the same committed state.
type CooperativeSnapshot struct {
	Cooperative Cooperative
	Loans       []Loan
	Proposals   []Proposal
	Events      []Event
}

// Snapshot reads coop together with its loans, proposals and events in a
// single store view. The read is traced and measured like a write.
func (s *Service) Snapshot(ctx context.Context, coop CooperativeID) (CooperativeSnapshot, error) {
	const op = "snapshot"
	var out CooperativeSnapshot
	err := s.rt.observe(ctx, op, func(ctx context.Context) error {
		return s.rt.view(ctx, func(v TransactionView) error {
			c, err := findCooperative(op, v, coop)
			if err != nil {
				return err
			}
			out = CooperativeSnapshot{
				Cooperative: c,
				Loans:       v.ListLoans(coop),
				Proposals:   v.ListProposals(coop),
				Events:      v.ListEvents(coop),
			}
			return nil
		})
	})
	return out, err
}

// runtime is the execution context shared by the three components.
type runtime struct {
	store   PersistentStore
	logger  *zap.Logger
	metrics MetricsRecorder
	tracer  Tracer
	sinks   []EventSink
}

// run executes fn as one observed, atomic operation.
func (r *runtime) run(ctx context.Context, op string, fn func(tx Transaction) error) error {
	return r.observe(ctx, op, func(ctx context.Context) error {
		return r.transact(ctx, fn)
	})
}

// observe wraps an operation that may span several transactions with tracing,
// metrics and logging.
func (r *runtime) observe(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, op)
	started := time.Now()
	err := fn(ctx)
	elapsed := time.Since(started)
	span.End(err)
	r.metrics.Observe(ctx, op, err == nil, elapsed)
	if err != nil {
		r.logger.Warn("operation rejected", zap.String("op", op), zap.Duration("duration", elapsed), zap.Error(err))
		return err
	}
	r.logger.Debug("operation committed", zap.String("op", op), zap.Duration("duration", elapsed))
	return nil
}

// transact runs fn in a store transaction and publishes the events it
// appended once the transaction has committed.
func (r *runtime) transact(ctx context.Context, fn func(tx Transaction) error) error {
	rec := &recordingTx{}
	_, err := r.store.RunInTransaction(ctx, func(tx Transaction) error {
		rec.Transaction = tx
		rec.events = rec.events[:0]
		return fn(rec)
	})
	if err != nil {
		return err
	}
	for _, event := range rec.events {
		for _, sink := range r.sinks {
			sink.Publish(ctx, event)
		}
	}
	return nil
}

// view runs fn against a read-only snapshot.
func (r *runtime) view(ctx context.Context, fn func(TransactionView) error) error {
	return r.store.View(ctx, fn)
}

// now is the store clock used by read-side computations.
func (r *runtime) now() time.Time {
	if fn := r.store.NowFunc(); fn != nil {
		return fn()
	}
	return time.Now().UTC()
}

// recordingTx captures appended events for post-commit publication.
type recordingTx struct {
	Transaction
	events []Event
}

func (t *recordingTx) AppendEvent(e Event) (Event, error) {
	stored, err := t.Transaction.AppendEvent(e)
	if err != nil {
		return Event{}, err
	}
	t.events = append(t.events, stored)
	return stored, nil
}

// compensationError joins the original failure with a failed compensation so
// that both remain visible to errors.Is.
func compensationError(cause, compensation error) error {
	if compensation == nil {
		return cause
	}
	return errors.Join(cause, compensation)
}
