// Package memory provides an in-memory implementation of the ledger
// persistence store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"coopledger/pkg/domain"

	"github.com/google/uuid"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Cooperative aliases domain.Cooperative for in-memory persistence operations.
	Cooperative = domain.Cooperative
	// Loan aliases domain.Loan.
	Loan = domain.Loan
	// Proposal aliases domain.Proposal.
	Proposal = domain.Proposal
	// Event aliases domain.Event.
	Event = domain.Event
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type loanKey struct {
	coop domain.CooperativeID
	id   domain.LoanID
}

type proposalKey struct {
	coop domain.CooperativeID
	id   domain.ProposalID
}

type memoryState struct {
	cooperatives map[domain.CooperativeID]Cooperative
	loans        map[loanKey]Loan
	proposals    map[proposalKey]Proposal
	events       map[domain.CooperativeID][]Event
	lastCoop     domain.CooperativeID
	lastLoan     map[domain.CooperativeID]domain.LoanID
	lastProposal map[domain.CooperativeID]domain.ProposalID
}

func newMemoryState() memoryState {
	return memoryState{
		cooperatives: make(map[domain.CooperativeID]Cooperative),
		loans:        make(map[loanKey]Loan),
		proposals:    make(map[proposalKey]Proposal),
		events:       make(map[domain.CooperativeID][]Event),
		lastLoan:     make(map[domain.CooperativeID]domain.LoanID),
		lastProposal: make(map[domain.CooperativeID]domain.ProposalID),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	cloned.lastCoop = s.lastCoop
	for k, v := range s.cooperatives {
		cloned.cooperatives[k] = cloneCooperative(v)
	}
	for k, v := range s.loans {
		cloned.loans[k] = cloneLoan(v)
	}
	for k, v := range s.proposals {
		cloned.proposals[k] = cloneProposal(v)
	}
	for k, v := range s.events {
		// journal entries are immutable once appended; copying the slice header is enough
		cloned.events[k] = append([]Event(nil), v...)
	}
	for k, v := range s.lastLoan {
		cloned.lastLoan[k] = v
	}
	for k, v := range s.lastProposal {
		cloned.lastProposal[k] = v
	}
	return cloned
}

func cloneCooperative(c Cooperative) Cooperative {
	cp := c
	cp.MemberOrder = append([]domain.Identity(nil), c.MemberOrder...)
	cp.EnabledAssets = append([]domain.AssetID(nil), c.EnabledAssets...)
	cp.Members = make(map[domain.Identity]domain.Member, len(c.Members))
	for id, m := range c.Members {
		cp.Members[id] = cloneMember(m)
	}
	cp.Assets = make(map[domain.AssetID]domain.AssetConfig, len(c.Assets))
	for id, cfg := range c.Assets {
		cp.Assets[id] = cfg
	}
	return cp
}

func cloneMember(m domain.Member) domain.Member {
	cp := m
	cp.Deposited = cloneAmounts(m.Deposited)
	cp.Withdrawn = cloneAmounts(m.Withdrawn)
	return cp
}

func cloneAmounts(in map[domain.AssetID]int64) map[domain.AssetID]int64 {
	out := make(map[domain.AssetID]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneLoan(l Loan) Loan {
	cp := l
	cp.ApprovedAt = cloneTime(l.ApprovedAt)
	cp.DisbursedAt = cloneTime(l.DisbursedAt)
	cp.ClosedAt = cloneTime(l.ClosedAt)
	return cp
}

func cloneProposal(p Proposal) Proposal {
	cp := p
	cp.Voters = make(map[domain.Identity]bool, len(p.Voters))
	for id, voted := range p.Voters {
		cp.Voters[id] = voted
	}
	cp.ExecutedAt = cloneTime(p.ExecutedAt)
	return cp
}

func cloneEvent(e Event) Event {
	cp := e
	if e.Values != nil {
		cp.Values = make(map[string]int64, len(e.Values))
		for k, v := range e.Values {
			cp.Values[k] = v
		}
	}
	return cp
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source captured by each transaction.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// Store provides an in-memory transactional store for the ledger.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

type transaction struct {
	state   memoryState
	changes []Change
	now     time.Time
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func (v transactionView) ListCooperatives() []Cooperative {
	return listCooperatives(v.state)
}

func (v transactionView) FindCooperative(id domain.CooperativeID) (Cooperative, bool) {
	c, ok := v.state.cooperatives[id]
	if !ok {
		return Cooperative{}, false
	}
	return cloneCooperative(c), true
}

func (v transactionView) ListLoans(coop domain.CooperativeID) []Loan {
	return listLoans(v.state, coop)
}

func (v transactionView) FindLoan(coop domain.CooperativeID, id domain.LoanID) (Loan, bool) {
	l, ok := v.state.loans[loanKey{coop: coop, id: id}]
	if !ok {
		return Loan{}, false
	}
	return cloneLoan(l), true
}

func (v transactionView) ListProposals(coop domain.CooperativeID) []Proposal {
	return listProposals(v.state, coop)
}

func (v transactionView) FindProposal(coop domain.CooperativeID, id domain.ProposalID) (Proposal, bool) {
	p, ok := v.state.proposals[proposalKey{coop: coop, id: id}]
	if !ok {
		return Proposal{}, false
	}
	return cloneProposal(p), true
}

func (v transactionView) ListEvents(coop domain.CooperativeID) []Event {
	return listEvents(v.state, coop)
}

func listCooperatives(state *memoryState) []Cooperative {
	out := make([]Cooperative, 0, len(state.cooperatives))
	for _, c := range state.cooperatives {
		out = append(out, cloneCooperative(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func listLoans(state *memoryState, coop domain.CooperativeID) []Loan {
	var out []Loan
	for k, l := range state.loans {
		if k.coop == coop {
			out = append(out, cloneLoan(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func listProposals(state *memoryState, coop domain.CooperativeID) []Proposal {
	var out []Proposal
	for k, p := range state.proposals {
		if k.coop == coop {
			out = append(out, cloneProposal(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func listEvents(state *memoryState, coop domain.CooperativeID) []Event {
	journal := state.events[coop]
	out := make([]Event, 0, len(journal))
	for _, e := range journal {
		out = append(out, cloneEvent(e))
	}
	return out
}

// RunInTransaction executes fn within a transactional copy of the store state.
// The copy replaces the committed state only when fn succeeds and no rule
// reports a blocking violation.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// Now returns the instant captured at transaction start.
func (tx *transaction) Now() time.Time {
	return tx.now
}

// CreateCooperative stores a new cooperative under the next arena index.
func (tx *transaction) CreateCooperative(c Cooperative) (Cooperative, error) {
	tx.state.lastCoop++
	c.ID = tx.state.lastCoop
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	if c.Members == nil {
		c.Members = make(map[domain.Identity]domain.Member)
	}
	if c.Assets == nil {
		c.Assets = make(map[domain.AssetID]domain.AssetConfig)
	}
	tx.state.cooperatives[c.ID] = cloneCooperative(c)
	tx.recordChange(Change{Entity: domain.EntityCooperative, Action: domain.ActionCreate, After: cloneCooperative(c)})
	return cloneCooperative(c), nil
}

// UpdateCooperative mutates a cooperative using the provided mutator function.
func (tx *transaction) UpdateCooperative(id domain.CooperativeID, mutator func(*Cooperative) error) (Cooperative, error) {
	current, ok := tx.state.cooperatives[id]
	if !ok {
		return Cooperative{}, domain.NotFound(domain.EntityCooperative, uint64(id))
	}
	before := cloneCooperative(current)
	current = cloneCooperative(current)
	if err := mutator(&current); err != nil {
		return Cooperative{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.cooperatives[id] = cloneCooperative(current)
	tx.recordChange(Change{Entity: domain.EntityCooperative, Action: domain.ActionUpdate, Before: before, After: cloneCooperative(current)})
	return cloneCooperative(current), nil
}

// FindCooperative exposes cooperative lookup within the transaction scope.
func (tx *transaction) FindCooperative(id domain.CooperativeID) (Cooperative, bool) {
	c, ok := tx.state.cooperatives[id]
	if !ok {
		return Cooperative{}, false
	}
	return cloneCooperative(c), true
}

// CreateLoan stores a loan under the next index of its cooperative.
func (tx *transaction) CreateLoan(l Loan) (Loan, error) {
	if _, ok := tx.state.cooperatives[l.CooperativeID]; !ok {
		return Loan{}, domain.NotFound(domain.EntityCooperative, uint64(l.CooperativeID))
	}
	tx.state.lastLoan[l.CooperativeID]++
	l.ID = tx.state.lastLoan[l.CooperativeID]
	tx.state.loans[loanKey{coop: l.CooperativeID, id: l.ID}] = cloneLoan(l)
	tx.recordChange(Change{Entity: domain.EntityLoan, Action: domain.ActionCreate, After: cloneLoan(l)})
	return cloneLoan(l), nil
}

// UpdateLoan mutates a loan using the provided mutator function.
func (tx *transaction) UpdateLoan(coop domain.CooperativeID, id domain.LoanID, mutator func(*Loan) error) (Loan, error) {
	key := loanKey{coop: coop, id: id}
	current, ok := tx.state.loans[key]
	if !ok {
		return Loan{}, domain.NotFound(domain.EntityLoan, uint64(id))
	}
	before := cloneLoan(current)
	current = cloneLoan(current)
	if err := mutator(&current); err != nil {
		return Loan{}, err
	}
	current.ID = id
	current.CooperativeID = coop
	tx.state.loans[key] = cloneLoan(current)
	tx.recordChange(Change{Entity: domain.EntityLoan, Action: domain.ActionUpdate, Before: before, After: cloneLoan(current)})
	return cloneLoan(current), nil
}

// FindLoan exposes loan lookup within the transaction scope.
func (tx *transaction) FindLoan(coop domain.CooperativeID, id domain.LoanID) (Loan, bool) {
	l, ok := tx.state.loans[loanKey{coop: coop, id: id}]
	if !ok {
		return Loan{}, false
	}
	return cloneLoan(l), true
}

// CreateProposal stores a proposal under the next index of its cooperative.
func (tx *transaction) CreateProposal(p Proposal) (Proposal, error) {
	if _, ok := tx.state.cooperatives[p.CooperativeID]; !ok {
		return Proposal{}, domain.NotFound(domain.EntityCooperative, uint64(p.CooperativeID))
	}
	tx.state.lastProposal[p.CooperativeID]++
	p.ID = tx.state.lastProposal[p.CooperativeID]
	if p.Voters == nil {
		p.Voters = make(map[domain.Identity]bool)
	}
	tx.state.proposals[proposalKey{coop: p.CooperativeID, id: p.ID}] = cloneProposal(p)
	tx.recordChange(Change{Entity: domain.EntityProposal, Action: domain.ActionCreate, After: cloneProposal(p)})
	return cloneProposal(p), nil
}

// UpdateProposal mutates a proposal using the provided mutator function.
func (tx *transaction) UpdateProposal(coop domain.CooperativeID, id domain.ProposalID, mutator func(*Proposal) error) (Proposal, error) {
	key := proposalKey{coop: coop, id: id}
	current, ok := tx.state.proposals[key]
	if !ok {
		return Proposal{}, domain.NotFound(domain.EntityProposal, uint64(id))
	}
	before := cloneProposal(current)
	current = cloneProposal(current)
	if err := mutator(&current); err != nil {
		return Proposal{}, err
	}
	current.ID = id
	current.CooperativeID = coop
	tx.state.proposals[key] = cloneProposal(current)
	tx.recordChange(Change{Entity: domain.EntityProposal, Action: domain.ActionUpdate, Before: before, After: cloneProposal(current)})
	return cloneProposal(current), nil
}

// FindProposal exposes proposal lookup within the transaction scope.
func (tx *transaction) FindProposal(coop domain.CooperativeID, id domain.ProposalID) (Proposal, bool) {
	p, ok := tx.state.proposals[proposalKey{coop: coop, id: id}]
	if !ok {
		return Proposal{}, false
	}
	return cloneProposal(p), true
}

// AppendEvent adds an event to the cooperative journal.
func (tx *transaction) AppendEvent(e Event) (Event, error) {
	if _, ok := tx.state.cooperatives[e.CooperativeID]; !ok {
		return Event{}, fmt.Errorf("append %s: %w", e.Type, domain.NotFound(domain.EntityCooperative, uint64(e.CooperativeID)))
	}
	e.ID = uuid.NewString()
	e.Seq = uint64(len(tx.state.events[e.CooperativeID])) + 1
	if e.Timestamp.IsZero() {
		e.Timestamp = tx.now
	}
	e = cloneEvent(e)
	tx.state.events[e.CooperativeID] = append(tx.state.events[e.CooperativeID], e)
	tx.recordChange(Change{Entity: domain.EntityEvent, Action: domain.ActionCreate, After: cloneEvent(e)})
	return cloneEvent(e), nil
}

// Read helpers ---------------------------------------------------------------

// GetCooperative retrieves a cooperative by id from committed state.
func (s *Store) GetCooperative(id domain.CooperativeID) (Cooperative, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.cooperatives[id]
	if !ok {
		return Cooperative{}, false
	}
	return cloneCooperative(c), true
}

// ListCooperatives returns all cooperatives ordered by id.
func (s *Store) ListCooperatives() []Cooperative {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCooperatives(&s.state)
}

// GetLoan retrieves a loan from committed state.
func (s *Store) GetLoan(coop domain.CooperativeID, id domain.LoanID) (Loan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.state.loans[loanKey{coop: coop, id: id}]
	if !ok {
		return Loan{}, false
	}
	return cloneLoan(l), true
}

// ListLoans returns the loans of a cooperative ordered by id.
func (s *Store) ListLoans(coop domain.CooperativeID) []Loan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listLoans(&s.state, coop)
}

// GetProposal retrieves a proposal from committed state.
func (s *Store) GetProposal(coop domain.CooperativeID, id domain.ProposalID) (Proposal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.proposals[proposalKey{coop: coop, id: id}]
	if !ok {
		return Proposal{}, false
	}
	return cloneProposal(p), true
}

// ListProposals returns the proposals of a cooperative ordered by id.
func (s *Store) ListProposals(coop domain.CooperativeID) []Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listProposals(&s.state, coop)
}

// ListEvents returns the journal of a cooperative ordered by sequence.
func (s *Store) ListEvents(coop domain.CooperativeID) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEvents(&s.state, coop)
}
