package memory

import (
	"sort"

	"coopledger/pkg/domain"
)

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Cooperatives []Cooperative `json:"cooperatives"`
	Loans        []Loan        `json:"loans"`
	Proposals    []Proposal    `json:"proposals"`
	Events       []Event       `json:"events"`
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Cooperatives: listCooperatives(&state),
		Loans:        make([]Loan, 0, len(state.loans)),
		Proposals:    make([]Proposal, 0, len(state.proposals)),
		Events:       make([]Event, 0),
	}
	for _, c := range s.Cooperatives {
		s.Loans = append(s.Loans, listLoans(&state, c.ID)...)
		s.Proposals = append(s.Proposals, listProposals(&state, c.ID)...)
		s.Events = append(s.Events, listEvents(&state, c.ID)...)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for _, c := range s.Cooperatives {
		state.cooperatives[c.ID] = cloneCooperative(c)
		if c.ID > state.lastCoop {
			state.lastCoop = c.ID
		}
	}
	for _, l := range s.Loans {
		state.loans[loanKey{coop: l.CooperativeID, id: l.ID}] = cloneLoan(l)
		if l.ID > state.lastLoan[l.CooperativeID] {
			state.lastLoan[l.CooperativeID] = l.ID
		}
	}
	for _, p := range s.Proposals {
		state.proposals[proposalKey{coop: p.CooperativeID, id: p.ID}] = cloneProposal(p)
		if p.ID > state.lastProposal[p.CooperativeID] {
			state.lastProposal[p.CooperativeID] = p.ID
		}
	}
	for _, e := range s.Events {
		state.events[e.CooperativeID] = append(state.events[e.CooperativeID], cloneEvent(e))
	}
	return state
}

// migrateSnapshot normalizes a snapshot loaded from an older or partial
// export: nil maps are initialised, records that reference a missing
// cooperative are dropped and journals are ordered by sequence.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	migrated := Snapshot{
		Cooperatives: make([]Cooperative, 0, len(snapshot.Cooperatives)),
		Loans:        make([]Loan, 0, len(snapshot.Loans)),
		Proposals:    make([]Proposal, 0, len(snapshot.Proposals)),
		Events:       make([]Event, 0, len(snapshot.Events)),
	}
	known := make(map[domain.CooperativeID]bool, len(snapshot.Cooperatives))
	for _, c := range snapshot.Cooperatives {
		if c.ID == 0 || known[c.ID] {
			continue
		}
		if c.Members == nil {
			c.Members = make(map[domain.Identity]domain.Member)
		}
		for id, m := range c.Members {
			if m.Deposited == nil {
				m.Deposited = make(map[domain.AssetID]int64)
			}
			if m.Withdrawn == nil {
				m.Withdrawn = make(map[domain.AssetID]int64)
			}
			c.Members[id] = m
		}
		if c.Assets == nil {
			c.Assets = make(map[domain.AssetID]domain.AssetConfig)
		}
		known[c.ID] = true
		migrated.Cooperatives = append(migrated.Cooperatives, c)
	}
	for _, l := range snapshot.Loans {
		if known[l.CooperativeID] && l.ID != 0 {
			migrated.Loans = append(migrated.Loans, l)
		}
	}
	for _, p := range snapshot.Proposals {
		if !known[p.CooperativeID] || p.ID == 0 {
			continue
		}
		if p.Voters == nil {
			p.Voters = make(map[domain.Identity]bool)
		}
		migrated.Proposals = append(migrated.Proposals, p)
	}
	for _, e := range snapshot.Events {
		if known[e.CooperativeID] {
			migrated.Events = append(migrated.Events, e)
		}
	}
	sort.SliceStable(migrated.Events, func(i, j int) bool {
		if migrated.Events[i].CooperativeID != migrated.Events[j].CooperativeID {
			return migrated.Events[i].CooperativeID < migrated.Events[j].CooperativeID
		}
		return migrated.Events[i].Seq < migrated.Events[j].Seq
	})
	return migrated
}

// Bucket names one section of a snapshot as persisted by the durable stores.
type Bucket struct {
	Name   string
	Target any
}

// Buckets lists the snapshot sections in persistence order. Each Target is a
// pointer into the snapshot so it can be both encoded and decoded in place.
func (s *Snapshot) Buckets() []Bucket {
	return []Bucket{
		{Name: "cooperatives", Target: &s.Cooperatives},
		{Name: "loans", Target: &s.Loans},
		{Name: "proposals", Target: &s.Proposals},
		{Name: "events", Target: &s.Events},
	}
}
