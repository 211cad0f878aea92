// Package archive exports per-cooperative statements (state, loans, proposals
// and the event journal) to a blob store as write-once JSON documents.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	blobcore "coopledger/internal/blob/core"
	"coopledger/internal/core"
	"coopledger/pkg/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StatementVersion is written into every statement document.
const StatementVersion = 1

const (
	keyPrefix   = "statements"
	contentType = "application/json"
	stampLayout = "20060102T150405.000000000Z"
)

// Source is the read side of the ledger a statement is built from. Snapshot
// must return the cooperative and everything attached to it from one
// consistent state.
type Source interface {
	Cooperatives(ctx context.Context) ([]domain.Cooperative, error)
	Cooperative(ctx context.Context, coop domain.CooperativeID) (domain.Cooperative, error)
	Snapshot(ctx context.Context, coop domain.CooperativeID) (core.CooperativeSnapshot, error)
}

type serviceSource struct {
	*core.Ledger
	svc *core.Service
}

func (s serviceSource) Snapshot(ctx context.Context, coop domain.CooperativeID) (core.CooperativeSnapshot, error) {
	return s.svc.Snapshot(ctx, coop)
}

// FromService adapts a ledger service into a Source.
func FromService(svc *core.Service) Source {
	return serviceSource{Ledger: svc.Ledger(), svc: svc}
}

// Statement is the archived document for one cooperative.
type Statement struct {
	ID          string             `json:"id"`
	Version     int                `json:"version"`
	GeneratedAt time.Time          `json:"generated_at"`
	GeneratedBy domain.Identity    `json:"generated_by"`
	Cooperative domain.Cooperative `json:"cooperative"`
	Loans       []domain.Loan      `json:"loans"`
	Proposals   []domain.Proposal  `json:"proposals"`
	Events      []domain.Event     `json:"events"`
}

// LastSeq returns the sequence of the newest journal entry, or 0.
func (s Statement) LastSeq() uint64 {
	if len(s.Events) == 0 {
		return 0
	}
	return s.Events[len(s.Events)-1].Seq
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Archiver) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides the statement timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		if now != nil {
			a.now = now
		}
	}
}

// WithRegistry grants statement access to registry admins and secretaries in
// addition to each cooperative's own treasurer and secretary.
func WithRegistry(registry domain.CapabilityRegistry) Option {
	return func(a *Archiver) { a.registry = registry }
}

// Archiver writes statements to a blob store.
type Archiver struct {
	source   Source
	store    blobcore.Store
	registry domain.CapabilityRegistry
	logger   *zap.Logger
	now      func() time.Time
}

// New constructs an Archiver.
func New(source Source, store blobcore.Store, opts ...Option) *Archiver {
	a := &Archiver{
		source: source,
		store:  store,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Prefix returns the key prefix holding a cooperative's statements.
func Prefix(coop domain.CooperativeID) string {
	return keyPrefix + "/" + strconv.FormatUint(uint64(coop), 10) + "/"
}

func (a *Archiver) registryRole(caller domain.Identity) domain.Role {
	if a.registry == nil {
		return domain.RoleNone
	}
	return a.registry.RoleOf(caller)
}

func (a *Archiver) authorize(op string, caller domain.Identity, c domain.Cooperative) error {
	switch a.registryRole(caller) {
	case domain.RoleAdmin, domain.RoleSecretary:
		return nil
	}
	if caller != "" && (caller == c.Treasurer || caller == c.Secretary) {
		return nil
	}
	return domain.Unauthorized(op, "%s may not read statements of cooperative %d", caller, c.ID)
}

// Build assembles the statement for coop without storing it.
func (a *Archiver) Build(ctx context.Context, caller domain.Identity, coop domain.CooperativeID) (Statement, error) {
	const op = "archive.build"
	snap, err := a.source.Snapshot(ctx, coop)
	if err != nil {
		return Statement{}, err
	}
	if err := a.authorize(op, caller, snap.Cooperative); err != nil {
		return Statement{}, err
	}
	return Statement{
		ID:          uuid.NewString(),
		Version:     StatementVersion,
		GeneratedAt: a.now(),
		GeneratedBy: caller,
		Cooperative: snap.Cooperative,
		Loans:       snap.Loans,
		Proposals:   snap.Proposals,
		Events:      snap.Events,
	}, nil
}

// Export builds the statement for coop and stores it under Prefix(coop).
func (a *Archiver) Export(ctx context.Context, caller domain.Identity, coop domain.CooperativeID) (blobcore.Object, error) {
	st, err := a.Build(ctx, caller, coop)
	if err != nil {
		return blobcore.Object{}, err
	}
	body, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return blobcore.Object{}, fmt.Errorf("encode statement: %w", err)
	}
	key := Prefix(coop) + st.GeneratedAt.UTC().Format(stampLayout) + "-" + strconv.FormatUint(st.LastSeq(), 10) + ".json"
	obj, err := a.store.Put(ctx, key, bytes.NewReader(body), blobcore.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"statement":   st.ID,
			"cooperative": strconv.FormatUint(uint64(coop), 10),
			"last_seq":    strconv.FormatUint(st.LastSeq(), 10),
		},
	})
	if err != nil {
		a.logger.Warn("statement export failed", zap.Uint64("cooperative", uint64(coop)), zap.String("key", key), zap.Error(err))
		return blobcore.Object{}, err
	}
	a.logger.Info("statement exported",
		zap.Uint64("cooperative", uint64(coop)),
		zap.String("key", obj.Key),
		zap.Int64("size", obj.Size),
		zap.Int("events", len(st.Events)),
	)
	return obj, nil
}

// ExportAll exports a statement for every cooperative. It requires an admin
// in the configured registry.
func (a *Archiver) ExportAll(ctx context.Context, caller domain.Identity) ([]blobcore.Object, error) {
	const op = "archive.export_all"
	if a.registryRole(caller) != domain.RoleAdmin {
		return nil, domain.Unauthorized(op, "%s is not an admin", caller)
	}
	coops, err := a.source.Cooperatives(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]blobcore.Object, 0, len(coops))
	var errs []error
	for _, c := range coops {
		obj, err := a.Export(ctx, caller, c.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("cooperative %d: %w", c.ID, err))
			continue
		}
		out = append(out, obj)
	}
	return out, errors.Join(errs...)
}

// Load reads a stored statement back.
func (a *Archiver) Load(ctx context.Context, key string) (Statement, error) {
	_, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return Statement{}, err
	}
	defer func() { _ = rc.Close() }()
	body, err := io.ReadAll(rc)
	if err != nil {
		return Statement{}, fmt.Errorf("read statement %s: %w", key, err)
	}
	var st Statement
	if err := json.Unmarshal(body, &st); err != nil {
		return Statement{}, fmt.Errorf("decode statement %s: %w", key, err)
	}
	return st, nil
}

func (a *Archiver) authorizeCooperative(ctx context.Context, op string, caller domain.Identity, coop domain.CooperativeID) error {
	c, err := a.source.Cooperative(ctx, coop)
	if err != nil {
		return err
	}
	return a.authorize(op, caller, c)
}

// List returns the stored statements of coop, oldest first. The caller needs
// the same access as for Export.
func (a *Archiver) List(ctx context.Context, caller domain.Identity, coop domain.CooperativeID) ([]blobcore.Object, error) {
	if err := a.authorizeCooperative(ctx, "archive.list", caller, coop); err != nil {
		return nil, err
	}
	return a.store.List(ctx, Prefix(coop))
}

// Prune deletes all but the newest keep statements of coop and returns how
// many were removed.
func (a *Archiver) Prune(ctx context.Context, caller domain.Identity, coop domain.CooperativeID, keep int) (int, error) {
	const op = "archive.prune"
	if keep < 0 {
		return 0, domain.Unrecognized(op, "keep must not be negative")
	}
	if err := a.authorizeCooperative(ctx, op, caller, coop); err != nil {
		return 0, err
	}
	objs, err := a.store.List(ctx, Prefix(coop))
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := 0; i < len(objs)-keep; i++ {
		existed, err := a.store.Delete(ctx, objs[i].Key)
		if err != nil {
			return removed, fmt.Errorf("delete %s: %w", objs[i].Key, err)
		}
		if existed {
			removed++
		}
	}
	if removed > 0 {
		a.logger.Info("statements pruned", zap.Uint64("cooperative", uint64(coop)), zap.Int("removed", removed))
	}
	return removed, nil
}
