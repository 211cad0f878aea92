package domain

import "context"

// AssetGateway moves non-native assets in and out of the ledger. A nil error
// means the transfer settled.
type AssetGateway interface {
	PullInto(ctx context.Context, asset AssetID, from Identity, amount int64) error
	PushOut(ctx context.Context, asset AssetID, to Identity, amount int64) error
}

// NativePayer pays out the native asset directly. Native deposits arrive as a
// value attached to the deposit call and need no gateway.
type NativePayer interface {
	Payout(ctx context.Context, to Identity, amount int64) error
}

// Role is a coarse capability held by an identity.
type Role string

// Recognized roles.
const (
	RoleNone      Role = ""
	RoleAdmin     Role = "admin"
	RoleTreasurer Role = "treasurer"
	RoleSecretary Role = "secretary"
	RoleGuardian  Role = "guardian"
	RoleMember    Role = "member"
)

// CapabilityRegistry resolves identities to roles. Assign and Revoke are
// restricted to callers holding RoleAdmin.
type CapabilityRegistry interface {
	RoleOf(id Identity) Role
	Assign(caller, id Identity, role Role) error
	Revoke(caller, id Identity) error
}
