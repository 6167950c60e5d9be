package domain

import "go.mongodb.org/mongo-driver/bson/primitive"

// PrincipalKind selects which account family a credential belongs to.
// The kind doubles as the backing collection name.
type PrincipalKind string

const (
	KindPartner PrincipalKind = "partners"
	KindUser    PrincipalKind = "users"
)

// Valid reports whether k is one of the two closed variants.
func (k PrincipalKind) Valid() bool {
	return k == KindPartner || k == KindUser
}

// Credential is a verified bearer token's claims. Immutable once issued;
// renewal supersedes it with a fresh credential carrying the same identity.
type Credential struct {
	PrincipalID  primitive.ObjectID
	Kind         PrincipalKind
	ActingUserID primitive.ObjectID // partner only: the sub-account making the call
	ExpiresAt    int64              // unix seconds; 0 means non-expiring
	Sliding      bool
}
