package api

import "context"

// IdentityProvider is the external identity-management collaborator.
// Quire itself stores no accounts; the admin endpoints forward to this
// interface and audit the outcome.
type IdentityProvider interface {
	CreateUser(ctx context.Context, username, role string) (id string, err error)
	DeleteUser(ctx context.Context, id string) error
}
