package token

import (
	"context"
	"time"
)

// Store describes persistence operations required by the token subsystem.
type Store interface {
	Tokens(ctx context.Context) TokenStore
	Services(ctx context.Context) ServiceStore
	AuthorizedUsers(ctx context.Context) AuthorizedUserStore
}

// TokenStore manages the tokens table.
type TokenStore interface {
	// FindCandidates returns the permanent tokens for the (user, service)
	// pair, oldest first.
	FindCandidates(ctx context.Context, userID, serviceID string) ([]Token, error)

	// Insert assigns an identifier and creation timestamp when unset and
	// persists the token. Returns ErrConflict when the value collides with
	// a stored one; values are random enough that reuse of a deleted value
	// is a non-concern.
	Insert(ctx context.Context, tok *Token) error

	// Delete removes the token with the given id. Deleting a missing token
	// is a no-op.
	Delete(ctx context.Context, id string) error

	// DeleteBySession removes every token bound to the given session id.
	DeleteBySession(ctx context.Context, sessionID string) error

	// DeleteByValue removes the permanent token carrying the given value.
	DeleteByValue(ctx context.Context, value string) error

	// TouchLastAccess updates the access timestamp. Best-effort: callers
	// log failures and continue.
	TouchLastAccess(ctx context.Context, id string, now time.Time) error
}

// ServiceStore reads the service registry. The registry is maintained by
// external collaborators; this service never writes to it.
type ServiceStore interface {
	FindByShortName(ctx context.Context, shortName string) (*Service, error)
}

// AuthorizedUserStore reads restricted-service allow-list grants.
type AuthorizedUserStore interface {
	Find(ctx context.Context, serviceID, userID string) (*AuthorizedUser, error)
}
