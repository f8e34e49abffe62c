package token

import (
	"context"
	"errors"
	"time"
)

// Capability keys evaluated against the external authorization collaborator.
const (
	CapCreateMobileToken = "webservice:createmobiletoken"
	CapCreateToken       = "webservice:createtoken"
	CapSiteConfig        = "site:config"
)

// Short names treated as the official mobile service for minting eligibility.
var mobileServiceNames = map[string]bool{
	"mobile":       true,
	"local_mobile": true,
}

// IsMobileService reports whether shortName identifies the official
// mobile-equivalent service.
func IsMobileService(shortName string) bool {
	return mobileServiceNames[shortName]
}

// Token represents one issued long-lived API credential.
type Token struct {
	ID            string
	Value         string // opaque random secret, globally unique
	UserID        string
	ServiceID     string
	SessionID     string // when set, valid only while the session exists
	IPRestriction string // subnet expression, empty means unrestricted
	CreatedAt     time.Time
	LastAccessAt  time.Time
	ValidUntil    time.Time // zero means non-expiring
}

// Expired reports whether the token is past its validity window at now.
func (t Token) Expired(now time.Time) bool {
	return !t.ValidUntil.IsZero() && t.ValidUntil.Before(now)
}

// Service is a registered external consumer of the API.
type Service struct {
	ID                 string
	ShortName          string // unique
	Enabled            bool
	RequiredCapability string // empty means none
	Restricted         bool   // requires an AuthorizedUser grant per user
}

// AuthorizedUser is the allow-list entry granting a user access to a
// restricted service.
type AuthorizedUser struct {
	ServiceID     string
	UserID        string
	ValidUntil    time.Time // zero means non-expiring
	IPRestriction string
}

// Expired reports whether the grant is past its validity window at now.
func (a AuthorizedUser) Expired(now time.Time) bool {
	return !a.ValidUntil.IsZero() && a.ValidUntil.Before(now)
}

// Identity is the requesting account, as resolved by the external directory.
type Identity struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Guest     bool
	Confirmed bool
	SiteAdmin bool
}

// Error taxonomy. Every issuance failure wraps exactly one of these.
var (
	ErrInvalidInput    = errors.New("token: invalid input")
	ErrNotFound        = errors.New("token: not found")
	ErrServiceDisabled = errors.New("token: service disabled")
	ErrForbidden       = errors.New("token: forbidden")
	ErrConflict        = errors.New("token: value conflict")
	ErrStore           = errors.New("token: store unavailable")
)

// CapabilityChecker answers capability queries against the external
// authorization collaborator.
type CapabilityChecker interface {
	HasCapability(ctx context.Context, capability string, identity Identity) (bool, error)
}

// SessionChecker reports whether an interactive session is still alive in
// the external session registry.
type SessionChecker interface {
	SessionExists(ctx context.Context, sessionID string) (bool, error)
}

// Recorder receives audit events describing token lifecycle transitions.
// Implementations must be fire-and-forget: they never fail issuance.
type Recorder interface {
	TokenCreated(ctx context.Context, tokenID, userID string)
	TokenSent(ctx context.Context, tokenID string)
}
