package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"tokend.org/internal/obs"
)

const (
	// New self-service tokens are valid for 12 weeks.
	defaultValidity = 12 * 7 * 24 * time.Hour

	defaultInsertRetries = 3
)

// Issuer orchestrates store and policy to serve one active token per
// (user, service) pair.
type Issuer struct {
	store    Store
	caps     CapabilityChecker
	sessions SessionChecker
	recorder Recorder

	now           func() time.Time
	validity      time.Duration
	insertRetries int
	maintenance   func() bool
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// WithValidity configures the validity window for newly minted tokens.
func WithValidity(d time.Duration) IssuerOption {
	return func(i *Issuer) {
		if d > 0 {
			i.validity = d
		}
	}
}

// WithInsertRetries bounds retries on token value collision.
func WithInsertRetries(n int) IssuerOption {
	return func(i *Issuer) {
		if n > 0 {
			i.insertRetries = n
		}
	}
}

// WithSessionChecker wires the external session registry.
func WithSessionChecker(s SessionChecker) IssuerOption {
	return func(i *Issuer) { i.sessions = s }
}

// WithRecorder wires the audit event sink.
func WithRecorder(r Recorder) IssuerOption {
	return func(i *Issuer) { i.recorder = r }
}

// WithMaintenanceMode wires a maintenance-mode probe. While it reports true,
// only identities holding the site-config capability may obtain tokens.
func WithMaintenanceMode(fn func() bool) IssuerOption {
	return func(i *Issuer) { i.maintenance = fn }
}

// NewIssuer constructs an Issuer.
func NewIssuer(store Store, caps CapabilityChecker, opts ...IssuerOption) (*Issuer, error) {
	if store == nil {
		return nil, errors.New("token: store is required")
	}
	if caps == nil {
		return nil, errors.New("token: capability checker is required")
	}
	iss := &Issuer{
		store:         store,
		caps:          caps,
		now:           time.Now,
		validity:      defaultValidity,
		insertRetries: defaultInsertRetries,
	}
	for _, opt := range opts {
		opt(iss)
	}
	return iss, nil
}

// IssueOrReuse returns the active permanent token for (identity, service),
// minting one when no valid candidate survives filtering.
//
// Cleanup deletions applied while filtering are never rolled back, even when
// the call fails afterwards: they are independently correct.
func (i *Issuer) IssueOrReuse(ctx context.Context, identity Identity, serviceName string, clientAddr netip.Addr) (Token, error) {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return Token{}, fmt.Errorf("%w: service name is required", ErrInvalidInput)
	}
	if identity.ID == "" {
		return Token{}, fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}

	now := i.now().UTC()
	pc := PolicyContext{Now: now, ClientAddr: clientAddr}

	if i.maintenance != nil && i.maintenance() {
		ok, err := i.caps.HasCapability(ctx, CapSiteConfig, identity)
		if err != nil {
			return Token{}, fmt.Errorf("%w: capability check: %v", ErrStore, err)
		}
		if !ok {
			return Token{}, fmt.Errorf("%w: service is in maintenance", ErrForbidden)
		}
	}

	if identity.Guest {
		return Token{}, fmt.Errorf("%w: guest accounts cannot hold tokens", ErrForbidden)
	}
	if !identity.Confirmed {
		return Token{}, fmt.Errorf("%w: account %s is not confirmed", ErrForbidden, identity.Email)
	}

	svc, err := i.store.Services(ctx).FindByShortName(ctx, serviceName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Token{}, fmt.Errorf("%w: service %s", ErrNotFound, serviceName)
		}
		return Token{}, fmt.Errorf("%w: lookup service: %v", ErrStore, err)
	}
	if !svc.Enabled {
		return Token{}, fmt.Errorf("%w: %s", ErrServiceDisabled, serviceName)
	}

	if svc.RequiredCapability != "" {
		ok, err := i.caps.HasCapability(ctx, svc.RequiredCapability, identity)
		if err != nil {
			return Token{}, fmt.Errorf("%w: capability check: %v", ErrStore, err)
		}
		if !ok {
			return Token{}, fmt.Errorf("%w: missing capability %s", ErrForbidden, svc.RequiredCapability)
		}
	}

	if svc.Restricted {
		grant, err := i.store.AuthorizedUsers(ctx).Find(ctx, svc.ID, identity.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Token{}, fmt.Errorf("%w: lookup grant: %v", ErrStore, err)
		}
		if err := CheckGrant(grant, pc, serviceName); err != nil {
			return Token{}, err
		}
	}

	tokens := i.store.Tokens(ctx)
	candidates, err := tokens.FindCandidates(ctx, identity.ID, svc.ID)
	if err != nil {
		return Token{}, fmt.Errorf("%w: list candidates: %v", ErrStore, err)
	}

	eval := NewEvaluator(tokens, i.sessions)
	reusable, err := eval.FilterCandidates(ctx, candidates, pc)
	if err != nil {
		return Token{}, err
	}

	var tok Token
	if reusable != nil {
		tok = *reusable
		obs.TokenIssued("reused")
	} else {
		ok, err := CanMint(ctx, i.caps, identity, *svc)
		if err != nil {
			return Token{}, err
		}
		if !ok {
			return Token{}, fmt.Errorf("%w: cannot create token for service %s", ErrForbidden, serviceName)
		}
		tok, err = i.mint(ctx, tokens, identity.ID, svc.ID, now)
		if err != nil {
			return Token{}, err
		}
		if i.recorder != nil {
			i.recorder.TokenCreated(ctx, tok.ID, tok.UserID)
		}
		obs.TokenIssued("minted")
	}

	// Best-effort access stamp; a failed update is logged, never surfaced.
	if err := tokens.TouchLastAccess(ctx, tok.ID, now); err != nil {
		obs.LogJSON(map[string]any{
			"ts":       now.Format(time.RFC3339Nano),
			"level":    "warn",
			"msg":      "touch last access failed",
			"token_id": tok.ID,
			"error":    err.Error(),
		})
	} else {
		tok.LastAccessAt = now
	}

	if i.recorder != nil {
		i.recorder.TokenSent(ctx, tok.ID)
	}
	return tok, nil
}

func (i *Issuer) mint(ctx context.Context, tokens TokenStore, userID, serviceID string, now time.Time) (Token, error) {
	for attempt := 0; attempt < i.insertRetries; attempt++ {
		value, err := newTokenValue()
		if err != nil {
			return Token{}, fmt.Errorf("%w: generate value: %v", ErrStore, err)
		}
		tok := Token{
			Value:      value,
			UserID:     userID,
			ServiceID:  serviceID,
			CreatedAt:  now,
			ValidUntil: now.Add(i.validity),
		}
		err = tokens.Insert(ctx, &tok)
		if err == nil {
			return tok, nil
		}
		if errors.Is(err, ErrConflict) {
			continue
		}
		return Token{}, fmt.Errorf("%w: insert token: %v", ErrStore, err)
	}
	return Token{}, fmt.Errorf("%w: token value collisions exhausted retries", ErrStore)
}

// newTokenValue returns 32 random bytes hex-encoded. The space is large
// enough that a collision signals a store or entropy fault, not bad luck.
func newTokenValue() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
