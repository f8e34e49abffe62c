package token

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"tokend.org/internal/obs"
)

// PolicyContext carries the per-request facts candidates are judged against.
type PolicyContext struct {
	Now        time.Time
	ClientAddr netip.Addr
}

// Evaluator decides whether a candidate token may be reused and whether a
// new one may be minted. Filtering is deliberately a read path with deletion
// side effects: dead candidates are hard-deleted the moment they are seen,
// and those deletions stand even if the issuance that triggered them fails
// later on an unrelated check.
type Evaluator struct {
	tokens   TokenStore
	sessions SessionChecker
}

// NewEvaluator constructs an Evaluator. sessions may be nil when no token
// carries a session binding.
func NewEvaluator(tokens TokenStore, sessions SessionChecker) *Evaluator {
	return &Evaluator{tokens: tokens, sessions: sessions}
}

// FilterCandidates walks candidates in ascending creation order and returns
// the most recently created survivor, or nil when none survive.
//
// Per candidate, each check runs independently:
//   - session binding with a dead session: delete, drop;
//   - past valid_until: delete, drop;
//   - ip_restriction excluding the client address: drop only — the token
//     stays in the store for future calls from a permitted address.
func (e *Evaluator) FilterCandidates(ctx context.Context, candidates []Token, pc PolicyContext) (*Token, error) {
	var keep []Token
	for _, cand := range candidates {
		dead := false

		if cand.SessionID != "" {
			alive, err := e.sessionAlive(ctx, cand.SessionID)
			if err != nil {
				return nil, fmt.Errorf("%w: session check: %v", ErrStore, err)
			}
			if !alive {
				if err := e.tokens.DeleteBySession(ctx, cand.SessionID); err != nil {
					return nil, fmt.Errorf("%w: prune session tokens: %v", ErrStore, err)
				}
				obs.TokenPruned("session_gone")
				dead = true
			}
		}

		if cand.Expired(pc.Now) {
			if err := e.tokens.DeleteByValue(ctx, cand.Value); err != nil {
				return nil, fmt.Errorf("%w: prune expired token: %v", ErrStore, err)
			}
			obs.TokenPruned("expired")
			dead = true
		}

		if dead {
			continue
		}
		if cand.IPRestriction != "" && !AddressInSubnet(pc.ClientAddr, cand.IPRestriction) {
			continue
		}
		keep = append(keep, cand)
	}

	if len(keep) == 0 {
		return nil, nil
	}
	last := keep[len(keep)-1]
	return &last, nil
}

func (e *Evaluator) sessionAlive(ctx context.Context, sessionID string) (bool, error) {
	if e.sessions == nil {
		// No registry wired: a session-bound token cannot be validated,
		// treat the session as gone.
		return false, nil
	}
	return e.sessions.SessionExists(ctx, sessionID)
}

// CheckGrant verifies the restricted-service allow-list entry for the
// identity. A nil grant, an expired grant or a client address outside the
// grant's subnet all fail with ErrForbidden.
func CheckGrant(grant *AuthorizedUser, pc PolicyContext, serviceName string) error {
	if grant == nil {
		return fmt.Errorf("%w: user not on allow-list for restricted service %s", ErrForbidden, serviceName)
	}
	if grant.Expired(pc.Now) {
		return fmt.Errorf("%w: allow-list grant for %s expired", ErrForbidden, serviceName)
	}
	if grant.IPRestriction != "" && !AddressInSubnet(pc.ClientAddr, grant.IPRestriction) {
		return fmt.Errorf("%w: client address outside allow-list subnet for %s", ErrForbidden, serviceName)
	}
	return nil
}

// CanMint reports whether the identity may create a new permanent token for
// the service: either the official mobile service with the mobile-token
// capability, or a non-administrator holding the generic creation
// capability. Administrators must have their tokens created explicitly.
func CanMint(ctx context.Context, caps CapabilityChecker, identity Identity, svc Service) (bool, error) {
	if IsMobileService(svc.ShortName) {
		ok, err := caps.HasCapability(ctx, CapCreateMobileToken, identity)
		if err != nil {
			return false, fmt.Errorf("%w: capability check: %v", ErrStore, err)
		}
		if ok {
			return true, nil
		}
	}
	if !identity.SiteAdmin {
		ok, err := caps.HasCapability(ctx, CapCreateToken, identity)
		if err != nil {
			return false, fmt.Errorf("%w: capability check: %v", ErrStore, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
