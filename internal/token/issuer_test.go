package token

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"
)

var testAddr = netip.MustParseAddr("198.51.100.7")

type recordingSink struct {
	created []string
	sent    []string
}

func (r *recordingSink) TokenCreated(ctx context.Context, tokenID, userID string) {
	r.created = append(r.created, tokenID)
}

func (r *recordingSink) TokenSent(ctx context.Context, tokenID string) {
	r.sent = append(r.sent, tokenID)
}

func confirmedUser() Identity {
	return Identity{ID: "u1", Email: "jo@example.org", Confirmed: true}
}

func newTestIssuer(t *testing.T, store *InMemory, caps CapabilityChecker, now time.Time, opts ...IssuerOption) *Issuer {
	t.Helper()
	opts = append([]IssuerOption{WithClock(func() time.Time { return now })}, opts...)
	iss, err := NewIssuer(store, caps, opts...)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss
}

func TestIssueMintsWithTwelveWeekValidity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemory()
	store.SeedService(Service{ShortName: "custom_api", Enabled: true})
	caps := stubCaps{held: map[string]bool{CapCreateToken: true}}
	sink := &recordingSink{}
	iss := newTestIssuer(t, store, caps, now, WithRecorder(sink))

	tok, err := iss.IssueOrReuse(context.Background(), confirmedUser(), "custom_api", testAddr)
	if err != nil {
		t.Fatalf("IssueOrReuse: %v", err)
	}
	if tok.Value == "" || tok.ID == "" {
		t.Fatalf("minted token missing value or id: %+v", tok)
	}
	wantUntil := now.Add(12 * 7 * 24 * time.Hour)
	if !tok.ValidUntil.Equal(wantUntil) {
		t.Fatalf("valid_until = %v, want %v", tok.ValidUntil, wantUntil)
	}
	if !tok.LastAccessAt.Equal(now) {
		t.Fatalf("last_access_at = %v, want %v", tok.LastAccessAt, now)
	}
	if len(sink.created) != 1 || len(sink.sent) != 1 {
		t.Fatalf("audit events created=%d sent=%d, want 1/1", len(sink.created), len(sink.sent))
	}
}

func TestIssueReusesExistingToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemory()
	store.SeedService(Service{ShortName: "custom_api", Enabled: true})
	caps := stubCaps{held: map[string]bool{CapCreateToken: true}}
	sink := &recordingSink{}
	iss := newTestIssuer(t, store, caps, now, WithRecorder(sink))

	first, err := iss.IssueOrReuse(context.Background(), confirmedUser(), "custom_api", testAddr)
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}

	later := now.Add(30 * time.Minute)
	iss2 := newTestIssuer(t, store, caps, later, WithRecorder(sink))
	second, err := iss2.IssueOrReuse(context.Background(), confirmedUser(), "custom_api", testAddr)
	if err != nil {
		t.Fatalf("second issue: %v", err)
	}

	if second.Value != first.Value {
		t.Fatalf("reuse returned a different value: %q vs %q", second.Value, first.Value)
	}
	if !second.LastAccessAt.Equal(later) {
		t.Fatalf("reuse must refresh last_access_at: got %v, want %v", second.LastAccessAt, later)
	}
	if len(sink.created) != 1 {
		t.Fatalf("reuse must not emit a creation event, created=%d", len(sink.created))
	}
	if len(sink.sent) != 2 {
		t.Fatalf("every successful issue emits a sent event, sent=%d", len(sink.sent))
	}
}

func TestIssueReplacesExpiredToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemory()
	svc := store.SeedService(Service{ShortName: "custom_api", Enabled: true})
	store.SeedToken(Token{
		Value: "stale", UserID: "u1", ServiceID: svc.ID,
		CreatedAt: now.Add(-13 * 7 * 24 * time.Hour), ValidUntil: now.Add(-time.Hour),
	})
	caps := stubCaps{held: map[string]bool{CapCreateToken: true}}
	iss := newTestIssuer(t, store, caps, now)

	tok, err := iss.IssueOrReuse(context.Background(), confirmedUser(), "custom_api", testAddr)
	if err != nil {
		t.Fatalf("IssueOrReuse: %v", err)
	}
	if tok.Value == "stale" {
		t.Fatal("expired token was reused")
	}
	if store.Contains("stale") {
		t.Fatal("expired token survived issuance")
	}
	if !store.Contains(tok.Value) {
		t.Fatal("replacement token not stored")
	}
}

func TestIssueGuestAndUnconfirmedForbidden(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemory()
	store.SeedService(Service{ShortName: "custom_api", Enabled: true})
	iss := newTestIssuer(t, store, stubCaps{held: map[string]bool{CapCreateToken: true}}, now)

	_, err := iss.IssueOrReuse(context.Background(), Identity{ID: "g", Guest: true, Confirmed: true}, "custom_api", testAddr)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("guest: got %v, want ErrForbidden", err)
	}

	_, err = iss.IssueOrReuse(context.Background(), Identity{ID: "u2", Email: "x@example.org"}, "custom_api", testAddr)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("unconfirmed: got %v, want ErrForbidden", err)
	}
}

func TestIssueServiceErrors(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemory()
	store.SeedService(Service{ShortName: "dark_api", Enabled: false})
	iss := newTestIssuer(t, store, stubCaps{held: map[string]bool{CapCreateToken: true}}, now)

	_, err := iss.IssueOrReuse(context.Background(), confirmedUser(), "no_such", testAddr)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown service: got %v, want ErrNotFound", err)
	}

	_, err = iss.IssueOrReuse(context.Background(), confirmedUser(), "dark_api", testAddr)
	if !errors.Is(err, ErrServiceDisabled) {
		t.Fatalf("disabled service: got %v, want ErrServiceDisabled", err)
	}

	_, err = iss.IssueOrReuse(context.Background(), confirmedUser(), "   ", testAddr)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank service: got %v, want ErrInvalidInput", err)
	}
}

func TestIssueRequiredCapability(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemory()
	store.SeedService(Service{
		ShortName: "gated_api", Enabled: true,
		RequiredCapability: "reports:view",
	})

	iss := newTestIssuer(t, store, stubCaps{held: map[string]bool{CapCreateToken: true}}, now)
	_, err := iss.IssueOrReuse(context.Background(), confirmedUser(), "gated_api", testAddr)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("missing required capability: got %v, want ErrForbidden", err)
	}

	iss = newTestIssuer(t, store, stubCaps{held: map[string]bool{
		CapCreateToken: true,
		"reports:view": true,
	}}, now)
	if _, err := iss.IssueOrReuse(context.Background(), confirmedUser(), "gated_api", testAddr); err != nil {
		t.Fatalf("capability held: %v", err)
	}
}

func TestIssueRestrictedServiceGrants(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemory()
	svc := store.SeedService(Service{ShortName: "partner_api", Enabled: true, Restricted: true})
	caps := stubCaps{held: map[string]bool{CapCreateToken: true}}

	iss := newTestIssuer(t, store, caps, now)
	_, err := iss.IssueOrReuse(context.Background(), confirmedUser(), "partner_api", testAddr)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("no grant: got %v, want ErrForbidden", err)
	}

	store.SeedGrant(AuthorizedUser{ServiceID: svc.ID, UserID: "u1", ValidUntil: now.Add(time.Hour)})
	if _, err := iss.IssueOrReuse(context.Background(), confirmedUser(), "partner_api", testAddr); err != nil {
		t.Fatalf("granted user: %v", err)
	}
}

func TestIssueMaintenanceGate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemory()
	store.SeedService(Service{ShortName: "custom_api", Enabled: true})

	iss := newTestIssuer(t, store, stubCaps{held: map[string]bool{CapCreateToken: true}}, now,
		WithMaintenanceMode(func() bool { return true }))
	_, err := iss.IssueOrReuse(context.Background(), confirmedUser(), "custom_api", testAddr)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("maintenance without site config: got %v, want ErrForbidden", err)
	}

	iss = newTestIssuer(t, store, stubCaps{held: map[string]bool{
		CapCreateToken: true,
		CapSiteConfig:  true,
	}}, now, WithMaintenanceMode(func() bool { return true }))
	if _, err := iss.IssueOrReuse(context.Background(), confirmedUser(), "custom_api", testAddr); err != nil {
		t.Fatalf("maintenance with site config: %v", err)
	}
}

func TestIssueWithoutMintCapability(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemory()
	store.SeedService(Service{ShortName: "custom_api", Enabled: true})
	iss := newTestIssuer(t, store, stubCaps{held: map[string]bool{}}, now)

	_, err := iss.IssueOrReuse(context.Background(), confirmedUser(), "custom_api", testAddr)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("no mint capability: got %v, want ErrForbidden", err)
	}
}

type conflictTokens struct {
	TokenStore
}

func (c conflictTokens) Insert(ctx context.Context, tok *Token) error {
	return ErrConflict
}

type conflictStore struct {
	*InMemory
}

func (c conflictStore) Tokens(ctx context.Context) TokenStore {
	return conflictTokens{TokenStore: c.InMemory.Tokens(ctx)}
}

func TestIssueInsertRetriesExhausted(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := NewInMemory()
	mem.SeedService(Service{ShortName: "custom_api", Enabled: true})
	iss, err := NewIssuer(conflictStore{InMemory: mem},
		stubCaps{held: map[string]bool{CapCreateToken: true}},
		WithClock(func() time.Time { return now }),
		WithInsertRetries(2))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	_, err = iss.IssueOrReuse(context.Background(), confirmedUser(), "custom_api", testAddr)
	if !errors.Is(err, ErrStore) {
		t.Fatalf("exhausted retries: got %v, want ErrStore", err)
	}
}
