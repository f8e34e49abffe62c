package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"tokend.org/internal/auth"
	"tokend.org/internal/provision"
	"tokend.org/internal/token"
)

// slowProvisioner blocks until the handler-supplied deadline fires, then
// fails the way the issuer does when a store call returns a context error.
type slowProvisioner struct {
	sawDeadline bool
}

func (s *slowProvisioner) Provision(ctx context.Context, req provision.Request, clientAddr netip.Addr) (token.Token, error) {
	_, s.sawDeadline = ctx.Deadline()
	<-ctx.Done()
	return token.Token{}, fmt.Errorf("%w: list candidates: %v", token.ErrStore, ctx.Err())
}

func TestProvisionStoreTimeoutSurfacesAsStoreError(t *testing.T) {
	t.Setenv("TOKEND_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	callerToken, err := auth.GenerateToken("portal", []string{"provisioner"}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	prov := &slowProvisioner{}
	api := New(ReadyProbe{}, "test", prov, nil)
	api.SetRateLimit(100, 100)
	api.SetStoreTimeout(50 * time.Millisecond)

	body, err := json.Marshal(map[string]any{
		"email":      "jo@example.org",
		"first_name": "Jo",
		"last_name":  "Doe",
		"service":    "custom_api",
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/users/provision", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+callerToken)
	rr := httptest.NewRecorder()

	start := time.Now()
	api.Handler().ServeHTTP(rr, req)
	elapsed := time.Since(start)

	if !prov.sawDeadline {
		t.Fatal("handler context carries no deadline")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("request not bounded by store timeout, took %v", elapsed)
	}
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var errBody map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] != "store_error" {
		t.Fatalf("unexpected error kind: %v", errBody["error"])
	}
}

func TestStoreContextDisabledWithoutTimeout(t *testing.T) {
	api := New(ReadyProbe{}, "test", nil, nil)
	api.SetStoreTimeout(0)

	ctx, cancel := api.storeContext(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Fatal("expected no deadline when timeout disabled")
	}
}
