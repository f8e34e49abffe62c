package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tokend.org/internal/auth"
)

func TestWithAuthRejectsMissingToken(t *testing.T) {
	t.Setenv("TOKEND_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	a := New(ReadyProbe{}, "test", nil, nil)
	handler := RequestID(a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodPost, "/v1/users/provision", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWithAuthAcceptsValidToken(t *testing.T) {
	t.Setenv("TOKEND_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	tok, err := auth.GenerateToken("portal", []string{"provisioner"}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	a := New(ReadyProbe{}, "test", nil, nil)
	var gotCaller string
	handler := RequestID(a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller, _ = auth.CallerIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodPost, "/v1/users/provision", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if gotCaller != "portal" {
		t.Fatalf("caller id = %q", gotCaller)
	}
}

func TestWithAuthSkipsPublicPaths(t *testing.T) {
	t.Setenv("TOKEND_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	a := New(ReadyProbe{}, "test", nil, nil)
	handler := RequestID(a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	for _, path := range publicPaths {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}
