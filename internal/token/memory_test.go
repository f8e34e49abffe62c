package token

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryFindCandidatesOrdersByCreation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemory()

	// Seed the newer row first; the back-dated one must still sort oldest.
	store.SeedToken(Token{
		Value: "newer", UserID: "u1", ServiceID: "s1",
		CreatedAt: now.Add(-time.Hour), ValidUntil: now.Add(time.Hour),
	})
	store.SeedToken(Token{
		Value: "older", UserID: "u1", ServiceID: "s1",
		CreatedAt: now.Add(-2 * time.Hour), ValidUntil: now.Add(time.Hour),
	})

	got, err := store.Tokens(context.Background()).FindCandidates(context.Background(), "u1", "s1")
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Value != "older" || got[1].Value != "newer" {
		t.Fatalf("order wrong: %q, %q", got[0].Value, got[1].Value)
	}

	eval := NewEvaluator(store.Tokens(context.Background()), nil)
	survivor, err := eval.FilterCandidates(context.Background(), got, testPC(now))
	if err != nil {
		t.Fatalf("FilterCandidates: %v", err)
	}
	if survivor == nil || survivor.Value != "newer" {
		t.Fatalf("expected newest survivor, got %+v", survivor)
	}
}
