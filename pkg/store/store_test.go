package store

import (
	"testing"
	"time"
)

func TestHashAPIKey(t *testing.T) {
	h := HashAPIKey("sk-test")
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h))
	}
	if h != HashAPIKey("sk-test") {
		t.Error("hash must be deterministic")
	}
	if h == HashAPIKey("sk-other") {
		t.Error("different keys must hash differently")
	}
}

func TestReplenishDue(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	if !ReplenishDue(time.Time{}, now, time.Hour) {
		t.Error("never replenished should be due")
	}
	if !ReplenishDue(now.Add(-time.Hour), now, time.Hour) {
		t.Error("exactly one interval elapsed should be due")
	}
	if ReplenishDue(now.Add(-59*time.Minute), now, time.Hour) {
		t.Error("less than one interval should not be due")
	}
}
