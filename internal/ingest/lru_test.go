package ingest

import (
	"testing"
	"time"
)

func TestRecentLRU_RememberAndSeen(t *testing.T) {
	l := newRecentLRU(4, time.Minute)
	l.Remember("channel:1", 10)

	if !l.Seen("channel:1", 10) {
		t.Error("remembered tuple not seen")
	}
	if l.Seen("channel:1", 11) {
		t.Error("unknown message id seen")
	}
	if l.Seen("channel:2", 10) {
		t.Error("unknown ref seen")
	}
}

func TestRecentLRU_CapacityEviction(t *testing.T) {
	l := newRecentLRU(2, time.Minute)
	l.Remember("r", 1)
	l.Remember("r", 2)
	l.Remember("r", 3)

	if l.Seen("r", 1) {
		t.Error("oldest entry survived eviction")
	}
	if !l.Seen("r", 2) || !l.Seen("r", 3) {
		t.Error("recent entries evicted")
	}
}

func TestRecentLRU_TTLExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := newRecentLRU(8, time.Minute)
	l.now = func() time.Time { return now }

	l.Remember("r", 1)
	now = now.Add(30 * time.Second)
	if !l.Seen("r", 1) {
		t.Error("entry expired before ttl")
	}
	now = now.Add(31 * time.Second)
	if l.Seen("r", 1) {
		t.Error("entry survived past ttl")
	}
}

func TestRecentLRU_RememberRefreshes(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := newRecentLRU(8, time.Minute)
	l.now = func() time.Time { return now }

	l.Remember("r", 1)
	now = now.Add(45 * time.Second)
	l.Remember("r", 1)
	now = now.Add(45 * time.Second)
	if !l.Seen("r", 1) {
		t.Error("refreshed entry expired from original timestamp")
	}
}
