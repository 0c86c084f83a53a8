package memory

import (
	"math"
	"testing"
	"time"
)

func TestStrength_SessionNeverDecays(t *testing.T) {
	now := time.Now()
	rec := Record{
		Scope:        ScopeSession,
		Importance:   0.8,
		Confidence:   0.5,
		CreatedAt:    now.Add(-48 * time.Hour),
		LastAccessed: now.Add(-48 * time.Hour),
	}
	got := Strength(rec, now)
	want := 0.8 * 0.5
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("session strength = %v, want %v", got, want)
	}
}

func TestStrength_HalvesAtHalfLife(t *testing.T) {
	now := time.Now()
	rec := Record{
		Scope:        ScopeProject,
		Importance:   1,
		Confidence:   1,
		CreatedAt:    now.Add(-7 * 24 * time.Hour),
		LastAccessed: now.Add(-7 * 24 * time.Hour),
	}
	got := Strength(rec, now)
	if math.Abs(got-0.5) > 1e-6 {
		t.Fatalf("strength after one half-life = %v, want 0.5", got)
	}
}

func TestStrength_AccessStretchesHalfLife(t *testing.T) {
	now := time.Now()
	base := Record{
		Scope:        ScopeProject,
		Importance:   1,
		Confidence:   1,
		CreatedAt:    now.Add(-14 * 24 * time.Hour),
		LastAccessed: now.Add(-14 * 24 * time.Hour),
	}
	touched := base
	touched.AccessCount = 10

	cold := Strength(base, now)
	warm := Strength(touched, now)
	if warm <= cold {
		t.Fatalf("accessed record should be stronger: cold=%v warm=%v", cold, warm)
	}
}

func TestStrength_MonotonicallyDecreasing(t *testing.T) {
	start := time.Now()
	rec := Record{
		Scope:        ScopeUser,
		Importance:   0.9,
		Confidence:   0.9,
		CreatedAt:    start,
		LastAccessed: start,
	}
	prev := math.Inf(1)
	for days := 0; days <= 120; days += 10 {
		got := Strength(rec, start.Add(time.Duration(days)*24*time.Hour))
		if got > prev {
			t.Fatalf("strength increased at day %d: %v > %v", days, got, prev)
		}
		prev = got
	}
}

func TestStrength_FutureTimestampUsesBase(t *testing.T) {
	now := time.Now()
	rec := Record{
		Scope:        ScopeProject,
		Importance:   0.6,
		Confidence:   0.5,
		CreatedAt:    now.Add(time.Hour),
		LastAccessed: now.Add(time.Hour),
	}
	got := Strength(rec, now)
	if math.Abs(got-0.3) > 1e-9 {
		t.Fatalf("clock-skewed strength = %v, want base 0.3", got)
	}
}
