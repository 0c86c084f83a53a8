package memory

import (
	"math"
	"time"
)

// ScopeParams are the per-scope decay and maintenance constants.
type ScopeParams struct {
	// BaseHalfLife of memory strength. Zero means no decay (session scope:
	// records never decay while the session lives).
	BaseHalfLife time.Duration
	// ArchiveThreshold: active records below this strength become archive
	// candidates once past MinDwell with fewer than 2 accesses.
	ArchiveThreshold float64
	// MinDwell is the minimum record age before archival applies.
	MinDwell time.Duration
	// PurgeArchivedAfter hard-deletes archived records older than this.
	// Zero means never delete (user scope only ever archives).
	PurgeArchivedAfter time.Duration
}

// DefaultScopeParams returns the stock decay profile for a scope.
func DefaultScopeParams(s Scope) ScopeParams {
	switch s {
	case ScopeSession:
		return ScopeParams{}
	case ScopeProject:
		return ScopeParams{
			BaseHalfLife:       7 * 24 * time.Hour,
			ArchiveThreshold:   0.05,
			MinDwell:           14 * 24 * time.Hour,
			PurgeArchivedAfter: 90 * 24 * time.Hour,
		}
	case ScopeUser:
		return ScopeParams{
			BaseHalfLife:     30 * 24 * time.Hour,
			ArchiveThreshold: 0.02,
			MinDwell:         90 * 24 * time.Hour,
		}
	}
	return ScopeParams{}
}

// accessHalfLifeStretch: frequently accessed records decay slower.
const accessHalfLifeStretch = 0.15

// Strength computes the time- and access-weighted strength of a record.
// It is a pure function of the record and now; it is never persisted and is
// recomputed on every read.
//
//	strength = importance * confidence * 0.5^(elapsedDays / halfLifeDays)
//	halfLife = baseHalfLife(scope) * (1 + 0.15*accessCount)
func Strength(r Record, now time.Time) float64 {
	base := clamp01(r.Importance) * clamp01(r.Confidence)
	params := DefaultScopeParams(r.Scope)
	return strengthWith(r, now, params, base)
}

// StrengthWithParams is Strength with explicit scope parameters, used by the
// consolidation sweep so configured half-lives apply.
func StrengthWithParams(r Record, now time.Time, params ScopeParams) float64 {
	base := clamp01(r.Importance) * clamp01(r.Confidence)
	return strengthWith(r, now, params, base)
}

func strengthWith(r Record, now time.Time, params ScopeParams, base float64) float64 {
	if params.BaseHalfLife <= 0 {
		return base
	}
	last := r.LastAccessed
	if last.IsZero() {
		last = r.CreatedAt
	}
	elapsed := now.Sub(last)
	if elapsed <= 0 {
		return base
	}
	halfLife := params.BaseHalfLife.Hours() * (1 + accessHalfLifeStretch*float64(r.AccessCount))
	if halfLife <= 0 {
		return base
	}
	return base * math.Pow(0.5, elapsed.Hours()/halfLife)
}
