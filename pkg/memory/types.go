package memory

import "time"

// Scope identifies one of the three nested memory tiers. Session memories are
// ephemeral, project memories survive a session, user memories survive a project.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeProject Scope = "project"
	ScopeUser    Scope = "user"
)

// rank orders scopes from narrowest to broadest.
func (s Scope) rank() int {
	switch s {
	case ScopeSession:
		return 0
	case ScopeProject:
		return 1
	case ScopeUser:
		return 2
	}
	return -1
}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool { return s.rank() >= 0 }

// Broader returns the next broader scope, or "" for the user scope.
func (s Scope) Broader() Scope {
	switch s {
	case ScopeSession:
		return ScopeProject
	case ScopeProject:
		return ScopeUser
	}
	return ""
}

// BroaderThan reports whether s is strictly broader than other.
func (s Scope) BroaderThan(other Scope) bool {
	return s.Valid() && other.Valid() && s.rank() > other.rank()
}

// AllScopes lists scopes from narrowest to broadest.
func AllScopes() []Scope { return []Scope{ScopeSession, ScopeProject, ScopeUser} }

// MemoryType classifies what a record captures.
type MemoryType string

const (
	TypeObservation  MemoryType = "observation"
	TypeDecision     MemoryType = "decision"
	TypePattern      MemoryType = "pattern"
	TypeConvention   MemoryType = "convention"
	TypeFact         MemoryType = "fact"
	TypePreference   MemoryType = "preference"
	TypeErrorFix     MemoryType = "error_fix"
	TypeArchitecture MemoryType = "architecture"
	TypeProcedure    MemoryType = "procedure"
	TypeEntity       MemoryType = "entity"
	TypeScratchpad   MemoryType = "scratchpad"
	TypeToolOutcome  MemoryType = "tool_outcome"
)

var knownTypes = map[MemoryType]struct{}{
	TypeObservation: {}, TypeDecision: {}, TypePattern: {}, TypeConvention: {},
	TypeFact: {}, TypePreference: {}, TypeErrorFix: {}, TypeArchitecture: {},
	TypeProcedure: {}, TypeEntity: {}, TypeScratchpad: {}, TypeToolOutcome: {},
}

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Status is the lifecycle state of a record within its scope.
// Transitions are acyclic: active moves to consolidated, archived or promoted;
// archived and promoted are terminal.
type Status string

const (
	StatusActive       Status = "active"
	StatusConsolidated Status = "consolidated"
	StatusArchived     Status = "archived"
	StatusPromoted     Status = "promoted"
)

// CanTransition reports whether moving from s to next respects the lifecycle.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return false
	}
	switch s {
	case StatusActive:
		return next == StatusConsolidated || next == StatusArchived || next == StatusPromoted
	case StatusConsolidated:
		return next == StatusArchived || next == StatusPromoted
	}
	return false
}

// PromotionEntry is one step of a record's lineage. The chain is append-only
// and linear; there are never back-pointers from a target record to a source.
type PromotionEntry struct {
	Scope    Scope     `json:"scope"`
	RecordID string    `json:"record_id"`
	Action   string    `json:"action"` // "merged" or "created"
	At       time.Time `json:"at"`
}

const (
	PromotionMerged  = "merged"
	PromotionCreated = "created"
)

// Record is the central memory entity.
type Record struct {
	ID             string
	Scope          Scope
	Type           MemoryType
	Content        string
	Summary        string
	Embedding      []float32
	EmbeddingModel string
	Importance     float64
	Confidence     float64
	AccessCount    int
	LastAccessed   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Status         Status
	Tags           []string
	Domain         string
	Chain          []PromotionEntry
	SourceSession  string
	SourceProject  string
	Metadata       map[string]Value
}

// SessionContext carries the identity of the calling session. It is passed
// explicitly into every service call; the engine holds no ambient session state.
type SessionContext struct {
	SessionID  string
	ProjectKey string
	UserID     string
}

// Link is a directed edge between two records (derived_from, related_entity, ...).
type Link struct {
	ID        string
	FromID    string
	ToID      string
	Relation  string
	Weight    float64
	CreatedAt time.Time
}

const (
	RelationDerivedFrom   = "derived_from"
	RelationRelatedEntity = "related_entity"
)

// Filter selects records from a scope store.
type Filter struct {
	Types    []MemoryType
	Statuses []Status
	Domain   string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// ScoredRecord is one retrieval candidate with its scoring breakdown.
type ScoredRecord struct {
	Record   Record
	Scope    Scope
	RRF      float64
	Strength float64
	Final    float64 // scope-weighted final score used for the global sort
}

// RecallResult is what a recall call returns. Degraded is set when at least
// one scope could not be searched; recall never fails outright.
type RecallResult struct {
	Results  []ScoredRecord
	Degraded bool
}

// PromotionResult reports what a promotion did.
type PromotionResult struct {
	Action   string // "merged" or "created"
	TargetID string
	Reason   string
}

// ConsolidationCandidate is one planned consolidation action.
type ConsolidationCandidate struct {
	Action    string // "summarize" or "archive" or "delete"
	Scope     Scope
	Type      MemoryType
	MemberIDs []string
	Summary   string
}

// ConnectionState is the service's view of the backing stores.
type ConnectionState string

const (
	StateConnected ConnectionState = "connected"
	StateDegraded  ConnectionState = "degraded"
)

// ServiceStatus is the observable state returned by Status().
type ServiceStatus struct {
	Connection    ConnectionState
	CountsByScope map[Scope]int
	CountsByType  map[MemoryType]int
	QueueDepth    int
	QueueFailures int
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
