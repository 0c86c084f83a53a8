package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_BroaderOrdering(t *testing.T) {
	require.Equal(t, ScopeProject, ScopeSession.Broader())
	require.Equal(t, ScopeUser, ScopeProject.Broader())
	// User is the broadest scope; there is nothing above it.
	require.Equal(t, Scope(""), ScopeUser.Broader())

	assert.True(t, ScopeUser.BroaderThan(ScopeSession))
	assert.True(t, ScopeProject.BroaderThan(ScopeSession))
	assert.False(t, ScopeSession.BroaderThan(ScopeProject))
	assert.False(t, ScopeProject.BroaderThan(ScopeProject))
}

func TestScope_Valid(t *testing.T) {
	for _, scope := range AllScopes() {
		assert.True(t, scope.Valid(), "scope %s", scope)
	}
	assert.False(t, Scope("global").Valid())
	assert.False(t, Scope("").Valid())
}

func TestStatus_TransitionsAreAcyclic(t *testing.T) {
	assert.True(t, StatusActive.CanTransition(StatusConsolidated))
	assert.True(t, StatusActive.CanTransition(StatusArchived))
	assert.True(t, StatusActive.CanTransition(StatusPromoted))
	assert.True(t, StatusConsolidated.CanTransition(StatusArchived))

	// Archived and promoted are terminal; nothing returns to active.
	for _, from := range []Status{StatusArchived, StatusPromoted} {
		for _, to := range []Status{StatusActive, StatusConsolidated, StatusArchived, StatusPromoted} {
			assert.False(t, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
	for _, to := range []Status{StatusConsolidated, StatusArchived, StatusPromoted} {
		assert.False(t, to.CanTransition(StatusActive), "%s -> active", to)
	}
}

func TestMemoryType_Valid(t *testing.T) {
	for _, typ := range []MemoryType{
		TypeObservation, TypeDecision, TypePattern, TypeConvention,
		TypeFact, TypePreference, TypeErrorFix, TypeArchitecture,
		TypeProcedure, TypeEntity, TypeScratchpad, TypeToolOutcome,
	} {
		assert.True(t, typ.Valid(), "type %s", typ)
	}
	assert.False(t, MemoryType("vibe").Valid())
}
