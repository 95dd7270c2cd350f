package incidentstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "incidents.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateIncident_GeneratesIDAndSignature(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inc, err := s.CreateIncident(ctx, "site-1", "host-1", "drift_detected", "high", map[string]interface{}{
		"check_type": "firewall_status",
	})
	require.NoError(t, err)
	require.Contains(t, inc.ID, "INC-")
	require.Len(t, inc.PatternSignature, 16)

	fetched, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	require.Equal(t, inc.PatternSignature, fetched.PatternSignature)
	require.Equal(t, "firewall_status", fetched.RawData["check_type"])
}

func TestGeneratePatternSignature_StableAcrossVariableFields(t *testing.T) {
	sig1 := GeneratePatternSignature("drift_detected", map[string]interface{}{
		"check_type":    "firewall_status",
		"error_message": "connection to 10.0.0.5 failed at 2026-01-01T00:00:00",
	})
	sig2 := GeneratePatternSignature("drift_detected", map[string]interface{}{
		"check_type":    "firewall_status",
		"error_message": "connection to 10.0.0.9 failed at 2026-06-15T12:30:00",
	})
	require.Equal(t, sig1, sig2, "normalized IP/timestamp should not change the signature")
}

func TestResolveIncident_NotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.ResolveIncident(context.Background(), "INC-missing", LevelDeterministic, "restart_service", OutcomeSuccess, 100)
	require.Error(t, err)
}

func TestResolveIncident_PromotionEligibility(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rawData := map[string]interface{}{"check_type": "windows_update"}

	// 5 occurrences, 3 L2 resolutions, all successful and fast -> eligible.
	var ids []string
	for i := 0; i < 5; i++ {
		inc, err := s.CreateIncident(ctx, "site-1", "host-1", "drift_detected", "medium", rawData)
		require.NoError(t, err)
		ids = append(ids, inc.ID)

		level := LevelLLM
		if i < 2 {
			level = LevelDeterministic
		}
		require.NoError(t, s.ResolveIncident(ctx, inc.ID, level, "install_updates", OutcomeSuccess, 5000))
	}

	sig := GeneratePatternSignature("drift_detected", rawData)
	candidates, err := s.GetPromotionCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, sig, candidates[0].PatternSignature)
	require.True(t, candidates[0].PromotionEligible)
}

func TestResolveIncident_SlowResolutionsNotEligible(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rawData := map[string]interface{}{"check_type": "audit_logging"}

	for i := 0; i < 5; i++ {
		inc, err := s.CreateIncident(ctx, "site-1", "host-1", "drift_detected", "medium", rawData)
		require.NoError(t, err)
		require.NoError(t, s.ResolveIncident(ctx, inc.ID, LevelLLM, "fix_logging", OutcomeSuccess, 60000))
	}

	candidates, err := s.GetPromotionCandidates(ctx)
	require.NoError(t, err)
	require.Empty(t, candidates, "avg resolution time over threshold must not promote")
}

func TestMarkPromoted_ClearsEligibility(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rawData := map[string]interface{}{"check_type": "windows_update"}

	var ids []string
	for i := 0; i < 5; i++ {
		inc, err := s.CreateIncident(ctx, "site-1", "host-1", "drift_detected", "medium", rawData)
		require.NoError(t, err)
		ids = append(ids, inc.ID)
		require.NoError(t, s.ResolveIncident(ctx, inc.ID, LevelLLM, "install_updates", OutcomeSuccess, 1000))
	}

	sig := GeneratePatternSignature("drift_detected", rawData)
	require.NoError(t, s.MarkPromoted(ctx, sig, "id: L1-PROMOTED-ABC\n", ids))

	candidates, err := s.GetPromotionCandidates(ctx)
	require.NoError(t, err)
	require.Empty(t, candidates)

	inc, err := s.GetIncident(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, inc.PromotedToL1)
}

func TestFlapSuppression_RecordCheckClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	suppressed, err := s.IsFlapSuppressed(ctx, "site-1", "host-1", "drift_detected")
	require.NoError(t, err)
	require.False(t, suppressed)

	require.NoError(t, s.RecordFlapSuppression(ctx, "site-1", "host-1", "drift_detected", "3 resolve-recur cycles in 120min"))

	suppressed, err = s.IsFlapSuppressed(ctx, "site-1", "host-1", "drift_detected")
	require.NoError(t, err)
	require.True(t, suppressed)

	active, err := s.GetActiveSuppressions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	cleared, err := s.ClearFlapSuppression(ctx, "site-1", "host-1", "drift_detected", "jdoe")
	require.NoError(t, err)
	require.True(t, cleared)

	suppressed, err = s.IsFlapSuppressed(ctx, "site-1", "host-1", "drift_detected")
	require.NoError(t, err)
	require.False(t, suppressed)

	// Clearing an already-cleared suppression reports false, not an error.
	cleared, err = s.ClearFlapSuppression(ctx, "site-1", "host-1", "drift_detected", "jdoe")
	require.NoError(t, err)
	require.False(t, cleared)
}

func TestGetPatternContext_EmptyForUnknownPattern(t *testing.T) {
	s := openTestStore(t)
	pc, err := s.GetPatternContext(context.Background(), "deadbeefdeadbeef", 10)
	require.NoError(t, err)
	require.Nil(t, pc.Stats)
	require.False(t, pc.HasRecommendedAction)
}

func TestGetSimilarIncidents_FiltersBySiteAndOutcome(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inc1, err := s.CreateIncident(ctx, "site-1", "host-1", "drift_detected", "low", map[string]interface{}{"check_type": "agent_status"})
	require.NoError(t, err)
	require.NoError(t, s.ResolveIncident(ctx, inc1.ID, LevelDeterministic, "restart_agent", OutcomeSuccess, 500))

	inc2, err := s.CreateIncident(ctx, "site-2", "host-2", "drift_detected", "low", map[string]interface{}{"check_type": "agent_status"})
	require.NoError(t, err)
	require.NoError(t, s.ResolveIncident(ctx, inc2.ID, LevelDeterministic, "restart_agent", OutcomeFailure, 500))

	similar, err := s.GetSimilarIncidents(ctx, "drift_detected", "site-1", 5)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	require.Equal(t, inc1.ID, similar[0].ID)
}

func TestPruneOldIncidents_KeepsUnresolvedByDefault(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inc, err := s.CreateIncident(ctx, "site-1", "host-1", "drift_detected", "low", map[string]interface{}{})
	require.NoError(t, err)

	result, err := s.PruneOldIncidents(ctx, 0, true)
	require.NoError(t, err)
	require.Equal(t, 0, result.IncidentsDeleted, "unresolved incidents must survive a prune pass")

	fetched, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
}

func TestAddHumanFeedback_UpdatesIncident(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inc, err := s.CreateIncident(ctx, "site-1", "host-1", "escalated", "high", map[string]interface{}{})
	require.NoError(t, err)

	require.NoError(t, s.AddHumanFeedback(ctx, inc.ID, "resolution_note", map[string]interface{}{
		"action_taken": "manually patched",
	}))

	fetched, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	require.Contains(t, fetched.HumanFeedback, "manually patched")
}
