package learning

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jbouey/msp-flake-sub001/internal/incidentstore"
)

func openTestStore(t *testing.T) *incidentstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "incidents.db")
	s, err := incidentstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedEligiblePattern drives enough successful L2 resolutions through the
// store that checkPromotionEligibility flips promotion_eligible on, the way
// ResolveIncident itself would in production.
func seedEligiblePattern(t *testing.T, store *incidentstore.Store, incidentType string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		inc, err := store.CreateIncident(ctx, "site-1", "host-1", incidentType, "high", map[string]interface{}{
			"check_type":     incidentType,
			"drift_detected": true,
			"service_name":   "backup-agent",
		})
		require.NoError(t, err)
		err = store.ResolveIncident(ctx, inc.ID, incidentstore.LevelLLM, "run_backup_job", incidentstore.OutcomeSuccess, 500)
		require.NoError(t, err)
	}
}

func TestFindPromotionCandidates(t *testing.T) {
	store := openTestStore(t)
	seedEligiblePattern(t, store, "backup_failure", 6)

	sys := New(Config{Store: store, SampleLimit: 10})
	candidates, err := sys.FindPromotionCandidates(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	require.Equal(t, "run_backup_job", candidates[0].RecommendedAction)
	require.Greater(t, candidates[0].ConfidenceScore, 0.0)
}

func TestFindPromotionCandidates_SkipsAlreadyPromoted(t *testing.T) {
	store := openTestStore(t)
	seedEligiblePattern(t, store, "backup_failure", 6)

	sys := New(Config{Store: store, SampleLimit: 10})
	candidates, err := sys.FindPromotionCandidates(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, candidates)

	sys.promoted[candidates[0].PatternSignature] = time.Now().UTC()

	again, err := sys.FindPromotionCandidates(context.Background())
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestCalculateConfidence(t *testing.T) {
	stats := incidentstore.PatternStats{
		TotalOccurrences: 10,
		SuccessCount:     9,
		LastSeen:         time.Now().UTC(),
	}
	actions := []incidentstore.ActionCount{{Action: "run_backup_job", Count: 9}}

	confidence := calculateConfidence(stats, actions)
	require.Greater(t, confidence, 0.8)
	require.LessOrEqual(t, confidence, 1.0)
}

func TestCalculateConfidence_StalePatternPenalized(t *testing.T) {
	fresh := incidentstore.PatternStats{TotalOccurrences: 10, SuccessCount: 9, LastSeen: time.Now().UTC()}
	stale := incidentstore.PatternStats{TotalOccurrences: 10, SuccessCount: 9, LastSeen: time.Now().UTC().AddDate(0, 0, -60)}
	actions := []incidentstore.ActionCount{{Action: "run_backup_job", Count: 9}}

	require.Greater(t, calculateConfidence(fresh, actions), calculateConfidence(stale, actions))
}

func TestExtractActionParams_MajorityRule(t *testing.T) {
	incidents := []incidentstore.Incident{
		{RawData: map[string]interface{}{"service_name": "backup-agent", "host_id": "host-1"}},
		{RawData: map[string]interface{}{"service_name": "backup-agent", "host_id": "host-2"}},
		{RawData: map[string]interface{}{"service_name": "other-agent", "host_id": "host-3"}},
	}

	params := extractActionParams(incidents, "run_backup_job")
	require.Equal(t, "backup-agent", params["service_name"])
	require.NotContains(t, params, "host_id")
}

func TestGenerateRule(t *testing.T) {
	candidate := PromotionCandidate{
		PatternSignature:  "abcdef1234567890",
		RecommendedAction: "run_backup_job",
		ActionParams:      map[string]interface{}{"service_name": "backup-agent"},
		ConfidenceScore:   0.91,
		PromotionReason:   "seen often, resolves cleanly",
		SampleIncidents: []incidentstore.Incident{
			{IncidentType: "backup_failure", RawData: map[string]interface{}{"check_type": "backup_failure", "drift_detected": true}},
		},
	}

	sys := New(Config{})
	rule := sys.GenerateRule(candidate)

	require.Equal(t, "run_backup_job", rule.Action)
	require.True(t, rule.Enabled)
	require.Equal(t, "promoted", rule.Source)
	require.NotEmpty(t, rule.Conditions)
	require.Equal(t, "incident_type", rule.Conditions[0].Field)
}

func TestPromotePattern_WritesYAMLWithMetadata(t *testing.T) {
	store := openTestStore(t)
	seedEligiblePattern(t, store, "backup_failure", 6)

	rulesDir := t.TempDir()
	sys := New(Config{Store: store, RulesDir: rulesDir, SampleLimit: 10})

	candidates, err := sys.FindPromotionCandidates(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, candidates)

	rule, err := sys.PromotePattern(context.Background(), candidates[0], "ops-lead")
	require.NoError(t, err)
	require.NotNil(t, rule)

	ruleFile := filepath.Join(rulesDir, "promoted", rule.ID+".yaml")
	data, err := os.ReadFile(ruleFile)
	require.NoError(t, err)

	var asMap map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &asMap))
	meta, ok := asMap["_promotion_metadata"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "ops-lead", meta["promoted_by"])

	// A second lookup shouldn't surface the same pattern again.
	again, err := sys.FindPromotionCandidates(context.Background())
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestRun_PendingWhenNotAutoPromote(t *testing.T) {
	store := openTestStore(t)
	seedEligiblePattern(t, store, "backup_failure", 6)

	sys := New(Config{Store: store, RulesDir: t.TempDir(), SampleLimit: 10, AutoPromote: false})
	result, err := sys.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Deployed)
	require.NotEmpty(t, result.Pending)
}

func TestRun_DeploysWhenAutoPromote(t *testing.T) {
	store := openTestStore(t)
	seedEligiblePattern(t, store, "backup_failure", 6)

	sys := New(Config{Store: store, RulesDir: t.TempDir(), SampleLimit: 10, AutoPromote: true})
	result, err := sys.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, result.Deployed)
	require.Empty(t, result.Pending)
}

func TestMonitorPromotedRules_RollsBackFailingRule(t *testing.T) {
	store := openTestStore(t)
	seedEligiblePattern(t, store, "backup_failure", 6)

	rulesDir := t.TempDir()
	sys := New(Config{Store: store, RulesDir: rulesDir, SampleLimit: 10, AutoPromote: true, RollbackOnFailureRate: 0.2})

	result, err := sys.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, result.Deployed)
	rule := result.Deployed[0]

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		inc, err := store.CreateIncident(ctx, "site-1", "host-2", "backup_failure", "high", map[string]interface{}{"check_type": "backup_failure"})
		require.NoError(t, err)
		require.NoError(t, store.ResolveIncident(ctx, inc.ID, incidentstore.LevelDeterministic, rule.Action, incidentstore.OutcomeFailure, 200))
	}

	rollbacks, err := sys.MonitorPromotedRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rollbacks, 1)
	require.Equal(t, rule.ID, rollbacks[0].RuleID)

	_, err = os.Stat(filepath.Join(rulesDir, "promoted", rule.ID+".yaml"))
	require.True(t, os.IsNotExist(err))

	rolledBackPath := filepath.Join(rulesDir, "promoted", "rolled_back", rule.ID+".yaml")
	data, err := os.ReadFile(rolledBackPath)
	require.NoError(t, err)

	var asMap map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &asMap))
	require.Equal(t, false, asMap["enabled"])
	require.Contains(t, asMap, "_rollback_metadata")
}

func TestMonitorPromotedRules_SkipsRolledBackDir(t *testing.T) {
	store := openTestStore(t)
	rulesDir := t.TempDir()
	sys := New(Config{Store: store, RulesDir: rulesDir})

	results, err := sys.MonitorPromotedRules(context.Background())
	require.NoError(t, err)
	require.Empty(t, results)
}
