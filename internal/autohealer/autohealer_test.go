package autohealer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jbouey/msp-flake-sub001/internal/escalation"
	"github.com/jbouey/msp-flake-sub001/internal/healing"
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

func TestHeal_L1Match(t *testing.T) {
	store := openTestStore(t)
	executor := func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
		return map[string]interface{}{"success": true}, nil
	}
	engine := healing.NewEngine("", executor)

	cfg := DefaultConfig()
	cfg.Store = store
	cfg.L1 = engine
	healer := New(cfg)

	result, err := healer.Heal(context.Background(), "site-1", "host-1", "av_service", "high", map[string]interface{}{
		"check_type":     "av_service",
		"drift_detected": true,
	})
	require.NoError(t, err)
	require.Equal(t, TierL1, result.Tier)
	require.True(t, result.Success)
	require.Equal(t, "restart_av_service", result.Action)
}

func TestHeal_L1FailureReturnsL1Result(t *testing.T) {
	store := openTestStore(t)
	executor := func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
		return map[string]interface{}{"success": false, "error": "agent unreachable"}, nil
	}
	engine := healing.NewEngine("", executor)

	cfg := DefaultConfig()
	cfg.Store = store
	cfg.L1 = engine
	healer := New(cfg)

	result, err := healer.Heal(context.Background(), "site-1", "host-1", "av_service", "high", map[string]interface{}{
		"check_type":     "av_service",
		"drift_detected": true,
	})
	require.NoError(t, err)
	require.Equal(t, TierL1, result.Tier)
	require.False(t, result.Success)
}

func TestHeal_NoMatchEscalatesToL3(t *testing.T) {
	store := openTestStore(t)
	engine := healing.NewEngine("", nil)

	cfg := DefaultConfig()
	cfg.Store = store
	cfg.L1 = engine
	cfg.Escalation = escalation.New(escalation.DefaultConfig(), store)
	healer := New(cfg)

	result, err := healer.Heal(context.Background(), "site-1", "host-1", "unknown_check", "medium", map[string]interface{}{
		"check_type": "unknown_check",
	})
	require.NoError(t, err)
	require.Equal(t, TierL3, result.Tier)
	require.NotNil(t, result.Ticket)
}

func TestHeal_EncryptionAlwaysEscalates(t *testing.T) {
	store := openTestStore(t)
	engine := healing.NewEngine("", func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
		t.Fatal("executor should not be called for an escalate rule")
		return nil, nil
	})

	cfg := DefaultConfig()
	cfg.Store = store
	cfg.L1 = engine
	cfg.Escalation = escalation.New(escalation.DefaultConfig(), store)
	healer := New(cfg)

	result, err := healer.Heal(context.Background(), "site-1", "host-1", "encryption", "critical", map[string]interface{}{
		"check_type":     "encryption",
		"drift_detected": true,
	})
	require.NoError(t, err)
	require.Equal(t, TierL3, result.Tier)
}

func TestHeal_PersistentFlapSuppressionShortCircuits(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.RecordFlapSuppression(ctx, "site-1", "host-1", "av_service", "test suppression"))

	executor := func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
		t.Fatal("executor should not run while suppressed")
		return nil, nil
	}
	engine := healing.NewEngine("", executor)

	cfg := DefaultConfig()
	cfg.Store = store
	cfg.L1 = engine
	healer := New(cfg)

	result, err := healer.Heal(ctx, "site-1", "host-1", "av_service", "high", map[string]interface{}{
		"check_type":     "av_service",
		"drift_detected": true,
	})
	require.NoError(t, err)
	require.True(t, result.Suppressed)
	require.Equal(t, TierSuppressed, result.Tier)
}

func TestHeal_CircuitBreakerTripsAfterMaxAttempts(t *testing.T) {
	store := openTestStore(t)
	executor := func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
		return map[string]interface{}{"success": false, "error": "still broken"}, nil
	}
	engine := healing.NewEngine("", executor)

	cfg := DefaultConfig()
	cfg.Store = store
	cfg.L1 = engine
	cfg.MaxHealAttempts = 2
	healer := New(cfg)

	data := map[string]interface{}{"check_type": "av_service", "drift_detected": true}

	// Cooldowns on the L1 rule itself would suppress repeat matches inside
	// the 300s window, so bypass that by exercising the breaker directly
	// across incidents sharing a circuit key.
	for i := 0; i < 2; i++ {
		result, err := healer.Heal(context.Background(), "site-1", "host-1", "av_service", "high", data)
		require.NoError(t, err)
		require.False(t, result.Suppressed)
	}

	result, err := healer.Heal(context.Background(), "site-1", "host-1", "av_service", "high", data)
	require.NoError(t, err)
	require.True(t, result.Suppressed)
	require.Equal(t, "circuit-breaker-open", result.Reason)
}

func TestFlapKey(t *testing.T) {
	require.Equal(t, "av_service", flapKey("av_service", nil))
	require.Equal(t, "av_service:RB-1", flapKey("av_service", map[string]interface{}{"runbook_id": "RB-1"}))
}

func TestMergeContextualParams(t *testing.T) {
	params := map[string]interface{}{"service_name": "already-set"}
	rawData := map[string]interface{}{
		"service_name": "should-not-override",
		"host_id":      "host-1",
		"irrelevant":   "ignored",
	}
	mergeContextualParams(params, rawData)
	require.Equal(t, "already-set", params["service_name"])
	require.Equal(t, "host-1", params["host_id"])
	require.NotContains(t, params, "irrelevant")
}
