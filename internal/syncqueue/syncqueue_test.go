package syncqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jbouey/msp-flake-sub001/internal/incidentstore"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := OpenQueue(filepath.Join(t.TempDir(), "sync_queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func openTestStore(t *testing.T) *incidentstore.Store {
	t.Helper()
	s, err := incidentstore.Open(filepath.Join(t.TempDir(), "incidents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestQueue_EnqueueDequeueComplete(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, OpExecutionReport, map[string]string{"foo": "bar"})
	require.NoError(t, err)
	require.NotZero(t, id)

	items, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, OpExecutionReport, items[0].Operation)

	require.NoError(t, q.MarkCompleted(ctx, id))

	items, err = q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, items)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Pending)
	require.Equal(t, 1, stats.Completed)
}

func TestQueue_MarkFailed_SchedulesBackoff(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, OpPatternSync, map[string]string{})
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(ctx, id, "connection refused"))

	// Backoff means it shouldn't be immediately ready to drain again.
	items, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestQueue_MarkFailed_PermanentAfterMaxRetries(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, OpPatternSync, map[string]string{})
	require.NoError(t, err)

	for i := 0; i < MaxRetries; i++ {
		require.NoError(t, q.MarkFailed(ctx, id, "still failing"))
	}

	var lastError string
	var completedAt *string
	row := q.db.QueryRowContext(ctx, `SELECT last_error, completed_at FROM learning_queue WHERE id = ?`, id)
	require.NoError(t, row.Scan(&lastError, &completedAt))
	require.Contains(t, lastError, "PERMANENTLY_FAILED:")
	require.NotNil(t, completedAt)

	items, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestComputeStateDiff(t *testing.T) {
	before := map[string]interface{}{"firewall_enabled": false, "av_running": true}
	after := map[string]interface{}{"firewall_enabled": true, "audit_enabled": true}

	diff := ComputeStateDiff(before, after)
	require.ElementsMatch(t, []string{"audit_enabled"}, diff.AddedKeys)
	require.ElementsMatch(t, []string{"av_running"}, diff.RemovedKeys)
	require.ElementsMatch(t, []string{"firewall_enabled"}, diff.ChangedKeys)
}

func TestConfidenceFor(t *testing.T) {
	require.Equal(t, 1.0, ConfidenceFor(incidentstore.LevelDeterministic))
	require.Equal(t, 0.8, ConfidenceFor(incidentstore.LevelLLM))
}

func TestService_SyncPatternStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	inc, err := store.CreateIncident(ctx, "site-1", "host-1", "backup_failure", "high", map[string]interface{}{"check_type": "backup_failure"})
	require.NoError(t, err)
	require.NoError(t, store.ResolveIncident(ctx, inc.ID, incidentstore.LevelLLM, "run_backup_job", incidentstore.OutcomeSuccess, 500))

	var received map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.Write([]byte(`{"accepted":1,"merged":0}`))
	}))
	defer ts.Close()

	svc := NewService(Config{SiteID: "site-1", APIEndpoint: ts.URL, APIKey: "key", Store: store})
	report := svc.Sync(ctx)

	require.True(t, report.PatternsSynced)
	require.Equal(t, 1, report.PatternsCount)
	require.Equal(t, "site-1", received["site_id"])
	require.NotEmpty(t, received["pattern_stats"])
}

func TestService_SyncQueuesOnFailure(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	inc, err := store.CreateIncident(ctx, "site-1", "host-1", "backup_failure", "high", map[string]interface{}{"check_type": "backup_failure"})
	require.NoError(t, err)
	require.NoError(t, store.ResolveIncident(ctx, inc.ID, incidentstore.LevelLLM, "run_backup_job", incidentstore.OutcomeSuccess, 500))

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer ts.Close()

	q := openTestQueue(t)
	svc := NewService(Config{SiteID: "site-1", APIEndpoint: ts.URL, APIKey: "key", Store: store, Queue: q})
	report := svc.Sync(ctx)

	require.False(t, report.PatternsSynced)
	require.NotEmpty(t, report.Errors)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
}

func TestService_FetchPromotedRules_DeploysAndReloads(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rules":[{"rule_id":"L1-PROMOTED-abc123","rule_yaml":"id: L1-PROMOTED-abc123\nenabled: true\n"}]}`))
	}))
	defer ts.Close()

	rulesDir := t.TempDir()
	reloader := &fakeReloader{}
	svc := NewService(Config{SiteID: "site-1", APIEndpoint: ts.URL, APIKey: "key", RulesDir: rulesDir, Reloader: reloader})

	deployed, err := svc.FetchPromotedRules(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"L1-PROMOTED-abc123"}, deployed)
	require.True(t, reloader.reloaded)

	path := filepath.Join(rulesDir, "promoted", "L1-PROMOTED-abc123.yaml")
	_, err = os.ReadFile(path)
	require.NoError(t, err)
}

func TestService_FetchPromotedRules_SkipsAlreadyDeployed(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"rules":[{"rule_id":"L1-PROMOTED-abc123","rule_yaml":"id: L1-PROMOTED-abc123\n"}]}`))
	}))
	defer ts.Close()

	rulesDir := t.TempDir()
	svc := NewService(Config{SiteID: "site-1", APIEndpoint: ts.URL, APIKey: "key", RulesDir: rulesDir})

	_, err := svc.FetchPromotedRules(context.Background())
	require.NoError(t, err)

	deployed, err := svc.FetchPromotedRules(context.Background())
	require.NoError(t, err)
	require.Empty(t, deployed)
}

func TestService_ReportExecution_QueuesOnFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer ts.Close()

	q := openTestQueue(t)
	svc := NewService(Config{SiteID: "site-1", APIEndpoint: ts.URL, APIKey: "key", Queue: q})

	telemetry := NewExecutionTelemetry("exec-1", "inc-1", "windows", incidentstore.LevelDeterministic, "restart_service",
		map[string]interface{}{"running": false}, map[string]interface{}{"running": true}, 2*time.Second, true)

	ok := svc.ReportExecution(context.Background(), telemetry)
	require.False(t, ok)

	stats, err := q.GetStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
}

func TestService_ProcessOfflineQueue_ReplaysPatternSync(t *testing.T) {
	var posts int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		w.Write([]byte(`{"accepted":1}`))
	}))
	defer ts.Close()

	q := openTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, OpPatternSync, map[string]string{"site_id": "site-1"})
	require.NoError(t, err)

	svc := NewService(Config{SiteID: "site-1", APIEndpoint: ts.URL, APIKey: "key", Queue: q})
	processed, err := svc.ProcessOfflineQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Equal(t, 1, posts)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Pending)
}

type fakeReloader struct{ reloaded bool }

func (f *fakeReloader) ReloadRules() { f.reloaded = true }
