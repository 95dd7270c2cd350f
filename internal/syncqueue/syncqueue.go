// Package syncqueue is the durable outbound link to Central Command: it
// pushes pattern stats and execution telemetry, pulls server-approved
// promoted rules, and persists anything that fails to send so it can be
// replayed once connectivity returns.
package syncqueue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jbouey/msp-flake-sub001/internal/incidentstore"
)

// Operation kinds held in the durable queue.
const (
	OpPatternSync     = "pattern_sync"
	OpExecutionReport = "execution_report"
	OpEvidenceSubmit  = "evidence_submit"
)

// MaxRetries is the retry ceiling; at this count an item is marked
// completed with a PERMANENTLY_FAILED prefix instead of retried again.
const MaxRetries = 10

// BatchLimit is how many ready items get replayed per drain cycle.
const BatchLimit = 10

// SyncInterval is how often pattern_stats are pushed to the server.
const SyncInterval = 4 * time.Hour

// QueueItem is a durable record of one outbound operation.
type QueueItem struct {
	ID          int64
	Operation   string
	Data        json.RawMessage
	CreatedAt   time.Time
	RetryCount  int
	LastError   string
	CompletedAt *time.Time
	NextRetryAt *time.Time
}

// Queue is the SQLite-backed durable store for operations that failed to
// send online and are waiting for replay.
type Queue struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenQueue opens (creating if necessary) the sync queue database at path.
func OpenQueue(path string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sync queue: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	q := &Queue{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS learning_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			retry_count INTEGER DEFAULT 0,
			last_error TEXT,
			completed_at TEXT,
			next_retry_at TEXT
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create learning_queue schema: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_learning_queue_pending
		ON learning_queue(completed_at) WHERE completed_at IS NULL
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create learning_queue index: %w", err)
	}
	return q, nil
}

// Close closes the underlying database connection.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue durably records an operation for later replay.
func (q *Queue) Enqueue(ctx context.Context, operation string, data interface{}) (int64, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal queue payload: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO learning_queue (operation, data, created_at, next_retry_at)
		VALUES (?, ?, ?, ?)
	`, operation, string(payload), now, now)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", operation, err)
	}
	return res.LastInsertId()
}

// DequeueBatch returns up to limit pending items whose next_retry_at has
// elapsed, oldest first.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]QueueItem, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, operation, data, created_at, retry_count
		FROM learning_queue
		WHERE completed_at IS NULL
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		var item QueueItem
		var created string
		var data string
		if err := rows.Scan(&item.ID, &item.Operation, &data, &created, &item.RetryCount); err != nil {
			return nil, err
		}
		item.Data = json.RawMessage(data)
		item.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, item)
	}
	return out, rows.Err()
}

// MarkCompleted marks an item as successfully replayed.
func (q *Queue) MarkCompleted(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE learning_queue SET completed_at = ? WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

// MarkFailed records a failed replay attempt. After MaxRetries attempts the
// item is marked completed with a PERMANENTLY_FAILED prefix so it stops
// being drained; an operator must re-inject it manually.
func (q *Queue) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var retryCount int
	if err := q.db.QueryRowContext(ctx, `SELECT retry_count FROM learning_queue WHERE id = ?`, id).Scan(&retryCount); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	retryCount++

	if retryCount >= MaxRetries {
		_, err := q.db.ExecContext(ctx, `
			UPDATE learning_queue
			SET retry_count = ?, last_error = ?, completed_at = ?, next_retry_at = NULL
			WHERE id = ?
		`, retryCount, "PERMANENTLY_FAILED: "+errMsg, time.Now().UTC().Format(time.RFC3339), id)
		return err
	}

	// Exponential, capped: min(2^retryCount, 60) minutes.
	backoff := time.Duration(1) << uint(retryCount)
	if backoff > 60 {
		backoff = 60
	}
	nextRetry := time.Now().UTC().Add(time.Duration(backoff) * time.Minute)

	_, err := q.db.ExecContext(ctx, `
		UPDATE learning_queue SET retry_count = ?, last_error = ?, next_retry_at = ?
		WHERE id = ?
	`, retryCount, errMsg, nextRetry.Format(time.RFC3339), id)
	return err
}

// Stats reports pending/completed item counts.
type Stats struct {
	Pending   int
	Completed int
}

// GetStats returns queue item counts.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE completed_at IS NULL),
			COUNT(*) FILTER (WHERE completed_at IS NOT NULL)
		FROM learning_queue
	`).Scan(&s.Pending, &s.Completed)
	return s, err
}

// StateDiff captures what changed in a state snapshot across a heal.
type StateDiff struct {
	AddedKeys   []string               `json:"added_keys"`
	RemovedKeys []string               `json:"removed_keys"`
	ChangedKeys []string               `json:"changed_keys"`
	Before      map[string]interface{} `json:"before,omitempty"`
	After       map[string]interface{} `json:"after,omitempty"`
}

// ComputeStateDiff compares two state snapshots and reports per-key changes,
// the way the heal executor captures before/after state for telemetry.
func ComputeStateDiff(before, after map[string]interface{}) StateDiff {
	diff := StateDiff{Before: map[string]interface{}{}, After: map[string]interface{}{}}
	for k, av := range after {
		bv, existed := before[k]
		if !existed {
			diff.AddedKeys = append(diff.AddedKeys, k)
			diff.After[k] = av
			continue
		}
		if fmt.Sprintf("%v", bv) != fmt.Sprintf("%v", av) {
			diff.ChangedKeys = append(diff.ChangedKeys, k)
			diff.Before[k] = bv
			diff.After[k] = av
		}
	}
	for k, bv := range before {
		if _, stillPresent := after[k]; !stillPresent {
			diff.RemovedKeys = append(diff.RemovedKeys, k)
			diff.Before[k] = bv
		}
	}
	return diff
}

// ExecutionTelemetry is the rich per-incident payload reported after a heal.
type ExecutionTelemetry struct {
	ExecutionID       string                 `json:"execution_id"`
	IncidentID        string                 `json:"incident_id"`
	Platform          string                 `json:"platform"`
	ResolutionLevel   string                 `json:"resolution_level"`
	Action            string                 `json:"action"`
	StateBefore       map[string]interface{} `json:"state_before"`
	StateAfter        map[string]interface{} `json:"state_after"`
	StateDiff         StateDiff              `json:"state_diff"`
	DurationSeconds   float64                `json:"duration_seconds"`
	Success           bool                   `json:"success"`
	ConfidenceScore   float64                `json:"confidence_score"`
}

// ConfidenceFor returns the telemetry confidence heuristic for a resolution
// level: deterministic L1 healing is fully trusted, LLM-planned L2 healing
// carries a discount.
func ConfidenceFor(resolutionLevel string) float64 {
	if resolutionLevel == incidentstore.LevelDeterministic {
		return 1.0
	}
	return 0.8
}

// NewExecutionTelemetry assembles a telemetry payload from before/after
// state snapshots, computing the diff and confidence heuristic.
func NewExecutionTelemetry(executionID, incidentID, platform, resolutionLevel, action string, before, after map[string]interface{}, duration time.Duration, success bool) ExecutionTelemetry {
	return ExecutionTelemetry{
		ExecutionID:     executionID,
		IncidentID:      incidentID,
		Platform:        platform,
		ResolutionLevel: resolutionLevel,
		Action:          action,
		StateBefore:     before,
		StateAfter:      after,
		StateDiff:       ComputeStateDiff(before, after),
		DurationSeconds: duration.Seconds(),
		Success:         success,
		ConfidenceScore: ConfidenceFor(resolutionLevel),
	}
}

// RuleReloader reloads L1 rules from disk after a new promoted rule lands.
type RuleReloader interface {
	ReloadRules()
}

// Config configures a Service.
type Config struct {
	SiteID       string
	ApplianceID  string
	APIEndpoint  string
	APIKey       string
	Store        *incidentstore.Store
	Queue        *Queue
	RulesDir     string // promoted rules land under RulesDir/promoted
	Reloader     RuleReloader
	HTTPClient   *http.Client
}

// Service is the periodic sync loop: push pattern stats, pull promoted
// rules, report execution telemetry, and drain the offline queue.
type Service struct {
	cfg Config

	mu             sync.Mutex
	lastPatternSync time.Time
	lastRuleFetch   time.Time
}

// NewService constructs a sync Service from cfg, filling sane defaults.
func NewService(cfg Config) *Service {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.APIEndpoint = strings.TrimRight(cfg.APIEndpoint, "/")
	if cfg.RulesDir == "" {
		cfg.RulesDir = "/etc/msp/rules"
	}
	return &Service{cfg: cfg}
}

// SetApplianceID records the appliance identity learned from checkin, for
// outbound payloads that need it.
func (s *Service) SetApplianceID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.ApplianceID = id
}

// Report is the result of a single Sync call.
type Report struct {
	SyncedAt           time.Time
	PatternsSynced     bool
	PatternsCount      int
	RulesFetched       bool
	RulesCount         int
	QueueItemsProcessed int
	Errors             []string
}

// Sync is the main periodic entry point: drain the offline queue, push
// pattern stats if due, and pull promoted rules.
func (s *Service) Sync(ctx context.Context) Report {
	report := Report{SyncedAt: time.Now().UTC()}

	processed, err := s.ProcessOfflineQueue(ctx)
	if err != nil {
		report.Errors = append(report.Errors, "offline_queue: "+err.Error())
	}
	report.QueueItemsProcessed = processed

	if s.shouldSyncPatterns() {
		count, err := s.syncPatternStats(ctx)
		if err != nil {
			report.Errors = append(report.Errors, "pattern_sync: "+err.Error())
			s.queuePatternSync(ctx)
		} else {
			report.PatternsSynced = true
			report.PatternsCount = count
			s.mu.Lock()
			s.lastPatternSync = time.Now().UTC()
			s.mu.Unlock()
		}
	}

	deployed, err := s.FetchPromotedRules(ctx)
	if err != nil {
		report.Errors = append(report.Errors, "rule_fetch: "+err.Error())
	} else {
		report.RulesFetched = true
		report.RulesCount = len(deployed)
		s.mu.Lock()
		s.lastRuleFetch = time.Now().UTC()
		s.mu.Unlock()
	}

	return report
}

func (s *Service) shouldSyncPatterns() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPatternSync.IsZero() {
		return true
	}
	return time.Since(s.lastPatternSync) >= SyncInterval
}

type patternSyncPayload struct {
	SiteID      string                       `json:"site_id"`
	ApplianceID string                       `json:"appliance_id"`
	SyncedAt    string                       `json:"synced_at"`
	PatternStats []incidentstore.PatternStats `json:"pattern_stats"`
}

func (s *Service) buildPatternSyncPayload(ctx context.Context) (*patternSyncPayload, error) {
	stats, err := s.cfg.Store.GetAllPatternStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pattern stats: %w", err)
	}
	return &patternSyncPayload{
		SiteID:       s.cfg.SiteID,
		ApplianceID:  s.cfg.ApplianceID,
		SyncedAt:     time.Now().UTC().Format(time.RFC3339),
		PatternStats: stats,
	}, nil
}

func (s *Service) syncPatternStats(ctx context.Context) (int, error) {
	payload, err := s.buildPatternSyncPayload(ctx)
	if err != nil {
		return 0, err
	}
	if len(payload.PatternStats) == 0 {
		return 0, nil
	}

	var result struct {
		Accepted int `json:"accepted"`
		Merged   int `json:"merged"`
	}
	if err := s.postJSON(ctx, "/api/agent/sync/pattern-stats", payload, &result); err != nil {
		return 0, err
	}
	return result.Accepted + result.Merged, nil
}

func (s *Service) queuePatternSync(ctx context.Context) {
	if s.cfg.Queue == nil {
		return
	}
	payload, err := s.buildPatternSyncPayload(ctx)
	if err != nil {
		return
	}
	s.cfg.Queue.Enqueue(ctx, OpPatternSync, payload)
}

type promotedRule struct {
	RuleID   string `json:"rule_id"`
	RuleYAML string `json:"rule_yaml"`
}

type promotedRulesResponse struct {
	Rules []promotedRule `json:"rules"`
}

// FetchPromotedRules pulls server-approved rules promoted since the last
// successful fetch and deploys any not already on disk.
func (s *Service) FetchPromotedRules(ctx context.Context) ([]string, error) {
	since := "1970-01-01T00:00:00Z"
	s.mu.Lock()
	if !s.lastRuleFetch.IsZero() {
		since = s.lastRuleFetch.Format(time.RFC3339)
	}
	s.mu.Unlock()

	url := fmt.Sprintf("%s/api/agent/sync/promoted-rules?site_id=%s&since=%s", s.cfg.APIEndpoint, s.cfg.SiteID, since)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("X-Site-ID", s.cfg.SiteID)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed promotedRulesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode promoted-rules response: %w", err)
	}

	var deployed []string
	for _, rule := range parsed.Rules {
		if err := s.deployPromotedRule(rule); err != nil {
			continue
		}
		deployed = append(deployed, rule.RuleID)
	}
	if len(deployed) > 0 && s.cfg.Reloader != nil {
		s.cfg.Reloader.ReloadRules()
	}
	return deployed, nil
}

func (s *Service) deployPromotedRule(rule promotedRule) error {
	if rule.RuleID == "" || rule.RuleYAML == "" {
		return fmt.Errorf("invalid rule: missing rule_id or rule_yaml")
	}
	dir := filepath.Join(s.cfg.RulesDir, "promoted")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, rule.RuleID+".yaml")
	if _, err := os.Stat(path); err == nil {
		return nil // already deployed
	}
	return os.WriteFile(path, []byte(rule.RuleYAML), 0o644)
}

// ReportExecution reports heal telemetry, queuing it for later replay if
// the server is unreachable. Returns true if it was reported live.
func (s *Service) ReportExecution(ctx context.Context, telemetry ExecutionTelemetry) bool {
	payload := map[string]interface{}{
		"site_id":     s.cfg.SiteID,
		"execution":   telemetry,
		"reported_at": time.Now().UTC().Format(time.RFC3339),
	}

	var result map[string]interface{}
	if err := s.postJSON(ctx, "/api/agent/executions", payload, &result); err == nil {
		return true
	}
	if s.cfg.Queue != nil {
		s.cfg.Queue.Enqueue(ctx, OpExecutionReport, payload)
	}
	return false
}

// ProcessOfflineQueue replays queued operations, draining up to BatchLimit
// oldest-ready items, and returns how many succeeded.
func (s *Service) ProcessOfflineQueue(ctx context.Context) (int, error) {
	if s.cfg.Queue == nil {
		return 0, nil
	}
	items, err := s.cfg.Queue.DequeueBatch(ctx, BatchLimit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, item := range items {
		var path string
		switch item.Operation {
		case OpPatternSync:
			path = "/api/agent/sync/pattern-stats"
		case OpExecutionReport:
			path = "/api/agent/executions"
		case OpEvidenceSubmit:
			path = fmt.Sprintf("/api/evidence/sites/%s/submit", s.cfg.SiteID)
		default:
			s.cfg.Queue.MarkCompleted(ctx, item.ID)
			continue
		}

		var result map[string]interface{}
		if err := s.postRawJSON(ctx, path, item.Data, &result); err != nil {
			s.cfg.Queue.MarkFailed(ctx, item.ID, err.Error())
			continue
		}
		s.cfg.Queue.MarkCompleted(ctx, item.ID)
		processed++
	}
	return processed, nil
}

// EnqueueEvidenceSubmit durably records an evidence bundle submission for
// replay, used when BuildAndSubmit's direct POST fails.
func (s *Service) EnqueueEvidenceSubmit(ctx context.Context, payload interface{}) error {
	if s.cfg.Queue == nil {
		return fmt.Errorf("no offline queue configured")
	}
	_, err := s.cfg.Queue.Enqueue(ctx, OpEvidenceSubmit, payload)
	return err
}

func (s *Service) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.postRawJSON(ctx, path, body, out)
}

func (s *Service) postRawJSON(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIEndpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("X-Site-ID", s.cfg.SiteID)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// GetQueueStats returns offline-queue statistics.
func (s *Service) GetQueueStats(ctx context.Context) (Stats, error) {
	if s.cfg.Queue == nil {
		return Stats{}, nil
	}
	return s.cfg.Queue.GetStats(ctx)
}
