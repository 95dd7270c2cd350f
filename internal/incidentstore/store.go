// Package incidentstore is the single-writer SQLite-backed incident log that
// feeds all three resolution tiers: pattern matching for L1 promotion,
// historical context for L2 decisions, and rich ticket data for L3.
//
// It is the data flywheel's system of record. Every incident is written
// once, resolved at most once, and its pattern_stats row is updated
// transactionally alongside the resolution so promotion eligibility is
// always computed from a consistent view.
package incidentstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Resolution levels, matching the three tiers in spec.md.
const (
	LevelDeterministic = "L1"
	LevelLLM           = "L2"
	LevelHuman         = "L3"
	LevelUnresolved    = "UNRESOLVED"
)

// Outcomes of a resolved incident.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomePartial   = "partial"
	OutcomeEscalated = "escalated"
	OutcomeTimeout   = "timeout"
)

// Promotion thresholds (spec.md §3, PromotedRule invariants).
const (
	MinOccurrencesForPromotion    = 5
	MinL2ResolutionsForPromotion  = 3
	MinSuccessRateForPromotion    = 0.9
	MaxAvgResolutionMsForPromotion = 30000
)

// Incident is a single detected condition and, once resolved, how it was
// handled.
type Incident struct {
	ID                string
	SiteID            string
	HostID            string
	IncidentType      string
	Severity          string
	RawData           map[string]interface{}
	PatternSignature  string
	CreatedAt         time.Time
	ResolvedAt        *time.Time
	ResolutionLevel   string
	ResolutionAction  string
	Outcome           string
	ResolutionTimeMs  *int64
	HumanFeedback     string
	PromotedToL1      bool
}

// PatternStats is the materialized per-signature rollup used for promotion
// decisions and L2 context.
type PatternStats struct {
	PatternSignature     string
	TotalOccurrences     int
	L1Resolutions        int
	L2Resolutions        int
	L3Resolutions        int
	SuccessCount         int
	TotalResolutionMs    int64
	LastSeen             time.Time
	RecommendedAction    string
	PromotionEligible    bool
}

// SuccessRate returns the fraction of occurrences that resolved successfully.
func (p PatternStats) SuccessRate() float64 {
	if p.TotalOccurrences == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.TotalOccurrences)
}

// AvgResolutionTimeMs returns the mean resolution time across occurrences.
func (p PatternStats) AvgResolutionTimeMs() float64 {
	if p.TotalOccurrences == 0 {
		return 0
	}
	return float64(p.TotalResolutionMs) / float64(p.TotalOccurrences)
}

// Store is the single-writer incident database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite-backed incident store at
// path, in WAL mode with full fsync durability — the same pragmas the
// Python original used, since these incidents are the compliance evidence
// trail and cannot be lost to a crash mid-write.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open incident store: %w", err)
	}
	// Single-writer discipline: SQLite serializes writers anyway, but
	// capping the pool avoids "database is locked" churn under WAL.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=30000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			site_id TEXT NOT NULL,
			host_id TEXT NOT NULL,
			incident_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			raw_data TEXT NOT NULL,
			pattern_signature TEXT NOT NULL,
			created_at TEXT NOT NULL,
			resolved_at TEXT,
			resolution_level TEXT,
			resolution_action TEXT,
			outcome TEXT,
			resolution_time_ms INTEGER,
			human_feedback TEXT,
			promoted_to_l1 BOOLEAN DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS pattern_stats (
			pattern_signature TEXT PRIMARY KEY,
			total_occurrences INTEGER DEFAULT 0,
			l1_resolutions INTEGER DEFAULT 0,
			l2_resolutions INTEGER DEFAULT 0,
			l3_resolutions INTEGER DEFAULT 0,
			success_count INTEGER DEFAULT 0,
			total_resolution_time_ms INTEGER DEFAULT 0,
			last_seen TEXT,
			recommended_action TEXT,
			promotion_eligible BOOLEAN DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS promoted_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pattern_signature TEXT NOT NULL UNIQUE,
			rule_yaml TEXT NOT NULL,
			promoted_at TEXT NOT NULL,
			promoted_from_incidents TEXT NOT NULL,
			success_rate_at_promotion REAL NOT NULL,
			occurrences_at_promotion INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS learning_feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			incident_id TEXT NOT NULL,
			feedback_type TEXT NOT NULL,
			feedback_data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (incident_id) REFERENCES incidents(id)
		)`,
		// Once a check flaps to L3, healing stays suppressed until a human
		// clears it. Survives restarts; prevents infinite L3 loops from
		// things like a GPO that keeps reverting a config change.
		`CREATE TABLE IF NOT EXISTS flap_suppressions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			site_id TEXT NOT NULL,
			host_id TEXT NOT NULL,
			incident_type TEXT NOT NULL,
			suppressed_at TEXT NOT NULL,
			reason TEXT NOT NULL,
			cleared_at TEXT,
			cleared_by TEXT,
			UNIQUE(site_id, host_id, incident_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_pattern ON incidents(pattern_signature)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_type ON incidents(incident_type)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_site ON incidents(site_id)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_outcome ON incidents(outcome)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

var (
	reTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}`)
	reIP        = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)
	reUUID      = regexp.MustCompile(`[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`)
	rePath      = regexp.MustCompile(`/[a-z0-9]{32}/`)
)

func normalizeError(errMsg string) string {
	errMsg = reTimestamp.ReplaceAllString(errMsg, "<TIMESTAMP>")
	errMsg = reIP.ReplaceAllString(errMsg, "<IP>")
	errMsg = reUUID.ReplaceAllString(errMsg, "<UUID>")
	errMsg = rePath.ReplaceAllString(errMsg, "/<HASH>/")
	if len(errMsg) > 200 {
		errMsg = errMsg[:200]
	}
	return errMsg
}

// GeneratePatternSignature derives a stable 16-hex-char signature for an
// incident by normalizing its variable fields (timestamps, IPs, UUIDs,
// hashed path segments), so repeat incidents of the same shape collapse
// to the same signature regardless of when/where they happened.
func GeneratePatternSignature(incidentType string, rawData map[string]interface{}) string {
	fields := map[string]interface{}{"type": incidentType}

	if v, ok := rawData["check_type"]; ok && v != nil {
		fields["check_type"] = v
	}
	if v, ok := rawData["drift_type"]; ok && v != nil {
		fields["drift_type"] = v
	}
	if v, ok := rawData["service_name"]; ok && v != nil {
		fields["service_name"] = v
	}
	if v, _ := rawData["error_message"].(string); v != "" {
		fields["error_pattern"] = normalizeError(v)
	}

	// encoding/json sorts map[string]interface{} keys alphabetically on
	// marshal, matching Python's json.dumps(sort_keys=True).
	patternJSON, _ := json.Marshal(fields)
	sum := sha256.Sum256(patternJSON)
	return hex.EncodeToString(sum[:])[:16]
}

// CreateIncident stores a new incident and bumps its pattern's occurrence
// count. Returns the incident with its generated ID and pattern signature.
func (s *Store) CreateIncident(ctx context.Context, siteID, hostID, incidentType, severity string, rawData map[string]interface{}) (*Incident, error) {
	now := time.Now().UTC()
	id := fmt.Sprintf("INC-%s-%06d-%s", now.Format("20060102150405"), now.Nanosecond()/1000, uuid.New().String()[:4])
	sig := GeneratePatternSignature(incidentType, rawData)

	rawJSON, err := json.Marshal(rawData)
	if err != nil {
		return nil, fmt.Errorf("marshal raw_data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	createdAt := now.Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO incidents (id, site_id, host_id, incident_type, severity, raw_data, pattern_signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, siteID, hostID, incidentType, severity, string(rawJSON), sig, createdAt); err != nil {
		return nil, fmt.Errorf("insert incident: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pattern_stats (pattern_signature, total_occurrences, last_seen)
		VALUES (?, 1, ?)
		ON CONFLICT(pattern_signature) DO UPDATE SET
			total_occurrences = total_occurrences + 1,
			last_seen = excluded.last_seen
	`, sig, createdAt); err != nil {
		return nil, fmt.Errorf("update pattern stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &Incident{
		ID:               id,
		SiteID:           siteID,
		HostID:           hostID,
		IncidentType:     incidentType,
		Severity:         severity,
		RawData:          rawData,
		PatternSignature: sig,
		CreatedAt:        now,
	}, nil
}

// ResolveIncident marks an incident resolved exactly once, rolls the
// outcome into pattern_stats, and checks L1-promotion eligibility within
// the same transaction so the two never drift apart.
func (s *Store) ResolveIncident(ctx context.Context, incidentID, resolutionLevel, resolutionAction, outcome string, resolutionTimeMs int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var sig string
	if err := tx.QueryRowContext(ctx, `SELECT pattern_signature FROM incidents WHERE id = ?`, incidentID).Scan(&sig); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("incident %s not found", incidentID)
		}
		return fmt.Errorf("lookup incident: %w", err)
	}

	resolvedAt := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		UPDATE incidents SET resolved_at = ?, resolution_level = ?, resolution_action = ?, outcome = ?, resolution_time_ms = ?
		WHERE id = ?
	`, resolvedAt, resolutionLevel, resolutionAction, outcome, resolutionTimeMs, incidentID); err != nil {
		return fmt.Errorf("update incident: %w", err)
	}

	levelCode := 3
	switch resolutionLevel {
	case LevelDeterministic:
		levelCode = 1
	case LevelLLM:
		levelCode = 2
	}
	successIncrement := 0
	if outcome == OutcomeSuccess {
		successIncrement = 1
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE pattern_stats SET
			l1_resolutions = l1_resolutions + CASE WHEN ? = 1 THEN 1 ELSE 0 END,
			l2_resolutions = l2_resolutions + CASE WHEN ? = 2 THEN 1 ELSE 0 END,
			l3_resolutions = l3_resolutions + CASE WHEN ? = 3 THEN 1 ELSE 0 END,
			success_count = success_count + ?,
			total_resolution_time_ms = total_resolution_time_ms + ?,
			recommended_action = CASE WHEN ? = 'success' THEN ? ELSE recommended_action END
		WHERE pattern_signature = ?
	`, levelCode, levelCode, levelCode, successIncrement, resolutionTimeMs, outcome, resolutionAction, sig); err != nil {
		return fmt.Errorf("update pattern stats: %w", err)
	}

	if err := s.checkPromotionEligibility(ctx, tx, sig); err != nil {
		return err
	}

	return tx.Commit()
}

// checkPromotionEligibility flips pattern_stats.promotion_eligible when a
// pattern clears all four thresholds: occurrence count, L2-resolution
// count, success rate, and average resolution time. The last check is a
// supplement beyond the Python original (see SPEC_FULL.md §C) — spec.md's
// PromotedRule invariant names it, the original never implemented it.
func (s *Store) checkPromotionEligibility(ctx context.Context, tx *sql.Tx, patternSignature string) error {
	var total, l2Resolutions, successCount int
	var totalResolutionMs int64
	var recommendedAction sql.NullString

	err := tx.QueryRowContext(ctx, `
		SELECT total_occurrences, l2_resolutions, success_count, total_resolution_time_ms, recommended_action
		FROM pattern_stats WHERE pattern_signature = ?
	`, patternSignature).Scan(&total, &l2Resolutions, &successCount, &totalResolutionMs, &recommendedAction)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read pattern stats: %w", err)
	}

	if total < MinOccurrencesForPromotion || l2Resolutions < MinL2ResolutionsForPromotion || !recommendedAction.Valid {
		return nil
	}

	successRate := float64(successCount) / float64(total)
	avgResolutionMs := float64(totalResolutionMs) / float64(total)

	if successRate >= MinSuccessRateForPromotion && avgResolutionMs <= MaxAvgResolutionMsForPromotion {
		if _, err := tx.ExecContext(ctx, `UPDATE pattern_stats SET promotion_eligible = 1 WHERE pattern_signature = ?`, patternSignature); err != nil {
			return fmt.Errorf("mark promotion eligible: %w", err)
		}
	}
	return nil
}

// GetIncident fetches a single incident by ID.
func (s *Store) GetIncident(ctx context.Context, incidentID string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT * FROM incidents WHERE id = ?`, incidentID)
	inc, err := scanIncidentRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inc, err
}

func scanIncidentRow(row *sql.Row) (*Incident, error) {
	var (
		inc              Incident
		rawJSON          string
		createdAt        string
		resolvedAt       sql.NullString
		resolutionLevel  sql.NullString
		resolutionAction sql.NullString
		outcome          sql.NullString
		resolutionTimeMs sql.NullInt64
		humanFeedback    sql.NullString
		promoted         bool
	)
	if err := row.Scan(
		&inc.ID, &inc.SiteID, &inc.HostID, &inc.IncidentType, &inc.Severity,
		&rawJSON, &inc.PatternSignature, &createdAt, &resolvedAt,
		&resolutionLevel, &resolutionAction, &outcome, &resolutionTimeMs,
		&humanFeedback, &promoted,
	); err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(rawJSON), &inc.RawData)
	inc.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339, resolvedAt.String)
		inc.ResolvedAt = &t
	}
	inc.ResolutionLevel = resolutionLevel.String
	inc.ResolutionAction = resolutionAction.String
	inc.Outcome = outcome.String
	if resolutionTimeMs.Valid {
		inc.ResolutionTimeMs = &resolutionTimeMs.Int64
	}
	inc.HumanFeedback = humanFeedback.String
	inc.PromotedToL1 = promoted

	return &inc, nil
}

// AddHumanFeedback records L3 feedback for the learning loop and stamps it
// onto the incident row for quick reference.
func (s *Store) AddHumanFeedback(ctx context.Context, incidentID, feedbackType string, feedbackData map[string]interface{}) error {
	data, err := json.Marshal(feedbackData)
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO learning_feedback (incident_id, feedback_type, feedback_data, created_at) VALUES (?, ?, ?, ?)
	`, incidentID, feedbackType, string(data), now); err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE incidents SET human_feedback = ? WHERE id = ?`, string(data), incidentID); err != nil {
		return fmt.Errorf("update incident feedback: %w", err)
	}

	return tx.Commit()
}
