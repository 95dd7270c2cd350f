package incidentstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ActionCount is a (resolution_action, count) pair used in pattern context.
type ActionCount struct {
	Action string
	Count  int
}

// PatternContext is the historical context the L2 planner consults before
// recommending an action, and the L3 ticket builder consults for "similar
// incidents" sections.
type PatternContext struct {
	PatternSignature     string
	Stats                *PatternStats
	RecentIncidents       []Incident
	SuccessfulActions     []ActionCount
	HasRecommendedAction bool
	PromotionEligible     bool
}

// GetPatternContext assembles everything known about a pattern signature.
func (s *Store) GetPatternContext(ctx context.Context, patternSignature string, limit int) (*PatternContext, error) {
	stats, err := s.getPatternStats(ctx, patternSignature)
	if err != nil {
		return nil, err
	}

	recent, err := s.queryIncidents(ctx, `
		SELECT * FROM incidents WHERE pattern_signature = ? ORDER BY created_at DESC LIMIT ?
	`, patternSignature, limit)
	if err != nil {
		return nil, fmt.Errorf("recent incidents: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT resolution_action, COUNT(*) as count
		FROM incidents
		WHERE pattern_signature = ? AND outcome = 'success'
		GROUP BY resolution_action
		ORDER BY count DESC
		LIMIT 5
	`, patternSignature)
	if err != nil {
		return nil, fmt.Errorf("successful actions: %w", err)
	}
	defer rows.Close()

	var successful []ActionCount
	for rows.Next() {
		var ac ActionCount
		if err := rows.Scan(&ac.Action, &ac.Count); err != nil {
			return nil, err
		}
		successful = append(successful, ac)
	}

	pc := &PatternContext{
		PatternSignature:  patternSignature,
		Stats:             stats,
		RecentIncidents:   recent,
		SuccessfulActions: successful,
	}
	if stats != nil {
		pc.HasRecommendedAction = stats.RecommendedAction != ""
		pc.PromotionEligible = stats.PromotionEligible
	}
	return pc, nil
}

func (s *Store) getPatternStats(ctx context.Context, patternSignature string) (*PatternStats, error) {
	var (
		ps                PatternStats
		lastSeen          sql.NullString
		recommendedAction sql.NullString
		promotionEligible bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT pattern_signature, total_occurrences, l1_resolutions, l2_resolutions, l3_resolutions,
			success_count, total_resolution_time_ms, last_seen, recommended_action, promotion_eligible
		FROM pattern_stats WHERE pattern_signature = ?
	`, patternSignature).Scan(
		&ps.PatternSignature, &ps.TotalOccurrences, &ps.L1Resolutions, &ps.L2Resolutions, &ps.L3Resolutions,
		&ps.SuccessCount, &ps.TotalResolutionMs, &lastSeen, &recommendedAction, &promotionEligible,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pattern stats: %w", err)
	}
	if lastSeen.Valid {
		ps.LastSeen, _ = time.Parse(time.RFC3339, lastSeen.String)
	}
	ps.RecommendedAction = recommendedAction.String
	ps.PromotionEligible = promotionEligible
	return &ps, nil
}

// GetSimilarIncidents returns the most recent successful incidents of the
// same type, optionally scoped to a site, for L3 ticket context.
func (s *Store) GetSimilarIncidents(ctx context.Context, incidentType, siteID string, limit int) ([]Incident, error) {
	query := `SELECT * FROM incidents WHERE incident_type = ? AND outcome = 'success'`
	args := []interface{}{incidentType}
	if siteID != "" {
		query += ` AND site_id = ?`
		args = append(args, siteID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryIncidents(ctx, query, args...)
}

// GetRecentIncidents returns the most recent incidents regardless of
// outcome, for audit/evidence views.
func (s *Store) GetRecentIncidents(ctx context.Context, limit int, siteID string) ([]Incident, error) {
	query := `SELECT * FROM incidents`
	var args []interface{}
	if siteID != "" {
		query += ` WHERE site_id = ?`
		args = append(args, siteID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryIncidents(ctx, query, args...)
}

func (s *Store) queryIncidents(ctx context.Context, query string, args ...interface{}) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
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
		if err := rows.Scan(
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
		out = append(out, inc)
	}
	return out, rows.Err()
}

// GetPromotionCandidates returns every pattern currently flagged eligible
// for L1 promotion, richest (most occurrences) first.
func (s *Store) GetPromotionCandidates(ctx context.Context) ([]PatternStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_signature, total_occurrences, l1_resolutions, l2_resolutions, l3_resolutions,
			success_count, total_resolution_time_ms, last_seen, recommended_action
		FROM pattern_stats
		WHERE promotion_eligible = 1
		ORDER BY total_occurrences DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PatternStats
	for rows.Next() {
		var (
			ps                PatternStats
			lastSeen          sql.NullString
			recommendedAction sql.NullString
		)
		if err := rows.Scan(
			&ps.PatternSignature, &ps.TotalOccurrences, &ps.L1Resolutions, &ps.L2Resolutions, &ps.L3Resolutions,
			&ps.SuccessCount, &ps.TotalResolutionMs, &lastSeen, &recommendedAction,
		); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			ps.LastSeen, _ = time.Parse(time.RFC3339, lastSeen.String)
		}
		ps.RecommendedAction = recommendedAction.String
		ps.PromotionEligible = true
		out = append(out, ps)
	}
	return out, rows.Err()
}

// GetAllPatternStats returns every pattern_stats row regardless of
// eligibility, for the periodic bulk push to Central Command.
func (s *Store) GetAllPatternStats(ctx context.Context) ([]PatternStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_signature, total_occurrences, l1_resolutions, l2_resolutions, l3_resolutions,
			success_count, total_resolution_time_ms, last_seen, recommended_action, promotion_eligible
		FROM pattern_stats
		ORDER BY pattern_signature ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PatternStats
	for rows.Next() {
		var (
			ps                PatternStats
			lastSeen          sql.NullString
			recommendedAction sql.NullString
			eligible          bool
		)
		if err := rows.Scan(
			&ps.PatternSignature, &ps.TotalOccurrences, &ps.L1Resolutions, &ps.L2Resolutions, &ps.L3Resolutions,
			&ps.SuccessCount, &ps.TotalResolutionMs, &lastSeen, &recommendedAction, &eligible,
		); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			ps.LastSeen, _ = time.Parse(time.RFC3339, lastSeen.String)
		}
		ps.RecommendedAction = recommendedAction.String
		ps.PromotionEligible = eligible
		out = append(out, ps)
	}
	return out, rows.Err()
}

// MarkPromoted records a promotion (for the rollback-effectiveness ledger)
// and flips the incidents/pattern_stats rows so the pattern stops being
// offered as a candidate again.
func (s *Store) MarkPromoted(ctx context.Context, patternSignature, ruleYAML string, incidentIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var successRate float64
	var occurrences int
	err = tx.QueryRowContext(ctx, `
		SELECT CAST(success_count AS REAL) / total_occurrences, total_occurrences
		FROM pattern_stats WHERE pattern_signature = ?
	`, patternSignature).Scan(&successRate, &occurrences)
	if err == sql.ErrNoRows {
		return fmt.Errorf("pattern %s not found", patternSignature)
	}
	if err != nil {
		return fmt.Errorf("read pattern stats: %w", err)
	}

	idsJSON, err := json.Marshal(incidentIDs)
	if err != nil {
		return fmt.Errorf("marshal incident ids: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO promoted_rules (pattern_signature, rule_yaml, promoted_at, promoted_from_incidents, success_rate_at_promotion, occurrences_at_promotion)
		VALUES (?, ?, ?, ?, ?, ?)
	`, patternSignature, ruleYAML, time.Now().UTC().Format(time.RFC3339), string(idsJSON), successRate, occurrences); err != nil {
		return fmt.Errorf("insert promoted_rules: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE incidents SET promoted_to_l1 = 1 WHERE pattern_signature = ?`, patternSignature); err != nil {
		return fmt.Errorf("flag promoted incidents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE pattern_stats SET promotion_eligible = 0 WHERE pattern_signature = ?`, patternSignature); err != nil {
		return fmt.Errorf("clear promotion_eligible: %w", err)
	}

	return tx.Commit()
}

// StatsSummary is the dashboard-facing rollup over a trailing window.
type StatsSummary struct {
	PeriodDays          int
	TotalIncidents      int
	L1Percentage        float64
	L2Percentage        float64
	L3Percentage        float64
	SuccessRate         float64
	AvgResolutionTimeMs float64
}

// GetStatsSummary computes tier distribution and success rate over the
// trailing `days` window.
func (s *Store) GetStatsSummary(ctx context.Context, days int) (StatsSummary, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)

	var (
		total               int
		l1Count, l2Count, l3Count, successCount sql.NullInt64
		avgResolutionTimeMs sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN resolution_level = 'L1' THEN 1 ELSE 0 END),
			SUM(CASE WHEN resolution_level = 'L2' THEN 1 ELSE 0 END),
			SUM(CASE WHEN resolution_level = 'L3' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END),
			AVG(resolution_time_ms)
		FROM incidents WHERE created_at >= ?
	`, cutoff).Scan(&total, &l1Count, &l2Count, &l3Count, &successCount, &avgResolutionTimeMs)
	if err != nil {
		return StatsSummary{}, fmt.Errorf("stats summary: %w", err)
	}

	denom := float64(total)
	if denom == 0 {
		denom = 1
	}

	return StatsSummary{
		PeriodDays:          days,
		TotalIncidents:      total,
		L1Percentage:        float64(l1Count.Int64) / denom * 100,
		L2Percentage:        float64(l2Count.Int64) / denom * 100,
		L3Percentage:        float64(l3Count.Int64) / denom * 100,
		SuccessRate:         float64(successCount.Int64) / denom * 100,
		AvgResolutionTimeMs: avgResolutionTimeMs.Float64,
	}, nil
}

// PostPromotionStats is how many L1 incidents a promoted rule has resolved,
// and at what success rate, since it was promoted — the input to C10's
// rollback decision.
type PostPromotionStats struct {
	Total       int
	Successes   int
	Failures    int
	FailureRate float64
}

// GetPostPromotionStats counts L1 resolutions whose resolution_action
// contains ruleID, resolved at or after since. Matching by substring (not
// equality) because a promoted rule's action is the bare action name, not
// the rule ID — the rule ID only shows up via the rule match itself, so
// callers pass the rule's bound action as ruleIDOrAction.
func (s *Store) GetPostPromotionStats(ctx context.Context, ruleIDOrAction string, since time.Time) (PostPromotionStats, error) {
	var total, successes, failures sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'failure' THEN 1 ELSE 0 END)
		FROM incidents
		WHERE resolution_level = 'L1'
		AND resolution_action LIKE '%' || ? || '%'
		AND resolved_at >= ?
	`, ruleIDOrAction, since.UTC().Format(time.RFC3339)).Scan(&total, &successes, &failures)
	if err != nil {
		return PostPromotionStats{}, fmt.Errorf("post-promotion stats: %w", err)
	}

	if total.Int64 == 0 {
		return PostPromotionStats{FailureRate: 0}, nil
	}

	return PostPromotionStats{
		Total:       int(total.Int64),
		Successes:   int(successes.Int64),
		Failures:    int(failures.Int64),
		FailureRate: float64(failures.Int64) / float64(total.Int64),
	}, nil
}
