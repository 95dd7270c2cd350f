package incidentstore

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

// PruneResult reports what a PruneOldIncidents pass removed.
type PruneResult struct {
	IncidentsDeleted    int
	FeedbackDeleted     int
	PatternStatsDeleted int
	IncidentsBefore     int
	IncidentsAfter      int
	RetentionDays       int
}

// PruneOldIncidents deletes resolved incidents (and orphaned feedback/
// pattern_stats rows) older than retentionDays, then VACUUMs to reclaim
// disk space. Unresolved incidents are kept unless keepUnresolved is
// false — we never want to silently lose an incident still awaiting
// resolution.
func (s *Store) PruneOldIncidents(ctx context.Context, retentionDays int, keepUnresolved bool) (PruneResult, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	var totalBefore int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents`).Scan(&totalBefore); err != nil {
		return PruneResult{}, fmt.Errorf("count incidents: %w", err)
	}

	keepFlag := 1
	if !keepUnresolved {
		keepFlag = 0
	}
	feedbackRes, err := s.db.ExecContext(ctx, `
		DELETE FROM learning_feedback
		WHERE incident_id IN (
			SELECT id FROM incidents WHERE created_at < ? AND (resolved_at IS NOT NULL OR ? = 0)
		)
	`, cutoff, keepFlag)
	if err != nil {
		return PruneResult{}, fmt.Errorf("prune feedback: %w", err)
	}
	feedbackDeleted, _ := feedbackRes.RowsAffected()

	var incidentsRes interface{ RowsAffected() (int64, error) }
	if keepUnresolved {
		incidentsRes, err = s.db.ExecContext(ctx, `DELETE FROM incidents WHERE created_at < ? AND resolved_at IS NOT NULL`, cutoff)
	} else {
		incidentsRes, err = s.db.ExecContext(ctx, `DELETE FROM incidents WHERE created_at < ?`, cutoff)
	}
	if err != nil {
		return PruneResult{}, fmt.Errorf("prune incidents: %w", err)
	}
	incidentsDeleted, _ := incidentsRes.RowsAffected()

	statsRes, err := s.db.ExecContext(ctx, `
		DELETE FROM pattern_stats
		WHERE last_seen < ? AND promotion_eligible = 0
		AND pattern_signature NOT IN (SELECT DISTINCT pattern_signature FROM incidents)
	`, cutoff)
	if err != nil {
		return PruneResult{}, fmt.Errorf("prune pattern stats: %w", err)
	}
	statsDeleted, _ := statsRes.RowsAffected()

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return PruneResult{}, fmt.Errorf("vacuum: %w", err)
	}

	var totalAfter int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents`).Scan(&totalAfter); err != nil {
		return PruneResult{}, fmt.Errorf("count incidents after prune: %w", err)
	}

	return PruneResult{
		IncidentsDeleted:    int(incidentsDeleted),
		FeedbackDeleted:     int(feedbackDeleted),
		PatternStatsDeleted: int(statsDeleted),
		IncidentsBefore:     totalBefore,
		IncidentsAfter:      totalAfter,
		RetentionDays:       retentionDays,
	}, nil
}

// DatabaseStats reports file size and record counts for monitoring.
type DatabaseStats struct {
	FileSizeBytes      int64
	FileSizeHuman      string
	WALSizeBytes       int64
	WALSizeHuman       string
	IncidentsCount     int
	PatternStatsCount  int
	PromotedRulesCount int
	FeedbackCount      int
	OldestIncident     string
	NewestIncident     string
	UnresolvedCount    int
}

// GetDatabaseStats reports the database's on-disk footprint and table
// counts for the evidence-generator diagnostics and operator tooling.
func (s *Store) GetDatabaseStats(ctx context.Context, dbPath string) (DatabaseStats, error) {
	var stats DatabaseStats

	if info, err := os.Stat(dbPath); err == nil {
		stats.FileSizeBytes = info.Size()
		stats.FileSizeHuman = humanize.Bytes(uint64(info.Size()))
	}
	if info, err := os.Stat(dbPath + "-wal"); err == nil {
		stats.WALSizeBytes = info.Size()
		stats.WALSizeHuman = humanize.Bytes(uint64(info.Size()))
	}

	counts := map[string]*int{
		"incidents":       &stats.IncidentsCount,
		"pattern_stats":   &stats.PatternStatsCount,
		"promoted_rules":  &stats.PromotedRulesCount,
		"learning_feedback": &stats.FeedbackCount,
	}
	for table, dest := range counts {
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(dest); err != nil {
			return DatabaseStats{}, fmt.Errorf("count %s: %w", table, err)
		}
	}

	var oldest, newest interface{}
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(created_at), MAX(created_at) FROM incidents`).Scan(&oldest, &newest); err != nil {
		return DatabaseStats{}, fmt.Errorf("incident age range: %w", err)
	}
	if v, ok := oldest.(string); ok {
		stats.OldestIncident = v
	}
	if v, ok := newest.(string); ok {
		stats.NewestIncident = v
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents WHERE resolved_at IS NULL`).Scan(&stats.UnresolvedCount); err != nil {
		return DatabaseStats{}, fmt.Errorf("unresolved count: %w", err)
	}

	return stats, nil
}
