package incidentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FlapSuppression is an active (or cleared) suppression for a
// (site, host, incident_type) circuit key.
type FlapSuppression struct {
	SiteID       string
	HostID       string
	IncidentType string
	SuppressedAt time.Time
	Reason       string
}

// RecordFlapSuppression suppresses auto-healing for this circuit key until
// a human clears it. Re-recording (e.g. a fresh flap after a prior clear)
// resets the clock and clears any stale clear-by stamp.
func (s *Store) RecordFlapSuppression(ctx context.Context, siteID, hostID, incidentType, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flap_suppressions (site_id, host_id, incident_type, suppressed_at, reason)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(site_id, host_id, incident_type) DO UPDATE SET
			suppressed_at = excluded.suppressed_at,
			reason = excluded.reason,
			cleared_at = NULL,
			cleared_by = NULL
	`, siteID, hostID, incidentType, time.Now().UTC().Format(time.RFC3339), reason)
	if err != nil {
		return fmt.Errorf("record flap suppression: %w", err)
	}
	return nil
}

// IsFlapSuppressed reports whether healing is currently suppressed for
// this circuit key.
func (s *Store) IsFlapSuppressed(ctx context.Context, siteID, hostID, incidentType string) (bool, error) {
	var dummy int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM flap_suppressions
		WHERE site_id = ? AND host_id = ? AND incident_type = ? AND cleared_at IS NULL
	`, siteID, hostID, incidentType).Scan(&dummy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check flap suppression: %w", err)
	}
	return true, nil
}

// ClearFlapSuppression lifts a suppression so healing can resume. Returns
// true if an active suppression was actually cleared.
func (s *Store) ClearFlapSuppression(ctx context.Context, siteID, hostID, incidentType, clearedBy string) (bool, error) {
	if clearedBy == "" {
		clearedBy = "operator"
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE flap_suppressions SET cleared_at = ?, cleared_by = ?
		WHERE site_id = ? AND host_id = ? AND incident_type = ? AND cleared_at IS NULL
	`, time.Now().UTC().Format(time.RFC3339), clearedBy, siteID, hostID, incidentType)
	if err != nil {
		return false, fmt.Errorf("clear flap suppression: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetActiveSuppressions lists every currently-active suppression, most
// recent first, for dashboard/ticket display.
func (s *Store) GetActiveSuppressions(ctx context.Context) ([]FlapSuppression, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT site_id, host_id, incident_type, suppressed_at, reason
		FROM flap_suppressions WHERE cleared_at IS NULL
		ORDER BY suppressed_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list flap suppressions: %w", err)
	}
	defer rows.Close()

	var out []FlapSuppression
	for rows.Next() {
		var fs FlapSuppression
		var suppressedAt string
		if err := rows.Scan(&fs.SiteID, &fs.HostID, &fs.IncidentType, &suppressedAt, &fs.Reason); err != nil {
			return nil, err
		}
		fs.SuppressedAt, _ = time.Parse(time.RFC3339, suppressedAt)
		out = append(out, fs)
	}
	return out, rows.Err()
}
