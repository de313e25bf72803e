// internal/store/alerts.go
package store

import (
	"context"
	"fmt"
)

// InsertAlertIfNew inserts the alert unless an unacknowledged alert
// with the same (group, type, severity) already exists. Returns true
// when a row was inserted.
func (p *Postgres) InsertAlertIfNew(ctx context.Context, a *Alert) (bool, error) {
	query := `INSERT INTO alerts (id, group_id, alert_type, severity, message, acknowledged, created_at)
		SELECT $1, $2, $3, $4, $5, FALSE, $6
		WHERE NOT EXISTS (
			SELECT 1 FROM alerts
			WHERE group_id = $2 AND alert_type = $3 AND severity = $4 AND NOT acknowledged
		)`

	result, err := p.db.ExecContext(ctx, query,
		a.ID, a.GroupID, a.Type, a.Severity, a.Message, a.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("store: insert alert for group %d: %w", a.GroupID, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// AcknowledgeAlert marks an alert acknowledged.
func (p *Postgres) AcknowledgeAlert(ctx context.Context, alertID string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE alerts SET acknowledged = TRUE WHERE id = $1`, alertID)
	if err != nil {
		return fmt.Errorf("store: acknowledge alert %s: %w", alertID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAlerts returns alerts, optionally only unacknowledged ones,
// newest first.
func (p *Postgres) ListAlerts(ctx context.Context, unacknowledgedOnly bool) ([]Alert, error) {
	query := `SELECT id, group_id, alert_type, severity, message, acknowledged, created_at
		FROM alerts
		WHERE NOT $1 OR NOT acknowledged
		ORDER BY created_at DESC`

	rows, err := p.db.QueryContext(ctx, query, unacknowledgedOnly)
	if err != nil {
		return nil, fmt.Errorf("store: list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.GroupID, &a.Type, &a.Severity,
			&a.Message, &a.Acknowledged, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
