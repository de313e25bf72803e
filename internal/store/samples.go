// internal/store/samples.go
package store

import (
	"context"
	"fmt"
)

// AppendSample appends one RPO sample row. Samples are append-only.
func (p *Postgres) AppendSample(ctx context.Context, s *RpoSample) error {
	query := `INSERT INTO rpo_samples
			(recorded_at, group_id, source_endpoint_id, journal_id, mu_number,
			 usage_rate, q_count, q_marker, pending_bytes, eta_seconds,
			 block_delta_bytes, copy_speed_mbps, journal_status, pair_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := p.db.ExecContext(ctx, query,
		s.RecordedAt, s.GroupID, s.SourceEndpointID, s.JournalID, s.MuNumber,
		s.UsageRate, s.QCount, s.QMarker, s.PendingBytes, s.EtaSeconds,
		s.BlockDeltaBytes, s.CopySpeedMbps, s.JournalStatus, s.PairStatus)
	if err != nil {
		return fmt.Errorf("store: append sample for group %d: %w", s.GroupID, err)
	}
	return nil
}

// BackfillLatestSample sets the block-delta and pair-status fields on
// the most recent sample row for the group. This is the only permitted
// mutation of a sample: Method-2 data arrives later in the same cycle.
func (p *Postgres) BackfillLatestSample(ctx context.Context, groupID int, endpointID string, blockDeltaBytes int64, pairStatus string) error {
	query := `UPDATE rpo_samples SET block_delta_bytes = $3, pair_status = $4
		WHERE id = (
			SELECT id FROM rpo_samples
			WHERE group_id = $1 AND source_endpoint_id = $2
			ORDER BY recorded_at DESC, id DESC
			LIMIT 1
		)`

	result, err := p.db.ExecContext(ctx, query, groupID, endpointID, blockDeltaBytes, pairStatus)
	if err != nil {
		return fmt.Errorf("store: backfill sample for group %d: %w", groupID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentQCounts returns the queue counts of the newest limit samples
// for a group, oldest first, for trend fitting.
func (p *Postgres) RecentQCounts(ctx context.Context, groupID int, endpointID string, limit int) ([]float64, error) {
	query := `SELECT q_count FROM (
			SELECT id, q_count FROM rpo_samples
			WHERE group_id = $1 AND source_endpoint_id = $2
			ORDER BY recorded_at DESC, id DESC
			LIMIT $3
		) newest ORDER BY id ASC`

	rows, err := p.db.QueryContext(ctx, query, groupID, endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent q counts for group %d: %w", groupID, err)
	}
	defer func() { _ = rows.Close() }()

	var counts []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("store: scan q count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// RecentSamples returns the newest limit samples for a group, newest
// first.
func (p *Postgres) RecentSamples(ctx context.Context, groupID int, endpointID string, limit int) ([]RpoSample, error) {
	query := `SELECT recorded_at, group_id, source_endpoint_id, journal_id, mu_number,
			usage_rate, q_count, COALESCE(q_marker, ''), pending_bytes, eta_seconds,
			block_delta_bytes, copy_speed_mbps, COALESCE(journal_status, ''), COALESCE(pair_status, '')
		FROM rpo_samples
		WHERE group_id = $1 AND source_endpoint_id = $2
		ORDER BY recorded_at DESC, id DESC
		LIMIT $3`

	rows, err := p.db.QueryContext(ctx, query, groupID, endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent samples for group %d: %w", groupID, err)
	}
	defer func() { _ = rows.Close() }()

	var samples []RpoSample
	for rows.Next() {
		var s RpoSample
		if err := rows.Scan(&s.RecordedAt, &s.GroupID, &s.SourceEndpointID,
			&s.JournalID, &s.MuNumber, &s.UsageRate, &s.QCount, &s.QMarker,
			&s.PendingBytes, &s.EtaSeconds, &s.BlockDeltaBytes,
			&s.CopySpeedMbps, &s.JournalStatus, &s.PairStatus); err != nil {
			return nil, fmt.Errorf("store: scan sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
