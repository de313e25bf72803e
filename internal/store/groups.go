// internal/store/groups.go
package store

import (
	"context"
	"fmt"
)

// UpsertConsistencyGroup inserts or updates a group by its
// (group id, source endpoint) key. The monitored flag is preserved on
// update; it belongs to the operator, not to discovery.
func (p *Postgres) UpsertConsistencyGroup(ctx context.Context, g *ConsistencyGroup) error {
	query := `INSERT INTO consistency_groups
			(group_id, source_endpoint_id, target_endpoint_id, name, monitored, volume_count, health)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (group_id, source_endpoint_id) DO UPDATE SET
			target_endpoint_id = EXCLUDED.target_endpoint_id,
			name = EXCLUDED.name,
			volume_count = EXCLUDED.volume_count,
			health = EXCLUDED.health,
			updated_at = NOW()`

	_, err := p.db.ExecContext(ctx, query,
		g.GroupID, g.SourceEndpointID, g.TargetEndpointID, g.Name,
		g.Monitored, g.VolumeCount, g.Health)
	if err != nil {
		return fmt.Errorf("store: upsert group %d@%s: %w", g.GroupID, g.SourceEndpointID, err)
	}
	return nil
}

// ListConsistencyGroups returns groups for one endpoint, or all groups
// when endpointID is empty.
func (p *Postgres) ListConsistencyGroups(ctx context.Context, endpointID string) ([]ConsistencyGroup, error) {
	query := `SELECT group_id, source_endpoint_id, COALESCE(target_endpoint_id, ''),
			name, monitored, volume_count, health, updated_at
		FROM consistency_groups
		WHERE $1 = '' OR source_endpoint_id = $1
		ORDER BY source_endpoint_id, group_id`

	rows, err := p.db.QueryContext(ctx, query, endpointID)
	if err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []ConsistencyGroup
	for rows.Next() {
		var g ConsistencyGroup
		if err := rows.Scan(&g.GroupID, &g.SourceEndpointID, &g.TargetEndpointID,
			&g.Name, &g.Monitored, &g.VolumeCount, &g.Health, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SetGroupMonitored flips the operator-owned monitored flag.
func (p *Postgres) SetGroupMonitored(ctx context.Context, groupID int, endpointID string, monitored bool) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE consistency_groups SET monitored = $3, updated_at = NOW()
		 WHERE group_id = $1 AND source_endpoint_id = $2`,
		groupID, endpointID, monitored)
	if err != nil {
		return fmt.Errorf("store: set monitored for group %d@%s: %w", groupID, endpointID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplacePairs rewrites a group's pair rows wholesale inside one
// transaction. Delete-then-insert keeps removed volumes from leaving
// stale rows behind.
func (p *Postgres) ReplacePairs(ctx context.Context, groupID int, endpointID string, pairs []Pair) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin replace pairs: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pairs WHERE group_id = $1 AND source_endpoint_id = $2`,
		groupID, endpointID); err != nil {
		return fmt.Errorf("store: delete pairs for group %d: %w", groupID, err)
	}

	for _, pair := range pairs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pairs (group_id, source_endpoint_id, pvol_ldev_id, svol_ldev_id,
				pvol_journal_id, svol_journal_id, pair_status, fence_level, copy_progress)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			groupID, endpointID, pair.PvolLdevID, pair.SvolLdevID,
			pair.PvolJournalID, pair.SvolJournalID, pair.PairStatus,
			pair.FenceLevel, pair.CopyProgress); err != nil {
			return fmt.Errorf("store: insert pair for group %d: %w", groupID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit replace pairs: %w", err)
	}
	return nil
}

// ListPairs returns the pair rows for one group.
func (p *Postgres) ListPairs(ctx context.Context, groupID int, endpointID string) ([]Pair, error) {
	query := `SELECT group_id, source_endpoint_id, pvol_ldev_id, svol_ldev_id,
			COALESCE(pvol_journal_id, 0), COALESCE(svol_journal_id, 0),
			COALESCE(pair_status, ''), COALESCE(fence_level, ''), copy_progress
		FROM pairs WHERE group_id = $1 AND source_endpoint_id = $2
		ORDER BY pvol_ldev_id`

	rows, err := p.db.QueryContext(ctx, query, groupID, endpointID)
	if err != nil {
		return nil, fmt.Errorf("store: list pairs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pairs []Pair
	for rows.Next() {
		var pair Pair
		if err := rows.Scan(&pair.GroupID, &pair.SourceEndpointID,
			&pair.PvolLdevID, &pair.SvolLdevID, &pair.PvolJournalID,
			&pair.SvolJournalID, &pair.PairStatus, &pair.FenceLevel,
			&pair.CopyProgress); err != nil {
			return nil, fmt.Errorf("store: scan pair: %w", err)
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}
