package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/sekimon/internal/model"
)

// RecordAccess appends a passport grant to passport_audit. The table is
// append-only.
func (db *DB) RecordAccess(ctx context.Context, e model.AccessAudit) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO passport_audit (
		     id, trace_id, resource, identity_id, tier_id, required_tier, feature, source, created_at
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.TraceID, e.Resource, e.IdentityID, string(e.TierID), string(e.RequiredTier),
		e.Feature, e.Source, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert passport audit: %w", err)
	}
	return nil
}

// RecentAccess returns up to limit grants, newest first.
func (db *DB) RecentAccess(ctx context.Context, limit int) ([]model.AccessAudit, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, trace_id, resource, identity_id, tier_id, required_tier, feature, source, created_at
		 FROM passport_audit ORDER BY created_at DESC, id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query passport audit: %w", err)
	}
	defer rows.Close()

	var out []model.AccessAudit
	for rows.Next() {
		var (
			e              model.AccessAudit
			tierID, reqTir string
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &e.Resource, &e.IdentityID, &tierID, &reqTir,
			&e.Feature, &e.Source, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan passport audit: %w", err)
		}
		e.TierID, e.RequiredTier = model.TierID(tierID), model.TierID(reqTir)
		out = append(out, e)
	}
	return out, rows.Err()
}
