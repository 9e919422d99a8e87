package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bobarin/reelworks/internal/models"
)

// ----------------------------------------------------------------------------
// Renders
// ----------------------------------------------------------------------------

// CreateRender stores a new work item, or replaces the manifest of an existing one.
// Replacing the manifest keeps the operation state; the orchestrator abandons
// the stored handle when the request fingerprint no longer matches.
func (db *DB) CreateRender(ctx context.Context, workItemID, tier string, manifest models.Manifest) (*models.RenderRecord, error) {
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}

	query := `
		INSERT INTO renders (work_item_id, tier, manifest, operation_state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (work_item_id) DO UPDATE
		SET tier = EXCLUDED.tier, manifest = EXCLUDED.manifest, updated_at = now()
		RETURNING work_item_id, tier, manifest, operation_state, render_task, created_at, updated_at
	`

	row := db.QueryRowContext(ctx, query, workItemID, tier, string(manifestJSON), models.NewOperationState())
	record, err := scanRender(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create render: %w", err)
	}
	return record, nil
}

// GetRender loads a work item by ID.
func (db *DB) GetRender(ctx context.Context, workItemID string) (*models.RenderRecord, error) {
	query := `
		SELECT work_item_id, tier, manifest, operation_state, render_task, created_at, updated_at
		FROM renders
		WHERE work_item_id = $1
	`

	record, err := scanRender(db.QueryRowContext(ctx, query, workItemID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get render: %w", err)
	}
	return record, nil
}

// SaveRenderStep persists the state and result produced by one orchestrator step.
func (db *DB) SaveRenderStep(ctx context.Context, workItemID string, state models.OperationState, result *models.RenderResult) error {
	var task interface{} // NULL when there is no result
	if result != nil {
		taskJSON, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal render task: %w", err)
		}
		task = string(taskJSON)
	}

	query := `
		UPDATE renders
		SET operation_state = $2, render_task = $3, updated_at = now()
		WHERE work_item_id = $1
	`

	res, err := db.ExecContext(ctx, query, workItemID, state, task)
	if err != nil {
		return fmt.Errorf("failed to save render step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save render step: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPending returns work items whose operation is still in flight, oldest first,
// along with items that were created but never stepped.
// Used at startup to re-enqueue work lost with the previous process.
func (db *DB) ListPending(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT work_item_id
		FROM renders
		WHERE operation_state->>'status' IN ('predicting', 'fetching', 'rate_limited')
		   OR (operation_state->>'status' = 'none' AND render_task IS NULL)
		ORDER BY updated_at ASC
		LIMIT $1
	`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending renders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan render: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRender(row rowScanner) (*models.RenderRecord, error) {
	var record models.RenderRecord
	var manifestJSON, taskJSON []byte

	err := row.Scan(
		&record.WorkItemID,
		&record.Tier,
		&manifestJSON,
		&record.State,
		&taskJSON,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(manifestJSON, &record.Manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if len(taskJSON) > 0 {
		record.Result = &models.RenderResult{}
		if err := json.Unmarshal(taskJSON, record.Result); err != nil {
			return nil, fmt.Errorf("failed to decode render task: %w", err)
		}
	}
	return &record, nil
}
