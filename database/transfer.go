/*
Copyright 2024 Roster Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/rosterhq/roster/internal/apierror"
	"github.com/rosterhq/roster/model"
)

const transferColumns = `transfer_id, club_id, source_tenant_id, target_tenant_id, initiated_by, status,
	created_at, started_at, completed_at, failed_at, rolled_back_at, meta_data, can_rollback, rollback_expires_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransfer(row rowScanner) (*model.TransferRecord, error) {
	rec := &model.TransferRecord{}
	var metaDataJSON []byte
	err := row.Scan(
		&rec.TransferID, &rec.ClubID, &rec.SourceTenantID, &rec.TargetTenantID, &rec.InitiatedBy, &rec.Status,
		&rec.CreatedAt, &rec.StartedAt, &rec.CompletedAt, &rec.FailedAt, &rec.RolledBackAt, &metaDataJSON,
		&rec.CanRollback, &rec.RollbackExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &rec.MetaData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to unmarshal transfer metadata", err)
		}
	}
	if err := rec.MetaData.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrPersistence, "Stored transfer metadata is invalid", err)
	}
	return rec, nil
}

// CreateTransfer inserts a pending transfer. The partial unique index on active transfers
// turns a concurrent second initiation for the same club into a validation error.
func (d Datasource) CreateTransfer(ctx context.Context, rec *model.TransferRecord) error {
	ctx, span := otel.Tracer("Transfer").Start(ctx, "Saving transfer to db")
	defer span.End()

	metaDataJSON, err := json.Marshal(rec.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO roster.transfers(
			transfer_id, club_id, source_tenant_id, target_tenant_id, initiated_by, status,
			created_at, meta_data, can_rollback
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.TransferID, rec.ClubID, rec.SourceTenantID, rec.TargetTenantID, rec.InitiatedBy, rec.Status,
		rec.CreatedAt, metaDataJSON, rec.CanRollback,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrValidation, fmt.Sprintf("Club '%s' already has a transfer in progress", rec.ClubID), err)
		}
		return apierror.NewAPIError(apierror.ErrPersistence, "Failed to record transfer", err)
	}
	return nil
}

func (d Datasource) GetTransfer(ctx context.Context, id string) (*model.TransferRecord, error) {
	ctx, span := otel.Tracer("Transfer").Start(ctx, "Fetching transfer from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM roster.transfers WHERE transfer_id = $1`, id)
	rec, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transfer with ID '%s' not found", id), err)
		}
		if apierror.HasCode(err, apierror.ErrPersistence) {
			return nil, err
		}
		return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to retrieve transfer", err)
	}
	return rec, nil
}

func (d Datasource) GetActiveTransferForClub(ctx context.Context, clubID string) (*model.TransferRecord, error) {
	ctx, span := otel.Tracer("Transfer").Start(ctx, "Fetching active transfer for club")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+transferColumns+`
		FROM roster.transfers
		WHERE club_id = $1 AND status IN ('pending', 'processing')
		ORDER BY created_at DESC
		LIMIT 1
	`, clubID)
	rec, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to check active transfers", err)
	}
	return rec, nil
}

func (d Datasource) GetTransfersByClub(ctx context.Context, clubID string, limit, offset int) ([]*model.TransferRecord, error) {
	ctx, span := otel.Tracer("Transfer").Start(ctx, "Fetching transfers by club")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM roster.transfers
		WHERE club_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, clubID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to retrieve transfers", err)
	}
	defer rows.Close()

	var transfers []*model.TransferRecord
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to scan transfer", err)
		}
		transfers = append(transfers, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to iterate transfers", err)
	}
	return transfers, nil
}

func (d Datasource) UpdateTransferState(ctx context.Context, rec *model.TransferRecord, prevStatus model.TransferStatus, prevCanRollback bool) (bool, error) {
	ctx, span := otel.Tracer("Transfer").Start(ctx, "Updating transfer state")
	defer span.End()

	metaDataJSON, err := json.Marshal(rec.MetaData)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE roster.transfers
		SET status = $1, started_at = $2, completed_at = $3, failed_at = $4, rolled_back_at = $5,
			meta_data = $6, can_rollback = $7, rollback_expires_at = $8
		WHERE transfer_id = $9 AND status = $10 AND can_rollback = $11
	`,
		rec.Status, rec.StartedAt, rec.CompletedAt, rec.FailedAt, rec.RolledBackAt,
		metaDataJSON, rec.CanRollback, rec.RollbackExpiresAt,
		rec.TransferID, prevStatus, prevCanRollback,
	)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrPersistence, "Failed to update transfer state", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrPersistence, "Failed to read affected rows", err)
	}
	return affected == 1, nil
}
