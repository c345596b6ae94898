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

	"go.opentelemetry.io/otel"

	"github.com/rosterhq/roster/internal/apierror"
	"github.com/rosterhq/roster/model"
)

// RecordSnapshot appends a before-image. Snapshots are immutable once written.
func (d Datasource) RecordSnapshot(ctx context.Context, entry *model.RollbackSnapshotEntry) error {
	ctx, span := otel.Tracer("Snapshot").Start(ctx, "Saving rollback snapshot to db")
	defer span.End()

	data := []byte(entry.Data)
	if len(data) == 0 {
		data = []byte("null")
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO roster.rollback_snapshots(snapshot_id, transfer_id, step, table_name, record_id, data, operation_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.SnapshotID, entry.TransferID, entry.Step, entry.TableName, entry.RecordID, data, entry.OperationType, entry.CreatedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrPersistence, "Failed to record rollback snapshot", err)
	}
	return nil
}

// GetSnapshots returns the snapshots of a transfer in capture order, or reversed when
// newestFirst is set. The serial id breaks ties between entries captured in the same instant.
func (d Datasource) GetSnapshots(ctx context.Context, transferID string, newestFirst bool) ([]*model.RollbackSnapshotEntry, error) {
	ctx, span := otel.Tracer("Snapshot").Start(ctx, "Fetching rollback snapshots")
	defer span.End()

	order := "ASC"
	if newestFirst {
		order = "DESC"
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, snapshot_id, transfer_id, step, table_name, record_id, data, operation_type, created_at
		FROM roster.rollback_snapshots
		WHERE transfer_id = $1
		ORDER BY created_at `+order+`, id `+order, transferID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to retrieve rollback snapshots", err)
	}
	defer rows.Close()

	var entries []*model.RollbackSnapshotEntry
	for rows.Next() {
		entry := &model.RollbackSnapshotEntry{}
		var data []byte
		if err := rows.Scan(&entry.ID, &entry.SnapshotID, &entry.TransferID, &entry.Step, &entry.TableName,
			&entry.RecordID, &data, &entry.OperationType, &entry.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to scan rollback snapshot", err)
		}
		entry.Data = data
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to iterate rollback snapshots", err)
	}
	return entries, nil
}
