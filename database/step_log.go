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
	"encoding/json"

	"go.opentelemetry.io/otel"

	"github.com/rosterhq/roster/internal/apierror"
	"github.com/rosterhq/roster/model"
)

// RecordStepLog appends an audit entry. Entries are never updated or deleted.
func (d Datasource) RecordStepLog(ctx context.Context, entry *model.StepLogEntry) error {
	ctx, span := otel.Tracer("StepLog").Start(ctx, "Saving step log to db")
	defer span.End()

	dataJSON, err := json.Marshal(entry.Data)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal step data", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO roster.transfer_step_logs(entry_id, transfer_id, step, status, message, data, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.EntryID, entry.TransferID, entry.Step, entry.Status, entry.Message, dataJSON, entry.DurationMs, entry.CreatedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrPersistence, "Failed to record step log", err)
	}
	return nil
}

func (d Datasource) GetStepLogs(ctx context.Context, transferID string) ([]*model.StepLogEntry, error) {
	ctx, span := otel.Tracer("StepLog").Start(ctx, "Fetching step logs")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, entry_id, transfer_id, step, status, message, data, duration_ms, created_at
		FROM roster.transfer_step_logs
		WHERE transfer_id = $1
		ORDER BY created_at ASC, id ASC
	`, transferID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to retrieve step logs", err)
	}
	defer rows.Close()

	var entries []*model.StepLogEntry
	for rows.Next() {
		entry := &model.StepLogEntry{}
		var dataJSON []byte
		if err := rows.Scan(&entry.ID, &entry.EntryID, &entry.TransferID, &entry.Step, &entry.Status,
			&entry.Message, &dataJSON, &entry.DurationMs, &entry.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to scan step log", err)
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &entry.Data); err != nil {
				return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to unmarshal step data", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to iterate step logs", err)
	}
	return entries, nil
}
