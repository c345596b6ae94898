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

	"github.com/rosterhq/roster/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	transfer    // Transfer records and their state transitions
	stepLog     // Append-only audit trail of orchestration steps
	snapshot    // Append-only before-images of mutated rows
	RecordStore // Generic tenant-scoped rows touched by the pipeline
}

// transfer defines methods for handling transfer records.
type transfer interface {
	// CreateTransfer inserts a new pending transfer.
	CreateTransfer(ctx context.Context, rec *model.TransferRecord) error
	GetTransfer(ctx context.Context, id string) (*model.TransferRecord, error)
	// GetActiveTransferForClub returns the pending or processing transfer of a club, or nil.
	GetActiveTransferForClub(ctx context.Context, clubID string) (*model.TransferRecord, error)
	// GetTransfersByClub returns the transfer history of a club, newest first.
	GetTransfersByClub(ctx context.Context, clubID string, limit, offset int) ([]*model.TransferRecord, error)
	// UpdateTransferState persists rec only if the stored row still has prevStatus and
	// prevCanRollback. It returns false when another actor changed the row first.
	UpdateTransferState(ctx context.Context, rec *model.TransferRecord, prevStatus model.TransferStatus, prevCanRollback bool) (bool, error)
}

// stepLog defines methods for the transfer audit trail.
type stepLog interface {
	RecordStepLog(ctx context.Context, entry *model.StepLogEntry) error
	// GetStepLogs returns entries oldest first.
	GetStepLogs(ctx context.Context, transferID string) ([]*model.StepLogEntry, error)
}

// snapshot defines methods for rollback snapshots.
type snapshot interface {
	RecordSnapshot(ctx context.Context, entry *model.RollbackSnapshotEntry) error
	GetSnapshots(ctx context.Context, transferID string, newestFirst bool) ([]*model.RollbackSnapshotEntry, error)
}

// RecordStore is the generic persistence used by both the capture and the mutation paths.
type RecordStore interface {
	GetRecord(ctx context.Context, table model.Table, id string) (model.Record, bool, error)
	CreateRecord(ctx context.Context, table model.Table, id string, data model.Record) error
	UpdateRecord(ctx context.Context, table model.Table, id string, data model.Record) error
	DeleteRecord(ctx context.Context, table model.Table, id string) error
	ListRecordsByClub(ctx context.Context, table model.Table, clubID, tenantID string) ([]model.Record, error)
}
