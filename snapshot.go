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

package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rosterhq/roster/database"
	"github.com/rosterhq/roster/internal/apierror"
	"github.com/rosterhq/roster/model"
)

// SnapshotStore records the before-image of a row ahead of its mutation. One store serves
// a whole transfer run so capture times are strictly increasing across its steps.
type SnapshotStore struct {
	datasource database.IDataSource
	clock      *auditClock
}

func NewSnapshotStore(ds database.IDataSource, now func() time.Time) *SnapshotStore {
	return &SnapshotStore{datasource: ds, clock: newAuditClock(now, time.Time{})}
}

// Capture reads the current row and durably stores it before returning. A missing row is
// recorded as a create so rollback deletes whatever the step inserts.
func (s *SnapshotStore) Capture(ctx context.Context, transferID string, step model.Step, table model.Table, recordID string, intent model.WriteIntent) (*model.RollbackSnapshotEntry, error) {
	ctx, span := tracer.Start(ctx, "Capturing rollback snapshot")
	defer span.End()

	row, exists, err := s.datasource.GetRecord(ctx, table, recordID)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrPersistence,
			fmt.Sprintf("failed to read %s '%s' for snapshot", table, recordID), err)
	}

	var data json.RawMessage
	if exists {
		data, err = json.Marshal(row)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrPersistence, "failed to encode snapshot image", err)
		}
	}

	entry := &model.RollbackSnapshotEntry{
		SnapshotID:    model.GenerateUUIDWithSuffix("snap"),
		TransferID:    transferID,
		Step:          step,
		TableName:     table,
		RecordID:      recordID,
		Data:          data,
		OperationType: model.OperationFor(exists, intent),
		CreatedAt:     s.clock.next(),
	}
	if err := s.datasource.RecordSnapshot(ctx, entry); err != nil {
		span.RecordError(err)
		if apierror.HasCode(err, apierror.ErrPersistence) {
			return nil, err
		}
		return nil, apierror.NewAPIError(apierror.ErrPersistence, "failed to record rollback snapshot", err)
	}
	return entry, nil
}

// capturingStore is the only writer step bodies get. Every mutation is preceded by a
// durable snapshot of the row, and a failed capture leaves the row untouched. A row is
// captured once per step; later writes to it in the same step reuse that image.
type capturingStore struct {
	records    database.RecordStore
	snapshots  *SnapshotStore
	transferID string
	step       model.Step
	captured   []*model.RollbackSnapshotEntry
	seen       map[string]bool
}

func newCapturingStore(records database.RecordStore, snapshots *SnapshotStore, transferID string, step model.Step) *capturingStore {
	return &capturingStore{
		records:    records,
		snapshots:  snapshots,
		transferID: transferID,
		step:       step,
		seen:       make(map[string]bool),
	}
}

func rowKey(table model.Table, id string) string {
	return string(table) + "/" + id
}

// Capture snapshots a row ahead of a non-local side effect that will later be mirrored by
// a local write, so the image predates the whole operation.
func (c *capturingStore) Capture(ctx context.Context, table model.Table, id string, intent model.WriteIntent) error {
	key := rowKey(table, id)
	if c.seen[key] {
		return nil
	}
	entry, err := c.snapshots.Capture(ctx, c.transferID, c.step, table, id, intent)
	if err != nil {
		return err
	}
	c.seen[key] = true
	c.captured = append(c.captured, entry)
	return nil
}

func (c *capturingStore) Get(ctx context.Context, table model.Table, id string) (model.Record, bool, error) {
	return c.records.GetRecord(ctx, table, id)
}

func (c *capturingStore) List(ctx context.Context, table model.Table, clubID, tenantID string) ([]model.Record, error) {
	return c.records.ListRecordsByClub(ctx, table, clubID, tenantID)
}

func (c *capturingStore) Create(ctx context.Context, table model.Table, id string, data model.Record) error {
	if err := c.Capture(ctx, table, id, model.IntentCreate); err != nil {
		return err
	}
	return c.records.CreateRecord(ctx, table, id, data)
}

func (c *capturingStore) Update(ctx context.Context, table model.Table, id string, data model.Record) error {
	if err := c.Capture(ctx, table, id, model.IntentUpdate); err != nil {
		return err
	}
	return c.records.UpdateRecord(ctx, table, id, data)
}

func (c *capturingStore) Delete(ctx context.Context, table model.Table, id string) error {
	if err := c.Capture(ctx, table, id, model.IntentDelete); err != nil {
		return err
	}
	return c.records.DeleteRecord(ctx, table, id)
}

// summary describes what the step captured, for its rollback_snapshot audit entry.
func (c *capturingStore) summary() map[string]interface{} {
	tables := make(map[string]int)
	ids := make([]string, 0, len(c.captured))
	for _, entry := range c.captured {
		tables[string(entry.TableName)]++
		ids = append(ids, entry.SnapshotID)
	}
	return map[string]interface{}{
		"captured_by":  string(c.step),
		"count":        len(c.captured),
		"tables":       tables,
		"snapshot_ids": ids,
	}
}
