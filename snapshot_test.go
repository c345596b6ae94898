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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosterhq/roster/database/memstore"
	"github.com/rosterhq/roster/internal/apierror"
	"github.com/rosterhq/roster/model"
)

type failingSnapshots struct {
	*memstore.Store
}

func (failingSnapshots) RecordSnapshot(context.Context, *model.RollbackSnapshotEntry) error {
	return errors.New("snapshot table unavailable")
}

func TestSnapshotStore_CaptureOperationTypes(t *testing.T) {
	store := memstore.New()
	store.Seed(model.TableTeams, model.Record{"id": "team_1", "club_id": "club_1", "tenant_id": "tenant_a", "name": "U10"})
	snapshots := NewSnapshotStore(store, time.Now)
	ctx := context.Background()

	tests := []struct {
		id     string
		intent model.WriteIntent
		want   model.OperationType
	}{
		{"team_1", model.IntentUpdate, model.OperationUpdate},
		{"team_1", model.IntentDelete, model.OperationDelete},
		{"team_2", model.IntentCreate, model.OperationCreate},
		{"team_2", model.IntentUpdate, model.OperationCreate},
	}
	for _, tt := range tests {
		entry, err := snapshots.Capture(ctx, "transfer_1", model.StepRelatedRecordsUpdate, model.TableTeams, tt.id, tt.intent)
		require.NoError(t, err)
		assert.Equal(t, tt.want, entry.OperationType, "%s %s", tt.id, tt.intent)
	}

	stored, err := store.GetSnapshots(ctx, "transfer_1", false)
	require.NoError(t, err)
	require.Len(t, stored, 4)
	row, err := stored[0].Row()
	require.NoError(t, err)
	assert.Equal(t, "U10", row.String("name"))

	missing, err := stored[2].Row()
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSnapshotStore_CaptureTimesIncreaseOnFrozenClock(t *testing.T) {
	store := memstore.New()
	frozen := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	readings := []time.Time{frozen, frozen, frozen.Add(-time.Minute), frozen}
	calls := 0
	snapshots := NewSnapshotStore(store, func() time.Time {
		ts := readings[calls%len(readings)]
		calls++
		return ts
	})
	ctx := context.Background()

	ids := []string{"team_1", "team_2", "team_3", "team_4"}
	for _, id := range ids {
		_, err := snapshots.Capture(ctx, "transfer_1", model.StepRelatedRecordsUpdate, model.TableTeams, id, model.IntentCreate)
		require.NoError(t, err)
	}

	stored, err := store.GetSnapshots(ctx, "transfer_1", false)
	require.NoError(t, err)
	require.Len(t, stored, len(ids))
	for i, entry := range stored {
		assert.Equal(t, ids[i], entry.RecordID, "captures keep their write order")
		if i > 0 {
			assert.True(t, entry.CreatedAt.After(stored[i-1].CreatedAt), "capture %d is not after capture %d", i, i-1)
		}
	}
}

func TestCapturingStore_CapturesOncePerRow(t *testing.T) {
	store := memstore.New()
	store.Seed(model.TableClubs, model.Record{"id": "club_1", "tenant_id": "tenant_a", "name": "Aces"})
	cs := newCapturingStore(store, NewSnapshotStore(store, time.Now), "transfer_1", model.StepClubUpdate)
	ctx := context.Background()

	require.NoError(t, cs.Update(ctx, model.TableClubs, "club_1", model.Record{"name": "Aces II"}))
	require.NoError(t, cs.Update(ctx, model.TableClubs, "club_1", model.Record{"tenant_id": "tenant_b"}))

	stored, err := store.GetSnapshots(ctx, "transfer_1", true)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	row, err := stored[0].Row()
	require.NoError(t, err)
	assert.Equal(t, "Aces", row.String("name"), "the image predates the first write")
	assert.Equal(t, "tenant_a", row.String("tenant_id"))

	summary := cs.summary()
	assert.Equal(t, 1, summary["count"])
	assert.Equal(t, map[string]int{"clubs": 1}, summary["tables"])
}

func TestCapturingStore_FailedCaptureBlocksWrite(t *testing.T) {
	base := memstore.New()
	base.Seed(model.TableTeams, model.Record{"id": "team_1", "club_id": "club_1", "tenant_id": "tenant_a"})
	store := failingSnapshots{base}
	cs := newCapturingStore(store, NewSnapshotStore(store, time.Now), "transfer_1", model.StepRelatedRecordsUpdate)
	ctx := context.Background()

	err := cs.Update(ctx, model.TableTeams, "team_1", model.Record{"tenant_id": "tenant_b"})
	assert.True(t, apierror.HasCode(err, apierror.ErrPersistence))
	err = cs.Delete(ctx, model.TableTeams, "team_1")
	assert.Error(t, err)
	err = cs.Create(ctx, model.TableTeams, "team_2", model.Record{"club_id": "club_1", "tenant_id": "tenant_b"})
	assert.Error(t, err)

	rows := base.Rows(model.TableTeams)
	require.Len(t, rows, 1)
	assert.Equal(t, "tenant_a", rows[0].String("tenant_id"))
	assert.Empty(t, cs.captured)
}

func TestStepLogger_StrictlyIncreasingTimestamps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	frozen := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	h.roster.now = func() time.Time { return frozen }

	log, err := h.roster.newStepLogger(ctx, "transfer_1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := log.record(ctx, model.StepValidation, model.StepCompleted, "ok", nil, 0)
		require.NoError(t, err)
	}

	// A second writer for the same transfer continues after the last stored entry.
	h.roster.now = func() time.Time { return frozen.Add(-time.Hour) }
	resumed, err := h.roster.newStepLogger(ctx, "transfer_1")
	require.NoError(t, err)
	_, err = resumed.record(ctx, model.StepRollback, model.StepCompleted, "replayed", map[string]interface{}{"n": 1}, time.Second)
	require.NoError(t, err)

	logs, err := h.store.GetStepLogs(ctx, "transfer_1")
	require.NoError(t, err)
	require.Len(t, logs, 4)
	for i := 1; i < len(logs); i++ {
		assert.True(t, logs[i].CreatedAt.After(logs[i-1].CreatedAt))
	}
	assert.Equal(t, model.StepRollback, logs[3].Step)
	assert.EqualValues(t, 1000, logs[3].DurationMs)
}

func TestErrorData(t *testing.T) {
	err := apierror.NewAPIError(apierror.ErrExternalService, "stripe unavailable", nil)
	data := errorData(err, map[string]interface{}{"subscription_id": "sub_1"})
	assert.Equal(t, "EXTERNAL_SERVICE_ERROR", data["code"])
	assert.Equal(t, err.Error(), data["error"])
	assert.Equal(t, "sub_1", data["subscription_id"])

	assert.Equal(t, "INTERNAL_SERVER_ERROR", errorData(errors.New("boom"), nil)["code"])
}
