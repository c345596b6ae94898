package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"

	"github.com/rosterhq/roster/internal/apierror"
)

const window = 72 * time.Hour

func newProcessing(t *testing.T, now time.Time) *TransferRecord {
	rec := NewTransferRecord("club_1", "tenant_a", "tenant_b", "ops@roster.io", now)
	require.NoError(t, rec.Start(now))
	return rec
}

func TestStartOnlyFromPending(t *testing.T) {
	now := time.Now()
	rec := NewTransferRecord("club_1", "tenant_a", "tenant_b", "ops@roster.io", now)
	assert.Equal(t, TransferPending, rec.Status)

	require.NoError(t, rec.Start(now))
	assert.Equal(t, TransferProcessing, rec.Status)
	assert.Equal(t, now, *rec.StartedAt)

	for _, status := range []TransferStatus{TransferProcessing, TransferCompleted, TransferFailed, TransferRolledBack} {
		r := &TransferRecord{TransferID: "transfer_x", Status: status}
		err := r.Start(now)
		assert.True(t, apierror.HasCode(err, apierror.ErrInvalidTransition), status)
		assert.Equal(t, status, r.Status)
	}
}

func TestCompleteOpensRollbackWindow(t *testing.T) {
	now := time.Now()
	rec := newProcessing(t, now)

	require.NoError(t, rec.Complete(now, window))
	assert.Equal(t, TransferCompleted, rec.Status)
	assert.True(t, rec.CanRollback)
	assert.Equal(t, now.Add(window), *rec.RollbackExpiresAt)
	assert.True(t, rec.CanBeRolledBack(now.Add(time.Hour)))
	assert.False(t, rec.CanBeRolledBack(now.Add(window)))

	err := rec.Complete(now, window)
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidTransition))
}

func TestFailStoresReason(t *testing.T) {
	now := time.Now()
	rec := newProcessing(t, now)

	require.NoError(t, rec.Fail(now, StepStripeCancellation, "stripe unavailable", window))
	assert.Equal(t, TransferFailed, rec.Status)
	assert.Equal(t, "stripe unavailable", rec.MetaData.Reason)
	assert.Equal(t, StepStripeCancellation, rec.MetaData.FailedStep)
	assert.NotNil(t, rec.FailedAt)
	assert.Nil(t, rec.CompletedAt)
	assert.True(t, rec.CanBeRolledBack(now))

	pending := NewTransferRecord("club_1", "tenant_a", "tenant_b", "ops", now)
	assert.True(t, apierror.HasCode(pending.Fail(now, StepValidation, "x", window), apierror.ErrInvalidTransition))
}

func TestRollbackWithinWindow(t *testing.T) {
	now := time.Now()
	rec := newProcessing(t, now)
	require.NoError(t, rec.Complete(now, window))

	require.NoError(t, rec.Rollback(now.Add(time.Minute)))
	assert.Equal(t, TransferRolledBack, rec.Status)
	assert.False(t, rec.CanRollback)
	assert.NotNil(t, rec.RolledBackAt)
	assert.Nil(t, rec.CompletedAt, "only one terminal timestamp is kept")
	require.NotNil(t, rec.MetaData.Rollback)
	assert.Equal(t, TransferCompleted, rec.MetaData.Rollback.PriorStatus)
	assert.Equal(t, now, *rec.MetaData.Rollback.PriorTerminalAt)
}

func TestRollbackTwiceConflicts(t *testing.T) {
	now := time.Now()
	rec := newProcessing(t, now)
	require.NoError(t, rec.Complete(now, window))
	require.NoError(t, rec.Rollback(now))

	err := rec.Rollback(now)
	assert.True(t, apierror.HasCode(err, apierror.ErrRollbackConflict))
	assert.Equal(t, TransferRolledBack, rec.Status)
}

func TestRollbackAfterExpiryConflicts(t *testing.T) {
	now := time.Now()
	rec := newProcessing(t, now)
	require.NoError(t, rec.Fail(now, StepMediaMigration, "s3 timeout", window))

	err := rec.Rollback(now.Add(window + time.Second))
	assert.True(t, apierror.HasCode(err, apierror.ErrRollbackConflict))
	assert.Contains(t, err.Error(), "expired")
	assert.Equal(t, TransferFailed, rec.Status)
	assert.True(t, rec.CanRollback)
}

func TestRollbackIneligibleStates(t *testing.T) {
	now := time.Now()
	for _, status := range []TransferStatus{TransferPending, TransferProcessing} {
		rec := &TransferRecord{TransferID: "transfer_x", Status: status, CanRollback: true, RollbackExpiresAt: ptr.Time(now.Add(time.Hour))}
		err := rec.Rollback(now)
		assert.True(t, apierror.HasCode(err, apierror.ErrRollbackConflict), status)
		assert.Equal(t, status, rec.Status)
	}
}

func TestClaimThenMarkRollbackFailed(t *testing.T) {
	now := time.Now()
	rec := newProcessing(t, now)
	require.NoError(t, rec.Complete(now, window))

	require.NoError(t, rec.ClaimRollback("ops@roster.io", now))
	assert.False(t, rec.CanRollback)
	assert.Equal(t, TransferCompleted, rec.Status)

	// a second actor cannot claim while the first is replaying
	assert.True(t, apierror.HasCode(rec.ClaimRollback("other", now), apierror.ErrRollbackConflict))

	require.NoError(t, rec.MarkRollbackFailed(now, 2, "snapshot_9", errors.New("row locked")))
	assert.True(t, rec.RollbackFailed())
	assert.Equal(t, TransferCompleted, rec.Status)
	assert.Equal(t, "snapshot_9", rec.MetaData.Rollback.FailedSnapshotID)
	assert.Equal(t, 2, rec.MetaData.Rollback.EntriesReplayed)
	assert.Equal(t, "row locked", rec.MetaData.Rollback.Error)

	assert.True(t, apierror.HasCode(rec.FinishRollback(now, 3), apierror.ErrInvalidTransition))
}

func TestCanBeRolledBack_RolledBackNeverEligible(t *testing.T) {
	now := time.Now()
	rec := &TransferRecord{TransferID: "transfer_x", Status: TransferRolledBack, CanRollback: true, RollbackExpiresAt: ptr.Time(now.Add(time.Hour))}
	assert.False(t, rec.CanBeRolledBack(now))
	assert.True(t, apierror.HasCode(rec.ClaimRollback("ops", now), apierror.ErrRollbackConflict))
}

func TestExpireRollbackWindow(t *testing.T) {
	now := time.Now()
	rec := newProcessing(t, now)
	require.NoError(t, rec.Complete(now, window))

	assert.False(t, rec.ExpireRollbackWindow(now))
	assert.True(t, rec.ExpireRollbackWindow(now.Add(window)))
	assert.False(t, rec.CanRollback)
	assert.False(t, rec.ExpireRollbackWindow(now.Add(window)))
}

func TestTransferMetadataValidate(t *testing.T) {
	assert.NoError(t, TransferMetadata{FailedStep: StepClubUpdate}.Validate())
	assert.Error(t, TransferMetadata{FailedStep: Step("bogus")}.Validate())
	assert.Error(t, TransferMetadata{Rollback: &RollbackMetadata{State: "paused"}}.Validate())
	assert.NoError(t, TransferMetadata{Rollback: &RollbackMetadata{State: RollbackFailed}}.Validate())
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, TransferPending.Active())
	assert.True(t, TransferProcessing.Active())
	assert.False(t, TransferFailed.Active())
	assert.True(t, TransferRolledBack.Terminal())
	assert.False(t, TransferStatus("paused").Valid())
}
