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
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rosterhq/roster/internal/apierror"
	"github.com/rosterhq/roster/internal/notification"
	"github.com/rosterhq/roster/model"
)

// RollbackTransfer replays the snapshots of a completed or failed transfer newest first,
// restoring every row the pipeline touched. It is refused once the window has passed,
// after a previous rollback claimed the record, and while the club has an active transfer.
// A replay that stops part way leaves the status unchanged, marks the rollback failed and
// returns a ROLLBACK_INTEGRITY error.
func (r *Roster) RollbackTransfer(ctx context.Context, transferID, actor string) (*model.TransferRecord, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "Rolling back transfer")
	defer span.End()

	if strings.TrimSpace(actor) == "" {
		return nil, apierror.NewAPIError(apierror.ErrValidation, "requested_by is required", nil)
	}

	rec, err := r.datasource.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if !rec.CanBeRolledBack(r.now()) {
		return nil, rec.ClaimRollback(actor, r.now())
	}

	locker, err := r.lockClub(ctx, rec.ClubID, true, apierror.ErrRollbackConflict)
	if err != nil {
		return nil, err
	}
	defer r.unlockClub(locker)

	// Re-read under the lock; a concurrent rollback may have claimed it meanwhile.
	rec, err = r.datasource.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	active, err := r.datasource.GetActiveTransferForClub(ctx, rec.ClubID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, apierror.NewAPIError(apierror.ErrRollbackConflict,
			fmt.Sprintf("club %s has transfer %s in status %s", rec.ClubID, active.TransferID, active.Status), nil)
	}
	if err := r.checkNoNewerTransfer(ctx, rec); err != nil {
		return nil, err
	}

	prevStatus := rec.Status
	if err := rec.ClaimRollback(actor, r.now()); err != nil {
		return nil, err
	}
	if err := r.saveTransition(ctx, rec, prevStatus, true, apierror.ErrRollbackConflict); err != nil {
		return nil, err
	}

	logger := logrus.WithFields(logrus.Fields{
		"transfer_id":  rec.TransferID,
		"club_id":      rec.ClubID,
		"requested_by": actor,
	})
	logger.Info("rollback claimed")

	log, err := r.newStepLogger(ctx, rec.TransferID)
	if err != nil {
		return rec, r.abortRollback(ctx, rec, prevStatus, nil, 0, "", err)
	}
	started := r.now()

	snapshots, err := r.datasource.GetSnapshots(ctx, rec.TransferID, true)
	if err != nil {
		return rec, r.abortRollback(ctx, rec, prevStatus, log, 0, "", err)
	}

	replayed := 0
	for _, snap := range snapshots {
		data := map[string]interface{}{
			"snapshot_id":    snap.SnapshotID,
			"table_name":     string(snap.TableName),
			"record_id":      snap.RecordID,
			"operation_type": string(snap.OperationType),
			"captured_by":    string(snap.Step),
		}
		entryStarted := r.now()
		if err := r.replay(ctx, snap); err != nil {
			if _, logErr := log.record(ctx, model.StepRollback, model.StepFailed,
				fmt.Sprintf("failed to revert %s %s", snap.TableName, snap.RecordID), errorData(err, data), r.now().Sub(entryStarted)); logErr != nil {
				logger.WithError(logErr).Error("rollback audit entry lost")
			}
			return rec, r.abortRollback(ctx, rec, prevStatus, log, replayed, snap.SnapshotID, err)
		}
		replayed++
		if _, err := log.record(ctx, model.StepRollback, model.StepCompleted,
			fmt.Sprintf("reverted %s of %s %s", snap.OperationType, snap.TableName, snap.RecordID), data, r.now().Sub(entryStarted)); err != nil {
			return rec, r.abortRollback(ctx, rec, prevStatus, log, replayed, snap.SnapshotID, persistenceError(err, "failed to record rollback entry"))
		}
		if err := locker.ExtendLock(ctx, r.cnf.LockTimeout()); err != nil {
			logger.WithError(err).Warn("failed to extend club lock")
		}
	}

	claimed := rec.Clone()
	if err := rec.FinishRollback(r.now(), replayed); err != nil {
		return rec, r.abortRollback(ctx, rec, prevStatus, log, replayed, "", err)
	}
	if err := r.persistTerminal(ctx, rec, prevStatus, false, apierror.ErrRollbackConflict); err != nil {
		*rec = *claimed
		return rec, r.abortRollback(ctx, rec, prevStatus, log, replayed, "", persistenceError(err, "failed to record finished rollback"))
	}

	removed := r.invalidateClubCaches(ctx, rec)
	summary := map[string]interface{}{
		"entries_replayed": replayed,
		"requested_by":     actor,
		"cache_removed":    removed,
	}
	if n := len(rec.MetaData.ExternalEffects); n > 0 {
		summary["external_effects_not_reverted"] = n
	}
	if _, err := log.record(ctx, model.StepRollback, model.StepCompleted,
		fmt.Sprintf("rollback completed, %d entries replayed", replayed), summary, r.now().Sub(started)); err != nil {
		logger.WithError(err).Error("rollback summary entry lost")
	}

	logger.WithField("entries_replayed", replayed).Info("rollback completed")
	return rec, nil
}

// checkNoNewerTransfer refuses a rollback while a later transfer of the same club that
// wrote anything is still in effect. Replaying the older snapshots would overwrite its
// rows, so the newer one has to be rolled back first.
func (r *Roster) checkNoNewerTransfer(ctx context.Context, rec *model.TransferRecord) error {
	for offset := 0; ; offset += historyPageLimit {
		page, err := r.datasource.GetTransfersByClub(ctx, rec.ClubID, historyPageLimit, offset)
		if err != nil {
			return err
		}
		for _, other := range page {
			if !other.CreatedAt.After(rec.CreatedAt) {
				return nil
			}
			if other.TransferID == rec.TransferID || other.Status == model.TransferRolledBack {
				continue
			}
			snaps, err := r.datasource.GetSnapshots(ctx, other.TransferID, true)
			if err != nil {
				return err
			}
			if len(snaps) > 0 {
				return apierror.NewAPIError(apierror.ErrRollbackConflict,
					fmt.Sprintf("transfer %s of club %s ran after %s and has not been rolled back", other.TransferID, rec.ClubID, rec.TransferID), ErrClubBusy)
			}
		}
		if len(page) < historyPageLimit {
			return nil
		}
	}
}

// replay applies the compensation for one snapshot using the raw store, so nothing is
// captured again.
func (r *Roster) replay(ctx context.Context, snap *model.RollbackSnapshotEntry) error {
	if !snap.TableName.Valid() || !snap.OperationType.Valid() {
		return apierror.NewAPIError(apierror.ErrRollbackIntegrity,
			fmt.Sprintf("snapshot %s is malformed", snap.SnapshotID), nil)
	}

	if snap.OperationType == model.OperationCreate {
		if err := r.datasource.DeleteRecord(ctx, snap.TableName, snap.RecordID); err != nil {
			return apierror.NewAPIError(apierror.ErrRollbackIntegrity,
				fmt.Sprintf("failed to delete %s %s", snap.TableName, snap.RecordID), err)
		}
		return nil
	}

	row, err := snap.Row()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrRollbackIntegrity,
			fmt.Sprintf("snapshot %s image is unreadable", snap.SnapshotID), err)
	}
	if row == nil {
		return apierror.NewAPIError(apierror.ErrRollbackIntegrity,
			fmt.Sprintf("snapshot %s has no image to restore", snap.SnapshotID), nil)
	}

	_, exists, err := r.datasource.GetRecord(ctx, snap.TableName, snap.RecordID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrRollbackIntegrity,
			fmt.Sprintf("failed to read %s %s", snap.TableName, snap.RecordID), err)
	}
	if exists {
		err = r.datasource.UpdateRecord(ctx, snap.TableName, snap.RecordID, row)
	} else {
		err = r.datasource.CreateRecord(ctx, snap.TableName, snap.RecordID, row)
	}
	if err != nil {
		return apierror.NewAPIError(apierror.ErrRollbackIntegrity,
			fmt.Sprintf("failed to restore %s %s", snap.TableName, snap.RecordID), err)
	}
	return nil
}

// abortRollback records a rollback that stopped after replayed entries and returns the
// integrity error for the caller.
func (r *Roster) abortRollback(ctx context.Context, rec *model.TransferRecord, prevStatus model.TransferStatus, log *stepLogger, replayed int, snapshotID string, cause error) error {
	integrity := cause
	if !apierror.HasCode(cause, apierror.ErrRollbackIntegrity) {
		integrity = apierror.NewAPIError(apierror.ErrRollbackIntegrity,
			fmt.Sprintf("rollback of transfer %s stopped after %d entries", rec.TransferID, replayed), cause)
	}

	logger := logrus.WithFields(logrus.Fields{
		"transfer_id":      rec.TransferID,
		"entries_replayed": replayed,
		"snapshot_id":      snapshotID,
	})
	if err := rec.MarkRollbackFailed(r.now(), replayed, snapshotID, cause); err != nil {
		logger.WithError(err).Error("failed to mark rollback failed")
		return integrity
	}
	if err := r.saveTransition(ctx, rec, prevStatus, false, apierror.ErrRollbackConflict); err != nil {
		logger.WithError(err).Error("failed rollback state not persisted")
	}

	if log != nil {
		data := errorData(cause, map[string]interface{}{
			"entries_replayed":   replayed,
			"failed_snapshot_id": snapshotID,
		})
		if _, err := log.record(ctx, model.StepRollback, model.StepFailed,
			fmt.Sprintf("rollback failed after %d entries", replayed), data, 0); err != nil {
			logger.WithError(err).Error("rollback failure entry lost")
		}
	}

	r.alert(rec, notification.EventRollbackFailed, model.StepRollback, cause.Error())
	logger.WithError(cause).Error("rollback failed")
	return integrity
}

func (r *Roster) invalidateClubCaches(ctx context.Context, rec *model.TransferRecord) int {
	if r.cache == nil {
		return 0
	}
	removed := 0
	for _, tenant := range []string{rec.SourceTenantID, rec.TargetTenantID} {
		n, err := r.cache.Invalidate(ctx, clubCachePattern(tenant, rec.ClubID))
		if err != nil {
			logrus.WithField("transfer_id", rec.TransferID).WithError(err).Warn("cache invalidation after rollback failed")
			continue
		}
		removed += n
	}
	return removed
}

// ErrWindowOpen is returned when an expiry fires before the rollback window has passed.
var ErrWindowOpen = errors.New("rollback window still open")

// ExpireRollbackWindow clears can_rollback on a transfer whose window has passed. It
// reports whether the flag was changed.
func (r *Roster) ExpireRollbackWindow(ctx context.Context, transferID string) (bool, error) {
	rec, err := r.datasource.GetTransfer(ctx, transferID)
	if err != nil {
		return false, err
	}
	if !rec.CanRollback || rec.RollbackExpiresAt == nil {
		return false, nil
	}
	if r.now().Before(*rec.RollbackExpiresAt) {
		return false, fmt.Errorf("%w: transfer %s until %s", ErrWindowOpen, rec.TransferID, rec.RollbackExpiresAt.Format(time.RFC3339))
	}

	if !rec.ExpireRollbackWindow(r.now()) {
		return false, nil
	}
	if err := r.saveTransition(ctx, rec, rec.Status, true, apierror.ErrRollbackConflict); err != nil {
		if apierror.HasCode(err, apierror.ErrRollbackConflict) {
			return false, nil
		}
		return false, err
	}
	logrus.WithField("transfer_id", rec.TransferID).Info("rollback window expired")
	return true, nil
}
