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
	"time"

	"github.com/cenkalti/backoff/v4"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/rosterhq/roster/internal/apierror"
	"github.com/rosterhq/roster/internal/cache"
	redlock "github.com/rosterhq/roster/internal/lock"
	"github.com/rosterhq/roster/internal/notification"
	"github.com/rosterhq/roster/model"
)

var tracer = otel.Tracer("roster.transfer")

// ErrClubBusy is the cause of errors refusing work on a club that another operation holds.
var ErrClubBusy = errors.New("club is busy")

const (
	transferCacheTTL = 5 * time.Minute
	historyPageLimit = 100
)

// InitiateRequest asks for a club to move from one tenant to another.
type InitiateRequest struct {
	ClubID         string                 `json:"club_id"`
	SourceTenantID string                 `json:"source_tenant_id"`
	TargetTenantID string                 `json:"target_tenant_id"`
	InitiatedBy    string                 `json:"initiated_by"`
	RetryOf        string                 `json:"retry_of,omitempty"`
	MetaData       map[string]interface{} `json:"meta_data,omitempty"`
}

func (req InitiateRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.ClubID, validation.Required),
		validation.Field(&req.SourceTenantID, validation.Required),
		validation.Field(&req.TargetTenantID, validation.Required,
			validation.NotIn(req.SourceTenantID).Error("must differ from source_tenant_id")),
		validation.Field(&req.InitiatedBy, validation.Required),
	)
}

func transferCacheKey(id string) string {
	return fmt.Sprintf("transfer:%s", id)
}

func clubCachePattern(tenantID, clubID string) string {
	return fmt.Sprintf("tenant:%s:club:%s*", tenantID, clubID)
}

// cacheable reports whether rec can no longer change, so a cached copy never goes stale.
func cacheable(rec *model.TransferRecord) bool {
	if rec.Status.Active() || rec.CanRollback {
		return false
	}
	return rec.MetaData.Rollback == nil || rec.MetaData.Rollback.State != model.RollbackInProgress
}

// InitiateTransfer records a pending transfer and schedules its run. Only one initiation
// per club proceeds at a time, and a club with a pending or processing transfer is refused.
func (r *Roster) InitiateTransfer(ctx context.Context, req InitiateRequest) (*model.TransferRecord, error) {
	ctx, span := tracer.Start(ctx, "Initiating transfer")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrValidation, "invalid transfer request", err)
	}

	locker, err := r.lockClub(ctx, req.ClubID, false, apierror.ErrValidation)
	if err != nil {
		return nil, err
	}
	defer r.unlockClub(locker)

	active, err := r.datasource.GetActiveTransferForClub(ctx, req.ClubID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, apierror.NewAPIError(apierror.ErrValidation,
			fmt.Sprintf("club %s already has transfer %s in status %s", req.ClubID, active.TransferID, active.Status), ErrClubBusy)
	}

	if req.RetryOf != "" {
		if err := r.validateRetryOf(ctx, req); err != nil {
			return nil, err
		}
	}

	rec := model.NewTransferRecord(req.ClubID, req.SourceTenantID, req.TargetTenantID, req.InitiatedBy, r.now())
	rec.MetaData.RetryOf = req.RetryOf
	rec.MetaData.Extra = req.MetaData
	if err := r.datasource.CreateTransfer(ctx, rec); err != nil {
		span.RecordError(err)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"transfer_id": rec.TransferID,
		"club_id":     rec.ClubID,
		"source":      rec.SourceTenantID,
		"target":      rec.TargetTenantID,
	}).Info("transfer initiated")

	if r.queue != nil {
		if err := r.queue.EnqueueTransferRun(ctx, rec.TransferID); err != nil {
			// The record stays pending and can be re-driven through the run endpoint.
			logrus.WithField("transfer_id", rec.TransferID).WithError(err).Error("failed to enqueue transfer run")
		}
	}
	return rec, nil
}

func (r *Roster) validateRetryOf(ctx context.Context, req InitiateRequest) error {
	prior, err := r.datasource.GetTransfer(ctx, req.RetryOf)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			return apierror.NewAPIError(apierror.ErrValidation, fmt.Sprintf("retry_of transfer %s does not exist", req.RetryOf), nil)
		}
		return err
	}
	if prior.ClubID != req.ClubID {
		return apierror.NewAPIError(apierror.ErrValidation,
			fmt.Sprintf("retry_of transfer %s belongs to club %s", prior.TransferID, prior.ClubID), nil)
	}
	if prior.Status != model.TransferFailed && prior.Status != model.TransferRolledBack {
		return apierror.NewAPIError(apierror.ErrValidation,
			fmt.Sprintf("retry_of transfer %s is %s; only failed or rolled back transfers can be retried", prior.TransferID, prior.Status), nil)
	}
	return nil
}

// lockClub takes the club lock. wait makes it poll for up to the lock timeout instead of
// failing right away; contention is reported with heldCode.
func (r *Roster) lockClub(ctx context.Context, clubID string, wait bool, heldCode apierror.ErrorCode) (*redlock.Locker, error) {
	locker := redlock.NewLocker(r.redis, redlock.ClubKey(clubID), model.GenerateUUIDWithSuffix("loc"))
	var err error
	if wait {
		err = locker.WaitLock(ctx, r.cnf.LockTimeout(), r.cnf.LockTimeout())
	} else {
		err = locker.Lock(ctx, r.cnf.LockTimeout())
	}
	if err == nil {
		return locker, nil
	}
	if errors.Is(err, redlock.ErrLockHeld) {
		return nil, apierror.NewAPIError(heldCode,
			fmt.Sprintf("another operation on club %s is in progress", clubID), ErrClubBusy)
	}
	return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to acquire club lock", err)
}

func (r *Roster) unlockClub(locker *redlock.Locker) {
	if err := locker.Unlock(context.Background()); err != nil {
		logrus.WithField("key", locker.Key()).WithError(err).Warn("failed to release club lock")
	}
}

// RunTransfer executes the pipeline of a pending transfer. It returns the final record;
// on failure the error is the step's error and the record is in status failed. Once the
// record is processing the run ignores cancellation of ctx.
func (r *Roster) RunTransfer(ctx context.Context, transferID string) (*model.TransferRecord, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "Running transfer")
	defer span.End()

	rec, err := r.datasource.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if err := rec.Start(r.now()); err != nil {
		return rec, err
	}
	if err := r.saveTransition(ctx, rec, model.TransferPending, false, apierror.ErrInvalidTransition); err != nil {
		return nil, err
	}

	log, err := r.newStepLogger(ctx, rec.TransferID)
	if err != nil {
		return rec, r.failTransfer(ctx, rec, model.StepValidation, err)
	}

	snapshots := NewSnapshotStore(r.datasource, r.now)
	for _, step := range model.Pipeline {
		if step == model.StepCompletion {
			break
		}
		if err := r.runStep(ctx, rec, log, snapshots, step); err != nil {
			span.RecordError(err)
			return rec, r.failTransfer(ctx, rec, step, err)
		}
	}

	if err := r.complete(ctx, rec, log); err != nil {
		span.RecordError(err)
		return rec, err
	}
	return rec, nil
}

func (r *Roster) complete(ctx context.Context, rec *model.TransferRecord, log *stepLogger) error {
	started := r.now()
	processing := rec.Clone()
	if err := rec.Complete(r.now(), r.cnf.RollbackWindow()); err != nil {
		return r.failTransfer(ctx, rec, model.StepCompletion, err)
	}
	if err := r.persistTerminal(ctx, rec, model.TransferProcessing, false, apierror.ErrInvalidTransition); err != nil {
		*rec = *processing
		cause := persistenceError(err, "failed to record transfer completion")
		if _, logErr := log.record(ctx, model.StepCompletion, model.StepFailed, cause.Error(), errorData(cause, nil), r.now().Sub(started)); logErr != nil {
			logrus.WithField("transfer_id", rec.TransferID).WithError(logErr).Error("completion failure entry lost")
		}
		return r.failTransfer(ctx, rec, model.StepCompletion, cause)
	}

	data := map[string]interface{}{
		"rollback_expires_at": rec.RollbackExpiresAt.Format(time.RFC3339Nano),
		"external_effects":    len(rec.MetaData.ExternalEffects),
	}
	if _, err := log.record(ctx, model.StepCompletion, model.StepCompleted, "transfer completed", data, r.now().Sub(started)); err != nil {
		logrus.WithField("transfer_id", rec.TransferID).WithError(err).Error("completion audit entry lost")
	}

	if r.queue != nil {
		if err := r.queue.EnqueueRollbackExpiry(ctx, rec.TransferID, *rec.RollbackExpiresAt); err != nil {
			logrus.WithField("transfer_id", rec.TransferID).WithError(err).Warn("failed to schedule rollback expiry")
		}
	}

	logrus.WithFields(logrus.Fields{
		"transfer_id": rec.TransferID,
		"club_id":     rec.ClubID,
	}).Info("transfer completed")
	return nil
}

// failTransfer records the terminal failure of a run and returns the step error.
func (r *Roster) failTransfer(ctx context.Context, rec *model.TransferRecord, step model.Step, cause error) error {
	reason := cause.Error()
	var logged *attemptsLogged
	if errors.As(cause, &logged) {
		cause = logged.err
		reason = cause.Error()
	}

	processing := rec.Clone()
	if err := rec.Fail(r.now(), step, reason, r.cnf.RollbackWindow()); err != nil {
		return pkgerrors.Wrapf(cause, "transfer %s could not be marked failed: %v", rec.TransferID, err)
	}
	if err := r.persistTerminal(ctx, rec, model.TransferProcessing, false, apierror.ErrInvalidTransition); err != nil {
		// The stored row is still processing; report that rather than a status never saved.
		*rec = *processing
		r.alert(rec, notification.EventTransferFailed, step, fmt.Sprintf("%s (failure not persisted: %v)", reason, err))
		return pkgerrors.Wrapf(cause, "transfer %s failure not persisted: %v", rec.TransferID, err)
	}

	if r.queue != nil {
		if err := r.queue.EnqueueRollbackExpiry(ctx, rec.TransferID, *rec.RollbackExpiresAt); err != nil {
			logrus.WithField("transfer_id", rec.TransferID).WithError(err).Warn("failed to schedule rollback expiry")
		}
	}
	r.alert(rec, notification.EventTransferFailed, step, reason)
	return cause
}

func (r *Roster) alert(rec *model.TransferRecord, event string, step model.Step, reason string) {
	if r.alerts == nil {
		return
	}
	r.alerts.NotifyAsync(notification.Alert{
		Event:      event,
		TransferID: rec.TransferID,
		ClubID:     rec.ClubID,
		Step:       string(step),
		Error:      reason,
		Time:       r.now(),
	})
}

// persistTerminal saves a transition that ends a run or a rollback, retrying transient
// store failures with the step backoff policy. A lost compare-and-set whose stored row
// already carries the new state counts as saved, since an earlier attempt may have landed.
func (r *Roster) persistTerminal(ctx context.Context, rec *model.TransferRecord, prevStatus model.TransferStatus, prevCan bool, conflictCode apierror.ErrorCode) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := r.saveTransition(ctx, rec, prevStatus, prevCan, conflictCode)
		if err == nil {
			return nil
		}
		if apierror.HasCode(err, conflictCode) {
			stored, getErr := r.datasource.GetTransfer(ctx, rec.TransferID)
			if getErr == nil && stored.Status == rec.Status && stored.CanRollback == rec.CanRollback {
				r.forgetTransfer(ctx, rec.TransferID)
				return nil
			}
			return backoff.Permanent(err)
		}
		logrus.WithFields(logrus.Fields{
			"transfer_id": rec.TransferID,
			"status":      rec.Status,
			"attempt":     attempt,
		}).WithError(err).Warn("transfer state not persisted")
		return err
	}, backoff.WithContext(r.retryPolicy(), ctx))
}

// saveTransition persists rec if the stored row still has prevStatus and prevCan. Losing
// the race is reported with conflictCode.
func (r *Roster) saveTransition(ctx context.Context, rec *model.TransferRecord, prevStatus model.TransferStatus, prevCan bool, conflictCode apierror.ErrorCode) error {
	ok, err := r.datasource.UpdateTransferState(ctx, rec, prevStatus, prevCan)
	if err != nil {
		return err
	}
	if !ok {
		return apierror.NewAPIError(conflictCode,
			fmt.Sprintf("transfer %s was changed by another actor", rec.TransferID), nil)
	}
	r.forgetTransfer(ctx, rec.TransferID)
	return nil
}

func (r *Roster) forgetTransfer(ctx context.Context, transferID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, transferCacheKey(transferID)); err != nil {
		logrus.WithField("transfer_id", transferID).WithError(err).Warn("failed to evict cached transfer")
	}
}

// GetTransfer reads a transfer, serving settled records from the cache.
func (r *Roster) GetTransfer(ctx context.Context, transferID string) (*model.TransferRecord, error) {
	ctx, span := tracer.Start(ctx, "Fetching transfer")
	defer span.End()

	if r.cache != nil {
		var cached model.TransferRecord
		err := r.cache.Get(ctx, transferCacheKey(transferID), &cached)
		if err == nil && cached.TransferID == transferID {
			return &cached, nil
		}
		if err != nil && !errors.Is(err, cache.ErrMiss) {
			logrus.WithField("transfer_id", transferID).WithError(err).Warn("transfer cache read failed")
		}
	}

	rec, err := r.datasource.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if r.cache != nil && cacheable(rec) {
		if err := r.cache.Set(ctx, transferCacheKey(transferID), rec, transferCacheTTL); err != nil {
			logrus.WithField("transfer_id", transferID).WithError(err).Warn("failed to cache transfer")
		}
	}
	return rec, nil
}

func (r *Roster) GetStepLogs(ctx context.Context, transferID string) ([]*model.StepLogEntry, error) {
	if _, err := r.datasource.GetTransfer(ctx, transferID); err != nil {
		return nil, err
	}
	return r.datasource.GetStepLogs(ctx, transferID)
}

// GetSnapshots lists the rollback snapshots of a transfer, newest first unless oldestFirst.
func (r *Roster) GetSnapshots(ctx context.Context, transferID string, oldestFirst bool) ([]*model.RollbackSnapshotEntry, error) {
	if _, err := r.datasource.GetTransfer(ctx, transferID); err != nil {
		return nil, err
	}
	return r.datasource.GetSnapshots(ctx, transferID, !oldestFirst)
}

func (r *Roster) GetClubTransfers(ctx context.Context, clubID string, limit, offset int) ([]*model.TransferRecord, error) {
	if limit <= 0 || limit > historyPageLimit {
		limit = historyPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return r.datasource.GetTransfersByClub(ctx, clubID, limit, offset)
}
