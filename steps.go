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

	"github.com/sirupsen/logrus"

	"github.com/rosterhq/roster/internal/apierror"
	"github.com/rosterhq/roster/internal/media"
	"github.com/rosterhq/roster/internal/payments"
	"github.com/rosterhq/roster/model"
)

const subscriptionCancelled = "cancelled"

// stepRun is the state handed to one step body.
type stepRun struct {
	r       *Roster
	rec     *model.TransferRecord
	step    model.Step
	store   *capturingStore
	log     *stepLogger
	started time.Time
}

type stepOutcome struct {
	message string
	data    map[string]interface{}
	skipped bool
}

type stepFunc func(ctx context.Context, run *stepRun) (stepOutcome, error)

func (r *Roster) stepBody(step model.Step) (stepFunc, bool) {
	switch step {
	case model.StepValidation:
		return r.validateTransfer, false
	case model.StepStripeCancellation:
		return r.cancelSubscriptions, true
	case model.StepMembershipRemoval:
		return r.removeMemberships, true
	case model.StepMediaMigration:
		return r.migrateMedia, true
	case model.StepClubUpdate:
		return r.moveClub, true
	case model.StepRelatedRecordsUpdate:
		return r.moveRelatedRecords, true
	case model.StepCacheClear:
		return r.clearCaches, false
	}
	return nil, false
}

// persistenceError classifies a local write failure that did not come with a code.
func persistenceError(err error, message string) error {
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return apierror.NewAPIError(apierror.ErrPersistence, message, err)
}

// runStep executes one pipeline step and writes its outcome to the audit trail. Steps that
// mutate local rows get a capturing store, and a rollback_snapshot entry summarising what
// was captured is written even when the step fails part way.
func (r *Roster) runStep(ctx context.Context, rec *model.TransferRecord, log *stepLogger, snapshots *SnapshotStore, step model.Step) error {
	body, mutates := r.stepBody(step)
	if body == nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("no body for step %s", step), nil)
	}

	ctx, span := tracer.Start(ctx, fmt.Sprintf("Step %s", step))
	defer span.End()

	run := &stepRun{r: r, rec: rec, step: step, log: log, started: r.now()}
	if mutates {
		run.store = newCapturingStore(r.datasource, snapshots, rec.TransferID, step)
	}

	out, err := body(ctx, run)
	if run.store != nil && len(run.store.captured) > 0 {
		message := fmt.Sprintf("captured %d rollback snapshots for %s", len(run.store.captured), step)
		if _, logErr := log.record(ctx, model.StepRollbackSnapshot, model.StepCompleted, message, run.store.summary(), 0); logErr != nil && err == nil {
			err = persistenceError(logErr, "failed to record snapshot summary")
		}
	}

	if err != nil {
		span.RecordError(err)
		var logged *attemptsLogged
		if !errors.As(err, &logged) {
			if _, logErr := log.record(ctx, step, model.StepFailed, err.Error(), errorData(err, out.data), run.elapsed()); logErr != nil {
				logrus.WithField("transfer_id", rec.TransferID).WithError(logErr).Error("failure audit entry lost")
			}
		}
		return err
	}

	status := model.StepCompleted
	if out.skipped {
		status = model.StepSkipped
	}
	if _, err := log.record(ctx, step, status, out.message, out.data, run.elapsed()); err != nil {
		return persistenceError(err, "failed to record step log")
	}

	logrus.WithFields(logrus.Fields{
		"transfer_id": rec.TransferID,
		"step":        step,
		"status":      status,
	}).Info(out.message)
	return nil
}

func (r *Roster) validateTransfer(ctx context.Context, run *stepRun) (stepOutcome, error) {
	rec := run.rec
	data := map[string]interface{}{
		"club_id":          rec.ClubID,
		"source_tenant_id": rec.SourceTenantID,
		"target_tenant_id": rec.TargetTenantID,
	}

	if rec.SourceTenantID == rec.TargetTenantID {
		return stepOutcome{data: data}, apierror.NewAPIError(apierror.ErrValidation, "source and target tenant are the same", nil)
	}

	club, ok, err := r.datasource.GetRecord(ctx, model.TableClubs, rec.ClubID)
	if err != nil {
		return stepOutcome{data: data}, persistenceError(err, "failed to read club")
	}
	if !ok {
		return stepOutcome{data: data}, apierror.NewAPIError(apierror.ErrValidation, fmt.Sprintf("club %s does not exist", rec.ClubID), nil)
	}
	if owner := club.String("tenant_id"); owner != rec.SourceTenantID {
		data["club_tenant_id"] = owner
		return stepOutcome{data: data}, apierror.NewAPIError(apierror.ErrValidation,
			fmt.Sprintf("club %s belongs to tenant %s, not %s", rec.ClubID, owner, rec.SourceTenantID), nil)
	}

	_, ok, err = r.datasource.GetRecord(ctx, model.TableTenants, rec.TargetTenantID)
	if err != nil {
		return stepOutcome{data: data}, persistenceError(err, "failed to read target tenant")
	}
	if !ok {
		return stepOutcome{data: data}, apierror.NewAPIError(apierror.ErrValidation,
			fmt.Sprintf("target tenant %s does not exist", rec.TargetTenantID), nil)
	}

	return stepOutcome{message: "transfer request validated", data: data}, nil
}

// cancelSubscriptions cancels each live subscription at the provider before marking it
// cancelled locally. The row is captured ahead of the provider call.
func (r *Roster) cancelSubscriptions(ctx context.Context, run *stepRun) (stepOutcome, error) {
	rec := run.rec
	subs, err := run.store.List(ctx, model.TableSubscriptions, rec.ClubID, rec.SourceTenantID)
	if err != nil {
		return stepOutcome{}, persistenceError(err, "failed to list subscriptions")
	}

	var cancelled []string
	for _, sub := range subs {
		if sub.String("status") == subscriptionCancelled {
			continue
		}
		id := sub.String("id")
		data := map[string]interface{}{"subscription_id": id}
		if err := run.store.Capture(ctx, model.TableSubscriptions, id, model.IntentUpdate); err != nil {
			return stepOutcome{data: data}, err
		}

		if stripeID := sub.String("stripe_subscription_id"); stripeID != "" {
			data["stripe_subscription_id"] = stripeID
			err := r.retry(ctx, run, "cancel subscription "+stripeID, data, func(ctx context.Context) error {
				return r.payments.CancelSubscription(ctx, stripeID)
			})
			if err != nil {
				return stepOutcome{data: data}, err
			}
			if err := r.recordExternalEffect(ctx, rec, run.step, payments.ServiceStripe, stripeID); err != nil {
				return stepOutcome{data: data}, err
			}
		}

		if err := run.store.Update(ctx, model.TableSubscriptions, id, model.Record{
			"status":       subscriptionCancelled,
			"cancelled_at": r.now(),
		}); err != nil {
			return stepOutcome{data: data}, persistenceError(err, "failed to mark subscription cancelled")
		}
		cancelled = append(cancelled, id)
	}

	if len(cancelled) == 0 {
		return stepOutcome{message: "no live subscriptions to cancel", skipped: true}, nil
	}
	return stepOutcome{
		message: fmt.Sprintf("cancelled %d subscriptions", len(cancelled)),
		data:    map[string]interface{}{"subscription_ids": cancelled},
	}, nil
}

func (r *Roster) removeMemberships(ctx context.Context, run *stepRun) (stepOutcome, error) {
	rec := run.rec
	members, err := run.store.List(ctx, model.TableMemberships, rec.ClubID, rec.SourceTenantID)
	if err != nil {
		return stepOutcome{}, persistenceError(err, "failed to list memberships")
	}
	if len(members) == 0 {
		return stepOutcome{message: "no memberships in source tenant", skipped: true}, nil
	}

	removed := make([]string, 0, len(members))
	for _, m := range members {
		id := m.String("id")
		if err := run.store.Delete(ctx, model.TableMemberships, id); err != nil {
			return stepOutcome{data: map[string]interface{}{"membership_id": id}}, persistenceError(err, "failed to remove membership")
		}
		removed = append(removed, id)
	}
	return stepOutcome{
		message: fmt.Sprintf("removed %d memberships", len(removed)),
		data:    map[string]interface{}{"membership_ids": removed},
	}, nil
}

func (r *Roster) migrateMedia(ctx context.Context, run *stepRun) (stepOutcome, error) {
	rec := run.rec
	assets, err := run.store.List(ctx, model.TableMediaAssets, rec.ClubID, rec.SourceTenantID)
	if err != nil {
		return stepOutcome{}, persistenceError(err, "failed to list media assets")
	}
	if len(assets) == 0 {
		return stepOutcome{message: "no media to migrate", skipped: true}, nil
	}

	moved := make(map[string]interface{}, len(assets))
	for _, asset := range assets {
		id := asset.String("id")
		key := asset.String("storage_key")
		data := map[string]interface{}{"media_id": id, "storage_key": key}
		if err := run.store.Capture(ctx, model.TableMediaAssets, id, model.IntentUpdate); err != nil {
			return stepOutcome{data: data}, err
		}

		var newKey string
		err := r.retry(ctx, run, "move media "+id, data, func(ctx context.Context) error {
			var err error
			newKey, err = r.media.MoveMedia(ctx, key, rec.SourceTenantID, rec.TargetTenantID)
			return err
		})
		if err != nil {
			return stepOutcome{data: data}, err
		}
		// An S3 copy leaves an object under the target prefix that rollback does not remove.
		if _, copied := r.media.(*media.S3Mover); copied && newKey != key {
			if err := r.recordExternalEffect(ctx, rec, run.step, media.ServiceS3, newKey); err != nil {
				return stepOutcome{data: data}, err
			}
		}

		if err := run.store.Update(ctx, model.TableMediaAssets, id, model.Record{
			"tenant_id":   rec.TargetTenantID,
			"storage_key": newKey,
		}); err != nil {
			return stepOutcome{data: data}, persistenceError(err, "failed to update media asset")
		}
		moved[id] = newKey
	}
	return stepOutcome{
		message: fmt.Sprintf("migrated %d media assets", len(moved)),
		data:    map[string]interface{}{"storage_keys": moved},
	}, nil
}

func (r *Roster) moveClub(ctx context.Context, run *stepRun) (stepOutcome, error) {
	rec := run.rec
	if err := run.store.Update(ctx, model.TableClubs, rec.ClubID, model.Record{
		"tenant_id":  rec.TargetTenantID,
		"updated_at": r.now(),
	}); err != nil {
		return stepOutcome{data: map[string]interface{}{"club_id": rec.ClubID}}, persistenceError(err, "failed to update club")
	}
	return stepOutcome{
		message: fmt.Sprintf("club moved to tenant %s", rec.TargetTenantID),
		data:    map[string]interface{}{"club_id": rec.ClubID, "tenant_id": rec.TargetTenantID},
	}, nil
}

func (r *Roster) moveRelatedRecords(ctx context.Context, run *stepRun) (stepOutcome, error) {
	rec := run.rec
	counts := make(map[string]interface{}, len(model.RelatedTables))
	total := 0
	for _, table := range model.RelatedTables {
		rows, err := run.store.List(ctx, table, rec.ClubID, rec.SourceTenantID)
		if err != nil {
			return stepOutcome{data: counts}, persistenceError(err, fmt.Sprintf("failed to list %s", table))
		}
		for _, row := range rows {
			id := row.String("id")
			if err := run.store.Update(ctx, table, id, model.Record{"tenant_id": rec.TargetTenantID}); err != nil {
				counts["record_id"] = id
				return stepOutcome{data: counts}, persistenceError(err, fmt.Sprintf("failed to update %s", table))
			}
		}
		counts[string(table)] = len(rows)
		total += len(rows)
	}

	if total == 0 {
		return stepOutcome{message: "no related records to move", data: counts, skipped: true}, nil
	}
	return stepOutcome{message: fmt.Sprintf("moved %d related records", total), data: counts}, nil
}

func (r *Roster) clearCaches(ctx context.Context, run *stepRun) (stepOutcome, error) {
	rec := run.rec
	patterns := []string{
		clubCachePattern(rec.SourceTenantID, rec.ClubID),
		clubCachePattern(rec.TargetTenantID, rec.ClubID),
	}
	data := map[string]interface{}{"patterns": patterns}
	if r.cache == nil {
		return stepOutcome{message: "no cache configured", data: data, skipped: true}, nil
	}

	removed := 0
	err := r.retry(ctx, run, "invalidate club cache", data, func(ctx context.Context) error {
		removed = 0
		for _, pattern := range patterns {
			n, err := r.cache.Invalidate(ctx, pattern)
			if err != nil {
				return apierror.NewAPIError(apierror.ErrExternalService, "cache invalidation failed", err)
			}
			removed += n
		}
		return nil
	})
	if err != nil {
		return stepOutcome{data: data}, err
	}
	data["removed"] = removed
	return stepOutcome{message: fmt.Sprintf("invalidated %d cache keys", removed), data: data}, nil
}

// recordExternalEffect notes a side effect rollback cannot undo and persists it right away,
// so it survives even if a later step fails.
func (r *Roster) recordExternalEffect(ctx context.Context, rec *model.TransferRecord, step model.Step, service, resourceID string) error {
	rec.AddExternalEffect(step, service, resourceID)
	if err := r.saveTransition(ctx, rec, model.TransferProcessing, false, apierror.ErrInvalidTransition); err != nil {
		return persistenceError(err, "failed to record external effect")
	}
	return nil
}
