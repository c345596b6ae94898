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

package model

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/rosterhq/roster/internal/apierror"
)

// TransferStatus is the lifecycle state of a club transfer.
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferProcessing TransferStatus = "processing"
	TransferCompleted  TransferStatus = "completed"
	TransferFailed     TransferStatus = "failed"
	TransferRolledBack TransferStatus = "rolled_back"
)

func (s TransferStatus) Valid() bool {
	switch s {
	case TransferPending, TransferProcessing, TransferCompleted, TransferFailed, TransferRolledBack:
		return true
	}
	return false
}

// Active reports whether a transfer in this state blocks a new transfer of the same club.
func (s TransferStatus) Active() bool {
	switch s {
	case TransferPending, TransferProcessing:
		return true
	case TransferCompleted, TransferFailed, TransferRolledBack:
		return false
	}
	return false
}

// Terminal reports whether the orchestrator has finished with the transfer.
func (s TransferStatus) Terminal() bool {
	switch s {
	case TransferCompleted, TransferFailed, TransferRolledBack:
		return true
	case TransferPending, TransferProcessing:
		return false
	}
	return false
}

// RollbackState tracks an operator-triggered rollback inside the transfer metadata.
type RollbackState string

const (
	RollbackInProgress RollbackState = "in_progress"
	RollbackSucceeded  RollbackState = "completed"
	RollbackFailed     RollbackState = "failed"
)

type RollbackMetadata struct {
	State            RollbackState  `json:"state"`
	RequestedBy      string         `json:"requested_by"`
	PriorStatus      TransferStatus `json:"prior_status"`
	PriorTerminalAt  *time.Time     `json:"prior_terminal_at,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	EntriesReplayed  int            `json:"entries_replayed"`
	FailedSnapshotID string         `json:"failed_snapshot_id,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// ExternalEffect records a side effect outside local storage that rollback cannot undo.
type ExternalEffect struct {
	Step       Step   `json:"step"`
	Service    string `json:"service"`
	ResourceID string `json:"resource_id"`
}

type TransferMetadata struct {
	Reason          string                 `json:"reason,omitempty"`
	FailedStep      Step                   `json:"failed_step,omitempty"`
	RetryOf         string                 `json:"retry_of,omitempty"`
	Rollback        *RollbackMetadata      `json:"rollback,omitempty"`
	ExternalEffects []ExternalEffect       `json:"external_effects,omitempty"`
	Extra           map[string]interface{} `json:"extra,omitempty"`
}

func (m TransferMetadata) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.FailedStep, validation.By(func(value interface{}) error {
			step, _ := value.(Step)
			if step != "" && !step.Valid() {
				return fmt.Errorf("unknown step %q", step)
			}
			return nil
		})),
		validation.Field(&m.Rollback, validation.By(func(value interface{}) error {
			rb, _ := value.(*RollbackMetadata)
			if rb == nil {
				return nil
			}
			switch rb.State {
			case RollbackInProgress, RollbackSucceeded, RollbackFailed:
				return nil
			}
			return fmt.Errorf("unknown rollback state %q", rb.State)
		})),
	)
}

type TransferRecord struct {
	ID                int64            `json:"-"`
	TransferID        string           `json:"transfer_id"`
	ClubID            string           `json:"club_id"`
	SourceTenantID    string           `json:"source_tenant_id"`
	TargetTenantID    string           `json:"target_tenant_id"`
	InitiatedBy       string           `json:"initiated_by"`
	Status            TransferStatus   `json:"status"`
	CreatedAt         time.Time        `json:"created_at"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	FailedAt          *time.Time       `json:"failed_at,omitempty"`
	RolledBackAt      *time.Time       `json:"rolled_back_at,omitempty"`
	MetaData          TransferMetadata `json:"meta_data"`
	CanRollback       bool             `json:"can_rollback"`
	RollbackExpiresAt *time.Time       `json:"rollback_expires_at,omitempty"`
}

// NewTransferRecord returns a pending transfer with a fresh identity.
func NewTransferRecord(clubID, sourceTenantID, targetTenantID, initiatedBy string, now time.Time) *TransferRecord {
	return &TransferRecord{
		TransferID:     GenerateUUIDWithSuffix("transfer"),
		ClubID:         clubID,
		SourceTenantID: sourceTenantID,
		TargetTenantID: targetTenantID,
		InitiatedBy:    initiatedBy,
		Status:         TransferPending,
		CreatedAt:      now,
	}
}

func invalidTransition(t *TransferRecord, op string) error {
	return apierror.NewAPIError(apierror.ErrInvalidTransition,
		fmt.Sprintf("cannot %s transfer %s in status %s", op, t.TransferID, t.Status), nil)
}

func rollbackConflict(t *TransferRecord, reason string) error {
	return apierror.NewAPIError(apierror.ErrRollbackConflict,
		fmt.Sprintf("transfer %s cannot be rolled back: %s", t.TransferID, reason), nil)
}

// Start moves a pending transfer into processing.
func (t *TransferRecord) Start(now time.Time) error {
	if t.Status != TransferPending {
		return invalidTransition(t, "start")
	}
	t.Status = TransferProcessing
	t.StartedAt = &now
	return nil
}

// Complete finishes a processing transfer and opens the rollback window.
func (t *TransferRecord) Complete(now time.Time, window time.Duration) error {
	if t.Status != TransferProcessing {
		return invalidTransition(t, "complete")
	}
	t.Status = TransferCompleted
	t.CompletedAt = &now
	t.openRollbackWindow(now, window)
	return nil
}

// Fail marks a processing transfer failed. The rollback window opens so snapshots captured
// before the failure can still be replayed by an operator.
func (t *TransferRecord) Fail(now time.Time, step Step, reason string, window time.Duration) error {
	if t.Status != TransferProcessing {
		return invalidTransition(t, "fail")
	}
	t.Status = TransferFailed
	t.FailedAt = &now
	t.MetaData.Reason = reason
	t.MetaData.FailedStep = step
	t.openRollbackWindow(now, window)
	return nil
}

func (t *TransferRecord) openRollbackWindow(now time.Time, window time.Duration) {
	expires := now.Add(window)
	t.CanRollback = true
	t.RollbackExpiresAt = &expires
}

// CanBeRolledBack reports whether an operator rollback is currently allowed.
func (t *TransferRecord) CanBeRolledBack(now time.Time) bool {
	if !t.CanRollback || t.RollbackExpiresAt == nil || !now.Before(*t.RollbackExpiresAt) {
		return false
	}
	switch t.Status {
	case TransferCompleted, TransferFailed:
		return true
	case TransferPending, TransferProcessing, TransferRolledBack:
		return false
	}
	return false
}

func (t *TransferRecord) rollbackBlocker(now time.Time) string {
	switch {
	case t.Status != TransferCompleted && t.Status != TransferFailed:
		return fmt.Sprintf("status %s is not eligible", t.Status)
	case !t.CanRollback:
		return "rollback is no longer allowed"
	case t.RollbackExpiresAt == nil || !now.Before(*t.RollbackExpiresAt):
		return "rollback window has expired"
	}
	return ""
}

// ClaimRollback takes exclusive ownership of the rollback by clearing can_rollback.
// The status is left untouched until the replay finishes.
func (t *TransferRecord) ClaimRollback(actor string, now time.Time) error {
	if !t.CanBeRolledBack(now) {
		return rollbackConflict(t, t.rollbackBlocker(now))
	}
	prior := t.terminalAt()
	t.CanRollback = false
	t.MetaData.Rollback = &RollbackMetadata{
		State:           RollbackInProgress,
		RequestedBy:     actor,
		PriorStatus:     t.Status,
		PriorTerminalAt: prior,
		StartedAt:       now,
	}
	return nil
}

// FinishRollback marks a claimed rollback as fully replayed.
func (t *TransferRecord) FinishRollback(now time.Time, replayed int) error {
	rb := t.MetaData.Rollback
	if rb == nil || rb.State != RollbackInProgress {
		return invalidTransition(t, "finish rollback of")
	}
	if t.Status != TransferCompleted && t.Status != TransferFailed {
		return invalidTransition(t, "finish rollback of")
	}
	t.Status = TransferRolledBack
	t.RolledBackAt = &now
	t.CompletedAt = nil
	t.FailedAt = nil
	t.CanRollback = false
	rb.State = RollbackSucceeded
	rb.FinishedAt = &now
	rb.EntriesReplayed = replayed
	return nil
}

// MarkRollbackFailed records a partial replay. The status is kept so the record is
// distinguishable from a successful rollback and can_rollback stays false.
func (t *TransferRecord) MarkRollbackFailed(now time.Time, replayed int, snapshotID string, cause error) error {
	rb := t.MetaData.Rollback
	if rb == nil || rb.State != RollbackInProgress {
		return invalidTransition(t, "fail rollback of")
	}
	rb.State = RollbackFailed
	rb.FinishedAt = &now
	rb.EntriesReplayed = replayed
	rb.FailedSnapshotID = snapshotID
	if cause != nil {
		rb.Error = cause.Error()
	}
	return nil
}

// Rollback is the single-step form of ClaimRollback followed by FinishRollback.
func (t *TransferRecord) Rollback(now time.Time) error {
	if err := t.ClaimRollback("", now); err != nil {
		return err
	}
	return t.FinishRollback(now, 0)
}

// RollbackFailed reports whether an operator rollback stopped part way.
func (t *TransferRecord) RollbackFailed() bool {
	return t.MetaData.Rollback != nil && t.MetaData.Rollback.State == RollbackFailed
}

// ExpireRollbackWindow clears can_rollback once the window has passed.
func (t *TransferRecord) ExpireRollbackWindow(now time.Time) bool {
	if !t.CanRollback || t.RollbackExpiresAt == nil || now.Before(*t.RollbackExpiresAt) {
		return false
	}
	t.CanRollback = false
	return true
}

func (t *TransferRecord) terminalAt() *time.Time {
	switch t.Status {
	case TransferCompleted:
		return t.CompletedAt
	case TransferFailed:
		return t.FailedAt
	case TransferRolledBack:
		return t.RolledBackAt
	case TransferPending, TransferProcessing:
		return nil
	}
	return nil
}

// Clone returns a copy that shares no mutable state with t.
func (t *TransferRecord) Clone() *TransferRecord {
	out := *t
	if t.MetaData.Rollback != nil {
		rb := *t.MetaData.Rollback
		out.MetaData.Rollback = &rb
	}
	if t.MetaData.ExternalEffects != nil {
		out.MetaData.ExternalEffects = append([]ExternalEffect(nil), t.MetaData.ExternalEffects...)
	}
	if t.MetaData.Extra != nil {
		out.MetaData.Extra = make(map[string]interface{}, len(t.MetaData.Extra))
		for k, v := range t.MetaData.Extra {
			out.MetaData.Extra[k] = v
		}
	}
	return &out
}

func (t *TransferRecord) AddExternalEffect(step Step, service, resourceID string) {
	t.MetaData.ExternalEffects = append(t.MetaData.ExternalEffects, ExternalEffect{
		Step:       step,
		Service:    service,
		ResourceID: resourceID,
	})
}
