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

import "time"

// Step names one stage of the transfer pipeline, or the rollback replay.
type Step string

const (
	StepValidation           Step = "validation"
	StepRollbackSnapshot     Step = "rollback_snapshot"
	StepStripeCancellation   Step = "stripe_cancellation"
	StepMembershipRemoval    Step = "membership_removal"
	StepMediaMigration       Step = "media_migration"
	StepClubUpdate           Step = "club_update"
	StepRelatedRecordsUpdate Step = "related_records_update"
	StepCacheClear           Step = "cache_clear"
	StepCompletion           Step = "completion"
	StepRollback             Step = "rollback"
)

// Pipeline is the fixed order in which the orchestrator runs transfer steps.
var Pipeline = []Step{
	StepValidation,
	StepStripeCancellation,
	StepMembershipRemoval,
	StepMediaMigration,
	StepClubUpdate,
	StepRelatedRecordsUpdate,
	StepCacheClear,
	StepCompletion,
}

func (s Step) Valid() bool {
	switch s {
	case StepValidation, StepRollbackSnapshot, StepStripeCancellation, StepMembershipRemoval,
		StepMediaMigration, StepClubUpdate, StepRelatedRecordsUpdate, StepCacheClear,
		StepCompletion, StepRollback:
		return true
	}
	return false
}

type StepStatus string

const (
	StepStarted    StepStatus = "started"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

func (s StepStatus) Valid() bool {
	switch s {
	case StepStarted, StepInProgress, StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// StepLogEntry is one immutable line of a transfer's audit trail.
type StepLogEntry struct {
	ID         int64                  `json:"-"`
	EntryID    string                 `json:"entry_id"`
	TransferID string                 `json:"transfer_id"`
	Step       Step                   `json:"step"`
	Status     StepStatus             `json:"status"`
	Message    string                 `json:"message"`
	Data       map[string]interface{} `json:"data,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
	CreatedAt  time.Time              `json:"created_at"`
}
