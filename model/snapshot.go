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
	"bytes"
	"encoding/json"
	"time"
)

// OperationType describes what a step did to a row, and so how rollback compensates it.
type OperationType string

const (
	// OperationCreate means the row did not exist before the step; compensate by deleting it.
	OperationCreate OperationType = "create"
	// OperationUpdate means the row existed and changed; compensate by writing the image back.
	OperationUpdate OperationType = "update"
	// OperationDelete means the row existed and was removed; compensate by reinserting it.
	OperationDelete OperationType = "delete"
)

func (o OperationType) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// WriteIntent is the mutation a step is about to perform on a row.
type WriteIntent string

const (
	IntentCreate WriteIntent = "create"
	IntentUpdate WriteIntent = "update"
	IntentDelete WriteIntent = "delete"
)

// OperationFor derives the snapshot operation type from whether the row exists and what
// the caller intends to do with it.
func OperationFor(exists bool, intent WriteIntent) OperationType {
	if !exists {
		return OperationCreate
	}
	switch intent {
	case IntentDelete:
		return OperationDelete
	case IntentCreate, IntentUpdate:
		return OperationUpdate
	}
	return OperationUpdate
}

// RollbackSnapshotEntry is the before-image of one row, captured before it was mutated.
type RollbackSnapshotEntry struct {
	ID            int64           `json:"-"`
	SnapshotID    string          `json:"snapshot_id"`
	TransferID    string          `json:"transfer_id"`
	Step          Step            `json:"step"`
	TableName     Table           `json:"table_name"`
	RecordID      string          `json:"record_id"`
	Data          json.RawMessage `json:"data"`
	OperationType OperationType   `json:"operation_type"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Row decodes the captured image. A nil row means the record did not exist.
func (s RollbackSnapshotEntry) Row() (Record, error) {
	if len(s.Data) == 0 || string(s.Data) == "null" {
		return nil, nil
	}
	var row Record
	dec := json.NewDecoder(bytes.NewReader(s.Data))
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}
