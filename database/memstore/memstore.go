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

// Package memstore is an in-memory implementation of database.IDataSource. It keeps the
// same contracts as the Postgres datasource, including the compare-and-set on transfer
// state and the one-active-transfer-per-club constraint, and lets tests inject write faults.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rosterhq/roster/internal/apierror"
	"github.com/rosterhq/roster/model"
)

type Op string

const (
	OpGet    Op = "get"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpList   Op = "list"

	// OpTransition matches UpdateTransferState calls by the status being written.
	OpTransition Op = "transition"
)

const transfersTable model.Table = "transfers"

type fault struct {
	op        Op
	table     model.Table
	recordID  string
	err       error
	remaining int
}

func (f *fault) matches(op Op, table model.Table, id string) bool {
	if f.remaining == 0 || f.op != op || f.table != table {
		return false
	}
	return f.recordID == "" || f.recordID == id
}

type Store struct {
	mu        sync.Mutex
	seq       int64
	transfers map[string]*model.TransferRecord
	stepLogs  []*model.StepLogEntry
	snapshots []*model.RollbackSnapshotEntry
	tables    map[model.Table]map[string]model.Record
	faults    []*fault
}

func New() *Store {
	return &Store{
		transfers: make(map[string]*model.TransferRecord),
		tables:    make(map[model.Table]map[string]model.Record),
	}
}

// Seed inserts rows directly, bypassing faults. Each row must carry an "id".
func (s *Store) Seed(table model.Table, rows ...model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.table(table)[row.String("id")] = normalize(table, row)
	}
}

// FailOn makes the next times matching operations on table return err. An empty recordID
// matches any row. A negative times never runs out.
func (s *Store) FailOn(op Op, table model.Table, recordID string, times int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{op: op, table: table, recordID: recordID, err: err, remaining: times})
}

// FailTransition makes the next times UpdateTransferState calls that write status to
// return err without storing anything. A negative times never runs out.
func (s *Store) FailTransition(to model.TransferStatus, times int, err error) {
	s.FailOn(OpTransition, transfersTable, string(to), times, err)
}

// ClearFaults drops every injected fault.
func (s *Store) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// Dump returns a deep copy of every row, keyed by table and id.
func (s *Store) Dump() map[model.Table]map[string]model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.Table]map[string]model.Record, len(s.tables))
	for table, rows := range s.tables {
		if len(rows) == 0 {
			continue
		}
		copied := make(map[string]model.Record, len(rows))
		for id, row := range rows {
			copied[id] = normalize(table, row)
		}
		out[table] = copied
	}
	return out
}

// Rows returns the rows of a table ordered by id.
func (s *Store) Rows(table model.Table) []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedRows(table, func(model.Record) bool { return true })
}

func (s *Store) table(table model.Table) map[string]model.Record {
	rows, ok := s.tables[table]
	if !ok {
		rows = make(map[string]model.Record)
		s.tables[table] = rows
	}
	return rows
}

func (s *Store) sortedRows(table model.Table, keep func(model.Record) bool) []model.Record {
	rows := s.tables[table]
	ids := make([]string, 0, len(rows))
	for id, row := range rows {
		if keep(row) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]model.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, normalize(table, rows[id]))
	}
	return out
}

func (s *Store) injected(op Op, table model.Table, id string) error {
	for _, f := range s.faults {
		if f.matches(op, table, id) {
			if f.remaining > 0 {
				f.remaining--
			}
			return f.err
		}
	}
	return nil
}

// normalize deep-copies row through JSON so stored values look exactly like values decoded
// from a snapshot image. Unknown columns are dropped and missing ones read as NULL, as they
// would from a real table.
func normalize(table model.Table, row model.Record) model.Record {
	if row == nil {
		return nil
	}
	filtered := make(model.Record, len(table.Columns()))
	for _, column := range table.Columns() {
		filtered[column] = row[column]
	}
	raw, err := json.Marshal(filtered)
	if err != nil {
		panic(fmt.Sprintf("memstore: row is not JSON encodable: %v", err))
	}
	var out model.Record
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		panic(fmt.Sprintf("memstore: row does not decode: %v", err))
	}
	return out
}

func copyTransfer(rec *model.TransferRecord) *model.TransferRecord {
	raw, err := json.Marshal(rec)
	if err != nil {
		panic(fmt.Sprintf("memstore: transfer is not JSON encodable: %v", err))
	}
	out := &model.TransferRecord{}
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("memstore: transfer does not decode: %v", err))
	}
	out.ID = rec.ID
	return out
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func (s *Store) CreateTransfer(_ context.Context, rec *model.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transfers[rec.TransferID]; ok {
		return apierror.NewAPIError(apierror.ErrPersistence, fmt.Sprintf("transfer '%s' already exists", rec.TransferID), nil)
	}
	for _, existing := range s.transfers {
		if existing.ClubID == rec.ClubID && existing.Status.Active() {
			return apierror.NewAPIError(apierror.ErrValidation, fmt.Sprintf("Club '%s' already has a transfer in progress", rec.ClubID), nil)
		}
	}
	stored := copyTransfer(rec)
	stored.ID = s.nextID()
	rec.ID = stored.ID
	s.transfers[rec.TransferID] = stored
	return nil
}

func (s *Store) GetTransfer(_ context.Context, id string) (*model.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.transfers[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transfer with ID '%s' not found", id), nil)
	}
	return copyTransfer(rec), nil
}

func (s *Store) GetActiveTransferForClub(_ context.Context, clubID string) (*model.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.transfers {
		if rec.ClubID == clubID && rec.Status.Active() {
			return copyTransfer(rec), nil
		}
	}
	return nil, nil
}

func (s *Store) GetTransfersByClub(_ context.Context, clubID string, limit, offset int) ([]*model.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*model.TransferRecord
	for _, rec := range s.transfers {
		if rec.ClubID == clubID {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	out := make([]*model.TransferRecord, len(matched))
	for i, rec := range matched {
		out[i] = copyTransfer(rec)
	}
	return out, nil
}

func (s *Store) UpdateTransferState(_ context.Context, rec *model.TransferRecord, prevStatus model.TransferStatus, prevCanRollback bool) (bool, error) {
	if err := rec.MetaData.Validate(); err != nil {
		return false, apierror.NewAPIError(apierror.ErrPersistence, "Transfer metadata is invalid", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpTransition, transfersTable, string(rec.Status)); err != nil {
		return false, err
	}
	stored, ok := s.transfers[rec.TransferID]
	if !ok || stored.Status != prevStatus || stored.CanRollback != prevCanRollback {
		return false, nil
	}
	updated := copyTransfer(rec)
	updated.ID = stored.ID
	s.transfers[rec.TransferID] = updated
	return true, nil
}

func (s *Store) RecordStepLog(_ context.Context, entry *model.StepLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	copied.ID = s.nextID()
	entry.ID = copied.ID
	s.stepLogs = append(s.stepLogs, &copied)
	return nil
}

func (s *Store) GetStepLogs(_ context.Context, transferID string) ([]*model.StepLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.StepLogEntry
	for _, entry := range s.stepLogs {
		if entry.TransferID == transferID {
			copied := *entry
			out = append(out, &copied)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) RecordSnapshot(_ context.Context, entry *model.RollbackSnapshotEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	copied.Data = append([]byte(nil), entry.Data...)
	copied.ID = s.nextID()
	entry.ID = copied.ID
	s.snapshots = append(s.snapshots, &copied)
	return nil
}

func (s *Store) GetSnapshots(_ context.Context, transferID string, newestFirst bool) ([]*model.RollbackSnapshotEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.RollbackSnapshotEntry
	for _, entry := range s.snapshots {
		if entry.TransferID == transferID {
			copied := *entry
			copied.Data = append([]byte(nil), entry.Data...)
			out = append(out, &copied)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		less := out[i].ID < out[j].ID
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			less = out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if newestFirst {
			return !less
		}
		return less
	})
	return out, nil
}

func (s *Store) GetRecord(_ context.Context, table model.Table, id string) (model.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !table.Valid() {
		return nil, false, apierror.NewAPIError(apierror.ErrPersistence, fmt.Sprintf("unknown table '%s'", table), nil)
	}
	if err := s.injected(OpGet, table, id); err != nil {
		return nil, false, err
	}
	row, ok := s.tables[table][id]
	if !ok {
		return nil, false, nil
	}
	return normalize(table, row), true, nil
}

func (s *Store) CreateRecord(_ context.Context, table model.Table, id string, data model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !table.Valid() {
		return apierror.NewAPIError(apierror.ErrPersistence, fmt.Sprintf("unknown table '%s'", table), nil)
	}
	if err := s.injected(OpCreate, table, id); err != nil {
		return err
	}
	rows := s.table(table)
	if _, ok := rows[id]; ok {
		return apierror.NewAPIError(apierror.ErrPersistence, fmt.Sprintf("%s '%s' already exists", table, id), nil)
	}
	row := data.Clone()
	if row == nil {
		row = model.Record{}
	}
	row["id"] = id
	rows[id] = normalize(table, row)
	return nil
}

func (s *Store) UpdateRecord(_ context.Context, table model.Table, id string, data model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !table.Valid() {
		return apierror.NewAPIError(apierror.ErrPersistence, fmt.Sprintf("unknown table '%s'", table), nil)
	}
	if err := s.injected(OpUpdate, table, id); err != nil {
		return err
	}
	rows := s.table(table)
	existing, ok := rows[id]
	if !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("%s '%s' not found", table, id), nil)
	}
	merged := existing.Clone()
	for k, v := range data {
		if k == "id" {
			continue
		}
		merged[k] = v
	}
	rows[id] = normalize(table, merged)
	return nil
}

func (s *Store) DeleteRecord(_ context.Context, table model.Table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !table.Valid() {
		return apierror.NewAPIError(apierror.ErrPersistence, fmt.Sprintf("unknown table '%s'", table), nil)
	}
	if err := s.injected(OpDelete, table, id); err != nil {
		return err
	}
	delete(s.table(table), id)
	return nil
}

func (s *Store) ListRecordsByClub(_ context.Context, table model.Table, clubID, tenantID string) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !table.Valid() || !table.ClubScoped() {
		return nil, apierror.NewAPIError(apierror.ErrPersistence, fmt.Sprintf("table '%s' is not club scoped", table), nil)
	}
	if err := s.injected(OpList, table, ""); err != nil {
		return nil, err
	}
	return s.sortedRows(table, func(row model.Record) bool {
		return row.String("club_id") == clubID && row.String("tenant_id") == tenantID
	}), nil
}
