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
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/rosterhq/roster/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Transfer methods

func (m *MockDataSource) CreateTransfer(ctx context.Context, rec *model.TransferRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockDataSource) GetTransfer(ctx context.Context, id string) (*model.TransferRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TransferRecord), args.Error(1)
}

func (m *MockDataSource) GetActiveTransferForClub(ctx context.Context, clubID string) (*model.TransferRecord, error) {
	args := m.Called(ctx, clubID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TransferRecord), args.Error(1)
}

func (m *MockDataSource) GetTransfersByClub(ctx context.Context, clubID string, limit, offset int) ([]*model.TransferRecord, error) {
	args := m.Called(ctx, clubID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.TransferRecord), args.Error(1)
}

func (m *MockDataSource) UpdateTransferState(ctx context.Context, rec *model.TransferRecord, prevStatus model.TransferStatus, prevCanRollback bool) (bool, error) {
	args := m.Called(ctx, rec, prevStatus, prevCanRollback)
	return args.Bool(0), args.Error(1)
}

// Step log methods

func (m *MockDataSource) RecordStepLog(ctx context.Context, entry *model.StepLogEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDataSource) GetStepLogs(ctx context.Context, transferID string) ([]*model.StepLogEntry, error) {
	args := m.Called(ctx, transferID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.StepLogEntry), args.Error(1)
}

// Snapshot methods

func (m *MockDataSource) RecordSnapshot(ctx context.Context, entry *model.RollbackSnapshotEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDataSource) GetSnapshots(ctx context.Context, transferID string, newestFirst bool) ([]*model.RollbackSnapshotEntry, error) {
	args := m.Called(ctx, transferID, newestFirst)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.RollbackSnapshotEntry), args.Error(1)
}

// Record methods

func (m *MockDataSource) GetRecord(ctx context.Context, table model.Table, id string) (model.Record, bool, error) {
	args := m.Called(ctx, table, id)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(model.Record), args.Bool(1), args.Error(2)
}

func (m *MockDataSource) CreateRecord(ctx context.Context, table model.Table, id string, data model.Record) error {
	args := m.Called(ctx, table, id, data)
	return args.Error(0)
}

func (m *MockDataSource) UpdateRecord(ctx context.Context, table model.Table, id string, data model.Record) error {
	args := m.Called(ctx, table, id, data)
	return args.Error(0)
}

func (m *MockDataSource) DeleteRecord(ctx context.Context, table model.Table, id string) error {
	args := m.Called(ctx, table, id)
	return args.Error(0)
}

func (m *MockDataSource) ListRecordsByClub(ctx context.Context, table model.Table, clubID, tenantID string) ([]model.Record, error) {
	args := m.Called(ctx, table, clubID, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Record), args.Error(1)
}
