package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosterhq/roster/internal/apierror"
	"github.com/rosterhq/roster/model"
)

var transferRowColumns = []string{
	"transfer_id", "club_id", "source_tenant_id", "target_tenant_id", "initiated_by", "status",
	"created_at", "started_at", "completed_at", "failed_at", "rolled_back_at", "meta_data", "can_rollback", "rollback_expires_at",
}

func TestCreateTransfer_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	rec := model.NewTransferRecord("club_1", "tenant_a", "tenant_b", "admin@example.com", time.Now())

	mock.ExpectExec("INSERT INTO roster.transfers").
		WithArgs(rec.TransferID, rec.ClubID, rec.SourceTenantID, rec.TargetTenantID, rec.InitiatedBy,
			rec.Status, rec.CreatedAt, sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = ds.CreateTransfer(context.Background(), rec)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransfer_ActiveTransferExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	rec := model.NewTransferRecord("club_1", "tenant_a", "tenant_b", "admin@example.com", time.Now())

	mock.ExpectExec("INSERT INTO roster.transfers").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err = ds.CreateTransfer(context.Background(), rec)
	assert.Error(t, err)
	assert.True(t, apierror.HasCode(err, apierror.ErrValidation))
}

func TestCreateTransfer_Fail(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	rec := model.NewTransferRecord("club_1", "tenant_a", "tenant_b", "admin@example.com", time.Now())

	mock.ExpectExec("INSERT INTO roster.transfers").WillReturnError(fmt.Errorf("connection reset"))

	err = ds.CreateTransfer(context.Background(), rec)
	assert.True(t, apierror.HasCode(err, apierror.ErrPersistence))
}

func TestGetTransfer_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	createdAt := time.Now().Add(-time.Hour)
	completedAt := time.Now()
	expiresAt := completedAt.Add(72 * time.Hour)
	meta, _ := json.Marshal(model.TransferMetadata{
		ExternalEffects: []model.ExternalEffect{{Step: model.StepStripeCancellation, Service: "stripe", ResourceID: "sub_1"}},
	})

	rows := sqlmock.NewRows(transferRowColumns).
		AddRow("transfer_1", "club_1", "tenant_a", "tenant_b", "admin", "completed",
			createdAt, createdAt, completedAt, nil, nil, meta, true, expiresAt)
	mock.ExpectQuery(regexp.QuoteMeta("FROM roster.transfers WHERE transfer_id = $1")).
		WithArgs("transfer_1").
		WillReturnRows(rows)

	rec, err := ds.GetTransfer(context.Background(), "transfer_1")
	require.NoError(t, err)
	assert.Equal(t, model.TransferCompleted, rec.Status)
	assert.Nil(t, rec.FailedAt)
	require.NotNil(t, rec.CompletedAt)
	assert.True(t, rec.CanRollback)
	assert.Len(t, rec.MetaData.ExternalEffects, 1)
	assert.Equal(t, "sub_1", rec.MetaData.ExternalEffects[0].ResourceID)
}

func TestGetTransfer_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("FROM roster.transfers").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err = ds.GetTransfer(context.Background(), "missing")
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
}

func TestGetTransfer_CorruptMetadata(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	rows := sqlmock.NewRows(transferRowColumns).
		AddRow("transfer_1", "club_1", "tenant_a", "tenant_b", "admin", "failed",
			now, now, nil, now, nil, []byte(`{"failed_step":"teleport"}`), true, now)
	mock.ExpectQuery("FROM roster.transfers").WillReturnRows(rows)

	_, err = ds.GetTransfer(context.Background(), "transfer_1")
	assert.True(t, apierror.HasCode(err, apierror.ErrPersistence))
}

func TestGetActiveTransferForClub_None(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("FROM roster.transfers").WithArgs("club_1").WillReturnError(sql.ErrNoRows)

	rec, err := ds.GetActiveTransferForClub(context.Background(), "club_1")
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestGetTransfersByClub(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	rows := sqlmock.NewRows(transferRowColumns).
		AddRow("transfer_2", "club_1", "tenant_b", "tenant_c", "admin", "pending", now, nil, nil, nil, nil, []byte(`{}`), false, nil).
		AddRow("transfer_1", "club_1", "tenant_a", "tenant_b", "admin", "rolled_back", now, now, nil, nil, now, []byte(`{}`), false, now)
	mock.ExpectQuery("FROM roster.transfers").WithArgs("club_1", 20, 0).WillReturnRows(rows)

	transfers, err := ds.GetTransfersByClub(context.Background(), "club_1", 20, 0)
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	assert.Equal(t, "transfer_2", transfers[0].TransferID)
	assert.Equal(t, model.TransferRolledBack, transfers[1].Status)
}

func TestUpdateTransferState_CompareAndSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	rec := model.NewTransferRecord("club_1", "tenant_a", "tenant_b", "admin", now)
	require.NoError(t, rec.Start(now))

	mock.ExpectExec("UPDATE roster.transfers").
		WithArgs(model.TransferProcessing, rec.StartedAt, nil, nil, nil, sqlmock.AnyArg(), false, nil,
			rec.TransferID, model.TransferPending, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := ds.UpdateTransferState(context.Background(), rec, model.TransferPending, false)
	assert.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("UPDATE roster.transfers").WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = ds.UpdateTransferState(context.Background(), rec, model.TransferPending, false)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
