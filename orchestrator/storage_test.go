// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStorageWithDB(db), mock
}

func TestCreateConversation(t *testing.T) {
	storage, mock := newMockStorage(t)
	mock.ExpectExec("INSERT INTO conversations").
		WithArgs(sqlmock.AnyArg(), "research thread", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	conv, err := storage.CreateConversation(context.Background(), "research thread")
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, "research thread", conv.Title)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetConversationNotFound(t *testing.T) {
	storage, mock := newMockStorage(t)
	mock.ExpectQuery("SELECT id, title, created_at, updated_at FROM conversations").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "created_at", "updated_at"}))

	_, err := storage.GetConversation(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDeleteConversationNotFound(t *testing.T) {
	storage, mock := newMockStorage(t)
	mock.ExpectExec("DELETE FROM conversations").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := storage.DeleteConversation(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestCreateRunStartsPending(t *testing.T) {
	storage, mock := newMockStorage(t)
	mock.ExpectExec("INSERT INTO collab_runs").
		WithArgs(sqlmock.AnyArg(), "conv-1", sqlmock.AnyArg(), "pipeline", string(RunPending),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	run, err := storage.CreateRun(context.Background(), "conv-1", "msg-1", "pipeline")
	require.NoError(t, err)
	assert.Equal(t, RunPending, run.Status)
	assert.Equal(t, "msg-1", run.TriggerMessageID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func runRow(id string, status RunStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "conversation_id", "trigger_message_id", "mode", "status",
		"final_output", "total_time_ms", "created_at", "updated_at",
	}).AddRow(id, "conv-1", nil, "pipeline", string(status), "", 0.0, now, now)
}

func TestUpdateRunStatusValidTransition(t *testing.T) {
	storage, mock := newMockStorage(t)
	mock.ExpectQuery("SELECT (.+) FROM collab_runs WHERE id").
		WithArgs("run-1").
		WillReturnRows(runRow("run-1", RunRunning))
	mock.ExpectExec("UPDATE collab_runs SET status").
		WithArgs("run-1", string(RunDone), "final answer", 1234.5, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := storage.UpdateRunStatus(context.Background(), "run-1", RunDone, "final answer", 1234.5)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunStatusRejectsInvalidTransition(t *testing.T) {
	storage, mock := newMockStorage(t)
	mock.ExpectQuery("SELECT (.+) FROM collab_runs WHERE id").
		WithArgs("run-1").
		WillReturnRows(runRow("run-1", RunDone))

	err := storage.UpdateRunStatus(context.Background(), "run-1", RunRunning, "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid run status transition")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunStatusRejectsPendingToDone(t *testing.T) {
	storage, mock := newMockStorage(t)
	mock.ExpectQuery("SELECT (.+) FROM collab_runs WHERE id").
		WithArgs("run-1").
		WillReturnRows(runRow("run-1", RunPending))

	err := storage.UpdateRunStatus(context.Background(), "run-1", RunDone, "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid run status transition")
}

func TestAddStepPersistsStageError(t *testing.T) {
	storage, mock := newMockStorage(t)
	mock.ExpectExec("INSERT INTO collab_steps").
		WithArgs(sqlmock.AnyArg(), "run-1", 2, "critic", string(RoleCritic), "", "",
			string(StageFailed), "", "provider outage", "server_error", "openai",
			0.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	record := StageRecord{
		Name:   "critic",
		Role:   RoleCritic,
		Status: StageFailed,
		Error:  &StageError{Message: "provider outage", Type: "server_error", Provider: "openai"},
	}
	step, err := storage.AddStep(context.Background(), "run-1", 2, record)
	require.NoError(t, err)
	assert.Equal(t, "provider outage", step.ErrorMessage)
	assert.Equal(t, "openai", step.ErrorProvider)
	assert.NoError(t, mock.ExpectationsWereMet())
}
