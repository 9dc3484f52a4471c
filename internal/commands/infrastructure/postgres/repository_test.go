package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	commands "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/domain"
)

func commandColumns() []string {
	return []string{
		"id", "device_id", "user_id", "type", "priority", "status", "parameters",
		"raw_command", "retry_count", "max_retries", "expires_at", "created_at",
		"sent_at", "delivered_at", "executed_at", "failed_at", "response", "error_message",
	}
}

func TestCommandCreate(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewCommandRepository(db)

	created := time.Date(2025, 9, 8, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO commands`).
		WithArgs("cmd-1a2b3c4d", int64(1), "user-7", "engineStop", "HIGH", "PENDING",
			[]byte(`{"reason":"theft"}`), 3, sqlmock.AnyArg(), created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Create(context.Background(), &commands.Command{
		ID:         "cmd-1a2b3c4d",
		DeviceID:   1,
		UserID:     "user-7",
		Type:       commands.TypeEngineStop,
		Priority:   commands.PriorityHigh,
		Status:     commands.StatusPending,
		Parameters: map[string]string{"reason": "theft"},
		MaxRetries: 3,
		CreatedAt:  created,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCommandGetByID(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewCommandRepository(db)

	created := time.Date(2025, 9, 8, 12, 0, 0, 0, time.UTC)
	sent := created.Add(time.Second)
	mock.ExpectQuery(`SELECT`).
		WithArgs("cmd-1a2b3c4d").
		WillReturnRows(sqlmock.NewRows(commandColumns()).AddRow(
			"cmd-1a2b3c4d", int64(1), "user-7", "engineStop", "HIGH", "SENT",
			[]byte(`{"reason":"theft"}`), "ST300CMD;907126119;02;Disable1", 1, 3,
			nil, created, sent, nil, nil, nil, nil, nil,
		))

	cmd, err := repo.GetByID(context.Background(), "cmd-1a2b3c4d")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cmd == nil {
		t.Fatalf("expected command")
	}
	if cmd.Status != commands.StatusSent {
		t.Fatalf("expected SENT, got %s", cmd.Status)
	}
	if cmd.Priority != commands.PriorityHigh {
		t.Fatalf("expected HIGH priority, got %s", cmd.Priority)
	}
	if cmd.Parameters["reason"] != "theft" {
		t.Fatalf("expected parameters decoded, got %v", cmd.Parameters)
	}
	if !cmd.SentAt.Equal(sent) {
		t.Fatalf("expected sent at %v, got %v", sent, cmd.SentAt)
	}
	if !cmd.DeliveredAt.IsZero() {
		t.Fatalf("expected zero delivered at, got %v", cmd.DeliveredAt)
	}
}

func TestCommandGetByIDMissing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewCommandRepository(db)

	mock.ExpectQuery(`SELECT`).
		WithArgs("cmd-missing").
		WillReturnRows(sqlmock.NewRows(commandColumns()))

	cmd, err := repo.GetByID(context.Background(), "cmd-missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cmd != nil {
		t.Fatalf("expected nil for missing command, got %+v", cmd)
	}
}

func TestCommandUpdate(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewCommandRepository(db)

	now := time.Date(2025, 9, 8, 12, 0, 5, 0, time.UTC)
	mock.ExpectExec(`UPDATE commands`).
		WithArgs("DELIVERED", "ST300CMD;907126119;02;Disable1", 1,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"", "", "cmd-1a2b3c4d").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Update(context.Background(), &commands.Command{
		ID:          "cmd-1a2b3c4d",
		Status:      commands.StatusDelivered,
		RawCommand:  "ST300CMD;907126119;02;Disable1",
		RetryCount:  1,
		SentAt:      now,
		DeliveredAt: now,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCommandList(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewCommandRepository(db)

	created := time.Date(2025, 9, 8, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT`).
		WithArgs(int64(1), "FAILED", sqlmock.AnyArg(), sqlmock.AnyArg(), 50).
		WillReturnRows(sqlmock.NewRows(commandColumns()).AddRow(
			"cmd-1a2b3c4d", int64(1), "user-7", "engineStop", "NORMAL", "FAILED",
			[]byte(`{}`), nil, 3, 2, nil, created, nil, nil, nil, created.Add(time.Minute),
			nil, "connection reset",
		))

	result, err := repo.List(context.Background(), commands.Filter{
		DeviceID: 1,
		Status:   commands.StatusFailed,
		Limit:    50,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 command, got %d", len(result))
	}
	if result[0].ErrorMessage != "connection reset" {
		t.Fatalf("expected error message, got %q", result[0].ErrorMessage)
	}
}
