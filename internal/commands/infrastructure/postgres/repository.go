package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	commands "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/domain"
)

// CommandRepository is a Postgres implementation of commands.CommandRepository.
type CommandRepository struct {
	db *sql.DB
}

// NewCommandRepository constructs a repository.
func NewCommandRepository(db *sql.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

// Create inserts a command.
func (r *CommandRepository) Create(ctx context.Context, cmd *commands.Command) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	if cmd == nil {
		return errors.New("command repo: nil command")
	}
	params, err := encodeParameters(cmd.Parameters)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO commands (
	id, device_id, user_id, type, priority, status, parameters,
	max_retries, expires_at, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)`, cmd.ID, cmd.DeviceID, cmd.UserID, cmd.Type, cmd.Priority.String(), cmd.Status, params,
		cmd.MaxRetries, nullTime(cmd.ExpiresAt), cmd.CreatedAt)
	return err
}

// GetByID fetches a command by id. Returns (nil, nil) when absent.
func (r *CommandRepository) GetByID(ctx context.Context, id string) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, device_id, user_id, type, priority, status, parameters, raw_command,
	retry_count, max_retries, expires_at, created_at, sent_at, delivered_at,
	executed_at, failed_at, response, error_message
FROM commands
WHERE id = $1
LIMIT 1`, id)
	return scanCommand(row)
}

// Update persists the mutable delivery fields of a command.
func (r *CommandRepository) Update(ctx context.Context, cmd *commands.Command) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	if cmd == nil {
		return errors.New("command repo: nil command")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE commands
SET status = $1, raw_command = $2, retry_count = $3, sent_at = $4, delivered_at = $5,
	executed_at = $6, failed_at = $7, response = $8, error_message = $9
WHERE id = $10`, cmd.Status, cmd.RawCommand, cmd.RetryCount, nullTime(cmd.SentAt), nullTime(cmd.DeliveredAt),
		nullTime(cmd.ExecutedAt), nullTime(cmd.FailedAt), cmd.Response, cmd.ErrorMessage, cmd.ID)
	return err
}

// List returns commands matching the filter, newest first.
func (r *CommandRepository) List(ctx context.Context, filter commands.Filter) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	query := `
SELECT id, device_id, user_id, type, priority, status, parameters, raw_command,
	retry_count, max_retries, expires_at, created_at, sent_at, delivered_at,
	executed_at, failed_at, response, error_message
FROM commands
WHERE ($1 = 0 OR device_id = $1)
  AND ($2 = '' OR status = $2)
  AND ($3::timestamptz IS NULL OR created_at >= $3)
  AND ($4::timestamptz IS NULL OR created_at < $4)
ORDER BY created_at DESC
LIMIT $5`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, query,
		filter.DeviceID, string(filter.Status), nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []commands.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*commands.Command, error) {
	var cmd commands.Command
	var priority string
	var params []byte
	var rawCommand sql.NullString
	var expiresAt, sentAt, deliveredAt, executedAt, failedAt sql.NullTime
	var response, errMsg sql.NullString
	if err := row.Scan(
		&cmd.ID,
		&cmd.DeviceID,
		&cmd.UserID,
		&cmd.Type,
		&priority,
		&cmd.Status,
		&params,
		&rawCommand,
		&cmd.RetryCount,
		&cmd.MaxRetries,
		&expiresAt,
		&cmd.CreatedAt,
		&sentAt,
		&deliveredAt,
		&executedAt,
		&failedAt,
		&response,
		&errMsg,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cmd.Priority = commands.ParsePriority(priority)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cmd.Parameters); err != nil {
			return nil, err
		}
	}
	cmd.RawCommand = rawCommand.String
	cmd.Response = response.String
	cmd.ErrorMessage = errMsg.String
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	if expiresAt.Valid {
		cmd.ExpiresAt = expiresAt.Time.UTC()
	}
	if sentAt.Valid {
		cmd.SentAt = sentAt.Time.UTC()
	}
	if deliveredAt.Valid {
		cmd.DeliveredAt = deliveredAt.Time.UTC()
	}
	if executedAt.Valid {
		cmd.ExecutedAt = executedAt.Time.UTC()
	}
	if failedAt.Valid {
		cmd.FailedAt = failedAt.Time.UTC()
	}
	return &cmd, nil
}

func encodeParameters(params map[string]string) ([]byte, error) {
	if len(params) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(params)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
