package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	positions "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/domain"
)

// PositionRepository is a Postgres implementation of
// positions.PositionRepository. Attributes are stored as a JSONB document
// keyed by the canonical attribute names.
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository constructs a repository.
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Insert stores a position and fills in its generated id.
func (r *PositionRepository) Insert(ctx context.Context, position *positions.Position) error {
	if r == nil || r.db == nil {
		return errors.New("position repo: nil db")
	}
	if position == nil {
		return errors.New("position repo: nil position")
	}
	attrs, err := encodeAttributes(position.Attributes)
	if err != nil {
		return err
	}
	return r.db.QueryRowContext(ctx, `
INSERT INTO positions (
	device_id, unknown_device_id, protocol, server_time, device_time,
	valid, latitude, longitude, altitude, speed, course, attributes
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
)
RETURNING id`,
		nullInt64(position.DeviceID), nullInt64(position.UnknownDeviceID), position.Protocol,
		position.ServerTime, position.DeviceTime, position.Valid,
		position.Latitude, position.Longitude, position.Altitude,
		position.Speed, position.Course, attrs,
	).Scan(&position.ID)
}

// ListByDevice returns a device's positions in [from, to), oldest first.
func (r *PositionRepository) ListByDevice(ctx context.Context, deviceID int64, from, to time.Time) ([]positions.Position, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("position repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, device_id, unknown_device_id, protocol, server_time, device_time,
	valid, latitude, longitude, altitude, speed, course, attributes
FROM positions
WHERE device_id = $1 AND device_time >= $2 AND device_time < $3
ORDER BY device_time ASC`, deviceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []positions.Position
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *position)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*positions.Position, error) {
	var position positions.Position
	var deviceID, unknownDeviceID sql.NullInt64
	var attrs []byte
	if err := row.Scan(
		&position.ID,
		&deviceID,
		&unknownDeviceID,
		&position.Protocol,
		&position.ServerTime,
		&position.DeviceTime,
		&position.Valid,
		&position.Latitude,
		&position.Longitude,
		&position.Altitude,
		&position.Speed,
		&position.Course,
		&attrs,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	position.DeviceID = deviceID.Int64
	position.UnknownDeviceID = unknownDeviceID.Int64
	position.ServerTime = position.ServerTime.UTC()
	position.DeviceTime = position.DeviceTime.UTC()
	if len(attrs) > 0 {
		decoded := positions.NewAttributes()
		if err := json.Unmarshal(attrs, decoded); err != nil {
			return nil, err
		}
		position.Attributes = decoded
	}
	return &position, nil
}

func encodeAttributes(attrs *positions.Attributes) ([]byte, error) {
	if attrs == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(attrs)
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
