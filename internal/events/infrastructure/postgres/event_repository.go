package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	events "github.com/vcsantana/rastreio-new-trac-sub000/internal/events/domain"
)

// EventRepository is a Postgres implementation of events.EventRepository.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository constructs a repository.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Insert stores an event and fills in its generated id.
func (r *EventRepository) Insert(ctx context.Context, event *events.Event) error {
	if r == nil || r.db == nil {
		return errors.New("event repo: nil db")
	}
	if event == nil {
		return errors.New("event repo: nil event")
	}
	if !event.Type.Valid() {
		return errors.New("event repo: unknown event type " + string(event.Type))
	}
	attrs := []byte("{}")
	if len(event.Attributes) > 0 {
		encoded, err := json.Marshal(event.Attributes)
		if err != nil {
			return err
		}
		attrs = encoded
	}
	return r.db.QueryRowContext(ctx, `
INSERT INTO events (
	device_id, position_id, type, geofence_id, server_time, attributes
) VALUES (
	$1, $2, $3, $4, $5, $6
)
RETURNING id`,
		event.DeviceID, nullInt64(event.PositionID), event.Type,
		nullInt64(event.GeofenceID), event.ServerTime, attrs,
	).Scan(&event.ID)
}

// ListByDevice returns a device's events in [from, to), oldest first.
func (r *EventRepository) ListByDevice(ctx context.Context, deviceID int64, from, to time.Time) ([]events.Event, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("event repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, device_id, position_id, type, geofence_id, server_time, attributes
FROM events
WHERE device_id = $1 AND server_time >= $2 AND server_time < $3
ORDER BY server_time ASC`, deviceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []events.Event
	for rows.Next() {
		var event events.Event
		var positionID, geofenceID sql.NullInt64
		var attrs []byte
		if err := rows.Scan(
			&event.ID,
			&event.DeviceID,
			&positionID,
			&event.Type,
			&geofenceID,
			&event.ServerTime,
			&attrs,
		); err != nil {
			return nil, err
		}
		event.PositionID = positionID.Int64
		event.GeofenceID = geofenceID.Int64
		event.ServerTime = event.ServerTime.UTC()
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &event.Attributes); err != nil {
				return nil, err
			}
		}
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
