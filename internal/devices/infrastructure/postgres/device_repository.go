package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
)

// DeviceRepository is a Postgres implementation of devices.DeviceRepository.
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// GetByID fetches a device by id. Returns (nil, nil) when absent.
func (r *DeviceRepository) GetByID(ctx context.Context, id int64) (*devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, external_id, protocol, status, last_update,
	motion_state, overspeed, speed_limit, disabled
FROM devices
WHERE id = $1
LIMIT 1`, id)
	return scanDevice(row)
}

// FindByExternalID fetches a device by its protocol-level identifier.
// Returns (nil, nil) when no device claims the identifier.
func (r *DeviceRepository) FindByExternalID(ctx context.Context, externalID string) (*devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if externalID == "" {
		return nil, errors.New("device repo: empty external id")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, external_id, protocol, status, last_update,
	motion_state, overspeed, speed_limit, disabled
FROM devices
WHERE external_id = $1
LIMIT 1`, externalID)
	return scanDevice(row)
}

// UpdateStatus sets the liveness status and last update timestamp.
func (r *DeviceRepository) UpdateStatus(ctx context.Context, id int64, status string, lastUpdate time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE devices
SET status = $1, last_update = $2
WHERE id = $3`, status, lastUpdate, id)
	return err
}

// UpdateDerivedState persists the rule engine's motion and overspeed flags.
func (r *DeviceRepository) UpdateDerivedState(ctx context.Context, id int64, motion, overspeed bool) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE devices
SET motion_state = $1, overspeed = $2
WHERE id = $3`, motion, overspeed, id)
	return err
}

// ListByStatus returns devices in a given liveness status.
func (r *DeviceRepository) ListByStatus(ctx context.Context, status string) ([]devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, name, external_id, protocol, status, last_update,
	motion_state, overspeed, speed_limit, disabled
FROM devices
WHERE status = $1
ORDER BY id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []devices.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*devices.Device, error) {
	var device devices.Device
	var lastUpdate sql.NullTime
	var speedLimit sql.NullFloat64
	if err := row.Scan(
		&device.ID,
		&device.Name,
		&device.ExternalID,
		&device.Protocol,
		&device.Status,
		&lastUpdate,
		&device.MotionState,
		&device.Overspeed,
		&speedLimit,
		&device.Disabled,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lastUpdate.Valid {
		device.LastUpdate = lastUpdate.Time.UTC()
	}
	device.SpeedLimit = speedLimit.Float64
	return &device, nil
}
