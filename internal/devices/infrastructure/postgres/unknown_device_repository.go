package postgres

import (
	"context"
	"database/sql"
	"errors"

	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
)

// UnknownDeviceRepository is a Postgres implementation of
// devices.UnknownDeviceRepository.
type UnknownDeviceRepository struct {
	db *sql.DB
}

// NewUnknownDeviceRepository constructs a repository.
func NewUnknownDeviceRepository(db *sql.DB) *UnknownDeviceRepository {
	return &UnknownDeviceRepository{db: db}
}

// Upsert inserts the record on first contact, or bumps last_seen,
// connection_count and client_address on repeat contact. The stored row is
// returned either way.
func (r *UnknownDeviceRepository) Upsert(ctx context.Context, record *devices.UnknownDevice) (*devices.UnknownDevice, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("unknown device repo: nil db")
	}
	if record == nil {
		return nil, errors.New("unknown device repo: nil record")
	}
	if record.ExternalID == "" || record.Protocol == "" {
		return nil, errors.New("unknown device repo: external id and protocol required")
	}
	row := r.db.QueryRowContext(ctx, `
INSERT INTO unknown_devices (
	external_id, protocol, port, client_address, first_seen, last_seen, connection_count
) VALUES (
	$1, $2, $3, $4, $5, $5, 1
)
ON CONFLICT (external_id, protocol) DO UPDATE
SET last_seen = EXCLUDED.last_seen,
	client_address = EXCLUDED.client_address,
	port = EXCLUDED.port,
	connection_count = unknown_devices.connection_count + 1
RETURNING id, external_id, protocol, port, client_address, first_seen, last_seen,
	connection_count, is_registered, linked_device_id`,
		record.ExternalID, record.Protocol, record.Port, record.ClientAddress, record.LastSeen)
	return scanUnknownDevice(row)
}

// List returns unknown-device records, most recently seen first.
func (r *UnknownDeviceRepository) List(ctx context.Context, limit int) ([]devices.UnknownDevice, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("unknown device repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, external_id, protocol, port, client_address, first_seen, last_seen,
	connection_count, is_registered, linked_device_id
FROM unknown_devices
ORDER BY last_seen DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []devices.UnknownDevice
	for rows.Next() {
		record, err := scanUnknownDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanUnknownDevice(row rowScanner) (*devices.UnknownDevice, error) {
	var record devices.UnknownDevice
	var linkedDeviceID sql.NullInt64
	if err := row.Scan(
		&record.ID,
		&record.ExternalID,
		&record.Protocol,
		&record.Port,
		&record.ClientAddress,
		&record.FirstSeen,
		&record.LastSeen,
		&record.ConnectionCount,
		&record.IsRegistered,
		&linkedDeviceID,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	record.FirstSeen = record.FirstSeen.UTC()
	record.LastSeen = record.LastSeen.UTC()
	record.LinkedDeviceID = linkedDeviceID.Int64
	return &record, nil
}
