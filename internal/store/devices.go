package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/harrylevesque/biotimesync/internal/models"
)

const deviceColumns = `device_id, device_name, device_alias, device_ip_address, device_area, last_activity, last_sync_request`

// InsertDevice registers a device. An existing device_id yields ErrDuplicate.
func (s *Store) InsertDevice(ctx context.Context, d models.Device) error {
	return s.insertOrDuplicate(ctx, `INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		d.DeviceID, d.DeviceName, d.DeviceAlias, d.DeviceIPAddress, d.DeviceArea,
		s.formatOptTime(d.LastActivity), s.formatOptTime(d.LastSyncRequest))
}

// UpdateDevice overwrites the descriptive fields of a registered device.
func (s *Store) UpdateDevice(ctx context.Context, d models.Device) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET device_name = ?, device_alias = ?, device_ip_address = ?,
		device_area = ?, last_activity = ?, last_sync_request = ? WHERE device_id = ?`,
		d.DeviceName, d.DeviceAlias, d.DeviceIPAddress, d.DeviceArea,
		s.formatOptTime(d.LastActivity), s.formatOptTime(d.LastSyncRequest), d.DeviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Device(ctx context.Context, id int64) (models.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, id)
	return s.scanDevice(row)
}

func (s *Store) Devices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Device
	for rows.Next() {
		d, err := s.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDeviceLastSync stamps the last time the device produced records.
func (s *Store) SetDeviceLastSync(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET last_sync_request = ? WHERE device_id = ?`, s.formatTime(at), id)
	return err
}

func (s *Store) scanDevice(r scanner) (models.Device, error) {
	var d models.Device
	var lastActivity, lastSync sql.NullString
	if err := r.Scan(&d.DeviceID, &d.DeviceName, &d.DeviceAlias, &d.DeviceIPAddress, &d.DeviceArea, &lastActivity, &lastSync); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Device{}, ErrNotFound
		}
		return models.Device{}, err
	}
	var err error
	if d.LastActivity, err = s.parseOptTime(lastActivity); err != nil {
		return models.Device{}, err
	}
	if d.LastSyncRequest, err = s.parseOptTime(lastSync); err != nil {
		return models.Device{}, err
	}
	return d, nil
}
