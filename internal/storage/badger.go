// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/geotrackd/geotrackd/internal/config"
	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/models"
)

// Key prefixes for BadgerDB storage.
const (
	alertKeyPrefix    = "alert:"
	geofenceKeyPrefix = "geofence:"
	deviceKeyPrefix   = "device:"
)

// BadgerStore implements Store on BadgerDB. One store owns the database
// handle; Close must be called exactly once at shutdown.
type BadgerStore struct {
	db *badger.DB
}

// Open opens the store described by the configuration: in-memory when
// storage.in_memory is set, otherwise on disk at storage.path.
func Open(cfg config.StorageConfig) (*BadgerStore, error) {
	if cfg.InMemory {
		return NewInMemoryStore()
	}
	return NewBadgerStore(cfg.Path)
}

// NewBadgerStore opens (or creates) a BadgerDB at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	logging.Info().Str("path", path).Msg("storage opened")
	return &BadgerStore{db: db}, nil
}

// NewInMemoryStore opens a BadgerDB that keeps everything in memory. Used
// in tests and when persistence is disabled.
func NewInMemoryStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// SaveAlert persists an alert keyed by ID, overwriting any previous copy.
func (s *BadgerStore) SaveAlert(ctx context.Context, a *models.Alert) error {
	return s.setJSON(alertKeyPrefix+a.ID, a)
}

// MarkAlertRead sets the read flag on a stored alert.
func (s *BadgerStore) MarkAlertRead(ctx context.Context, id string) error {
	key := []byte(alertKeyPrefix + id)

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get alert: %w", err)
		}

		var a models.Alert
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &a)
		}); err != nil {
			return fmt.Errorf("unmarshal alert: %w", err)
		}

		if a.IsRead {
			return nil
		}
		a.IsRead = true

		data, err := json.Marshal(&a)
		if err != nil {
			return fmt.Errorf("marshal alert: %w", err)
		}
		return txn.Set(key, data)
	})
}

// ListAlerts returns alerts matching the query, newest first.
func (s *BadgerStore) ListAlerts(ctx context.Context, q AlertQuery) ([]models.Alert, error) {
	var alerts []models.Alert

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(alertKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var a models.Alert
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			}); err != nil {
				return fmt.Errorf("unmarshal alert: %w", err)
			}

			if q.DeviceID != "" && a.DeviceID != q.DeviceID {
				continue
			}
			if q.UnreadOnly && a.IsRead {
				continue
			}
			if !q.Since.IsZero() && a.CreatedAt.Before(q.Since) {
				continue
			}
			alerts = append(alerts, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
	if q.Limit > 0 && len(alerts) > q.Limit {
		alerts = alerts[:q.Limit]
	}
	return alerts, nil
}

// SaveGeofence persists a geofence definition keyed by ID.
func (s *BadgerStore) SaveGeofence(ctx context.Context, g *models.Geofence) error {
	return s.setJSON(geofenceKeyPrefix+g.ID, g)
}

// DeleteGeofence removes a geofence definition. Unknown IDs are a no-op.
func (s *BadgerStore) DeleteGeofence(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(geofenceKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// LoadActiveGeofences returns all persisted geofences with Active set.
func (s *BadgerStore) LoadActiveGeofences(ctx context.Context) ([]models.Geofence, error) {
	var fences []models.Geofence

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(geofenceKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var g models.Geofence
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &g)
			}); err != nil {
				return fmt.Errorf("unmarshal geofence: %w", err)
			}
			if g.Active {
				fences = append(fences, g)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fences, nil
}

// UpsertDeviceState records the last-known state of a device.
func (s *BadgerStore) UpsertDeviceState(ctx context.Context, d *models.Device) error {
	return s.setJSON(deviceKeyPrefix+d.DeviceID, d)
}

// LoadDevice returns a persisted device record.
func (s *BadgerStore) LoadDevice(ctx context.Context, id string) (*models.Device, error) {
	var d models.Device

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(deviceKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get device: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &d)
		})
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDevices returns all persisted device records.
func (s *BadgerStore) ListDevices(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deviceKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var d models.Device
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return fmt.Errorf("unmarshal device: %w", err)
			}
			devices = append(devices, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (s *BadgerStore) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}
