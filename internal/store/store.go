// Package store persists device identity, target/current state snapshots
// and adapter configuration in the embedded database.
//
// The supervisor owns the single Store handle. The engine reads and writes
// snapshots through it; the cloud client reads and writes device identity
// through it directly, and the local API reads identity from it. Mutations
// run in transactions so a crash leaves either the pre-write or post-write
// version visible.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/edgehive/fleetd/internal/apperr"
	"github.com/edgehive/fleetd/internal/state"
)

// Snapshot type discriminators in the state_snapshot table.
const (
	TypeTarget  = "target"
	TypeCurrent = "current"
)

// historyRetention bounds the state_snapshot_history table; older rows are
// pruned on every save.
const historyRetention = 200

// DeviceIdentity is the persistent cloud identity of this device.
type DeviceIdentity struct {
	UUID           string     `db:"uuid" json:"uuid"`
	DeviceName     string     `db:"device_name" json:"device_name"`
	DeviceType     string     `db:"device_type" json:"device_type"`
	Provisioned    bool       `db:"provisioned" json:"provisioned"`
	APIEndpointURL string     `db:"api_endpoint_url" json:"api_endpoint_url"`
	APIKey         string     `db:"api_key" json:"-"`
	RegisteredAt   *time.Time `db:"registered_at" json:"registered_at,omitempty"`
}

// Store wraps the embedded database.
type Store struct {
	db *sqlx.DB
}

// New wraps an open database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// GetIdentity loads the device identity. Reports KindNotProvisioned when the
// device has never been registered.
func (s *Store) GetIdentity(ctx context.Context) (DeviceIdentity, error) {
	var ident DeviceIdentity
	err := s.db.GetContext(ctx, &ident,
		`SELECT uuid, device_name, device_type, provisioned, api_endpoint_url, api_key, registered_at FROM device WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceIdentity{}, apperr.New(apperr.KindNotProvisioned, "device identity not found")
	}
	if err != nil {
		return DeviceIdentity{}, apperr.Wrap(apperr.KindTransient, "load device identity", err)
	}
	return ident, nil
}

// SetIdentity writes the device identity. The device table is a singleton
// row; registration creates it, the provisioning flow is the only mutator.
func (s *Store) SetIdentity(ctx context.Context, ident DeviceIdentity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device (id, uuid, device_name, device_type, provisioned, api_endpoint_url, api_key, registered_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   uuid = excluded.uuid,
		   device_name = excluded.device_name,
		   device_type = excluded.device_type,
		   provisioned = excluded.provisioned,
		   api_endpoint_url = excluded.api_endpoint_url,
		   api_key = excluded.api_key,
		   registered_at = excluded.registered_at`,
		ident.UUID, ident.DeviceName, ident.DeviceType, ident.Provisioned, ident.APIEndpointURL, ident.APIKey, ident.RegisteredAt)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "save device identity", err)
	}
	return nil
}

// LoadTarget loads the target snapshot; an empty snapshot when unset.
func (s *Store) LoadTarget(ctx context.Context) (state.Snapshot, error) {
	return s.loadSnapshot(ctx, TypeTarget)
}

// SaveTarget atomically replaces the target snapshot.
func (s *Store) SaveTarget(ctx context.Context, snap state.Snapshot) error {
	return s.saveSnapshot(ctx, TypeTarget, snap, false)
}

// LoadCurrent loads the current snapshot; an empty snapshot when unset.
func (s *Store) LoadCurrent(ctx context.Context) (state.Snapshot, error) {
	return s.loadSnapshot(ctx, TypeCurrent)
}

// SaveCurrent replaces the current snapshot and appends a history record for
// observability, pruning history beyond the retention bound.
func (s *Store) SaveCurrent(ctx context.Context, snap state.Snapshot) error {
	return s.saveSnapshot(ctx, TypeCurrent, snap, true)
}

func (s *Store) loadSnapshot(ctx context.Context, typ string) (state.Snapshot, error) {
	var body string
	err := s.db.GetContext(ctx, &body, `SELECT body FROM state_snapshot WHERE type = ?`, typ)
	if errors.Is(err, sql.ErrNoRows) {
		return state.NewSnapshot(), nil
	}
	if err != nil {
		return state.Snapshot{}, apperr.Wrap(apperr.KindTransient, "load "+typ+" snapshot", err)
	}
	var snap state.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return state.Snapshot{}, apperr.Wrap(apperr.KindFatal, "decode "+typ+" snapshot", err)
	}
	if snap.Apps == nil {
		snap.Apps = map[int]state.App{}
	}
	if snap.Config == nil {
		snap.Config = map[string]interface{}{}
	}
	return snap, nil
}

func (s *Store) saveSnapshot(ctx context.Context, typ string, snap state.Snapshot, history bool) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return apperr.Wrap(apperr.KindConfig, "encode "+typ+" snapshot", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "begin snapshot save", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO state_snapshot (type, body, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (type) DO UPDATE SET body = excluded.body, created_at = CURRENT_TIMESTAMP`,
		typ, string(body))
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "save "+typ+" snapshot", err)
	}

	if history {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state_snapshot_history (type, body) VALUES (?, ?)`, typ, string(body)); err != nil {
			return apperr.Wrap(apperr.KindTransient, "append snapshot history", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM state_snapshot_history
			 WHERE type = ? AND id NOT IN (
			   SELECT id FROM state_snapshot_history WHERE type = ? ORDER BY id DESC LIMIT ?)`,
			typ, typ, historyRetention); err != nil {
			return apperr.Wrap(apperr.KindTransient, "prune snapshot history", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindTransient, "commit snapshot save", err)
	}
	return nil
}

// LoadDeviceConfig loads the opaque per-protocol adapter configuration.
func (s *Store) LoadDeviceConfig(ctx context.Context, protocol string) (map[string]interface{}, error) {
	var body string
	err := s.db.GetContext(ctx, &body, `SELECT config FROM device_config WHERE protocol = ?`, protocol)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "load device config", err)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "decode device config", err)
	}
	return out, nil
}

// SaveDeviceConfig stores the opaque per-protocol adapter configuration.
func (s *Store) SaveDeviceConfig(ctx context.Context, protocol string, cfg map[string]interface{}) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return apperr.Wrap(apperr.KindConfig, "encode device config", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO device_config (protocol, config) VALUES (?, ?)
		 ON CONFLICT (protocol) DO UPDATE SET config = excluded.config`,
		protocol, string(body))
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "save device config", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
