/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package registry is the DeviceRegistry: the operator-maintained list of
// known PFDS units, their assigned location, and their dispatch mode
// (continuous PERIOD_ON streaming vs. on-demand polling), backed by
// SQLite. Each record carries a stable UUID alongside its autoincrement
// row id so external references survive row churn.
package registry

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

type Mode string

const (
	ModeContinuous Mode = "continuous"
	ModeOnDemand   Mode = "on_demand"
)

// DeviceRecord is one registered PFDS unit.
type DeviceRecord struct {
	ID          int64
	UUID        string
	Name        string
	IP          string
	LocationID  string
	Mode        Mode
	PollSeconds int
}

type Registry struct {
	db *sql.DB
}

func Open(dbPath string) (*Registry, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	const schema = `CREATE TABLE IF NOT EXISTS pfds_devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		ip TEXT NOT NULL,
		location_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		poll_seconds INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error { return r.db.Close() }

// Create inserts dev, assigning a fresh UUID when dev.UUID is empty.
func (r *Registry) Create(dev DeviceRecord) (DeviceRecord, error) {
	if dev.UUID == "" {
		dev.UUID = uuid.NewString()
	}
	if dev.Mode == "" {
		dev.Mode = ModeOnDemand
	}
	res, err := r.db.Exec(`INSERT INTO pfds_devices(uuid, name, ip, location_id, mode, poll_seconds)
		VALUES (?, ?, ?, ?, ?, ?)`, dev.UUID, dev.Name, dev.IP, dev.LocationID, string(dev.Mode), dev.PollSeconds)
	if err != nil {
		return DeviceRecord{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return DeviceRecord{}, err
	}
	dev.ID = id
	return dev, nil
}

func (r *Registry) Get(id int64) (DeviceRecord, error) {
	row := r.db.QueryRow(`SELECT id, uuid, name, ip, location_id, mode, poll_seconds
		FROM pfds_devices WHERE id = ?`, id)
	return scanDevice(row)
}

func (r *Registry) GetByIP(ip string) (DeviceRecord, error) {
	row := r.db.QueryRow(`SELECT id, uuid, name, ip, location_id, mode, poll_seconds
		FROM pfds_devices WHERE ip = ?`, ip)
	return scanDevice(row)
}

func scanDevice(row *sql.Row) (DeviceRecord, error) {
	var d DeviceRecord
	var mode string
	if err := row.Scan(&d.ID, &d.UUID, &d.Name, &d.IP, &d.LocationID, &mode, &d.PollSeconds); err != nil {
		return DeviceRecord{}, err
	}
	d.Mode = Mode(mode)
	return d, nil
}

func (r *Registry) List() ([]DeviceRecord, error) {
	rows, err := r.db.Query(`SELECT id, uuid, name, ip, location_id, mode, poll_seconds FROM pfds_devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeviceRecord
	for rows.Next() {
		var d DeviceRecord
		var mode string
		if err := rows.Scan(&d.ID, &d.UUID, &d.Name, &d.IP, &d.LocationID, &mode, &d.PollSeconds); err != nil {
			return nil, err
		}
		d.Mode = Mode(mode)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *Registry) Update(dev DeviceRecord) error {
	res, err := r.db.Exec(`UPDATE pfds_devices SET name=?, ip=?, location_id=?, mode=?, poll_seconds=? WHERE id=?`,
		dev.Name, dev.IP, dev.LocationID, string(dev.Mode), dev.PollSeconds, dev.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("registry: no device with id %d", dev.ID)
	}
	return nil
}

func (r *Registry) Delete(id int64) error {
	_, err := r.db.Exec(`DELETE FROM pfds_devices WHERE id = ?`, id)
	return err
}
