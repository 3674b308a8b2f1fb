// Package store implements SQLite persistence for the fleet server.
//
// It provides:
// - The drone table behind drone.Store
// - An event log journaling registrations, evictions and commands
// - Retention cleanup for the event log
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/drone"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Store provides persistence for drones and fleet events.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
}

// New creates a Store on an opened database.
func New(log zerolog.Logger, db *sql.DB) *Store {
	return &Store{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
	}
}

// Open opens a SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// runMigrations creates or updates the schema.
func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS drones (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		model         TEXT,
		serial_number TEXT,
		status        TEXT NOT NULL DEFAULT 'OFFLINE',
		last_seen     DATETIME,
		latitude      REAL,
		longitude     REAL,
		altitude      REAL,
		battery_level REAL,
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_drones_status ON drones(status);

	-- Registrations, evictions and command round trips
	CREATE TABLE IF NOT EXISTS event_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		category    TEXT NOT NULL,
		level       TEXT NOT NULL,
		actor       TEXT,
		drone_id    TEXT,
		action      TEXT,
		message     TEXT NOT NULL,
		details     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_event_log_timestamp ON event_log(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_event_log_drone ON event_log(drone_id, timestamp DESC);
	`

	_, err := db.Exec(schema)
	return err
}

// ═══════════════════════════════════════════════════════════════════════════
// DRONE OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════

// Save inserts or replaces a drone.
func (s *Store) Save(d *drone.Drone) error {
	_, err := s.db.Exec(`
		INSERT INTO drones (id, name, model, serial_number, status, last_seen, latitude, longitude, altitude, battery_level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			model = excluded.model,
			serial_number = excluded.serial_number,
			status = excluded.status,
			last_seen = excluded.last_seen,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			altitude = excluded.altitude,
			battery_level = excluded.battery_level
	`, d.ID, d.Name, nullString(d.Model), nullString(d.SerialNumber), string(d.Status), nullTime(d.LastSeen),
		nullFloat(d.Latitude), nullFloat(d.Longitude), nullFloat(d.Altitude), nullFloat(d.BatteryLevel))
	if err != nil {
		return fmt.Errorf("save drone %s: %w", d.ID, err)
	}
	return nil
}

const droneColumns = `id, name, model, serial_number, status, last_seen, latitude, longitude, altitude, battery_level`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDrone(row rowScanner) (*drone.Drone, error) {
	var (
		d                     drone.Drone
		status                string
		model, serial         sql.NullString
		lastSeen              sql.NullTime
		lat, lon, alt, bLevel sql.NullFloat64
	)
	if err := row.Scan(&d.ID, &d.Name, &model, &serial, &status, &lastSeen, &lat, &lon, &alt, &bLevel); err != nil {
		return nil, err
	}
	d.Model = model.String
	d.SerialNumber = serial.String
	d.Status = drone.Status(status)
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time
	}
	d.Latitude = floatPtr(lat)
	d.Longitude = floatPtr(lon)
	d.Altitude = floatPtr(alt)
	d.BatteryLevel = floatPtr(bLevel)
	return &d, nil
}

// FindByID returns a drone or drone.ErrNotFound.
func (s *Store) FindByID(id string) (*drone.Drone, error) {
	row := s.db.QueryRow(`SELECT `+droneColumns+` FROM drones WHERE id = ?`, id)
	d, err := scanDrone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, drone.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get drone %s: %w", id, err)
	}
	return d, nil
}

// FindAll returns every drone ordered by id.
func (s *Store) FindAll() ([]*drone.Drone, error) {
	rows, err := s.db.Query(`SELECT ` + droneColumns + ` FROM drones ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list drones: %w", err)
	}
	defer rows.Close()

	var drones []*drone.Drone
	for rows.Next() {
		d, err := scanDrone(rows)
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping unreadable drone row")
			continue
		}
		drones = append(drones, d)
	}
	return drones, rows.Err()
}

// ExistsByID reports whether a drone is stored.
func (s *Store) ExistsByID(id string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM drones WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check drone %s: %w", id, err)
	}
	return n > 0, nil
}

// DeleteByID removes a drone or returns drone.ErrNotFound.
func (s *Store) DeleteByID(id string) error {
	result, err := s.db.Exec(`DELETE FROM drones WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete drone %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return drone.ErrNotFound
	}
	return nil
}

// ResetStatus moves every drone in status from to status to.
func (s *Store) ResetStatus(from, to drone.Status) (int64, error) {
	result, err := s.db.Exec(`UPDATE drones SET status = ? WHERE status = ?`, string(to), string(from))
	if err != nil {
		return 0, fmt.Errorf("reset drone status: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
