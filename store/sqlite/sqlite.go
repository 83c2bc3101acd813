// Package sqlite implements the metadata store and history sink on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/c360/rtlstream/errors"
	"github.com/c360/rtlstream/geofence"
	"github.com/c360/rtlstream/store"
)

// Config holds connection pool settings.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns WAL-friendly pool settings.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	}
}

// Store is a SQLite-backed store.MetadataStore and store.HistorySink.
type Store struct {
	db *sql.DB
}

var (
	_ store.MetadataStore = (*Store)(nil)
	_ store.HistorySink   = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "open database")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "Store", "Open", "ping database")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "Store", "Open", "apply schema")
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_devices_type ON devices(type);

	CREATE TABLE IF NOT EXISTS triggers (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		zone_id INTEGER NOT NULL,
		direction TEXT NOT NULL,
		ignore_unknown INTEGER NOT NULL DEFAULT 0,
		subject_type TEXT NOT NULL DEFAULT '',
		portable INTEGER NOT NULL DEFAULT 0,
		assigned_tag TEXT NOT NULL DEFAULT '',
		radius REAL NOT NULL DEFAULT 0,
		z_min REAL NOT NULL DEFAULT 0,
		z_max REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_triggers_zone ON triggers(zone_id);

	CREATE TABLE IF NOT EXISTS trigger_regions (
		trigger_id INTEGER NOT NULL REFERENCES triggers(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		min_x REAL NOT NULL, max_x REAL NOT NULL,
		min_y REAL NOT NULL, max_y REAL NOT NULL,
		min_z REAL NOT NULL, max_z REAL NOT NULL,
		PRIMARY KEY (trigger_id, seq)
	);

	CREATE TABLE IF NOT EXISTS position_history (
		subject_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		z REAL NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		gateway_id TEXT NOT NULL DEFAULT '',
		battery INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_position_history_subject_ts ON position_history(subject_id, ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DevicesByType returns every device of the given type.
func (s *Store) DevicesByType(ctx context.Context, deviceType string) ([]store.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, type, name FROM devices WHERE type = ? ORDER BY id`, deviceType)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "DevicesByType", "query devices")
	}
	defer func() { _ = rows.Close() }()

	var devices []store.Device
	for rows.Next() {
		var d store.Device
		if err := rows.Scan(&d.ID, &d.Type, &d.Name); err != nil {
			return nil, errors.Wrap(err, "Store", "DevicesByType", "scan device")
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// TriggersByZone returns the trigger summaries of a zone.
func (s *Store) TriggersByZone(ctx context.Context, zoneID int) ([]store.TriggerSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, name, zone_id, direction, ignore_unknown, subject_type,
	       portable, assigned_tag, radius, z_min, z_max
	FROM triggers
	WHERE zone_id = ?
	ORDER BY id`, zoneID)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "TriggersByZone", "query triggers")
	}
	defer func() { _ = rows.Close() }()

	var out []store.TriggerSummary
	for rows.Next() {
		var t store.TriggerSummary
		var direction string
		if err := rows.Scan(&t.ID, &t.Name, &t.ZoneID, &direction, &t.IgnoreUnknown, &t.SubjectType,
			&t.Portable, &t.AssignedTag, &t.Radius, &t.ZMin, &t.ZMax); err != nil {
			return nil, errors.Wrap(err, "Store", "TriggersByZone", "scan trigger")
		}
		// An unparseable direction loads as NotSet so the evaluator rejects it.
		t.Direction, _ = geofence.ParseDirection(direction)
		out = append(out, t)
	}
	return out, rows.Err()
}

// TriggerRegions returns the regions of a trigger in insertion order.
func (s *Store) TriggerRegions(ctx context.Context, triggerID int) ([]geofence.Region, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT min_x, max_x, min_y, max_y, min_z, max_z
	FROM trigger_regions
	WHERE trigger_id = ?
	ORDER BY seq`, triggerID)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "TriggerRegions", "query regions")
	}
	defer func() { _ = rows.Close() }()

	var out []geofence.Region
	for rows.Next() {
		var r geofence.Region
		if err := rows.Scan(&r.MinX, &r.MaxX, &r.MinY, &r.MaxY, &r.MinZ, &r.MaxZ); err != nil {
			return nil, errors.Wrap(err, "Store", "TriggerRegions", "scan region")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendPosition inserts one history row.
func (s *Store) AppendPosition(ctx context.Context, rec store.PositionRecord) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO position_history (subject_id, ts, x, y, z, confidence, gateway_id, battery)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SubjectID, rec.Timestamp.UnixMilli(), rec.X, rec.Y, rec.Z, rec.Confidence, rec.GatewayID, rec.Battery)
	if err != nil {
		return errors.WrapTransient(err, "Store", "AppendPosition", "insert history row")
	}
	return nil
}

// History returns a subject's positions between from and to, oldest first.
func (s *Store) History(ctx context.Context, subjectID string, from, to time.Time) ([]store.PositionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT subject_id, ts, x, y, z, confidence, gateway_id, battery
	FROM position_history
	WHERE subject_id = ? AND ts BETWEEN ? AND ?
	ORDER BY ts`, subjectID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "History", "query history")
	}
	defer func() { _ = rows.Close() }()

	var out []store.PositionRecord
	for rows.Next() {
		var rec store.PositionRecord
		var ts int64
		if err := rows.Scan(&rec.SubjectID, &ts, &rec.X, &rec.Y, &rec.Z, &rec.Confidence, &rec.GatewayID, &rec.Battery); err != nil {
			return nil, errors.Wrap(err, "Store", "History", "scan history row")
		}
		rec.Timestamp = time.UnixMilli(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertDevice inserts or updates a device.
func (s *Store) UpsertDevice(ctx context.Context, d store.Device) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO devices (id, type, name) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET type = excluded.type, name = excluded.name`,
		d.ID, d.Type, d.Name)
	return errors.Wrap(err, "Store", "UpsertDevice", "upsert device")
}

// PutTrigger replaces a trigger and its regions in one transaction.
func (s *Store) PutTrigger(ctx context.Context, t store.TriggerSummary, regions []geofence.Region) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "Store", "PutTrigger", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, t.ID); err != nil {
		return errors.Wrap(err, "Store", "PutTrigger", "delete previous trigger")
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO triggers (id, name, zone_id, direction, ignore_unknown, subject_type,
	                      portable, assigned_tag, radius, z_min, z_max)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.ZoneID, t.Direction.String(), t.IgnoreUnknown, t.SubjectType,
		t.Portable, t.AssignedTag, t.Radius, t.ZMin, t.ZMax); err != nil {
		return errors.Wrap(err, "Store", "PutTrigger", "insert trigger")
	}
	for i, r := range regions {
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO trigger_regions (trigger_id, seq, min_x, max_x, min_y, max_y, min_z, max_z)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, i, r.MinX, r.MaxX, r.MinY, r.MaxY, r.MinZ, r.MaxZ); err != nil {
			return errors.Wrap(err, "Store", "PutTrigger", "insert region")
		}
	}
	return errors.Wrap(tx.Commit(), "Store", "PutTrigger", "commit")
}
