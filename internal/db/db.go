package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"fleetwatch/internal/models"
)

func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS systems (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hostname TEXT NOT NULL UNIQUE,
			ip_address TEXT,
			mac_address TEXT,
			os_info TEXT,
			os_build TEXT,
			user_label TEXT,
			agent_version TEXT,
			cpu_name TEXT,
			cpu_cores INTEGER,
			cpu_threads INTEGER,
			architecture TEXT,
			total_memory_gb REAL,
			total_disk_gb REAL,
			gpu_name TEXT,
			manufacturer TEXT,
			model TEXT,
			username TEXT,
			timezone TEXT,
			network_adapter TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			last_seen DATETIME,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			system_id INTEGER NOT NULL,
			ts DATETIME NOT NULL,
			cpu_usage REAL NOT NULL,
			memory_total INTEGER NOT NULL,
			memory_used INTEGER NOT NULL,
			memory_percent REAL,
			disk_total INTEGER,
			disk_used INTEGER,
			disk_usage REAL NOT NULL,
			network_sent INTEGER NOT NULL,
			network_recv INTEGER NOT NULL,
			process_count INTEGER,
			uptime_seconds INTEGER,
			boot_time TEXT,
			top_processes_json TEXT,
			FOREIGN KEY(system_id) REFERENCES systems(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS alert_settings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			system_id INTEGER,
			cpu_threshold REAL NOT NULL,
			memory_threshold REAL NOT NULL,
			disk_threshold REAL NOT NULL,
			FOREIGN KEY(system_id) REFERENCES systems(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			system_id INTEGER NOT NULL,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			is_resolved INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			resolved_at DATETIME,
			FOREIGN KEY(system_id) REFERENCES systems(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT NOT NULL);`,
		// One global row (system_id NULL) and at most one row per system.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_alert_settings_scope ON alert_settings(COALESCE(system_id, 0));`,
		// At most one unresolved alert per (system, type).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open ON alerts(system_id, alert_type) WHERE is_resolved = 0;`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_ts ON metrics(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_system_ts ON metrics(system_id, ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_resolved_created ON alerts(is_resolved, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return seedGlobalSettings(db)
}

func seedGlobalSettings(db *sql.DB) error {
	d := models.DefaultThresholds
	_, err := db.Exec(`INSERT INTO alert_settings (system_id,cpu_threshold,memory_threshold,disk_threshold)
		VALUES (NULL,?,?,?) ON CONFLICT DO NOTHING`, d.CPU, d.Memory, d.Disk)
	return err
}
