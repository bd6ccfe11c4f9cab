package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"fleetwatch/internal/models"
)

var ErrNotFound = errors.New("record not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *sql.DB { return r.db }

type rowScanner interface {
	Scan(dest ...any) error
}

const systemColumns = `id,hostname,ip_address,mac_address,os_info,os_build,user_label,agent_version,cpu_name,cpu_cores,cpu_threads,
	architecture,total_memory_gb,total_disk_gb,gpu_name,manufacturer,model,username,timezone,network_adapter,is_active,last_seen,created_at`

func scanSystem(row rowScanner) (models.System, error) {
	var s models.System
	var active int
	var lastSeen sql.NullTime
	err := row.Scan(&s.ID, &s.Hostname, &s.IPAddress, &s.MACAddress, &s.OSInfo, &s.OSBuild, &s.UserLabel, &s.AgentVersion,
		&s.CPUName, &s.CPUCores, &s.CPUThreads, &s.Architecture, &s.TotalMemoryGB, &s.TotalDiskGB, &s.GPUName,
		&s.Manufacturer, &s.Model, &s.Username, &s.Timezone, &s.NetworkAdapter, &active, &lastSeen, &s.CreatedAt)
	if err != nil {
		return models.System{}, err
	}
	s.IsActive = active == 1
	if lastSeen.Valid {
		t := lastSeen.Time.UTC()
		s.LastSeen = &t
	}
	return s, nil
}

// UpsertSystem registers a host by hostname. An existing row keeps any field
// the new snapshot leaves unset and is marked active with a fresh last_seen.
func (r *Repository) UpsertSystem(ctx context.Context, info models.SystemInfo, now time.Time) (models.System, error) {
	now = now.UTC()
	_, err := r.db.ExecContext(ctx, `INSERT INTO systems
		(hostname,ip_address,mac_address,os_info,os_build,user_label,agent_version,cpu_name,cpu_cores,cpu_threads,
		architecture,total_memory_gb,total_disk_gb,gpu_name,manufacturer,model,username,timezone,network_adapter,is_active,last_seen,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1,?,?)
		ON CONFLICT(hostname) DO UPDATE SET
			ip_address=COALESCE(excluded.ip_address,systems.ip_address),
			mac_address=COALESCE(excluded.mac_address,systems.mac_address),
			os_info=COALESCE(excluded.os_info,systems.os_info),
			os_build=COALESCE(excluded.os_build,systems.os_build),
			user_label=COALESCE(excluded.user_label,systems.user_label),
			agent_version=COALESCE(excluded.agent_version,systems.agent_version),
			cpu_name=COALESCE(excluded.cpu_name,systems.cpu_name),
			cpu_cores=COALESCE(excluded.cpu_cores,systems.cpu_cores),
			cpu_threads=COALESCE(excluded.cpu_threads,systems.cpu_threads),
			architecture=COALESCE(excluded.architecture,systems.architecture),
			total_memory_gb=COALESCE(excluded.total_memory_gb,systems.total_memory_gb),
			total_disk_gb=COALESCE(excluded.total_disk_gb,systems.total_disk_gb),
			gpu_name=COALESCE(excluded.gpu_name,systems.gpu_name),
			manufacturer=COALESCE(excluded.manufacturer,systems.manufacturer),
			model=COALESCE(excluded.model,systems.model),
			username=COALESCE(excluded.username,systems.username),
			timezone=COALESCE(excluded.timezone,systems.timezone),
			network_adapter=COALESCE(excluded.network_adapter,systems.network_adapter),
			is_active=1,
			last_seen=`+newerLastSeen,
		info.Hostname, info.IPAddress, info.MACAddress, info.OSInfo, info.OSBuild, info.UserLabel, info.AgentVersion,
		info.CPUName, info.CPUCores, info.CPUThreads, info.Architecture, info.TotalMemoryGB, info.TotalDiskGB,
		info.GPUName, info.Manufacturer, info.Model, info.Username, info.Timezone, info.NetworkAdapter, now, now)
	if err != nil {
		return models.System{}, err
	}
	return scanSystem(r.db.QueryRowContext(ctx, `SELECT `+systemColumns+` FROM systems WHERE hostname=?`, info.Hostname))
}

// last_seen never moves backwards.
const newerLastSeen = `CASE WHEN systems.last_seen IS NULL OR excluded.last_seen > systems.last_seen THEN excluded.last_seen ELSE systems.last_seen END`

func (r *Repository) GetSystem(ctx context.Context, id int64) (models.System, error) {
	s, err := scanSystem(r.db.QueryRowContext(ctx, `SELECT `+systemColumns+` FROM systems WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.System{}, ErrNotFound
	}
	return s, err
}

func (r *Repository) ListSystems(ctx context.Context, offset, limit int) ([]models.System, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+systemColumns+` FROM systems ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.System, 0, 16)
	for rows.Next() {
		s, err := scanSystem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) DeleteSystem(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM systems WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// MarkStaleInactive flips every active system last seen before cutoff.
// Systems that were never seen are left alone.
func (r *Repository) MarkStaleInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE systems SET is_active=0 WHERE is_active=1 AND last_seen IS NOT NULL AND last_seen < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) MarkInactive(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE systems SET is_active=0 WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func touch(ctx context.Context, ex execer, id int64, now time.Time) error {
	res, err := ex.ExecContext(ctx, `UPDATE systems SET is_active=1,
		last_seen=CASE WHEN last_seen IS NULL OR ? > last_seen THEN ? ELSE last_seen END
		WHERE id=?`, now, now, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// IngestMetric stores one sample and refreshes the owning system's liveness
// in a single transaction. It returns ErrNotFound for an unknown system.
func (r *Repository) IngestMetric(ctx context.Context, m models.Metric, now time.Time) (int64, error) {
	now = now.UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := touch(ctx, tx, m.SystemID, now); err != nil {
		return 0, err
	}

	var top sql.NullString
	if len(m.TopProcesses) > 0 {
		b, err := json.Marshal(m.TopProcesses)
		if err != nil {
			return 0, fmt.Errorf("encode top processes: %w", err)
		}
		top = sql.NullString{String: string(b), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO metrics
		(system_id,ts,cpu_usage,memory_total,memory_used,memory_percent,disk_total,disk_used,disk_usage,
		network_sent,network_recv,process_count,uptime_seconds,boot_time,top_processes_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.SystemID, now, m.CPUUsage, m.MemoryTotal, m.MemoryUsed, m.MemoryPercent, m.DiskTotal, m.DiskUsed, m.DiskUsage,
		m.NetworkSent, m.NetworkRecv, m.ProcessCount, m.UptimeSeconds, m.BootTime, top)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (r *Repository) RecentMetrics(ctx context.Context, systemID int64, limit int) ([]models.Metric, error) {
	if limit <= 0 || limit > 10000 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id,system_id,ts,cpu_usage,memory_total,memory_used,memory_percent,disk_total,disk_used,
		disk_usage,network_sent,network_recv,process_count,uptime_seconds,boot_time,top_processes_json
		FROM metrics WHERE system_id=? ORDER BY ts DESC LIMIT ?`, systemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Metric, 0, limit)
	for rows.Next() {
		var m models.Metric
		var top sql.NullString
		if err := rows.Scan(&m.ID, &m.SystemID, &m.TS, &m.CPUUsage, &m.MemoryTotal, &m.MemoryUsed, &m.MemoryPercent,
			&m.DiskTotal, &m.DiskUsed, &m.DiskUsage, &m.NetworkSent, &m.NetworkRecv, &m.ProcessCount,
			&m.UptimeSeconds, &m.BootTime, &top); err != nil {
			return nil, err
		}
		if top.Valid && top.String != "" {
			if err := json.Unmarshal([]byte(top.String), &m.TopProcesses); err != nil {
				return nil, fmt.Errorf("metric %d top_processes_json: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repository) DeleteMetricsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM metrics WHERE ts < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	_, _ = r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return n, nil
}

const settingsColumns = `id,system_id,cpu_threshold,memory_threshold,disk_threshold`

func scanSettings(row rowScanner) (models.AlertSettings, error) {
	var s models.AlertSettings
	var sys sql.NullInt64
	if err := row.Scan(&s.ID, &sys, &s.CPU, &s.Memory, &s.Disk); err != nil {
		return models.AlertSettings{}, err
	}
	if sys.Valid {
		id := sys.Int64
		s.SystemID = &id
	}
	return s, nil
}

// GlobalSettings returns the single global row, inserting the defaults
// first when it is missing. The unique scope index makes concurrent callers
// converge on one row.
func (r *Repository) GlobalSettings(ctx context.Context) (models.AlertSettings, error) {
	d := models.DefaultThresholds
	if _, err := r.db.ExecContext(ctx, `INSERT INTO alert_settings (system_id,cpu_threshold,memory_threshold,disk_threshold)
		VALUES (NULL,?,?,?) ON CONFLICT DO NOTHING`, d.CPU, d.Memory, d.Disk); err != nil {
		return models.AlertSettings{}, err
	}
	return scanSettings(r.db.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM alert_settings WHERE system_id IS NULL`))
}

func (r *Repository) SystemSettings(ctx context.Context, systemID int64) (models.AlertSettings, error) {
	s, err := scanSettings(r.db.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM alert_settings WHERE system_id=?`, systemID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.AlertSettings{}, ErrNotFound
	}
	return s, err
}

// UpsertSettings writes the global row (nil systemID) or the row of one
// system, updating in place when it already exists.
func (r *Repository) UpsertSettings(ctx context.Context, systemID *int64, t models.Thresholds) (models.AlertSettings, error) {
	_, err := r.db.ExecContext(ctx, `INSERT INTO alert_settings (system_id,cpu_threshold,memory_threshold,disk_threshold)
		VALUES (?,?,?,?)
		ON CONFLICT DO UPDATE SET cpu_threshold=excluded.cpu_threshold,memory_threshold=excluded.memory_threshold,disk_threshold=excluded.disk_threshold`,
		systemID, t.CPU, t.Memory, t.Disk)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.AlertSettings{}, ErrNotFound
		}
		return models.AlertSettings{}, err
	}
	if systemID == nil {
		return scanSettings(r.db.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM alert_settings WHERE system_id IS NULL`))
	}
	return r.SystemSettings(ctx, *systemID)
}

const alertColumns = `id,system_id,alert_type,severity,message,is_resolved,created_at,resolved_at`

func scanAlert(row rowScanner) (models.Alert, error) {
	var a models.Alert
	var resolved int
	var resolvedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.SystemID, &a.Type, &a.Severity, &a.Message, &resolved, &a.CreatedAt, &resolvedAt); err != nil {
		return models.Alert{}, err
	}
	a.IsResolved = resolved == 1
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		a.ResolvedAt = &t
	}
	return a, nil
}

func (r *Repository) OpenAlertTypes(ctx context.Context, systemID int64) (map[models.AlertType]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT alert_type FROM alerts WHERE system_id=? AND is_resolved=0`, systemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[models.AlertType]bool{}
	for rows.Next() {
		var t models.AlertType
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out[t] = true
	}
	return out, rows.Err()
}

// InsertAlertIfAbsent creates an unresolved alert unless one of the same
// type is already open for the system. The partial unique index decides
// races; the boolean reports whether a row was written.
func (r *Repository) InsertAlertIfAbsent(ctx context.Context, a models.Alert) (models.Alert, bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO alerts (system_id,alert_type,severity,message,is_resolved,created_at)
		VALUES (?,?,?,?,0,?) ON CONFLICT DO NOTHING`,
		a.SystemID, a.Type, a.Severity, a.Message, a.CreatedAt.UTC())
	if err != nil {
		return models.Alert{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return models.Alert{}, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Alert{}, false, err
	}
	a.ID = id
	a.IsResolved = false
	a.CreatedAt = a.CreatedAt.UTC()
	return a, true, nil
}

func (r *Repository) GetAlert(ctx context.Context, id int64) (models.Alert, error) {
	a, err := scanAlert(r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Alert{}, ErrNotFound
	}
	return a, err
}

func (r *Repository) ListAlerts(ctx context.Context, resolved bool, offset, limit int) ([]models.Alert, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	flag := 0
	if resolved {
		flag = 1
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE is_resolved=? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, flag, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Alert, 0, 16)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveAlert acknowledges an alert. Resolving twice keeps the first
// resolution time.
func (r *Repository) ResolveAlert(ctx context.Context, id int64, now time.Time) (models.Alert, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE alerts SET is_resolved=1, resolved_at=COALESCE(resolved_at, ?) WHERE id=?`, now.UTC(), id)
	if err != nil {
		return models.Alert{}, err
	}
	if err := requireAffected(res); err != nil {
		return models.Alert{}, err
	}
	return r.GetAlert(ctx, id)
}

const (
	keyTelegramToken  = "telegram_token"
	keyTelegramChatID = "telegram_chat_id"
)

func (r *Repository) SaveTelegramSettings(ctx context.Context, token, chatID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for k, v := range map[string]string{keyTelegramToken: token, keyTelegramChatID: chatID} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO settings(key,value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadTelegramSettings returns empty strings when nothing was saved.
func (r *Repository) LoadTelegramSettings(ctx context.Context) (token, chatID string, err error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key,value FROM settings WHERE key IN (?,?)`, keyTelegramToken, keyTelegramChatID)
	if err != nil {
		return "", "", err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return "", "", err
		}
		switch k {
		case keyTelegramToken:
			token = v
		case keyTelegramChatID:
			chatID = v
		}
	}
	return token, chatID, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
