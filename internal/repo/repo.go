package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"focuslock/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func exec(ctx context.Context, db *sql.DB, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}

// --- session state ---

// GetSession reads the single session row.
func (r Repo) GetSession(ctx context.Context) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT locked,start_time,end_time,uptime_at_start,restarted,COALESCE(source,''),COALESCE(ui_token,'') FROM session_state WHERE id=1`)
	var s domain.Session
	err := row.Scan(&s.Locked, &s.StartTime, &s.EndTime, &s.UptimeAtStart, &s.Restarted, &s.Source, &s.UIToken)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// PutSession rewrites the full session row in one statement. Readers never
// observe a half-updated session because every field travels together.
func (r Repo) PutSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := exec(ctx, r.DB, tx, `UPDATE session_state SET locked=?,start_time=?,end_time=?,uptime_at_start=?,restarted=?,source=?,ui_token=? WHERE id=1`,
		s.Locked, s.StartTime, s.EndTime, s.UptimeAtStart, s.Restarted, nullable(s.Source), nullable(s.UIToken))
	return err
}

// ClearSession resets the session row to the unlocked zero state.
func (r Repo) ClearSession(ctx context.Context, tx *sql.Tx) error {
	return r.PutSession(ctx, tx, domain.Session{})
}

// MarkSessionRestarted flips the restart flag while keeping the rest of the
// record intact, as a full-row rewrite.
func (r Repo) MarkSessionRestarted(ctx context.Context, tx *sql.Tx) error {
	s, err := r.GetSession(ctx)
	if err != nil {
		return err
	}
	s.Restarted = true
	return r.PutSession(ctx, tx, s)
}

// --- schedules ---

func scanSchedule(scan func(dest ...any) error) (domain.Schedule, error) {
	var s domain.Schedule
	var daysCSV string
	err := scan(&s.ID, &s.Name, &s.StartHour, &s.StartMinute, &s.DurationMinutes,
		&s.RepeatType, &daysCSV, &s.PreNotifyMinutes, &s.Enabled, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.RepeatDays, err = domain.ParseDaySet(daysCSV)
	return s, err
}

const scheduleColumns = `id,name,start_hour,start_minute,duration_minutes,repeat_type,repeat_days_csv,pre_notify_minutes,enabled,created_at,updated_at`

func (r Repo) InsertSchedule(ctx context.Context, tx *sql.Tx, s domain.Schedule) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO schedules(`+scheduleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Name, s.StartHour, s.StartMinute, s.DurationMinutes,
		s.RepeatType, s.RepeatDays.CSV(), s.PreNotifyMinutes, s.Enabled, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	return scanSchedule(row.Scan)
}

func (r Repo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY start_hour,start_minute,name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListEnabledSchedules returns schedules eligible for arming.
func (r Repo) ListEnabledSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled=1 ORDER BY start_hour,start_minute,name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateSchedule(ctx context.Context, tx *sql.Tx, s domain.Schedule) error {
	res, err := exec(ctx, r.DB, tx, `UPDATE schedules SET name=?,start_hour=?,start_minute=?,duration_minutes=?,repeat_type=?,repeat_days_csv=?,pre_notify_minutes=?,enabled=?,updated_at=? WHERE id=?`,
		s.Name, s.StartHour, s.StartMinute, s.DurationMinutes, s.RepeatType,
		s.RepeatDays.CSV(), s.PreNotifyMinutes, s.Enabled, s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetScheduleEnabled flips only the enabled flag, used for ONCE consumption
// and user enable/disable.
func (r Repo) SetScheduleEnabled(ctx context.Context, tx *sql.Tx, id string, enabled bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := exec(ctx, r.DB, tx, `UPDATE schedules SET enabled=?,updated_at=? WHERE id=?`, enabled, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSchedule(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := exec(ctx, r.DB, tx, `DELETE FROM schedules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- whitelist ---

func (r Repo) ListWhitelist(ctx context.Context) ([]domain.WhitelistEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT package_id,added_at FROM whitelist_apps ORDER BY added_at,package_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WhitelistEntry
	for rows.Next() {
		var e domain.WhitelistEntry
		if err := rows.Scan(&e.PackageID, &e.AddedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// WhitelistSet returns the whitelist as a membership set.
func (r Repo) WhitelistSet(ctx context.Context) (map[string]bool, error) {
	entries, err := r.ListWhitelist(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(entries))
	for _, e := range entries {
		set[e.PackageID] = true
	}
	return set, nil
}

func (r Repo) CountWhitelist(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM whitelist_apps`).Scan(&n)
	return n, err
}

func (r Repo) AddWhitelisted(ctx context.Context, tx *sql.Tx, packageID string) error {
	if strings.TrimSpace(packageID) == "" {
		return errors.New("package id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := exec(ctx, r.DB, tx, `INSERT OR IGNORE INTO whitelist_apps(package_id,added_at) VALUES (?,?)`, packageID, now)
	return err
}

func (r Repo) RemoveWhitelisted(ctx context.Context, tx *sql.Tx, packageID string) error {
	res, err := exec(ctx, r.DB, tx, `DELETE FROM whitelist_apps WHERE package_id=?`, packageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- default apps ---

func (r Repo) SetDefaultAppEnabled(ctx context.Context, tx *sql.Tx, packageID string, enabled bool) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO default_app_states(package_id,enabled) VALUES (?,?)
ON CONFLICT(package_id) DO UPDATE SET enabled=excluded.enabled`, packageID, enabled)
	return err
}

func (r Repo) ListDefaultAppStates(ctx context.Context) ([]domain.DefaultAppState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT package_id,enabled FROM default_app_states ORDER BY package_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DefaultAppState
	for rows.Next() {
		var s domain.DefaultAppState
		if err := rows.Scan(&s.PackageID, &s.Enabled); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// EnabledDefaultApps returns the enabled default-app packages as a set.
func (r Repo) EnabledDefaultApps(ctx context.Context) (map[string]bool, error) {
	states, err := r.ListDefaultAppStates(ctx)
	if err != nil {
		return nil, err
	}
	set := map[string]bool{}
	for _, s := range states {
		if s.Enabled {
			set[s.PackageID] = true
		}
	}
	return set, nil
}

// --- one-time code ---

func (r Repo) GetOTC(ctx context.Context) (domain.OneTimeCode, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(code,''),generated_at,expires_at FROM otc WHERE id=1`)
	var c domain.OneTimeCode
	err := row.Scan(&c.Code, &c.GeneratedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if c.Code == "" {
		return c, ErrNotFound
	}
	return c, nil
}

// PutOTC overwrites any prior code; at most one is outstanding.
func (r Repo) PutOTC(ctx context.Context, tx *sql.Tx, c domain.OneTimeCode) error {
	_, err := exec(ctx, r.DB, tx, `UPDATE otc SET code=?,generated_at=?,expires_at=? WHERE id=1`,
		nullable(c.Code), c.GeneratedAt, c.ExpiresAt)
	return err
}

func (r Repo) ClearOTC(ctx context.Context, tx *sql.Tx) error {
	return r.PutOTC(ctx, tx, domain.OneTimeCode{})
}

// --- monitor state ---

func (r Repo) GetMonitorState(ctx context.Context) (domain.MonitorState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(last_package,''),last_seen_at,COALESCE(last_allowed_package,''),last_allowed_at,COALESCE(last_launch_token,''),last_launch_at FROM monitor_state WHERE id=1`)
	var m domain.MonitorState
	err := row.Scan(&m.LastPackage, &m.LastSeenAt, &m.LastAllowedPackage, &m.LastAllowedAt, &m.LastLaunchToken, &m.LastLaunchAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) PutMonitorState(ctx context.Context, tx *sql.Tx, m domain.MonitorState) error {
	_, err := exec(ctx, r.DB, tx, `UPDATE monitor_state SET last_package=?,last_seen_at=?,last_allowed_package=?,last_allowed_at=?,last_launch_token=?,last_launch_at=? WHERE id=1`,
		nullable(m.LastPackage), m.LastSeenAt, nullable(m.LastAllowedPackage), m.LastAllowedAt, nullable(m.LastLaunchToken), m.LastLaunchAt)
	return err
}

// --- settings ---

func (r Repo) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

func (r Repo) PutSetting(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO settings(key,value) VALUES (?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// --- events ---

func (r Repo) ListEvents(ctx context.Context, limit int, evtType string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var args []any
	if evtType != "" {
		query += ` WHERE type=?`
		args = append(args, evtType)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
