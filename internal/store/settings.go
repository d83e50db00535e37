package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

const (
	SettingCronJobsEnabled         = "cron_jobs_enabled"
	SettingMaxNotificationsPerHour = "max_notifications_per_hour"
)

// Setting returns the raw value of a system setting and whether it exists.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, s.q(`SELECT setting_value FROM SystemSettings WHERE setting_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO SystemSettings (setting_key, setting_value, updated_at) VALUES (?, ?, ?)
ON CONFLICT (setting_key) DO UPDATE SET setting_value = excluded.setting_value, updated_at = excluded.updated_at`),
		key, value, utc(time.Now()))
	return err
}

// BoolSetting parses a boolean setting, falling back to def when the row is
// missing or unparsable.
func (s *Store) BoolSetting(ctx context.Context, key string, def bool) (bool, error) {
	raw, ok, err := s.Setting(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	v, perr := strconv.ParseBool(raw)
	if perr != nil {
		return def, nil
	}
	return v, nil
}

// IntSetting parses an integer setting, falling back to def when the row is
// missing or unparsable.
func (s *Store) IntSetting(ctx context.Context, key string, def int) (int, error) {
	raw, ok, err := s.Setting(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	v, perr := strconv.Atoi(raw)
	if perr != nil {
		return def, nil
	}
	return v, nil
}
