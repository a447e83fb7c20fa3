package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Setting keys. Values are stored as strings; typed accessors parse them.
const (
	SettingRetentionRawDays    = "retention_raw_days"
	SettingRetentionHourlyDays = "retention_hourly_days"
	SettingRetentionDailyDays  = "retention_daily_days"
	SettingCacheHitThresholdMS = "cache_hit_threshold_ms"
	SettingTimezone            = "timezone"
	SettingConfigVersion       = "config_version"
	SettingBlockingPausedUntil = "blocking_paused_until"
	SettingBlockingDisabled    = "blocking_disabled"

	SettingPrecacheEnabled        = "precache_enabled"
	SettingPrecacheTopN           = "precache_top_n"
	SettingPrecacheMinTTL         = "precache_min_ttl_seconds"
	SettingPrecacheRatePerSec     = "precache_rate_per_second"
	SettingPrecacheWindowHours    = "precache_window_hours"
	SettingPrecacheIgnoreTTL      = "precache_ignore_ttl"
	SettingPrecacheRefreshMinutes = "precache_refresh_minutes"

	SettingPTRResolutionEnabled = "ptr_resolution_enabled"
)

// SettingDefaults is applied when a key has no stored row.
var SettingDefaults = map[string]string{
	SettingRetentionRawDays:    "15",
	SettingRetentionHourlyDays: "365",
	SettingRetentionDailyDays:  "365",
	SettingCacheHitThresholdMS: "5",
	SettingTimezone:            "UTC",
	SettingBlockingDisabled:    "false",

	SettingPrecacheEnabled:        "true",
	SettingPrecacheTopN:           "200",
	SettingPrecacheMinTTL:         "60",
	SettingPrecacheRatePerSec:     "20",
	SettingPrecacheWindowHours:    "24",
	SettingPrecacheIgnoreTTL:      "false",
	SettingPrecacheRefreshMinutes: "60",

	SettingPTRResolutionEnabled: "true",
}

// Setting returns a setting value, falling back to the default, then "".
func (s *Store) Setting(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return SettingDefaults[key], nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return v, nil
}

// SetSetting stores a value, overwriting any previous one.
func (s *Store) SetSetting(key, value string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO settings (key, value, updated_at_ns) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ns = excluded.updated_at_ns`,
			key, value, time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("set setting %q: %w", key, err)
		}
		return nil
	})
}

// DeleteSetting removes a stored value so the default applies again.
func (s *Store) DeleteSetting(key string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM settings WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("delete setting %q: %w", key, err)
		}
		return nil
	})
}

// SettingInt parses an integer setting; the default is used on missing or
// unparsable values.
func (s *Store) SettingInt(key string) (int, error) {
	v, err := s.Setting(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if d, ok := SettingDefaults[key]; ok {
			return strconv.Atoi(d)
		}
		return 0, fmt.Errorf("setting %q: %w", key, err)
	}
	return n, nil
}

// SettingBool parses a boolean setting.
func (s *Store) SettingBool(key string) (bool, error) {
	v, err := s.Setting(key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if d, ok := SettingDefaults[key]; ok {
			return strconv.ParseBool(d)
		}
		return false, fmt.Errorf("setting %q: %w", key, err)
	}
	return b, nil
}

// AllSettings returns defaults overlaid with stored values.
func (s *Store) AllSettings() (map[string]string, error) {
	out := make(map[string]string, len(SettingDefaults))
	for k, v := range SettingDefaults {
		out[k] = v
	}
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Location loads the configured timezone, falling back to UTC.
func (s *Store) Location() *time.Location {
	tz, err := s.Setting(SettingTimezone)
	if err != nil || tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
