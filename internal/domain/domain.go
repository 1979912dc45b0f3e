package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Session sources.
const (
	SourceManual         = "manual"
	SourceSchedulePrefix = "schedule:"
)

// Session is the single active focus period. All timestamps are unix
// milliseconds; UptimeAtStart is milliseconds of device uptime captured
// when the session began and is the reboot-detection anchor.
type Session struct {
	Locked        bool   `json:"locked"`
	StartTime     int64  `json:"start_time"`
	EndTime       int64  `json:"end_time"`
	UptimeAtStart int64  `json:"uptime_at_start"`
	Restarted     bool   `json:"restarted"`
	Source        string `json:"source,omitempty"`
	UIToken       string `json:"ui_token,omitempty"`
}

func (s Session) StartsAt() time.Time { return time.UnixMilli(s.StartTime) }
func (s Session) EndsAt() time.Time   { return time.UnixMilli(s.EndTime) }

// Schedule repeat types.
const (
	RepeatOnce   = "once"
	RepeatDaily  = "daily"
	RepeatWeekly = "weekly"
)

type Schedule struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	StartHour        int    `json:"start_hour"`
	StartMinute      int    `json:"start_minute"`
	DurationMinutes  int    `json:"duration_minutes"`
	RepeatType       string `json:"repeat_type" enum:"once,daily,weekly"`
	RepeatDays       DaySet `json:"repeat_days,omitempty"`
	PreNotifyMinutes int    `json:"pre_notify_minutes,omitempty"`
	Enabled          bool   `json:"enabled"`
	CreatedAt        string `json:"created_at" format:"date-time"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

// DaySet is a set of weekdays. The CSV form ("mon,wed,fri") exists only at
// the storage and API boundary.
type DaySet map[time.Weekday]bool

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

var dayLabels = map[time.Weekday]string{
	time.Sunday: "sun", time.Monday: "mon", time.Tuesday: "tue",
	time.Wednesday: "wed", time.Thursday: "thu", time.Friday: "fri",
	time.Saturday: "sat",
}

// ParseDaySet parses a CSV day list. Empty input yields an empty set.
func ParseDaySet(csv string) (DaySet, error) {
	set := DaySet{}
	for _, part := range strings.Split(csv, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		d, ok := dayNames[part]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", part)
		}
		set[d] = true
	}
	return set, nil
}

func (s DaySet) Contains(d time.Weekday) bool { return s[d] }

func (s DaySet) IsEmpty() bool { return len(s) == 0 }

// CSV renders the set in weekday order starting at Sunday.
func (s DaySet) CSV() string {
	var days []int
	for d := range s {
		days = append(days, int(d))
	}
	sort.Ints(days)
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, dayLabels[time.Weekday(d)])
	}
	return strings.Join(parts, ",")
}

func (s DaySet) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.CSV())), nil
}

func (s *DaySet) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	set, err := ParseDaySet(raw)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

// OneTimeCode is the outstanding remote-unlock code. At most one exists;
// validation is single use. Timestamps are unix milliseconds.
type OneTimeCode struct {
	Code        string `json:"code"`
	GeneratedAt int64  `json:"generated_at"`
	ExpiresAt   int64  `json:"expires_at"`
}

// WhitelistEntry is a user-allowed package.
type WhitelistEntry struct {
	PackageID string `json:"package_id"`
	AddedAt   string `json:"added_at" format:"date-time"`
}

// DefaultAppState tracks whether a catalog default app (dialer, clock,
// calendar) is enabled. Default apps never count against the whitelist quota.
type DefaultAppState struct {
	PackageID string `json:"package_id"`
	Enabled   bool   `json:"enabled"`
}

// MonitorState is the single-row foreground monitor bookkeeping record.
type MonitorState struct {
	LastPackage        string `json:"last_package,omitempty"`
	LastSeenAt         int64  `json:"last_seen_at,omitempty"`
	LastAllowedPackage string `json:"last_allowed_package,omitempty"`
	LastAllowedAt      int64  `json:"last_allowed_at,omitempty"`
	LastLaunchToken    string `json:"last_launch_token,omitempty"`
	LastLaunchAt       int64  `json:"last_launch_at,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
