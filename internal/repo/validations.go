package repo

import (
	"fmt"
	"strings"

	"focuslock/internal/domain"
)

// ValidateSchedule checks a schedule before it is persisted. A weekly
// schedule must name at least one day; an empty day set would otherwise sit
// in the table as a rule that can never fire.
func ValidateSchedule(s domain.Schedule) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("schedule name is required")
	}
	if s.StartHour < 0 || s.StartHour > 23 {
		return fmt.Errorf("start hour %d out of range", s.StartHour)
	}
	if s.StartMinute < 0 || s.StartMinute > 59 {
		return fmt.Errorf("start minute %d out of range", s.StartMinute)
	}
	if s.DurationMinutes <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if s.PreNotifyMinutes < 0 {
		return fmt.Errorf("pre-notify minutes must not be negative")
	}
	switch s.RepeatType {
	case domain.RepeatOnce, domain.RepeatDaily:
	case domain.RepeatWeekly:
		if s.RepeatDays.IsEmpty() {
			return fmt.Errorf("weekly schedule requires at least one repeat day")
		}
	default:
		return fmt.Errorf("unknown repeat type %q", s.RepeatType)
	}
	return nil
}
