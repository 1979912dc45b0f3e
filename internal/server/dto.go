package server

import "focuslock/internal/domain"

// Request payloads

type StartSessionRequest struct {
	DurationMinutes int    `json:"duration_minutes" minimum:"1"`
	Source          string `json:"source,omitempty"`
}

type EndSessionRequest struct {
	Completed bool `json:"completed"`
}

type ForegroundRequest struct {
	PackageID string `json:"package_id"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix ms; zero means now
}

type ScheduleRequest struct {
	Name             string `json:"name"`
	StartHour        int    `json:"start_hour" minimum:"0" maximum:"23"`
	StartMinute      int    `json:"start_minute" minimum:"0" maximum:"59"`
	DurationMinutes  int    `json:"duration_minutes" minimum:"1"`
	RepeatType       string `json:"repeat_type" enum:"once,daily,weekly"`
	RepeatDays       string `json:"repeat_days,omitempty"` // CSV, e.g. "mon,wed,fri"
	PreNotifyMinutes int    `json:"pre_notify_minutes,omitempty"`
	Enabled          *bool  `json:"enabled,omitempty"`
}

type WhitelistRequest struct {
	PackageID string `json:"package_id"`
}

type DefaultAppRequest struct {
	PackageID string `json:"package_id"`
	Enabled   bool   `json:"enabled"`
}

type PINCheckRequest struct {
	PIN string `json:"pin"`
}

type CodeRequestRequest struct {
	Destination string `json:"destination"`
}

type CodeValidateRequest struct {
	Code string `json:"code"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type SessionStatusResponse struct {
	Locked      bool   `json:"locked"`
	Source      string `json:"source,omitempty"`
	StartTime   int64  `json:"start_time,omitempty"`
	EndTime     int64  `json:"end_time,omitempty"`
	RemainingMS int64  `json:"remaining_ms,omitempty"`
	ForceEnded  bool   `json:"force_ended,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type StatusResponse struct {
	Session        SessionStatusResponse `json:"session"`
	Schedules      int                   `json:"schedules"`
	WhitelistCount int                   `json:"whitelist_count"`
	WhitelistMax   int                   `json:"whitelist_max"`
}

type OutcomeResponse struct {
	Ignored   bool   `json:"ignored"`
	Debounced bool   `json:"debounced"`
	Verdict   string `json:"verdict,omitempty"`
	Rule      string `json:"rule,omitempty"`
}

type ValidResponse struct {
	Valid bool `json:"valid"`
}

type DeliveredResponse struct {
	Delivered bool `json:"delivered"`
}

type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"` // shown once
}

func scheduleFromRequest(req ScheduleRequest) (domain.Schedule, error) {
	days, err := domain.ParseDaySet(req.RepeatDays)
	if err != nil {
		return domain.Schedule{}, err
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return domain.Schedule{
		Name:             req.Name,
		StartHour:        req.StartHour,
		StartMinute:      req.StartMinute,
		DurationMinutes:  req.DurationMinutes,
		RepeatType:       req.RepeatType,
		RepeatDays:       days,
		PreNotifyMinutes: req.PreNotifyMinutes,
		Enabled:          enabled,
	}, nil
}
