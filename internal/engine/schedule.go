package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"focuslock/internal/domain"
	"focuslock/internal/events"
	"focuslock/internal/repo"
)

// FirePayload travels with a registered wake-up and comes back on fire.
type FirePayload struct {
	ScheduleID      string `json:"schedule_id"`
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
}

// WakeRegistrar registers OS-level wake-up callbacks keyed by schedule id.
// Registrations do not survive a reboot; boot recovery re-arms everything.
type WakeRegistrar interface {
	Register(id string, fireAt time.Time, p FirePayload) error
	Cancel(id string)
	CancelAll()
}

// NextFireTime computes when a schedule should next fire, relative to now.
// The second return is false when the schedule has nothing left to fire:
// a ONCE whose time already passed today, or a WEEKLY with no days.
func NextFireTime(s domain.Schedule, now time.Time) (time.Time, bool) {
	at := time.Date(now.Year(), now.Month(), now.Day(), s.StartHour, s.StartMinute, 0, 0, now.Location())
	switch s.RepeatType {
	case domain.RepeatOnce:
		if at.After(now) {
			return at, true
		}
		return time.Time{}, false
	case domain.RepeatDaily:
		if at.After(now) {
			return at, true
		}
		return at.AddDate(0, 0, 1), true
	case domain.RepeatWeekly:
		if s.RepeatDays.IsEmpty() {
			return time.Time{}, false
		}
		if s.RepeatDays.Contains(at.Weekday()) && at.After(now) {
			return at, true
		}
		for i := 1; i <= 7; i++ {
			candidate := at.AddDate(0, 0, i)
			if s.RepeatDays.Contains(candidate.Weekday()) {
				return candidate, true
			}
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// Arm registers the schedule's next wake-up. A schedule with no next fire
// time is left alone; nothing to arm is not an error.
func (e *Engine) Arm(ctx context.Context, s domain.Schedule) error {
	fireAt, ok := NextFireTime(s, e.now())
	if !ok {
		return nil
	}
	if e.Wake == nil {
		return errors.New("no wake registrar configured")
	}
	return e.Wake.Register(s.ID, fireAt, FirePayload{
		ScheduleID:      s.ID,
		Name:            s.Name,
		DurationMinutes: s.DurationMinutes,
	})
}

// OnFire handles a wake-up callback. Wake-ups arrive after arbitrary OS
// deferral and are not cancelled retroactively in all states, so the
// schedule is re-read and both the session and the schedule are
// re-validated before anything starts.
func (e *Engine) OnFire(ctx context.Context, p FirePayload) error {
	st, err := e.CheckExpiryOrRestart(ctx)
	if err != nil {
		return err
	}
	if st.Action == ActionContinue {
		e.logf("schedule %s fired while session active (source=%s); skipping", p.Name, st.Session.Source)
		return e.appendEvent(ctx, "schedule.skipped", "schedule", p.ScheduleID, "system", events.EventPayload{
			"reason": "session_active",
			"name":   p.Name,
		})
	}
	s, err := e.Repo.GetSchedule(ctx, p.ScheduleID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.logf("schedule %s fired but no longer exists; skipping", p.ScheduleID)
			return nil
		}
		return err
	}
	if !s.Enabled {
		e.logf("schedule %s fired but is disabled; skipping", s.Name)
		return nil
	}
	duration := time.Duration(p.DurationMinutes) * time.Minute
	if _, err := e.StartSession(ctx, duration, domain.SourceSchedulePrefix+s.Name, "system"); err != nil {
		return err
	}
	if err := e.RequestLockUI(ctx); err != nil {
		e.logf("lock ui launch after schedule %s: %v", s.Name, err)
	}
	if s.RepeatType == domain.RepeatOnce {
		// Consumed; a ONCE fires a single time.
		return e.Repo.SetScheduleEnabled(ctx, nil, s.ID, false)
	}
	return e.Arm(ctx, s)
}

// RescheduleAll cancels every registered wake-up and re-arms every enabled
// schedule. One schedule failing to arm must not block the others.
func (e *Engine) RescheduleAll(ctx context.Context) {
	if e.Wake != nil {
		e.Wake.CancelAll()
	}
	schedules, err := e.Repo.ListEnabledSchedules(ctx)
	if err != nil {
		e.logf("reschedule: list schedules: %v", err)
		return
	}
	for _, s := range schedules {
		if err := e.Arm(ctx, s); err != nil {
			e.logf("reschedule: arm %s: %v", s.Name, err)
		}
	}
}

// ScheduleOptions are parameters for creating or updating a schedule.
type ScheduleOptions struct {
	Name             string
	StartHour        int
	StartMinute      int
	DurationMinutes  int
	RepeatType       string
	RepeatDays       domain.DaySet
	PreNotifyMinutes int
	Enabled          bool
	ActorID          string
}

func (e *Engine) CreateSchedule(ctx context.Context, opts ScheduleOptions) (domain.Schedule, error) {
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Schedule{
		ID:               uuid.New().String(),
		Name:             opts.Name,
		StartHour:        opts.StartHour,
		StartMinute:      opts.StartMinute,
		DurationMinutes:  opts.DurationMinutes,
		RepeatType:       opts.RepeatType,
		RepeatDays:       opts.RepeatDays,
		PreNotifyMinutes: opts.PreNotifyMinutes,
		Enabled:          opts.Enabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if s.RepeatDays == nil {
		s.RepeatDays = domain.DaySet{}
	}
	if err := repo.ValidateSchedule(s); err != nil {
		return domain.Schedule{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Schedule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSchedule(ctx, tx, s); err != nil {
		return domain.Schedule{}, err
	}
	if err := e.Events.Append(ctx, tx, "schedule.created", "schedule", s.ID, opts.ActorID, events.EventPayload{
		"name":   s.Name,
		"repeat": s.RepeatType,
	}); err != nil {
		return domain.Schedule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Schedule{}, err
	}
	if s.Enabled {
		if err := e.Arm(ctx, s); err != nil {
			e.logf("arm new schedule %s: %v", s.Name, err)
		}
	}
	return s, nil
}

func (e *Engine) UpdateSchedule(ctx context.Context, s domain.Schedule, actorID string) (domain.Schedule, error) {
	if s.RepeatDays == nil {
		s.RepeatDays = domain.DaySet{}
	}
	if err := repo.ValidateSchedule(s); err != nil {
		return domain.Schedule{}, err
	}
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Schedule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSchedule(ctx, tx, s); err != nil {
		return domain.Schedule{}, err
	}
	if err := e.Events.Append(ctx, tx, "schedule.updated", "schedule", s.ID, actorID, events.EventPayload{
		"name": s.Name,
	}); err != nil {
		return domain.Schedule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Schedule{}, err
	}
	if e.Wake != nil {
		e.Wake.Cancel(s.ID)
	}
	if s.Enabled {
		if err := e.Arm(ctx, s); err != nil {
			e.logf("re-arm schedule %s: %v", s.Name, err)
		}
	}
	return s, nil
}

func (e *Engine) SetScheduleEnabled(ctx context.Context, id string, enabled bool, actorID string) error {
	s, err := e.Repo.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetScheduleEnabled(ctx, tx, id, enabled); err != nil {
		return err
	}
	evtType := "schedule.disabled"
	if enabled {
		evtType = "schedule.enabled"
	}
	if err := e.Events.Append(ctx, tx, evtType, "schedule", id, actorID, events.EventPayload{"name": s.Name}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if e.Wake != nil {
		e.Wake.Cancel(id)
	}
	if enabled {
		s.Enabled = true
		if err := e.Arm(ctx, s); err != nil {
			e.logf("arm schedule %s: %v", s.Name, err)
		}
	}
	return nil
}

func (e *Engine) DeleteSchedule(ctx context.Context, id, actorID string) error {
	s, err := e.Repo.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteSchedule(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "schedule.deleted", "schedule", id, actorID, events.EventPayload{"name": s.Name}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if e.Wake != nil {
		e.Wake.Cancel(id)
	}
	return nil
}

func (e *Engine) appendEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
