package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"focuslock/internal/clock"
	"focuslock/internal/config"
	"focuslock/internal/domain"
	"focuslock/internal/events"
	"focuslock/internal/repo"
)

var (
	ErrSessionActive = errors.New("a session is already active")
	ErrNoSession     = errors.New("no active session")
)

// Launcher asks the surrounding app to show the lock screen. Implementations
// live outside this module; the engine only owns the decision to launch.
type Launcher interface {
	ShowLock(ctx context.Context, token string) error
}

// Engine owns the session lifecycle and the schedule engine. Every entry
// point (CLI, API, timer fire, boot hook) goes through it, and all shared
// state lives in the database as complete-record writes.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Wake   WakeRegistrar
	UI     Launcher
	Log    *log.Logger
	Now    func() time.Time
	Uptime func() int64 // milliseconds since device boot
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		Uptime: clock.Uptime,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) uptime() int64 {
	if e.Uptime != nil {
		return e.Uptime()
	}
	return clock.Uptime()
}

func (e *Engine) logf(format string, args ...any) {
	if e.Log != nil {
		e.Log.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Action is the outcome of CheckExpiryOrRestart.
type Action int

const (
	// ActionNone: no session is active.
	ActionNone Action = iota
	// ActionContinue: a session is live; Status.Remaining holds the rest.
	ActionContinue
	// ActionForceEnd: the session was stale (expired or survived a reboot)
	// and has been cleared.
	ActionForceEnd
)

type Status struct {
	Action    Action
	Session   domain.Session
	Remaining time.Duration
	Reason    string
}

// StartSession begins a focus session. It reconciles stale state first and
// rejects if a live session remains; at most one session exists at a time.
func (e *Engine) StartSession(ctx context.Context, duration time.Duration, source, actorID string) (domain.Session, error) {
	if duration <= 0 {
		return domain.Session{}, errors.New("duration must be positive")
	}
	st, err := e.CheckExpiryOrRestart(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	if st.Action == ActionContinue {
		return domain.Session{}, ErrSessionActive
	}
	if source == "" {
		source = domain.SourceManual
	}
	now := e.now()
	s := domain.Session{
		Locked:        true,
		StartTime:     now.UnixMilli(),
		EndTime:       now.Add(duration).UnixMilli(),
		UptimeAtStart: e.uptime(),
		Restarted:     false,
		Source:        source,
		UIToken:       uuid.New().String(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.PutSession(ctx, tx, s); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.started", "session", "", actorID, events.EventPayload{
		"source":           source,
		"duration_minutes": int(duration / time.Minute),
		"end_time":         s.EndTime,
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// EndSession clears the session and any outstanding one-time code. The
// completed flag feeds analytics; an early unlock or a forced end is not a
// completed session.
func (e *Engine) EndSession(ctx context.Context, completed bool, actorID string) error {
	s, err := e.Repo.GetSession(ctx)
	if err != nil {
		return err
	}
	if !s.Locked {
		return ErrNoSession
	}
	return e.clearSession(ctx, "session.ended", actorID, events.EventPayload{
		"completed": completed,
		"source":    s.Source,
	})
}

func (e *Engine) clearSession(ctx context.Context, evtType, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ClearSession(ctx, tx); err != nil {
		return err
	}
	if err := e.Repo.ClearOTC(ctx, tx); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, "session", "", actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// CheckExpiryOrRestart is the reconciliation every entry point runs before
// trusting the persisted session. A stale session is resolved by clearing
// state, never by raising an error: the caller always gets a clean answer.
//
// ForceEnd triggers on any of three independent signals: the restart flag
// set by boot recovery, a stored uptime anchor larger than the current
// uptime (monotonic counters only grow within one boot, so this proves a
// reboot even if the wall clock was changed), or plain expiry.
func (e *Engine) CheckExpiryOrRestart(ctx context.Context) (Status, error) {
	s, err := e.Repo.GetSession(ctx)
	if err != nil {
		return Status{}, err
	}
	if !s.Locked {
		return Status{Action: ActionNone}, nil
	}
	now := e.now()
	reason := ""
	switch {
	case s.Restarted:
		reason = "restart_flag"
	case s.UptimeAtStart > e.uptime():
		reason = "uptime_anomaly"
	case now.UnixMilli() >= s.EndTime:
		reason = "expired"
	}
	if reason != "" {
		if err := e.clearSession(ctx, "session.force_ended", "system", events.EventPayload{
			"completed": reason == "expired",
			"reason":    reason,
			"source":    s.Source,
		}); err != nil {
			return Status{}, err
		}
		return Status{Action: ActionForceEnd, Session: s, Reason: reason}, nil
	}
	return Status{
		Action:    ActionContinue,
		Session:   s,
		Remaining: time.Duration(s.EndTime-now.UnixMilli()) * time.Millisecond,
	}, nil
}

// RequestLockUI launches the external lock screen for the current session.
// The launch is gated by the session's UI token: a repeat request for the
// same token inside the relaunch window is skipped, so independently
// triggered entry points cannot stack duplicate launches.
func (e *Engine) RequestLockUI(ctx context.Context) error {
	s, err := e.Repo.GetSession(ctx)
	if err != nil {
		return err
	}
	if !s.Locked || s.UIToken == "" {
		return nil
	}
	m, err := e.Repo.GetMonitorState(ctx)
	if err != nil {
		return err
	}
	now := e.now().UnixMilli()
	gate := int64(e.Config.Enforcement.RelaunchGateSeconds) * 1000
	if m.LastLaunchToken == s.UIToken && now-m.LastLaunchAt < gate {
		return nil
	}
	if e.UI != nil {
		if err := e.UI.ShowLock(ctx, s.UIToken); err != nil {
			return fmt.Errorf("show lock ui: %w", err)
		}
	}
	m.LastLaunchToken = s.UIToken
	m.LastLaunchAt = now
	return e.Repo.PutMonitorState(ctx, nil, m)
}

// BootRecover runs once per device boot, before any other entry point. A
// session that was locked at shutdown gets the restart flag so the next
// reconciliation force-ends it instead of silently continuing, then every
// enabled schedule is re-armed because wake registrations do not survive a
// reboot.
func (e *Engine) BootRecover(ctx context.Context) error {
	s, err := e.Repo.GetSession(ctx)
	if err != nil {
		return err
	}
	if s.Locked {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := e.Repo.MarkSessionRestarted(ctx, tx); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "boot.recovered", "session", "", "system", events.EventPayload{
			"was_locked": true,
			"source":     s.Source,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	e.RescheduleAll(ctx)
	return nil
}
