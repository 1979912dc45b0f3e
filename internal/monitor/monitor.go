// Package monitor consumes the stream of foreground-app-changed events.
// The OS delivers these serially, one callback at a time; each event is a
// short synchronous decision against the last-persisted snapshot.
package monitor

import (
	"context"
	"time"

	"focuslock/internal/engine"
	"focuslock/internal/events"
)

type Monitor struct {
	Engine *engine.Engine
	Now    func() time.Time
}

func New(e *engine.Engine) *Monitor {
	return &Monitor{Engine: e, Now: time.Now}
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Outcome reports what HandleEvent did with one foreground event.
type Outcome struct {
	Ignored   bool   `json:"ignored"`
	Debounced bool   `json:"debounced"`
	Verdict   string `json:"verdict,omitempty"`
	Rule      string `json:"rule,omitempty"`
}

// HandleEvent processes one foreground-change notification. Without a live
// session it is a no-op. A repeat of the same package inside the debounce
// window skips the authorization call but still refreshes last-seen, so
// duplicate OS callbacks neither spam the log nor lose tracking.
func (m *Monitor) HandleEvent(ctx context.Context, packageID string, ts time.Time) (Outcome, error) {
	if ts.IsZero() {
		ts = m.now()
	}
	st, err := m.Engine.CheckExpiryOrRestart(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if st.Action != engine.ActionContinue {
		return Outcome{Ignored: true}, nil
	}
	state, err := m.Engine.Repo.GetMonitorState(ctx)
	if err != nil {
		return Outcome{}, err
	}
	debounce := int64(m.Engine.Config.Enforcement.DebounceSeconds) * 1000
	tsMs := ts.UnixMilli()
	if state.LastPackage == packageID && tsMs-state.LastSeenAt < debounce {
		state.LastSeenAt = tsMs
		if err := m.Engine.Repo.PutMonitorState(ctx, nil, state); err != nil {
			return Outcome{}, err
		}
		return Outcome{Debounced: true}, nil
	}
	state.LastPackage = packageID
	state.LastSeenAt = tsMs

	decision, err := m.Engine.Authorize(ctx, packageID)
	if err != nil {
		return Outcome{}, err
	}
	if decision.Allowed() {
		// Marker for the external UI: an allowed app just opened, do not
		// re-show the lock screen over it.
		state.LastAllowedPackage = packageID
		state.LastAllowedAt = tsMs
		if err := m.Engine.Repo.PutMonitorState(ctx, nil, state); err != nil {
			return Outcome{}, err
		}
		if err := m.appendDecision(ctx, "app.allowed", decision.PackageID, decision.Rule); err != nil {
			return Outcome{}, err
		}
		return Outcome{Verdict: decision.Verdict, Rule: decision.Rule}, nil
	}
	if err := m.Engine.Repo.PutMonitorState(ctx, nil, state); err != nil {
		return Outcome{}, err
	}
	if err := m.Engine.RequestLockUI(ctx); err != nil {
		return Outcome{}, err
	}
	if err := m.appendDecision(ctx, "app.blocked", decision.PackageID, decision.Rule); err != nil {
		return Outcome{}, err
	}
	return Outcome{Verdict: decision.Verdict, Rule: decision.Rule}, nil
}

func (m *Monitor) appendDecision(ctx context.Context, evtType, packageID, rule string) error {
	tx, err := m.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.Engine.Events.Append(ctx, tx, evtType, "app", packageID, "monitor", events.EventPayload{
		"rule": rule,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
