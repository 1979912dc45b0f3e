package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"focuslock/internal/config"
	"focuslock/internal/db"
	"focuslock/internal/engine"
	"focuslock/internal/migrate"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Now    *time.Time
	Uptime *int64
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	uptime := int64(60 * 60 * 1000)
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return now }
	eng.Uptime = func() int64 { return uptime }
	return testEnv{Engine: eng, Ctx: context.Background(), Now: &now, Uptime: &uptime}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.StartSession(env.Ctx, 25*time.Minute, "", "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !s.Locked || s.Source != "manual" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if s.EndTime-s.StartTime != 25*60*1000 {
		t.Fatalf("unexpected duration: %d", s.EndTime-s.StartTime)
	}
	if s.UIToken == "" {
		t.Fatalf("expected ui token")
	}

	st, err := env.Engine.CheckExpiryOrRestart(env.Ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Action != engine.ActionContinue {
		t.Fatalf("expected continue, got %v", st.Action)
	}
	if st.Remaining != 25*time.Minute {
		t.Fatalf("expected 25m remaining, got %v", st.Remaining)
	}

	if err := env.Engine.EndSession(env.Ctx, true, "tester"); err != nil {
		t.Fatalf("end: %v", err)
	}
	st, err = env.Engine.CheckExpiryOrRestart(env.Ctx)
	if err != nil {
		t.Fatalf("check after end: %v", err)
	}
	if st.Action != engine.ActionNone {
		t.Fatalf("expected no session, got %v", st.Action)
	}
}

func TestStartWhileLockedRejected(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartSession(env.Ctx, 25*time.Minute, "", "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := env.Engine.StartSession(env.Ctx, 10*time.Minute, "", "tester")
	if !errors.Is(err, engine.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestEndWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.EndSession(env.Ctx, false, "tester")
	if !errors.Is(err, engine.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestExpiredSessionForceEnds(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartSession(env.Ctx, 25*time.Minute, "", "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	*env.Now = env.Now.Add(26 * time.Minute)
	*env.Uptime += 26 * 60 * 1000

	st, err := env.Engine.CheckExpiryOrRestart(env.Ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Action != engine.ActionForceEnd || st.Reason != "expired" {
		t.Fatalf("expected expired force-end, got %v %q", st.Action, st.Reason)
	}
	// Resolved: the next check sees nothing.
	st, err = env.Engine.CheckExpiryOrRestart(env.Ctx)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if st.Action != engine.ActionNone {
		t.Fatalf("expected no session after resolution, got %v", st.Action)
	}
}

func TestUptimeAnomalyForceEnds(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartSession(env.Ctx, 60*time.Minute, "", "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Reboot: uptime restarts below the stored anchor while the wall clock
	// still shows the session mid-flight.
	*env.Now = env.Now.Add(10 * time.Minute)
	*env.Uptime = 5 * 1000

	st, err := env.Engine.CheckExpiryOrRestart(env.Ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Action != engine.ActionForceEnd || st.Reason != "uptime_anomaly" {
		t.Fatalf("expected uptime anomaly force-end, got %v %q", st.Action, st.Reason)
	}
}

func TestBootRecoverFlagsSurvivingSession(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartSession(env.Ctx, 60*time.Minute, "", "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.Engine.BootRecover(env.Ctx); err != nil {
		t.Fatalf("boot recover: %v", err)
	}
	// Even with a plausible uptime and an unexpired clock, the flag wins.
	*env.Uptime += 60 * 1000
	st, err := env.Engine.CheckExpiryOrRestart(env.Ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Action != engine.ActionForceEnd || st.Reason != "restart_flag" {
		t.Fatalf("expected restart-flag force-end, got %v %q", st.Action, st.Reason)
	}
}

func TestBootRecoverWithoutSessionIsQuiet(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.BootRecover(env.Ctx); err != nil {
		t.Fatalf("boot recover: %v", err)
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='boot.recovered'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no recovery event, got %d", count)
	}
}

type countingLauncher struct {
	launches int
}

func (l *countingLauncher) ShowLock(ctx context.Context, token string) error {
	l.launches++
	return nil
}

func TestLockUIRelaunchGate(t *testing.T) {
	env := newTestEnv(t)
	ui := &countingLauncher{}
	env.Engine.UI = ui
	if _, err := env.Engine.StartSession(env.Ctx, 25*time.Minute, "", "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.Engine.RequestLockUI(env.Ctx); err != nil {
		t.Fatalf("first launch: %v", err)
	}
	// Inside the gate window the second request is swallowed.
	*env.Now = env.Now.Add(1 * time.Second)
	if err := env.Engine.RequestLockUI(env.Ctx); err != nil {
		t.Fatalf("second launch: %v", err)
	}
	if ui.launches != 1 {
		t.Fatalf("expected 1 launch, got %d", ui.launches)
	}
	// Past the gate it fires again.
	*env.Now = env.Now.Add(5 * time.Second)
	if err := env.Engine.RequestLockUI(env.Ctx); err != nil {
		t.Fatalf("third launch: %v", err)
	}
	if ui.launches != 2 {
		t.Fatalf("expected 2 launches, got %d", ui.launches)
	}
}

func TestSessionEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartSession(env.Ctx, 25*time.Minute, "", "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.Engine.EndSession(env.Ctx, false, "tester"); err != nil {
		t.Fatalf("end: %v", err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_kind='session' ORDER BY id`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var types []string
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatalf("scan: %v", err)
		}
		types = append(types, typ)
	}
	if len(types) != 2 || types[0] != "session.started" || types[1] != "session.ended" {
		t.Fatalf("unexpected event types: %v", types)
	}
}
