package engine_test

import (
	"testing"
	"time"

	"focuslock/internal/domain"
	"focuslock/internal/engine"
)

type fakeRegistrar struct {
	registered map[string]time.Time
	cancelled  []string
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{registered: map[string]time.Time{}}
}

func (f *fakeRegistrar) Register(id string, fireAt time.Time, p engine.FirePayload) error {
	f.registered[id] = fireAt
	return nil
}

func (f *fakeRegistrar) Cancel(id string) {
	delete(f.registered, id)
	f.cancelled = append(f.cancelled, id)
}

func (f *fakeRegistrar) CancelAll() {
	for id := range f.registered {
		delete(f.registered, id)
	}
}

func mustDays(t *testing.T, csv string) domain.DaySet {
	t.Helper()
	set, err := domain.ParseDaySet(csv)
	if err != nil {
		t.Fatalf("parse days: %v", err)
	}
	return set
}

func TestNextFireTime(t *testing.T) {
	// 2024-01-02 is a Tuesday.
	tuesday10 := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		schedule domain.Schedule
		now      time.Time
		want     time.Time
		ok       bool
	}{
		{
			name:     "once later today",
			schedule: domain.Schedule{RepeatType: domain.RepeatOnce, StartHour: 11, StartMinute: 30},
			now:      tuesday10,
			want:     time.Date(2024, 1, 2, 11, 30, 0, 0, time.UTC),
			ok:       true,
		},
		{
			name:     "once already passed",
			schedule: domain.Schedule{RepeatType: domain.RepeatOnce, StartHour: 9, StartMinute: 0},
			now:      tuesday10,
			ok:       false,
		},
		{
			name:     "daily later today",
			schedule: domain.Schedule{RepeatType: domain.RepeatDaily, StartHour: 14, StartMinute: 0},
			now:      tuesday10,
			want:     time.Date(2024, 1, 2, 14, 0, 0, 0, time.UTC),
			ok:       true,
		},
		{
			name:     "daily rolls to tomorrow",
			schedule: domain.Schedule{RepeatType: domain.RepeatDaily, StartHour: 9, StartMinute: 0},
			now:      tuesday10,
			want:     time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC),
			ok:       true,
		},
		{
			name: "weekly skips passed day",
			schedule: domain.Schedule{
				RepeatType: domain.RepeatWeekly, StartHour: 9, StartMinute: 0,
				RepeatDays: mustDays(t, "tue,wed"),
			},
			now:  tuesday10,
			want: time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC),
			ok:   true,
		},
		{
			name: "weekly same day later hour",
			schedule: domain.Schedule{
				RepeatType: domain.RepeatWeekly, StartHour: 18, StartMinute: 0,
				RepeatDays: mustDays(t, "tue"),
			},
			now:  tuesday10,
			want: time.Date(2024, 1, 2, 18, 0, 0, 0, time.UTC),
			ok:   true,
		},
		{
			name: "weekly wraps a full week",
			schedule: domain.Schedule{
				RepeatType: domain.RepeatWeekly, StartHour: 9, StartMinute: 0,
				RepeatDays: mustDays(t, "tue"),
			},
			now:  tuesday10,
			want: time.Date(2024, 1, 9, 9, 0, 0, 0, time.UTC),
			ok:   true,
		},
		{
			name: "weekly with no days never fires",
			schedule: domain.Schedule{
				RepeatType: domain.RepeatWeekly, StartHour: 9, StartMinute: 0,
				RepeatDays: domain.DaySet{},
			},
			now: tuesday10,
			ok:  false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := engine.NextFireTime(tc.schedule, tc.now)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && !got.Equal(tc.want) {
				t.Fatalf("fire time = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCreateScheduleArmsWake(t *testing.T) {
	env := newTestEnv(t)
	reg := newFakeRegistrar()
	env.Engine.Wake = reg
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleOptions{
		Name:            "morning focus",
		StartHour:       10,
		StartMinute:     30,
		DurationMinutes: 45,
		RepeatType:      domain.RepeatDaily,
		Enabled:         true,
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fireAt, ok := reg.registered[s.ID]
	if !ok {
		t.Fatalf("expected schedule armed")
	}
	want := time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)
	if !fireAt.Equal(want) {
		t.Fatalf("fire at %v, want %v", fireAt, want)
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Wake = newFakeRegistrar()
	_, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleOptions{
		Name:            "broken",
		StartHour:       25,
		DurationMinutes: 30,
		RepeatType:      domain.RepeatDaily,
		ActorID:         "tester",
	})
	if err == nil {
		t.Fatalf("expected hour validation error")
	}
	_, err = env.Engine.CreateSchedule(env.Ctx, engine.ScheduleOptions{
		Name:            "weekly no days",
		StartHour:       9,
		DurationMinutes: 30,
		RepeatType:      domain.RepeatWeekly,
		ActorID:         "tester",
	})
	if err == nil {
		t.Fatalf("expected empty-days validation error")
	}
}

func TestOnFireStartsScheduledSession(t *testing.T) {
	env := newTestEnv(t)
	reg := newFakeRegistrar()
	env.Engine.Wake = reg
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleOptions{
		Name:            "deep work",
		StartHour:       10,
		StartMinute:     0,
		DurationMinutes: 50,
		RepeatType:      domain.RepeatDaily,
		Enabled:         true,
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	*env.Now = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if err := env.Engine.OnFire(env.Ctx, engine.FirePayload{
		ScheduleID: s.ID, Name: s.Name, DurationMinutes: s.DurationMinutes,
	}); err != nil {
		t.Fatalf("fire: %v", err)
	}
	st, err := env.Engine.CheckExpiryOrRestart(env.Ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Action != engine.ActionContinue {
		t.Fatalf("expected running session")
	}
	if st.Session.Source != "schedule:deep work" {
		t.Fatalf("unexpected source %q", st.Session.Source)
	}
	// Daily schedules re-arm for the next day.
	fireAt, ok := reg.registered[s.ID]
	if !ok {
		t.Fatalf("expected re-arm")
	}
	want := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	if !fireAt.Equal(want) {
		t.Fatalf("re-armed at %v, want %v", fireAt, want)
	}
}

func TestOnFireSkipsWhileSessionActive(t *testing.T) {
	env := newTestEnv(t)
	reg := newFakeRegistrar()
	env.Engine.Wake = reg
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleOptions{
		Name:            "colliding",
		StartHour:       10,
		StartMinute:     0,
		DurationMinutes: 30,
		RepeatType:      domain.RepeatDaily,
		Enabled:         true,
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.StartSession(env.Ctx, 60*time.Minute, "", "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.Engine.OnFire(env.Ctx, engine.FirePayload{
		ScheduleID: s.ID, Name: s.Name, DurationMinutes: s.DurationMinutes,
	}); err != nil {
		t.Fatalf("fire: %v", err)
	}
	st, err := env.Engine.CheckExpiryOrRestart(env.Ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Session.Source != "manual" {
		t.Fatalf("running session replaced: %q", st.Session.Source)
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='schedule.skipped'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected skip event, got %d", count)
	}
}

func TestOnFireIgnoresDisabledOrDeleted(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Wake = newFakeRegistrar()
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleOptions{
		Name:            "stale",
		StartHour:       10,
		StartMinute:     0,
		DurationMinutes: 30,
		RepeatType:      domain.RepeatDaily,
		Enabled:         true,
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.Engine.SetScheduleEnabled(env.Ctx, s.ID, false, "tester"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := env.Engine.OnFire(env.Ctx, engine.FirePayload{ScheduleID: s.ID, Name: s.Name, DurationMinutes: 30}); err != nil {
		t.Fatalf("fire disabled: %v", err)
	}
	if err := env.Engine.OnFire(env.Ctx, engine.FirePayload{ScheduleID: "gone", Name: "gone", DurationMinutes: 30}); err != nil {
		t.Fatalf("fire deleted: %v", err)
	}
	st, err := env.Engine.CheckExpiryOrRestart(env.Ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Action != engine.ActionNone {
		t.Fatalf("expected no session")
	}
}

func TestOnFireConsumesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Wake = newFakeRegistrar()
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleOptions{
		Name:            "single shot",
		StartHour:       10,
		StartMinute:     0,
		DurationMinutes: 30,
		RepeatType:      domain.RepeatOnce,
		Enabled:         true,
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	*env.Now = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if err := env.Engine.OnFire(env.Ctx, engine.FirePayload{
		ScheduleID: s.ID, Name: s.Name, DurationMinutes: s.DurationMinutes,
	}); err != nil {
		t.Fatalf("fire: %v", err)
	}
	got, err := env.Engine.Repo.GetSchedule(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Enabled {
		t.Fatalf("once schedule still enabled after firing")
	}
}

func TestRescheduleAllArmsEnabledOnly(t *testing.T) {
	env := newTestEnv(t)
	reg := newFakeRegistrar()
	env.Engine.Wake = reg
	a, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleOptions{
		Name: "on", StartHour: 10, DurationMinutes: 30,
		RepeatType: domain.RepeatDaily, Enabled: true, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleOptions{
		Name: "off", StartHour: 11, DurationMinutes: 30,
		RepeatType: domain.RepeatDaily, Enabled: false, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	env.Engine.RescheduleAll(env.Ctx)
	if _, ok := reg.registered[a.ID]; !ok {
		t.Fatalf("enabled schedule not armed")
	}
	if _, ok := reg.registered[b.ID]; ok {
		t.Fatalf("disabled schedule armed")
	}
}
