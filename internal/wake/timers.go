// Package wake is the in-process wake-up registrar used by fl serve.
// Embedded deployments substitute the platform alarm service behind the
// same engine.WakeRegistrar interface; the contract is identical: register
// by schedule id, fire once with the payload, forget everything on reboot.
package wake

import (
	"context"
	"log"
	"sync"
	"time"

	"focuslock/internal/engine"
)

type Timers struct {
	FireFunc func(ctx context.Context, p engine.FirePayload) error
	Log      *log.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New(fire func(ctx context.Context, p engine.FirePayload) error) *Timers {
	return &Timers{
		FireFunc: fire,
		timers:   make(map[string]*time.Timer),
	}
}

// Register arms a timer for the schedule. Re-registering an id replaces its
// pending timer, matching how an alarm service keys registrations.
func (t *Timers) Register(id string, fireAt time.Time, p engine.FirePayload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.timers[id]; ok {
		prev.Stop()
	}
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	t.timers[id] = time.AfterFunc(delay, func() {
		t.fire(id, p)
	})
	return nil
}

func (t *Timers) fire(id string, p engine.FirePayload) {
	t.mu.Lock()
	delete(t.timers, id)
	t.mu.Unlock()
	if t.FireFunc == nil {
		return
	}
	if err := t.FireFunc(context.Background(), p); err != nil {
		t.logf("wake fire %s: %v", p.Name, err)
	}
}

func (t *Timers) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
}

func (t *Timers) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

// Pending returns the number of armed timers.
func (t *Timers) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

func (t *Timers) logf(format string, args ...any) {
	if t.Log != nil {
		t.Log.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
