package cron_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-analyst/internal/cron"
	"github.com/basket/go-analyst/internal/persistence"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePurger struct {
	mu   sync.Mutex
	days []int
	err  error
}

func (f *fakePurger) RunRetention(_ context.Context, days int) (persistence.RetentionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.days = append(f.days, days)
	return persistence.RetentionResult{PurgedTasks: 2}, f.err
}

func (f *fakePurger) runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.days)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"17 3 * * *", time.Date(2026, 10, 19, 3, 17, 0, 0, time.UTC)},
		{"0 0 * * 0", time.Date(2026, 10, 25, 0, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 10, 19, 2, 15, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		got, err := cron.NextRunTime(tc.expr, base)
		if err != nil {
			t.Fatalf("%s: %v", tc.expr, err)
		}
		if !got.Equal(tc.want) {
			t.Errorf("%s: got %v, want %v", tc.expr, got, tc.want)
		}
	}
	if _, err := cron.NextRunTime("not a cron", base); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	if _, err := cron.NewScheduler(cron.Config{Store: &fakePurger{}, Schedule: "61 * * * *"}); err == nil {
		t.Fatal("expected invalid schedule error")
	}
}

func TestScheduler_TickRunsWhenDue(t *testing.T) {
	c := &clock{t: time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)}
	p := &fakePurger{}
	s, err := cron.NewScheduler(cron.Config{Store: p, Schedule: "17 3 * * *", RetentionDays: 30, Now: c.now})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx := context.Background()

	if s.Tick(ctx) {
		t.Fatal("fired before the schedule was due")
	}
	c.set(time.Date(2026, 10, 19, 3, 17, 0, 0, time.UTC))
	if !s.Tick(ctx) {
		t.Fatal("did not fire when due")
	}
	if s.Tick(ctx) {
		t.Fatal("fired twice for one slot")
	}
	if want := time.Date(2026, 10, 20, 3, 17, 0, 0, time.UTC); !s.NextRun().Equal(want) {
		t.Fatalf("next run = %v, want %v", s.NextRun(), want)
	}
	if p.runs() != 1 || p.days[0] != 30 {
		t.Fatalf("purger calls = %v", p.days)
	}
}

func TestScheduler_FailedPurgeStillAdvances(t *testing.T) {
	c := &clock{t: time.Date(2026, 10, 19, 3, 17, 0, 0, time.UTC)}
	p := &fakePurger{err: errors.New("database is locked")}
	s, err := cron.NewScheduler(cron.Config{Store: p, Schedule: "17 3 * * *", RetentionDays: 7, Now: c.now})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	c.set(time.Date(2026, 10, 20, 3, 17, 0, 0, time.UTC))
	if !s.Tick(context.Background()) {
		t.Fatal("expected a run")
	}
	if !s.NextRun().After(c.now()) {
		t.Fatalf("next run %v not after now", s.NextRun())
	}
}

func TestScheduler_StartStop(t *testing.T) {
	c := &clock{t: time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)}
	p := &fakePurger{}
	s, err := cron.NewScheduler(cron.Config{
		Store: p, Schedule: "* * * * *", RetentionDays: 1,
		Interval: 5 * time.Millisecond, Now: c.now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	c.set(time.Date(2026, 10, 19, 2, 5, 0, 0, time.UTC))

	deadline := time.Now().Add(2 * time.Second)
	for p.runs() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	if p.runs() != 1 {
		t.Fatalf("runs = %d, want 1", p.runs())
	}
}
