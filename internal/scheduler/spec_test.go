package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "capsuled/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		kind    SpecKind
		cron    string
		every   time.Duration
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "cron:55 * * * *", kind: SpecCron, cron: "55 * * * *"},
		{in: "5m", kind: SpecInterval, every: 5 * time.Minute},
		{in: "2h30m", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "00:50", kind: SpecInterval, every: 50 * time.Minute},
		{in: "interval:45m", kind: SpecInterval, every: 45 * time.Minute},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "banana", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) = %+v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
			}
			if got.Kind != tc.kind || got.Cron != tc.cron || got.Every != tc.every {
				t.Fatalf("ParseSchedule(%q) = %+v", tc.in, got)
			}
		})
	}
}

func TestIntervalLoopFires(t *testing.T) {
	t.Parallel()
	var ticks atomic.Int64
	svc := New(Config{Enabled: true, Schedule: "20ms"},
		func(ctx context.Context, now time.Time) error {
			ticks.Add(1)
			return nil
		}, logx.Nop())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	svc.Stop(context.Background())
	if ticks.Load() < 2 {
		t.Fatalf("ticks = %d, want >= 2", ticks.Load())
	}

	// No more ticks after Stop.
	after := ticks.Load()
	time.Sleep(60 * time.Millisecond)
	if ticks.Load() != after {
		t.Fatal("ticker fired after Stop")
	}
}

func TestDisabledStartIsNoop(t *testing.T) {
	t.Parallel()
	var ticks atomic.Int64
	svc := New(Config{Enabled: false, Schedule: "10ms"},
		func(ctx context.Context, now time.Time) error {
			ticks.Add(1)
			return nil
		}, logx.Nop())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	svc.Stop(context.Background())
	if ticks.Load() != 0 {
		t.Fatalf("disabled scheduler ticked %d times", ticks.Load())
	}
}

func TestApplyRestartsOnScheduleChange(t *testing.T) {
	t.Parallel()
	var ticks atomic.Int64
	svc := New(Config{Enabled: true, Schedule: "1h"},
		func(ctx context.Context, now time.Time) error {
			ticks.Add(1)
			return nil
		}, logx.Nop())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(context.Background())

	if err := svc.Apply(context.Background(), Config{Enabled: true, Schedule: "20ms"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ticks.Load() < 1 {
		t.Fatal("new schedule never fired")
	}
}

func TestBadScheduleRejected(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Schedule: "not a schedule"}, nil, logx.Nop())
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
