package ratelimit

import (
	"context"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		BaseDelay:     time.Second,
		MinDelay:      100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		SpeedupFactor: 0.9,
		SuccessStreak: 10,
	}
}

func TestSuccessStreakShrinksDelay(t *testing.T) {
	l := New(testConfig())
	start := l.Delay()

	for i := 0; i < 9; i++ {
		l.RecordSuccess()
	}
	if l.Delay() != start {
		t.Fatalf("delay changed before the streak completed: %s", l.Delay())
	}

	l.RecordSuccess()
	if l.Delay() >= start {
		t.Errorf("delay did not decrease after 10 successes: %s >= %s", l.Delay(), start)
	}
}

func TestSuccessesNeverGoBelowMin(t *testing.T) {
	cfg := testConfig()
	l := New(cfg)
	for i := 0; i < 10000; i++ {
		l.RecordSuccess()
	}
	if l.Delay() != cfg.MinDelay {
		t.Errorf("delay = %s, want min %s", l.Delay(), cfg.MinDelay)
	}
}

func TestErrorBackoff(t *testing.T) {
	testCases := []struct {
		name        string
		rateLimited bool
		want        time.Duration
	}{
		{name: "plain error", rateLimited: false, want: 2 * time.Second},
		{name: "rate limited", rateLimited: true, want: 4 * time.Second},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l := New(testConfig())
			l.RecordError(tc.rateLimited)
			if l.Delay() != tc.want {
				t.Errorf("delay = %s, want %s", l.Delay(), tc.want)
			}
		})
	}
}

func TestRateLimitedErrorAtLeastDoublesUntilMax(t *testing.T) {
	cfg := testConfig()
	l := New(cfg)
	for i := 0; i < 10; i++ {
		before := l.Delay()
		l.RecordError(true)
		after := l.Delay()
		if after < 2*before && after != cfg.MaxDelay {
			t.Fatalf("step %d: delay %s -> %s is not a doubling", i, before, after)
		}
		if after > cfg.MaxDelay {
			t.Fatalf("step %d: delay %s exceeds max", i, after)
		}
	}
}

func TestErrorResetsStreak(t *testing.T) {
	l := New(testConfig())
	for i := 0; i < 9; i++ {
		l.RecordSuccess()
	}
	l.RecordError(false)
	afterError := l.Delay()
	for i := 0; i < 9; i++ {
		l.RecordSuccess()
	}
	if l.Delay() != afterError {
		t.Errorf("streak was not reset by the error")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = 5 * time.Second
	l := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Error("Wait did not return promptly on a cancelled context")
	}
}

func TestLimitersAreIndependent(t *testing.T) {
	a := New(testConfig())
	b := New(testConfig())
	a.RecordError(true)
	if b.Delay() != time.Second {
		t.Errorf("backoff leaked between limiters: %s", b.Delay())
	}
}
