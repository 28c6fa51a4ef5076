package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler(WithLocation(time.UTC))
	defer s.Stop(context.Background())

	id, err := s.AddJob("0 9 * * *", func() {})
	if err != nil {
		t.Fatalf("Expected no error adding job, got %v", err)
	}
	next := s.Next(id)
	if next.IsZero() || next.Hour() != 9 || next.Minute() != 0 {
		t.Errorf("next activation = %v, want 09:00", next)
	}

	s.Remove(id)
	if !s.Next(id).IsZero() {
		t.Error("removed job still scheduled")
	}
}

func TestSchedulerRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop(context.Background())

	for _, expr := range []string{"", "every day", "0 9 * *", "*/5 * * * * *"} {
		if _, err := s.AddJob(expr, func() {}); err == nil {
			t.Errorf("AddJob(%q) expected error", expr)
		}
	}
}

func TestSchedulerStopWaitsWithDeadline(t *testing.T) {
	s := NewScheduler()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
