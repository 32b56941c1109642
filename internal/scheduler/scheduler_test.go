package scheduler

import (
	"sync"
	"testing"
	"time"
)

func TestAddJob(t *testing.T) {
	var mu sync.Mutex
	var calls []string

	sched := New(time.UTC, nil)
	err := sched.AddJob("resync", "@every 1s", func() {
		mu.Lock()
		calls = append(calls, "resync")
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}

	// Start cron and wait for it to fire
	sched.cron.Start()
	time.Sleep(1500 * time.Millisecond)
	sched.cron.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) == 0 {
		t.Error("expected at least one call")
	}
}

func TestInvalidSchedule(t *testing.T) {
	sched := New(nil, nil)
	err := sched.AddJob("resync", "invalid-cron", func() {})
	if err == nil {
		t.Error("expected error for invalid schedule")
	}
	if sched.JobCount() != 0 {
		t.Errorf("JobCount = %d after failed add", sched.JobCount())
	}
}

func TestAddJobReplacesSameName(t *testing.T) {
	sched := New(nil, nil)
	sched.AddJob("resync", "@every 1h", func() {})
	sched.AddJob("resync", "@every 2h", func() {})

	if sched.JobCount() != 1 {
		t.Fatalf("JobCount = %d, want 1", sched.JobCount())
	}
	if _, ok := sched.NextRun("resync"); !ok {
		t.Error("NextRun not found for resync")
	}
}

func TestJobs(t *testing.T) {
	sched := New(nil, nil)
	sched.AddJob("resync", "@every 1h", func() {})
	sched.AddJob("midnight", "@midnight", func() {})

	jobs := sched.Jobs()
	if len(jobs) != 2 || jobs[0] != "midnight" || jobs[1] != "resync" {
		t.Fatalf("Jobs = %v", jobs)
	}
	if _, ok := sched.NextRun("unknown"); ok {
		t.Error("NextRun should not find an unregistered job")
	}
}

func TestNextRunAfterStart(t *testing.T) {
	sched := New(time.UTC, nil)
	sched.AddJob("resync", "@every 1h", func() {})

	sched.cron.Start()
	defer sched.cron.Stop()

	next, ok := sched.NextRun("resync")
	if !ok {
		t.Fatal("NextRun not found for resync")
	}
	if d := time.Until(next); d <= 0 || d > time.Hour {
		t.Errorf("next run in %v, want within the hour", d)
	}
}
