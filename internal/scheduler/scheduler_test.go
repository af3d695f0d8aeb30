package scheduler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Uninett/zino/internal/pollfile"
	"github.com/Uninett/zino/internal/scheduler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeReach is a ReachableTask whose Probe outcome is controlled by a test.
type fakeReach struct {
	mu     sync.Mutex
	ok     bool
	runs   int32
	probes int32
}

func (f *fakeReach) Kind() scheduler.TaskKind { return scheduler.TaskReachable }

func (f *fakeReach) Run(ctx context.Context, d *pollfile.Device, reachable bool) error {
	atomic.AddInt32(&f.runs, 1)
	return nil
}

func (f *fakeReach) Probe(ctx context.Context, d *pollfile.Device) (bool, error) {
	atomic.AddInt32(&f.probes, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ok, nil
}

func (f *fakeReach) setOK(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ok = ok
}

// fakeTask records how many times it ran and whether it saw the device
// reachable, so tests can assert the reachability-gating invariant (spec
// §4.2 "if unreachable, other tasks for this cycle are skipped").
type fakeTask struct {
	kind          scheduler.TaskKind
	runs          int32
	lastReachable atomic.Bool
}

func (f *fakeTask) Kind() scheduler.TaskKind { return f.kind }

func (f *fakeTask) Run(ctx context.Context, d *pollfile.Device, reachable bool) error {
	atomic.AddInt32(&f.runs, 1)
	f.lastReachable.Store(reachable)
	return nil
}

func newDevice(name string, interval time.Duration) *pollfile.Device {
	return &pollfile.Device{Name: name, Interval: interval}
}

func TestReconcileCreatesAndDestroysJobs(t *testing.T) {
	t.Parallel()

	s := scheduler.New(nil)
	reg := pollfile.NewRegistry([]*pollfile.Device{newDevice("r1", time.Minute)})

	created, destroyed := s.Reconcile(reg, func(d *pollfile.Device) (scheduler.ReachableTask, []scheduler.Task) {
		return &fakeReach{ok: true}, nil
	})
	if created != 1 || destroyed != 0 {
		t.Fatalf("Reconcile() = (%d, %d), want (1, 0)", created, destroyed)
	}

	empty := pollfile.NewRegistry(nil)
	created, destroyed = s.Reconcile(empty, func(d *pollfile.Device) (scheduler.ReachableTask, []scheduler.Task) {
		return nil, nil
	})
	if created != 0 || destroyed != 1 {
		t.Fatalf("Reconcile() removal = (%d, %d), want (0, 1)", created, destroyed)
	}

	if s.TriggerNow(context.Background(), "r1") {
		t.Error("TriggerNow() for removed device = true, want false")
	}
}

func TestRunOnceGatesOnReachability(t *testing.T) {
	t.Parallel()

	reach := &fakeReach{ok: false}
	rest := &fakeTask{kind: scheduler.TaskLinkState}

	now := time.Unix(1_700_000_000, 0)
	clock := now
	// Wide grace so the large clock jumps below count as ordinary misfires,
	// not grace-window skips.
	s := scheduler.New(nil,
		scheduler.WithClock(func() time.Time { return clock }),
		scheduler.WithMisfireGrace(time.Hour))

	reg := pollfile.NewRegistry([]*pollfile.Device{newDevice("r1", time.Minute)})
	s.Reconcile(reg, func(d *pollfile.Device) (scheduler.ReachableTask, []scheduler.Task) {
		return reach, []scheduler.Task{rest}
	})

	// Force the job due regardless of stagger by advancing far past any
	// possible stagger offset within the interval.
	clock = clock.Add(2 * time.Minute)
	s.RunOnce(context.Background())

	if atomic.LoadInt32(&reach.probes) != 1 {
		t.Fatalf("reach.probes = %d, want 1", reach.probes)
	}
	if atomic.LoadInt32(&rest.runs) != 1 {
		t.Fatalf("rest.runs = %d, want 1", rest.runs)
	}
	if rest.lastReachable.Load() {
		t.Error("rest task saw reachable=true, want false when device unreachable")
	}

	reach.setOK(true)
	clock = clock.Add(2 * time.Minute)
	s.RunOnce(context.Background())

	if !rest.lastReachable.Load() {
		t.Error("rest task saw reachable=false, want true once device recovers")
	}
}

func TestTriggerNowRunsImmediatelyWithoutDisturbingSchedule(t *testing.T) {
	t.Parallel()

	reach := &fakeReach{ok: true}
	rest := &fakeTask{kind: scheduler.TaskBGP}

	s := scheduler.New(nil)
	reg := pollfile.NewRegistry([]*pollfile.Device{newDevice("r1", time.Hour)})
	s.Reconcile(reg, func(d *pollfile.Device) (scheduler.ReachableTask, []scheduler.Task) {
		return reach, []scheduler.Task{rest}
	})

	if !s.TriggerNow(context.Background(), "r1") {
		t.Fatal("TriggerNow() = false, want true")
	}
	if atomic.LoadInt32(&rest.runs) != 1 {
		t.Fatalf("rest.runs = %d, want 1 after TriggerNow", rest.runs)
	}

	// RunOnce should not fire again immediately since the interval is an
	// hour and TriggerNow does not reset nextFire.
	s.RunOnce(context.Background())
	if atomic.LoadInt32(&rest.runs) != 1 {
		t.Fatalf("rest.runs = %d after RunOnce, want still 1 (not yet due)", rest.runs)
	}
}

func TestTaskHooksFireOnRunAndFailure(t *testing.T) {
	t.Parallel()

	var runs, failures []scheduler.TaskKind
	var mu sync.Mutex

	s := scheduler.New(nil, scheduler.WithTaskHooks(
		func(kind scheduler.TaskKind) {
			mu.Lock()
			defer mu.Unlock()
			runs = append(runs, kind)
		},
		func(kind scheduler.TaskKind) {
			mu.Lock()
			defer mu.Unlock()
			failures = append(failures, kind)
		},
	))

	reach := &fakeReach{ok: true}
	s.Reconcile(pollfile.NewRegistry([]*pollfile.Device{newDevice("r1", time.Hour)}),
		func(d *pollfile.Device) (scheduler.ReachableTask, []scheduler.Task) {
			return reach, nil
		})

	s.TriggerNow(context.Background(), "r1")

	mu.Lock()
	defer mu.Unlock()
	if len(runs) != 1 || runs[0] != scheduler.TaskReachable {
		t.Fatalf("runs = %v, want [%v]", runs, scheduler.TaskReachable)
	}
	if len(failures) != 0 {
		t.Fatalf("failures = %v, want none", failures)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	s := scheduler.New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Run() error = nil, want context.Canceled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestMisfireGraceSkipsStaleRuns(t *testing.T) {
	t.Parallel()

	reach := &fakeReach{ok: true}

	now := time.Unix(1_700_000_000, 0)
	clock := now
	s := scheduler.New(nil,
		scheduler.WithClock(func() time.Time { return clock }),
		scheduler.WithMisfireGrace(30*time.Second))

	reg := pollfile.NewRegistry([]*pollfile.Device{newDevice("r1", time.Minute)})
	s.Reconcile(reg, func(d *pollfile.Device) (scheduler.ReachableTask, []scheduler.Task) {
		return reach, nil
	})

	// The job came due at most one interval after creation; three minutes
	// later it is well past the 30s grace window and must be skipped.
	clock = clock.Add(3 * time.Minute)
	s.RunOnce(context.Background())
	if got := atomic.LoadInt32(&reach.probes); got != 0 {
		t.Fatalf("reach.probes = %d after stale tick, want 0 (skipped)", got)
	}

	// The skip rescheduled the job one interval out; a tick shortly after
	// that is within grace and runs normally.
	clock = clock.Add(time.Minute + time.Second)
	s.RunOnce(context.Background())
	if got := atomic.LoadInt32(&reach.probes); got != 1 {
		t.Fatalf("reach.probes = %d after fresh tick, want 1", got)
	}
}

func TestDeviceCycleAbortsWhenIntervalExceeded(t *testing.T) {
	t.Parallel()

	reach := &fakeReach{ok: true}
	rest := &fakeTask{kind: scheduler.TaskLinkState}

	var failures []scheduler.TaskKind
	var mu sync.Mutex
	s := scheduler.New(nil, scheduler.WithTaskHooks(nil,
		func(kind scheduler.TaskKind) {
			mu.Lock()
			defer mu.Unlock()
			failures = append(failures, kind)
		},
	))

	// A nanosecond interval means the cycle's deadline has passed by the
	// time the probe returns, so the remaining tasks must be aborted.
	reg := pollfile.NewRegistry([]*pollfile.Device{newDevice("r1", time.Nanosecond)})
	s.Reconcile(reg, func(d *pollfile.Device) (scheduler.ReachableTask, []scheduler.Task) {
		return reach, []scheduler.Task{rest}
	})

	s.TriggerNow(context.Background(), "r1")

	if atomic.LoadInt32(&reach.probes) != 1 {
		t.Fatalf("reach.probes = %d, want 1", reach.probes)
	}
	if got := atomic.LoadInt32(&rest.runs); got != 0 {
		t.Fatalf("rest.runs = %d, want 0 (aborted after deadline)", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 || failures[0] != scheduler.TaskLinkState {
		t.Fatalf("failures = %v, want [%v]", failures, scheduler.TaskLinkState)
	}
}
