// Package scheduler implements the cooperative per-device polling loop
// (spec §4.2 "Task scheduler and polling tasks").
//
// Scheduling unit: one job per device, running its ordered task pipeline
// (Reachable first, gating the rest) on the device's configured interval.
// Task *kinds* remain distinct Task implementations (spec's task-kind
// list), but they share one timer per device rather than independent
// per-kind timers — reachability gating otherwise requires exactly this
// ordering within a cycle, and per-kind staggering has no operational
// effect once every kind in a device's cycle must execute back-to-back
// anyway. Documented as a deliberate simplification in DESIGN.md.
package scheduler

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/Uninett/zino/internal/pollfile"
)

// TaskKind names one of the task implementations in a device's pipeline
// (spec §4.2 "Task kinds").
type TaskKind string

// Recognized task kinds.
const (
	TaskReachable    TaskKind = "reachable"
	TaskLinkState    TaskKind = "linkstate"
	TaskBGP          TaskKind = "bgp"
	TaskBFD          TaskKind = "bfd"
	TaskJuniperAlarm TaskKind = "juniperalarm"
)

// Task is one unit of per-device SNMP work.
type Task interface {
	Kind() TaskKind
	// Run executes the task against device. reachable reports whether the
	// ReachableTask already ran this cycle and found the device up; tasks
	// other than ReachableTask itself should no-op when reachable is
	// false (spec §4.2: "if unreachable, other tasks for this cycle are
	// skipped").
	Run(ctx context.Context, device *pollfile.Device, reachable bool) error
}

// ReachableTask is distinguished from other tasks because its result
// gates the rest of the cycle.
type ReachableTask interface {
	Task
	// Probe runs the reachability check and returns the outcome, separate
	// from Run so the scheduler can gate subsequent tasks on it within the
	// same cycle.
	Probe(ctx context.Context, device *pollfile.Device) (bool, error)
}

// PipelineFunc builds the ordered task list for a device. Called once per
// job creation/reschedule so a pollfile reload can change a device's
// pipeline (e.g. do_bgp toggling).
type PipelineFunc func(device *pollfile.Device) (reach ReachableTask, rest []Task)

type job struct {
	dev      *pollfile.Device
	interval time.Duration
	nextFire time.Time
	reach    ReachableTask
	rest     []Task
}

// Scheduler runs one job per device (spec §4.2).
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*job

	deviceLocksMu sync.Mutex
	deviceLocks   map[string]*sync.Mutex

	misfireGrace time.Duration
	logger       *slog.Logger
	now          func() time.Time

	onTaskRun     func(kind TaskKind)
	onTaskFailure func(kind TaskKind)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMisfireGrace sets the grace window within which a delayed run still
// fires exactly once; a run later than this is skipped with a warning and
// the job waits for its next interval (spec §4.2 "Misfire policy"). Zero
// or negative disables the bound.
func WithMisfireGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.misfireGrace = d }
}

// WithTaskHooks wires run/failure callbacks, e.g. into metrics.Collector.
func WithTaskHooks(onRun, onFailure func(kind TaskKind)) Option {
	return func(s *Scheduler) {
		s.onTaskRun = onRun
		s.onTaskFailure = onFailure
	}
}

// New creates an empty Scheduler.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:         make(map[string]*job),
		deviceLocks:  make(map[string]*sync.Mutex),
		misfireGrace: 30 * time.Second,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func stagger(device string, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(device))
	return time.Duration(int64(h.Sum32()) % int64(interval))
}

// Reconcile adds/removes/reschedules jobs to match the current device
// registry (spec §4.2: "On pollfile reload, job set is reconciled"). build
// constructs the task pipeline for a device.
func (s *Scheduler) Reconcile(reg *pollfile.Registry, build PipelineFunc) (created, destroyed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, name := range reg.Names() {
		d, _ := reg.Get(name)
		seen[name] = true

		reach, rest := build(d)
		now := s.now()
		if existing, ok := s.jobs[name]; ok && existing.interval == d.Interval {
			existing.reach = reach
			existing.rest = rest
			continue
		}

		s.jobs[name] = &job{
			dev:      d,
			interval: d.Interval,
			nextFire: now.Add(stagger(name, d.Interval)),
			reach:    reach,
			rest:     rest,
		}
		created++
	}

	for name := range s.jobs {
		if !seen[name] {
			delete(s.jobs, name)
			destroyed++
		}
	}

	return created, destroyed
}

// RunOnce executes every job whose nextFire has passed, serialized per
// device (spec §5: "Job runs are serialized per device to avoid
// overlapping SNMP sessions"). Misfires collapse: a job delayed past its
// next due time executes once, not once per missed interval — unless it is
// later than the misfire grace window, in which case the run is skipped
// entirely with a warning and the job waits for its next interval (spec
// §4.2 "A configurable grace window bounds this").
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if j.nextFire.After(now) {
			continue
		}
		if late := now.Sub(j.nextFire); s.misfireGrace > 0 && late > s.misfireGrace {
			if s.logger != nil {
				s.logger.Warn("misfire grace exceeded, skipping run",
					slog.String("device", j.dev.Name),
					slog.Duration("late", late))
			}
			j.nextFire = now.Add(j.interval)
			continue
		}
		due = append(due, j)
		j.nextFire = now.Add(j.interval)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range due {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			s.runDeviceCycle(ctx, j)
		}(j)
	}
	wg.Wait()
}

// TriggerNow runs device's job immediately, out of band from its regular
// interval, without disturbing its next scheduled fire time. Used for
// trap-directed confirming polls (spec §4.4) and the command protocol's
// POLLRTR/POLLINTF (spec §4.6) — both kinds of on-demand poll run the same
// full per-device task pipeline; ifindex-scoped confirmation is achieved
// because LinkStateTask re-walks and re-diffs the whole interface table on
// every run, not by narrowing the walk.
func (s *Scheduler) TriggerNow(ctx context.Context, device string) bool {
	s.mu.Lock()
	j, ok := s.jobs[device]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.runDeviceCycle(ctx, j)
	return true
}

// runDeviceCycle runs one device's full task pipeline under a deadline of
// the device's polling interval: a cycle still running when the next tick
// would be due is warned about and aborted (spec §5 "A task whose total
// runtime exceeds interval raises a warning and is aborted before the
// next tick").
func (s *Scheduler) runDeviceCycle(ctx context.Context, j *job) {
	unlock := s.lockDevice(j.dev.Name)
	defer unlock()

	runCtx := ctx
	if j.interval > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, j.interval)
		defer cancel()
	}

	reachable := true
	if j.reach != nil {
		ok, err := j.reach.Probe(runCtx, j.dev)
		s.recordRun(j.reach.Kind(), err)
		reachable = ok
	}

	for _, t := range j.rest {
		if runCtx.Err() != nil && ctx.Err() == nil {
			if s.logger != nil {
				s.logger.Warn("device cycle exceeded polling interval, aborting remaining tasks",
					slog.String("device", j.dev.Name),
					slog.String("task_kind", string(t.Kind())),
					slog.Duration("interval", j.interval))
			}
			if s.onTaskFailure != nil {
				s.onTaskFailure(t.Kind())
			}
			break
		}
		err := t.Run(runCtx, j.dev, reachable)
		s.recordRun(t.Kind(), err)
	}
}

func (s *Scheduler) recordRun(kind TaskKind, err error) {
	if s.onTaskRun != nil {
		s.onTaskRun(kind)
	}
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("task run failed", slog.String("task_kind", string(kind)), slog.Any("error", err))
		}
		if s.onTaskFailure != nil {
			s.onTaskFailure(kind)
		}
	}
}

func (s *Scheduler) lockDevice(name string) func() {
	s.deviceLocksMu.Lock()
	m, ok := s.deviceLocks[name]
	if !ok {
		m = &sync.Mutex{}
		s.deviceLocks[name] = m
	}
	s.deviceLocksMu.Unlock()

	m.Lock()
	return m.Unlock
}

// Run drives RunOnce on a 1-second tick until ctx is cancelled (the
// top-level executor; spec §5 "single-threaded cooperative" scheduling is
// honored at the per-device level via lockDevice, while independent
// devices' I/O genuinely overlaps, matching "parallelism is achieved by
// interleaving at I/O suspension points").
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
