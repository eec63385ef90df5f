package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scrypster/chathistory/internal/fsutil"
)

// Job is a periodic maintenance task.
type Job interface {
	// Name identifies the job in logs; it must be unique per scheduler.
	Name() string

	// Schedule returns a 5-field cron expression (e.g. "0 3 * * *").
	Schedule() string

	Run(ctx context.Context) error
}

// Scheduler runs jobs on their cron schedules. A tick that finds the
// previous run of the same job still going is skipped, so runs of one job
// never overlap.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   []Job
	locks  map[string]*sync.Mutex
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Jobs must be registered before Start.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		locks:  make(map[string]*sync.Mutex),
		logger: logger,
	}
}

// Register adds a job. Names must be unique.
func (s *Scheduler) Register(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := j.Name()
	if _, exists := s.locks[name]; exists {
		return fmt.Errorf("cleanup: duplicate job name %q", name)
	}
	s.locks[name] = &sync.Mutex{}
	s.jobs = append(s.jobs, j)
	return nil
}

// Start parses every schedule and begins running jobs. An invalid
// expression fails Start and nothing runs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))

	for _, j := range s.jobs {
		job := j
		lock := s.locks[job.Name()]
		if _, err := c.AddFunc(job.Schedule(), func() { s.tick(ctx, job, lock) }); err != nil {
			cancel()
			return fmt.Errorf("cleanup: invalid schedule for job %q: %w", job.Name(), err)
		}
	}

	s.cron, s.cancel = c, cancel
	c.Start()
	s.logger.Info("cleanup: scheduler started", "jobs", len(s.jobs))
	return nil
}

// tick runs job unless its previous run still holds lock. It reports
// whether the job ran.
func (s *Scheduler) tick(ctx context.Context, job Job, lock *sync.Mutex) bool {
	if !lock.TryLock() {
		s.logger.Warn("cleanup: job still running, skipping tick", "job", job.Name())
		return false
	}
	defer lock.Unlock()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("cleanup: job failed", "job", job.Name(), "error", err)
	} else {
		s.logger.Debug("cleanup: job completed", "job", job.Name(), "duration", time.Since(start))
	}
	return true
}

// RunNow runs the named job immediately, honouring the overlap guard.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	lock, ok := s.locks[name]
	var job Job
	for _, j := range s.jobs {
		if j.Name() == name {
			job = j
		}
	}
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("cleanup: unknown job %q", name)
	}
	return s.tick(ctx, job, lock), nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.logger.Info("cleanup: scheduler stopped")
	}
}

// SweepJob runs CleanupAll.
type SweepJob struct {
	Engine *Engine
	Cron   string
	DryRun bool
}

func (j *SweepJob) Name() string     { return "retention-sweep" }
func (j *SweepJob) Schedule() string { return j.Cron }

func (j *SweepJob) Run(ctx context.Context) error {
	_, err := j.Engine.CleanupAll(ctx, j.DryRun)
	return err
}

// BackupPruneJob removes migration backups beyond their retention tiers.
type BackupPruneJob struct {
	FS        fsutil.FS
	Root      string
	BackupDir string
	Retention BackupRetention
	Cron      string
	Now       func() time.Time
	Logger    *slog.Logger
}

func (j *BackupPruneJob) Name() string     { return "backup-prune" }
func (j *BackupPruneJob) Schedule() string { return j.Cron }

func (j *BackupPruneJob) Run(_ context.Context) error {
	fsys := j.FS
	if fsys == nil {
		fsys = fsutil.OS{}
	}
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}

	dirs, err := BackupDirs(fsys, j.Root, j.BackupDir)
	if err != nil {
		return err
	}
	res, err := PruneBackups(fsys, dirs, j.Retention, now())
	if j.Logger != nil && res.Removed > 0 {
		j.Logger.Info("cleanup: migration backups pruned", "removed", res.Removed, "bytes", res.BytesFreed)
	}
	return err
}
