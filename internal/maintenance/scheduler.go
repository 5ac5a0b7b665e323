// Package maintenance runs the control plane's periodic housekeeping jobs on
// cron schedules.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrUnknownJob is returned by RunNow for a name that was never added
var ErrUnknownJob = errors.New("unknown maintenance job")

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(keysAndValues []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		out = append(out, zap.Any(key, keysAndValues[i+1]))
	}
	return out
}

// JobFunc is the body of a maintenance job
type JobFunc func(ctx context.Context)

type job struct {
	spec  string
	run   JobFunc
	entry cron.EntryID
}

// Scheduler runs named jobs on cron specs. Specs accept five or six fields
// and descriptors such as "@every 10s".
type Scheduler struct {
	logger *zap.Logger
	cron   *cron.Cron

	mu   sync.Mutex
	jobs map[string]*job
	ctx  context.Context
}

// NewScheduler creates a stopped scheduler
func NewScheduler(logger *zap.Logger) *Scheduler {
	logger = logger.Named("maintenance")
	cl := &cronLogger{logger: logger.Named("cron")}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	return &Scheduler{
		logger: logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs: make(map[string]*job),
		ctx:  context.Background(),
	}
}

// AddJob schedules fn under name. An empty spec registers the job for
// RunNow only.
func (s *Scheduler) AddJob(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("maintenance job %s already added", name)
	}

	j := &job{spec: spec, run: fn}
	if spec != "" {
		entry, err := s.cron.AddFunc(spec, func() { s.execute(name, j) })
		if err != nil {
			return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
		}
		j.entry = entry
		s.logger.Info("Maintenance job scheduled",
			zap.String("job", name),
			zap.String("spec", spec))
	} else {
		s.logger.Info("Maintenance job disabled", zap.String("job", name))
	}
	s.jobs[name] = j
	return nil
}

func (s *Scheduler) execute(name string, j *job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Debug("Running maintenance job", zap.String("job", name))
	j.run(ctx)
}

// RunNow runs a job synchronously outside its schedule
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	j.run(ctx)
	return nil
}

// Jobs returns the names of all added jobs, sorted
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run starts the cron loop and blocks until ctx is done, then waits for
// running jobs to finish
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("Starting maintenance scheduler", zap.Int("jobs", len(s.Jobs())))
	s.cron.Start()
	<-ctx.Done()

	s.logger.Info("Stopping maintenance scheduler")
	<-s.cron.Stop().Done()
	return nil
}
