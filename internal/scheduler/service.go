// Package scheduler запускает периодические задачи сервиса (перераспределение
// очереди, сверка счётчиков) по cron-расписаниям.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	statusSuccess = "success"
	statusFailed  = "failed"
	statusSkipped = "skipped"
)

// Handler executes a scheduled job.
type Handler func(context.Context, *Job) error

// Service coordinates scheduled job execution.
type Service struct {
	cron      *cron.Cron
	parser    cron.Parser
	handlers  map[string]Handler
	entries   map[string]cron.EntryID
	jobs      map[string]*Job
	running   map[string]bool
	mu        sync.RWMutex
	handlerMu sync.RWMutex
	rootCtx   context.Context
	logger    *slog.Logger
	startOnce sync.Once
	stopOnce  sync.Once
	location  *time.Location
}

func NewService(opts ...Option) *Service {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	location := options.Location
	if location == nil {
		location = time.UTC
	}
	cronEngine := options.Cron
	if cronEngine == nil {
		cronEngine = cron.New(cron.WithLocation(location))
	}
	var zeroParser cron.Parser
	parser := options.Parser
	if parser == zeroParser {
		parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	}

	jobs := make(map[string]*Job)
	for _, job := range options.Jobs {
		if job == nil || job.Slug == "" || job.Schedule == "" {
			continue
		}
		jobs[job.Slug] = job.Clone()
	}

	return &Service{
		cron:     cronEngine,
		parser:   parser,
		handlers: make(map[string]Handler),
		entries:  make(map[string]cron.EntryID),
		jobs:     jobs,
		running:  make(map[string]bool),
		logger:   options.Logger,
		location: location,
	}
}

// Run starts the scheduler loop until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		s.rootCtx = ctx
		if startErr = s.scheduleAllJobs(); startErr != nil {
			return
		}
		s.cron.Start()
		s.runStartupJobs()
	})
	if startErr != nil {
		return startErr
	}

	<-ctx.Done()
	s.stopCron()
	return nil
}

func (s *Service) runStartupJobs() {
	s.mu.RLock()
	var startup []string
	for slug, job := range s.jobs {
		if job.RunOnStartup {
			startup = append(startup, slug)
		}
	}
	s.mu.RUnlock()

	for _, slug := range startup {
		s.mu.RLock()
		entryID := s.entries[slug]
		s.mu.RUnlock()
		go s.executeJob(slug, entryID)
	}
}

func (s *Service) scheduleAllJobs() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for slug, job := range s.jobs {
		if err := s.addJobLocked(job); err != nil {
			return fmt.Errorf("scheduler: schedule %s (%q): %w", slug, job.Schedule, err)
		}
	}
	return nil
}

func (s *Service) stopCron() {
	s.stopOnce.Do(func() {
		ctx := s.cron.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("scheduler: timed out waiting for jobs to finish")
		}
	})
}

func (s *Service) addJobLocked(job *Job) error {
	schedule, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return err
	}

	slug := job.Slug
	var entryID cron.EntryID
	entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.executeJob(slug, entryID)
	}))

	s.entries[slug] = entryID
	s.jobs[slug] = job
	return nil
}

// executeJob запускает обработчик задачи. Пересекающиеся запуски одной задачи
// пропускаются: следующий тик cron не ждёт медленный предыдущий.
func (s *Service) executeJob(slug string, entryID cron.EntryID) {
	job := s.jobSnapshot(slug)
	if job == nil {
		return
	}
	if !s.markRunning(slug) {
		s.logger.Debug("scheduler: job still running, skip", "job", slug)
		s.finalizeRun(job, slug, entryID, s.now(), s.now(), statusSkipped, nil)
		return
	}
	defer s.clearRunning(slug)

	handler := s.getHandler(job.Handler)
	if handler == nil {
		start := s.now()
		s.finalizeRun(job, slug, entryID, start, start, statusFailed, fmt.Errorf("handler %s not registered", job.Handler))
		return
	}

	ctx := s.rootCtx
	if ctx == nil {
		ctx = context.Background()
	}

	start := s.now()
	jobCtx := ctx
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
	}

	var runErr error
	func() {
		defer func() {
			if cancel != nil {
				cancel()
			}
			if r := recover(); r != nil {
				runErr = fmt.Errorf("panic: %v", r)
			}
		}()
		runErr = handler(jobCtx, job)
	}()

	status := statusSuccess
	if runErr != nil {
		status = statusFailed
		s.logger.Error("scheduler: job failed", "job", slug, "error", runErr)
	}
	s.finalizeRun(job, slug, entryID, start, s.now(), status, runErr)
}

func (s *Service) markRunning(slug string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[slug] {
		return false
	}
	s.running[slug] = true
	return true
}

func (s *Service) clearRunning(slug string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, slug)
}

func (s *Service) finalizeRun(job *Job, slug string, entryID cron.EntryID, start, finish time.Time, status string, runErr error) {
	cloned := job.Clone()
	cloned.LastStatus = status
	if status != statusSkipped {
		cloned.LastRunAt = &finish
		cloned.LastDuration = finish.Sub(start)
		cloned.Runs++
		cloned.LastError = ""
		if runErr != nil {
			cloned.LastError = runErr.Error()
		}
	}

	if entry := s.cron.Entry(entryID); entry.ID != 0 && !entry.Next.IsZero() {
		next := entry.Next.In(s.location)
		cloned.NextRunAt = &next
	} else {
		cloned.NextRunAt = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[slug] = cloned
}

func (s *Service) now() time.Time {
	return time.Now().In(s.location)
}

func (s *Service) jobSnapshot(slug string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[slug].Clone()
}

// Jobs — снимок состояния всех задач, по slug.
func (s *Service) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Slug < out[k].Slug })
	return out
}

func (s *Service) getHandler(name string) Handler {
	if name == "" {
		return nil
	}
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.handlers[name]
}

// RegisterHandler attaches or replaces a handler for the given name. Passing nil removes the handler.
func (s *Service) RegisterHandler(name string, handler Handler) {
	if name == "" {
		return
	}
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	if handler == nil {
		delete(s.handlers, name)
		return
	}
	s.handlers[name] = handler
}
