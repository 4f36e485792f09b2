package scene

import (
	"context"
	"errors"
	"strings"
	"sync"

	"panelhub/internal/dayphase"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler triggers scenes that carry a cron or sun schedule.
type Scheduler struct {
	// Location anchors "@sunset"-style schedules. Without it those
	// schedules are skipped. Set before Start.
	Location *dayphase.Location

	executor *Executor
	scenes   *Repository
	logger   *zap.Logger

	cron *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
	specs   map[string]string
}

// NewScheduler creates a stopped scheduler. Schedules use six fields with
// seconds first, e.g. "0 30 22 * * *".
func NewScheduler(executor *Executor, scenes *Repository, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		executor: executor,
		scenes:   scenes,
		logger:   logger.Named("scene-scheduler"),
		cron:     cron.New(cron.WithSeconds()),
		ctx:      context.Background(),
		entries:  make(map[string]cron.EntryID),
		specs:    make(map[string]string),
	}
}

// Start loads schedules and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Sync(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sync reconciles cron entries with the stored definitions: new or changed
// schedules are (re)added, removed ones dropped.
func (s *Scheduler) Sync(ctx context.Context) error {
	defs, err := s.scenes.List(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expected := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		spec := strings.TrimSpace(d.Schedule)
		if spec == "" {
			continue
		}
		expected[d.ID] = struct{}{}

		if old, ok := s.specs[d.ID]; ok {
			if old == spec {
				continue
			}
			s.cron.Remove(s.entries[d.ID])
			delete(s.entries, d.ID)
			delete(s.specs, d.ID)
		}

		id, err := s.add(d.ID, spec)
		if err != nil {
			s.logger.Warn("Invalid scene schedule",
				zap.String("scene", d.ID),
				zap.String("schedule", spec),
				zap.Error(err))
			continue
		}
		s.entries[d.ID] = id
		s.specs[d.ID] = spec
		s.logger.Info("Scheduled scene", zap.String("scene", d.ID), zap.String("schedule", spec))
	}

	for sceneID, entryID := range s.entries {
		if _, ok := expected[sceneID]; ok {
			continue
		}
		s.cron.Remove(entryID)
		delete(s.entries, sceneID)
		delete(s.specs, sceneID)
	}
	return nil
}

func (s *Scheduler) add(sceneID, spec string) (cron.EntryID, error) {
	job := cron.FuncJob(func() { s.fire(sceneID) })
	if !dayphase.IsSunSpec(spec) {
		return s.cron.AddJob(spec, job)
	}
	if s.Location == nil {
		return 0, errors.New("sun schedules need a configured location")
	}
	sched, err := dayphase.Parse(spec, *s.Location)
	if err != nil {
		return 0, err
	}
	return s.cron.Schedule(sched, job), nil
}

// Scheduled returns the active schedule per scene id.
func (s *Scheduler) Scheduled() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.specs))
	for k, v := range s.specs {
		out[k] = v
	}
	return out
}

func (s *Scheduler) fire(sceneID string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	result := s.executor.ExecuteScene(ctx, sceneID)
	s.logger.Info("Scheduled scene ran",
		zap.String("scene", sceneID),
		zap.String("execution_id", result.ExecutionID),
		zap.Bool("success", result.Success))
}
