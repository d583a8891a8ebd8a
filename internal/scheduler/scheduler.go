package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"island/internal/model"
)

const (
	// DefaultSpec checks the section list every hour.
	DefaultSpec = "@every 1h"
	// MaxSectionAge is how long a fetched section list stays fresh.
	MaxSectionAge = 30 * 24 * time.Hour

	checkTimeout = 2 * time.Minute
)

// SectionSource fetches the board's section list.
type SectionSource interface {
	FetchSections(ctx context.Context) ([]model.Section, error)
}

// SectionStore persists the section list.
type SectionStore interface {
	ReplaceSections(ctx context.Context, sections []model.Section) error
}

// Tracker remembers when the section list was last fetched.
type Tracker interface {
	SectionsUpdatedAt(ctx context.Context) (time.Time, bool, error)
	MarkSectionsUpdated(ctx context.Context, t time.Time) error
}

// Scheduler keeps the local section list fresh.
type Scheduler struct {
	src     SectionSource
	store   SectionStore
	tracker Tracker
	spec    string
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Scheduler that checks the section list on spec.
// An empty spec selects DefaultSpec.
func New(src SectionSource, store SectionStore, tracker Tracker, spec string, log *slog.Logger) *Scheduler {
	if spec == "" {
		spec = DefaultSpec
	}
	return &Scheduler{
		src:     src,
		store:   store,
		tracker: tracker,
		spec:    spec,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run checks once, then on every tick of the schedule, blocking until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.spec, func() { s.check(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", s.spec, err)
	}

	s.check(ctx)

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Scheduler) check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if ctx.Err() != nil {
		return
	}

	refreshed, err := s.RefreshIfStale(ctx)
	if err != nil {
		s.log.Error("refresh sections", "error", err)
		return
	}
	if !refreshed {
		s.log.Debug("sections are fresh")
	}
}

// RefreshIfStale replaces the stored section list when it was never fetched
// or is older than MaxSectionAge. It reports whether a refresh happened.
func (s *Scheduler) RefreshIfStale(ctx context.Context) (bool, error) {
	updated, ok, err := s.tracker.SectionsUpdatedAt(ctx)
	if err != nil {
		return false, fmt.Errorf("read sections timestamp: %w", err)
	}
	now := s.now()
	if ok && now.Sub(updated) < MaxSectionAge {
		return false, nil
	}

	sections, err := s.src.FetchSections(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch sections: %w", err)
	}
	if err := s.store.ReplaceSections(ctx, sections); err != nil {
		return false, fmt.Errorf("store sections: %w", err)
	}
	if err := s.tracker.MarkSectionsUpdated(ctx, now); err != nil {
		return false, fmt.Errorf("mark sections updated: %w", err)
	}

	s.log.Info("sections refreshed", "count", len(sections))
	return true, nil
}
