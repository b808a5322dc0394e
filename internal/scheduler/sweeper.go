// Package scheduler runs periodic maintenance over synchronized data.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/and161185/lexisync/internal/errs"
	"github.com/and161185/lexisync/internal/model"
	"github.com/and161185/lexisync/internal/repository"
	"github.com/and161185/lexisync/internal/srs"
)

const (
	DefaultInterval  = time.Hour
	DefaultPageSize  = 500
	sweepRunDeadline = 5 * time.Minute
)

// Sweeper flags learning progress whose review date has passed.
type Sweeper struct {
	store    repository.Store
	log      *zap.Logger
	every    time.Duration
	pageSize int
	now      func() time.Time

	scheduler *gocron.Scheduler
	mu        sync.Mutex // one sweep at a time
}

// New creates a sweeper; zero values select the defaults.
func New(store repository.Store, log *zap.Logger, every time.Duration, pageSize int) *Sweeper {
	if every <= 0 {
		every = DefaultInterval
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:     store,
		log:       log,
		every:     every,
		pageSize:  pageSize,
		now:       time.Now,
		scheduler: gocron.NewScheduler(time.UTC),
	}
}

// Start schedules the sweep and returns immediately.
func (s *Sweeper) Start() error {
	if _, err := s.scheduler.Every(s.every).Do(s.run); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.scheduler.StartAsync()
	s.log.Info("review sweeper started", zap.Duration("every", s.every))
	return nil
}

// Stop terminates scheduled sweeps.
func (s *Sweeper) Stop() {
	s.scheduler.Stop()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepRunDeadline)
	defer cancel()
	n, err := s.SweepOnce(ctx)
	if err != nil {
		s.log.Error("review sweep", zap.Int("flagged", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("review sweep", zap.Int("flagged", n))
	}
}

// SweepOnce flags every due row and returns how many were flagged. Each page runs in
// its own transaction. UpdatedAt and the checksum are left alone: the flag is derived
// from NextReviewDate and must not look like an edit to syncing clients.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for {
		n, more, err := s.page(ctx)
		total += n
		if err != nil || !more {
			return total, err
		}
	}
}

func (s *Sweeper) page(ctx context.Context) (n int, more bool, err error) {
	now := s.now().UTC()
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			n = 0
			return
		}
		err = tx.Commit(ctx)
	}()

	rows, err := tx.DueProgress(ctx, now, s.pageSize)
	if err != nil {
		return 0, false, err
	}
	for _, r := range rows {
		var p model.LearningProgress
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			s.log.Warn("skip unreadable progress", zap.Int64("id", r.ID), zap.Error(err))
			continue
		}
		if !srs.Due(p, now) {
			continue
		}
		p.NeedsReview = true
		b, err := json.Marshal(p)
		if err != nil {
			return 0, false, err
		}
		rec := r
		rec.Payload = b
		if err := tx.Update(ctx, &rec, r.Version); err != nil {
			if errors.Is(err, errs.ErrVersionConflict) {
				continue
			}
			return 0, false, err
		}
		n++
	}
	return n, n > 0 && len(rows) == s.pageSize, nil
}
