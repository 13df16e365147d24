package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"RewardPool/internal/core"
	"RewardPool/internal/observability"
	"RewardPool/internal/persistence"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// StateSource is the core as seen by the snapshotter.
type StateSource interface {
	GetSequence() int64
	CreateSnapshotState() (*core.SnapshotState, error)
}

// SnapshotStore persists and verifies snapshots.
// persistence.SnapshotManager satisfies it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *persistence.SnapshotData) (int, error)
	VerifyPending(ctx context.Context) (int, error)
}

// Snapshotter takes core snapshots on a cron schedule once at least
// minEvents commands have been processed since the last one.
type Snapshotter struct {
	cron      *cron.Cron
	source    StateSource
	store     SnapshotStore
	minEvents int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
	ctx       context.Context

	mu      sync.Mutex
	lastSeq int64
}

func NewSnapshotter(ctx context.Context, source StateSource, store SnapshotStore, minEvents int64, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		cron:      cron.New(),
		source:    source,
		store:     store,
		minEvents: minEvents,
		metrics:   metrics,
		logger:    logger,
		ctx:       ctx,
		lastSeq:   source.GetSequence(),
	}
}

// Register schedules the snapshot check.
func (s *Snapshotter) Register(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("register snapshot task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Snapshotter) Start() {
	s.cron.Start()
	s.logger.Info().Msg("snapshot scheduler started")
}

// Stop stops scheduling and waits for a running snapshot to finish.
func (s *Snapshotter) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("snapshot scheduler stopped")
}

func (s *Snapshotter) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// verify first so snapshots from earlier ticks become loadable once
	// their sequences are persisted
	if n, err := s.store.VerifyPending(s.ctx); err != nil {
		s.logger.Warn().Err(err).Msg("snapshot verification failed")
	} else if n > 0 {
		s.logger.Info().Int("verified", n).Msg("snapshots verified")
	}

	if s.source.GetSequence()-s.lastSeq < s.minEvents {
		return
	}
	if err := s.take(s.ctx); err != nil {
		s.logger.Warn().Err(err).Msg("periodic snapshot failed")
	}
}

// TakeNow snapshots unconditionally, e.g. at shutdown.
func (s *Snapshotter) TakeNow(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.take(ctx)
}

func (s *Snapshotter) take(ctx context.Context) error {
	start := time.Now()

	st, err := s.source.CreateSnapshotState()
	if err != nil {
		return fmt.Errorf("capture state: %w", err)
	}
	if st.Sequence < 0 {
		// nothing processed yet
		return nil
	}

	size, err := s.store.SaveSnapshot(ctx, persistence.NewSnapshotData(st, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.lastSeq = st.Sequence + 1

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(st.Sequence))
	}
	s.logger.Info().Int64("sequence", st.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}
