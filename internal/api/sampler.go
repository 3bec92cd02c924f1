package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redmage123/course-creator-sub015/internal/container"
	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/protocol"
	"github.com/redmage123/course-creator-sub015/internal/store"
)

// Sampler polls sandbox resource usage for sessions that have status
// subscribers and publishes resource_snapshot messages.
type Sampler struct {
	repo     store.Repository
	rt       container.Runtime
	hub      *StatusHub
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	prev   map[string]*container.Sample
	latest map[string]*domain.ResourceSnapshot
}

// NewSampler creates a sampler polling every interval.
func NewSampler(repo store.Repository, rt container.Runtime, hub *StatusHub, interval time.Duration, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{
		repo:     repo,
		rt:       rt,
		hub:      hub,
		interval: interval,
		log:      logger.With("component", "sampler"),
		prev:     make(map[string]*container.Sample),
		latest:   make(map[string]*domain.ResourceSnapshot),
	}
}

// Run polls until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("resource sampler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("resource sampler stopped")
			return
		case <-ticker.C:
			s.SampleSubscribed(ctx)
		}
	}
}

// SampleSubscribed samples every running session that has subscribers and
// publishes the snapshots. It returns the number published.
func (s *Sampler) SampleSubscribed(ctx context.Context) int {
	published := 0
	for _, id := range s.hub.Sessions() {
		session, err := s.repo.GetSession(ctx, id)
		if err != nil {
			s.log.Warn("failed to load session for sampling", "session_id", id, "error", err)
			continue
		}
		if session == nil || session.Status != domain.StatusRunning || session.ContainerID == "" {
			continue
		}
		snap, err := s.Sample(ctx, session)
		if err != nil {
			s.log.Debug("resource sample failed", "session_id", id, "error", err)
			continue
		}
		s.hub.Publish(id, protocol.StatusMessage{Type: protocol.ResourceSnapshot, Resources: snap})
		published++
	}
	return published
}

// Sample reads the sandbox's usage now. Network rates need a previous
// sample and are omitted on the first one.
func (s *Sampler) Sample(ctx context.Context, session *domain.Session) (*domain.ResourceSnapshot, error) {
	cur, err := s.rt.Stats(ctx, session.ContainerID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot(s.prev[session.ID], cur)
	s.prev[session.ID] = cur
	s.latest[session.ID] = snap
	c := *snap
	return &c, nil
}

// Latest returns the last snapshot taken for sessionID, or nil.
func (s *Sampler) Latest(sessionID string) *domain.ResourceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.latest[sessionID]
	if !ok {
		return nil
	}
	c := *snap
	return &c
}

// Forget drops the samples of an ended session.
func (s *Sampler) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.prev, sessionID)
	delete(s.latest, sessionID)
	s.mu.Unlock()
}

// Snapshot converts a raw sample into a snapshot. Rates are bytes per second
// between prev and cur, and are left unset when the counters went backwards
// or no time passed.
func Snapshot(prev, cur *container.Sample) *domain.ResourceSnapshot {
	snap := &domain.ResourceSnapshot{
		CPUPercent:  cur.CPUPercent,
		MemoryUsed:  cur.MemoryUsed,
		MemoryTotal: cur.MemoryLimit,
		DiskUsed:    cur.DiskUsed,
		DiskTotal:   cur.DiskTotal,
		SampledAt:   cur.At.UTC(),
	}
	if prev == nil {
		return snap
	}
	secs := cur.At.Sub(prev.At).Seconds()
	if secs <= 0 {
		return snap
	}
	snap.NetworkRxRate = rate(prev.RxBytes, cur.RxBytes, secs)
	snap.NetworkTxRate = rate(prev.TxBytes, cur.TxBytes, secs)
	return snap
}

func rate(prev, cur uint64, secs float64) *float64 {
	if cur < prev {
		return nil
	}
	r := float64(cur-prev) / secs
	return &r
}
