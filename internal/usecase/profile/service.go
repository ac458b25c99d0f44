// Package profile maintains the per-user interest profiles. The incremental
// updater is the single writer: it folds the event window since the last
// watermark into fresh snapshots and advances the watermark afterwards, so a
// crashed run is simply retried over the same window.
package profile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/topfeed/topfeed/internal/domain"
	domprofile "github.com/topfeed/topfeed/internal/domain/profile"
)

// Config tunes the updater.
type Config struct {
	// WindowHours bounds the first run, before any watermark exists.
	WindowHours int
	// HalfLifeDays drives decay in full rebuilds; the incremental path counts
	// events with unit weight.
	HalfLifeDays float64
}

// ApplyDefaults fills zero values with the standard tuning.
func (c *Config) ApplyDefaults() {
	if c.WindowHours <= 0 {
		c.WindowHours = 24
	}
	if c.HalfLifeDays <= 0 {
		c.HalfLifeDays = 7.0
	}
}

// Report summarizes one incremental update run.
type Report struct {
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	UsersProcessed int       `json:"users_processed"`
	NodesWritten   int       `json:"nodes_written"`
}

// Service builds and serves interest profiles.
type Service struct {
	events    EventReader
	snapshots SnapshotStore
	cfg       Config
	now       func() time.Time
}

// New creates a profile service.
func New(events EventReader, snapshots SnapshotStore, cfg Config) *Service {
	cfg.ApplyDefaults()
	return &Service{events: events, snapshots: snapshots, cfg: cfg, now: time.Now}
}

// Tree returns the stored snapshot for one user.
func (s *Service) Tree(ctx context.Context, userID string) (domprofile.Tree, error) {
	return s.snapshots.Tree(ctx, userID)
}

// UpdateIncremental rebuilds the snapshot of every user active since the
// watermark, counting impressions and clicks from the window with unit
// weight. The watermark moves to the run start only after all users saved.
func (s *Service) UpdateIncremental(ctx context.Context) (Report, error) {
	now := s.now().UTC()

	start, err := s.snapshots.Watermark(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read watermark: %w", err)
	}
	if start.IsZero() {
		start = now.Add(-time.Duration(s.cfg.WindowHours) * time.Hour)
	}

	events, err := s.events.EventsSince(ctx, start)
	if err != nil {
		return Report{}, fmt.Errorf("event window: %w", err)
	}

	byUser := make(map[string]*domprofile.Builder)
	for _, ev := range events {
		if ev.Kind != domain.EventImpression && ev.Kind != domain.EventClick {
			continue
		}
		b := byUser[ev.UserID]
		if b == nil {
			b = domprofile.NewBuilder()
			byUser[ev.UserID] = b
		}
		subcategory := ev.Subcategory
		if subcategory == "" {
			subcategory = "unknown"
		}
		if ev.Kind == domain.EventClick {
			b.ObserveClick(ev.Category, subcategory, 1)
		} else {
			b.ObserveExposure(ev.Category, subcategory, 1)
		}
	}

	report := Report{WindowStart: start, WindowEnd: now}

	// Deterministic user order keeps retries reproducible.
	users := make([]string, 0, len(byUser))
	for userID := range byUser {
		users = append(users, userID)
	}
	sort.Strings(users)

	for _, userID := range users {
		b := byUser[userID]
		if b.Empty() {
			continue
		}
		tree, nodes := b.Build(userID, 0, now)
		if err := s.snapshots.SaveSnapshot(ctx, tree, nodes); err != nil {
			return report, fmt.Errorf("save snapshot for %s: %w", userID, err)
		}
		report.UsersProcessed++
		report.NodesWritten += len(nodes)
	}

	if err := s.snapshots.SetWatermark(ctx, now); err != nil {
		return report, fmt.Errorf("advance watermark: %w", err)
	}
	return report, nil
}

// RebuildUser recomputes one user's profile from their full event history
// with half-life decay, the same aggregation the offline builder runs in
// bulk.
func (s *Service) RebuildUser(ctx context.Context, userID string) (domprofile.Tree, error) {
	events, err := s.events.EventsSince(ctx, time.Time{})
	if err != nil {
		return domprofile.Tree{}, fmt.Errorf("event history: %w", err)
	}

	now := s.now().UTC()
	b := domprofile.NewBuilder()
	for _, ev := range events {
		if ev.UserID != userID {
			continue
		}
		if ev.Kind != domain.EventImpression && ev.Kind != domain.EventClick {
			continue
		}
		ageDays := now.Sub(ev.Ts).Hours() / 24.0
		if ageDays < 0 {
			ageDays = 0
		}
		weight := domain.DecayWeight(ageDays, s.cfg.HalfLifeDays)
		subcategory := ev.Subcategory
		if subcategory == "" {
			subcategory = "unknown"
		}
		if ev.Kind == domain.EventClick {
			b.ObserveClick(ev.Category, subcategory, weight)
		} else {
			b.ObserveExposure(ev.Category, subcategory, weight)
		}
	}
	if b.Empty() {
		return domprofile.Tree{}, domain.ErrProfileNotFound
	}

	tree, nodes := b.Build(userID, s.cfg.HalfLifeDays, now)
	if err := s.snapshots.SaveSnapshot(ctx, tree, nodes); err != nil {
		return domprofile.Tree{}, fmt.Errorf("save snapshot for %s: %w", userID, err)
	}
	return tree, nil
}
