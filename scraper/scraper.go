// Package scraper keeps the score index warm by submitting ranked players in the background.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/o-dasher/rusty-rika/osu"
	"github.com/o-dasher/rusty-rika/submit"
	"github.com/o-dasher/rusty-rika/telemetry"
)

const (
	// expected ranked players per sweep (pages * 50 per page * modes) with headroom.
	filterCapacity = 200000
	filterFPRate   = 0.001
)

// RankingSource lists ranked players.
type RankingSource interface {
	Rankings(ctx context.Context, mode osu.Mode, country string, page int) ([]osu.RankedUser, error)
}

// Submitter runs one submission to completion.
type Submitter interface {
	SubmitSync(ctx context.Context, subject submit.Subject, mode osu.Mode) (submit.Result, error)
}

// Config controls the sweep.
type Config struct {
	Country  string
	MaxPage  int
	Interval time.Duration
}

// Stats counts players handled since start.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Skipped   int64 `json:"skipped"`
	Busy      int64 `json:"busy"`
	Failed    int64 `json:"failed"`
	Sweeps    int64 `json:"sweeps"`
}

// Scraper walks ranking pages mode by mode. Each call to Step handles one page.
type Scraper struct {
	source RankingSource
	sub    Submitter
	cfg    Config

	mu      sync.Mutex
	visited *bloom.BloomFilter
	modeIdx int
	page    int
	stats   Stats
}

// New returns a Scraper positioned at the first page of the first mode.
func New(source RankingSource, sub Submitter, cfg Config) *Scraper {
	if cfg.MaxPage <= 0 {
		cfg.MaxPage = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Scraper{
		source:  source,
		sub:     sub,
		cfg:     cfg,
		visited: bloom.NewWithEstimates(filterCapacity, filterFPRate),
		page:    1,
	}
}

// Stats returns a snapshot of the counters.
func (s *Scraper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// cursor returns the current mode and page.
func (s *Scraper) cursor() (osu.Mode, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return osu.Modes[s.modeIdx], s.page
}

// advance moves to the next page, or the next mode when the page was the last one. Wrapping
// past the last mode starts a new sweep with an empty filter.
func (s *Scraper) advance(lastPage bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !lastPage && s.page < s.cfg.MaxPage {
		s.page++
		return
	}
	s.page = 1
	s.modeIdx++
	if s.modeIdx == len(osu.Modes) {
		s.modeIdx = 0
		s.visited.ClearAll()
		s.stats.Sweeps++
	}
}

func visitKey(id int64, mode osu.Mode) string {
	return strconv.FormatInt(id, 10) + "/" + mode.String()
}

// seen tests and records a player for the current sweep.
func (s *Scraper) seen(id int64, mode osu.Mode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := visitKey(id, mode)
	if s.visited.TestString(k) {
		return true
	}
	s.visited.AddString(k)
	return false
}

func (s *Scraper) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

// Step fetches the current ranking page and submits every player not seen this sweep.
func (s *Scraper) Step(ctx context.Context) error {
	mode, page := s.cursor()
	logger := slog.With(slog.String("component", "scraper"), slog.String("mode", mode.String()), slog.Int("page", page))

	users, err := s.source.Rankings(ctx, mode, s.cfg.Country, page)
	if err != nil {
		return fmt.Errorf("rankings %s page %d: %w", mode, page, err)
	}
	for _, u := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.seen(u.ID, mode) {
			s.count(func(st *Stats) { st.Skipped++ })
			telemetry.ObserveScraperPlayer("skipped")
			continue
		}
		res, err := s.sub.SubmitSync(ctx, submit.ByID(u.ID), mode)
		switch {
		case errors.Is(err, submit.ErrAlreadySubmitting):
			s.count(func(st *Stats) { st.Busy++ })
			telemetry.ObserveScraperPlayer("busy")
		case err != nil:
			s.count(func(st *Stats) { st.Failed++ })
			telemetry.ObserveScraperPlayer("failed")
			logger.Warn("scraper submission failed", slog.Int64("subject_id", u.ID), slog.Any("err", err))
		default:
			s.count(func(st *Stats) { st.Submitted++ })
			telemetry.ObserveScraperPlayer("submitted")
			logger.Debug("scraped player", slog.Int64("subject_id", u.ID), slog.Int("submitted", res.Submitted))
		}
	}
	s.advance(len(users) == 0)
	logger.Info("scraper page done", slog.Int("players", len(users)))
	return nil
}

// Run calls Step every interval until ctx is done.
func (s *Scraper) Run(ctx context.Context) {
	slog.Info("scraper job starting",
		slog.String("country", s.cfg.Country),
		slog.Int("max_page", s.cfg.MaxPage),
		slog.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := s.Step(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("scraper step", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			slog.Info("scraper job stopped")
			return
		case <-ticker.C:
		}
	}
}
