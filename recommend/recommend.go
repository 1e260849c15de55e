// Package recommend suggests beatmaps whose stored performance profile resembles a
// subject's recent form.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/o-dasher/rusty-rika/db"
	"github.com/o-dasher/rusty-rika/osu"
	"github.com/o-dasher/rusty-rika/telemetry"
)

// DefaultRange is the relative width of each component interval.
const DefaultRange = 0.3

// decay weights the i-th best score by decay^i.
const decay = 0.95

var (
	// ErrRequiresSubmission means the subject has no stored scores for the mode.
	ErrRequiresSubmission = errors.New("subject has no submitted scores for this mode")
	// ErrInvalidRange is returned for ranges outside (0, 2).
	ErrInvalidRange = errors.New("range must be greater than 0 and less than 2")
)

// Store is the read side of the score index.
type Store interface {
	Performances(ctx context.Context, subjectID int64, mode osu.Mode) ([]osu.Performance, error)
	RandomScoreWithin(ctx context.Context, mode osu.Mode, bounds map[string]db.Bounds, excludeSubject int64) (db.StoredScore, error)
}

// Recommendation is a stored play from another subject that matches the profile.
type Recommendation struct {
	ScoreID   int64
	BeatmapID int64
	Mods      osu.Mods
	Mode      osu.Mode
	Bounds    map[string]db.Bounds
}

// URL links the recommended beatmap.
func (r Recommendation) URL() string {
	return fmt.Sprintf("https://osu.ppy.sh/b/%d", r.BeatmapID)
}

// Recommender builds recommendations from stored performance.
type Recommender struct {
	store Store
	rng   float64
}

// New returns a Recommender using width as the default range. Non-positive widths fall
// back to DefaultRange.
func New(store Store, width float64) *Recommender {
	if width <= 0 || width >= 2 {
		width = DefaultRange
	}
	return &Recommender{store: store, rng: width}
}

// Recommend picks a random matching play for subjectID. width <= 0 uses the default range.
func (r *Recommender) Recommend(ctx context.Context, subjectID int64, mode osu.Mode, width float64) (Recommendation, error) {
	if !mode.Supported() {
		return Recommendation{}, fmt.Errorf("recommend %s: unsupported mode", mode)
	}
	if width <= 0 {
		width = r.rng
	}
	if width >= 2 || math.IsNaN(width) {
		return Recommendation{}, ErrInvalidRange
	}

	perfs, err := r.store.Performances(ctx, subjectID, mode)
	if err != nil {
		return Recommendation{}, fmt.Errorf("load performance: %w", err)
	}
	if len(perfs) == 0 {
		return Recommendation{}, ErrRequiresSubmission
	}

	bounds := make(map[string]db.Bounds)
	for name, v := range WeightedComponents(perfs) {
		low, high := Interval(v, width)
		bounds[name] = db.Bounds{Low: low, High: high}
	}

	found, err := r.store.RandomScoreWithin(ctx, mode, bounds, subjectID)
	if err != nil {
		return Recommendation{}, err
	}
	slog.Debug("recommendation found",
		slog.String("component", "recommend"),
		slog.Int64("subject_id", subjectID),
		slog.String("mode", mode.String()),
		slog.Int64("beatmap_id", found.BeatmapID),
		slog.String("corr", telemetry.GetCorrelation(ctx)))

	return Recommendation{
		ScoreID:   found.ID,
		BeatmapID: found.BeatmapID,
		Mods:      found.Mods,
		Mode:      found.Mode,
		Bounds:    bounds,
	}, nil
}

// WeightedComponents returns the decay-weighted mean of every component. perfs must be
// ordered best first.
func WeightedComponents(perfs []osu.Performance) map[string]float64 {
	sums := map[string]float64{}
	var total float64
	w := 1.0
	for _, p := range perfs {
		for name, v := range p.Components() {
			sums[name] += v * w
		}
		total += w
		w *= decay
	}
	if total == 0 {
		return sums
	}
	for name := range sums {
		sums[name] /= total
	}
	return sums
}

// Interval centres a window of relative width around x.
func Interval(x, width float64) (float64, float64) {
	d := width / 2
	return x * (1 - d), x * (1 + d)
}
