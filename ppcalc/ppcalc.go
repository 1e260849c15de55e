// Package ppcalc turns a play into a mode-specific performance breakdown by calling an
// external calculator service. The calculation itself is opaque to this module; this
// package only maps judgements into the calculator's vocabulary and decodes its answer.
package ppcalc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/o-dasher/rusty-rika/osu"
)

// Calculator computes performance for one score against a beatmap file.
type Calculator interface {
	Calculate(ctx context.Context, beatmap []byte, score osu.Score) (osu.Performance, error)
}

// Request is the body sent to the calculator service. Beatmap is base64 encoded by
// encoding/json.
type Request struct {
	Mode    string `json:"mode"`
	Beatmap []byte `json:"beatmap"`
	Mods    uint32 `json:"mods"`
	Combo   int    `json:"combo,omitempty"`
	NGeki   int    `json:"n_geki,omitempty"`
	N300    int    `json:"n300"`
	NKatu   int    `json:"n_katu,omitempty"`
	N100    int    `json:"n100"`
	N50     int    `json:"n50,omitempty"`
	Misses  int    `json:"misses"`
}

// Response mirrors the calculator's performance attributes.
type Response struct {
	PP           float64 `json:"pp"`
	PPAim        float64 `json:"pp_aim"`
	PPSpeed      float64 `json:"pp_speed"`
	PPFlashlight float64 `json:"pp_flashlight"`
	PPAcc        float64 `json:"pp_acc"`
	PPDifficulty float64 `json:"pp_difficulty"`
}

// NewRequest maps a score's statistics onto the judgement counts each ruleset uses.
// Mania counts perfect hits as 320s (geki) and good hits as 200s (katu).
func NewRequest(beatmap []byte, s osu.Score) (Request, error) {
	req := Request{Mode: s.Mode.String(), Beatmap: beatmap, Mods: uint32(s.Mods)}
	st := s.Statistics
	switch s.Mode {
	case osu.ModeOsu:
		req.N300, req.N100, req.N50, req.Misses, req.Combo = st.Great, st.Ok, st.Meh, st.Miss, s.MaxCombo
	case osu.ModeTaiko:
		req.N300, req.N100, req.Misses, req.Combo = st.Great, st.Ok, st.Miss, s.MaxCombo
	case osu.ModeMania:
		req.NGeki, req.N300, req.NKatu, req.N100, req.N50, req.Misses = st.Perfect, st.Great, st.Good, st.Ok, st.Meh, st.Miss
	default:
		return Request{}, fmt.Errorf("mode %s has no performance calculation", s.Mode)
	}
	return req, nil
}

// ToPerformance picks the attributes relevant to mode.
func (r Response) ToPerformance(mode osu.Mode) (osu.Performance, error) {
	switch mode {
	case osu.ModeOsu:
		return osu.OsuPerformance{Overall: r.PP, Aim: r.PPAim, Speed: r.PPSpeed, Flashlight: r.PPFlashlight, Accuracy: r.PPAcc}, nil
	case osu.ModeTaiko:
		return osu.TaikoPerformance{Overall: r.PP, Accuracy: r.PPAcc, Difficulty: r.PPDifficulty}, nil
	case osu.ModeMania:
		return osu.ManiaPerformance{Overall: r.PP, Difficulty: r.PPDifficulty}, nil
	}
	return nil, fmt.Errorf("mode %s has no performance calculation", mode)
}

// HTTPCalculator posts requests to a calculator service.
type HTTPCalculator struct {
	URL        string
	HTTPClient *http.Client
}

// NewHTTPCalculator returns a calculator for url with a bounded client timeout.
func NewHTTPCalculator(url string) *HTTPCalculator {
	return &HTTPCalculator{URL: url, HTTPClient: &http.Client{Timeout: 20 * time.Second}}
}

func (c *HTTPCalculator) Calculate(ctx context.Context, beatmap []byte, score osu.Score) (osu.Performance, error) {
	body, err := NewRequest(beatmap, score)
	if err != nil {
		return nil, err
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("calculator request failed: %s: %s", resp.Status, string(b))
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode calculator response: %w", err)
	}
	return out.ToPerformance(score.Mode)
}

// Func adapts a function to Calculator.
type Func func(ctx context.Context, beatmap []byte, score osu.Score) (osu.Performance, error)

func (f Func) Calculate(ctx context.Context, beatmap []byte, score osu.Score) (osu.Performance, error) {
	return f(ctx, beatmap, score)
}
