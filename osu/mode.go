// Package osu holds the game's domain types shared by the API client, the calculator,
// persistence and the submission pipeline.
package osu

import (
	"fmt"
	"strings"
)

// Mode is a game ruleset. Values match the numeric ids used by the game service.
type Mode int

const (
	ModeOsu    Mode = 0
	ModeTaiko  Mode = 1
	ModeFruits Mode = 2
	ModeMania  Mode = 3
)

// Modes lists the rulesets whose scores can be submitted, in scrape order.
var Modes = []Mode{ModeOsu, ModeTaiko, ModeMania}

// String returns the ruleset name used by the API (osu, taiko, fruits, mania).
func (m Mode) String() string {
	switch m {
	case ModeOsu:
		return "osu"
	case ModeTaiko:
		return "taiko"
	case ModeFruits:
		return "fruits"
	case ModeMania:
		return "mania"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Supported reports whether performance can be computed and stored for the mode.
func (m Mode) Supported() bool {
	switch m {
	case ModeOsu, ModeTaiko, ModeMania:
		return true
	default:
		return false
	}
}

// ParseMode accepts ruleset names, common aliases and numeric ids.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "osu", "std", "standard", "0":
		return ModeOsu, nil
	case "taiko", "1":
		return ModeTaiko, nil
	case "fruits", "catch", "ctb", "2":
		return ModeFruits, nil
	case "mania", "3":
		return ModeMania, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}
