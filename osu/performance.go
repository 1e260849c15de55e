package osu

// Performance is a mode-specific performance breakdown. Exactly one concrete type exists
// per supported mode.
type Performance interface {
	Mode() Mode
	OverallValue() float64
	// Components returns the named sub-metrics used for recommendation matching.
	Components() map[string]float64
	isPerformance()
}

// OsuPerformance is the breakdown for ModeOsu.
type OsuPerformance struct {
	Overall    float64
	Aim        float64
	Speed      float64
	Flashlight float64
	Accuracy   float64
}

func (OsuPerformance) Mode() Mode              { return ModeOsu }
func (p OsuPerformance) OverallValue() float64 { return p.Overall }
func (OsuPerformance) isPerformance()          {}

func (p OsuPerformance) Components() map[string]float64 {
	return map[string]float64{
		"aim":        p.Aim,
		"speed":      p.Speed,
		"flashlight": p.Flashlight,
		"accuracy":   p.Accuracy,
	}
}

// TaikoPerformance is the breakdown for ModeTaiko.
type TaikoPerformance struct {
	Overall    float64
	Accuracy   float64
	Difficulty float64
}

func (TaikoPerformance) Mode() Mode              { return ModeTaiko }
func (p TaikoPerformance) OverallValue() float64 { return p.Overall }
func (TaikoPerformance) isPerformance()          {}

func (p TaikoPerformance) Components() map[string]float64 {
	return map[string]float64{
		"accuracy":   p.Accuracy,
		"difficulty": p.Difficulty,
	}
}

// ManiaPerformance is the breakdown for ModeMania.
type ManiaPerformance struct {
	Overall    float64
	Difficulty float64
}

func (ManiaPerformance) Mode() Mode              { return ModeMania }
func (p ManiaPerformance) OverallValue() float64 { return p.Overall }
func (ManiaPerformance) isPerformance()          {}

func (p ManiaPerformance) Components() map[string]float64 {
	return map[string]float64{"difficulty": p.Difficulty}
}

// ScoredPlay pairs a remote score with its computed performance.
type ScoredPlay struct {
	Score       Score
	Performance Performance
}
