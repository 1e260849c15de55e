package osu

import "strings"

// Mods is the legacy mod bitmask.
type Mods uint32

const (
	ModNoFail      Mods = 1 << 0
	ModEasy        Mods = 1 << 1
	ModTouchDevice Mods = 1 << 2
	ModHidden      Mods = 1 << 3
	ModHardRock    Mods = 1 << 4
	ModSuddenDeath Mods = 1 << 5
	ModDoubleTime  Mods = 1 << 6
	ModRelax       Mods = 1 << 7
	ModHalfTime    Mods = 1 << 8
	ModNightcore   Mods = 1<<9 | ModDoubleTime
	ModFlashlight  Mods = 1 << 10
	ModSpunOut     Mods = 1 << 12
	ModAutopilot   Mods = 1 << 13
	ModPerfect     Mods = 1<<14 | ModSuddenDeath
	ModKey4        Mods = 1 << 15
	ModKey5        Mods = 1 << 16
	ModKey6        Mods = 1 << 17
	ModKey7        Mods = 1 << 18
	ModKey8        Mods = 1 << 19
	ModFadeIn      Mods = 1 << 20
	ModRandom      Mods = 1 << 21
	ModKey9        Mods = 1 << 24
	ModMirror      Mods = 1 << 30
)

// modOrder is the display order; composite mods come before the mod they include.
var modOrder = []struct {
	acronym string
	bits    Mods
}{
	{"NF", ModNoFail},
	{"EZ", ModEasy},
	{"TD", ModTouchDevice},
	{"HD", ModHidden},
	{"HR", ModHardRock},
	{"PF", ModPerfect},
	{"SD", ModSuddenDeath},
	{"NC", ModNightcore},
	{"DT", ModDoubleTime},
	{"RX", ModRelax},
	{"HT", ModHalfTime},
	{"FL", ModFlashlight},
	{"SO", ModSpunOut},
	{"AP", ModAutopilot},
	{"4K", ModKey4},
	{"5K", ModKey5},
	{"6K", ModKey6},
	{"7K", ModKey7},
	{"8K", ModKey8},
	{"9K", ModKey9},
	{"FI", ModFadeIn},
	{"RD", ModRandom},
	{"MR", ModMirror},
}

// ParseMods converts acronyms (as returned by the API) into a bitmask. Unknown acronyms
// such as lazer-only mods are ignored.
func ParseMods(acronyms []string) Mods {
	var m Mods
	for _, a := range acronyms {
		a = strings.ToUpper(strings.TrimSpace(a))
		for _, mod := range modOrder {
			if mod.acronym == a {
				m |= mod.bits
				break
			}
		}
	}
	return m
}

// Acronyms lists the mods in display order.
func (m Mods) Acronyms() []string {
	out := []string{}
	var seen Mods
	for _, mod := range modOrder {
		if m&mod.bits == mod.bits && seen&mod.bits != mod.bits {
			out = append(out, mod.acronym)
			seen |= mod.bits
		}
	}
	return out
}

// String renders mods as "+HDDT" or "NM" when empty.
func (m Mods) String() string {
	a := m.Acronyms()
	if len(a) == 0 {
		return "NM"
	}
	return "+" + strings.Join(a, "")
}
