package osu

import "time"

// Statistics are the hit judgement counts of a play.
type Statistics struct {
	Perfect int `json:"perfect"`
	Great   int `json:"great"`
	Good    int `json:"good"`
	Ok      int `json:"ok"`
	Meh     int `json:"meh"`
	Miss    int `json:"miss"`
}

// Score is a play record returned by the remote score source.
type Score struct {
	ID         int64
	UserID     int64
	BeatmapID  int64
	Mode       Mode
	Mods       Mods
	Statistics Statistics
	MaxCombo   int
	EndedAt    time.Time
}

// RankedUser is one entry of a performance ranking page.
type RankedUser struct {
	ID       int64
	Username string
	Rank     int
}

// User is the minimal profile used to resolve names to ids.
type User struct {
	ID       int64
	Username string
}
