package submit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/o-dasher/rusty-rika/db"
	"github.com/o-dasher/rusty-rika/osu"
)

type fakeSource struct {
	mu      sync.Mutex
	users   map[string]int64
	scores  map[int64][]osu.Score
	err     error
	fetches int
}

func (f *fakeSource) ResolveUser(_ context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.users[name]
	if !ok {
		return 0, fmt.Errorf("user %q not found", name)
	}
	return id, nil
}

func (f *fakeSource) UserScores(_ context.Context, userID int64, mode osu.Mode, limit int) ([]osu.Score, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	out := append([]osu.Score(nil), f.scores[userID]...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type storedRow struct {
	play  osu.ScoredPlay
	batch int // stands in for created_at
	seq   int
}

// memStore keeps rows per subject and mode and applies a batch atomically. Retention
// follows db.SaveScores: newest batch first, then ascending insert order.
type memStore struct {
	mu      sync.Mutex
	rows    map[string][]storedRow
	batch   int
	seq     int
	saveErr error
	saves   int
}

func newMemStore() *memStore { return &memStore{rows: map[string][]storedRow{}} }

func key(subject int64, mode osu.Mode) string { return fmt.Sprintf("%d/%s", subject, mode) }

func (m *memStore) ExistingScoreIDs(_ context.Context, subject int64, mode osu.Mode, candidates []int64) (map[int64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int64]struct{}{}
	want := map[int64]bool{}
	for _, id := range candidates {
		want[id] = true
	}
	for _, r := range m.rows[key(subject, mode)] {
		if want[r.play.Score.ID] {
			out[r.play.Score.ID] = struct{}{}
		}
	}
	return out, nil
}

func (m *memStore) SaveScores(_ context.Context, subject int64, mode osu.Mode, plays []osu.ScoredPlay, keep int) (db.SaveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return db.SaveResult{}, m.saveErr
	}
	k := key(subject, mode)
	rows := append([]storedRow(nil), m.rows[k]...)
	m.batch++
	for _, p := range plays {
		if p.Performance.Mode() != mode {
			return db.SaveResult{}, errors.New("performance mode mismatch")
		}
		m.seq++
		rows = append(rows, storedRow{play: p, batch: m.batch, seq: m.seq})
	}
	pruned := 0
	if keep > 0 && len(rows) > keep {
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].batch != rows[j].batch {
				return rows[i].batch > rows[j].batch
			}
			return rows[i].seq < rows[j].seq
		})
		pruned = len(rows) - keep
		rows = rows[:keep]
	}
	m.rows[k] = rows
	return db.SaveResult{Inserted: len(plays), Pruned: pruned}, nil
}

func (m *memStore) count(subject int64, mode osu.Mode) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[key(subject, mode)])
}

func (m *memStore) ids(subject int64, mode osu.Mode) map[int64]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int64]bool{}
	for _, r := range m.rows[key(subject, mode)] {
		out[r.play.Score.ID] = true
	}
	return out
}

type fakeBeatmaps struct {
	err error
}

func (f fakeBeatmaps) Get(_ context.Context, id int64) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte(fmt.Sprintf("osu file format v14\n[Metadata]\nBeatmapID:%d\n", id)), nil
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// makeScores returns n scores for subject, newest first, ids starting at first.
func makeScores(subject int64, mode osu.Mode, first int64, n int) []osu.Score {
	out := make([]osu.Score, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, osu.Score{
			ID:         first + int64(i),
			UserID:     subject,
			BeatmapID:  1000 + first + int64(i),
			Mode:       mode,
			Statistics: osu.Statistics{Great: 300, Ok: 5, Miss: 1},
			MaxCombo:   400,
			EndedAt:    base.Add(-time.Duration(i) * time.Minute),
		})
	}
	return out
}
