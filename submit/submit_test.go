package submit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/o-dasher/rusty-rika/idlock"
	"github.com/o-dasher/rusty-rika/osu"
	"github.com/o-dasher/rusty-rika/ppcalc"
)

func perfFor(score osu.Score) osu.Performance {
	v := float64(score.ID % 500)
	switch score.Mode {
	case osu.ModeTaiko:
		return osu.TaikoPerformance{Overall: v, Accuracy: v / 2, Difficulty: v / 3}
	case osu.ModeMania:
		return osu.ManiaPerformance{Overall: v, Difficulty: v / 2}
	default:
		return osu.OsuPerformance{Overall: v, Aim: v / 2, Speed: v / 3, Accuracy: v / 4}
	}
}

var goodCalc = ppcalc.Func(func(_ context.Context, _ []byte, score osu.Score) (osu.Performance, error) {
	return perfFor(score), nil
})

func newTestSubmitter(src *fakeSource, store *memStore, calc ppcalc.Calculator, opts Options) *Submitter {
	return New(idlock.New(), src, store, fakeBeatmaps{}, calc, opts)
}

func TestSubmitNewScores(t *testing.T) {
	src := &fakeSource{scores: map[int64][]osu.Score{42: makeScores(42, osu.ModeOsu, 1, 3)}}
	store := newMemStore()
	s := newTestSubmitter(src, store, goodCalc, Options{})

	sub, err := s.Submit(context.Background(), ByID(42), osu.ModeOsu)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	var got []Progress
	for p := range sub.Progress() {
		got = append(got, p)
	}
	res, err := sub.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	want := []Progress{{1, 3}, {2, 3}, {3, 3}}
	if len(got) != len(want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if res.Submitted != 3 || res.Fetched != 3 || res.Pruned != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.SubjectID != 42 || res.Mode != osu.ModeOsu || res.SubmissionID == "" {
		t.Fatalf("result identity = %+v", res)
	}
	if n := store.count(42, osu.ModeOsu); n != 3 {
		t.Fatalf("stored = %d, want 3", n)
	}
	if s.Locks().IsLocked("42") {
		t.Fatal("lock still held after completion")
	}
}

func TestSubmitResolvesUsername(t *testing.T) {
	src := &fakeSource{
		users:  map[string]int64{"peppy": 2},
		scores: map[int64][]osu.Score{2: makeScores(2, osu.ModeTaiko, 10, 2)},
	}
	store := newMemStore()
	s := newTestSubmitter(src, store, goodCalc, Options{})

	res, err := s.SubmitSync(context.Background(), ByName("peppy"), osu.ModeTaiko)
	if err != nil {
		t.Fatalf("SubmitSync: %v", err)
	}
	if res.SubjectID != 2 || res.Submitted != 2 {
		t.Fatalf("result = %+v", res)
	}

	_, err = s.SubmitSync(context.Background(), ByName("nobody"), osu.ModeTaiko)
	if k, _ := KindOf(err); k != KindUpstream {
		t.Fatalf("unknown user kind = %v (%v)", k, err)
	}
	_, err = s.SubmitSync(context.Background(), Subject{}, osu.ModeTaiko)
	if k, _ := KindOf(err); k != KindInvalidSubject {
		t.Fatalf("empty subject kind = %v (%v)", k, err)
	}
}

func TestSubmitUnsupportedMode(t *testing.T) {
	src := &fakeSource{scores: map[int64][]osu.Score{7: makeScores(7, osu.ModeFruits, 1, 3)}}
	store := newMemStore()
	s := newTestSubmitter(src, store, goodCalc, Options{})

	_, err := s.Submit(context.Background(), ByID(7), osu.ModeFruits)
	if !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("err = %v, want ErrUnsupportedMode", err)
	}
	if src.fetchCount() != 0 {
		t.Fatal("score source called for unsupported mode")
	}
	if s.Locks().Held() != 0 {
		t.Fatal("lock taken for unsupported mode")
	}
}

func TestSubmitAlreadySubmitting(t *testing.T) {
	src := &fakeSource{scores: map[int64][]osu.Score{42: makeScores(42, osu.ModeOsu, 1, 2)}}
	store := newMemStore()
	gate := make(chan struct{})
	calc := ppcalc.Func(func(ctx context.Context, _ []byte, score osu.Score) (osu.Performance, error) {
		<-gate
		return perfFor(score), nil
	})
	s := newTestSubmitter(src, store, calc, Options{})

	first, err := s.Submit(context.Background(), ByID(42), osu.ModeOsu)
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err = s.Submit(context.Background(), ByID(42), osu.ModeMania)
	if !errors.Is(err, ErrAlreadySubmitting) {
		t.Fatalf("second Submit err = %v, want ErrAlreadySubmitting", err)
	}

	// other subjects are not affected
	other, err := s.Submit(context.Background(), ByID(43), osu.ModeOsu)
	if err != nil {
		t.Fatalf("other subject Submit: %v", err)
	}

	close(gate)
	if _, err := first.Wait(); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if _, err := other.Wait(); err != nil {
		t.Fatalf("other Wait: %v", err)
	}
	if _, err := s.SubmitSync(context.Background(), ByID(42), osu.ModeOsu); err != nil {
		t.Fatalf("resubmit after completion: %v", err)
	}
}

func TestSubmitConcurrentSingleWinner(t *testing.T) {
	src := &fakeSource{scores: map[int64][]osu.Score{42: makeScores(42, osu.ModeOsu, 1, 1)}}
	gate := make(chan struct{})
	calc := ppcalc.Func(func(ctx context.Context, _ []byte, score osu.Score) (osu.Performance, error) {
		<-gate
		return perfFor(score), nil
	})
	s := newTestSubmitter(src, newMemStore(), calc, Options{})

	var wins, busy atomic.Int32
	var subs sync.Map
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := s.Submit(context.Background(), ByID(42), osu.ModeOsu)
			switch {
			case err == nil:
				wins.Add(1)
				subs.Store(i, sub)
			case errors.Is(err, ErrAlreadySubmitting):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(gate)
	subs.Range(func(_, v any) bool {
		if _, err := v.(*Submission).Wait(); err != nil {
			t.Errorf("Wait: %v", err)
		}
		return true
	})
	if wins.Load() != 1 || busy.Load() != 31 {
		t.Fatalf("wins = %d busy = %d", wins.Load(), busy.Load())
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	src := &fakeSource{scores: map[int64][]osu.Score{5: makeScores(5, osu.ModeMania, 100, 4)}}
	store := newMemStore()
	s := newTestSubmitter(src, store, goodCalc, Options{})

	if _, err := s.SubmitSync(context.Background(), ByID(5), osu.ModeMania); err != nil {
		t.Fatalf("first: %v", err)
	}
	sub, err := s.Submit(context.Background(), ByID(5), osu.ModeMania)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	events := 0
	for range sub.Progress() {
		events++
	}
	res, err := sub.Wait()
	if err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if events != 0 || res.Submitted != 0 || res.Fetched != 4 {
		t.Fatalf("second run events = %d result = %+v", events, res)
	}
	if n := store.count(5, osu.ModeMania); n != 4 {
		t.Fatalf("stored = %d, want 4", n)
	}
}

func TestSubmitOnlyComputesNewScores(t *testing.T) {
	src := &fakeSource{scores: map[int64][]osu.Score{5: makeScores(5, osu.ModeOsu, 1, 2)}}
	store := newMemStore()
	var calls atomic.Int32
	calc := ppcalc.Func(func(_ context.Context, _ []byte, score osu.Score) (osu.Performance, error) {
		calls.Add(1)
		return perfFor(score), nil
	})
	s := newTestSubmitter(src, store, calc, Options{})
	if _, err := s.SubmitSync(context.Background(), ByID(5), osu.ModeOsu); err != nil {
		t.Fatal(err)
	}

	// two more plays arrive on top of the known ones, plus a duplicate in the response
	fresh := makeScores(5, osu.ModeOsu, 50, 2)
	src.mu.Lock()
	src.scores[5] = append(append(fresh, fresh[0]), src.scores[5]...)
	src.mu.Unlock()

	res, err := s.SubmitSync(context.Background(), ByID(5), osu.ModeOsu)
	if err != nil {
		t.Fatal(err)
	}
	if res.Submitted != 2 {
		t.Fatalf("submitted = %d, want 2", res.Submitted)
	}
	if calls.Load() != 4 {
		t.Fatalf("calculator calls = %d, want 4", calls.Load())
	}
}

func TestSubmitAllOrNothing(t *testing.T) {
	src := &fakeSource{scores: map[int64][]osu.Score{9: makeScores(9, osu.ModeOsu, 1, 5)}}
	store := newMemStore()
	var n atomic.Int32
	calc := ppcalc.Func(func(_ context.Context, _ []byte, score osu.Score) (osu.Performance, error) {
		if n.Add(1) == 3 {
			return nil, errors.New("calculator crashed")
		}
		return perfFor(score), nil
	})
	s := newTestSubmitter(src, store, calc, Options{})

	sub, err := s.Submit(context.Background(), ByID(9), osu.ModeOsu)
	if err != nil {
		t.Fatal(err)
	}
	var got []Progress
	for p := range sub.Progress() {
		got = append(got, p)
	}
	_, err = sub.Wait()
	if k, _ := KindOf(err); k != KindComputation {
		t.Fatalf("kind = %v (%v), want computation", k, err)
	}
	if len(got) != 2 {
		t.Fatalf("progress before failure = %v", got)
	}
	if c := store.count(9, osu.ModeOsu); c != 0 {
		t.Fatalf("stored = %d after failure, want 0", c)
	}
	if store.saves != 0 {
		t.Fatal("save attempted after computation failure")
	}
	if s.Locks().IsLocked("9") {
		t.Fatal("lock held after failure")
	}
}

func TestSubmitFailureKinds(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name  string
		setup func(src *fakeSource, store *memStore) BeatmapProvider
		want  ErrorKind
	}{
		{"fetch", func(src *fakeSource, _ *memStore) BeatmapProvider {
			src.err = boom
			return fakeBeatmaps{}
		}, KindUpstream},
		{"beatmap", func(_ *fakeSource, _ *memStore) BeatmapProvider {
			return fakeBeatmaps{err: boom}
		}, KindUpstream},
		{"save", func(_ *fakeSource, store *memStore) BeatmapProvider {
			store.saveErr = boom
			return fakeBeatmaps{}
		}, KindPersistence},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &fakeSource{scores: map[int64][]osu.Score{3: makeScores(3, osu.ModeOsu, 1, 3)}}
			store := newMemStore()
			beatmaps := tc.setup(src, store)
			s := New(idlock.New(), src, store, beatmaps, goodCalc, Options{})

			_, err := s.SubmitSync(context.Background(), ByID(3), osu.ModeOsu)
			if k, ok := KindOf(err); !ok || k != tc.want {
				t.Fatalf("kind = %v (%v), want %v", k, err, tc.want)
			}
			if !errors.Is(err, boom) {
				t.Fatalf("cause lost: %v", err)
			}
			if s.Locks().Held() != 0 {
				t.Fatal("lock held after failure")
			}
			if store.count(3, osu.ModeOsu) != 0 {
				t.Fatal("rows persisted after failure")
			}
		})
	}
}

func TestSubmitModeMismatchFromCalculator(t *testing.T) {
	src := &fakeSource{scores: map[int64][]osu.Score{3: makeScores(3, osu.ModeTaiko, 1, 1)}}
	calc := ppcalc.Func(func(_ context.Context, _ []byte, _ osu.Score) (osu.Performance, error) {
		return osu.ManiaPerformance{Overall: 1}, nil
	})
	s := newTestSubmitter(src, newMemStore(), calc, Options{})
	_, err := s.SubmitSync(context.Background(), ByID(3), osu.ModeTaiko)
	if k, _ := KindOf(err); k != KindComputation {
		t.Fatalf("kind = %v (%v)", k, err)
	}
}

func TestSubmitRecoversPanic(t *testing.T) {
	src := &fakeSource{scores: map[int64][]osu.Score{3: makeScores(3, osu.ModeOsu, 1, 2)}}
	calc := ppcalc.Func(func(_ context.Context, _ []byte, _ osu.Score) (osu.Performance, error) {
		panic("corrupt beatmap")
	})
	s := newTestSubmitter(src, newMemStore(), calc, Options{})
	_, err := s.SubmitSync(context.Background(), ByID(3), osu.ModeOsu)
	if k, _ := KindOf(err); k != KindComputation {
		t.Fatalf("kind = %v (%v)", k, err)
	}
	if s.Locks().Held() != 0 {
		t.Fatal("lock held after panic")
	}
}

func TestSubmitRetention(t *testing.T) {
	first := makeScores(1, osu.ModeOsu, 1, 100)
	src := &fakeSource{scores: map[int64][]osu.Score{1: first}}
	store := newMemStore()
	s := newTestSubmitter(src, store, goodCalc, Options{})
	if _, err := s.SubmitSync(context.Background(), ByID(1), osu.ModeOsu); err != nil {
		t.Fatal(err)
	}

	// Five new plays; the remote window now ends at the 95th play of the first batch.
	newer := makeScores(1, osu.ModeOsu, 1000, 5)
	for i := range newer {
		newer[i].EndedAt = base.Add(time.Hour - time.Duration(i)*time.Minute)
	}
	src.mu.Lock()
	src.scores[1] = append(append([]osu.Score(nil), newer...), first[:95]...)
	src.mu.Unlock()

	res, err := s.SubmitSync(context.Background(), ByID(1), osu.ModeOsu)
	if err != nil {
		t.Fatal(err)
	}
	if res.Submitted != 5 || res.Pruned != 5 {
		t.Fatalf("result = %+v", res)
	}
	if c := store.count(1, osu.ModeOsu); c != 100 {
		t.Fatalf("stored = %d, want 100", c)
	}
	ids := store.ids(1, osu.ModeOsu)
	for _, sc := range newer {
		if !ids[sc.ID] {
			t.Fatalf("newest score %d was pruned", sc.ID)
		}
	}
	// the five oldest of the first batch are gone, the rest of the window stays
	for id := int64(96); id <= 100; id++ {
		if ids[id] {
			t.Fatalf("old score %d retained", id)
		}
	}
	for id := int64(1); id <= 95; id++ {
		if !ids[id] {
			t.Fatalf("score %d still in the remote window was pruned", id)
		}
	}

	// Nothing new remotely: the pruned history must not be refilled.
	res, err = s.SubmitSync(context.Background(), ByID(1), osu.ModeOsu)
	if err != nil {
		t.Fatal(err)
	}
	if res.Submitted != 0 || res.Pruned != 0 {
		t.Fatalf("third run = %+v, want nothing submitted", res)
	}
}

func TestSubmitAbandonedConsumerStillCommits(t *testing.T) {
	src := &fakeSource{scores: map[int64][]osu.Score{8: makeScores(8, osu.ModeOsu, 1, 5)}}
	store := newMemStore()
	s := newTestSubmitter(src, store, goodCalc, Options{ProgressBuffer: 1})

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.Submit(ctx, ByID(8), osu.ModeOsu)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("submission blocked on an abandoned consumer")
	}
	res, err := sub.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Submitted != 5 || store.count(8, osu.ModeOsu) != 5 {
		t.Fatalf("result = %+v stored = %d", res, store.count(8, osu.ModeOsu))
	}
}

func TestDrainWaitsForDetachedRuns(t *testing.T) {
	src := &fakeSource{scores: map[int64][]osu.Score{8: makeScores(8, osu.ModeOsu, 1, 2)}}
	store := newMemStore()
	release := make(chan struct{})
	calc := ppcalc.Func(func(_ context.Context, _ []byte, score osu.Score) (osu.Performance, error) {
		<-release
		return perfFor(score), nil
	})
	s := newTestSubmitter(src, store, calc, Options{})

	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain with nothing running: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := s.Submit(ctx, ByID(8), osu.ModeOsu); err != nil {
		t.Fatal(err)
	}
	cancel()

	short, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	if err := s.Drain(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain = %v, want deadline while the run is blocked", err)
	}

	close(release)
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := store.count(8, osu.ModeOsu); got != 2 {
		t.Fatalf("stored = %d, want 2 after drain", got)
	}
}

func TestSubmitCancelOnAbandon(t *testing.T) {
	src := &fakeSource{scores: map[int64][]osu.Score{8: makeScores(8, osu.ModeOsu, 1, 3)}}
	store := newMemStore()
	started := make(chan struct{})
	var once sync.Once
	calc := ppcalc.Func(func(ctx context.Context, _ []byte, score osu.Score) (osu.Performance, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := newTestSubmitter(src, store, calc, Options{CancelOnAbandon: true})

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.Submit(ctx, ByID(8), osu.ModeOsu)
	if err != nil {
		t.Fatal(err)
	}
	<-started
	cancel()
	_, err = sub.Wait()
	if k, _ := KindOf(err); k != KindCanceled {
		t.Fatalf("kind = %v (%v), want canceled", k, err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cause = %v", err)
	}
	if store.count(8, osu.ModeOsu) != 0 || s.Locks().Held() != 0 {
		t.Fatal("canceled run left state behind")
	}
}

func TestSubmitDropMode(t *testing.T) {
	src := &fakeSource{scores: map[int64][]osu.Score{4: makeScores(4, osu.ModeOsu, 1, 10)}}
	store := newMemStore()
	s := newTestSubmitter(src, store, goodCalc, Options{ProgressBuffer: 2, ProgressMode: ProgressDrop})

	sub, err := s.Submit(context.Background(), ByID(4), osu.ModeOsu)
	if err != nil {
		t.Fatal(err)
	}
	<-sub.Done()
	var got []Progress
	for p := range sub.Progress() {
		got = append(got, p)
	}
	if len(got) != 2 || got[0].Index != 1 || got[1].Index != 2 {
		t.Fatalf("buffered progress = %v", got)
	}
	res, err := sub.Wait()
	if err != nil || res.Submitted != 10 {
		t.Fatalf("result = %+v err = %v", res, err)
	}
}

func TestProgressMonotonic(t *testing.T) {
	src := &fakeSource{scores: map[int64][]osu.Score{6: makeScores(6, osu.ModeMania, 1, 25)}}
	s := newTestSubmitter(src, newMemStore(), goodCalc, Options{ProgressBuffer: 1})

	sub, err := s.Submit(context.Background(), ByID(6), osu.ModeMania)
	if err != nil {
		t.Fatal(err)
	}
	prev := 0
	for p := range sub.Progress() {
		if p.Total != 25 || p.Index != prev+1 {
			t.Fatalf("event %+v after index %d", p, prev)
		}
		prev = p.Index
	}
	if prev != 25 {
		t.Fatalf("last index = %d", prev)
	}
	// closed stream means the subject is free
	if s.Locks().IsLocked("6") {
		t.Fatal("lock held after progress closed")
	}
}

func TestSubmitRespectsFetchLimit(t *testing.T) {
	src := &fakeSource{scores: map[int64][]osu.Score{6: makeScores(6, osu.ModeOsu, 1, 30)}}
	s := newTestSubmitter(src, newMemStore(), goodCalc, Options{FetchLimit: 10})
	res, err := s.SubmitSync(context.Background(), ByID(6), osu.ModeOsu)
	if err != nil {
		t.Fatal(err)
	}
	if res.Fetched != 10 || res.Submitted != 10 {
		t.Fatalf("result = %+v", res)
	}
}

func TestErrorKindStrings(t *testing.T) {
	for k := KindAlreadySubmitting; k <= KindCanceled; k++ {
		if k.String() == "unknown" {
			t.Fatalf("kind %d has no name", k)
		}
	}
	err := &Error{Kind: KindPersistence, Op: "save scores", Err: errors.New("tx aborted")}
	if err.Error() != "submit persistence: save scores: tx aborted" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if errors.Is(err, ErrAlreadySubmitting) {
		t.Fatal("persistence error matched ErrAlreadySubmitting")
	}
}
