// Package submit runs score submissions: it fetches a subject's recent scores, keeps the
// ones not stored yet, computes their performance, and persists them in one transaction
// that also trims the subject's history to the retention window.
//
// At most one submission runs per subject. Submit fails fast with ErrAlreadySubmitting
// when the subject is busy. Progress is reported on a bounded channel that closes once the
// run is over and the subject's lock has been released.
package submit

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/o-dasher/rusty-rika/db"
	"github.com/o-dasher/rusty-rika/idlock"
	"github.com/o-dasher/rusty-rika/osu"
	"github.com/o-dasher/rusty-rika/ppcalc"
	"github.com/o-dasher/rusty-rika/telemetry"
)

// ScoreSource is the remote score provider.
type ScoreSource interface {
	ResolveUser(ctx context.Context, username string) (int64, error)
	UserScores(ctx context.Context, userID int64, mode osu.Mode, limit int) ([]osu.Score, error)
}

// Store is the persistent score index.
type Store interface {
	ExistingScoreIDs(ctx context.Context, subjectID int64, mode osu.Mode, candidates []int64) (map[int64]struct{}, error)
	SaveScores(ctx context.Context, subjectID int64, mode osu.Mode, plays []osu.ScoredPlay, keep int) (db.SaveResult, error)
}

// BeatmapProvider returns beatmap files by id.
type BeatmapProvider interface {
	Get(ctx context.Context, id int64) ([]byte, error)
}

// ProgressMode selects what happens when the progress buffer is full.
type ProgressMode string

const (
	// ProgressBlock waits for the consumer (backpressure).
	ProgressBlock ProgressMode = "block"
	// ProgressDrop discards events the consumer has no room for.
	ProgressDrop ProgressMode = "drop"
)

// Options tune a Submitter. Zero fields take the defaults.
type Options struct {
	FetchLimit      int
	Retention       int
	ProgressBuffer  int
	ProgressMode    ProgressMode
	CancelOnAbandon bool
}

// DefaultOptions returns the standard limits: 100 fetched, 100 retained, 100 buffered.
func DefaultOptions() Options {
	return Options{FetchLimit: 100, Retention: 100, ProgressBuffer: 100, ProgressMode: ProgressBlock}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FetchLimit <= 0 {
		o.FetchLimit = d.FetchLimit
	}
	if o.Retention <= 0 {
		o.Retention = d.Retention
	}
	if o.ProgressBuffer <= 0 {
		o.ProgressBuffer = d.ProgressBuffer
	}
	if o.ProgressMode != ProgressDrop {
		o.ProgressMode = ProgressBlock
	}
	return o
}

// Subject identifies a player by id or by username.
type Subject struct {
	ID       int64
	Username string
}

// ByID refers to a subject by numeric id.
func ByID(id int64) Subject { return Subject{ID: id} }

// ByName refers to a subject by username; it is resolved before locking.
func ByName(name string) Subject { return Subject{Username: name} }

func (s Subject) String() string {
	if s.ID != 0 {
		return strconv.FormatInt(s.ID, 10)
	}
	return s.Username
}

// Progress reports that Index of Total new scores have been computed.
type Progress struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

// Result summarizes a finished submission.
type Result struct {
	SubmissionID string        `json:"submission_id"`
	SubjectID    int64         `json:"subject_id"`
	Mode         osu.Mode      `json:"mode"`
	Fetched      int           `json:"fetched"`
	Submitted    int           `json:"submitted"`
	Pruned       int           `json:"pruned"`
	Duration     time.Duration `json:"duration"`
}

// Submission is a running submission.
type Submission struct {
	ID        string
	SubjectID int64
	Mode      osu.Mode

	progress chan Progress
	done     chan struct{}
	result   Result
	err      error
	detached bool // only touched by the worker goroutine
}

// Progress returns the event stream. It is closed when the run has finished and the
// subject is free again.
func (s *Submission) Progress() <-chan Progress { return s.progress }

// Done is closed after the result is available.
func (s *Submission) Done() <-chan struct{} { return s.done }

// Wait discards unread progress and returns the outcome.
func (s *Submission) Wait() (Result, error) {
	for range s.progress {
	}
	<-s.done
	return s.result, s.err
}

// Submitter coordinates submissions. It is safe for concurrent use.
type Submitter struct {
	locks    *idlock.Locker
	source   ScoreSource
	store    Store
	beatmaps BeatmapProvider
	calc     ppcalc.Calculator
	opts     Options

	running sync.WaitGroup
}

// New wires a Submitter. locks may be shared with other components that need to observe
// which subjects are busy.
func New(locks *idlock.Locker, source ScoreSource, store Store, beatmaps BeatmapProvider, calc ppcalc.Calculator, opts Options) *Submitter {
	if locks == nil {
		locks = idlock.New()
	}
	return &Submitter{
		locks:    locks,
		source:   source,
		store:    store,
		beatmaps: beatmaps,
		calc:     calc,
		opts:     opts.withDefaults(),
	}
}

// Locks exposes the subject lock registry.
func (s *Submitter) Locks() *idlock.Locker { return s.locks }

// Options returns the effective options.
func (s *Submitter) Options() Options { return s.opts }

func fail(err *Error) *Error {
	telemetry.ObserveSubmissionFailure(err.Kind.String())
	return err
}

// Submit validates the request, resolves the subject, takes its lock and starts the run in
// the background. Errors returned here mean nothing was started.
func (s *Submitter) Submit(ctx context.Context, subject Subject, mode osu.Mode) (*Submission, error) {
	if !mode.Supported() {
		return nil, fail(&Error{Kind: KindUnsupportedMode, Op: "validate", Err: fmt.Errorf("mode %s", mode)})
	}
	id := subject.ID
	if id == 0 {
		if subject.Username == "" {
			return nil, fail(&Error{Kind: KindInvalidSubject, Op: "validate", Err: fmt.Errorf("subject has no id or username")})
		}
		resolved, err := s.source.ResolveUser(ctx, subject.Username)
		if err != nil {
			return nil, fail(&Error{Kind: KindUpstream, Op: "resolve user " + subject.Username, Err: err})
		}
		id = resolved
	}

	guard, err := s.locks.Lock(strconv.FormatInt(id, 10))
	if err != nil {
		return nil, fail(&Error{Kind: KindAlreadySubmitting, Op: "lock", Err: err})
	}
	telemetry.SetInFlight(s.locks.Held())

	sub := &Submission{
		ID:        uuid.NewString(),
		SubjectID: id,
		Mode:      mode,
		progress:  make(chan Progress, s.opts.ProgressBuffer),
		done:      make(chan struct{}),
	}
	workCtx := ctx
	if !s.opts.CancelOnAbandon {
		workCtx = context.WithoutCancel(ctx)
	}
	s.running.Add(1)
	go s.run(workCtx, ctx, sub, guard)
	return sub, nil
}

// Drain waits until every started submission has finished or ctx is done.
func (s *Submitter) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitSync runs a submission to completion without a progress consumer.
func (s *Submitter) SubmitSync(ctx context.Context, subject Subject, mode osu.Mode) (Result, error) {
	sub, err := s.Submit(ctx, subject, mode)
	if err != nil {
		return Result{}, err
	}
	return sub.Wait()
}

func (s *Submitter) run(ctx, callerCtx context.Context, sub *Submission, guard *idlock.Guard) {
	start := time.Now()
	logger := telemetry.LoggerWithCorr(callerCtx).With(
		slog.String("component", "submit"),
		slog.String("submission_id", sub.ID),
		slog.Int64("subject_id", sub.SubjectID),
		slog.String("mode", sub.Mode.String()),
	)
	defer s.running.Done()
	defer close(sub.done)
	defer close(sub.progress)
	defer func() { telemetry.SetInFlight(s.locks.Held()) }()
	defer guard.Release()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("submission panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			sub.result = Result{SubmissionID: sub.ID, SubjectID: sub.SubjectID, Mode: sub.Mode, Duration: time.Since(start)}
			sub.err = fail(&Error{Kind: KindComputation, Op: "panic", Err: fmt.Errorf("%v", r)})
		}
	}()

	ctx, span := telemetry.StartSpan(ctx, "submit", "submit.run", telemetry.SubjectAttrs(sub.SubjectID, sub.Mode.String())...)
	defer span.End()
	telemetry.Inc(telemetry.SubmissionsStarted)
	logger.Info("submission started")

	res, err := s.execute(ctx, callerCtx, sub)
	if err != nil && ctx.Err() != nil {
		err = &Error{Kind: KindCanceled, Op: "run", Err: err}
	}
	if err == nil {
		if uerr := guard.Unlock(); uerr != nil {
			// Data is already committed; only the invariant is reported.
			lerr := fail(&Error{Kind: KindLockRelease, Op: "unlock", Err: uerr})
			logger.Error("submission lock release failed after commit", slog.Any("err", lerr))
		}
	}
	res.Duration = time.Since(start)
	if telemetry.SubmissionDuration != nil {
		telemetry.SubmissionDuration.Observe(res.Duration.Seconds())
	}

	if err != nil {
		if se, ok := err.(*Error); ok {
			fail(se)
		}
		telemetry.RecordError(span, err)
		logger.Warn("submission failed", slog.Any("err", err), slog.Duration("duration", res.Duration))
	} else {
		telemetry.Inc(telemetry.SubmissionsSucceeded)
		telemetry.Add(telemetry.ScoresSubmitted, res.Submitted)
		telemetry.Add(telemetry.ScoresPruned, res.Pruned)
		telemetry.SetSpanSuccess(span)
		logger.Info("submission finished",
			slog.Int("fetched", res.Fetched),
			slog.Int("submitted", res.Submitted),
			slog.Int("pruned", res.Pruned),
			slog.Duration("duration", res.Duration))
	}
	sub.result, sub.err = res, err
}

// execute does the fetch, dedup, compute and persist steps. Progress goes to the caller
// only while computing, so the save transaction never waits on a consumer.
func (s *Submitter) execute(ctx, callerCtx context.Context, sub *Submission) (Result, error) {
	res := Result{SubmissionID: sub.ID, SubjectID: sub.SubjectID, Mode: sub.Mode}

	scores, err := s.source.UserScores(ctx, sub.SubjectID, sub.Mode, s.opts.FetchLimit)
	if err != nil {
		return res, &Error{Kind: KindUpstream, Op: "fetch scores", Err: err}
	}
	if len(scores) > s.opts.FetchLimit {
		scores = scores[:s.opts.FetchLimit]
	}
	res.Fetched = len(scores)

	ids := make([]int64, 0, len(scores))
	for _, sc := range scores {
		ids = append(ids, sc.ID)
	}
	existing, err := s.store.ExistingScoreIDs(ctx, sub.SubjectID, sub.Mode, ids)
	if err != nil {
		return res, &Error{Kind: KindPersistence, Op: "existing scores", Err: err}
	}
	if existing == nil {
		existing = make(map[int64]struct{})
	}
	fresh := make([]osu.Score, 0, len(scores))
	for _, sc := range scores {
		if _, ok := existing[sc.ID]; ok {
			continue
		}
		existing[sc.ID] = struct{}{}
		fresh = append(fresh, sc)
	}
	if len(fresh) == 0 {
		return res, nil
	}

	plays := make([]osu.ScoredPlay, 0, len(fresh))
	for i, sc := range fresh {
		if err := ctx.Err(); err != nil {
			return res, &Error{Kind: KindCanceled, Op: "compute", Err: err}
		}
		sc.Mode = sub.Mode
		perf, err := s.compute(ctx, sc)
		if err != nil {
			return res, err
		}
		plays = append(plays, osu.ScoredPlay{Score: sc, Performance: perf})
		s.emit(callerCtx, sub, Progress{Index: i + 1, Total: len(fresh)})
	}

	saved, err := s.store.SaveScores(ctx, sub.SubjectID, sub.Mode, plays, s.opts.Retention)
	if err != nil {
		return res, &Error{Kind: KindPersistence, Op: "save scores", Err: err}
	}
	res.Submitted = saved.Inserted
	res.Pruned = saved.Pruned
	return res, nil
}

// compute loads the score's beatmap and runs the calculator on it.
func (s *Submitter) compute(ctx context.Context, sc osu.Score) (perf osu.Performance, err error) {
	ctx, span := telemetry.StartSpan(ctx, "submit", "submit.compute", telemetry.ScoreAttrs(sc.ID, sc.BeatmapID)...)
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	beatmap, err := s.beatmaps.Get(ctx, sc.BeatmapID)
	if err != nil {
		return nil, &Error{Kind: KindUpstream, Op: fmt.Sprintf("beatmap %d", sc.BeatmapID), Err: err}
	}
	telemetry.TimeFunc(telemetry.ComputeDuration, func() {
		perf, err = s.calc.Calculate(ctx, beatmap, sc)
	})
	if err != nil {
		return nil, &Error{Kind: KindComputation, Op: fmt.Sprintf("score %d", sc.ID), Err: err}
	}
	if perf == nil || perf.Mode() != sc.Mode {
		return nil, &Error{Kind: KindComputation, Op: fmt.Sprintf("score %d", sc.ID), Err: fmt.Errorf("calculator returned %T for mode %s", perf, sc.Mode)}
	}
	return perf, nil
}

// emit delivers p according to the progress mode. Once the caller's context is done the
// submission stops reporting progress.
func (s *Submitter) emit(callerCtx context.Context, sub *Submission, p Progress) {
	if sub.detached {
		return
	}
	if s.opts.ProgressMode == ProgressDrop {
		select {
		case sub.progress <- p:
		default:
			telemetry.Inc(telemetry.ProgressDropped)
		}
		return
	}
	select {
	case sub.progress <- p:
	case <-callerCtx.Done():
		sub.detached = true
	}
}
