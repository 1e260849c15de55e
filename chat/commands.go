package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/o-dasher/rusty-rika/db"
	"github.com/o-dasher/rusty-rika/osu"
	"github.com/o-dasher/rusty-rika/osuapi"
	"github.com/o-dasher/rusty-rika/recommend"
	"github.com/o-dasher/rusty-rika/submit"
	"github.com/o-dasher/rusty-rika/telemetry"
)

const commandPrefix = "!"

// DefaultProgressEvery is how many computed scores pass between progress lines.
const DefaultProgressEvery = 10

// DefaultMaxConcurrent bounds the commands handled at once.
const DefaultMaxConcurrent = 8

// Submitter starts submissions.
type Submitter interface {
	Submit(ctx context.Context, subject submit.Subject, mode osu.Mode) (*submit.Submission, error)
}

// Recommender answers !recommend.
type Recommender interface {
	Recommend(ctx context.Context, subjectID int64, mode osu.Mode, width float64) (recommend.Recommendation, error)
}

// UserResolver maps usernames to ids.
type UserResolver interface {
	ResolveUser(ctx context.Context, username string) (int64, error)
}

// Handler turns chat commands into submissions and recommendations.
type Handler struct {
	Submitter     Submitter
	Recommender   Recommender
	Users         UserResolver
	ProgressEvery int
	MaxConcurrent int

	slotsOnce sync.Once
	slots     chan struct{}
}

// tryAcquire takes a command slot without waiting.
func (h *Handler) tryAcquire() bool {
	h.slotsOnce.Do(func() {
		n := h.MaxConcurrent
		if n <= 0 {
			n = DefaultMaxConcurrent
		}
		h.slots = make(chan struct{}, n)
	})
	select {
	case h.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (h *Handler) release() { <-h.slots }

// HandleMessage parses text sent by sender and answers through say. Unknown commands are
// ignored.
func (h *Handler) HandleMessage(ctx context.Context, sender, text string, say func(string)) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], commandPrefix) {
		return
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], commandPrefix))
	args := fields[1:]
	switch cmd {
	case "submit", "recommend", "r":
	default:
		return
	}
	if !h.tryAcquire() {
		telemetry.ObserveChatCommand("rejected")
		slog.Warn("chat command rejected, all slots busy", slog.String("component", "chat"), slog.String("sender", sender), slog.String("command", cmd))
		say(fmt.Sprintf("%s: busy right now, try again in a moment", sender))
		return
	}
	defer h.release()
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())

	switch cmd {
	case "submit":
		telemetry.ObserveChatCommand(cmd)
		h.submit(ctx, sender, args, say)
	case "recommend", "r":
		telemetry.ObserveChatCommand("recommend")
		h.recommend(ctx, sender, args, say)
	}
}

// target reads the optional [username] [mode] prefix shared by all commands.
func target(sender string, args []string) (string, osu.Mode, []string, error) {
	username, mode := sender, osu.ModeOsu
	if len(args) > 0 {
		username = args[0]
		args = args[1:]
	}
	if len(args) > 0 {
		m, err := osu.ParseMode(args[0])
		if err != nil {
			return "", 0, nil, err
		}
		mode = m
		args = args[1:]
	}
	return username, mode, args, nil
}

func (h *Handler) submit(ctx context.Context, sender string, args []string, say func(string)) {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "chat"), slog.String("sender", sender))
	username, mode, _, err := target(sender, args)
	if err != nil {
		say(err.Error())
		return
	}

	sub, err := h.Submitter.Submit(ctx, submit.ByName(username), mode)
	if err != nil {
		say(describeSubmitError(username, mode, err))
		if k, _ := submit.KindOf(err); k != submit.KindAlreadySubmitting && k != submit.KindUnsupportedMode {
			logger.Warn("chat submit failed", slog.String("username", username), slog.Any("err", err))
		}
		return
	}
	say(fmt.Sprintf("Submitting %s scores for %s. This may take a while...", mode, username))

	every := h.ProgressEvery
	if every <= 0 {
		every = DefaultProgressEvery
	}
	for p := range sub.Progress() {
		if p.Index%every == 0 && p.Index != p.Total {
			say(fmt.Sprintf("%s: processed %d/%d scores", username, p.Index, p.Total))
		}
	}
	res, err := sub.Wait()
	if err != nil {
		say(describeSubmitError(username, mode, err))
		logger.Warn("chat submission failed", slog.String("username", username), slog.Any("err", err))
		return
	}
	if res.Submitted == 0 {
		say(fmt.Sprintf("%s: no new %s scores to submit", username, mode))
		return
	}
	say(fmt.Sprintf("%s: submitted %d new %s scores", username, res.Submitted, mode))
}

func describeSubmitError(username string, mode osu.Mode, err error) string {
	switch {
	case errors.Is(err, submit.ErrAlreadySubmitting):
		return fmt.Sprintf("%s: already submitting, wait for the current submission to finish", username)
	case errors.Is(err, submit.ErrUnsupportedMode):
		return fmt.Sprintf("%s is not supported yet", mode)
	case errors.Is(err, osuapi.ErrUserNotFound):
		return fmt.Sprintf("user %s not found", username)
	default:
		return fmt.Sprintf("%s: submission failed, try again later", username)
	}
}

func (h *Handler) recommend(ctx context.Context, sender string, args []string, say func(string)) {
	username, mode, rest, err := target(sender, args)
	if err != nil {
		say(err.Error())
		return
	}
	width := 0.0
	if len(rest) > 0 {
		width, err = strconv.ParseFloat(rest[0], 64)
		if err != nil || width <= 0 {
			say("range must be a positive number such as 0.3")
			return
		}
	}

	id, err := h.Users.ResolveUser(ctx, username)
	if err != nil {
		if errors.Is(err, osuapi.ErrUserNotFound) {
			say(fmt.Sprintf("user %s not found", username))
			return
		}
		say("could not reach osu!, try again later")
		return
	}
	rec, err := h.Recommender.Recommend(ctx, id, mode, width)
	switch {
	case errors.Is(err, recommend.ErrRequiresSubmission):
		say(fmt.Sprintf("%s: submit your %s scores first with !submit", username, mode))
	case errors.Is(err, db.ErrNoRecommendation):
		say(fmt.Sprintf("%s: no recommendation found, try a wider range", username))
	case errors.Is(err, recommend.ErrInvalidRange):
		say(err.Error())
	case err != nil:
		telemetry.LoggerWithCorr(ctx).Warn("chat recommend failed", slog.String("username", username), slog.Any("err", err))
		say(fmt.Sprintf("%s: recommendation failed", username))
	default:
		say(fmt.Sprintf("%s: %s %s", username, rec.URL(), rec.Mods))
	}
}
