package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/o-dasher/rusty-rika/db"
	"github.com/o-dasher/rusty-rika/osuapi"
	"github.com/o-dasher/rusty-rika/recommend"
	"github.com/o-dasher/rusty-rika/submit"
	"github.com/o-dasher/rusty-rika/telemetry"
)

var errMissingUser = errors.New("user query parameter required")

// submitStatus maps a Submit error to an HTTP status.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, submit.ErrAlreadySubmitting):
		return http.StatusConflict
	case errors.Is(err, submit.ErrUnsupportedMode):
		return http.StatusBadRequest
	case errors.Is(err, osuapi.ErrUserNotFound):
		return http.StatusNotFound
	}
	if k, ok := submit.KindOf(err); ok {
		switch k {
		case submit.KindInvalidSubject:
			return http.StatusBadRequest
		case submit.KindUpstream:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

// HandleAdminSubmit starts a submission and streams its progress as Server-Sent Events:
// "progress" events carry {index,total}, then one "result" or "error" event ends the stream.
// Closing the connection stops the stream, not the submission.
func (h *Handlers) HandleAdminSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	subject, mode, err := subjectQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	sub, err := h.deps.Submitter.Submit(ctx, subject, mode)
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "http"), slog.String("submission_id", sub.ID))

	// streams outlive the server write timeout
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		logger.Debug("clear write deadline", slog.Any("err", err))
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Submission-ID", sub.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			logger.Debug("sse write failed", slog.Any("err", err))
			return false
		}
		flusher.Flush()
		return true
	}

	progress := sub.Progress()
	for progress != nil {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			if !send("progress", p) {
				return
			}
		}
	}

	res, err := sub.Wait()
	if err != nil {
		kind, _ := submit.KindOf(err)
		send("error", map[string]string{"kind": kind.String(), "error": err.Error()})
		return
	}
	send("result", res)
}

// HandleAdminRecommend returns a recommendation as JSON.
func (h *Handlers) HandleAdminRecommend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	subject, mode, err := subjectQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := subject.ID
	if id == 0 {
		id, err = h.deps.Users.ResolveUser(r.Context(), subject.Username)
		if errors.Is(err, osuapi.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}

	rec, err := h.deps.Recommender.Recommend(r.Context(), id, mode, parseFloat64Query(r, "range", 0))
	switch {
	case errors.Is(err, recommend.ErrRequiresSubmission), errors.Is(err, db.ErrNoRecommendation):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, recommend.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		telemetry.LoggerWithCorr(r.Context()).Error("recommend failed", slog.Int64("subject_id", id), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "recommendation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject_id": id,
		"mode":       mode.String(),
		"beatmap_id": rec.BeatmapID,
		"url":        rec.URL(),
		"mods":       rec.Mods.String(),
		"score_id":   rec.ScoreID,
	})
}
