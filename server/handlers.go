package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/o-dasher/rusty-rika/idlock"
	"github.com/o-dasher/rusty-rika/osu"
	"github.com/o-dasher/rusty-rika/recommend"
	"github.com/o-dasher/rusty-rika/scraper"
	"github.com/o-dasher/rusty-rika/submit"
)

// Submitter starts submissions and exposes the subject locks.
type Submitter interface {
	Submit(ctx context.Context, subject submit.Subject, mode osu.Mode) (*submit.Submission, error)
	Locks() *idlock.Locker
}

// Recommender answers recommendation requests.
type Recommender interface {
	Recommend(ctx context.Context, subjectID int64, mode osu.Mode, width float64) (recommend.Recommendation, error)
}

// UserResolver maps usernames to ids.
type UserResolver interface {
	ResolveUser(ctx context.Context, username string) (int64, error)
}

// Deps are the components served over HTTP. Nil optional fields disable their sections.
type Deps struct {
	DB          *sql.DB
	Submitter   Submitter
	Recommender Recommender
	Users       UserResolver
	Beatmaps    interface{ Len() int }
	Scraper     interface{ Stats() scraper.Stats }
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseFloat64Query extracts a float64 parameter from query string with a default value.
func parseFloat64Query(r *http.Request, key string, def float64) float64 {
	if v := r.URL.Query().Get(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// subjectQuery reads ?user= (name or numeric id) and ?mode= (default osu).
func subjectQuery(r *http.Request) (submit.Subject, osu.Mode, error) {
	q := r.URL.Query()
	user := q.Get("user")
	if user == "" {
		return submit.Subject{}, 0, errMissingUser
	}
	mode := osu.ModeOsu
	if m := q.Get("mode"); m != "" {
		parsed, err := osu.ParseMode(m)
		if err != nil {
			return submit.Subject{}, 0, err
		}
		mode = parsed
	}
	if id, err := strconv.ParseInt(user, 10, 64); err == nil && id > 0 {
		return submit.ByID(id), mode, nil
	}
	return submit.ByName(user), mode, nil
}
