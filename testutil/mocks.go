package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockToken is the access token issued by MockOsuServer.
const MockToken = "mock-access-token"

// ScoreFixture is one score as the osu! API v2 returns it.
type ScoreFixture struct {
	ID         int64          `json:"id"`
	UserID     int64          `json:"user_id"`
	BeatmapID  int64          `json:"beatmap_id"`
	RulesetID  int            `json:"ruleset_id"`
	Mods       []ModFixture   `json:"mods"`
	Statistics map[string]int `json:"statistics"`
	MaxCombo   int            `json:"max_combo"`
	EndedAt    time.Time      `json:"ended_at"`
}

// ModFixture is a lazer mod entry.
type ModFixture struct {
	Acronym string `json:"acronym"`
}

// MockOsuServer mocks the osu! OAuth token endpoint and the API v2 routes used by the bot.
type MockOsuServer struct {
	*httptest.Server

	mu            sync.Mutex
	users         map[string]int64
	scores        map[int64][]ScoreFixture
	rankings      map[string][]int64
	beatmaps      map[int64]string
	tokenRequests int
	apiRequests   int
}

// NewMockOsuServer starts the server and closes it when the test ends.
func NewMockOsuServer(t *testing.T) *MockOsuServer {
	t.Helper()
	m := &MockOsuServer{
		users:    map[string]int64{},
		scores:   map[int64][]ScoreFixture{},
		rankings: map[string][]int64{},
		beatmaps: map[int64]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", m.handleToken)
	mux.HandleFunc("GET /api/v2/users/{user}", m.authed(m.handleUser))
	mux.HandleFunc("GET /api/v2/users/{id}/scores/{type}", m.authed(m.handleScores))
	mux.HandleFunc("GET /api/v2/rankings/{mode}/performance", m.authed(m.handleRankings))
	mux.HandleFunc("GET /osu/{id}", m.handleBeatmap)
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// APIURL is the base URL for osuapi.Config.BaseURL.
func (m *MockOsuServer) APIURL() string { return m.URL + "/api/v2" }

// TokenURL is the client credentials endpoint.
func (m *MockOsuServer) TokenURL() string { return m.URL + "/oauth/token" }

// BeatmapURL is the base URL for beatmap downloads.
func (m *MockOsuServer) BeatmapURL() string { return m.URL + "/osu" }

// AddUser registers a username.
func (m *MockOsuServer) AddUser(id int64, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[strings.ToLower(username)] = id
}

// AddScores appends scores for userID, newest first.
func (m *MockOsuServer) AddScores(userID int64, scores ...ScoreFixture) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[userID] = append(m.scores[userID], scores...)
}

// SetRanking sets the players on a ranking page of mode.
func (m *MockOsuServer) SetRanking(mode string, page int, userIDs ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rankings[mode+"/"+strconv.Itoa(page)] = userIDs
}

// AddBeatmap serves content at /osu/{id}.
func (m *MockOsuServer) AddBeatmap(id int64, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beatmaps[id] = content
}

// TokenRequests reports how many tokens were issued.
func (m *MockOsuServer) TokenRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenRequests
}

// APIRequests reports how many authenticated API calls were served.
func (m *MockOsuServer) APIRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apiRequests
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

func (m *MockOsuServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	m.mu.Lock()
	m.tokenRequests++
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": MockToken,
		"token_type":   "Bearer",
		"expires_in":   86400,
	})
}

func (m *MockOsuServer) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+MockToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"authentication": "basic"})
			return
		}
		m.mu.Lock()
		m.apiRequests++
		m.mu.Unlock()
		next(w, r)
	}
}

func (m *MockOsuServer) handleUser(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("user")
	m.mu.Lock()
	id, ok := m.users[strings.ToLower(name)]
	m.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "username": name})
}

func (m *MockOsuServer) handleScores(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": nil})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	mode := r.URL.Query().Get("mode")

	m.mu.Lock()
	all := m.scores[id]
	m.mu.Unlock()
	out := make([]ScoreFixture, 0, len(all))
	for _, s := range all {
		if mode != "" && rulesetName(s.RulesetID) != mode {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (m *MockOsuServer) handleRankings(w http.ResponseWriter, r *http.Request) {
	page := r.URL.Query().Get("cursor[page]")
	if page == "" {
		page = "1"
	}
	m.mu.Lock()
	ids := m.rankings[r.PathValue("mode")+"/"+page]
	m.mu.Unlock()

	type entry struct {
		GlobalRank int `json:"global_rank"`
		User       struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"user"`
	}
	out := make([]entry, 0, len(ids))
	for i, id := range ids {
		var e entry
		e.GlobalRank = i + 1
		e.User.ID = id
		e.User.Username = "player" + strconv.FormatInt(id, 10)
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ranking": out})
}

func (m *MockOsuServer) handleBeatmap(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	m.mu.Lock()
	content, ok := m.beatmaps[id]
	m.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(content))
}

func rulesetName(id int) string {
	switch id {
	case 1:
		return "taiko"
	case 2:
		return "fruits"
	case 3:
		return "mania"
	default:
		return "osu"
	}
}
