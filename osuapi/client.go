// Package osuapi is a minimal osu! API v2 client covering user lookup, recent/best scores
// and country performance rankings. Requests are authenticated with a client-credentials
// token and throttled to the configured request rate.
package osuapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/o-dasher/rusty-rika/osu"
)

const (
	DefaultBaseURL  = "https://osu.ppy.sh/api/v2"
	DefaultTokenURL = "https://osu.ppy.sh/oauth/token"

	// apiVersion selects the lazer score format (statistics keyed by judgement name).
	apiVersion = "20220705"
	maxRetries = 3
)

// ErrUserNotFound is returned when a username or id does not resolve to a user.
var ErrUserNotFound = errors.New("user not found")

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("osu api: unexpected status %d: %s", e.Code, e.Body)
}

// Config configures NewClient.
type Config struct {
	ClientID          string
	ClientSecret      string
	TokenURL          string
	BaseURL           string
	ScoreType         string // recent | best
	RequestsPerMinute int
}

// Client talks to the osu! API. HTTPClient must attach authorization; NewClient wires a
// client-credentials transport.
type Client struct {
	BaseURL    string
	ScoreType  string
	HTTPClient *http.Client

	limiter *windowLimiter
}

// NewClient builds an authenticated client. The context bounds token fetches.
func NewClient(ctx context.Context, cfg Config) *Client {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{"public"},
	}
	hc := cc.Client(ctx)
	hc.Timeout = 30 * time.Second
	return newClient(cfg, hc)
}

func newClient(cfg Config, hc *http.Client) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	scoreType := cfg.ScoreType
	if scoreType == "" {
		scoreType = "recent"
	}
	return &Client{
		BaseURL:    base,
		ScoreType:  scoreType,
		HTTPClient: hc,
		limiter:    newWindowLimiter(cfg.RequestsPerMinute, time.Minute),
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// getJSON performs a throttled GET and decodes the body into out. 429 responses are
// retried after Retry-After.
func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.wait(ctx); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("x-api-version", apiVersion)
		resp, err := c.http().Do(req)
		if err != nil {
			return err
		}
		retry, err := c.handle(resp, out)
		if !retry || attempt >= maxRetries {
			return err
		}
		wait := retryAfter(resp.Header.Get("Retry-After"))
		slog.Warn("osu api rate limited, backing off",
			slog.String("component", "osuapi"),
			slog.String("path", path),
			slog.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) handle(resp *http.Response, out any) (retry bool, err error) {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, &StatusError{Code: resp.StatusCode, Body: "rate limited"}
	case resp.StatusCode == http.StatusNotFound:
		return false, ErrUserNotFound
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	return false, json.NewDecoder(resp.Body).Decode(out)
}

func retryAfter(v string) time.Duration {
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return 10 * time.Second
}

// User resolves a username to a profile.
func (c *Client) User(ctx context.Context, username string) (osu.User, error) {
	if username == "" {
		return osu.User{}, fmt.Errorf("username empty")
	}
	var body struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	q := url.Values{}
	q.Set("key", "username")
	if err := c.getJSON(ctx, "/users/"+url.PathEscape(username), q, &body); err != nil {
		return osu.User{}, err
	}
	if body.ID == 0 {
		return osu.User{}, ErrUserNotFound
	}
	return osu.User{ID: body.ID, Username: body.Username}, nil
}

// ResolveUser returns the numeric id for username.
func (c *Client) ResolveUser(ctx context.Context, username string) (int64, error) {
	u, err := c.User(ctx, username)
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

type apiScore struct {
	ID        int64 `json:"id"`
	UserID    int64 `json:"user_id"`
	BeatmapID int64 `json:"beatmap_id"`
	RulesetID int   `json:"ruleset_id"`
	Mods      []struct {
		Acronym string `json:"acronym"`
	} `json:"mods"`
	Statistics osu.Statistics `json:"statistics"`
	MaxCombo   int            `json:"max_combo"`
	EndedAt    time.Time      `json:"ended_at"`
}

func (s apiScore) toScore() osu.Score {
	acronyms := make([]string, 0, len(s.Mods))
	for _, m := range s.Mods {
		acronyms = append(acronyms, m.Acronym)
	}
	return osu.Score{
		ID:         s.ID,
		UserID:     s.UserID,
		BeatmapID:  s.BeatmapID,
		Mode:       osu.Mode(s.RulesetID),
		Mods:       osu.ParseMods(acronyms),
		Statistics: s.Statistics,
		MaxCombo:   s.MaxCombo,
		EndedAt:    s.EndedAt,
	}
}

// UserScores lists up to limit scores of the configured type (recent by default), most
// recent first, in the order the API returns them.
func (c *Client) UserScores(ctx context.Context, userID int64, mode osu.Mode, limit int) ([]osu.Score, error) {
	if userID == 0 {
		return nil, fmt.Errorf("userID empty")
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	q := url.Values{}
	q.Set("mode", mode.String())
	q.Set("limit", strconv.Itoa(limit))
	q.Set("include_fails", "0")
	var body []apiScore
	path := fmt.Sprintf("/users/%d/scores/%s", userID, url.PathEscape(c.ScoreType))
	if err := c.getJSON(ctx, path, q, &body); err != nil {
		return nil, err
	}
	out := make([]osu.Score, 0, len(body))
	for _, s := range body {
		sc := s.toScore()
		if sc.UserID == 0 {
			sc.UserID = userID
		}
		out = append(out, sc)
	}
	return out, nil
}

// Rankings returns one page (1-based) of the performance ranking, optionally filtered to
// a country code.
func (c *Client) Rankings(ctx context.Context, mode osu.Mode, country string, page int) ([]osu.RankedUser, error) {
	if page <= 0 {
		page = 1
	}
	q := url.Values{}
	q.Set("cursor[page]", strconv.Itoa(page))
	if country != "" {
		q.Set("country", country)
	}
	var body struct {
		Ranking []struct {
			GlobalRank int `json:"global_rank"`
			User       struct {
				ID       int64  `json:"id"`
				Username string `json:"username"`
			} `json:"user"`
		} `json:"ranking"`
	}
	if err := c.getJSON(ctx, "/rankings/"+mode.String()+"/performance", q, &body); err != nil {
		return nil, err
	}
	out := make([]osu.RankedUser, 0, len(body.Ranking))
	for _, r := range body.Ranking {
		out = append(out, osu.RankedUser{ID: r.User.ID, Username: r.User.Username, Rank: r.GlobalRank})
	}
	return out, nil
}
