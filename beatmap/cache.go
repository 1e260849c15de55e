// Package beatmap serves beatmap definition files (.osu) to the performance calculator.
//
// Lookups go through three tiers: a bounded in-memory LRU, an optional blob bucket that
// survives restarts, and finally the HTTP content source. Concurrent misses for the same id
// collapse into a single fetch.
package beatmap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/o-dasher/rusty-rika/telemetry"
)

const (
	DefaultBaseURL = "https://osu.ppy.sh/osu"
	DefaultSize    = 256
)

// ErrEmptyBeatmap is returned when the content source answers with an empty file, which
// is how unknown or unavailable beatmaps are reported.
var ErrEmptyBeatmap = errors.New("beatmap file is empty")

// Fetcher loads a beatmap file from its origin.
type Fetcher interface {
	Fetch(ctx context.Context, id int64) ([]byte, error)
}

// Store is a persistent second tier. Get reports found=false on a miss.
type Store interface {
	Get(ctx context.Context, id int64) (data []byte, found bool, err error)
	Put(ctx context.Context, id int64, data []byte) error
}

// Cache is safe for concurrent use.
type Cache struct {
	mem     *lru.Cache[int64, []byte]
	group   singleflight.Group
	store   Store
	fetcher Fetcher
}

// NewCache returns a cache holding up to size files in memory. store may be nil.
func NewCache(size int, fetcher Fetcher, store Store) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if fetcher == nil {
		return nil, fmt.Errorf("beatmap fetcher is required")
	}
	mem, err := lru.New[int64, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("create beatmap lru: %w", err)
	}
	return &Cache{mem: mem, store: store, fetcher: fetcher}, nil
}

// Get returns the beatmap file for id.
func (c *Cache) Get(ctx context.Context, id int64) ([]byte, error) {
	if data, ok := c.mem.Get(id); ok {
		telemetry.ObserveBeatmapLookup("memory")
		return data, nil
	}
	// The shared load must not die with whichever caller started it.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(strconv.FormatInt(id, 10), func() (any, error) {
		return c.load(loadCtx, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (c *Cache) load(ctx context.Context, id int64) ([]byte, error) {
	if data, ok := c.mem.Get(id); ok {
		telemetry.ObserveBeatmapLookup("memory")
		return data, nil
	}
	if c.store != nil {
		data, found, err := c.store.Get(ctx, id)
		if err != nil {
			slog.Warn("beatmap store read failed", slog.Int64("beatmap_id", id), slog.Any("err", err), slog.String("component", "beatmap_cache"))
		} else if found {
			telemetry.ObserveBeatmapLookup("store")
			c.mem.Add(id, data)
			return data, nil
		}
	}
	telemetry.ObserveBeatmapLookup("origin")
	var (
		data []byte
		err  error
	)
	telemetry.TimeFunc(telemetry.BeatmapFetchDuration, func() {
		data, err = c.fetcher.Fetch(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch beatmap %d: %w", id, err)
	}
	c.mem.Add(id, data)
	if c.store != nil {
		if err := c.store.Put(ctx, id, data); err != nil {
			slog.Warn("beatmap store write failed", slog.Int64("beatmap_id", id), slog.Any("err", err), slog.String("component", "beatmap_cache"))
		}
	}
	return data, nil
}

// Len returns the number of files held in memory.
func (c *Cache) Len() int { return c.mem.Len() }

// HTTPFetcher downloads files from {BaseURL}/{id}.
type HTTPFetcher struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPFetcher returns a fetcher for baseURL (DefaultBaseURL when empty).
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &HTTPFetcher{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 30 * time.Second}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, id int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return nil, err
	}
	hc := f.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("beatmap request failed: %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyBeatmap
	}
	return data, nil
}
