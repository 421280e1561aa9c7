package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"runtime/debug"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/fetch"
	"github.com/siftfeed/sift/internal/model"
	"github.com/siftfeed/sift/internal/store"
)

// SourceResult is one source's outcome, whatever happened to it.
type SourceResult struct {
	SourceID     string
	State        State
	NotModified  bool // 304 cache hit, nothing parsed
	ItemsNew     int
	ItemsUpdated int
	FetchClass   fetch.ErrorClass // set when the fetch failed
	ParseClass   ParseClass       // set when parsing failed
	Err          error
	Duration     time.Duration
}

// RunnerResult aggregates a full collection pass. Results are ordered by
// source ID regardless of completion order.
type RunnerResult struct {
	Results   []SourceResult
	Succeeded int
	Failed    int
	ItemsNew  int
	ItemsUpd  int
}

// Runner fans sources out over a bounded worker pool. Each source runs in
// isolation: a panic or error in one source is captured into its
// SourceResult and never takes down the run.
type Runner struct {
	Fetcher    *fetch.Fetcher
	Store      *store.Store
	Limiters   *Limiters
	MaxWorkers int
	Timeout    time.Duration // per-source deadline
	Now        func() time.Time
	Strip      []string // canonical_url_strip_params
	DetailMax  int      // per-source detail-page fetch budget
}

// Run collects every source. The returned error is only for run-level
// failures (nil in practice); per-source failures live in the results.
func (r *Runner) Run(ctx context.Context, sources []config.Source) (*RunnerResult, error) {
	workers := r.MaxWorkers
	if workers <= 0 {
		workers = 4
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}

	results := make([]SourceResult, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range sources {
		i := i
		g.Go(func() error {
			results[i] = r.runSource(gctx, sources[i], now)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].SourceID < results[j].SourceID })
	agg := &RunnerResult{Results: results}
	for _, res := range results {
		if res.State == StateSourceDone {
			agg.Succeeded++
		} else {
			agg.Failed++
		}
		agg.ItemsNew += res.ItemsNew
		agg.ItemsUpd += res.ItemsUpdated
	}
	log.Printf("runner: %d sources done, %d failed, %d new items, %d updated",
		agg.Succeeded, agg.Failed, agg.ItemsNew, agg.ItemsUpd)
	return agg, nil
}

// runSource walks one source through the state machine. Never panics out.
func (r *Runner) runSource(ctx context.Context, src config.Source, now func() time.Time) (res SourceResult) {
	start := now()
	res.SourceID = src.ID
	defer func() {
		res.Duration = now().Sub(start)
		if p := recover(); p != nil {
			log.Printf("runner: source=%s panic: %v\n%s", src.ID, p, debug.Stack())
			res.State = StateSourceFailed
			res.Err = fmt.Errorf("collector: source %s panicked: %v", src.ID, p)
		}
	}()

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	m := newMachine(src.ID)

	// FETCHING
	if err := m.to(StateFetching); err != nil {
		res.State = m.state
		res.Err = err
		return res
	}
	if r.Limiters != nil {
		if u, err := url.Parse(src.URL); err == nil {
			if err := r.Limiters.Wait(ctx, u.Host); err != nil {
				_ = m.to(StateSourceFailed)
				res.State = m.state
				res.FetchClass = fetch.ClassTimeout
				res.Err = err
				return res
			}
		}
	}
	cond := fetch.Conditional{}
	if r.Store != nil {
		if entry, err := r.Store.GetCacheEntry(ctx, src.ID); err == nil && entry != nil {
			cond.ETag = entry.ETag
			cond.LastModified = entry.LastModified
		}
	}
	fres, err := r.Fetcher.Get(ctx, src.ID, r.requestURL(src), extraHeaders(src), cond)
	if err != nil {
		_ = m.to(StateSourceFailed)
		res.State = m.state
		res.Err = err
		var ferr *fetch.Error
		if errors.As(err, &ferr) {
			res.FetchClass = ferr.Class
			if r.Store != nil {
				_ = r.Store.TouchCacheStatus(ctx, src.ID, ferr.Status, now())
			}
		}
		return res
	}
	if fres.NotModified {
		_ = m.to(StateSourceDone)
		res.State = m.state
		res.NotModified = true
		if r.Store != nil {
			_ = r.Store.TouchCacheStatus(ctx, src.ID, fres.Status, now())
		}
		return res
	}

	// PARSING
	if err := m.to(StateParsing); err != nil {
		res.State = m.state
		res.Err = err
		return res
	}
	adapter, ok := Registry[src.Method]
	if !ok {
		_ = m.to(StateSourceFailed)
		res.State = m.state
		res.ParseClass = ParseSchema
		res.Err = fmt.Errorf("collector: source %s: no adapter for method %q", src.ID, src.Method)
		return res
	}
	env := Env{
		Now:         now,
		StripParams: r.Strip,
		Detail:      r.detailFetch(src.ID),
		DetailMax:   r.DetailMax,
	}
	items, err := adapter(ctx, env, src, fres.Body)
	if err != nil {
		_ = m.to(StateSourceFailed)
		res.State = m.state
		res.Err = err
		var perr *ParseError
		if errors.As(err, &perr) {
			res.ParseClass = perr.Class
		}
		return res
	}

	// UPSERTING
	if err := m.to(StateUpserting); err != nil {
		res.State = m.state
		res.Err = err
		return res
	}
	if r.Store != nil {
		up, err := r.Store.UpsertItems(ctx, items, now())
		if err != nil {
			_ = m.to(StateSourceFailed)
			res.State = m.state
			res.Err = err
			return res
		}
		res.ItemsNew = up.New
		res.ItemsUpdated = up.Updated
		_ = r.Store.UpdateCacheSuccess(ctx, src.ID, fres.ETag, fres.LastModified, fres.Status, now())
	} else {
		res.ItemsNew = len(items)
	}

	_ = m.to(StateSourceDone)
	res.State = m.state
	return res
}

// requestURL appends the source's non-selector query parameters to its URL.
// Selector keys used by the html_list adapter stay out of the request.
func (r *Runner) requestURL(src config.Source) string {
	if len(src.Query) == 0 || src.Method == config.MethodHTMLList {
		return src.URL
	}
	u, err := url.Parse(src.URL)
	if err != nil {
		return src.URL
	}
	q := u.Query()
	for k, v := range src.Query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// detailFetch returns a DetailFetch going through the same fetcher and
// limiters as the source's main request.
func (r *Runner) detailFetch(sourceID string) DetailFetch {
	return func(ctx context.Context, rawURL string) ([]byte, error) {
		if r.Limiters != nil {
			if u, err := url.Parse(rawURL); err == nil {
				if err := r.Limiters.Wait(ctx, u.Host); err != nil {
					return nil, err
				}
			}
		}
		res, err := r.Fetcher.Get(ctx, sourceID, rawURL, nil, fetch.Conditional{})
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	}
}

func extraHeaders(src config.Source) http.Header {
	if len(src.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(src.Headers))
	for k, v := range src.Headers {
		h.Set(k, v)
	}
	return h
}

// ItemsForRun loads the deterministic item set for downstream stages:
// everything first seen after cutoff, ordered by (source, first-seen, url)
// regardless of source completion order.
func ItemsForRun(ctx context.Context, st *store.Store, cutoff time.Time) ([]model.Item, error) {
	items, err := st.ItemsFirstSeenAfter(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := &items[i], &items[j]
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if !a.FirstSeenAt.Equal(b.FirstSeenAt) {
			return a.FirstSeenAt.Before(b.FirstSeenAt)
		}
		return a.URL < b.URL
	})
	return items, nil
}
