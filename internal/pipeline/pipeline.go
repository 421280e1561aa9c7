// Package pipeline runs one full digest pass: collect every source in
// parallel, then link, rank, and render sequentially on the aggregated
// output. With a frozen clock, a fixed run ID, and fixture responses the
// whole pass is deterministic end to end.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/siftfeed/sift/internal/collector"
	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/fetch"
	"github.com/siftfeed/sift/internal/linker"
	"github.com/siftfeed/sift/internal/metrics"
	"github.com/siftfeed/sift/internal/model"
	"github.com/siftfeed/sift/internal/ranker"
	"github.com/siftfeed/sift/internal/render"
	"github.com/siftfeed/sift/internal/status"
	"github.com/siftfeed/sift/internal/store"
)

// DefaultLookback bounds which items feed the digest: everything first
// seen within this window of the run clock.
const DefaultLookback = 7 * 24 * time.Hour

// Pipeline wires the stages together for one or more runs.
type Pipeline struct {
	Cfg      *config.EffectiveConfig
	Runtime  config.Runtime
	Store    *store.Store
	Client   fetch.Options // fetcher options; Client carries the fixture transport in test mode
	Metrics  *metrics.Metrics
	OutDir   string
	Now      func() time.Time
	Lookback time.Duration
}

// Result summarizes one completed run.
type Result struct {
	RunID    string
	Runner   *collector.RunnerResult
	Stories  int
	Checksum string
	Manifest []render.ManifestEntry
	Statuses []status.SourceStatus
}

// Run executes one pass. runID may be empty; a random one is generated.
// Per-source failures are contained; the returned error means the run
// itself failed (store unavailable, render failure).
func (p *Pipeline) Run(ctx context.Context, runID string) (*Result, error) {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	lookback := p.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	started := now()

	if err := p.Store.BeginRun(ctx, runID, started); err != nil {
		return nil, fmt.Errorf("pipeline: begin run: %w", err)
	}
	res, err := p.run(ctx, runID, started, now, lookback)
	finished := now()
	if err != nil {
		_ = p.Store.FinishRun(ctx, runID, finished, false, err.Error())
		log.Printf("pipeline: run=%s failed: %v", runID, err)
		return res, err
	}
	if ferr := p.Store.FinishRun(ctx, runID, finished, true, ""); ferr != nil {
		return res, fmt.Errorf("pipeline: finish run: %w", ferr)
	}
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, runID string, started time.Time, now func() time.Time, lookback time.Duration) (*Result, error) {
	res := &Result{RunID: runID}

	// Collect. Each source isolated; the runner never fails the run.
	opts := p.Client
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = p.Runtime.MaxResponseBytes
	}
	opts.Profiles = append(opts.Profiles, authProfiles()...)
	runner := &collector.Runner{
		Fetcher: fetch.New(opts),
		Store:   p.Store,
		Limiters: collector.NewLimiters(map[string]float64{
			"github":      p.Runtime.GitHubQPS,
			"huggingface": p.Runtime.HFQPS,
			"openreview":  p.Runtime.OpenReviewQPS,
		}),
		MaxWorkers: p.Runtime.MaxWorkers,
		Timeout:    p.Runtime.PerSourceTimeout,
		Now:        now,
		Strip:      p.Cfg.Topics.Dedupe.CanonicalURLStripParams,
		DetailMax:  3,
	}
	runnerRes, err := runner.Run(ctx, p.Cfg.Sources)
	if err != nil {
		return res, err
	}
	res.Runner = runnerRes
	p.recordCollectMetrics(runnerRes)

	// Deterministic item window, ordered so linking is independent of
	// source completion order.
	items, err := collector.ItemsForRun(ctx, p.Store, started.Add(-lookback))
	if err != nil {
		return res, fmt.Errorf("pipeline: load items: %w", err)
	}

	// Link, rank.
	linked := linker.New(p.Cfg).Link(items)
	output := ranker.New(p.Cfg, now).Rank(linked.Stories)
	res.Stories = len(linked.Stories)
	res.Checksum = output.Checksum
	if p.Metrics != nil {
		p.Metrics.StoriesTotal.Set(float64(len(linked.Stories)))
		p.Metrics.FallbackRatio.Set(linked.FallbackRatio)
	}

	// Classify per-source outcomes for the status surfaces.
	res.Statuses = p.classify(ctx, runnerRes)

	// Render.
	runs, err := p.Store.RecentRuns(ctx, 20)
	if err != nil {
		return res, fmt.Errorf("pipeline: recent runs: %w", err)
	}
	info := render.RunInfo{
		SourcesSucceeded: runnerRes.Succeeded,
		SourcesFailed:    runnerRes.Failed,
		ItemsNew:         runnerRes.ItemsNew,
		ItemsUpdated:     runnerRes.ItemsUpd,
		StoriesTotal:     len(linked.Stories),
		FallbackRatio:    linked.FallbackRatio,
		DurationSeconds:  now().Sub(started).Seconds(),
		Checksum:         output.Checksum,
	}
	manifest, err := render.New(p.OutDir, p.Runtime.RetentionDays, now).Render(render.Input{
		RunID:    runID,
		Output:   output,
		Statuses: res.Statuses,
		Runs:     runs,
		Entities: p.Cfg.Entities,
		Info:     info,
	})
	res.Manifest = manifest
	if err != nil {
		return res, err
	}
	if p.Metrics != nil {
		p.Metrics.RunDuration.Observe(now().Sub(started).Seconds())
	}
	log.Printf("pipeline: run=%s done: %d stories, checksum=%s", runID, res.Stories, res.Checksum)
	return res, nil
}

// classify maps each runner result to a SourceStatus, filling the
// dates-missing flag from the stored items.
func (p *Pipeline) classify(ctx context.Context, rr *collector.RunnerResult) []status.SourceStatus {
	out := make([]status.SourceStatus, 0, len(rr.Results))
	for _, sr := range rr.Results {
		in := status.Input{Result: sr}
		if sr.State == collector.StateSourceDone && sr.ItemsNew > 0 {
			if items, err := p.Store.ItemsBySource(ctx, sr.SourceID); err == nil {
				in.DatesMissing = allDatesMissing(items)
			}
		}
		out = append(out, status.Classify(in))
	}
	return out
}

func allDatesMissing(items []model.Item) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if it.PublishedAt != nil {
			return false
		}
	}
	return true
}

func (p *Pipeline) recordCollectMetrics(rr *collector.RunnerResult) {
	if p.Metrics == nil {
		return
	}
	for _, sr := range rr.Results {
		switch {
		case sr.NotModified:
			p.Metrics.SourcesTotal.WithLabelValues("not_modified").Inc()
		case sr.State == collector.StateSourceDone:
			p.Metrics.SourcesTotal.WithLabelValues("done").Inc()
		default:
			p.Metrics.SourcesTotal.WithLabelValues("failed").Inc()
			if sr.FetchClass != "" {
				p.Metrics.FetchErrors.WithLabelValues(string(sr.FetchClass)).Inc()
			}
		}
	}
	p.Metrics.ItemsNew.Add(float64(rr.ItemsNew))
	p.Metrics.ItemsUpdated.Add(float64(rr.ItemsUpd))
}

// authProfiles attaches platform tokens from the environment to their API
// hosts. Env var names come from config.TokenEnv; hosts without a token set
// simply send no auth header.
func authProfiles() []fetch.Profile {
	return []fetch.Profile{
		{
			Pattern:    regexp.MustCompile(`(^|\.)api\.github\.com$`),
			AuthHeader: "Authorization", AuthEnv: config.TokenEnv["github"], AuthScheme: "Bearer",
			Headers: map[string]string{"Accept": "application/vnd.github+json"},
		},
		{
			Pattern:    regexp.MustCompile(`(^|\.)huggingface\.co$`),
			AuthHeader: "Authorization", AuthEnv: config.TokenEnv["huggingface"], AuthScheme: "Bearer",
		},
		{
			Pattern:    regexp.MustCompile(`(^|\.)api\.openreview\.net$`),
			AuthHeader: "Authorization", AuthEnv: config.TokenEnv["openreview"], AuthScheme: "Bearer",
		},
	}
}
