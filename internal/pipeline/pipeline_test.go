package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/fetch"
	"github.com/siftfeed/sift/internal/metrics"
	"github.com/siftfeed/sift/internal/status"
	"github.com/siftfeed/sift/internal/store"
)

// ─── Harness ─────────────────────────────────────────────────────────────────

var frozen = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return frozen }

const feedGood = `<rss version="2.0"><channel>
  <item><title>DeepSeek ships a new agent model</title><link>https://a.example.com/1</link>
    <pubDate>Wed, 14 Jan 2026 08:00:00 +0000</pubDate></item>
  <item><title>Benchmark roundup</title><link>https://a.example.com/2</link>
    <pubDate>Tue, 13 Jan 2026 09:00:00 +0000</pubDate></item>
  <item><title>Tooling notes</title><link>https://a.example.com/3</link>
    <pubDate>Mon, 12 Jan 2026 10:00:00 +0000</pubDate></item>
</channel></rss>`

func testCfg(t *testing.T, sources []config.Source) *config.EffectiveConfig {
	t.Helper()
	cfg, err := config.Build(
		config.SourcesDoc{Sources: sources},
		config.EntitiesDoc{Entities: []config.Entity{
			{ID: "deepseek", Name: "DeepSeek", Region: "cn", Keywords: []string{"deepseek"}},
		}},
		config.TopicsDoc{Topics: []config.Topic{
			{Name: "agents", Keywords: []string{"agent"}, BoostWeight: 2.0},
		}},
	)
	if err != nil {
		t.Fatalf("config.Build: %v", err)
	}
	return cfg
}

func newPipeline(t *testing.T, ft *fetch.FixtureTransport, cfg *config.EffectiveConfig) (*Pipeline, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sift.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	outDir := t.TempDir()
	p := &Pipeline{
		Cfg:     cfg,
		Runtime: config.Runtime{MaxWorkers: 2, MaxResponseBytes: 1 << 20, RetentionDays: 90},
		Store:   st,
		Client:  fetch.Options{Client: &http.Client{Transport: ft}},
		Metrics: metrics.New(),
		OutDir:  outDir,
		Now:     clock,
	}
	return p, outDir
}

// ─── End to end ──────────────────────────────────────────────────────────────

func TestPipeline_IsolationAndOutputs(t *testing.T) {
	ft := fetch.NewFixtureTransport(false)
	ft.Register("https://a.example.com/feed", 200, nil, []byte(feedGood))
	ft.Register("https://broken.example.com/feed", 500, nil, []byte("oops"))

	cfg := testCfg(t, []config.Source{
		{ID: "good_rss", URL: "https://a.example.com/feed", Tier: 1, Method: config.MethodRSS},
		{ID: "broken", URL: "https://broken.example.com/feed", Tier: 1, Method: config.MethodRSS},
	})
	p, outDir := newPipeline(t, ft, cfg)

	res, err := p.Run(context.Background(), "run-e2e")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Runner.Succeeded != 1 || res.Runner.Failed != 1 {
		t.Fatalf("succeeded/failed = %d/%d, want 1/1", res.Runner.Succeeded, res.Runner.Failed)
	}
	if res.Runner.ItemsNew != 3 {
		t.Errorf("ItemsNew = %d, want 3", res.Runner.ItemsNew)
	}
	if res.Checksum == "" {
		t.Errorf("empty output checksum")
	}

	var broken *status.SourceStatus
	for i := range res.Statuses {
		if res.Statuses[i].SourceID == "broken" {
			broken = &res.Statuses[i]
		}
	}
	if broken == nil || broken.Code != status.ReasonFetchHTTP5xx {
		t.Errorf("broken source status = %+v, want FETCH_HTTP_5XX", broken)
	}

	// Artifacts in place.
	for _, rel := range []string{
		filepath.Join("api", "daily.json"), "index.html",
		filepath.Join("day", "2026-01-15.html"), "archive.html", "sources.html", "status.html",
	} {
		if _, err := os.Stat(filepath.Join(outDir, rel)); err != nil {
			t.Errorf("missing artifact %s: %v", rel, err)
		}
	}

	// Run record closed as success despite the failing source.
	runs, err := p.Store.RecentRuns(context.Background(), 5)
	if err != nil || len(runs) != 1 {
		t.Fatalf("RecentRuns: %v, %d", err, len(runs))
	}
	if runs[0].Success == nil || !*runs[0].Success {
		t.Errorf("run not marked successful: %+v", runs[0])
	}

	// Entity matching surfaced in the digest.
	data, _ := os.ReadFile(filepath.Join(outDir, "api", "daily.json"))
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("daily.json: %v", err)
	}
	if doc["run_id"] != "run-e2e" {
		t.Errorf("run_id = %v", doc["run_id"])
	}
}

func TestPipeline_DeterministicAcrossFreshRuns(t *testing.T) {
	sources := []config.Source{
		{ID: "good_rss", URL: "https://a.example.com/feed", Tier: 1, Method: config.MethodRSS},
	}
	digest := func() [32]byte {
		ft := fetch.NewFixtureTransport(false)
		ft.Register("https://a.example.com/feed", 200, nil, []byte(feedGood))
		p, outDir := newPipeline(t, ft, testCfg(t, sources))
		if _, err := p.Run(context.Background(), "run-fixed"); err != nil {
			t.Fatalf("Run: %v", err)
		}
		data, err := os.ReadFile(filepath.Join(outDir, "api", "daily.json"))
		if err != nil {
			t.Fatalf("read daily.json: %v", err)
		}
		return sha256.Sum256(data)
	}
	if digest() != digest() {
		t.Errorf("daily.json differs across identical fixture runs")
	}
}

func TestPipeline_SecondRunNoDelta(t *testing.T) {
	ft := fetch.NewFixtureTransport(false)
	ft.Register("https://a.example.com/feed", 200, http.Header{"ETag": {`"v1"`}}, []byte(feedGood))
	cfg := testCfg(t, []config.Source{
		{ID: "good_rss", URL: "https://a.example.com/feed", Tier: 1, Method: config.MethodRSS},
	})
	p, _ := newPipeline(t, ft, cfg)

	first, err := p.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Runner.ItemsNew != 3 {
		t.Fatalf("first ItemsNew = %d, want 3", first.Runner.ItemsNew)
	}

	second, err := p.Run(context.Background(), "run-2")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Runner.ItemsNew != 0 {
		t.Errorf("second ItemsNew = %d, want 0 (304 path)", second.Runner.ItemsNew)
	}
	if len(second.Statuses) != 1 || second.Statuses[0].Code != status.ReasonOKNoDelta {
		t.Errorf("second status = %+v, want FETCH_PARSE_OK_NO_DELTA", second.Statuses)
	}
	// Stories still rendered from the stored items.
	if second.Stories != 3 {
		t.Errorf("second run stories = %d, want 3 from lookback window", second.Stories)
	}
}
