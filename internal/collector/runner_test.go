package collector

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/fetch"
	"github.com/siftfeed/sift/internal/model"
	"github.com/siftfeed/sift/internal/store"
)

// ─── Harness ─────────────────────────────────────────────────────────────────

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sift.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fixtureFetcher(ft *fetch.FixtureTransport) *fetch.Fetcher {
	return fetch.New(fetch.Options{
		Client: &http.Client{Transport: ft},
		Retry:  fetch.RetryPolicy{MaxRetries: 0},
	})
}

const runnerFeedA = `<rss version="2.0"><channel>
  <item><title>A1</title><link>https://a.example.com/1</link>
    <pubDate>Mon, 12 Jan 2026 08:00:00 +0000</pubDate></item>
  <item><title>A2</title><link>https://a.example.com/2</link>
    <pubDate>Tue, 13 Jan 2026 08:00:00 +0000</pubDate></item>
</channel></rss>`

const runnerFeedB = `<rss version="2.0"><channel>
  <item><title>B1</title><link>https://b.example.com/1</link>
    <pubDate>Wed, 14 Jan 2026 08:00:00 +0000</pubDate></item>
</channel></rss>`

func frozenClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC) }
}

// ─── Runner ──────────────────────────────────────────────────────────────────

func TestRunner_CollectsAllSources(t *testing.T) {
	ft := fetch.NewFixtureTransport(false)
	ft.Register("https://a.example.com/feed", 200, http.Header{"ETag": {`"va"`}}, []byte(runnerFeedA))
	ft.Register("https://b.example.com/feed", 200, nil, []byte(runnerFeedB))

	st := openTestStore(t)
	r := &Runner{
		Fetcher: fixtureFetcher(ft), Store: st,
		MaxWorkers: 2, Now: frozenClock(),
	}
	sources := []config.Source{
		{ID: "src_a", URL: "https://a.example.com/feed", Tier: 0, Method: config.MethodRSS},
		{ID: "src_b", URL: "https://b.example.com/feed", Tier: 1, Method: config.MethodRSS},
	}
	res, err := r.Run(context.Background(), sources)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Succeeded != 2 || res.Failed != 0 {
		t.Fatalf("succeeded/failed = %d/%d, want 2/0", res.Succeeded, res.Failed)
	}
	if res.ItemsNew != 3 {
		t.Errorf("ItemsNew = %d, want 3", res.ItemsNew)
	}
	if res.Results[0].SourceID != "src_a" || res.Results[1].SourceID != "src_b" {
		t.Errorf("results not ordered by source id: %v, %v",
			res.Results[0].SourceID, res.Results[1].SourceID)
	}
	for _, sr := range res.Results {
		if sr.State != StateSourceDone {
			t.Errorf("source %s state = %s, want SOURCE_DONE", sr.SourceID, sr.State)
		}
	}

	items, err := st.ItemsBySource(context.Background(), "src_a")
	if err != nil {
		t.Fatalf("ItemsBySource: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("persisted src_a items = %d, want 2", len(items))
	}
}

func TestRunner_FailingSourceDoesNotAffectOthers(t *testing.T) {
	ft := fetch.NewFixtureTransport(false) // unmatched URLs 404
	ft.Register("https://a.example.com/feed", 200, nil, []byte(runnerFeedA))

	st := openTestStore(t)
	r := &Runner{Fetcher: fixtureFetcher(ft), Store: st, MaxWorkers: 2, Now: frozenClock()}
	sources := []config.Source{
		{ID: "src_a", URL: "https://a.example.com/feed", Tier: 0, Method: config.MethodRSS},
		{ID: "src_missing", URL: "https://missing.example.com/feed", Tier: 1, Method: config.MethodRSS},
	}
	res, err := r.Run(context.Background(), sources)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("succeeded/failed = %d/%d, want 1/1", res.Succeeded, res.Failed)
	}
	var failed *SourceResult
	for i := range res.Results {
		if res.Results[i].SourceID == "src_missing" {
			failed = &res.Results[i]
		}
	}
	if failed == nil || failed.State != StateSourceFailed {
		t.Fatalf("src_missing result = %+v, want SOURCE_FAILED", failed)
	}
	if failed.FetchClass != fetch.ClassHTTP4xx {
		t.Errorf("FetchClass = %s, want HTTP_4XX", failed.FetchClass)
	}
}

func TestRunner_ParseFailureClassified(t *testing.T) {
	ft := fetch.NewFixtureTransport(false)
	ft.Register("https://a.example.com/feed", 200, nil, []byte("this is not xml"))

	st := openTestStore(t)
	r := &Runner{Fetcher: fixtureFetcher(ft), Store: st, MaxWorkers: 1, Now: frozenClock()}
	res, err := r.Run(context.Background(), []config.Source{
		{ID: "src_a", URL: "https://a.example.com/feed", Method: config.MethodRSS},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sr := res.Results[0]
	if sr.State != StateSourceFailed {
		t.Fatalf("state = %s, want SOURCE_FAILED", sr.State)
	}
	if sr.ParseClass != ParseXML {
		t.Errorf("ParseClass = %s, want XML", sr.ParseClass)
	}
}

func TestRunner_SecondRunUses304(t *testing.T) {
	ft := fetch.NewFixtureTransport(false)
	ft.Register("https://a.example.com/feed", 200, http.Header{"ETag": {`"va"`}}, []byte(runnerFeedA))

	st := openTestStore(t)
	r := &Runner{Fetcher: fixtureFetcher(ft), Store: st, MaxWorkers: 1, Now: frozenClock()}
	src := []config.Source{{ID: "src_a", URL: "https://a.example.com/feed", Method: config.MethodRSS}}

	first, err := r.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.ItemsNew != 2 {
		t.Fatalf("first run ItemsNew = %d, want 2", first.ItemsNew)
	}

	second, err := r.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	sr := second.Results[0]
	if !sr.NotModified || sr.State != StateSourceDone {
		t.Fatalf("second run result = %+v, want NotModified SOURCE_DONE", sr)
	}
	if second.ItemsNew != 0 {
		t.Errorf("second run ItemsNew = %d, want 0", second.ItemsNew)
	}

	// Validators must survive the 304 so a third run still sends them.
	entry, err := st.GetCacheEntry(context.Background(), "src_a")
	if err != nil || entry == nil {
		t.Fatalf("GetCacheEntry: entry=%v err=%v", entry, err)
	}
	if entry.ETag != `"va"` {
		t.Errorf("ETag = %q, want preserved after 304", entry.ETag)
	}
}

func TestRunner_PanicIsolatedToSource(t *testing.T) {
	ft := fetch.NewFixtureTransport(false)
	ft.Register("https://a.example.com/feed", 200, nil, []byte(runnerFeedA))
	ft.Register("https://b.example.com/feed", 200, nil, []byte(runnerFeedB))

	Registry["__panic"] = func(ctx context.Context, env Env, src config.Source, body []byte) ([]model.Item, error) {
		panic("adapter exploded")
	}
	t.Cleanup(func() { delete(Registry, "__panic") })

	st := openTestStore(t)
	r := &Runner{Fetcher: fixtureFetcher(ft), Store: st, MaxWorkers: 2, Now: frozenClock()}
	res, err := r.Run(context.Background(), []config.Source{
		{ID: "src_a", URL: "https://a.example.com/feed", Method: "__panic"},
		{ID: "src_b", URL: "https://b.example.com/feed", Method: config.MethodRSS},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("succeeded/failed = %d/%d, want 1/1", res.Succeeded, res.Failed)
	}
	for _, sr := range res.Results {
		if sr.SourceID == "src_a" {
			if sr.State != StateSourceFailed || sr.Err == nil {
				t.Errorf("panicking source result = %+v, want SOURCE_FAILED with error", sr)
			}
		}
	}
}

func TestRunner_QueryParamsAppended(t *testing.T) {
	ft := fetch.NewFixtureTransport(true) // strict: wrong URL means loud failure
	ft.Register("https://api.example.com/notes?limit=50&venue=ICLR+2026", 200,
		nil, []byte(`{"notes":[{"id":"n1","cdate":1768300000000,"content":{"title":"T"}}]}`))

	st := openTestStore(t)
	r := &Runner{Fetcher: fixtureFetcher(ft), Store: st, MaxWorkers: 1, Now: frozenClock()}
	res, err := r.Run(context.Background(), []config.Source{{
		ID: "or_src", URL: "https://api.example.com/notes", Method: config.MethodOpenReview,
		Query: map[string]string{"venue": "ICLR 2026", "limit": "50"},
	}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Results[0].State != StateSourceDone {
		t.Fatalf("state = %s (err %v), want SOURCE_DONE", res.Results[0].State, res.Results[0].Err)
	}
}

// ─── Limiters ────────────────────────────────────────────────────────────────

func TestLimiters_PlatformMapping(t *testing.T) {
	cases := []struct {
		host string
		want string
	}{
		{"api.github.com", "github"},
		{"huggingface.co", "huggingface"},
		{"api.openreview.net", "openreview"},
		{"api.semanticscholar.org", "semantic_scholar"},
		{"example.com", ""},
	}
	for _, c := range cases {
		if got := platformForHost(c.host); got != c.want {
			t.Errorf("platformForHost(%q) = %q, want %q", c.host, got, c.want)
		}
	}
}

func TestLimiters_ThrottlesAndResets(t *testing.T) {
	l := NewLimiters(map[string]float64{"github": 100})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx, "api.github.com"); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	// Burst 1 at 100 QPS: tokens 2 and 3 each wait ~10ms.
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("elapsed = %v, want throttling beyond the first token", elapsed)
	}

	l.Reset()
	start = time.Now()
	if err := l.Wait(ctx, "api.github.com"); err != nil {
		t.Fatalf("Wait after Reset: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Millisecond {
		t.Errorf("post-reset wait = %v, want immediate", elapsed)
	}
}

func TestLimiters_UnknownHostPassesThrough(t *testing.T) {
	l := NewLimiters(map[string]float64{"github": 0.001})
	if err := l.Wait(context.Background(), "blog.example.com"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
