package linker

import (
	"testing"
	"time"

	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/model"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

func ts(day int) *time.Time {
	t := time.Date(2026, 1, day, 0, 0, 0, 0, time.UTC)
	return &t
}

func newLinker(entities []config.Entity, prefer []string) *Linker {
	cfg := &config.EffectiveConfig{
		Entities: entities,
		Topics: config.TopicsDoc{Topics: []config.Topic{
			{Name: "t", Keywords: []string{"x"}, PreferPrimaryLinkOrder: prefer},
		}},
	}
	return New(cfg)
}

// ─── Grouping ────────────────────────────────────────────────────────────────

func TestLink_ArxivDuplicateCollapses(t *testing.T) {
	items := []model.Item{
		{URL: "https://arxiv.org/abs/2401.12345", SourceID: "arxiv-cs-ai", Tier: 1,
			Title: "Great Paper", Kind: model.KindPaper, PublishedAt: ts(10),
			Raw: map[string]any{"arxiv_id": "2401.12345"}},
		{URL: "https://arxiv.org/abs/2401.12345", SourceID: "arxiv-cs-lg", Tier: 1,
			Title: "Great Paper", Kind: model.KindPaper, PublishedAt: ts(10),
			Raw: map[string]any{"arxiv_id": "2401.12345"}},
		{URL: "https://someblog.example.com/great-paper-post", SourceID: "arxiv-api", Tier: 2,
			Title: "Great Paper", Kind: model.KindPaper, PublishedAt: ts(11),
			Raw: map[string]any{"arxiv_id": "2401.12345"}},
	}
	res := newLinker(nil, nil).Link(items)
	if len(res.Stories) != 1 {
		t.Fatalf("stories = %d, want 1", len(res.Stories))
	}
	s := res.Stories[0]
	if s.ID != "arxiv:2401.12345" {
		t.Errorf("ID = %q, want arxiv:2401.12345", s.ID)
	}
	if s.ItemCount != 3 {
		t.Errorf("ItemCount = %d, want 3", s.ItemCount)
	}
	// Two items share a URL, so links dedupe to 2.
	if len(s.Links) != 2 {
		t.Errorf("links = %d, want 2 unique URLs", len(s.Links))
	}
	if res.MergesTotal != 1 {
		t.Errorf("MergesTotal = %d, want 1", res.MergesTotal)
	}
	if res.FallbackRatio != 0 {
		t.Errorf("FallbackRatio = %g, want 0", res.FallbackRatio)
	}
	if s.PublishedAt == nil || !s.PublishedAt.Equal(*ts(10)) {
		t.Errorf("PublishedAt = %v, want earliest item date", s.PublishedAt)
	}
}

func TestLink_DuplicateURLStillLowersStoryDate(t *testing.T) {
	// Two items share a URL; the later-listed duplicate carries the
	// earlier date. Collapsing the link must not discard that date.
	items := []model.Item{
		{URL: "https://arxiv.org/abs/2401.22222", SourceID: "arxiv-cs-ai", Tier: 1,
			Title: "Shared Paper", Kind: model.KindPaper, PublishedAt: ts(12),
			Raw: map[string]any{"arxiv_id": "2401.22222"}},
		{URL: "https://arxiv.org/abs/2401.22222", SourceID: "arxiv-cs-lg", Tier: 1,
			Title: "Shared Paper", Kind: model.KindPaper, PublishedAt: ts(7),
			Raw: map[string]any{"arxiv_id": "2401.22222"}},
	}
	res := newLinker(nil, nil).Link(items)
	if len(res.Stories) != 1 {
		t.Fatalf("stories = %d, want 1", len(res.Stories))
	}
	s := res.Stories[0]
	if len(s.Links) != 1 {
		t.Fatalf("links = %d, want 1 after URL collapse", len(s.Links))
	}
	if s.PublishedAt == nil || !s.PublishedAt.Equal(*ts(7)) {
		t.Errorf("PublishedAt = %v, want the duplicate's earlier date", s.PublishedAt)
	}
}

func TestLink_GroupKeyPrecedence(t *testing.T) {
	// An item with both an arXiv ID and an HF URL groups under arxiv.
	items := []model.Item{
		{URL: "https://huggingface.co/acme/llm-7b", SourceID: "hf", Tier: 1, Title: "LLM 7B",
			Raw: map[string]any{"arxiv_id": "2401.00001", "hf_model_id": "acme/llm-7b"}},
	}
	res := newLinker(nil, nil).Link(items)
	if res.Stories[0].ID != "arxiv:2401.00001" {
		t.Errorf("ID = %q, want arXiv precedence over HF", res.Stories[0].ID)
	}
	if res.Stories[0].HFModelID != "acme/llm-7b" {
		t.Errorf("HFModelID = %q, want captured even when not the group key", res.Stories[0].HFModelID)
	}
}

func TestLink_FallbackByNormalizedTitle(t *testing.T) {
	items := []model.Item{
		{URL: "https://a.example.com/post", SourceID: "a", Tier: 1, Title: "Big News: It Works!"},
		{URL: "https://b.example.com/story", SourceID: "b", Tier: 2, Title: "big news   it works"},
		{URL: "https://c.example.com/other", SourceID: "c", Tier: 1, Title: "Entirely Different"},
	}
	res := newLinker(nil, nil).Link(items)
	if len(res.Stories) != 2 {
		t.Fatalf("stories = %d, want 2 (title fallback merged two)", len(res.Stories))
	}
	if res.FallbackRatio != 1.0 {
		t.Errorf("FallbackRatio = %g, want 1.0", res.FallbackRatio)
	}
	var merged *model.Story
	for i := range res.Stories {
		if res.Stories[i].ItemCount == 2 {
			merged = &res.Stories[i]
		}
	}
	if merged == nil {
		t.Fatalf("no merged story found")
	}
	if len(merged.Links) != 2 {
		t.Errorf("merged links = %d, want 2", len(merged.Links))
	}
}

func TestLink_DeterministicOrder(t *testing.T) {
	items := []model.Item{
		{URL: "https://z.example.com/1", SourceID: "z", Title: "Zed Story"},
		{URL: "https://a.example.com/1", SourceID: "a", Title: "Alpha Story"},
	}
	first := newLinker(nil, nil).Link(items)
	reversed := []model.Item{items[1], items[0]}
	second := newLinker(nil, nil).Link(reversed)
	if len(first.Stories) != 2 || len(second.Stories) != 2 {
		t.Fatalf("stories = %d/%d, want 2/2", len(first.Stories), len(second.Stories))
	}
	for i := range first.Stories {
		if first.Stories[i].ID != second.Stories[i].ID {
			t.Errorf("story order differs at %d: %q vs %q", i, first.Stories[i].ID, second.Stories[i].ID)
		}
	}
}

// ─── Primary link selection ──────────────────────────────────────────────────

func TestPickPrimary_PreferOrderThenTierThenSource(t *testing.T) {
	l := newLinker(nil, []string{"official", "arxiv", "github"})
	items := []model.Item{
		{URL: "https://github.com/acme/llm/releases/tag/v1", SourceID: "gh", Tier: 0,
			Title: "v1", Raw: map[string]any{"arxiv_id": "2401.00002"}},
		{URL: "https://acme.example.com/blog/v1", SourceID: "blog", Tier: 1,
			Title: "Announcing v1", Kind: model.KindRelease,
			Raw: map[string]any{"arxiv_id": "2401.00002"}},
	}
	res := l.Link(items)
	s := res.Stories[0]
	// The blog item maps to link type "official", preferred over github
	// despite its worse tier.
	if s.Primary.URL != "https://acme.example.com/blog/v1" {
		t.Errorf("Primary = %q, want preferred official link", s.Primary.URL)
	}
	if s.Title != "Announcing v1" {
		t.Errorf("Title = %q, want primary link's title", s.Title)
	}

	// Without a preference order, tier decides.
	res = newLinker(nil, nil).Link(items)
	if res.Stories[0].Primary.URL != "https://github.com/acme/llm/releases/tag/v1" {
		t.Errorf("Primary = %q, want tier-0 link when no preference order", res.Stories[0].Primary.URL)
	}
}

func TestPrimaryAlwaysInLinks(t *testing.T) {
	items := []model.Item{
		{URL: "https://a.example.com/x", SourceID: "a", Tier: 2, Title: "X"},
		{URL: "https://b.example.com/x", SourceID: "b", Tier: 0, Title: "X"},
	}
	res := newLinker(nil, nil).Link(items)
	for _, s := range res.Stories {
		found := false
		for _, ln := range s.Links {
			if ln.URL == s.Primary.URL {
				found = true
			}
		}
		if !found {
			t.Errorf("story %s: primary %q not in links", s.ID, s.Primary.URL)
		}
		if len(s.Links) < 1 {
			t.Errorf("story %s: empty links", s.ID)
		}
	}
}

// ─── Entity matching ─────────────────────────────────────────────────────────

func TestMatchEntities_ShortKeywordWordBoundary(t *testing.T) {
	entities := []config.Entity{
		{ID: "deepseek", Region: "cn", Keywords: []string{"deepseek"}},
		{ID: "rl-lab", Region: "intl", Keywords: []string{"RL"}},
	}
	l := newLinker(entities, nil)

	// "RL" inside "URL" must not match; "DeepSeek" as substring must.
	items := []model.Item{{
		URL: "https://x.example.com/1", SourceID: "x",
		Title: "DeepSeek-V4 changes the URL structure",
	}}
	got := l.Link(items).Stories[0].Entities
	if len(got) != 1 || got[0] != "deepseek" {
		t.Fatalf("Entities = %v, want [deepseek] only", got)
	}

	items[0].Title = "New RL benchmark from DeepSeek"
	got = l.Link(items).Stories[0].Entities
	if len(got) != 2 || got[0] != "deepseek" || got[1] != "rl-lab" {
		t.Fatalf("Entities = %v, want [deepseek rl-lab] sorted", got)
	}
}

func TestMatchEntities_ScansRawPayload(t *testing.T) {
	entities := []config.Entity{{ID: "acme", Region: "intl", Keywords: []string{"acme labs"}}}
	items := []model.Item{{
		URL: "https://x.example.com/1", SourceID: "x", Title: "A paper",
		Raw: map[string]any{"abstract": "We at Acme Labs present..."},
	}}
	got := newLinker(entities, nil).Link(items).Stories[0].Entities
	if len(got) != 1 || got[0] != "acme" {
		t.Fatalf("Entities = %v, want [acme] from raw abstract", got)
	}
}

// ─── Rationales ──────────────────────────────────────────────────────────────

func TestRationales(t *testing.T) {
	items := []model.Item{
		{URL: "https://arxiv.org/abs/2401.12345", SourceID: "s1", Title: "P",
			Raw: map[string]any{"arxiv_id": "2401.12345"}},
		{URL: "https://mirror.example.com/p", SourceID: "s2", Title: "P",
			Raw: map[string]any{"arxiv_id": "2401.12345"}},
	}
	res := newLinker(nil, nil).Link(items)
	if len(res.Rationales) != 1 {
		t.Fatalf("rationales = %d, want 1", len(res.Rationales))
	}
	r := res.Rationales[0]
	if r.UsedFallback {
		t.Errorf("UsedFallback = true, want false for stable-ID merge")
	}
	if r.ItemsMerged != 2 {
		t.Errorf("ItemsMerged = %d, want 2", r.ItemsMerged)
	}
	if len(r.SourceIDs) != 2 || r.SourceIDs[0] != "s1" || r.SourceIDs[1] != "s2" {
		t.Errorf("SourceIDs = %v, want [s1 s2]", r.SourceIDs)
	}
}
