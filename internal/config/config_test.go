package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/siftfeed/sift/internal/model"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

func validSource() Source {
	return Source{
		ID: "acme_blog", Name: "Acme Blog", URL: "https://acme.example.com/feed",
		Tier: 1, Method: MethodRSS, Kind: model.KindBlog,
	}
}

func buildWith(t *testing.T, mutate func(*SourcesDoc, *EntitiesDoc, *TopicsDoc)) (*EffectiveConfig, error) {
	t.Helper()
	src := SourcesDoc{Sources: []Source{validSource()}}
	ent := EntitiesDoc{Entities: []Entity{
		{ID: "acme", Name: "Acme", Region: "intl", Keywords: []string{"acme"}},
	}}
	top := TopicsDoc{Topics: []Topic{
		{Name: "agents", Keywords: []string{"agent"}, BoostWeight: 2.0},
	}}
	if mutate != nil {
		mutate(&src, &ent, &top)
	}
	return Build(src, ent, top)
}

// ─── Validation ──────────────────────────────────────────────────────────────

func TestBuild_Valid(t *testing.T) {
	cfg, err := buildWith(t, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(cfg.Sources) != 1 {
		t.Fatalf("sources = %d, want 1", len(cfg.Sources))
	}
	// Defaults filled in.
	if cfg.Topics.Scoring.Tier0Weight != 2.0 {
		t.Errorf("Tier0Weight = %g, want default 2.0", cfg.Topics.Scoring.Tier0Weight)
	}
	if cfg.Topics.Quotas.Top5Max != 5 {
		t.Errorf("Top5Max = %d, want default 5", cfg.Topics.Quotas.Top5Max)
	}
	if cfg.Topics.Scoring.KindWeights["model"] != 1.8 {
		t.Errorf("kind_weights[model] = %g, want 1.8", cfg.Topics.Scoring.KindWeights["model"])
	}
}

func TestBuild_AggregatesAllErrors(t *testing.T) {
	_, err := buildWith(t, func(src *SourcesDoc, ent *EntitiesDoc, top *TopicsDoc) {
		src.Sources[0].ID = "Bad ID!"
		src.Sources[0].URL = "ftp://nope"
		src.Sources[0].Tier = 7
		ent.Entities[0].Region = "mars"
	})
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("err = %T, want ValidationErrors", err)
	}
	if len(verrs) != 4 {
		t.Fatalf("errors = %d (%v), want all 4 reported at once", len(verrs), verrs)
	}
	for _, ve := range verrs {
		if ve.Field == "" || ve.Message == "" {
			t.Errorf("incomplete validation error: %+v", ve)
		}
	}
}

func TestBuild_ForbiddenCredentialHeaders(t *testing.T) {
	for _, h := range []string{"Authorization", "Cookie", "X-API-Key", "x-auth-token"} {
		_, err := buildWith(t, func(src *SourcesDoc, _ *EntitiesDoc, _ *TopicsDoc) {
			src.Sources[0].Headers = map[string]string{h: "secret-value"}
		})
		if err == nil {
			t.Errorf("header %q accepted, want validation error", h)
			continue
		}
		if !strings.Contains(err.Error(), "environment") {
			t.Errorf("header %q: error %q missing env hint", h, err)
		}
	}
	// Non-secret headers pass.
	if _, err := buildWith(t, func(src *SourcesDoc, _ *EntitiesDoc, _ *TopicsDoc) {
		src.Sources[0].Headers = map[string]string{"Accept": "application/json"}
	}); err != nil {
		t.Errorf("Accept header rejected: %v", err)
	}
}

func TestBuild_DuplicateIDs(t *testing.T) {
	_, err := buildWith(t, func(src *SourcesDoc, _ *EntitiesDoc, _ *TopicsDoc) {
		dup := validSource()
		src.Sources = append(src.Sources, dup)
	})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("err = %v, want duplicate id error", err)
	}
}

func TestBuild_BoundedWeights(t *testing.T) {
	_, err := buildWith(t, func(_ *SourcesDoc, _ *EntitiesDoc, top *TopicsDoc) {
		top.Scoring.RecencyDecayFactor = 1.5 // out of [0,1]
	})
	if err == nil {
		t.Fatalf("out-of-range decay factor accepted")
	}
}

// ─── Defaults & enablement ───────────────────────────────────────────────────

func TestBuild_SourceDefaultsApplied(t *testing.T) {
	tier := 2
	maxItems := 25
	cfg, err := buildWith(t, func(src *SourcesDoc, _ *EntitiesDoc, _ *TopicsDoc) {
		src.Defaults = SourceDefaults{Tier: &tier, Kind: model.KindNews, MaxItems: &maxItems}
		s := validSource()
		s.ID = "bare"
		s.Tier = 0
		s.Kind = ""
		src.Sources = append(src.Sources, s)
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	bare := cfg.SourceByID("bare")
	if bare == nil {
		t.Fatalf("bare source missing")
	}
	if bare.Tier != 2 || bare.Kind != model.KindNews || bare.MaxItems != 25 {
		t.Errorf("defaults not applied: %+v", bare)
	}
}

func TestBuild_DisabledSourcesDropped(t *testing.T) {
	off := false
	cfg, err := buildWith(t, func(src *SourcesDoc, _ *EntitiesDoc, _ *TopicsDoc) {
		s := validSource()
		s.ID = "disabled_one"
		s.Enabled = &off
		src.Sources = append(src.Sources, s)
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.SourceByID("disabled_one") != nil {
		t.Errorf("disabled source survived Build")
	}
	if cfg.SourceByID("acme_blog") == nil {
		t.Errorf("enabled source dropped")
	}
}

// ─── Load from disk ──────────────────────────────────────────────────────────

func TestLoad_FromYAMLFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("sources.yaml", `
version: 1
defaults:
  tier: 1
sources:
  - id: acme_blog
    name: Acme Blog
    url: https://acme.example.com/feed
    method: rss
    kind: blog
`)
	write("entities.yaml", `
entities:
  - id: acme
    name: Acme
    region: intl
    keywords: [acme]
`)
	write("topics.yaml", `
version: 1
dedupe:
  canonical_url_strip_params: [utm_source, utm_medium]
scoring:
  tier_0_weight: 2.5
quotas:
  top5_max: 7
topics:
  - name: agents
    keywords: [agent]
    boost_weight: 2.0
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sources[0].Tier != 1 {
		t.Errorf("default tier not applied from YAML")
	}
	if cfg.Topics.Scoring.Tier0Weight != 2.5 {
		t.Errorf("Tier0Weight = %g, want 2.5 from YAML", cfg.Topics.Scoring.Tier0Weight)
	}
	if cfg.Topics.Quotas.Top5Max != 7 {
		t.Errorf("Top5Max = %d, want 7", cfg.Topics.Quotas.Top5Max)
	}
	if len(cfg.Topics.Dedupe.CanonicalURLStripParams) != 2 {
		t.Errorf("strip params = %v", cfg.Topics.Dedupe.CanonicalURLStripParams)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("Load of empty dir succeeded, want error")
	}
}

// ─── Environment ─────────────────────────────────────────────────────────────

func TestLoadRuntime_ClampsResponseBytes(t *testing.T) {
	t.Setenv("SIFT_MAX_RESPONSE_BYTES", "10")
	rt := LoadRuntime()
	if rt.MaxResponseBytes != minResponseBytes {
		t.Errorf("MaxResponseBytes = %d, want clamped to %d", rt.MaxResponseBytes, minResponseBytes)
	}

	t.Setenv("SIFT_MAX_RESPONSE_BYTES", "999999999999")
	rt = LoadRuntime()
	if rt.MaxResponseBytes != maxResponseBytes {
		t.Errorf("MaxResponseBytes = %d, want clamped to %d", rt.MaxResponseBytes, maxResponseBytes)
	}
}

func TestToken_FromEnvironment(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	if got := Token("github"); got != "ghp_test" {
		t.Errorf("Token(github) = %q", got)
	}
	if got := Token("unknown_platform"); got != "" {
		t.Errorf("Token(unknown) = %q, want empty", got)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nSIFT_TEST_KEY=hello\nQUOTED='world'\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("SIFT_TEST_KEY")
		os.Unsetenv("QUOTED")
	})
	if os.Getenv("SIFT_TEST_KEY") != "hello" {
		t.Errorf("SIFT_TEST_KEY = %q", os.Getenv("SIFT_TEST_KEY"))
	}
	if os.Getenv("QUOTED") != "world" {
		t.Errorf("QUOTED = %q, want quotes stripped", os.Getenv("QUOTED"))
	}
}
