// Package config loads and validates the three YAML documents that drive a
// run — sources, entities, topics — and exposes them as an immutable
// EffectiveConfig. Secrets never live in YAML; platform tokens come from the
// environment (see env.go). Validation happens before any I/O: a run with an
// invalid config never opens the store or the network.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/siftfeed/sift/internal/model"
)

// SourceMethod selects the collector adapter for a source.
type SourceMethod string

const (
	MethodRSS            SourceMethod = "rss"
	MethodArxiv          SourceMethod = "arxiv"
	MethodGitHubReleases SourceMethod = "github_releases"
	MethodHFModels       SourceMethod = "hf_models"
	MethodOpenReview     SourceMethod = "openreview"
	MethodHTMLList       SourceMethod = "html_list"
)

var validMethods = map[SourceMethod]bool{
	MethodRSS: true, MethodArxiv: true, MethodGitHubReleases: true,
	MethodHFModels: true, MethodOpenReview: true, MethodHTMLList: true,
}

// Source is one configured upstream.
type Source struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	URL      string            `yaml:"url"`
	Tier     int               `yaml:"tier"`
	Method   SourceMethod      `yaml:"method"`
	Kind     model.Kind        `yaml:"kind"`
	Timezone string            `yaml:"timezone"`
	MaxItems int               `yaml:"max_items"`
	Enabled  *bool             `yaml:"enabled"` // nil = inherit default
	Query    map[string]string `yaml:"query"`
	Headers  map[string]string `yaml:"headers"` // non-secret extras only
}

// IsEnabled resolves the enabled flag against the document default.
func (s *Source) IsEnabled(def bool) bool {
	if s.Enabled == nil {
		return def
	}
	return *s.Enabled
}

// SourceDefaults are document-level fallbacks applied to each source.
type SourceDefaults struct {
	Tier     *int       `yaml:"tier"`
	Kind     model.Kind `yaml:"kind"`
	MaxItems *int       `yaml:"max_items"`
	Timezone string     `yaml:"timezone"`
	Enabled  *bool      `yaml:"enabled"`
}

// SourcesDoc is the sources YAML document.
type SourcesDoc struct {
	Version  int            `yaml:"version"`
	Defaults SourceDefaults `yaml:"defaults"`
	Sources  []Source       `yaml:"sources"`
}

// Entity is one tracked organization or lab.
type Entity struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Region      string   `yaml:"region"` // cn | intl
	Keywords    []string `yaml:"keywords"`
	PreferLinks []string `yaml:"prefer_links"`
}

// EntitiesDoc is the entities YAML document.
type EntitiesDoc struct {
	Entities []Entity `yaml:"entities"`
}

// Topic boosts stories whose title/abstract matches its keywords.
type Topic struct {
	Name                   string   `yaml:"name"`
	Keywords               []string `yaml:"keywords"`
	BoostWeight            float64  `yaml:"boost_weight"`
	PreferPrimaryLinkOrder []string `yaml:"prefer_primary_link_order"`
}

// Scoring holds the ranker weight knobs. All bounded in validation.
type Scoring struct {
	Tier0Weight        float64            `yaml:"tier_0_weight"`
	Tier1Weight        float64            `yaml:"tier_1_weight"`
	Tier2Weight        float64            `yaml:"tier_2_weight"`
	KindWeights        map[string]float64 `yaml:"kind_weights"`
	TopicMatchWeight   float64            `yaml:"topic_match_weight"`
	TopicScoreCap      float64            `yaml:"topic_score_cap"`
	RecencyDecayFactor float64            `yaml:"recency_decay_factor"`
	EntityMatchWeight  float64            `yaml:"entity_match_weight"`
	CitationWeight     float64            `yaml:"citation_weight"`
	CitationCap        float64            `yaml:"citation_cap"`
	CrossSourceWeight  float64            `yaml:"cross_source_weight"`
	LLMRelevanceWeight float64            `yaml:"llm_relevance_weight"`
	LLMBypassThreshold float64            `yaml:"llm_bypass_threshold"`
}

// Quotas caps the output sections.
type Quotas struct {
	Top5Max             int `yaml:"top5_max"`
	PapersMax           int `yaml:"papers_max"`
	RadarMax            int `yaml:"radar_max"`
	PerSourceMax        int `yaml:"per_source_max"`
	ArxivPerCategoryMax int `yaml:"arxiv_per_category_max"`
}

// Dedupe holds URL canonicalization settings.
type Dedupe struct {
	CanonicalURLStripParams []string `yaml:"canonical_url_strip_params"`
}

// TopicsDoc is the topics YAML document (topics + scoring + quotas + dedupe).
type TopicsDoc struct {
	Version int     `yaml:"version"`
	Dedupe  Dedupe  `yaml:"dedupe"`
	Scoring Scoring `yaml:"scoring"`
	Quotas  Quotas  `yaml:"quotas"`
	Topics  []Topic `yaml:"topics"`
}

// EffectiveConfig is the validated, default-resolved view every pipeline
// stage consumes. Treat as read-only after Load.
type EffectiveConfig struct {
	Sources  []Source // defaults applied; disabled sources removed
	Entities []Entity
	Topics   TopicsDoc
}

// ValidationError is one failing field with an actionable hint.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Hint)
}

// ValidationErrors aggregates every failing field so the operator sees all
// problems in one pass instead of fixing them one at a time.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return "config: " + strings.Join(msgs, "; ")
}

var idPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// forbiddenHeaders are credential-bearing headers that must never appear in
// YAML. Tokens are read from the environment instead.
var forbiddenHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"proxy-authorization": true,
}

// Load reads sources.yaml, entities.yaml and topics.yaml from dir, applies
// defaults, validates everything, and drops disabled sources. Returns
// ValidationErrors when any field fails.
func Load(dir string) (*EffectiveConfig, error) {
	var srcDoc SourcesDoc
	if err := readYAML(filepath.Join(dir, "sources.yaml"), &srcDoc); err != nil {
		return nil, err
	}
	var entDoc EntitiesDoc
	if err := readYAML(filepath.Join(dir, "entities.yaml"), &entDoc); err != nil {
		return nil, err
	}
	var topDoc TopicsDoc
	if err := readYAML(filepath.Join(dir, "topics.yaml"), &topDoc); err != nil {
		return nil, err
	}
	return Build(srcDoc, entDoc, topDoc)
}

// Build validates pre-parsed documents into an EffectiveConfig.
// Split from Load so tests can construct documents in memory.
func Build(srcDoc SourcesDoc, entDoc EntitiesDoc, topDoc TopicsDoc) (*EffectiveConfig, error) {
	applyDefaults(&srcDoc)
	applyScoringDefaults(&topDoc.Scoring)
	applyQuotaDefaults(&topDoc.Quotas)

	var errs ValidationErrors
	errs = append(errs, validateSources(srcDoc)...)
	errs = append(errs, validateEntities(entDoc)...)
	errs = append(errs, validateTopics(topDoc)...)
	if len(errs) > 0 {
		return nil, errs
	}

	cfg := &EffectiveConfig{Entities: entDoc.Entities, Topics: topDoc}
	defEnabled := true
	if srcDoc.Defaults.Enabled != nil {
		defEnabled = *srcDoc.Defaults.Enabled
	}
	for _, s := range srcDoc.Sources {
		if s.IsEnabled(defEnabled) {
			cfg.Sources = append(cfg.Sources, s)
		}
	}
	return cfg, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyDefaults(doc *SourcesDoc) {
	for i := range doc.Sources {
		s := &doc.Sources[i]
		if s.Tier == 0 && doc.Defaults.Tier != nil {
			s.Tier = *doc.Defaults.Tier
		}
		if s.Kind == "" {
			s.Kind = doc.Defaults.Kind
		}
		if s.MaxItems == 0 && doc.Defaults.MaxItems != nil {
			s.MaxItems = *doc.Defaults.MaxItems
		}
		if s.Timezone == "" {
			s.Timezone = doc.Defaults.Timezone
		}
	}
}

func applyScoringDefaults(s *Scoring) {
	def := func(v *float64, d float64) {
		if *v == 0 {
			*v = d
		}
	}
	def(&s.Tier0Weight, 2.0)
	def(&s.Tier1Weight, 1.2)
	def(&s.Tier2Weight, 0.6)
	def(&s.TopicMatchWeight, 1.0)
	def(&s.TopicScoreCap, 3.0)
	def(&s.RecencyDecayFactor, 0.15)
	def(&s.EntityMatchWeight, 0.5)
	def(&s.CitationWeight, 1.0)
	def(&s.CitationCap, 1000)
	def(&s.CrossSourceWeight, 0.5)
	def(&s.LLMRelevanceWeight, 1.0)
	def(&s.LLMBypassThreshold, 0.9)
	if s.KindWeights == nil {
		s.KindWeights = map[string]float64{
			"model": 1.8, "release": 1.6, "blog": 1.5, "paper": 1.2,
			"docs": 1.0, "news": 0.8, "forum": 0.6, "social": 0.5,
		}
	}
}

func applyQuotaDefaults(q *Quotas) {
	defInt := func(v *int, d int) {
		if *v == 0 {
			*v = d
		}
	}
	defInt(&q.Top5Max, 5)
	defInt(&q.PapersMax, 10)
	defInt(&q.RadarMax, 10)
	defInt(&q.PerSourceMax, 10)
	defInt(&q.ArxivPerCategoryMax, 10)
}

func validateSources(doc SourcesDoc) ValidationErrors {
	var errs ValidationErrors
	seen := map[string]bool{}
	for i, s := range doc.Sources {
		field := func(name string) string { return fmt.Sprintf("sources[%d].%s", i, name) }
		if !idPattern.MatchString(s.ID) {
			errs = append(errs, ValidationError{field("id"), fmt.Sprintf("invalid id %q", s.ID),
				"ids use lowercase [a-z0-9_-]"})
		}
		if seen[s.ID] {
			errs = append(errs, ValidationError{field("id"), fmt.Sprintf("duplicate id %q", s.ID),
				"source ids must be unique"})
		}
		seen[s.ID] = true
		if s.URL == "" || !(strings.HasPrefix(s.URL, "http://") || strings.HasPrefix(s.URL, "https://")) {
			errs = append(errs, ValidationError{field("url"), fmt.Sprintf("invalid url %q", s.URL),
				"must be absolute http(s)"})
		}
		if s.Tier < 0 || s.Tier > 2 {
			errs = append(errs, ValidationError{field("tier"), fmt.Sprintf("tier %d out of range", s.Tier),
				"tier is 0, 1 or 2"})
		}
		if !validMethods[s.Method] {
			errs = append(errs, ValidationError{field("method"), fmt.Sprintf("unknown method %q", s.Method),
				"one of rss, arxiv, github_releases, hf_models, openreview, html_list"})
		}
		if s.MaxItems < 0 || s.MaxItems > 1000 {
			errs = append(errs, ValidationError{field("max_items"), fmt.Sprintf("max_items %d out of range", s.MaxItems),
				"0..1000"})
		}
		for k := range s.Headers {
			if forbiddenHeaders[strings.ToLower(k)] {
				errs = append(errs, ValidationError{field("headers." + k), "credential header in config",
					"set tokens via environment (GITHUB_TOKEN, HF_TOKEN, ...), never in YAML"})
			}
		}
	}
	return errs
}

func validateEntities(doc EntitiesDoc) ValidationErrors {
	var errs ValidationErrors
	seen := map[string]bool{}
	for i, e := range doc.Entities {
		field := func(name string) string { return fmt.Sprintf("entities[%d].%s", i, name) }
		if !idPattern.MatchString(e.ID) {
			errs = append(errs, ValidationError{field("id"), fmt.Sprintf("invalid id %q", e.ID),
				"ids use lowercase [a-z0-9_-]"})
		}
		if seen[e.ID] {
			errs = append(errs, ValidationError{field("id"), fmt.Sprintf("duplicate id %q", e.ID), ""})
		}
		seen[e.ID] = true
		if e.Region != "cn" && e.Region != "intl" {
			errs = append(errs, ValidationError{field("region"), fmt.Sprintf("invalid region %q", e.Region),
				"cn or intl"})
		}
		if len(e.Keywords) == 0 {
			errs = append(errs, ValidationError{field("keywords"), "at least one keyword required", ""})
		}
	}
	return errs
}

func validateTopics(doc TopicsDoc) ValidationErrors {
	var errs ValidationErrors
	bounded := func(field string, v, lo, hi float64) {
		if v < lo || v > hi {
			errs = append(errs, ValidationError{field, fmt.Sprintf("%g out of range [%g, %g]", v, lo, hi), ""})
		}
	}
	s := doc.Scoring
	bounded("scoring.tier_0_weight", s.Tier0Weight, 0, 10)
	bounded("scoring.tier_1_weight", s.Tier1Weight, 0, 10)
	bounded("scoring.tier_2_weight", s.Tier2Weight, 0, 10)
	bounded("scoring.topic_match_weight", s.TopicMatchWeight, 0, 10)
	bounded("scoring.topic_score_cap", s.TopicScoreCap, 0, 20)
	bounded("scoring.recency_decay_factor", s.RecencyDecayFactor, 0, 1)
	bounded("scoring.llm_bypass_threshold", s.LLMBypassThreshold, 0, 1)
	for i, t := range doc.Topics {
		field := func(name string) string { return fmt.Sprintf("topics[%d].%s", i, name) }
		if t.Name == "" {
			errs = append(errs, ValidationError{field("name"), "name required", ""})
		}
		if len(t.Keywords) == 0 {
			errs = append(errs, ValidationError{field("keywords"), "at least one keyword required", ""})
		}
		bounded(field("boost_weight"), t.BoostWeight, 0, 10)
	}
	return errs
}

// SourceByID returns the source with the given id, or nil.
func (c *EffectiveConfig) SourceByID(id string) *Source {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i]
		}
	}
	return nil
}
