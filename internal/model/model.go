// Package model holds the domain records that flow through the digest
// pipeline: collected Items, linked Stories, and scored/sectioned output.
// All records are plain values; each pipeline stage produces new ones and
// never mutates its input.
package model

import "time"

// Kind classifies what a collected item is.
type Kind string

const (
	KindBlog    Kind = "blog"
	KindPaper   Kind = "paper"
	KindRelease Kind = "release"
	KindNews    Kind = "news"
	KindModel   Kind = "model"
	KindDataset Kind = "dataset"
)

// DateConfidence records how trustworthy an item's published-at is.
// HTML list pages frequently have no machine-readable date; those items
// carry LOW confidence and a nil PublishedAt.
type DateConfidence string

const (
	DateHigh   DateConfidence = "HIGH"
	DateMedium DateConfidence = "MEDIUM"
	DateLow    DateConfidence = "LOW"
)

// Item is the unit of collected content, keyed by canonical URL.
type Item struct {
	URL            string // canonical URL (primary key)
	SourceID       string
	Tier           int // 0 highest authority, 2 lowest
	Kind           Kind
	Title          string
	PublishedAt    *time.Time // nil when the source carries no usable date
	DateConfidence DateConfidence
	ContentHash    string         // sha256 over canonical field subset
	Raw            map[string]any // source-specific fields, JSON-encoded in the store
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
}

// LinkType classifies one reference inside a story.
type LinkType string

const (
	LinkOfficial    LinkType = "official"
	LinkArxiv       LinkType = "arxiv"
	LinkGitHub      LinkType = "github"
	LinkHuggingFace LinkType = "huggingface"
	LinkPaper       LinkType = "paper"
	LinkCode        LinkType = "code"
	LinkModel       LinkType = "model"
	LinkDemo        LinkType = "demo"
	LinkBlog        LinkType = "blog"
	LinkNews        LinkType = "news"
	LinkVideo       LinkType = "video"
)

// StoryLink is one typed reference inside a story.
type StoryLink struct {
	URL      string
	Type     LinkType
	SourceID string
	Tier     int
	Title    string
}

// Story is a set of items judged to refer to the same underlying artifact.
// The ID is deterministic: a stable-ID form like "arxiv:2401.12345" or
// "hf:org/model", or "fallback:<sha256>" when only the title matched.
type Story struct {
	ID          string
	Title       string
	Primary     StoryLink
	Links       []StoryLink
	Entities    []string // matched entity IDs, sorted
	PublishedAt *time.Time
	ArxivID     string
	HFModelID   string
	GitHubURL   string
	ItemCount   int
	Items       []Item // originating raw items
}

// Section names one of the four fixed output sections.
type Section string

const (
	SectionTop5          Section = "TOP5"
	SectionModelReleases Section = "MODEL_RELEASES"
	SectionPapers        Section = "PAPERS"
	SectionRadar         Section = "RADAR"
)

// ScoreComponents breaks a story's total score into its parts.
type ScoreComponents struct {
	Tier         float64 `json:"tier"`
	Kind         float64 `json:"kind"`
	Topic        float64 `json:"topic"`
	Recency      float64 `json:"recency"`
	Entity       float64 `json:"entity"`
	Citation     float64 `json:"citation"`
	CrossSource  float64 `json:"cross_source"`
	Semantic     float64 `json:"semantic"`
	LLMRelevance float64 `json:"llm_relevance"`
	Total        float64 `json:"total"`
}

// ScoredStory is a Story annotated with scores and a section assignment.
type ScoredStory struct {
	Story
	Scores     ScoreComponents
	Section    Section // empty until section assignment
	Dropped    bool
	DropReason string
}

// DroppedEntry is the audit record for a story removed by quota filtering.
type DroppedEntry struct {
	StoryID       string  `json:"story_id"`
	SourceID      string  `json:"source_id"`
	Score         float64 `json:"score"`
	Reason        string  `json:"reason"`
	ArxivCategory string  `json:"arxiv_category,omitempty"`
}

// RankerOutput is the final ordered result of a run.
type RankerOutput struct {
	Top5                  []ScoredStory
	ModelReleasesByEntity map[string][]ScoredStory
	Papers                []ScoredStory
	Radar                 []ScoredStory
	Dropped               []DroppedEntry
	Checksum              string // sha256 of the canonical serialization of all output stories
}

// Stories returns every story across all four sections in section order
// (Top5, model releases by entity key asc, Papers, Radar). Used for the
// output checksum and the JSON artifact.
func (o *RankerOutput) Stories() []ScoredStory {
	out := make([]ScoredStory, 0, len(o.Top5)+len(o.Papers)+len(o.Radar))
	out = append(out, o.Top5...)
	for _, k := range sortedKeys(o.ModelReleasesByEntity) {
		out = append(out, o.ModelReleasesByEntity[k]...)
	}
	out = append(out, o.Papers...)
	out = append(out, o.Radar...)
	return out
}

func sortedKeys(m map[string][]ScoredStory) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion sort; entity maps are small
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
