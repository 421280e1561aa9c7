// Package ranker scores linked stories, applies quotas, and assigns the
// four output sections. Every step is a pure function of (stories, config,
// clock); the canonical-JSON checksum over the final output is the
// pipeline's determinism signal.
package ranker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/linker"
	"github.com/siftfeed/sift/internal/model"
)

// Stage is a one-way ranker phase.
type Stage string

const (
	StageStoriesFinal   Stage = "STORIES_FINAL"
	StageScored         Stage = "SCORED"
	StageQuotaFiltered  Stage = "QUOTA_FILTERED"
	StageOrderedOutputs Stage = "ORDERED_OUTPUTS"
)

var stageNext = map[Stage]Stage{
	StageStoriesFinal:  StageScored,
	StageScored:        StageQuotaFiltered,
	StageQuotaFiltered: StageOrderedOutputs,
}

// advance moves to the next stage, logging loudly on a skipped phase.
func advance(cur Stage, next Stage) Stage {
	if stageNext[cur] != next {
		log.Printf("ranker: INVARIANT VIOLATION: stage %s -> %s", cur, next)
	}
	return next
}

// qualitySources are source IDs whose presence among a story's items counts
// as an independent quality signal for cross-source scoring.
var qualitySources = map[string]bool{
	"papers_with_code": true,
	"hf_daily_papers":  true,
}

// Ranker scores and sections stories.
type Ranker struct {
	Cfg *config.EffectiveConfig
	Now func() time.Time
}

// New builds a Ranker.
func New(cfg *config.EffectiveConfig, now func() time.Time) *Ranker {
	if now == nil {
		now = time.Now
	}
	return &Ranker{Cfg: cfg, Now: now}
}

// Rank runs the full stage sequence over the linker's stories.
func (r *Ranker) Rank(stories []model.Story) *model.RankerOutput {
	stage := StageStoriesFinal

	scored := make([]model.ScoredStory, len(stories))
	for i, s := range stories {
		scored[i] = model.ScoredStory{Story: s, Scores: r.score(s)}
	}
	stage = advance(stage, StageScored)

	sortStories(scored)
	kept, dropped := r.applyQuotas(scored)
	stage = advance(stage, StageQuotaFiltered)

	out := r.assignSections(kept, dropped)
	stage = advance(stage, StageOrderedOutputs)
	_ = stage

	out.Checksum = checksum(out)
	return out
}

// ─── Scoring ─────────────────────────────────────────────────────────────────

func (r *Ranker) score(s model.Story) model.ScoreComponents {
	sc := r.Cfg.Topics.Scoring
	var c model.ScoreComponents

	switch s.Primary.Tier {
	case 0:
		c.Tier = sc.Tier0Weight
	case 1:
		c.Tier = sc.Tier1Weight
	default:
		c.Tier = sc.Tier2Weight
	}

	c.Kind = 1.0
	if w, ok := sc.KindWeights[string(storyKind(s))]; ok {
		c.Kind = w
	}

	c.Topic = r.topicScore(s)
	c.Recency = recencyScore(s.PublishedAt, r.Now(), sc.RecencyDecayFactor)
	c.Entity = sc.EntityMatchWeight * float64(len(s.Entities))
	c.Citation = citationScore(s, sc.CitationWeight, sc.CitationCap)
	c.CrossSource = crossSourceScore(s, sc.CrossSourceWeight)
	c.Semantic = 0.0
	c.LLMRelevance = rawLLMScore(s) * sc.LLMRelevanceWeight

	c.Total = c.Tier + c.Kind + c.Topic + c.Recency + c.Entity +
		c.Citation + c.CrossSource + c.Semantic + c.LLMRelevance
	return c
}

// storyKind picks the representative kind: the primary link's item kind.
func storyKind(s model.Story) model.Kind {
	for _, it := range s.Items {
		if it.URL == s.Primary.URL {
			return it.Kind
		}
	}
	if len(s.Items) > 0 {
		return s.Items[0].Kind
	}
	return ""
}

// topicScore sums boost weights for every matching topic, capped.
func (r *Ranker) topicScore(s model.Story) float64 {
	sc := r.Cfg.Topics.Scoring
	text := strings.ToLower(s.Title)
	for _, it := range s.Items {
		if abs, ok := it.Raw["abstract"].(string); ok {
			text += "\n" + strings.ToLower(abs)
		}
	}
	var total float64
	for _, topic := range r.Cfg.Topics.Topics {
		for _, kw := range topic.Keywords {
			if linker.KeywordMatch(text, strings.ToLower(kw)) {
				total += topic.BoostWeight * sc.TopicMatchWeight
				break
			}
		}
	}
	return math.Min(total, sc.TopicScoreCap)
}

// recencyScore decays exponentially with age, capped at 30 days. An unknown
// date scores a flat 0.1 so undated items sink without vanishing.
func recencyScore(published *time.Time, now time.Time, decay float64) float64 {
	if published == nil {
		return 0.1
	}
	ageDays := now.Sub(*published).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	if ageDays > 30 {
		ageDays = 30
	}
	return math.Exp(-decay * ageDays)
}

func citationScore(s model.Story, weight, capVal float64) float64 {
	cites := 0.0
	for _, it := range s.Items {
		if v, ok := numField(it.Raw, "citations"); ok && v > cites {
			cites = v
		}
	}
	if cites <= 0 || capVal <= 0 {
		return 0
	}
	return math.Log(1+cites) / math.Log(1+capVal) * weight
}

// crossSourceScore adds one unit per quality-signal source present among
// the story's items, capped at 3.0 after weighting.
func crossSourceScore(s model.Story, weight float64) float64 {
	signals := map[string]bool{}
	for _, it := range s.Items {
		switch {
		case qualitySources[it.SourceID]:
			signals[it.SourceID] = true
		case strings.HasPrefix(it.SourceID, "arxiv"):
			signals[it.SourceID] = true
		default:
			if flag, ok := it.Raw["quality_signal"].(bool); ok && flag {
				signals[it.SourceID] = true
			}
		}
	}
	return math.Min(float64(len(signals))*weight, 3.0)
}

// rawLLMScore reads an externally supplied relevance score from any item's
// raw payload; the maximum wins.
func rawLLMScore(s model.Story) float64 {
	best := 0.0
	for _, it := range s.Items {
		if v, ok := numField(it.Raw, "llm_score"); ok && v > best {
			best = v
		}
	}
	return best
}

func numField(raw map[string]any, key string) (float64, bool) {
	switch v := raw[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// ─── Ordering ────────────────────────────────────────────────────────────────

// sortStories orders by descending total score, then newest first with
// undated stories last, then ascending primary URL.
func sortStories(stories []model.ScoredStory) {
	sort.SliceStable(stories, func(i, j int) bool {
		a, b := &stories[i], &stories[j]
		if a.Scores.Total != b.Scores.Total {
			return a.Scores.Total > b.Scores.Total
		}
		au, bu := publishedUnix(a.PublishedAt), publishedUnix(b.PublishedAt)
		if au != bu {
			return au > bu
		}
		return a.Primary.URL < b.Primary.URL
	})
}

func publishedUnix(t *time.Time) int64 {
	if t == nil {
		return math.MinInt64 // sorts after every real date under "newest first"
	}
	return t.Unix()
}

// ─── Quotas ──────────────────────────────────────────────────────────────────

// applyQuotas enforces the per-source and arXiv per-category caps on the
// already-sorted list. Stories whose raw LLM score clears the bypass
// threshold ignore both caps.
func (r *Ranker) applyQuotas(sorted []model.ScoredStory) (kept []model.ScoredStory, dropped []model.DroppedEntry) {
	q := r.Cfg.Topics.Quotas
	threshold := r.Cfg.Topics.Scoring.LLMBypassThreshold

	perSource := map[string]int{}
	perCategory := map[string]int{}
	for _, s := range sorted {
		bypass := rawLLMScore(s.Story) > threshold

		src := s.Primary.SourceID
		if !bypass && q.PerSourceMax > 0 && perSource[src] >= q.PerSourceMax {
			dropped = append(dropped, model.DroppedEntry{
				StoryID: s.ID, SourceID: src, Score: s.Scores.Total,
				Reason: fmt.Sprintf("per_source_max:%s", src),
			})
			continue
		}

		cat := arxivCategory(s.Story)
		if !bypass && cat != "" && q.ArxivPerCategoryMax > 0 && perCategory[cat] >= q.ArxivPerCategoryMax {
			dropped = append(dropped, model.DroppedEntry{
				StoryID: s.ID, SourceID: src, Score: s.Scores.Total,
				Reason: fmt.Sprintf("arxiv_per_category_max:%s", cat), ArxivCategory: cat,
			})
			continue
		}

		// Bypass stories don't consume quota slots; a high-confidence pick
		// must never push a normal story over the cap.
		if !bypass {
			perSource[src]++
			if cat != "" {
				perCategory[cat]++
			}
		}
		kept = append(kept, s)
	}
	return kept, dropped
}

func arxivCategory(s model.Story) string {
	if s.ArxivID == "" {
		return ""
	}
	for _, it := range s.Items {
		if cat, ok := it.Raw["primary_category"].(string); ok && cat != "" {
			return cat
		}
	}
	return ""
}

// ─── Sections ────────────────────────────────────────────────────────────────

func (r *Ranker) assignSections(kept []model.ScoredStory, dropped []model.DroppedEntry) *model.RankerOutput {
	q := r.Cfg.Topics.Quotas
	out := &model.RankerOutput{
		ModelReleasesByEntity: map[string][]model.ScoredStory{},
		Dropped:               dropped,
	}

	for _, s := range kept {
		switch {
		case len(out.Top5) < q.Top5Max:
			s.Section = model.SectionTop5
			out.Top5 = append(out.Top5, s)
		case isModelRelease(s.Story):
			s.Section = model.SectionModelReleases
			key := "other"
			if len(s.Entities) > 0 {
				key = s.Entities[0]
			}
			out.ModelReleasesByEntity[key] = append(out.ModelReleasesByEntity[key], s)
		case isPaper(s.Story):
			if len(out.Papers) < q.PapersMax {
				s.Section = model.SectionPapers
				out.Papers = append(out.Papers, s)
			} else {
				out.Dropped = append(out.Dropped, model.DroppedEntry{
					StoryID: s.ID, SourceID: s.Primary.SourceID,
					Score: s.Scores.Total, Reason: "papers_max",
				})
			}
		default:
			if len(out.Radar) < q.RadarMax {
				s.Section = model.SectionRadar
				out.Radar = append(out.Radar, s)
			} else {
				out.Dropped = append(out.Dropped, model.DroppedEntry{
					StoryID: s.ID, SourceID: s.Primary.SourceID,
					Score: s.Scores.Total, Reason: "radar_max",
				})
			}
		}
	}
	return out
}

// isModelRelease: model releases win over papers when a story is both, so a
// paper-with-weights lands in MODEL_RELEASES rather than PAPERS.
func isModelRelease(s model.Story) bool {
	if s.HFModelID != "" {
		return true
	}
	for _, it := range s.Items {
		if it.Kind == model.KindModel {
			return true
		}
	}
	return false
}

func isPaper(s model.Story) bool {
	if s.ArxivID != "" {
		return true
	}
	for _, it := range s.Items {
		if it.Kind == model.KindPaper {
			return true
		}
	}
	return false
}

// ─── Checksum ────────────────────────────────────────────────────────────────

// checksum serializes every output story as a canonical JSON array (sorted
// keys, compact separators) and hashes the bytes.
func checksum(out *model.RankerOutput) string {
	stories := out.Stories()
	canon := make([]map[string]any, len(stories))
	for i := range stories {
		canon[i] = stories[i].CanonicalMap()
	}
	data, err := json.Marshal(canon)
	if err != nil {
		log.Printf("ranker: checksum marshal: %v", err)
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
