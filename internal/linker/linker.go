// Package linker collapses items that refer to the same underlying artifact
// into Stories. Grouping uses stable IDs when any item carries one (arXiv ID,
// HuggingFace model ID, GitHub release URL) and a normalized-title fallback
// otherwise. Linking is a pure function of its input: same items in, same
// stories out, in the same order.
package linker

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/siftfeed/sift/internal/collector"
	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/model"
)

// MergeRationale is the audit record for one story's merge.
type MergeRationale struct {
	StoryID      string   `json:"story_id"`
	StableIDs    []string `json:"stable_ids,omitempty"`
	UsedFallback bool     `json:"used_fallback"`
	SourceIDs    []string `json:"source_ids"`
	ItemsMerged  int      `json:"items_merged"`
}

// Result is the linker's output: stories in deterministic order plus the
// merge audit trail.
type Result struct {
	Stories       []model.Story
	Rationales    []MergeRationale
	MergesTotal   int
	FallbackRatio float64 // fraction of merges that had no stable ID
}

// Linker holds the config-derived inputs grouping needs.
type Linker struct {
	Entities    []config.Entity
	PreferOrder []model.LinkType // primary-link type preference, best first
}

// New builds a Linker. The preference order comes from the first topic that
// declares one; stories fall back to tier ordering when no topic does.
func New(cfg *config.EffectiveConfig) *Linker {
	l := &Linker{Entities: cfg.Entities}
	for _, t := range cfg.Topics.Topics {
		if len(t.PreferPrimaryLinkOrder) > 0 {
			for _, s := range t.PreferPrimaryLinkOrder {
				l.PreferOrder = append(l.PreferOrder, model.LinkType(s))
			}
			break
		}
	}
	return l
}

// Link groups items into stories. Items must arrive in deterministic order
// (the pipeline sorts by source, first-seen, url); group iteration order is
// re-sorted by story ID so completion order never leaks through.
func (l *Linker) Link(items []model.Item) *Result {
	groups := make(map[string][]model.Item)
	var order []string
	for _, it := range items {
		key := groupKey(it)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], it)
	}
	sort.Strings(order)

	res := &Result{}
	fallbacks := 0
	for _, key := range order {
		story, rationale := l.buildStory(key, groups[key])
		res.Stories = append(res.Stories, story)
		res.Rationales = append(res.Rationales, rationale)
		if rationale.UsedFallback {
			fallbacks++
		}
	}
	res.MergesTotal = len(res.Stories)
	if res.MergesTotal > 0 {
		res.FallbackRatio = float64(fallbacks) / float64(res.MergesTotal)
	}
	return res
}

// ─── Group keys ──────────────────────────────────────────────────────────────

var ghReleaseRe = regexp.MustCompile(`github\.com/[^/]+/[^/]+/releases`)

// groupKey applies the precedence: arXiv ID, HF model ID, GitHub release
// URL, normalized-title fallback.
func groupKey(it model.Item) string {
	if id := arxivID(it); id != "" {
		return "arxiv:" + id
	}
	if id := hfModelID(it); id != "" {
		return "hf:" + id
	}
	if ghReleaseRe.MatchString(it.URL) {
		return "gh:" + it.URL
	}
	sum := sha256.Sum256([]byte(normalizeTitle(it.Title)))
	return "fallback:" + hex.EncodeToString(sum[:])
}

func arxivID(it model.Item) string {
	if v, ok := it.Raw["arxiv_id"].(string); ok && v != "" {
		return v
	}
	return collector.ArxivIDFromURL(it.URL)
}

func hfModelID(it model.Item) string {
	if v, ok := it.Raw["hf_model_id"].(string); ok && v != "" {
		return v
	}
	const prefix = "https://huggingface.co/"
	if strings.HasPrefix(it.URL, prefix) {
		rest := strings.TrimPrefix(it.URL, prefix)
		parts := strings.Split(rest, "/")
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" &&
			parts[0] != "datasets" && parts[0] != "spaces" && parts[0] != "blog" {
			return parts[0] + "/" + parts[1]
		}
	}
	return ""
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9\s]+`)

// normalizeTitle lowercases, strips punctuation, and collapses whitespace so
// near-identical titles land in one fallback group.
func normalizeTitle(title string) string {
	t := strings.ToLower(title)
	t = nonAlnum.ReplaceAllString(t, " ")
	return strings.Join(strings.Fields(t), " ")
}

// ─── Story assembly ──────────────────────────────────────────────────────────

func (l *Linker) buildStory(key string, items []model.Item) (model.Story, MergeRationale) {
	story := model.Story{ID: key, ItemCount: len(items), Items: items}

	seenURL := make(map[string]int) // url -> index into story.Links
	sourceSet := make(map[string]bool)
	var stableIDs []string
	for _, it := range items {
		sourceSet[it.SourceID] = true
		if id := arxivID(it); id != "" && story.ArxivID == "" {
			story.ArxivID = id
			stableIDs = append(stableIDs, "arxiv:"+id)
		}
		if id := hfModelID(it); id != "" && story.HFModelID == "" {
			story.HFModelID = id
			stableIDs = append(stableIDs, "hf:"+id)
		}
		if ghReleaseRe.MatchString(it.URL) && story.GitHubURL == "" {
			story.GitHubURL = it.URL
			stableIDs = append(stableIDs, "gh:"+it.URL)
		}
		link := model.StoryLink{
			URL: it.URL, Type: linkType(it), SourceID: it.SourceID,
			Tier: it.Tier, Title: it.Title,
		}
		// Earliest date wins, even when the item collapses into an
		// existing link below.
		if it.PublishedAt != nil &&
			(story.PublishedAt == nil || it.PublishedAt.Before(*story.PublishedAt)) {
			story.PublishedAt = it.PublishedAt
		}
		if i, dup := seenURL[it.URL]; dup {
			if link.Tier < story.Links[i].Tier {
				story.Links[i].Tier = link.Tier
			}
			continue
		}
		seenURL[it.URL] = len(story.Links)
		story.Links = append(story.Links, link)
	}

	story.Primary = l.pickPrimary(story.Links)
	story.Title = story.Primary.Title
	story.Entities = l.matchEntities(items)

	rationale := MergeRationale{
		StoryID:      key,
		StableIDs:    stableIDs,
		UsedFallback: strings.HasPrefix(key, "fallback:"),
		SourceIDs:    sortedSet(sourceSet),
		ItemsMerged:  len(items),
	}
	return story, rationale
}

// linkType infers the typed role of one item's URL within a story.
func linkType(it model.Item) model.LinkType {
	switch {
	case strings.Contains(it.URL, "arxiv.org"):
		return model.LinkArxiv
	case strings.Contains(it.URL, "huggingface.co"):
		return model.LinkHuggingFace
	case strings.Contains(it.URL, "github.com"):
		return model.LinkGitHub
	}
	switch it.Kind {
	case model.KindBlog:
		return model.LinkBlog
	case model.KindNews:
		return model.LinkNews
	case model.KindPaper:
		return model.LinkPaper
	case model.KindModel:
		return model.LinkModel
	case model.KindRelease:
		return model.LinkOfficial
	}
	return model.LinkOfficial
}

// pickPrimary ranks candidates by preferred link type, then tier, then
// source ID. Deterministic for any input order.
func (l *Linker) pickPrimary(links []model.StoryLink) model.StoryLink {
	best := links[0]
	for _, cand := range links[1:] {
		if l.better(cand, best) {
			best = cand
		}
	}
	return best
}

func (l *Linker) better(a, b model.StoryLink) bool {
	pa, pb := l.preferRank(a.Type), l.preferRank(b.Type)
	if pa != pb {
		return pa < pb
	}
	if a.Tier != b.Tier {
		return a.Tier < b.Tier
	}
	return a.SourceID < b.SourceID
}

func (l *Linker) preferRank(t model.LinkType) int {
	for i, p := range l.PreferOrder {
		if p == t {
			return i
		}
	}
	return len(l.PreferOrder)
}

// ─── Entity matching ─────────────────────────────────────────────────────────

// matchEntities scans titles and raw payload strings for each entity's
// keywords. Keywords of four characters or fewer match on word boundaries
// only, so "RL" never fires inside "URL".
func (l *Linker) matchEntities(items []model.Item) []string {
	var haystack strings.Builder
	for _, it := range items {
		haystack.WriteString(strings.ToLower(it.Title))
		haystack.WriteByte('\n')
		for _, k := range sortedRawKeys(it.Raw) {
			if s, ok := it.Raw[k].(string); ok {
				haystack.WriteString(strings.ToLower(s))
				haystack.WriteByte('\n')
			}
		}
	}
	text := haystack.String()

	var matched []string
	for _, e := range l.Entities {
		for _, kw := range e.Keywords {
			if KeywordMatch(text, strings.ToLower(kw)) {
				matched = append(matched, e.ID)
				break
			}
		}
	}
	sort.Strings(matched)
	return matched
}

// KeywordMatch reports whether kw occurs in text. Both must be lowercased
// by the caller. Short alphabetic keywords (four characters or fewer) match
// only on word boundaries; everything else is a plain substring search. The
// ranker's topic matching uses the same rule.
func KeywordMatch(text, kw string) bool {
	if kw == "" {
		return false
	}
	if len(kw) > 4 || !isAlpha(kw) {
		return strings.Contains(text, kw)
	}
	for start := 0; ; {
		i := strings.Index(text[start:], kw)
		if i < 0 {
			return false
		}
		i += start
		before := i == 0 || !isWordByte(text[i-1])
		afterIdx := i + len(kw)
		after := afterIdx >= len(text) || !isWordByte(text[afterIdx])
		if before && after {
			return true
		}
		start = i + 1
	}
}

func isAlpha(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedRawKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
