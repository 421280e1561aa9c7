package model

import "time"

// CanonicalMap returns the story's canonical dict representation: the shape
// serialized into api/daily.json and hashed for the output checksum.
// encoding/json sorts map keys, so marshalling this map is stable.
func (s *ScoredStory) CanonicalMap() map[string]any {
	links := make([]map[string]any, 0, len(s.Links))
	for _, l := range s.Links {
		links = append(links, linkMap(l))
	}
	m := map[string]any{
		"story_id":     s.ID,
		"title":        s.Title,
		"primary_link": linkMap(s.Primary),
		"links":        links,
		"entities":     append([]string{}, s.Entities...),
		"item_count":   s.ItemCount,
		"section":      string(s.Section),
		"score":        s.Scores.canonicalMap(),
	}
	if s.PublishedAt != nil {
		m["published_at"] = s.PublishedAt.UTC().Format(time.RFC3339)
	} else {
		m["published_at"] = nil
	}
	if s.ArxivID != "" {
		m["arxiv_id"] = s.ArxivID
	}
	if s.HFModelID != "" {
		m["hf_model_id"] = s.HFModelID
	}
	if s.GitHubURL != "" {
		m["github_url"] = s.GitHubURL
	}
	return m
}

// canonicalMap mirrors the ScoreComponents json tags as a plain map so the
// encoder sorts its keys like every other object in the artifact.
func (c ScoreComponents) canonicalMap() map[string]any {
	return map[string]any{
		"tier":          c.Tier,
		"kind":          c.Kind,
		"topic":         c.Topic,
		"recency":       c.Recency,
		"entity":        c.Entity,
		"citation":      c.Citation,
		"cross_source":  c.CrossSource,
		"semantic":      c.Semantic,
		"llm_relevance": c.LLMRelevance,
		"total":         c.Total,
	}
}

func linkMap(l StoryLink) map[string]any {
	return map[string]any{
		"url":       l.URL,
		"type":      string(l.Type),
		"source_id": l.SourceID,
		"tier":      l.Tier,
		"title":     l.Title,
	}
}
