package collector

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/model"
)

// HuggingFace org listings come from /api/models?author=<org>; each entry's
// id is "org/model", which doubles as the story stable ID downstream.

type hfModel struct {
	ID           string `json:"id"` // org/model
	LastModified string `json:"lastModified"`
	CreatedAt    string `json:"createdAt"`
	Downloads    int64  `json:"downloads"`
	Likes        int64  `json:"likes"`
	PipelineTag  string `json:"pipeline_tag"`
	Private      bool   `json:"private"`
}

// ParseHFModels decodes a HuggingFace model-listing JSON response.
func ParseHFModels(ctx context.Context, env Env, src config.Source, body []byte) ([]model.Item, error) {
	var models []hfModel
	if err := json.Unmarshal(body, &models); err != nil {
		return nil, parseErrf(ParseJSON, "%s: %v", src.ID, err)
	}
	var items []model.Item
	for _, m := range models {
		if m.Private || m.ID == "" || !strings.Contains(m.ID, "/") {
			continue
		}
		date := m.CreatedAt
		if date == "" {
			date = m.LastModified
		}
		items = append(items, model.Item{
			URL:         "https://huggingface.co/" + m.ID,
			Title:       m.ID,
			Kind:        model.KindModel,
			PublishedAt: parseFeedDate(date),
			Raw: map[string]any{
				"hf_model_id":  m.ID,
				"downloads":    m.Downloads,
				"likes":        m.Likes,
				"pipeline_tag": m.PipelineTag,
			},
		})
	}
	return finishItems(env, src, items)
}
