package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/model"
)

// OpenReview's notes API wraps submissions in {"notes": [...]}; content
// fields arrive either as bare values (API v1) or {"value": ...} wrappers
// (API v2), so both shapes are accepted.

type orResponse struct {
	Notes []orNote `json:"notes"`
}

type orNote struct {
	ID      string                     `json:"id"`
	CDate   int64                      `json:"cdate"` // creation, epoch millis
	PDate   int64                      `json:"pdate"` // publication, epoch millis
	Content map[string]json.RawMessage `json:"content"`
}

// contentString unwraps a v1 bare string or a v2 {"value": "..."} field.
func (n *orNote) contentString(key string) string {
	raw, ok := n.Content[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var wrapped struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.Value
	}
	return ""
}

// ParseOpenReview decodes an OpenReview notes query response.
func ParseOpenReview(ctx context.Context, env Env, src config.Source, body []byte) ([]model.Item, error) {
	var resp orResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, parseErrf(ParseJSON, "%s: %v", src.ID, err)
	}
	venue := src.Query["venue"]
	var items []model.Item
	for _, n := range resp.Notes {
		title := strings.TrimSpace(n.contentString("title"))
		if n.ID == "" || title == "" {
			continue
		}
		var published *time.Time
		millis := n.PDate
		if millis == 0 {
			millis = n.CDate
		}
		if millis > 0 {
			t := time.UnixMilli(millis).UTC()
			published = &t
		}
		items = append(items, model.Item{
			URL:         fmt.Sprintf("https://openreview.net/forum?id=%s", n.ID),
			Title:       title,
			Kind:        model.KindPaper,
			PublishedAt: published,
			Raw: map[string]any{
				"openreview_id": n.ID,
				"abstract":      strings.TrimSpace(n.contentString("abstract")),
				"venue":         venue,
			},
		})
	}
	return finishItems(env, src, items)
}
