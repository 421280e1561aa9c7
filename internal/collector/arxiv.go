package collector

import (
	"context"
	"encoding/xml"
	"regexp"
	"strings"

	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/model"
)

// arXiv API responses are Atom with an arxiv namespace carrying categories
// and author affiliations. Entry IDs look like
// http://arxiv.org/abs/2401.12345v2 — the version suffix is dropped so the
// same paper groups across sources.

type arxivFeed struct {
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Updated   string `xml:"updated"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	PrimaryCategory struct {
		Term string `xml:"term,attr"`
	} `xml:"primary_category"`
	Categories []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
	Links []atomLink `xml:"link"`
}

var arxivIDRe = regexp.MustCompile(`(\d{4}\.\d{4,5})(v\d+)?$`)

// ArxivIDFromURL extracts the bare arXiv identifier (without version) from
// an abs/pdf URL, or "" when the URL is not an arXiv paper link.
func ArxivIDFromURL(u string) string {
	if !strings.Contains(u, "arxiv.org") {
		return ""
	}
	m := arxivIDRe.FindStringSubmatch(strings.TrimSuffix(u, "/"))
	if m == nil {
		return ""
	}
	return m[1]
}

// ParseArxiv decodes an arXiv API Atom response.
func ParseArxiv(ctx context.Context, env Env, src config.Source, body []byte) ([]model.Item, error) {
	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, parseErrf(ParseXML, "%s: %v", src.ID, err)
	}
	var items []model.Item
	for _, e := range feed.Entries {
		id := ArxivIDFromURL(e.ID)
		if id == "" {
			continue
		}
		title := strings.Join(strings.Fields(e.Title), " ") // arXiv wraps titles
		if title == "" {
			continue
		}
		authors := make([]any, 0, len(e.Authors))
		for _, a := range e.Authors {
			authors = append(authors, a.Name)
		}
		cats := make([]any, 0, len(e.Categories))
		for _, c := range e.Categories {
			cats = append(cats, c.Term)
		}
		primary := e.PrimaryCategory.Term
		if primary == "" && len(e.Categories) > 0 {
			primary = e.Categories[0].Term
		}
		date := e.Published
		if date == "" {
			date = e.Updated
		}
		items = append(items, model.Item{
			URL:         "https://arxiv.org/abs/" + id,
			Title:       title,
			Kind:        model.KindPaper,
			PublishedAt: parseFeedDate(date),
			Raw: map[string]any{
				"arxiv_id":         id,
				"abstract":         strings.TrimSpace(e.Summary),
				"authors":          authors,
				"categories":       cats,
				"primary_category": primary,
			},
		})
	}
	return finishItems(env, src, items)
}
