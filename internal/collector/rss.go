package collector

import (
	"context"
	"encoding/xml"
	"strings"
	"time"

	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/model"
)

// RSS 2.0 and Atom share one adapter; the root element decides which shape
// we decode.

type rssDoc struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	PubDate     string `xml:"pubDate"`
	Description string `xml:"description"`
	Creator     string `xml:"creator"`
}

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	ID        string     `xml:"id"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
	Summary   string     `xml:"summary"`
	Content   string     `xml:"content"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

// altLink picks the entry's alternate link, falling back to the first link.
func (e *atomEntry) altLink() string {
	for _, l := range e.Links {
		if l.Rel == "" || l.Rel == "alternate" {
			return l.Href
		}
	}
	if len(e.Links) > 0 {
		return e.Links[0].Href
	}
	return ""
}

// feedDateLayouts covers the date formats seen in real feeds. Tried in order.
var feedDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseFeedDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range feedDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

// ParseRSS handles both RSS 2.0 (<rss><channel><item>) and Atom (<feed><entry>).
func ParseRSS(ctx context.Context, env Env, src config.Source, body []byte) ([]model.Item, error) {
	root, err := rootElement(body)
	if err != nil {
		return nil, parseErrf(ParseXML, "%s: %v", src.ID, err)
	}
	var items []model.Item
	switch root {
	case "rss", "RDF":
		var doc rssDoc
		if err := xml.Unmarshal(body, &doc); err != nil {
			return nil, parseErrf(ParseXML, "%s: %v", src.ID, err)
		}
		for _, it := range doc.Channel.Items {
			link := strings.TrimSpace(it.Link)
			if link == "" {
				link = strings.TrimSpace(it.GUID)
			}
			if link == "" || strings.TrimSpace(it.Title) == "" {
				continue
			}
			items = append(items, model.Item{
				URL:         link,
				Title:       strings.TrimSpace(it.Title),
				PublishedAt: parseFeedDate(it.PubDate),
				Raw: map[string]any{
					"summary": strings.TrimSpace(it.Description),
					"author":  strings.TrimSpace(it.Creator),
				},
			})
		}
	case "feed":
		var doc atomFeed
		if err := xml.Unmarshal(body, &doc); err != nil {
			return nil, parseErrf(ParseXML, "%s: %v", src.ID, err)
		}
		for _, e := range doc.Entries {
			link := e.altLink()
			if link == "" || strings.TrimSpace(e.Title) == "" {
				continue
			}
			date := e.Published
			if date == "" {
				date = e.Updated
			}
			summary := e.Summary
			if summary == "" {
				summary = e.Content
			}
			items = append(items, model.Item{
				URL:         link,
				Title:       strings.TrimSpace(e.Title),
				PublishedAt: parseFeedDate(date),
				Raw:         map[string]any{"summary": strings.TrimSpace(summary)},
			})
		}
	default:
		return nil, parseErrf(ParseXML, "%s: unsupported root element <%s>", src.ID, root)
	}
	return finishItems(env, src, items)
}

// rootElement returns the local name of the document's first start element.
func rootElement(body []byte) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(string(body)))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}
