package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/model"
)

// HTML list pages carry their selectors in the source's query map:
//
//	item_selector:  required, one match per item
//	link_selector:  optional, anchor inside the item (default "a")
//	title_selector: optional (default: the link's text)
//	date_selector:  optional, tried before the layered fallbacks
//
// Dates are the hard part. Extraction is layered and stops at the first
// hit: explicit date_selector, <time datetime>, meta article:published_time,
// then JSON-LD datePublished. When the list page yields nothing and a
// detail fetcher is available, up to DetailMax item pages are fetched and
// searched the same way. Items that still have no date go out with LOW
// confidence and a nil published_at.

// ParseHTMLList extracts items from an HTML index/listing page.
func ParseHTMLList(ctx context.Context, env Env, src config.Source, body []byte) ([]model.Item, error) {
	if ct := http.DetectContentType(body); !strings.Contains(ct, "html") && !strings.Contains(ct, "xml") && !strings.Contains(ct, "text/") {
		return nil, parseErrf(ParseHTML, "%s: non-text content type %s", src.ID, ct)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, parseErrf(ParseHTML, "%s: %v", src.ID, err)
	}

	itemSel := src.Query["item_selector"]
	if itemSel == "" {
		return nil, parseErrf(ParseSchema, "%s: query.item_selector is required for html_list", src.ID)
	}
	linkSel := src.Query["link_selector"]
	if linkSel == "" {
		linkSel = "a"
	}
	titleSel := src.Query["title_selector"]
	dateSel := src.Query["date_selector"]

	base, _ := url.Parse(src.URL)
	pageDate := pageLevelDate(doc)

	var items []model.Item
	doc.Find(itemSel).Each(func(_ int, s *goquery.Selection) {
		link := s.Find(linkSel).First()
		href, ok := link.Attr("href")
		if !ok || href == "" {
			return
		}
		abs := resolveHref(base, href)
		if abs == "" {
			return
		}
		title := ""
		if titleSel != "" {
			title = strings.TrimSpace(s.Find(titleSel).First().Text())
		}
		if title == "" {
			title = strings.TrimSpace(link.Text())
		}
		if title == "" {
			return
		}
		published := itemDate(s, dateSel)
		if published == nil {
			published = pageDate
		}
		items = append(items, model.Item{
			URL:         abs,
			Title:       title,
			PublishedAt: published,
			Raw:         map[string]any{"summary": strings.TrimSpace(s.Find("p").First().Text())},
		})
	})

	// Detail-page rescue for dateless items, within the per-source budget.
	if env.Detail != nil && env.DetailMax > 0 {
		budget := env.DetailMax
		for i := range items {
			if budget == 0 {
				break
			}
			if items[i].PublishedAt != nil {
				continue
			}
			budget--
			detail, err := env.Detail(ctx, items[i].URL)
			if err != nil {
				continue
			}
			if t := detailPageDate(detail); t != nil {
				items[i].PublishedAt = t
				items[i].DateConfidence = model.DateMedium
			}
		}
	}

	return finishItems(env, src, items)
}

// itemDate tries the per-item layers: explicit selector, then <time datetime>.
func itemDate(s *goquery.Selection, dateSel string) *time.Time {
	if dateSel != "" {
		if t := parseFeedDate(strings.TrimSpace(s.Find(dateSel).First().Text())); t != nil {
			return t
		}
	}
	if dt, ok := s.Find("time[datetime]").First().Attr("datetime"); ok {
		if t := parseFeedDate(dt); t != nil {
			return t
		}
	}
	return nil
}

// pageLevelDate tries document-wide layers: meta article:published_time,
// then JSON-LD datePublished.
func pageLevelDate(doc *goquery.Document) *time.Time {
	for _, prop := range []string{"article:published_time", "og:updated_time"} {
		if c, ok := doc.Find(`meta[property="` + prop + `"]`).First().Attr("content"); ok {
			if t := parseFeedDate(c); t != nil {
				return t
			}
		}
	}
	var found *time.Time
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if t := jsonLDDate(s.Text()); t != nil {
			found = t
			return false
		}
		return true
	})
	return found
}

// detailPageDate runs the full layered extraction on a fetched item page.
func detailPageDate(body []byte) *time.Time {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	if dt, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		if t := parseFeedDate(dt); t != nil {
			return t
		}
	}
	return pageLevelDate(doc)
}

// jsonLDDate pulls datePublished out of a JSON-LD block. Blocks holding an
// array of objects are searched in order.
func jsonLDDate(raw string) *time.Time {
	var objs []map[string]any
	var single map[string]any
	if err := json.Unmarshal([]byte(raw), &single); err == nil {
		objs = append(objs, single)
	} else if err := json.Unmarshal([]byte(raw), &objs); err != nil {
		return nil
	}
	for _, obj := range objs {
		if v, ok := obj["datePublished"].(string); ok {
			if t := parseFeedDate(v); t != nil {
				return t
			}
		}
	}
	return nil
}

func resolveHref(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	return ref.String()
}
