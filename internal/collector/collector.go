// Package collector turns raw HTTP responses into Items, one adapter per
// source method. Each source runs as an isolated state machine
// (PENDING → FETCHING → PARSING → UPSERTING → SOURCE_DONE / SOURCE_FAILED);
// a failing source never takes the run down with it.
package collector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/model"
)

// ParseClass names what kind of parsing failed; the status computer maps it
// onto a ReasonCode.
type ParseClass string

const (
	ParseXML     ParseClass = "XML"
	ParseJSON    ParseClass = "JSON"
	ParseHTML    ParseClass = "HTML"
	ParseSchema  ParseClass = "SCHEMA"
	ParseNoItems ParseClass = "NO_ITEMS"
)

// ParseError is a classified, never-retried parse failure.
type ParseError struct {
	Class ParseClass
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Class, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErrf(class ParseClass, format string, args ...any) *ParseError {
	return &ParseError{Class: class, Err: fmt.Errorf(format, args...)}
}

// DetailFetch retrieves one auxiliary page (HTML item pages needing a date).
// It goes through the same fetcher and rate limiter as the main request.
type DetailFetch func(ctx context.Context, url string) ([]byte, error)

// Env is what an adapter gets beyond the response body.
type Env struct {
	Now         func() time.Time
	StripParams []string    // canonical_url_strip_params from topics config
	Detail      DetailFetch // nil when detail fetches are unavailable
	DetailMax   int         // per-source budget for detail fetches
}

// Adapter parses one source's fetched body into items. Adapters do not
// upsert; the runner owns persistence.
type Adapter func(ctx context.Context, env Env, src config.Source, body []byte) ([]model.Item, error)

// Registry maps each source method to its adapter.
var Registry = map[config.SourceMethod]Adapter{
	config.MethodRSS:            ParseRSS,
	config.MethodArxiv:          ParseArxiv,
	config.MethodGitHubReleases: ParseGitHubReleases,
	config.MethodHFModels:       ParseHFModels,
	config.MethodOpenReview:     ParseOpenReview,
	config.MethodHTMLList:       ParseHTMLList,
}

// finishItems applies the shared per-batch invariants: canonical URLs,
// in-batch dedupe by URL (first occurrence wins), max_items enforcement,
// content hashes, and deterministic ordering.
func finishItems(env Env, src config.Source, items []model.Item) ([]model.Item, error) {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		it.URL = CanonicalURL(it.URL, env.StripParams)
		if it.URL == "" || seen[it.URL] {
			continue
		}
		seen[it.URL] = true
		it.SourceID = src.ID
		it.Tier = src.Tier
		if it.Kind == "" {
			it.Kind = src.Kind
		}
		if it.DateConfidence == "" {
			if it.PublishedAt != nil {
				it.DateConfidence = model.DateHigh
			} else {
				it.DateConfidence = model.DateLow
			}
		}
		it.ContentHash = ContentHash(it)
		out = append(out, it)
		if src.MaxItems > 0 && len(out) >= src.MaxItems {
			break
		}
	}
	if len(out) == 0 {
		return nil, parseErrf(ParseNoItems, "source %s produced no items", src.ID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}
