// Package status classifies each source's collection outcome into a closed
// ReasonCode enum, with a human-readable reason and an optional remediation
// hint. Classification is a pure function of the collector result; it never
// touches the network or the store.
package status

import (
	"fmt"

	"github.com/siftfeed/sift/internal/collector"
	"github.com/siftfeed/sift/internal/fetch"
)

// State is the coarse per-source outcome shown in dashboards.
type State string

const (
	StateOK       State = "OK"
	StateNoUpdate State = "NO_UPDATE"
	StateFailed   State = "FAILED"
)

// ReasonCode is the closed classification enum. New codes are an API change.
type ReasonCode string

const (
	ReasonOKHasNew      ReasonCode = "FETCH_PARSE_OK_HAS_NEW"
	ReasonOKHasUpdated  ReasonCode = "FETCH_PARSE_OK_HAS_UPDATED"
	ReasonOKNoDelta     ReasonCode = "FETCH_PARSE_OK_NO_DELTA"
	ReasonFetchTimeout  ReasonCode = "FETCH_TIMEOUT"
	ReasonFetchHTTP4xx  ReasonCode = "FETCH_HTTP_4XX"
	ReasonFetchHTTP5xx  ReasonCode = "FETCH_HTTP_5XX"
	ReasonFetchNetwork  ReasonCode = "FETCH_NETWORK_ERROR"
	ReasonFetchSSL      ReasonCode = "FETCH_SSL_ERROR"
	ReasonFetchTooLarge ReasonCode = "FETCH_TOO_LARGE"
	ReasonParseXML      ReasonCode = "PARSE_XML_ERROR"
	ReasonParseJSON     ReasonCode = "PARSE_JSON_ERROR"
	ReasonParseHTML     ReasonCode = "PARSE_HTML_ERROR"
	ReasonParseSchema   ReasonCode = "PARSE_SCHEMA_ERROR"
	ReasonParseNoItems  ReasonCode = "PARSE_NO_ITEMS"
	ReasonDatesMissing  ReasonCode = "DATES_MISSING_NO_ORDERING"
	ReasonStatusOnlySrc ReasonCode = "STATUS_ONLY_SOURCE"
)

// SourceStatus is the classified outcome rendered into outputs.
type SourceStatus struct {
	SourceID string     `json:"source_id"`
	State    State      `json:"state"`
	Code     ReasonCode `json:"reason_code"`
	Reason   string     `json:"reason"`
	Hint     string     `json:"hint,omitempty"`
	ItemsNew int        `json:"items_new"`
	ItemsUpd int        `json:"items_updated"`
}

// Input extends the collector result with facts only the pipeline knows.
type Input struct {
	Result       collector.SourceResult
	DatesMissing bool // every stored item for this source lacks a date
	StatusOnly   bool // source configured for status tracking, never collected
}

// Classify maps one source outcome to its status. Pure; total over every
// error class and parse class the collector can produce.
func Classify(in Input) SourceStatus {
	r := in.Result
	out := SourceStatus{
		SourceID: r.SourceID,
		ItemsNew: r.ItemsNew,
		ItemsUpd: r.ItemsUpdated,
	}

	if in.StatusOnly {
		out.State = StateNoUpdate
		out.Code = ReasonStatusOnlySrc
		out.Reason = "source is tracked for status only; nothing collected"
		return out
	}

	if r.State == collector.StateSourceDone {
		switch {
		case r.NotModified:
			out.State = StateNoUpdate
			out.Code = ReasonOKNoDelta
			out.Reason = "server returned 304; cached content unchanged"
		case r.ItemsNew > 0:
			out.State = StateOK
			out.Code = ReasonOKHasNew
			out.Reason = fmt.Sprintf("%d new items", r.ItemsNew)
		case r.ItemsUpdated > 0:
			out.State = StateOK
			out.Code = ReasonOKHasUpdated
			out.Reason = fmt.Sprintf("%d items updated, none new", r.ItemsUpdated)
		default:
			out.State = StateNoUpdate
			out.Code = ReasonOKNoDelta
			out.Reason = "fetched and parsed; no new or changed items"
		}
		if in.DatesMissing && out.State == StateOK {
			out.Code = ReasonDatesMissing
			out.Reason = "items collected but none carry a publish date"
			out.Hint = "add a date_selector or enable detail-page fetches for this source"
		}
		return out
	}

	out.State = StateFailed
	switch {
	case r.ParseClass != "":
		out.Code, out.Reason, out.Hint = classifyParse(r.ParseClass)
	case r.FetchClass != "":
		out.Code, out.Reason, out.Hint = classifyFetch(r.FetchClass)
	default:
		out.Code = ReasonFetchNetwork
		out.Reason = "source failed before completing"
	}
	if r.Err != nil {
		out.Reason = fmt.Sprintf("%s: %v", out.Reason, r.Err)
	}
	return out
}

func classifyFetch(class fetch.ErrorClass) (ReasonCode, string, string) {
	switch class {
	case fetch.ClassTimeout:
		return ReasonFetchTimeout, "request timed out after retries",
			"raise SIFT_SOURCE_TIMEOUT or check upstream latency"
	case fetch.ClassHTTP4xx:
		return ReasonFetchHTTP4xx, "server rejected the request",
			"check the source URL and any required token"
	case fetch.ClassRateLimited:
		return ReasonFetchHTTP4xx, "rate limited after retries",
			"lower the platform QPS setting"
	case fetch.ClassHTTP5xx:
		return ReasonFetchHTTP5xx, "server error after retries", ""
	case fetch.ClassConnection:
		return ReasonFetchNetwork, "connection failed", "check DNS and network reachability"
	case fetch.ClassSSL:
		return ReasonFetchSSL, "TLS verification failed",
			"certificate problem upstream; never disable verification"
	case fetch.ClassTooLarge:
		return ReasonFetchTooLarge, "response exceeded the size cap",
			"raise SIFT_MAX_RESPONSE_BYTES if the source is legitimately this large"
	}
	return ReasonFetchNetwork, "fetch failed", ""
}

func classifyParse(class collector.ParseClass) (ReasonCode, string, string) {
	switch class {
	case collector.ParseXML:
		return ReasonParseXML, "response was not valid XML", ""
	case collector.ParseJSON:
		return ReasonParseJSON, "response was not valid JSON", ""
	case collector.ParseHTML:
		return ReasonParseHTML, "response was not parseable HTML", ""
	case collector.ParseSchema:
		return ReasonParseSchema, "response shape did not match the adapter",
			"source may have changed its format; update selectors or method"
	case collector.ParseNoItems:
		return ReasonParseNoItems, "parsed cleanly but produced zero items",
			"empty feed or selectors no longer match"
	}
	return ReasonParseSchema, "parse failed", ""
}
