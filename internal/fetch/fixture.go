package fetch

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// FixtureTransport replays pre-recorded responses instead of hitting the
// network. URLs resolve by exact match first, then by pattern in
// registration order. Unmatched URLs return a 404 in lenient mode and an
// error in strict mode; either way, no real connection is ever opened.
type FixtureTransport struct {
	mu       sync.Mutex
	exact    map[string]*fixtureEntry
	patterns []*fixtureEntry
	strict   bool
	hits     map[string]int
}

type fixtureEntry struct {
	pattern *regexp.Regexp // nil for exact entries
	status  int
	header  http.Header
	body    []byte
}

// NewFixtureTransport returns an empty transport. strict makes unmatched
// URLs an error instead of a 404, which turns a missing fixture into a
// loud test failure rather than a silent empty source.
func NewFixtureTransport(strict bool) *FixtureTransport {
	return &FixtureTransport{
		exact:  make(map[string]*fixtureEntry),
		strict: strict,
		hits:   make(map[string]int),
	}
}

// Register maps an exact URL to a canned response.
func (t *FixtureTransport) Register(url string, status int, header http.Header, body []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exact[url] = &fixtureEntry{status: status, header: canonicalHeader(header), body: body}
}

// RegisterPattern maps any URL matching re to a canned response. Patterns
// are tried in registration order after exact matches.
func (t *FixtureTransport) RegisterPattern(re *regexp.Regexp, status int, header http.Header, body []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.patterns = append(t.patterns, &fixtureEntry{pattern: re, status: status, header: canonicalHeader(header), body: body})
}

// canonicalHeader rebuilds h under canonical MIME keys. Callers often hand
// in header literals whose keys ("ETag", "etag") would otherwise be
// invisible to http.Header.Get.
func canonicalHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

// Hits returns how many times each requested URL was served.
func (t *FixtureTransport) Hits() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.hits))
	for k, v := range t.hits {
		out[k] = v
	}
	return out
}

// RoundTrip implements http.RoundTripper.
func (t *FixtureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u := req.URL.String()
	t.mu.Lock()
	entry := t.exact[u]
	if entry == nil {
		for _, p := range t.patterns {
			if p.pattern.MatchString(u) {
				entry = p
				break
			}
		}
	}
	if entry != nil {
		t.hits[u]++
	}
	t.mu.Unlock()

	if entry == nil {
		if t.strict {
			return nil, fmt.Errorf("fixture: no fixture registered for %s", u)
		}
		return canned(req, http.StatusNotFound, nil, []byte("not found")), nil
	}

	// Conditional requests get a 304 when the fixture's ETag matches.
	if etag := entry.header.Get("ETag"); etag != "" && req.Header.Get("If-None-Match") == etag {
		return canned(req, http.StatusNotModified, entry.header, nil), nil
	}
	return canned(req, entry.status, entry.header, entry.body), nil
}

func canned(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	h := canonicalHeader(header)
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
	}
}

// fixtureManifest is the fixtures.yaml schema: one entry per canned
// response, bodies in files relative to the manifest.
type fixtureManifest struct {
	Strict   bool `yaml:"strict"`
	Fixtures []struct {
		URL     string            `yaml:"url"`     // exact match
		Pattern string            `yaml:"pattern"` // regexp, when url is empty
		File    string            `yaml:"file"`
		Status  int               `yaml:"status"` // default 200
		Headers map[string]string `yaml:"headers"`
	} `yaml:"fixtures"`
}

// LoadFixtureDir builds a transport from dir/fixtures.yaml. Body files are
// read eagerly so a bad manifest fails at startup, not mid-run.
func LoadFixtureDir(dir string) (*FixtureTransport, error) {
	data, err := os.ReadFile(filepath.Join(dir, "fixtures.yaml"))
	if err != nil {
		return nil, fmt.Errorf("fixture: read manifest: %w", err)
	}
	var m fixtureManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("fixture: parse manifest: %w", err)
	}
	t := NewFixtureTransport(m.Strict)
	for i, fx := range m.Fixtures {
		var body []byte
		if fx.File != "" {
			body, err = os.ReadFile(filepath.Join(dir, fx.File))
			if err != nil {
				return nil, fmt.Errorf("fixture: entry %d: %w", i, err)
			}
		}
		status := fx.Status
		if status == 0 {
			status = http.StatusOK
		}
		h := make(http.Header, len(fx.Headers))
		for k, v := range fx.Headers {
			h.Set(k, v)
		}
		switch {
		case fx.URL != "":
			t.Register(fx.URL, status, h, body)
		case fx.Pattern != "":
			re, err := regexp.Compile(fx.Pattern)
			if err != nil {
				return nil, fmt.Errorf("fixture: entry %d: bad pattern: %w", i, err)
			}
			t.RegisterPattern(re, status, h, body)
		default:
			return nil, fmt.Errorf("fixture: entry %d: url or pattern required", i)
		}
	}
	return t, nil
}
