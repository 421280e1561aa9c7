package collector

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/siftfeed/sift/internal/model"
)

// CanonicalURL normalizes a URL for use as an item's primary key: scheme and
// host lowercased, default ports dropped, fragment removed, configured
// tracking parameters stripped, remaining query sorted, trailing slash on
// non-root paths removed. Repeated canonicalization is a fixed point.
func CanonicalURL(raw string, stripParams []string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}
	u.Fragment = ""

	strip := make(map[string]bool, len(stripParams))
	for _, p := range stripParams {
		strip[p] = true
	}
	q := u.Query()
	for k := range q {
		if strip[k] {
			q.Del(k)
		}
	}
	if len(q) == 0 {
		u.RawQuery = ""
	} else {
		// url.Values.Encode sorts keys.
		u.RawQuery = q.Encode()
	}
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}

// ContentHash computes the stable per-item hash: sha256 over the canonical
// subset of fields that, when changed, mean the item's content changed.
// Raw payload keys are folded in sorted order so map iteration cannot leak
// into the hash.
func ContentHash(it model.Item) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(it.URL)
	write(it.Title)
	write(string(it.Kind))
	if it.PublishedAt != nil {
		write(it.PublishedAt.UTC().Format(time.RFC3339))
	} else {
		write("")
	}
	keys := make([]string, 0, len(it.Raw))
	for k := range it.Raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k)
		write(stringify(it.Raw[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
