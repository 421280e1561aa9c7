package collector

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/model"
)

// GitHub's releases endpoint returns a JSON array; draft releases are
// skipped, prereleases kept (model labs cut a lot of rc tags worth seeing).

type ghRelease struct {
	TagName     string `json:"tag_name"`
	Name        string `json:"name"`
	HTMLURL     string `json:"html_url"`
	PublishedAt string `json:"published_at"`
	Draft       bool   `json:"draft"`
	Prerelease  bool   `json:"prerelease"`
	Body        string `json:"body"`
}

// ParseGitHubReleases decodes a GitHub releases JSON response.
func ParseGitHubReleases(ctx context.Context, env Env, src config.Source, body []byte) ([]model.Item, error) {
	var releases []ghRelease
	if err := json.Unmarshal(body, &releases); err != nil {
		return nil, parseErrf(ParseJSON, "%s: %v", src.ID, err)
	}
	repo := repoFromURL(src.URL)
	var items []model.Item
	for _, r := range releases {
		if r.Draft || r.HTMLURL == "" {
			continue
		}
		title := strings.TrimSpace(r.Name)
		if title == "" {
			title = strings.TrimSpace(r.TagName)
		}
		if title == "" {
			continue
		}
		if repo != "" {
			title = repo + " " + title
		}
		items = append(items, model.Item{
			URL:         r.HTMLURL,
			Title:       title,
			Kind:        model.KindRelease,
			PublishedAt: parseFeedDate(r.PublishedAt),
			Raw: map[string]any{
				"tag":        r.TagName,
				"repo":       repo,
				"prerelease": r.Prerelease,
				"notes":      truncate(r.Body, 2000),
			},
		})
	}
	return finishItems(env, src, items)
}

// repoFromURL extracts "owner/repo" from an api.github.com releases URL.
func repoFromURL(u string) string {
	const marker = "/repos/"
	i := strings.Index(u, marker)
	if i < 0 {
		return ""
	}
	rest := u[i+len(marker):]
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "/" + parts[1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
