package render

import (
	"bytes"
	"fmt"
	"html/template"
	"path/filepath"
	"time"

	"github.com/siftfeed/sift/internal/model"
)

// Templates are compiled once at package init. html/template auto-escapes
// every interpolation; titles and URLs from upstream feeds are hostile
// input until proven otherwise.
var pageTmpl = template.Must(template.New("pages").
	Funcs(template.FuncMap{
		"deref": func(b *bool) bool { return b != nil && *b },
	}).
	Parse(pageTemplates))

const pageTemplates = `
{{define "head"}}<!DOCTYPE html>
<html lang="en"><head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;max-width:60rem;margin:2rem auto;padding:0 1rem;color:#1a1a1a}
h1,h2{line-height:1.2} a{color:#0645ad;text-decoration:none} a:hover{text-decoration:underline}
table{border-collapse:collapse;width:100%} td,th{border:1px solid #ddd;padding:.4rem .6rem;text-align:left}
.tag{font-size:.75rem;background:#eef;border-radius:3px;padding:.1rem .4rem;margin-left:.3rem}
.muted{color:#777;font-size:.85rem} .ok{color:#17692e} .fail{color:#a12020} .noup{color:#777}
section{margin-bottom:2rem}
</style>
</head><body>
<nav class="muted"><a href="index.html">latest</a> &middot; <a href="archive.html">archive</a> &middot; <a href="sources.html">sources</a> &middot; <a href="status.html">runs</a></nav>
{{end}}

{{define "storylist"}}<ol>{{range .}}
<li><a href="{{.Primary.URL}}">{{.Title}}</a>
{{range .Entities}}<span class="tag">{{.}}</span>{{end}}
<div class="muted">{{if .PublishedAt}}{{.PublishedAt.Format "2006-01-02"}} &middot; {{end}}{{.Primary.SourceID}} &middot; score {{printf "%.2f" .Scores.Total}}
{{range .Links}} &middot; <a href="{{.URL}}">{{.Type}}</a>{{end}}</div>
</li>{{end}}</ol>{{end}}

{{define "digest"}}{{template "head" .}}
<h1>Digest &mdash; {{.RunDate}}</h1>
<p class="muted">run {{.RunID}} &middot; generated {{.GeneratedAt}}</p>
<section><h2>Top 5</h2>{{template "storylist" .Top5}}</section>
{{if .ModelReleases}}<section><h2>Model Releases</h2>
{{range .ModelReleases}}<h3>{{.Entity}}</h3>{{template "storylist" .Stories}}{{end}}
</section>{{end}}
{{if .Papers}}<section><h2>Papers</h2>{{template "storylist" .Papers}}</section>{{end}}
{{if .Radar}}<section><h2>Radar</h2>{{template "storylist" .Radar}}</section>{{end}}
</body></html>{{end}}

{{define "archive"}}{{template "head" .}}
<h1>Archive</h1>
<ul>{{range .Dates}}<li><a href="day/{{.}}.html">{{.}}</a></li>{{end}}</ul>
</body></html>{{end}}

{{define "sources"}}{{template "head" .}}
<h1>Sources</h1>
<table><tr><th>Source</th><th>State</th><th>Reason</th><th>New</th><th>Updated</th><th>Hint</th></tr>
{{range .Statuses}}<tr>
<td>{{.SourceID}}</td>
<td class="{{if eq .State "OK"}}ok{{else if eq .State "FAILED"}}fail{{else}}noup{{end}}">{{.State}}</td>
<td><code>{{.Code}}</code> {{.Reason}}</td>
<td>{{.ItemsNew}}</td><td>{{.ItemsUpd}}</td>
<td class="muted">{{.Hint}}</td>
</tr>{{end}}</table>
</body></html>{{end}}

{{define "status"}}{{template "head" .}}
<h1>Recent Runs</h1>
<table><tr><th>Run</th><th>Started</th><th>Finished</th><th>Result</th><th>Error</th></tr>
{{range .Runs}}<tr>
<td><code>{{.RunID}}</code></td>
<td>{{.StartedAt.Format "2006-01-02 15:04:05"}}</td>
<td>{{if .FinishedAt}}{{.FinishedAt.Format "2006-01-02 15:04:05"}}{{else}}&mdash;{{end}}</td>
<td>{{if .Success}}{{if deref .Success}}<span class="ok">success</span>{{else}}<span class="fail">failed</span>{{end}}{{else}}<span class="noup">running</span>{{end}}</td>
<td class="muted">{{.ErrorSummary}}</td>
</tr>{{end}}</table>
</body></html>{{end}}
`

// entityGroup pairs one entity bucket with its stories for the template.
type entityGroup struct {
	Entity  string
	Stories []model.ScoredStory
}

type digestContext struct {
	Title         string
	RunID         string
	RunDate       string
	GeneratedAt   string
	Top5          []model.ScoredStory
	ModelReleases []entityGroup
	Papers        []model.ScoredStory
	Radar         []model.ScoredStory
}

type listContext struct {
	Title    string
	Dates    []string
	Statuses any
	Runs     any
}

// writeHTML emits the five pages. The digest is written twice: index.html
// and its dated archive copy.
func (r *Renderer) writeHTML(in Input, runDate string) ([]ManifestEntry, error) {
	var manifest []ManifestEntry

	var groups []entityGroup
	for _, k := range sortedEntityKeys(in.Output.ModelReleasesByEntity) {
		groups = append(groups, entityGroup{Entity: k, Stories: in.Output.ModelReleasesByEntity[k]})
	}
	digest := digestContext{
		Title:         "Digest " + runDate,
		RunID:         in.RunID,
		RunDate:       runDate,
		GeneratedAt:   r.Now().UTC().Format(time.RFC3339),
		Top5:          in.Output.Top5,
		ModelReleases: groups,
		Papers:        in.Output.Papers,
		Radar:         in.Output.Radar,
	}

	pages := []struct {
		rel  string
		name string
		ctx  any
	}{
		{"index.html", "digest", digest},
		{filepath.Join("day", runDate+".html"), "digest", digest},
		{"archive.html", "archive", listContext{Title: "Archive", Dates: r.archiveDates(runDate)}},
		{"sources.html", "sources", listContext{Title: "Sources", Statuses: in.Statuses}},
		{"status.html", "status", listContext{Title: "Runs", Runs: in.Runs}},
	}
	for _, p := range pages {
		entry, err := r.renderPage(p.rel, p.name, p.ctx)
		if err != nil {
			return manifest, err
		}
		manifest = append(manifest, entry)
	}
	return manifest, nil
}

func (r *Renderer) renderPage(rel, name string, ctx any) (ManifestEntry, error) {
	var buf bytes.Buffer
	if err := pageTmpl.ExecuteTemplate(&buf, name, ctx); err != nil {
		return ManifestEntry{}, fmt.Errorf("render: %s: %w", rel, err)
	}
	return r.writeAtomic(rel, buf.Bytes())
}

func sortedEntityKeys(m map[string][]model.ScoredStory) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
