// Package render writes the run's artifacts: api/daily.json plus the five
// HTML pages. Every file goes through an atomic temp+rename write and gets
// a manifest entry with its byte count and SHA-256, so readers never see a
// partial file and operators can verify what a run produced.
package render

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/model"
	"github.com/siftfeed/sift/internal/status"
	"github.com/siftfeed/sift/internal/store"
)

// Stage is a one-way renderer phase.
type Stage string

const (
	StagePending       Stage = "RENDER_PENDING"
	StageRenderingJSON Stage = "RENDERING_JSON"
	StageRenderingHTML Stage = "RENDERING_HTML"
	StageDone          Stage = "RENDER_DONE"
	StageFailed        Stage = "RENDER_FAILED"
)

// ManifestEntry records one written artifact.
type ManifestEntry struct {
	Rel    string `json:"rel"`
	Abs    string `json:"abs"`
	Bytes  int    `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// RunInfo is the per-run summary embedded in outputs.
type RunInfo struct {
	SourcesSucceeded int     `json:"sources_succeeded"`
	SourcesFailed    int     `json:"sources_failed"`
	ItemsNew         int     `json:"items_new"`
	ItemsUpdated     int     `json:"items_updated"`
	StoriesTotal     int     `json:"stories_total"`
	FallbackRatio    float64 `json:"fallback_ratio"`
	DurationSeconds  float64 `json:"duration_seconds"`
	Checksum         string  `json:"checksum"`
}

// Input is everything the renderer needs for one run.
type Input struct {
	RunID    string
	Output   *model.RankerOutput
	Statuses []status.SourceStatus
	Runs     []store.RunRecord // recent runs, newest first, for status.html
	Entities []config.Entity
	Info     RunInfo
}

// Renderer writes artifacts under OutDir.
type Renderer struct {
	OutDir        string
	RetentionDays int // day pages older than this are swept; <=0 uses 90
	Now           func() time.Time

	stage Stage
}

// New builds a Renderer.
func New(outDir string, retentionDays int, now func() time.Time) *Renderer {
	if now == nil {
		now = time.Now
	}
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Renderer{OutDir: outDir, RetentionDays: retentionDays, Now: now, stage: StagePending}
}

// Render writes every artifact and returns the manifest. On error the
// renderer is left in RENDER_FAILED and nothing after the failing file is
// written; files already renamed into place stay.
func (r *Renderer) Render(in Input) ([]ManifestEntry, error) {
	var manifest []ManifestEntry
	runDate := r.Now().UTC().Format("2006-01-02")

	r.stage = StageRenderingJSON
	entry, err := r.writeJSON(in, runDate)
	if err != nil {
		r.stage = StageFailed
		return manifest, err
	}
	manifest = append(manifest, entry)

	r.stage = StageRenderingHTML
	htmlEntries, err := r.writeHTML(in, runDate)
	manifest = append(manifest, htmlEntries...)
	if err != nil {
		r.stage = StageFailed
		return manifest, err
	}

	r.sweepRetention()
	r.stage = StageDone
	return manifest, nil
}

// Stage reports the renderer's current phase.
func (r *Renderer) Stage() Stage { return r.stage }

// ─── JSON ────────────────────────────────────────────────────────────────────

// writeJSON emits api/daily.json: sorted keys, two-space indent, UTF-8 with
// non-ASCII preserved. Byte-identical across runs with identical inputs.
func (r *Renderer) writeJSON(in Input, runDate string) (ManifestEntry, error) {
	doc := map[string]any{
		"run_id":                   in.RunID,
		"run_date":                 runDate,
		"generated_at":             r.Now().UTC().Format(time.RFC3339),
		"top5":                     canonicalSlice(in.Output.Top5),
		"model_releases_by_entity": canonicalByEntity(in.Output.ModelReleasesByEntity),
		"papers":                   canonicalSlice(in.Output.Papers),
		"radar":                    canonicalSlice(in.Output.Radar),
		"sources_status":           statusMaps(in.Statuses),
		"run_info":                 runInfoMap(in.Info),
		"archive_dates":            r.archiveDates(runDate),
		"entity_catalog":           entityCatalog(in.Entities),
	}

	data, err := marshalCanonical(doc)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("render: daily.json: %w", err)
	}
	return r.writeAtomic(filepath.Join("api", "daily.json"), data)
}

func canonicalSlice(stories []model.ScoredStory) []map[string]any {
	out := make([]map[string]any, len(stories))
	for i := range stories {
		out[i] = stories[i].CanonicalMap()
	}
	return out
}

func canonicalByEntity(m map[string][]model.ScoredStory) map[string][]map[string]any {
	out := make(map[string][]map[string]any, len(m))
	for k, v := range m {
		out[k] = canonicalSlice(v)
	}
	return out
}

// statusMaps and runInfoMap re-emit their structs as maps: every object in
// daily.json goes through the encoder's key sorting, struct field order
// included.
func statusMaps(statuses []status.SourceStatus) []map[string]any {
	out := make([]map[string]any, len(statuses))
	for i, s := range statuses {
		m := map[string]any{
			"source_id":     s.SourceID,
			"state":         string(s.State),
			"reason_code":   string(s.Code),
			"reason":        s.Reason,
			"items_new":     s.ItemsNew,
			"items_updated": s.ItemsUpd,
		}
		if s.Hint != "" {
			m["hint"] = s.Hint
		}
		out[i] = m
	}
	return out
}

func runInfoMap(i RunInfo) map[string]any {
	return map[string]any{
		"sources_succeeded": i.SourcesSucceeded,
		"sources_failed":    i.SourcesFailed,
		"items_new":         i.ItemsNew,
		"items_updated":     i.ItemsUpdated,
		"stories_total":     i.StoriesTotal,
		"fallback_ratio":    i.FallbackRatio,
		"duration_seconds":  i.DurationSeconds,
		"checksum":          i.Checksum,
	}
}

func entityCatalog(entities []config.Entity) []map[string]any {
	out := make([]map[string]any, len(entities))
	for i, e := range entities {
		out[i] = map[string]any{
			"id":     e.ID,
			"name":   e.Name,
			"region": e.Region,
		}
	}
	return out
}

func marshalCanonical(doc any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ─── Archive scan & retention ────────────────────────────────────────────────

var dayPageRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\.html$`)

// archiveDates lists the dates that have (or will have) a day page,
// including the current run's date, newest first.
func (r *Renderer) archiveDates(runDate string) []string {
	seen := map[string]bool{runDate: true}
	entries, err := os.ReadDir(filepath.Join(r.OutDir, "day"))
	if err == nil {
		for _, e := range entries {
			if m := dayPageRe.FindStringSubmatch(e.Name()); m != nil {
				seen[m[1]] = true
			}
		}
	}
	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates
}

// sweepRetention deletes day pages older than the retention window. Runs
// after the current outputs are in place; a failed delete is logged, never
// fatal.
func (r *Renderer) sweepRetention() {
	cutoff := r.Now().UTC().AddDate(0, 0, -r.RetentionDays).Format("2006-01-02")
	dir := filepath.Join(r.OutDir, "day")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		m := dayPageRe.FindStringSubmatch(e.Name())
		if m == nil || m[1] >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			log.Printf("render: retention sweep: %v", err)
		}
	}
}

// ─── Atomic write ────────────────────────────────────────────────────────────

// writeAtomic writes data to rel under OutDir via a sibling .tmp file and
// rename, so readers never observe a partial file.
func (r *Renderer) writeAtomic(rel string, data []byte) (ManifestEntry, error) {
	abs := filepath.Join(r.OutDir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return ManifestEntry{}, fmt.Errorf("render: mkdir for %s: %w", rel, err)
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ManifestEntry{}, fmt.Errorf("render: write %s: %w", rel, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return ManifestEntry{}, fmt.Errorf("render: rename %s: %w", rel, err)
	}
	sum := sha256.Sum256(data)
	return ManifestEntry{
		Rel:    rel,
		Abs:    abs,
		Bytes:  len(data),
		SHA256: hex.EncodeToString(sum[:]),
	}, nil
}
