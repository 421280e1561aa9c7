// Command siftd runs one digest pipeline pass: collect every configured
// source, link and rank the results, and write api/daily.json plus the HTML
// pages. Designed to run from cron or a CI job; all operational knobs come
// from flags and SIFT_* environment variables, all tokens from environment
// only.
//
// Exit codes: 0 success, 1 configuration validation failure, 2 pipeline
// failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/siftfeed/sift/internal/config"
	"github.com/siftfeed/sift/internal/fetch"
	"github.com/siftfeed/sift/internal/metrics"
	"github.com/siftfeed/sift/internal/pipeline"
	"github.com/siftfeed/sift/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configDir   = flag.String("config", "config", "directory holding sources.yaml, entities.yaml, topics.yaml")
		dbPath      = flag.String("db", "sift.db", "SQLite state database path")
		outDir      = flag.String("out", "public", "output directory for JSON and HTML artifacts")
		fixtureDir  = flag.String("fixtures", "", "fixture directory; when set, no network access happens")
		frozenAt    = flag.String("now", "", "freeze the clock at this RFC3339 time (fixture runs)")
		runID       = flag.String("run-id", "", "run identifier; random when empty")
		envFile     = flag.String("env-file", ".env", "optional KEY=value file loaded into the environment")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("siftd ")

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Printf("env file: %v", err)
	}
	logTokenPresence()

	cfg, err := config.Load(*configDir)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			for _, ve := range verrs {
				fmt.Fprintf(os.Stderr, "config error: %s\n", ve.Error())
			}
		} else {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		return 1
	}
	rt := config.LoadRuntime()

	now := time.Now
	if *frozenAt != "" {
		t, err := time.Parse(time.RFC3339, *frozenAt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: bad -now value %q: %v\n", *frozenAt, err)
			return 1
		}
		frozen := t.UTC()
		now = func() time.Time { return frozen }
	}

	opts := fetch.Options{MaxBodyBytes: rt.MaxResponseBytes}
	if *fixtureDir != "" {
		ft, err := fetch.LoadFixtureDir(*fixtureDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			return 1
		}
		opts.Client = &http.Client{Transport: ft}
		opts.Retry.Seed(1)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Printf("store: %v", err)
		return 2
	}
	defer st.Close()

	m := metrics.New()
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &pipeline.Pipeline{
		Cfg:     cfg,
		Runtime: rt,
		Store:   st,
		Client:  opts,
		Metrics: m,
		OutDir:  *outDir,
		Now:     now,
	}
	res, err := p.Run(ctx, *runID)
	if err != nil {
		id := ""
		if res != nil {
			id = res.RunID
		}
		fmt.Fprintf(os.Stderr, "pipeline failed (run %s): %v\n", id, err)
		return 2
	}

	log.Printf("run %s: %d/%d sources ok, %d new items, %d stories, checksum %s",
		res.RunID, res.Runner.Succeeded, res.Runner.Succeeded+res.Runner.Failed,
		res.Runner.ItemsNew, res.Stories, res.Checksum)
	return 0
}

// logTokenPresence reports which platform tokens are configured, never
// their values.
func logTokenPresence() {
	platforms := make([]string, 0, len(config.TokenEnv))
	for p := range config.TokenEnv {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	parts := make([]string, len(platforms))
	for i, p := range platforms {
		state := "unset"
		if config.Token(p) != "" {
			state = "set"
		}
		parts[i] = p + "=" + state
	}
	log.Printf("tokens: %s", strings.Join(parts, " "))
}
