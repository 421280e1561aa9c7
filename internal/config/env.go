package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Runtime holds operational knobs read from environment, separate from the
// YAML documents: the YAML describes WHAT to collect, the environment
// describes HOW this process runs.
type Runtime struct {
	MaxWorkers       int
	PerSourceTimeout time.Duration
	MaxResponseBytes int64
	RetentionDays    int
	GitHubQPS        float64
	HFQPS            float64
	OpenReviewQPS    float64
}

const (
	minResponseBytes     = 1 << 10  // 1 KiB
	maxResponseBytes     = 100 << 20 // 100 MiB
	defaultResponseBytes = 10 << 20 // 10 MiB
)

// LoadRuntime reads runtime knobs from SIFT_* environment variables,
// clamping the response-size cap into its allowed band.
func LoadRuntime() Runtime {
	r := Runtime{
		MaxWorkers:       getEnvInt("SIFT_MAX_WORKERS", 4),
		PerSourceTimeout: getEnvDuration("SIFT_SOURCE_TIMEOUT", 60*time.Second),
		MaxResponseBytes: int64(getEnvInt("SIFT_MAX_RESPONSE_BYTES", defaultResponseBytes)),
		RetentionDays:    getEnvInt("SIFT_RETENTION_DAYS", 90),
		GitHubQPS:        getEnvFloat("SIFT_GITHUB_QPS", 1.0),
		HFQPS:            getEnvFloat("SIFT_HF_QPS", 2.0),
		OpenReviewQPS:    getEnvFloat("SIFT_OPENREVIEW_QPS", 1.0),
	}
	if r.MaxWorkers <= 0 {
		r.MaxWorkers = 4
	}
	if r.MaxResponseBytes < minResponseBytes {
		r.MaxResponseBytes = minResponseBytes
	}
	if r.MaxResponseBytes > maxResponseBytes {
		r.MaxResponseBytes = maxResponseBytes
	}
	return r
}

// TokenEnv maps a platform name to the environment variable carrying its
// API token. Tokens are resolved at request time and never stored in config.
var TokenEnv = map[string]string{
	"github":           "GITHUB_TOKEN",
	"huggingface":      "HF_TOKEN",
	"openreview":       "OPENREVIEW_TOKEN",
	"semantic_scholar": "SEMANTIC_SCHOLAR_API_KEY",
}

// Token returns the platform token from the environment, or "" when unset.
func Token(platform string) string {
	env, ok := TokenEnv[platform]
	if !ok {
		return ""
	}
	return os.Getenv(env)
}

// LoadEnvFile reads path and sets environment variables for each line
// "KEY=value". Skips empty lines and lines starting with #. Use for .env
// (keep .env out of git). Path is cleaned to avoid traversal if
// user-influenced.
func LoadEnvFile(path string) error {
	path = filepath.Clean(path)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		os.Setenv(key, unquoteEnv(value))
	}
	return sc.Err()
}

func unquoteEnv(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
