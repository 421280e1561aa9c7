// Package fetch issues conditional, size-capped, retry-aware HTTP GETs.
//
// Design goals, carried over from run to run:
//   - Conditional GET (If-None-Match / If-Modified-Since) on every request;
//     a 304 costs nothing downstream
//   - Hard cap on response size, enforced while reading, not after
//   - Retry with exponential backoff + jitter; Retry-After honored on 429
//   - Credentials only from environment, scrubbed from every log line
package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// envToken reads a token from the environment at request time. Indirection
// exists so tests can verify tokens never land in logs.
func envToken(env string) string { return os.Getenv(env) }

// ErrorClass partitions fetch failures for retry decisions and status codes.
type ErrorClass string

const (
	ClassTimeout     ErrorClass = "NETWORK_TIMEOUT"
	ClassConnection  ErrorClass = "CONNECTION_ERROR"
	ClassHTTP4xx     ErrorClass = "HTTP_4XX"
	ClassHTTP5xx     ErrorClass = "HTTP_5XX"
	ClassRateLimited ErrorClass = "RATE_LIMITED"
	ClassTooLarge    ErrorClass = "RESPONSE_SIZE_EXCEEDED"
	ClassSSL         ErrorClass = "SSL_ERROR"
	ClassUnknown     ErrorClass = "UNKNOWN"
)

// Retryable reports whether a fetch failing with this class should be retried.
// SSL and size-cap failures never recover on retry; 4xx (except 429) is the
// server telling us the request itself is wrong.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTimeout, ClassConnection, ClassHTTP5xx, ClassRateLimited:
		return true
	}
	return false
}

// Error is a classified fetch failure.
type Error struct {
	Class  ErrorClass
	Status int // HTTP status when the failure is an HTTP error, else 0
	URL    string
	Err    error

	// RequestHeaders are the headers of the failed request with credential
	// values already redacted, safe to log as-is.
	RequestHeaders http.Header

	retryAfterHint string // raw Retry-After header on 429
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Class, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s (HTTP %d)", e.URL, e.Class, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Conditional carries the validators from a prior fetch of the same source.
type Conditional struct {
	ETag         string
	LastModified string
}

// Result is the outcome of a successful Get (2xx or 304).
type Result struct {
	Status       int
	FinalURL     string // after redirects
	Header       http.Header
	Body         []byte // nil on 304
	NotModified  bool   // true when the server answered 304 (cache hit)
	ETag         string // from the response; empty on 304
	LastModified string
}

// Profile adds headers for URLs whose host matches Pattern. Auth headers are
// resolved from AuthEnv at request time so tokens never sit in config or in
// the Profile value for longer than one request.
type Profile struct {
	Pattern        *regexp.Regexp
	Headers        map[string]string
	AuthHeader     string // e.g. "Authorization"
	AuthEnv        string // env var holding the token, e.g. "GITHUB_TOKEN"
	AuthScheme     string // e.g. "Bearer"; empty = raw value
	DetailFetchMax int    // per-run budget for HTML detail-page fetches
}

// Options configures a Fetcher.
type Options struct {
	UserAgent    string
	MaxBodyBytes int64 // hard cap; <= 0 uses DefaultMaxBody
	Profiles     []Profile
	Retry        RetryPolicy
	Client       *http.Client // nil = Default()
}

// DefaultMaxBody caps response bodies at 10 MiB unless configured otherwise.
const DefaultMaxBody = 10 << 20

const (
	defaultTimeout     = 30 * time.Second
	idleConnTimeout    = 90 * time.Second
	maxIdleConnPerHost = 16
)

var defaultClient = &http.Client{
	Timeout: defaultTimeout,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: maxIdleConnPerHost,
		IdleConnTimeout:     idleConnTimeout,
	},
}

// Default returns the shared tuned HTTP client.
func Default() *http.Client { return defaultClient }

// Fetcher issues GETs according to Options. Safe for concurrent use.
type Fetcher struct {
	client   *http.Client
	ua       string
	maxBody  int64
	profiles []Profile
	retry    RetryPolicy
}

// New builds a Fetcher. A zero Options gets sane defaults.
func New(opts Options) *Fetcher {
	f := &Fetcher{
		client:   opts.Client,
		ua:       opts.UserAgent,
		maxBody:  opts.MaxBodyBytes,
		profiles: opts.Profiles,
		retry:    opts.Retry,
	}
	if f.client == nil {
		f.client = Default()
	}
	if f.ua == "" {
		f.ua = "sift/1.0"
	}
	if f.maxBody <= 0 {
		f.maxBody = DefaultMaxBody
	}
	f.retry.setDefaults()
	return f
}

// ProfileFor returns the first profile whose pattern matches the URL's host,
// or nil.
func (f *Fetcher) ProfileFor(rawURL string) *Profile {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	for i := range f.profiles {
		if f.profiles[i].Pattern.MatchString(u.Host) {
			return &f.profiles[i]
		}
	}
	return nil
}

// Get fetches rawURL for sourceID. Header precedence, lowest to highest:
// base User-Agent, matching profile headers, caller extras, conditional
// validators. Returns *Error on failure; a 304 is a success with
// NotModified set.
func (f *Fetcher) Get(ctx context.Context, sourceID, rawURL string, extra http.Header, cond Conditional) (*Result, error) {
	for attempt := 0; ; attempt++ {
		res, ferr := f.once(ctx, rawURL, extra, cond)
		if ferr == nil {
			return res, nil
		}
		if !ferr.Class.Retryable() || attempt >= f.retry.MaxRetries {
			log.Printf("fetch: source=%s %s failed (%s, attempt %d/%d) headers=%v",
				sourceID, rawURL, ferr.Class, attempt+1, f.retry.MaxRetries+1, ferr.RequestHeaders)
			return nil, ferr
		}
		wait := f.retry.Delay(attempt)
		if ferr.Class == ClassRateLimited {
			wait = f.retry.retryAfter(ferr.retryAfterHint)
		}
		select {
		case <-ctx.Done():
			return nil, &Error{Class: ClassTimeout, URL: rawURL, Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
}

func (f *Fetcher) once(ctx context.Context, rawURL string, extra http.Header, cond Conditional) (*Result, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Class: ClassUnknown, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.ua)
	if p := f.ProfileFor(rawURL); p != nil {
		for k, v := range p.Headers {
			req.Header.Set(k, v)
		}
		if p.AuthHeader != "" && p.AuthEnv != "" {
			if tok := envToken(p.AuthEnv); tok != "" {
				if p.AuthScheme != "" {
					tok = p.AuthScheme + " " + tok
				}
				req.Header.Set(p.AuthHeader, tok)
			}
		}
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	if cond.ETag != "" {
		req.Header.Set("If-None-Match", cond.ETag)
	}
	if cond.LastModified != "" {
		req.Header.Set("If-Modified-Since", cond.LastModified)
	}

	res, ferr := f.roundTrip(req, rawURL)
	if ferr != nil {
		ferr.RequestHeaders = Redact(req.Header)
	}
	return res, ferr
}

func (f *Fetcher) roundTrip(req *http.Request, rawURL string) (*Result, *Error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransport(rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &Result{
			Status:      resp.StatusCode,
			FinalURL:    resp.Request.URL.String(),
			Header:      resp.Header,
			NotModified: true,
		}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		drain(resp.Body)
		e := &Error{Class: ClassRateLimited, Status: resp.StatusCode, URL: rawURL}
		e.retryAfterHint = resp.Header.Get("Retry-After")
		return nil, e
	case resp.StatusCode >= 500:
		drain(resp.Body)
		return nil, &Error{Class: ClassHTTP5xx, Status: resp.StatusCode, URL: rawURL}
	case resp.StatusCode >= 400:
		drain(resp.Body)
		return nil, &Error{Class: ClassHTTP4xx, Status: resp.StatusCode, URL: rawURL}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		drain(resp.Body)
		return nil, &Error{Class: ClassUnknown, Status: resp.StatusCode, URL: rawURL}
	}

	body, rerr := readCapped(resp.Body, f.maxBody)
	if rerr != nil {
		if errors.Is(rerr, errTooLarge) {
			return nil, &Error{Class: ClassTooLarge, Status: resp.StatusCode, URL: rawURL, Err: rerr}
		}
		return nil, classifyTransport(rawURL, rerr)
	}
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		dec, derr := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(body)), f.maxBody+1))
		if derr != nil {
			return nil, &Error{Class: ClassUnknown, URL: rawURL, Err: fmt.Errorf("brotli decode: %w", derr)}
		}
		if int64(len(dec)) > f.maxBody {
			return nil, &Error{Class: ClassTooLarge, Status: resp.StatusCode, URL: rawURL, Err: errTooLarge}
		}
		body = dec
	}
	return &Result{
		Status:       resp.StatusCode,
		FinalURL:     resp.Request.URL.String(),
		Header:       resp.Header,
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

var errTooLarge = errors.New("response size cap exceeded")

// readCapped reads r in chunks with a running byte counter. The body is
// discarded, not returned, once the cap is crossed.
func readCapped(r io.Reader, maxBytes int64) ([]byte, error) {
	buf := make([]byte, 0, 64<<10)
	chunk := make([]byte, 32<<10)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > maxBytes {
				return nil, errTooLarge
			}
			buf = append(buf, chunk[:n]...)
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func drain(r io.Reader) { _, _ = io.Copy(io.Discard, r) }

func classifyTransport(rawURL string, err error) *Error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &Error{Class: ClassTimeout, URL: rawURL, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Class: ClassTimeout, URL: rawURL, Err: err}
	}
	var certErr *tls.CertificateVerificationError
	var unkErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unkErr) || errors.As(err, &hostErr) ||
		strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:") {
		return &Error{Class: ClassSSL, URL: rawURL, Err: err}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return &Error{Class: ClassConnection, URL: rawURL, Err: err}
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return &Error{Class: ClassConnection, URL: rawURL, Err: err}
	}
	return &Error{Class: ClassUnknown, URL: rawURL, Err: err}
}
