package fetch

import (
	"net/http"
	"strings"
)

// sensitiveHeaders never appear in logs or artifacts with their real value.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"proxy-authorization": true,
}

const redacted = "[REDACTED]"

// Redact returns a copy of h with credential-bearing values replaced by
// [REDACTED]. Header names ending in "-token" or "-key" are scrubbed too.
func Redact(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		lk := strings.ToLower(k)
		if sensitiveHeaders[lk] || strings.HasSuffix(lk, "-token") || strings.HasSuffix(lk, "-key") {
			out[k] = []string{redacted}
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}
