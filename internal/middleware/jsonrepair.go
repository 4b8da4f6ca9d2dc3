package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"regexp"
	"strconv"
)

// Some guest drivers send the mac_address_list entries unquoted.
var unquotedMACList = regexp.MustCompile(`("mac_address_list":\s?\[)([\w\d])`)

// RepairJSON strips tabs and newlines from s and quotes the first element
// of an unquoted mac_address_list.
func RepairJSON(s []byte) []byte {
	s = bytes.ReplaceAll(s, []byte("\t"), nil)
	s = bytes.ReplaceAll(s, []byte("\n"), nil)
	return unquotedMACList.ReplaceAll(s, []byte(`$1"$2`))
}

// PatchMalformedJSON rewrites invalid JSON request bodies with RepairJSON.
// Valid bodies, non-JSON requests and bodies the repair cannot fix pass
// through untouched; the handler's decoder reports the latter.
func PatchMalformedJSON(enabled bool, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if mediaType != "application/json" || r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, DefaultMaxBodySize))
			r.Body.Close()
			if err != nil {
				r.Body = io.NopCloser(bytes.NewReader(body))
				next.ServeHTTP(w, r)
				return
			}

			if len(body) > 0 && !json.Valid(body) {
				fixed := RepairJSON(body)
				if json.Valid(fixed) {
					logger.WarnContext(r.Context(), "malformed json repaired",
						slog.String("path", r.URL.Path))
					logger.DebugContext(r.Context(), "repaired json", slog.String("body", string(fixed)))
					body = fixed
				} else {
					logger.WarnContext(r.Context(), "malformed json could not be repaired",
						slog.String("path", r.URL.Path))
				}
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			r.Header.Set("Content-Length", strconv.Itoa(len(body)))
			next.ServeHTTP(w, r)
		})
	}
}
