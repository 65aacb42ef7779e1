// SPDX-License-Identifier: MIT

package api

import (
	"fmt"
	"net/http"
)

// DeprecationConfig holds configuration for API deprecation warnings
type DeprecationConfig struct {
	SunsetDate    string // Date when the deprecated path will be removed (RFC3339 format)
	SuccessorPath string // Canonical path clients should migrate to
}

// deprecationMiddleware adds deprecation headers to responses served
// on legacy paths. This follows RFC 8594 (Sunset header) and standard
// deprecation practices; the response body is unchanged so existing
// agents keep working while they migrate.
func deprecationMiddleware(cfg DeprecationConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Deprecation", "true")

			if cfg.SunsetDate != "" {
				w.Header().Set("Sunset", cfg.SunsetDate)
			}

			if cfg.SuccessorPath != "" {
				w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="successor-version"`, cfg.SuccessorPath))
			}

			warningMsg := "This path is deprecated"
			if cfg.SuccessorPath != "" {
				warningMsg += fmt.Sprintf(". Use %s instead", cfg.SuccessorPath)
			}
			w.Header().Set("Warning", fmt.Sprintf(`299 - "%s"`, warningMsg))

			next.ServeHTTP(w, r)
		})
	}
}
