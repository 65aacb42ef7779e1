// SPDX-License-Identifier: MIT

package daemon

import (
	"net/http"

	"github.com/rs/zerolog"
)

// Deps contains the dependencies the daemon Manager runs. The API
// server arrives pre-built because the api package owns its timeout
// budget; the manager only owns its lifecycle.
type Deps struct {
	// Logger is the structured logger for the daemon.
	Logger zerolog.Logger

	// APIServer is the control-plane HTTP server.
	APIServer *http.Server

	// MetricsHandler serves Prometheus metrics (nil disables the
	// metrics listener).
	MetricsHandler http.Handler
}

// Validate checks that the dependencies are usable.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.APIServer == nil {
		return ErrMissingAPIServer
	}
	return nil
}
