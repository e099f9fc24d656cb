package api

import (
	"net/http"
	"time"

	"github.com/tracedchat/tracedchat/internal/trace"
)

type HealthOptions struct {
	Version     string
	StartedAt   time.Time
	Model       string
	Diagnostics func() trace.Diagnostics
}

type healthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	UptimeSec int64             `json:"uptime_sec"`
	Model     string            `json:"model"`
	Telemetry trace.Diagnostics `json:"telemetry"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		uptime := time.Since(options.StartedAt)
		var diagnostics trace.Diagnostics
		if options.Diagnostics != nil {
			diagnostics = options.Diagnostics()
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:    "ok",
			Version:   options.Version,
			UptimeSec: int64(uptime.Seconds()),
			Model:     options.Model,
			Telemetry: diagnostics,
		})
	})
}
