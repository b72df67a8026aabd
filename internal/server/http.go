package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/morezero/smartspace/pkg/drivers"
	"github.com/morezero/smartspace/pkg/events"
	"github.com/morezero/smartspace/pkg/messages"
	"github.com/morezero/smartspace/pkg/metrics"
)

// HealthOutput is the /health response.
type HealthOutput struct {
	Status    string       `json:"status"`
	Device    string       `json:"device"`
	Checks    HealthChecks `json:"checks"`
	Timestamp string       `json:"timestamp"`
}

// HealthChecks lists the individual probes. Database is omitted when no database is configured.
type HealthChecks struct {
	Comms    bool  `json:"comms"`
	Database *bool `json:"database,omitempty"`
}

// Health probes COMMS and, when configured, the database.
func (s *Server) Health(ctx context.Context) *HealthOutput {
	out := &HealthOutput{Status: "healthy", Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if s.device != nil {
		out.Device = s.device.Name
	}
	out.Checks.Comms = s.commsOK != nil && s.commsOK()
	if !out.Checks.Comms {
		out.Status = "unhealthy"
	}
	if s.dbPing != nil {
		ok := s.dbPing(ctx) == nil
		out.Checks.Database = &ok
		if !ok {
			out.Status = "unhealthy"
		}
	}
	return out
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	if s.promReg != nil {
		mux.Handle("/metrics", metrics.Handler(s.promReg))
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.Health(ctx)
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(h)
}

// homePageTemplate is the HTML for the device home page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Device.Name}} – Smart Space</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>{{.Device.Name}}</h1>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
    {{if .Device.Networks}}
    <table>
      <thead><tr><th>Network</th><th>Address</th></tr></thead>
      <tbody>
        {{range .Device.Networks}}<tr><td>{{.Type}}</td><td>{{.Address}}</td></tr>{{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Drivers</h2>
    {{if not .Drivers}}
    <p>No drivers deployed.</p>
    {{else}}
    <table>
      <thead><tr><th>Driver</th><th>Instance</th></tr></thead>
      <tbody>
        {{range .Drivers}}<tr><td>{{.Driver}}</td><td>{{.InstanceID}}</td></tr>{{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Applications</h2>
    {{if not .Applications}}
    <p>No applications deployed.</p>
    {{else}}
    <ul>{{range .Applications}}<li>{{.}}</li>{{end}}</ul>
    {{end}}
  </section>

  <section>
    <h2>Event registrations</h2>
    {{if not .Registrations}}
    <p>No listeners registered.</p>
    {{else}}
    <table>
      <thead><tr><th>Device</th><th>Driver</th><th>Instance</th><th>Event</th><th>Subscriber</th></tr></thead>
      <tbody>
        {{range .Registrations}}
        <tr><td>{{.Device}}</td><td>{{.Driver}}</td><td>{{if .InstanceID}}{{.InstanceID}}{{else}}*{{end}}</td><td>{{.EventKey}}</td><td>{{if .Subscriber}}{{.Subscriber}}{{else}}local{{end}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	Device        *messages.Device
	Health        *HealthOutput
	Drivers       []drivers.Instance
	Applications  []string
	Registrations []registrationRow
}

type registrationRow struct {
	Device     string
	Driver     string
	InstanceID string
	EventKey   string
	Subscriber string
}

// handleHome returns an HTTP handler for the device home page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{Device: s.device, Health: s.Health(ctx)}
		if data.Device == nil {
			data.Device = messages.NewDevice("")
		}
		if s.drivers != nil {
			data.Drivers = s.drivers.List("")
		}
		if s.apps != nil {
			data.Applications = s.apps.IDs()
		}
		if s.router != nil {
			for _, reg := range s.router.Registrations() {
				row := registrationRow{Device: "local", Driver: reg.Driver, InstanceID: reg.InstanceID, EventKey: reg.EventKey}
				if reg.Device != nil {
					row.Device = reg.Device.Name
				}
				if rl, ok := reg.Listener.(*events.RemoteListener); ok {
					row.Subscriber = rl.Device().Name
				}
				data.Registrations = append(data.Registrations, row)
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
