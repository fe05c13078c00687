package view

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/dettest/internal/logging"
	"github.com/telhawk-systems/dettest/internal/pool"
)

var dashboardPage = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="{{if .Finished}}3600{{else}}2{{end}}">
<title>dettest {{.RunID}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
td, th { padding: 0.2em 1em; text-align: left; }
.pass { color: #04B575; } .fail { color: #FF5F87; }
progress { width: 30em; }
</style>
</head>
<body>
<h1>dettest {{.RunID}}</h1>
<p><progress max="100" value="{{printf "%.0f" .Percent}}"></progress>
{{.Completed}}/{{.Total}} ({{printf "%.1f" .Percent}}%)</p>
<p><span class="pass">passed {{.Passed}}</span> <span class="fail">failed {{.Failed}}</span>
queued {{.Queued}} running {{.Running}} elapsed {{printf "%.0f" .Elapsed}}s{{if .ETA}} eta {{printf "%.0f" .ETA}}s{{end}}</p>
{{if .Reason}}<p><strong>finishing: {{.Reason}}</strong></p>{{end}}
{{if .Finished}}<p><strong>run finished</strong></p>{{end}}
<h2>Instances</h2>
<table>
<tr><th>Name</th><th>State</th><th>Completed</th><th>Detection</th><th>Error</th></tr>
{{range .Workers}}<tr><td>{{if .WebURL}}<a href="{{.WebURL}}">{{.Name}}</a>{{else}}{{.Name}}{{end}}</td><td>{{.State}}</td><td>{{.Completed}}</td><td>{{.Detection}}</td><td>{{.Error}}</td></tr>
{{end}}</table>
<h2>Recent</h2>
<table>
{{range .Recent}}<tr><td class="{{if .Success}}pass{{else}}fail{{end}}">{{if .Success}}PASS{{else}}FAIL{{end}}</td><td>{{.Name}}</td><td>{{.TestsPassed}}/{{.Tests}}</td></tr>
{{end}}</table>
</body>
</html>
`))

// Dashboard serves the progress of a run over HTTP:
//
//	GET /             HTML page
//	GET /api/status   JSON status
//	GET /api/health   liveness
//	GET /metrics      Prometheus metrics
type Dashboard struct {
	logger *logging.Logger
	server *http.Server

	mu     sync.RWMutex
	status Status
	have   bool

	done chan struct{}
}

// NewDashboard creates a dashboard listening on addr once started.
func NewDashboard(addr string, logger *logging.Logger) *Dashboard {
	if logger == nil {
		logger = logging.Default()
	}
	d := &Dashboard{logger: logger, done: make(chan struct{})}
	d.server = &http.Server{
		Addr:              addr,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d
}

// Handler returns the routes of the dashboard.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", d.page)
	mux.HandleFunc("GET /api/status", d.apiStatus)
	mux.HandleFunc("GET /api/health", d.health)
	mux.Handle("GET /metrics", promhttp.Handler())
	return RequestID(mux)
}

// Start listens and serves in the background. It returns the bound address.
func (d *Dashboard) Start() (string, error) {
	ln, err := net.Listen("tcp", d.server.Addr)
	if err != nil {
		return "", fmt.Errorf("dashboard listen on %s: %w", d.server.Addr, err)
	}
	go func() {
		defer close(d.done)
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("dashboard server failed", logging.Error(err))
		}
	}()
	d.logger.Info("dashboard listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

func (d *Dashboard) Update(_ context.Context, s pool.Snapshot) error {
	d.set(NewStatus(s))
	return nil
}

// Close records the final status and shuts the server down.
func (d *Dashboard) Close(ctx context.Context, s pool.Snapshot) error {
	d.set(NewStatus(s))
	if err := d.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	return nil
}

func (d *Dashboard) set(st Status) {
	d.mu.Lock()
	d.status = st
	d.have = true
	d.mu.Unlock()
}

func (d *Dashboard) current() (Status, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status, d.have
}

func (d *Dashboard) apiStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := d.current()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "run has not started")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (d *Dashboard) health(w http.ResponseWriter, _ *http.Request) {
	st, _ := d.current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"finished": st.Finished,
	})
}

func (d *Dashboard) page(w http.ResponseWriter, r *http.Request) {
	st, _ := d.current()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardPage.Execute(w, st); err != nil {
		d.logger.ErrorContext(r.Context(), "render dashboard", logging.Error(err), "request_id", GetRequestID(r.Context()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
