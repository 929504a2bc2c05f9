package server

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/morezero/contextbus/pkg/router"
	"github.com/morezero/contextbus/pkg/transport/mesh"
)

const httpLogPrefix = "server:http"

// StatusOutput is the /status body.
type StatusOutput struct {
	router.RouterStatus
	SubscriberPaths []string              `json:"subscriberPaths"`
	Peers           []mesh.NodeDescriptor `json:"peers"`
	Connections     []string              `json:"connections,omitempty"`
}

// Handler returns the HTTP surface: /, /health, /ready, /status and, in
// socket-server mode, the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	if s.sockets != nil {
		mux.Handle(s.cfg.SocketPath, s.sockets)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to write response: %v", httpLogPrefix, err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.router.Status()
	code := http.StatusOK
	if st.Health == router.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": st.Health})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.router.Status().Initialized {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status() StatusOutput {
	out := StatusOutput{
		RouterStatus:    s.router.Status(),
		SubscriberPaths: s.router.Subscribers(),
		Peers:           s.router.Peers(),
	}
	if s.sockets != nil {
		for _, t := range s.sockets.Connections() {
			out.Connections = append(out.Connections, t.Name())
		}
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// homePageTemplate is the HTML for the node home page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Bus node {{.Environment}}</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-degraded { color: #cc7a00; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>Bus node {{.Environment}}</h1>
  <p class="meta">Node {{.NodeID}}</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health}}">{{.Health}}</span></p>
    <p>Pending calls: {{.PendingCalls}} &middot; Queued envelopes: {{.QueueDepth}}</p>
  </section>

  <section>
    <h2>Transports</h2>
    {{if not .Transports}}
    <p>No transports attached.</p>
    {{else}}
    <table>
      <thead><tr><th>Name</th><th>Connected</th><th>Queue depth</th></tr></thead>
      <tbody>
      {{range .Transports}}
        <tr><td>{{.Name}}</td><td>{{.Connected}}</td><td>{{.QueueDepth}}</td></tr>
      {{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Subscribers</h2>
    {{if not .SubscriberPaths}}
    <p>No subscribers registered.</p>
    {{else}}
    <ul>{{range .SubscriberPaths}}<li>{{.}}</li>{{end}}</ul>
    {{end}}
  </section>

  <section>
    <h2>Peers</h2>
    {{if not .Peers}}
    <p>No peers known.</p>
    {{else}}
    <table>
      <thead><tr><th>Node</th><th>Address</th><th>Capabilities</th><th>Protocol</th></tr></thead>
      <tbody>
      {{range .Peers}}
        <tr><td>{{.NodeID}}</td><td>{{.UnicastAddress}}</td><td>{{range $i, $c := .Capabilities}}{{if $i}}, {{end}}{{$c}}{{end}}</td><td>{{.ProtocolVersion}}</td></tr>
      {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, s.status()); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", httpLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
