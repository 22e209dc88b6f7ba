package httpapi

import "net/http"

// Mounts are the handlers served next to the REST API. Nil entries are
// not routed.
type Mounts struct {
	MCP     http.Handler
	Events  http.Handler
	Metrics http.Handler
}

// NewRouter wires the REST endpoints plus the mounted transports. mw wraps
// everything except /healthz and /metrics.
func NewRouter(svc *Service, m Mounts, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler {
		if mw != nil {
			return mw(h)
		}
		return h
	}

	mux.Handle("POST /api/tools/{tool}", wrap(http.HandlerFunc(svc.handleToolCall)))
	mux.Handle("GET /api/tools", wrap(http.HandlerFunc(svc.handleListTools)))
	mux.Handle("GET /api/status", wrap(http.HandlerFunc(svc.handleStatus)))
	mux.HandleFunc("GET /healthz", svc.handleHealth)

	if m.MCP != nil {
		mux.Handle("/mcp", wrap(m.MCP))
	}
	if m.Events != nil {
		mux.Handle("GET /ws/events", wrap(m.Events))
	}
	if m.Metrics != nil {
		mux.Handle("GET /metrics", m.Metrics)
	}
	return mux
}
