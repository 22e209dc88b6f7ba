package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mistakeknot/toomanycooks/internal/auth"
	"github.com/mistakeknot/toomanycooks/internal/dispatch"
	"github.com/mistakeknot/toomanycooks/internal/locks"
	"github.com/mistakeknot/toomanycooks/internal/mailbox"
	"github.com/mistakeknot/toomanycooks/internal/mcp"
	"github.com/mistakeknot/toomanycooks/internal/metrics"
	"github.com/mistakeknot/toomanycooks/internal/notify"
	"github.com/mistakeknot/toomanycooks/internal/plans"
	"github.com/mistakeknot/toomanycooks/internal/registry"
	"github.com/mistakeknot/toomanycooks/internal/storage/sqlite"
	"github.com/mistakeknot/toomanycooks/internal/ws"
)

const testAdminKey = "test-admin-key-0123456789abcdefghijklmnop"

// testEnv runs the full router against an in-memory store. Localhost is
// not trusted, so admin calls need testAdminKey.
type testEnv struct {
	srv        *httptest.Server
	hub        *notify.Hub
	store      *sqlite.Store
	dispatcher *dispatch.Dispatcher
	breaker    atomic.Value
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	m := metrics.New()
	hub := notify.NewHub(notify.WithDropHook(m.EventDropped))
	d := dispatch.New(dispatch.Services{
		Registry: registry.New(st, hub),
		Locks:    locks.New(st, hub),
		Mailbox:  mailbox.New(st, hub),
		Plans:    plans.New(st, hub),
	}, dispatch.Options{Metrics: m})

	env := &testEnv{hub: hub, store: st, dispatcher: d}
	env.breaker.Store("closed")
	svc := NewService(d).WithHealth(func() string { return env.breaker.Load().(string) })
	ring := auth.NewKeyring(false, []string{testAdminKey}, nil)
	router := NewRouter(svc, Mounts{
		MCP:     mcp.NewServer(mcp.Config{Dispatcher: d}),
		Events:  ws.NewGateway(hub).Handler(),
		Metrics: m.Handler(),
	}, auth.Middleware(ring))

	env.srv = httptest.NewServer(router)
	t.Cleanup(func() {
		env.srv.Close()
		d.Close()
		hub.Close()
	})
	return env
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return e.postAs(t, path, "", body)
}

func (e *testEnv) postAs(t *testing.T, path, bearer string, body any) *http.Response {
	t.Helper()
	var buf []byte
	switch b := body.(type) {
	case nil:
	case string:
		buf = []byte(b)
	default:
		var err error
		if buf, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

// register creates an agent over the API and returns its key.
func (e *testEnv) register(t *testing.T, name string) string {
	t.Helper()
	resp := e.post(t, "/api/tools/register", map[string]any{"name": name})
	requireStatus(t, resp, http.StatusOK)
	out := decodeJSON[dispatch.RegisterResult](t, resp)
	if out.AgentName != name || out.AgentKey == "" {
		t.Fatalf("register %s: got %+v", name, out)
	}
	return out.AgentKey
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}

func requireErrorKind(t *testing.T, resp *http.Response, status int, kind string) dispatch.WireError {
	t.Helper()
	requireStatus(t, resp, status)
	env := decodeJSON[dispatch.ErrorEnvelope](t, resp)
	if env.Error.Kind != kind {
		t.Fatalf("expected error kind %q, got %+v", kind, env.Error)
	}
	return env.Error
}
