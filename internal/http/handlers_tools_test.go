package httpapi

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/mistakeknot/toomanycooks/internal/dispatch"
)

func TestToolCallLockLifecycle(t *testing.T) {
	env := newTestEnv(t)
	keyA := env.register(t, "agentA")
	keyB := env.register(t, "agentB")

	resp := env.post(t, "/api/tools/lock", map[string]any{
		"action": "acquire", "file_path": "/src/main.ts", "agent_name": "agentA", "agent_key": keyA, "reason": "refactor",
	})
	requireStatus(t, resp, http.StatusOK)
	acquired := decodeJSON[dispatch.LockResult](t, resp)
	if acquired.Acquired == nil || !*acquired.Acquired || acquired.Lock == nil || acquired.Lock.Version != 1 {
		t.Fatalf("acquire: %+v", acquired)
	}

	resp = env.post(t, "/api/tools/lock", map[string]any{
		"action": "acquire", "file_path": "/src/main.ts", "agent_name": "agentB", "agent_key": keyB,
	})
	we := requireErrorKind(t, resp, http.StatusConflict, dispatch.KindConflict)
	if we.Details["reason"] != "lock_held" || we.Details["owner"] != "agentA" {
		t.Fatalf("conflict details: %+v", we.Details)
	}

	resp = env.post(t, "/api/tools/lock", map[string]any{
		"action": "release", "file_path": "/src/main.ts", "agent_name": "agentA", "agent_key": keyA,
	})
	requireStatus(t, resp, http.StatusOK)
	released := decodeJSON[dispatch.LockResult](t, resp)
	if released.Released == nil || !*released.Released {
		t.Fatalf("release: %+v", released)
	}

	resp = env.post(t, "/api/tools/lock", map[string]any{"action": "query", "file_path": "/src/main.ts"})
	requireErrorKind(t, resp, http.StatusBadRequest, dispatch.KindValidation)
	resp = env.post(t, "/api/tools/lock", map[string]any{
		"action": "query", "file_path": "/src/main.ts", "agent_name": "agentB", "agent_key": keyB,
	})
	requireStatus(t, resp, http.StatusOK)
	q := decodeJSON[dispatch.LockResult](t, resp)
	if q.Locked == nil || *q.Locked {
		t.Fatalf("query after release: %+v", q)
	}
}

func TestToolCallErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	key := env.register(t, "agentA")

	resp := env.post(t, "/api/tools/register", map[string]any{"name": "agentA"})
	requireErrorKind(t, resp, http.StatusConflict, dispatch.KindConflict)

	resp = env.post(t, "/api/tools/register", map[string]any{"name": ""})
	requireErrorKind(t, resp, http.StatusBadRequest, dispatch.KindValidation)

	resp = env.post(t, "/api/tools/lock", map[string]any{
		"action": "acquire", "file_path": "a.go", "agent_name": "agentA", "agent_key": "wrong",
	})
	requireErrorKind(t, resp, http.StatusUnauthorized, dispatch.KindAuth)

	resp = env.post(t, "/api/tools/lock", map[string]any{
		"action": "renew", "file_path": "missing.go", "agent_name": "agentA", "agent_key": key,
	})
	requireErrorKind(t, resp, http.StatusNotFound, dispatch.KindNotFound)

	resp = env.post(t, "/api/tools/nope", map[string]any{})
	requireErrorKind(t, resp, http.StatusBadRequest, dispatch.KindValidation)

	resp = env.post(t, "/api/tools/lock", "{not json")
	requireErrorKind(t, resp, http.StatusBadRequest, dispatch.KindValidation)
}

func TestAdminToolsNeedAdminKey(t *testing.T) {
	env := newTestEnv(t)
	key := env.register(t, "agentA")
	resp := env.post(t, "/api/tools/lock", map[string]any{
		"action": "acquire", "file_path": "a.go", "agent_name": "agentA", "agent_key": key,
	})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.post(t, "/api/tools/deleteAgent", map[string]any{"agent_name": "agentA"})
	requireErrorKind(t, resp, http.StatusForbidden, dispatch.KindForbidden)

	resp = env.postAs(t, "/api/tools/deleteAgent", "not-a-key", map[string]any{"agent_name": "agentA"})
	requireErrorKind(t, resp, http.StatusUnauthorized, dispatch.KindAuth)

	resp = env.postAs(t, "/api/tools/deleteAgent", testAdminKey, map[string]any{"agent_name": "agentA"})
	requireStatus(t, resp, http.StatusOK)
	out := decodeJSON[dispatch.DeleteAgentResult](t, resp)
	if !out.Deleted || len(out.ReleasedLocks) != 1 || out.ReleasedLocks[0].FilePath != "a.go" {
		t.Fatalf("delete: %+v", out)
	}

	// The name is free again.
	env.register(t, "agentA")
}

func TestForceReleaseOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	key := env.register(t, "agentA")
	resp := env.post(t, "/api/tools/lock", map[string]any{
		"action": "acquire", "file_path": "stuck.go", "agent_name": "agentA", "agent_key": key,
	})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.postAs(t, "/api/tools/forceReleaseLock", testAdminKey, map[string]any{"file_path": "stuck.go"})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.postAs(t, "/api/tools/forceReleaseLock", testAdminKey, map[string]any{"file_path": "stuck.go"})
	requireErrorKind(t, resp, http.StatusNotFound, dispatch.KindNotFound)
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	keyA := env.register(t, "agentA")
	env.register(t, "agentB")

	resp := env.post(t, "/api/tools/message", map[string]any{
		"action": "send", "agent_name": "agentA", "agent_key": keyA, "to_agent": "*", "content": "hello all",
	})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = env.post(t, "/api/tools/plan", map[string]any{
		"action": "update", "agent_name": "agentA", "agent_key": keyA, "goal": "ship", "current_task": "tests",
	})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.get(t, "/api/status")
	requireStatus(t, resp, http.StatusOK)
	st := decodeJSON[dispatch.StatusView](t, resp)
	if len(st.Agents) != 2 || len(st.Plans) != 1 || len(st.Messages) != 1 {
		t.Fatalf("status: %+v", st)
	}
	if st.Locks == nil || len(st.Locks) != 0 {
		t.Fatalf("expected empty lock list, got %+v", st.Locks)
	}
	if st.Messages[0].ToAgent != "*" {
		t.Fatalf("message: %+v", st.Messages[0])
	}
}

func TestListToolsHidesAdminTools(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/tools")
	requireStatus(t, resp, http.StatusOK)
	anon := decodeJSON[toolsResponse](t, resp)
	for _, tool := range anon.Tools {
		if tool.Admin {
			t.Fatalf("anonymous listing includes admin tool %s", tool.Name)
		}
	}

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/tools", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/tools: %v", err)
	}
	requireStatus(t, resp, http.StatusOK)
	admin := decodeJSON[toolsResponse](t, resp)
	if len(admin.Tools) != len(anon.Tools)+2 {
		t.Fatalf("admin sees %d tools, anonymous %d", len(admin.Tools), len(anon.Tools))
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/healthz")
	requireStatus(t, resp, http.StatusOK)
	h := decodeJSON[healthResponse](t, resp)
	if h.Status != "ok" || h.Store != "closed" {
		t.Fatalf("health: %+v", h)
	}

	env.breaker.Store("open")
	resp = env.get(t, "/healthz")
	requireStatus(t, resp, http.StatusServiceUnavailable)
	h = decodeJSON[healthResponse](t, resp)
	if h.Status != "degraded" {
		t.Fatalf("health: %+v", h)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "agentA")

	resp := env.get(t, "/metrics")
	requireStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `toomanycooks_tool_calls_total{outcome="ok",tool="register"} 1`) {
		t.Fatalf("metrics missing register counter:\n%s", body)
	}
}

func TestMCPMounted(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if resp.Header.Get("Mcp-Session-Id") == "" {
		t.Fatal("missing Mcp-Session-Id")
	}
}
