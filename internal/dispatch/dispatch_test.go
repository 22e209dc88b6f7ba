package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/toomanycooks/internal/auth"
	"github.com/mistakeknot/toomanycooks/internal/core"
	"github.com/mistakeknot/toomanycooks/internal/locks"
	"github.com/mistakeknot/toomanycooks/internal/mailbox"
	"github.com/mistakeknot/toomanycooks/internal/metrics"
	"github.com/mistakeknot/toomanycooks/internal/notify"
	"github.com/mistakeknot/toomanycooks/internal/plans"
	"github.com/mistakeknot/toomanycooks/internal/registry"
	"github.com/mistakeknot/toomanycooks/internal/storage/sqlite"
)

var (
	anon  = auth.Info{Mode: auth.ModeAnonymous}
	admin = auth.Info{Mode: auth.ModeAPIKey, Subject: "admin", Admin: true}
)

func newDispatcher(t *testing.T, opts Options) *Dispatcher {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	hub := notify.NewHub()
	t.Cleanup(hub.Close)
	d := New(Services{
		Registry: registry.New(st, hub),
		Locks:    locks.New(st, hub),
		Mailbox:  mailbox.New(st, hub),
		Plans:    plans.New(st, hub),
	}, opts)
	t.Cleanup(d.Close)
	return d
}

// call marshals args, runs the tool and round-trips the result through JSON
// so assertions see the wire shape.
func call(t *testing.T, d *Dispatcher, caller auth.Info, tool string, args map[string]any) (map[string]any, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	res, err := d.Call(context.Background(), tool, raw, caller)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(res)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out, nil
}

func register(t *testing.T, d *Dispatcher, name string) string {
	t.Helper()
	out, err := call(t, d, anon, "register", map[string]any{"name": name})
	require.NoError(t, err)
	assert.Equal(t, name, out["agent_name"])
	return out["agent_key"].(string)
}

func TestLockScenarioEndToEnd(t *testing.T) {
	d := newDispatcher(t, Options{})
	keyA := register(t, d, "agentA")
	keyB := register(t, d, "agentB")

	out, err := call(t, d, anon, "lock", map[string]any{
		"action": "acquire", "file_path": "/src/main.ts", "agent_name": "agentA", "agent_key": keyA, "reason": "refactor",
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["acquired"])

	_, err = call(t, d, anon, "lock", map[string]any{
		"action": "acquire", "file_path": "/src/main.ts", "agent_name": "agentB", "agent_key": keyB,
	})
	w := ToWire(err)
	assert.Equal(t, KindConflict, w.Kind)
	assert.Equal(t, "lock_held", w.Details["reason"])
	assert.Equal(t, "agentA", w.Details["owner"])

	out, err = call(t, d, anon, "lock", map[string]any{"action": "query", "file_path": "/src/main.ts", "agent_name": "agentB", "agent_key": keyB})
	require.NoError(t, err)
	assert.Equal(t, true, out["locked"])

	out, err = call(t, d, anon, "lock", map[string]any{
		"action": "release", "file_path": "/src/main.ts", "agent_name": "agentA", "agent_key": keyA,
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["released"])

	out, err = call(t, d, anon, "lock", map[string]any{
		"action": "acquire", "file_path": "/src/main.ts", "agent_name": "agentB", "agent_key": keyB,
	})
	require.NoError(t, err)
	assert.Equal(t, "agentB", out["lock"].(map[string]any)["agent_name"])

	list := func(filter map[string]any) (map[string]any, error) {
		args := map[string]any{"action": "list", "agent_name": "agentA", "agent_key": keyA}
		for k, v := range filter {
			args[k] = v
		}
		return call(t, d, anon, "lock", args)
	}
	out, err = list(nil)
	require.NoError(t, err)
	assert.Len(t, out["locks"], 1)

	out, err = list(map[string]any{"pattern": "/lib/**"})
	require.NoError(t, err)
	assert.Len(t, out["locks"], 0)
	out, err = list(map[string]any{"pattern": "/src/*.ts"})
	require.NoError(t, err)
	assert.Len(t, out["locks"], 1)

	out, err = list(map[string]any{"owner": "agentB"})
	require.NoError(t, err)
	assert.Len(t, out["locks"], 1)
	out, err = list(map[string]any{"owner": "agentA"})
	require.NoError(t, err)
	assert.Len(t, out["locks"], 0)
	_, err = list(map[string]any{"owner": "ghost"})
	assert.Equal(t, KindNotFound, ToWire(err).Kind)
	out, err = list(map[string]any{"expired": true})
	require.NoError(t, err)
	assert.Len(t, out["locks"], 0)
}

func TestMessageScenarioEndToEnd(t *testing.T) {
	d := newDispatcher(t, Options{})
	keyA := register(t, d, "agentA")
	keyB := register(t, d, "agentB")

	out, err := call(t, d, anon, "message", map[string]any{
		"action": "send", "agent_name": "agentA", "agent_key": keyA, "to_agent": "agentB", "content": "review my PR",
	})
	require.NoError(t, err)
	id := out["message"].(map[string]any)["id"].(string)

	out, err = call(t, d, anon, "message", map[string]any{"action": "unread_count", "agent_name": "agentB", "agent_key": keyB})
	require.NoError(t, err)
	assert.Equal(t, float64(1), out["count"])

	for i := 0; i < 2; i++ {
		_, err = call(t, d, anon, "message", map[string]any{
			"action": "mark_read", "agent_name": "agentB", "agent_key": keyB, "message_id": id,
		})
		require.NoError(t, err, "mark_read #%d", i+1)
	}

	out, err = call(t, d, anon, "message", map[string]any{"action": "unread_count", "agent_name": "agentB", "agent_key": keyB})
	require.NoError(t, err)
	assert.Equal(t, float64(0), out["count"])

	out, err = call(t, d, anon, "message", map[string]any{"action": "get", "agent_name": "agentB", "agent_key": keyB})
	require.NoError(t, err)
	msgs := out["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.NotNil(t, msgs[0].(map[string]any)["read_at"])
}

func TestBroadcastAndGetMarksRead(t *testing.T) {
	d := newDispatcher(t, Options{})
	keyA := register(t, d, "agentA")
	keyB := register(t, d, "agentB")
	keyC := register(t, d, "agentC")

	_, err := call(t, d, anon, "message", map[string]any{
		"action": "send", "agent_name": "agentA", "agent_key": keyA, "to_agent": "*", "content": "standup",
	})
	require.NoError(t, err)

	for name, key := range map[string]string{"agentB": keyB, "agentC": keyC} {
		out, err := call(t, d, anon, "message", map[string]any{"action": "get", "agent_name": name, "agent_key": key, "unread_only": true})
		require.NoError(t, err)
		assert.Len(t, out["messages"], 1, name)

		out, err = call(t, d, anon, "message", map[string]any{"action": "unread_count", "agent_name": name, "agent_key": key})
		require.NoError(t, err)
		assert.Equal(t, float64(0), out["count"], name)
	}
}

func TestPlanTool(t *testing.T) {
	d := newDispatcher(t, Options{})
	keyA := register(t, d, "agentA")

	_, err := call(t, d, anon, "plan", map[string]any{
		"action": "update", "agent_name": "agentA", "agent_key": keyA, "goal": "ship", "current_task": "tests",
	})
	require.NoError(t, err)

	keyB := register(t, d, "agentB")
	out, err := call(t, d, anon, "plan", map[string]any{"action": "get", "agent_name": "agentA", "agent_key": keyA})
	require.NoError(t, err)
	assert.Equal(t, "ship", out["plan"].(map[string]any)["goal"])
	out, err = call(t, d, anon, "plan", map[string]any{"action": "get", "agent_name": "agentB", "agent_key": keyB, "target_agent": "agentA"})
	require.NoError(t, err)
	assert.Equal(t, "tests", out["plan"].(map[string]any)["current_task"])
	_, err = call(t, d, anon, "plan", map[string]any{"action": "get", "agent_name": "agentB", "agent_key": keyB})
	assert.Equal(t, KindNotFound, ToWire(err).Kind)

	out, err = call(t, d, anon, "plan", map[string]any{"action": "list", "agent_name": "agentB", "agent_key": keyB})
	require.NoError(t, err)
	assert.Len(t, out["plans"], 1)
}

func TestStatusSnapshot(t *testing.T) {
	d := newDispatcher(t, Options{})
	keyA := register(t, d, "agentA")
	register(t, d, "agentB")
	_, err := call(t, d, anon, "lock", map[string]any{"action": "acquire", "file_path": "/a.go", "agent_name": "agentA", "agent_key": keyA})
	require.NoError(t, err)

	out, err := call(t, d, anon, "status", nil)
	require.NoError(t, err)
	assert.Len(t, out["agents"], 2)
	assert.Len(t, out["locks"], 1)
	assert.Len(t, out["plans"], 0)
	assert.Len(t, out["messages"], 0)
	agent := out["agents"].([]any)[0].(map[string]any)
	assert.NotContains(t, agent, "agent_key")
	assert.Contains(t, agent, "registered_at")
}

func TestStatusCapsMessages(t *testing.T) {
	d := newDispatcher(t, Options{StatusMessages: 2})
	keyA := register(t, d, "agentA")
	register(t, d, "agentB")
	for _, body := range []string{"one", "two", "three"} {
		_, err := call(t, d, anon, "message", map[string]any{
			"action": "send", "agent_name": "agentA", "agent_key": keyA, "to_agent": "agentB", "content": body,
		})
		require.NoError(t, err)
	}

	out, err := call(t, d, anon, "status", nil)
	require.NoError(t, err)
	assert.Len(t, out["messages"], 2)
	assert.Len(t, out["agents"], 2, "agents are never capped")
}

func TestAuthFailuresAreGeneric(t *testing.T) {
	d := newDispatcher(t, Options{})
	register(t, d, "agentA")

	_, wrongKey := call(t, d, anon, "lock", map[string]any{"action": "acquire", "file_path": "/a.go", "agent_name": "agentA", "agent_key": "nope"})
	_, unknown := call(t, d, anon, "lock", map[string]any{"action": "acquire", "file_path": "/a.go", "agent_name": "ghost", "agent_key": "nope"})

	assert.Equal(t, ToWire(wrongKey), ToWire(unknown))
	assert.Equal(t, KindAuth, ToWire(wrongKey).Kind)
}

func TestReadActionsRequireCredentials(t *testing.T) {
	d := newDispatcher(t, Options{})
	key := register(t, d, "agentA")
	_, err := call(t, d, anon, "plan", map[string]any{"action": "update", "agent_name": "agentA", "agent_key": key, "goal": "g"})
	require.NoError(t, err)

	reads := []struct {
		tool string
		args map[string]any
	}{
		{"lock", map[string]any{"action": "query", "file_path": "/a.go"}},
		{"lock", map[string]any{"action": "list"}},
		{"lock", map[string]any{"action": "list", "expired": true}},
		{"plan", map[string]any{"action": "get", "target_agent": "agentA"}},
		{"plan", map[string]any{"action": "list"}},
	}
	for _, tc := range reads {
		_, err := call(t, d, anon, tc.tool, tc.args)
		assert.Equal(t, KindValidation, ToWire(err).Kind, "anonymous %s %v: %v", tc.tool, tc.args, err)

		withBadKey := map[string]any{"agent_name": "agentA", "agent_key": "nope"}
		for k, v := range tc.args {
			withBadKey[k] = v
		}
		_, err = call(t, d, anon, tc.tool, withBadKey)
		assert.Equal(t, KindAuth, ToWire(err).Kind, "bad key %s %v: %v", tc.tool, tc.args, err)
	}
}

func TestValidationErrors(t *testing.T) {
	d := newDispatcher(t, Options{})
	key := register(t, d, "agentA")

	cases := []struct {
		tool string
		args map[string]any
	}{
		{"nope", nil},
		{"lock", map[string]any{}},
		{"lock", map[string]any{"action": "smash"}},
		{"lock", map[string]any{"action": "acquire", "file_path": "/a.go"}},
		{"lock", map[string]any{"action": "acquire", "agent_name": "agentA", "agent_key": key}},
		{"message", map[string]any{"action": "get", "agent_name": "agentA", "agent_key": key, "order": "sideways"}},
		{"register", map[string]any{"name": 42}},
	}
	for _, tc := range cases {
		_, err := call(t, d, anon, tc.tool, tc.args)
		assert.Equal(t, KindValidation, ToWire(err).Kind, "%s %v: %v", tc.tool, tc.args, err)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	d := newDispatcher(t, Options{})
	register(t, d, "agentA")
	_, err := call(t, d, anon, "register", map[string]any{"name": "agentA"})
	w := ToWire(err)
	assert.Equal(t, KindConflict, w.Kind)
	assert.Equal(t, "duplicate_name", w.Details["reason"])
	assert.Contains(t, w.Details["suggested_name"], "agentA-")
}

func TestAdminToolsRequireAdmin(t *testing.T) {
	d := newDispatcher(t, Options{})
	keyA := register(t, d, "agentA")
	for _, p := range []string{"/a.go", "/b.go"} {
		_, err := call(t, d, anon, "lock", map[string]any{"action": "acquire", "file_path": p, "agent_name": "agentA", "agent_key": keyA})
		require.NoError(t, err)
	}
	_, err := call(t, d, anon, "message", map[string]any{"action": "send", "agent_name": "agentA", "agent_key": keyA, "to_agent": "*", "content": "bye"})
	require.NoError(t, err)

	_, err = call(t, d, anon, "deleteAgent", map[string]any{"agent_name": "agentA"})
	assert.ErrorIs(t, err, core.ErrForbidden)
	assert.Equal(t, KindForbidden, ToWire(err).Kind)

	out, err := call(t, d, admin, "deleteAgent", map[string]any{"agent_name": "agentA"})
	require.NoError(t, err)
	assert.Len(t, out["released_locks"], 2)

	status, err := call(t, d, anon, "status", nil)
	require.NoError(t, err)
	assert.Len(t, status["locks"], 0)
	assert.Len(t, status["messages"], 1, "sent messages survive deletion")

	_, err = call(t, d, admin, "forceReleaseLock", map[string]any{"file_path": "/a.go"})
	assert.Equal(t, KindNotFound, ToWire(err).Kind)
}

func TestForceReleaseLock(t *testing.T) {
	d := newDispatcher(t, Options{})
	keyA := register(t, d, "agentA")
	_, err := call(t, d, anon, "lock", map[string]any{"action": "acquire", "file_path": "/a.go", "agent_name": "agentA", "agent_key": keyA})
	require.NoError(t, err)

	out, err := call(t, d, admin, "forceReleaseLock", map[string]any{"file_path": "/a.go"})
	require.NoError(t, err)
	assert.Equal(t, true, out["released"])

	out, err = call(t, d, anon, "lock", map[string]any{"action": "query", "file_path": "/a.go", "agent_name": "agentA", "agent_key": keyA})
	require.NoError(t, err)
	assert.Equal(t, false, out["locked"])
}

func TestRateLimitPerAgent(t *testing.T) {
	m := metrics.New()
	d := newDispatcher(t, Options{RateLimit: 0.001, RateBurst: 2, Metrics: m})
	keyA := register(t, d, "agentA")
	keyB := register(t, d, "agentB")

	args := func(name, key string) map[string]any {
		return map[string]any{"action": "unread_count", "agent_name": name, "agent_key": key}
	}
	for i := 0; i < 2; i++ {
		_, err := call(t, d, anon, "message", args("agentA", keyA))
		require.NoError(t, err)
	}
	_, err := call(t, d, anon, "message", args("agentA", keyA))
	assert.True(t, errors.Is(err, core.ErrRateLimited), "got %v", err)
	assert.Equal(t, KindRateLimited, ToWire(err).Kind)

	_, err = call(t, d, anon, "message", args("agentB", keyB))
	assert.NoError(t, err, "budgets are per agent")
}

func TestToWireHidesStorageDetails(t *testing.T) {
	err := core.WrapStorage("insert", errors.New("disk I/O error at /var/lib/secret.db"))
	w := ToWire(err)
	assert.Equal(t, KindStorage, w.Kind)
	assert.NotContains(t, w.Message, "secret")
	assert.Nil(t, w.Details)
}

func TestToWireConflictDetails(t *testing.T) {
	exp := time.UnixMilli(1_700_000_000_000).UTC()
	w := ToWire(&core.ConflictError{Kind: core.ConflictLockHeld, Key: "/a.go", Owner: "agentA", ExpiresAt: exp, Version: 3})
	assert.Equal(t, map[string]any{
		"reason":     "lock_held",
		"key":        "/a.go",
		"owner":      "agentA",
		"expires_at": int64(1_700_000_000_000),
		"version":    int64(3),
	}, w.Details)
}

func TestToolsListed(t *testing.T) {
	d := newDispatcher(t, Options{})
	var names []string
	for _, tool := range d.Tools() {
		names = append(names, tool.Name)
		assert.Equal(t, "object", tool.InputSchema["type"])
	}
	assert.Equal(t, []string{"deleteAgent", "forceReleaseLock", "lock", "message", "plan", "register", "status"}, names)
}
