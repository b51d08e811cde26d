package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/opal-dev/opal/pkg/agent"
	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/store"
	"github.com/opal-dev/opal/pkg/tools"
)

// scriptProvider streams a fixed text response for every call.
type scriptProvider struct {
	text string
}

func (p *scriptProvider) Name() string { return "fake" }

func (p *scriptProvider) Stream(_ context.Context, _ ai.Model, _ ai.Context, _ ai.StreamOptions) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	ch := make(chan ai.StreamEvent, 4)
	ch <- ai.StreamEvent{Type: ai.StreamTextStart}
	ch <- ai.StreamEvent{Type: ai.StreamTextDelta, Delta: p.text}
	ch <- ai.StreamEvent{Type: ai.StreamResponseDone}
	close(ch)
	return ch, func() (*ai.AssistantMessage, error) {
		return &ai.AssistantMessage{StopReason: ai.StopReasonStop}, nil
	}
}

// rig runs a server over in-memory pipes and reads frames with a timeout.
type rig struct {
	t      *testing.T
	in     *io.PipeWriter
	frames chan map[string]any
	srv    *Server
}

func newRig(t *testing.T, mutate func(*Options)) *rig {
	t.Helper()
	sup := agent.NewSupervisor(tools.NewRegistry(), nil, nil)
	opts := Options{
		Supervisor: sup,
		Resolver:   func(string) (ai.Provider, error) { return &scriptProvider{text: "hello"}, nil },
		WorkingDir: t.TempDir(),
		NodeName:   "test-node",
		Version:    "0.0.0-test",
	}
	if mutate != nil {
		mutate(&opts)
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	srv := NewServer(opts)
	go srv.Serve(context.Background(), inR, outW)

	frames := make(chan map[string]any, 64)
	go func() {
		sc := bufio.NewReader(outR)
		for {
			line, err := sc.ReadString('\n')
			if err != nil {
				close(frames)
				return
			}
			var m map[string]any
			if json.Unmarshal([]byte(line), &m) == nil {
				frames <- m
			}
		}
	}()

	t.Cleanup(func() {
		inW.Close()
		sup.CloseAll()
	})
	return &rig{t: t, in: inW, frames: frames, srv: srv}
}

func (r *rig) send(line string) {
	r.t.Helper()
	if _, err := io.WriteString(r.in, line+"\n"); err != nil {
		r.t.Fatalf("send: %v", err)
	}
}

func (r *rig) call(id int, method string, params any) {
	r.t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	data, _ := json.Marshal(req)
	r.send(string(data))
}

// next returns the next frame matching pred within the deadline.
func (r *rig) next(pred func(map[string]any) bool) map[string]any {
	r.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-r.frames:
			if !ok {
				r.t.Fatal("output closed before expected frame")
			}
			if pred(m) {
				return m
			}
		case <-deadline:
			r.t.Fatal("timed out waiting for frame")
		}
	}
}

func (r *rig) response(id int) map[string]any {
	return r.next(func(m map[string]any) bool {
		got, ok := m["id"].(float64)
		return ok && int(got) == id
	})
}

func (r *rig) result(id int) map[string]any {
	r.t.Helper()
	resp := r.response(id)
	if resp["error"] != nil {
		r.t.Fatalf("unexpected rpc error: %v", resp["error"])
	}
	res, _ := resp["result"].(map[string]any)
	return res
}

func (r *rig) event(typ string) map[string]any {
	return r.next(func(m map[string]any) bool {
		if m["method"] != "agent/event" {
			return false
		}
		params, _ := m["params"].(map[string]any)
		return params["type"] == typ
	})
}

func errCode(resp map[string]any) int {
	e, _ := resp["error"].(map[string]any)
	code, _ := e["code"].(float64)
	return int(code)
}

// ---------------------------------------------------------------------------

func TestPingVersionUnknownMethod(t *testing.T) {
	r := newRig(t, nil)

	r.call(1, "opal/ping", nil)
	if res := r.result(1); res["pong"] != true {
		t.Fatalf("ping: %v", res)
	}

	r.call(2, "opal/version", nil)
	res := r.result(2)
	if res["version"] != "0.0.0-test" || res["node_name"] != "test-node" {
		t.Fatalf("version: %v", res)
	}

	r.call(3, "opal/frobnicate", nil)
	if code := errCode(r.response(3)); code != CodeMethodNotFound {
		t.Fatalf("expected -32601, got %d", code)
	}
}

func TestMalformedLineKeepsTransportUsable(t *testing.T) {
	r := newRig(t, nil)

	r.send(`{"jsonrpc":"2.0","id":1,`)
	resp := r.next(func(m map[string]any) bool { return m["error"] != nil })
	if resp["id"] != nil {
		t.Fatalf("parse error must carry id null, got %v", resp["id"])
	}
	if code := errCode(resp); code != CodeParseError {
		t.Fatalf("expected -32700, got %d", code)
	}

	r.call(2, "opal/ping", nil)
	if res := r.result(2); res["pong"] != true {
		t.Fatalf("transport unusable after parse error: %v", res)
	}
}

func TestSessionLifecycle(t *testing.T) {
	r := newRig(t, nil)

	r.call(1, "session/start", map[string]any{"session": false, "model": "fake:toy"})
	res := r.result(1)
	sid, _ := res["session_id"].(string)
	if sid == "" {
		t.Fatalf("missing session_id: %v", res)
	}
	if res["node_name"] != "test-node" {
		t.Fatalf("missing node_name: %v", res)
	}
	if _, ok := res["auth"].(map[string]any); !ok {
		t.Fatalf("missing auth block: %v", res)
	}

	r.call(2, "agent/prompt", map[string]any{"session_id": sid, "text": "hi"})
	r.result(2)

	delta := r.event("message_delta")
	params := delta["params"].(map[string]any)
	if params["session_id"] != sid || params["delta"] != "hello" {
		t.Fatalf("bad delta params: %v", params)
	}
	r.event("agent_end")

	r.call(3, "agent/state", map[string]any{"session_id": sid})
	state := r.result(3)
	if state["status"] != "idle" {
		t.Fatalf("expected idle after agent_end, got %v", state["status"])
	}
	if state["model"] != "fake:toy" {
		t.Fatalf("state model: %v", state["model"])
	}

	r.call(4, "session/close", map[string]any{"session_id": sid})
	if res := r.result(4); res["closed"] != true {
		t.Fatalf("close: %v", res)
	}
	r.call(5, "session/close", map[string]any{"session_id": sid})
	if code := errCode(r.response(5)); code != CodeServerError {
		t.Fatalf("double close should fail with -32000, got %d", code)
	}
}

func TestPromptWhileBusySteers(t *testing.T) {
	r := newRig(t, func(o *Options) {
		o.Resolver = func(string) (ai.Provider, error) {
			return &slowProvider{}, nil
		}
	})

	r.call(1, "session/start", map[string]any{"model": "fake:toy"})
	sid := r.result(1)["session_id"].(string)

	r.call(2, "agent/prompt", map[string]any{"session_id": sid, "text": "first"})
	r.result(2)
	r.call(3, "agent/prompt", map[string]any{"session_id": sid, "text": "second"})
	res := r.result(3)
	if res["queued"] != true {
		t.Fatalf("second prompt should queue as a steer: %v", res)
	}
	r.call(4, "agent/abort", map[string]any{"session_id": sid})
	r.result(4)
}

// slowProvider holds its stream open until the context is canceled.
type slowProvider struct{}

func (p *slowProvider) Name() string { return "fake" }

func (p *slowProvider) Stream(ctx context.Context, _ ai.Model, _ ai.Context, _ ai.StreamOptions) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	ch := make(chan ai.StreamEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, func() (*ai.AssistantMessage, error) {
		return nil, ai.Permanent(fmt.Errorf("canceled"))
	}
}

func TestModelAndThinkingSet(t *testing.T) {
	r := newRig(t, nil)

	r.call(1, "session/start", map[string]any{"model": "fake:toy"})
	sid := r.result(1)["session_id"].(string)

	r.call(2, "model/set", map[string]any{"session_id": sid, "model": "fake:other"})
	if res := r.result(2); res["model"] != "fake:other" {
		t.Fatalf("model/set: %v", res)
	}

	r.call(3, "thinking/set", map[string]any{"session_id": sid, "level": "high"})
	if res := r.result(3); res["level"] != "high" {
		t.Fatalf("thinking/set: %v", res)
	}
	r.call(4, "thinking/set", map[string]any{"session_id": sid, "level": "extreme"})
	if code := errCode(r.response(4)); code != CodeInvalidParams {
		t.Fatalf("bad level should be -32602, got %d", code)
	}
}

func TestModelsList(t *testing.T) {
	r := newRig(t, nil)
	r.call(1, "models/list", nil)
	res := r.result(1)
	list, _ := res["models"].([]any)
	if len(list) == 0 {
		t.Fatal("expected a non-empty model registry")
	}
	first, _ := list[0].(map[string]any)
	if first["context_window"] == nil || first["id"] == nil {
		t.Fatalf("model entry missing fields: %v", first)
	}
}

func TestSettingsAndAuth(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r := newRig(t, func(o *Options) { o.Store = st })

	r.call(1, "settings/save", map[string]any{"default_model": "fake:toy"})
	r.result(1)
	r.call(2, "settings/get", nil)
	if res := r.result(2); res["default_model"] != "fake:toy" {
		t.Fatalf("settings: %v", res)
	}

	r.call(3, "auth/login", map[string]any{"provider": "anthropic"})
	login := r.result(3)
	loginID, _ := login["login_id"].(string)
	if loginID == "" || login["method"] != "api_key" {
		t.Fatalf("login: %v", login)
	}

	r.call(4, "auth/poll", map[string]any{"login_id": loginID})
	if res := r.result(4); res["status"] != "pending" {
		t.Fatalf("poll before key: %v", res)
	}

	r.call(5, "auth/set_key", map[string]any{"provider": "anthropic", "api_key": "sk-test"})
	r.result(5)

	r.call(6, "auth/poll", map[string]any{"login_id": loginID})
	if res := r.result(6); res["status"] != "complete" {
		t.Fatalf("poll after key: %v", res)
	}

	r.call(7, "auth/status", nil)
	status := r.result(7)
	providers, _ := status["providers"].(map[string]any)
	anthropic, _ := providers["anthropic"].(map[string]any)
	if anthropic["configured"] != true {
		t.Fatalf("auth status: %v", status)
	}
}

func TestAskRoundTrip(t *testing.T) {
	r := newRig(t, nil)

	type askResult struct {
		out map[string]any
		err error
	}
	done := make(chan askResult, 1)
	go func() {
		out, err := r.srv.Ask(context.Background(), "client/ask_user", map[string]any{"question": "ok?"})
		done <- askResult{out, err}
	}()

	req := r.next(func(m map[string]any) bool { return m["method"] == "client/ask_user" })
	id, _ := req["id"].(string)
	if !strings.HasPrefix(id, "s2c-") {
		t.Fatalf("server request id must be s2c-<n>, got %q", id)
	}
	r.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{"answer":"yes"}}`, id))

	res := <-done
	if res.err != nil || res.out["answer"] != "yes" {
		t.Fatalf("ask: %v %v", res.out, res.err)
	}
}

func TestAskHandlerError(t *testing.T) {
	r := newRig(t, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.srv.Ask(context.Background(), "client/confirm", map[string]any{"question": "sure?"})
		done <- err
	}()

	req := r.next(func(m map[string]any) bool { return m["method"] == "client/confirm" })
	id, _ := req["id"].(string)
	r.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":-32000,"message":"no handler"}}`, id))

	err := <-done
	if err == nil || !strings.Contains(err.Error(), "no handler") {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestAskRejectsUnknownMethod(t *testing.T) {
	r := newRig(t, nil)
	if _, err := r.srv.Ask(context.Background(), "client/reboot", nil); err == nil {
		t.Fatal("unknown s2c method must be rejected")
	}
}

func TestEventParamsRoundTrip(t *testing.T) {
	ev := agent.Event{
		Type:      agent.EventToolExecutionEnd,
		SessionID: "s1",
		Tool:      "shell",
		CallID:    "c1",
		Result:    &agent.ToolResultInfo{OK: true, Output: "done"},
	}
	params := eventParams(ev)
	if params["session_id"] != "s1" || params["type"] != "tool_execution_end" {
		t.Fatalf("required fields missing: %v", params)
	}

	// Encoding the params and decoding them again must be the identity.
	data, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(params, decoded) {
		t.Fatalf("round trip not identity:\n%v\n%v", params, decoded)
	}
}

func TestConfigGetSet(t *testing.T) {
	cfg := &agent.FileConfig{Provider: "fake", Model: "toy"}
	r := newRig(t, func(o *Options) { o.Config = cfg })

	r.call(1, "opal/config/get", nil)
	if res := r.result(1); res["provider"] != "fake" {
		t.Fatalf("config/get: %v", res)
	}

	r.call(2, "opal/config/set", map[string]any{"model": "bigger-toy"})
	if res := r.result(2); res["model"] != "bigger-toy" || res["provider"] != "fake" {
		t.Fatalf("config/set should merge: %v", res)
	}
}
