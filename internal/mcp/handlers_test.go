package mcp

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/hikarudo/engram/internal/engine"
	"github.com/hikarudo/engram/internal/memory"
	"github.com/hikarudo/engram/internal/trigger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "mcp-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	db, err := memory.OpenDB(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := memory.NewStore(db, memory.NewInMemoryRemote(), memory.NewMockEmbedder(0),
		memory.StoreConfig{}, memory.OutboxConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	rules := []trigger.Rule{{
		Name:     "explicit-save",
		Kind:     trigger.KindKeyword,
		Keywords: []string{"remember"},
		Urgent:   true,
	}}
	coord := engine.New(engine.Config{DefaultProject: "app"},
		trigger.NewEngine(rules, 0),
		trigger.NewScorer(trigger.ScoreWeights{}, nil),
		store, nil, nil)
	t.Cleanup(coord.Close)

	return NewServer(coord, nil)
}

func call(t *testing.T, s *Server, method string, params any) (interface{}, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	msg := json.RawMessage(raw)
	return s.handle(context.Background(), nil, &jsonrpc2.Request{Method: method, Params: &msg})
}

func callTool(t *testing.T, s *Server, tool string, args any) (interface{}, error) {
	t.Helper()
	rawArgs, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	return call(t, s, "tools/call", callToolParams{Name: tool, Arguments: rawArgs})
}

// toolPayload decodes the JSON text content of a successful tool result.
func toolPayload(t *testing.T, result interface{}) map[string]any {
	t.Helper()
	res, ok := result.(callToolResult)
	if !ok {
		t.Fatalf("result type %T, want callToolResult", result)
	}
	if res.IsError {
		t.Fatalf("tool returned error result: %s", res.Content[0].Text)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(res.Content[0].Text), &payload); err != nil {
		t.Fatalf("decode tool payload: %v", err)
	}
	return payload
}

func TestInitializeAndListTools(t *testing.T) {
	s := newTestServer(t)

	result, err := call(t, s, "initialize", initializeParams{ProtocolVersion: ProtocolVersion})
	if err != nil {
		t.Fatalf("initialize error = %v", err)
	}
	init, ok := result.(initializeResult)
	if !ok || init.ServerInfo.Name != "engram" {
		t.Errorf("initialize result = %+v", result)
	}

	result, err = call(t, s, "tools/list", map[string]any{})
	if err != nil {
		t.Fatalf("tools/list error = %v", err)
	}
	tools, ok := result.(map[string]any)["tools"].([]Tool)
	if !ok || len(tools) != len(toolCatalogue) {
		t.Errorf("tools/list returned %v", result)
	}
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	_, err := call(t, s, "resources/list", map[string]any{})
	rpcErr, ok := err.(*jsonrpc2.Error)
	if !ok || rpcErr.Code != jsonrpc2.CodeMethodNotFound {
		t.Errorf("error = %v, want method-not-found", err)
	}
}

func TestSaveSearchDeleteRoundTrip(t *testing.T) {
	s := newTestServer(t)

	saved := toolPayload(t, must(callTool(t, s, "save_memory", saveMemoryArgs{
		Content: "the staging cluster lives in eu-west-1",
		Project: "infra",
	})))
	id, _ := saved["id"].(string)
	if id == "" {
		t.Fatal("save_memory returned no id")
	}
	if saved["queued"] != false {
		t.Errorf("queued = %v with healthy remote, want false", saved["queued"])
	}

	found := toolPayload(t, must(callTool(t, s, "search_memories", searchMemoriesArgs{
		Query:   "the staging cluster lives in eu-west-1",
		Project: "infra",
	})))
	matches, _ := found["matches"].([]any)
	if len(matches) != 1 {
		t.Fatalf("search returned %d matches, want 1", len(matches))
	}
	if found["degraded"] != false {
		t.Errorf("degraded = %v, want false", found["degraded"])
	}

	deleted := toolPayload(t, must(callTool(t, s, "delete_memory", deleteMemoryArgs{ID: id})))
	if deleted["deleted"] != true {
		t.Errorf("delete result = %v", deleted)
	}

	again := toolPayload(t, must(callTool(t, s, "search_memories", searchMemoriesArgs{
		Query:   "the staging cluster lives in eu-west-1",
		Project: "infra",
	})))
	if matches, _ := again["matches"].([]any); len(matches) != 0 {
		t.Errorf("search after delete returned %d matches, want 0", len(matches))
	}
}

func TestSaveMemoryValidationIsToolError(t *testing.T) {
	s := newTestServer(t)

	result, err := callTool(t, s, "save_memory", saveMemoryArgs{Content: "", Project: "infra"})
	if err != nil {
		t.Fatalf("validation failure surfaced as protocol error: %v", err)
	}
	res, ok := result.(callToolResult)
	if !ok || !res.IsError {
		t.Errorf("result = %+v, want IsError tool result", result)
	}
}

func TestAnalyzeMessageTool(t *testing.T) {
	s := newTestServer(t)

	result, err := callTool(t, s, "analyze_message", analyzeMessageArgs{
		Text:      "remember that builds run nightly",
		SessionID: "s1",
		Platform:  "cli",
	})
	if err != nil {
		t.Fatalf("analyze_message error = %v", err)
	}
	payload := toolPayload(t, result)
	if payload["action"] != string(trigger.ActionSave) {
		t.Errorf("action = %v, want save_memory", payload["action"])
	}
}

func TestForceSyncAndStatus(t *testing.T) {
	s := newTestServer(t)

	status := toolPayload(t, must(call(t, s, "tools/call", callToolParams{
		Name: "sync_status", Arguments: json.RawMessage(`{}`),
	})))
	if status["pending"] != float64(0) {
		t.Errorf("pending = %v, want 0", status["pending"])
	}
	if status["remote_healthy"] != true {
		t.Errorf("remote_healthy = %v, want true", status["remote_healthy"])
	}

	stats := toolPayload(t, must(call(t, s, "tools/call", callToolParams{
		Name: "force_sync", Arguments: json.RawMessage(`{}`),
	})))
	if stats["processed"] != float64(0) {
		t.Errorf("force_sync processed = %v on empty outbox, want 0", stats["processed"])
	}
}

func must(v interface{}, err error) interface{} {
	if err != nil {
		panic(err)
	}
	return v
}
