package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/iammorganparry/clive/apps/engram/internal/api"
	"github.com/iammorganparry/clive/apps/engram/internal/inference"
	"github.com/iammorganparry/clive/apps/engram/internal/lifecycle"
	"github.com/iammorganparry/clive/apps/engram/internal/mcp"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/scheduler"
	"github.com/iammorganparry/clive/apps/engram/internal/testutil"
)

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *mcp.RPCError   `json:"error"`
}

func runSession(t *testing.T, apiKey string, lines ...string) []rpcResponse {
	t.Helper()
	s := testutil.NewStack(t)
	life := lifecycle.NewEngine(s.Records, s.Graph, s.CoAccess, s.Vectors, s.Writer, s.Trail, s.Config.Lifecycle, s.Logger)
	infer := inference.NewEngine(s.Records, s.Graph, s.Engine, s.Trail, s.Config.Inference, s.Logger)
	sched := scheduler.New(s.Jobs, time.Minute, s.Logger)
	srv := httptest.NewServer(api.NewRouter(s.Service, life, infer, s.Reconciler, sched, apiKey, s.Logger))
	t.Cleanup(srv.Close)

	var out strings.Builder
	server := mcp.NewServer(srv.URL, apiKey, "test", s.Logger)
	if err := server.Run(context.Background(), strings.NewReader(strings.Join(lines, "\n")), &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	var responses []rpcResponse
	sc := bufio.NewScanner(strings.NewReader(out.String()))
	sc.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for sc.Scan() {
		var r rpcResponse
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("decode response %q: %v", sc.Text(), err)
		}
		responses = append(responses, r)
	}
	return responses
}

func toolText(t *testing.T, r rpcResponse) (string, bool) {
	t.Helper()
	var res mcp.CallToolResult
	if err := json.Unmarshal(r.Result, &res); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("content blocks = %d", len(res.Content))
	}
	return res.Content[0].Text, res.IsError
}

func TestHandshakeAndToolList(t *testing.T) {
	resp := runSession(t, "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"nope"}`,
		`not json`,
	)
	if len(resp) != 4 {
		t.Fatalf("responses = %d, want 4 (notification gets none)", len(resp))
	}

	var init mcp.InitializeResult
	if err := json.Unmarshal(resp[0].Result, &init); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if init.ServerInfo.Name != "engram" || init.Capabilities.Tools == nil {
		t.Errorf("initialize = %+v", init)
	}

	var list mcp.ToolsListResult
	if err := json.Unmarshal(resp[1].Result, &list); err != nil {
		t.Fatalf("tools/list: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range list.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"engram_admit", "engram_search", "engram_get", "engram_resolve", "engram_related", "engram_link"} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}

	if resp[2].Error == nil || resp[2].Error.Code != -32601 {
		t.Errorf("unknown method = %+v", resp[2].Error)
	}
	if resp[3].Error == nil || resp[3].Error.Code != -32700 {
		t.Errorf("parse error = %+v", resp[3].Error)
	}
}

func TestToolsDelegateToHTTP(t *testing.T) {
	admit := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"engram_admit","arguments":{` +
		`"type":"learning",` +
		`"content":"Chi middleware order matters: the request id middleware has to run before the logger or every log line loses its correlation id.",` +
		`"details":{"context":"http server setup"},` +
		`"tags":["chi","logging","middleware"],"project":"api"}}}`
	search := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"engram_search","arguments":{"query":"middleware order","mode":"keyword"}}}`
	reject := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"engram_admit","arguments":{"type":"error","content":"x","tags":[]}}}`
	unknown := `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"engram_nope","arguments":{}}}`
	missing := `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"engram_get","arguments":{}}}`

	resp := runSession(t, "key", admit, search, reject, unknown, missing)
	if len(resp) != 5 {
		t.Fatalf("responses = %d", len(resp))
	}

	text, isErr := toolText(t, resp[0])
	if isErr {
		t.Fatalf("admit failed: %s", text)
	}
	var admitted models.AdmitResponse
	if err := json.Unmarshal([]byte(text), &admitted); err != nil || admitted.Record == nil {
		t.Fatalf("admit body %q: %v", text, err)
	}

	text, isErr = toolText(t, resp[1])
	if isErr || !strings.Contains(text, admitted.Record.ID) {
		t.Errorf("search did not find the admitted record: %s", text)
	}

	if text, isErr = toolText(t, resp[2]); !isErr || !strings.Contains(text, "violations") {
		t.Errorf("rejected admit = %v %s", isErr, text)
	}
	if _, isErr = toolText(t, resp[3]); !isErr {
		t.Error("unknown tool should be an in-band error")
	}
	if _, isErr = toolText(t, resp[4]); !isErr {
		t.Error("get without id should be an in-band error")
	}
}
