package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"runnerd/internal/fetcher"
	"runnerd/internal/manager"
	"runnerd/pkg/types"
)

func ndjsonLines(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestGenerateStreamsByDefault(t *testing.T) {
	svc := newFakeService()
	svc.loader.Script = scripted("a", "b")
	rec := do(t, NewMux(svc), http.MethodPost, "/api/generate", `{"model":"m","prompt":"why","session_id":"s1","options":{"num_predict":8,"top_k":5}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%q", ct)
	}
	lines := ndjsonLines(t, rec.Body.String())
	if len(lines) != 3 {
		t.Fatalf("expected 3 ndjson lines, got %d: %s", len(lines), rec.Body.String())
	}
	if lines[0]["response"] != "a" || lines[1]["response"] != "b" || lines[0]["done"] != false {
		t.Fatalf("fragments=%v", lines[:2])
	}
	last := lines[2]
	if last["done"] != true || last["done_reason"] != "stop" || last["model"] != "m:latest" {
		t.Fatalf("final=%v", last)
	}
	ctx, _ := last["context"].([]any)
	if len(ctx) != 3 || last["eval_count"].(float64) != 2 || last["prompt_eval_count"].(float64) != 1 {
		t.Fatalf("final=%v", last)
	}

	req := svc.requests[0]
	if req.SessionID != "s1" || *req.Options.MaxOutputTokens != 8 || *req.Options.TopK != 5 {
		t.Fatalf("request=%+v", req)
	}
}

func TestGenerateNonStreaming(t *testing.T) {
	svc := newFakeService()
	svc.loader.Script = scripted("blue", " light")
	rec := do(t, NewMux(svc), http.MethodPost, "/api/generate", `{"model":"m","prompt":"sky","system":"short","context":[4,5],"stream":false}`)
	var resp types.GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Response != "blue light" || !resp.Done || resp.DoneReason != "stop" || resp.EvalCount != 2 {
		t.Fatalf("resp=%+v", resp)
	}
	// Explicit context is passed through and prefixes the returned one.
	if len(resp.Context) < 2 || resp.Context[0] != 4 || resp.Context[1] != 5 {
		t.Fatalf("context=%v", resp.Context)
	}
	if svc.requests[0].System != "short" {
		t.Fatalf("system prompt dropped: %+v", svc.requests[0])
	}
}

func TestGenerateEmptyPromptLoads(t *testing.T) {
	svc := newFakeService()
	rec := do(t, NewMux(svc), http.MethodPost, "/api/generate", `{"model":"llama3"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp types.GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !resp.Done || resp.DoneReason != "load" || resp.LoadDuration != (2*time.Millisecond).Nanoseconds() || resp.Model != "llama3:latest" {
		t.Fatalf("resp=%+v", resp)
	}
	if len(svc.loads) != 1 || svc.loads[0] != "llama3" || len(svc.requests) != 0 {
		t.Fatalf("loads=%v requests=%d", svc.loads, len(svc.requests))
	}
}

func TestChatEmptyMessagesLoads(t *testing.T) {
	svc := newFakeService()
	rec := do(t, NewMux(svc), http.MethodPost, "/api/chat", `{"model":"llama3","messages":[]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp types.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !resp.Done || resp.DoneReason != "load" || resp.Model != "llama3:latest" || resp.Message.Role != "assistant" {
		t.Fatalf("resp=%+v", resp)
	}
	if len(svc.loads) != 1 || len(svc.requests) != 0 {
		t.Fatalf("loads=%v requests=%d", svc.loads, len(svc.requests))
	}
}

func TestGenerateErrors(t *testing.T) {
	svc := newFakeService()
	svc.genErr = manager.ErrModelNotFound(types.ParseModelKey("nope"))
	rec := do(t, NewMux(svc), http.MethodPost, "/api/generate", `{"model":"nope","prompt":"x"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != http.StatusNotFound || !strings.Contains(body.Error, "nope") {
		t.Fatalf("body=%+v", body)
	}

	svc = newFakeService()
	rec = do(t, NewMux(svc), http.MethodPost, "/api/generate", `{"model":"","prompt":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty model status=%d", rec.Code)
	}
}

func TestGenerateStreamErrorInBand(t *testing.T) {
	svc := newFakeService()
	svc.loader.Endless = true
	svc.loader.FailAfter = 2
	svc.loader.StepErr = errBoom
	rec := do(t, NewMux(svc), http.MethodPost, "/api/generate", `{"model":"m","prompt":"x"}`)
	lines := ndjsonLines(t, rec.Body.String())
	if len(lines) != 3 || lines[2]["error"] != "boom" {
		t.Fatalf("lines=%v", lines)
	}
}

func TestChatStream(t *testing.T) {
	svc := newFakeService()
	svc.loader.Script = scripted("Hi")
	rec := do(t, NewMux(svc), http.MethodPost, "/api/chat",
		`{"model":"m","messages":[{"role":"system","content":"be kind"},{"role":"user","content":"hello"}]}`)
	lines := ndjsonLines(t, rec.Body.String())
	if len(lines) != 2 {
		t.Fatalf("lines=%v", lines)
	}
	msg := lines[0]["message"].(map[string]any)
	if msg["role"] != "assistant" || msg["content"] != "Hi" {
		t.Fatalf("message=%v", msg)
	}
	if lines[1]["done"] != true || lines[1]["done_reason"] != "stop" {
		t.Fatalf("final=%v", lines[1])
	}
	if got := svc.requests[0].Messages; len(got) != 2 || got[0].Role != "system" {
		t.Fatalf("messages=%+v", got)
	}
}

func TestChatNonStreaming(t *testing.T) {
	svc := newFakeService()
	svc.loader.Script = scripted("fine")
	rec := do(t, NewMux(svc), http.MethodPost, "/api/chat", `{"model":"m","messages":[{"role":"user","content":"how are you"}],"stream":false}`)
	var resp types.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Message.Content != "fine" || !resp.Done {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestTagsShowDelete(t *testing.T) {
	svc := newFakeService()
	entry := types.CatalogEntry{Name: "llama3", Tag: "8b", Path: "/m/llama3-8b.gguf", Size: 4 << 30, Digest: "sha256:ab",
		Format: "gguf", Family: "llama", ParameterSize: "8B", QuantizationLevel: "Q4_K_M"}
	svc.models = []types.CatalogEntry{entry}
	svc.resident = []*manager.ResidentModel{{Key: entry.Key(), Entry: entry, LoadedAt: time.Unix(1700000000, 0)}}
	svc.active = []int{1}
	h := NewMux(svc)

	var tags types.TagsResponse
	if err := json.Unmarshal(do(t, h, http.MethodGet, "/api/tags", "").Body.Bytes(), &tags); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(tags.Models) != 1 || tags.Models[0].Name != "llama3:8b" || tags.Models[0].Details.QuantizationLevel != "Q4_K_M" {
		t.Fatalf("tags=%+v", tags)
	}

	var show types.ShowResponse
	rec := do(t, h, http.MethodPost, "/api/show", `{"name":"llama3:8b"}`)
	if err := json.Unmarshal(rec.Body.Bytes(), &show); err != nil {
		t.Fatalf("json: %v", err)
	}
	if show.Name != "llama3:8b" || !show.Resident || show.Details.Family != "llama" {
		t.Fatalf("show=%+v", show)
	}
	if rec := do(t, h, http.MethodPost, "/api/show", `{"model":"missing"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("show missing status=%d", rec.Code)
	}

	var ps types.ProcessResponse
	if err := json.Unmarshal(do(t, h, http.MethodGet, "/api/ps", "").Body.Bytes(), &ps); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(ps.Models) != 1 || ps.Models[0].ActiveSessions != 1 || ps.Models[0].Size != 4<<30 {
		t.Fatalf("ps=%+v", ps)
	}

	if rec := do(t, h, http.MethodDelete, "/api/delete", `{"model":"llama3:8b"}`); rec.Code != http.StatusOK {
		t.Fatalf("delete status=%d", rec.Code)
	}
	if len(svc.deleted) != 1 || svc.deleted[0] != "llama3:8b" {
		t.Fatalf("deleted=%v", svc.deleted)
	}
	svc.deleteErr = manager.ModelBusyError{Key: entry.Key(), Active: 1}
	if rec := do(t, h, http.MethodDelete, "/api/delete", `{"model":"llama3:8b"}`); rec.Code != http.StatusConflict {
		t.Fatalf("busy delete status=%d", rec.Code)
	}
}

func TestPullStreamsProgress(t *testing.T) {
	svc := newFakeService()
	svc.progress = []fetcher.Progress{
		{Status: fetcher.StatusResolving},
		{Status: fetcher.StatusDownloading, Total: 10, Completed: 5},
		{Status: fetcher.StatusSuccess, Digest: "sha256:00", Total: 10, Completed: 10},
	}
	rec := do(t, NewMux(svc), http.MethodPost, "/api/pull", `{"name":"TheBloke/Foo-GGUF"}`)
	lines := ndjsonLines(t, rec.Body.String())
	if len(lines) != 3 || lines[1]["completed"].(float64) != 5 || lines[2]["status"] != "success" {
		t.Fatalf("lines=%v", lines)
	}
	if svc.pulled[0] != "TheBloke/Foo-GGUF" {
		t.Fatalf("pulled=%v", svc.pulled)
	}
}

func TestPullErrors(t *testing.T) {
	svc := newFakeService()
	svc.pullErr = errBoom
	rec := do(t, NewMux(svc), http.MethodPost, "/api/pull", `{"model":"x"}`)
	lines := ndjsonLines(t, rec.Body.String())
	if lines[len(lines)-1]["error"] != "boom" {
		t.Fatalf("lines=%v", lines)
	}

	rec = do(t, NewMux(svc), http.MethodPost, "/api/pull", `{"model":"x","stream":false}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rec.Code)
	}
	if rec := do(t, NewMux(svc), http.MethodPost, "/api/pull", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing model status=%d", rec.Code)
	}
}

func TestVersion(t *testing.T) {
	SetVersion("0.9.0")
	defer SetVersion("dev")
	var v types.VersionResponse
	if err := json.Unmarshal(do(t, NewMux(newFakeService()), http.MethodGet, "/api/version", "").Body.Bytes(), &v); err != nil {
		t.Fatalf("json: %v", err)
	}
	if v.Version != "0.9.0" {
		t.Fatalf("version=%q", v.Version)
	}
}
