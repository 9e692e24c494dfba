package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"runnerd/internal/backend"
	"runnerd/internal/backend/backendtest"
	"runnerd/internal/fetcher"
	"runnerd/internal/serving"
	"runnerd/internal/session"
	"runnerd/pkg/types"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// dataDir returns a data dir whose models dir holds the given weight files.
func dataDir(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	models := filepath.Join(dir, "models")
	if err := os.MkdirAll(models, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(models, f), []byte("gguf"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	want := []string{"serve", "pull", "list", "run", "rm", "show", "ps", "version"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("missing command %q: %v", name, err)
		}
	}
	if cmd, _, _ := root.Find([]string{"ls"}); cmd.Name() != "list" {
		t.Fatalf("ls alias resolved to %q", cmd.Name())
	}
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "runnerd version "+version {
		t.Fatalf("out=%q", out)
	}
}

func TestListShowRemove(t *testing.T) {
	dir := dataDir(t, "tiny-1b-q4_0.gguf", "notes.txt")
	base := []string{"--data-dir", dir, "--log-level", "off"}

	out, err := runCLI(t, append(base, "list")...)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "tiny-1b-q4_0:latest") || !strings.Contains(out, "Q4_0") {
		t.Fatalf("list output:\n%s", out)
	}
	if strings.Contains(out, "notes") {
		t.Fatalf("non-gguf file listed:\n%s", out)
	}

	out, err = runCLI(t, append(base, "show", "tiny-1b-q4_0")...)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, s := range []string{"tiny-1b-q4_0:latest", "1B", "gguf"} {
		if !strings.Contains(out, s) {
			t.Fatalf("show output missing %q:\n%s", s, out)
		}
	}

	if _, err := runCLI(t, append(base, "rm", "tiny-1b-q4_0")...); err != nil {
		t.Fatalf("rm: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "models", "tiny-1b-q4_0.gguf")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("weights still present: %v", err)
	}
	out, err = runCLI(t, append(base, "list")...)
	if err != nil {
		t.Fatalf("list after rm: %v", err)
	}
	if strings.Contains(out, "tiny-1b") {
		t.Fatalf("removed model still listed:\n%s", out)
	}

	if _, err := runCLI(t, append(base, "show", "missing")...); err == nil {
		t.Fatal("show of an unknown model should fail")
	}
}

func TestPs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ps" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(types.ProcessResponse{Models: []types.ProcessModelResponse{{
			Name:           "llama3:latest",
			Size:           2 << 30,
			LoadedAt:       time.Now().Add(-time.Minute),
			ActiveSessions: 2,
		}}})
	}))
	defer srv.Close()

	out, err := runCLI(t, "--data-dir", t.TempDir(), "--log-level", "off", "ps", "--addr", srv.URL)
	if err != nil {
		t.Fatalf("ps: %v", err)
	}
	if !strings.Contains(out, "llama3:latest") || !strings.Contains(out, "2.147GB") {
		t.Fatalf("ps output:\n%s", out)
	}
}

func TestPsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: "boom", Code: 500})
	}))
	defer srv.Close()
	_, err := fetchPs(context.Background(), srv.Client(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err=%v", err)
	}
}

func TestBaseURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:11434":        "http://127.0.0.1:11434",
		"http://localhost:8080/": "http://localhost:8080",
		"https://runner.example": "https://runner.example",
	}
	for in, want := range cases {
		if got := baseURL(in); got != want {
			t.Fatalf("baseURL(%q)=%q want %q", in, got, want)
		}
	}
}

func TestPullProgressLines(t *testing.T) {
	var out bytes.Buffer
	p := newPullProgress(&out)
	p.update(fetcher.Progress{Status: fetcher.StatusResolving})
	p.update(fetcher.Progress{Status: fetcher.StatusDownloading, Total: 10, Completed: 5})
	p.update(fetcher.Progress{Status: fetcher.StatusDownloading, Total: 10, Completed: 10})
	p.update(fetcher.Progress{Status: fetcher.StatusVerifying, Total: 10, Completed: 10})
	p.update(fetcher.Progress{Status: fetcher.StatusSuccess, Total: 10, Completed: 10})
	p.stop()
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%q", lines)
	}
	if lines[0] != fetcher.StatusResolving || !strings.HasPrefix(lines[1], fetcher.StatusVerifying) || !strings.HasPrefix(lines[2], fetcher.StatusSuccess) {
		t.Fatalf("lines=%q", lines)
	}
}

type lines []string

func (l *lines) Next() (string, error) {
	if len(*l) == 0 {
		return "", io.EOF
	}
	s := (*l)[0]
	*l = (*l)[1:]
	return s, nil
}

func TestReplStopsOnExit(t *testing.T) {
	in := &lines{"hello", "  ", "again", "exit", "never"}
	var got []string
	turn := func(ctx context.Context, prompt string, out io.Writer) error {
		got = append(got, prompt)
		return nil
	}
	if err := repl(context.Background(), in, io.Discard, turn); err != nil {
		t.Fatalf("repl: %v", err)
	}
	if strings.Join(got, ",") != "hello,again" {
		t.Fatalf("turns=%v", got)
	}
}

func TestReplEOFAndTurnError(t *testing.T) {
	in := scannerInput{sc: bufio.NewScanner(strings.NewReader("one\ntwo\n"))}
	n := 0
	err := repl(context.Background(), in, io.Discard, func(context.Context, string, io.Writer) error {
		n++
		return nil
	})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}

	boom := errors.New("boom")
	err = repl(context.Background(), &lines{"x", "y"}, io.Discard, func(context.Context, string, io.Writer) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
}

// scriptedStreamer runs real sessions over the scripted backend.
type scriptedStreamer struct {
	ld   *backendtest.Loader
	reqs []serving.Request
}

func (s *scriptedStreamer) GenerateStream(ctx context.Context, req serving.Request) (*serving.Stream, error) {
	s.reqs = append(s.reqs, req)
	h, err := s.ld.Load(ctx, "m", backend.DeviceHint{})
	if err != nil {
		return nil, err
	}
	cfg := backend.DefaultGenerationConfig()
	st := session.Start(ctx, h, backend.Request{Prompt: serving.RenderPrompt(req), Config: cfg}, session.Options{})
	return &serving.Stream{Stream: st, Model: types.ParseModelKey(req.Model)}, nil
}

func TestStreamTurn(t *testing.T) {
	svc := &scriptedStreamer{ld: &backendtest.Loader{}}
	turn := streamTurn(svc, serving.Request{Model: "m", SessionID: "s1"})
	var out bytes.Buffer
	if err := turn(context.Background(), "hello there", &out); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if out.String() != "hellothere\n" {
		t.Fatalf("out=%q", out.String())
	}
	if len(svc.reqs) != 1 || svc.reqs[0].SessionID != "s1" || svc.reqs[0].Prompt != "hello there" {
		t.Fatalf("reqs=%+v", svc.reqs)
	}
}
