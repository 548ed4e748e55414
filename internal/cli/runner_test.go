package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tech-Arch1tect/berth-sub004/internal/api"
	"github.com/Tech-Arch1tect/berth-sub004/internal/testutil"
	"github.com/Tech-Arch1tect/berth-sub004/internal/ttyproto"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

type fakeBerth struct {
	*httptest.Server

	mu         sync.Mutex
	startBody  api.OperationRequest
	authHeader []string
}

func (f *fakeBerth) recordAuth(r *http.Request) {
	f.mu.Lock()
	f.authHeader = append(f.authHeader, r.Header.Get("Authorization"))
	f.mu.Unlock()
}

func (f *fakeBerth) auths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.authHeader...)
}

var operationFrames = []string{
	`{"type":"status","timestamp":"2026-06-01T08:00:00Z","status":{"current":0,"total":1}}`,
	`{"type":"service","timestamp":"2026-06-01T08:00:01Z","service":{"name":"web","action":"Started","duration":"1.2s"}}`,
	`{"type":"service","timestamp":"2026-06-01T08:00:02Z","service":{"name":"web","action":"Healthy"}}`,
	`{"type":"status","timestamp":"2026-06-01T08:00:03Z","status":{"current":1,"total":1}}`,
	`{"type":"complete","timestamp":"2026-06-01T08:00:04Z","message":"up finished"}`,
}

func newFakeBerth(t *testing.T) *fakeBerth {
	t.Helper()
	f := &fakeBerth{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/operation-logs/running", func(w http.ResponseWriter, r *http.Request) {
		f.recordAuth(r)
		_, _ = io.WriteString(w, `[{"operation_id":"op-7","server_id":1,"stack_name":"app","command":"up","start_time":"2026-06-01T08:00:00Z","is_incomplete":true,"message_count":0}]`)
	})
	mux.HandleFunc("/api/servers/1/stacks/app/operations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		f.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&f.startBody)
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"operation_id":"op-7"}`)
	})
	mux.HandleFunc("/api/servers/1/stacks/app/operations/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range operationFrames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
	})
	mux.HandleFunc("/ws/servers/1/stacks/app/operations/op-7", func(w http.ResponseWriter, r *http.Request) {
		f.recordAuth(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, frame := range operationFrames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		testutil.ReadUntilClosed(conn)
	})
	mux.HandleFunc("/api/servers/1/stacks/app/terminal", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"websocket_url":"/ws/terminal","access_token":"tty-tok","stack_name":"app","service":"web","server_name":"local","shell":"/bin/sh"}`)
	})
	mux.HandleFunc("/ws/terminal", func(w http.ResponseWriter, r *http.Request) {
		f.recordAuth(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		reply := func(frame ttyproto.Frame) {
			body, _ := ttyproto.Encode(frame)
			_ = conn.WriteMessage(websocket.TextMessage, body)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := ttyproto.Decode(data, 0)
			if err != nil {
				continue
			}
			switch frame.Type {
			case ttyproto.TypeStart:
				reply(ttyproto.Frame{Type: ttyproto.TypeSuccess, SessionID: "srv-1", RequestID: frame.RequestID})
			case ttyproto.TypeInput:
				reply(ttyproto.Frame{Type: ttyproto.TypeOutput, SessionID: frame.SessionID, Output: []byte("$ " + string(frame.Input))})
				if strings.Contains(string(frame.Input), "exit") {
					code := 3
					reply(ttyproto.Frame{Type: ttyproto.TypeClose, SessionID: frame.SessionID, ExitCode: &code})
				}
			}
		}
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"BERTH_URL", "BERTH_TOKEN", "BERTH_DB", "BERTH_CONFIG"} {
		t.Setenv(k, "")
	}
}

func baseArgs(t *testing.T, srv *fakeBerth, dbPath string) []string {
	return []string{
		"--config", filepath.Join(t.TempDir(), "absent.yaml"),
		"--url", srv.URL,
		"--token", "secret",
		"--db", dbPath,
	}
}

func run(t *testing.T, r *Runner, args ...string) (int, string, string) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r.out, r.errOut = out, errOut
	code := r.Run(context.Background(), args)
	return code, out.String(), errOut.String()
}

func TestOpsListJSONCallsAPI(t *testing.T) {
	clearEnv(t)
	srv := newFakeBerth(t)
	r := NewRunnerWithClient(srv.Client(), nil, nil)
	args := append(baseArgs(t, srv, filepath.Join(t.TempDir(), "state.db")), "ops", "list", "--json")
	code, out, errOut := run(t, r, args...)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, `"operation_id": "op-7"`) {
		t.Fatalf("expected operation JSON, got: %s", out)
	}
	if auths := srv.auths(); len(auths) != 1 || auths[0] != "Bearer secret" {
		t.Fatalf("expected bearer token, got %v", auths)
	}
}

func TestOpsListTable(t *testing.T) {
	clearEnv(t)
	srv := newFakeBerth(t)
	r := NewRunnerWithClient(srv.Client(), nil, nil)
	args := append(baseArgs(t, srv, filepath.Join(t.TempDir(), "state.db")), "ops", "list")
	code, out, errOut := run(t, r, args...)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "OPERATION") || !strings.Contains(out, "op-7") || !strings.Contains(out, "running") {
		t.Fatalf("expected tabular output, got: %s", out)
	}
}

func TestOpsRunSSERendersAggregatedView(t *testing.T) {
	clearEnv(t)
	srv := newFakeBerth(t)
	r := NewRunnerWithClient(srv.Client(), nil, nil)
	args := append(baseArgs(t, srv, filepath.Join(t.TempDir(), "state.db")),
		"ops", "run", "--server", "1", "--stack", "app", "--command", "up", "--sse")
	code, out, errOut := run(t, r, args...)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut)
	}
	for _, want := range []string{"Service web: Started [1.2s]", "Service web: Healthy", "Progress: 1/1", "up finished", "operation completed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestOpsRunFollowsWebSocketAndPersists(t *testing.T) {
	clearEnv(t)
	srv := newFakeBerth(t)
	dbPath := filepath.Join(t.TempDir(), "state.db")
	r := NewRunnerWithClient(srv.Client(), nil, nil)
	args := append(baseArgs(t, srv, dbPath),
		"ops", "run", "--server", "1", "--stack", "app", "--command", "up", "--service", "web")
	code, out, errOut := run(t, r, args...)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "Service web: Healthy") || !strings.Contains(out, "operation op-7 completed") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	srv.mu.Lock()
	body := srv.startBody
	srv.mu.Unlock()
	if body.Command != "up" || len(body.Services) != 1 || body.Services[0] != "web" || body.RequestID == "" {
		t.Fatalf("unexpected start body %+v", body)
	}

	args = append(baseArgs(t, srv, dbPath), "ops", "history")
	code, out, errOut = run(t, r, args...)
	if code != 0 {
		t.Fatalf("history: expected exit 0, got %d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "op-7") || !strings.Contains(out, "completed") {
		t.Fatalf("expected persisted operation, got:\n%s", out)
	}
}

func TestOpsWatchPrintsStateChanges(t *testing.T) {
	clearEnv(t)
	srv := newFakeBerth(t)
	r := NewRunnerWithClient(srv.Client(), nil, nil)
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r.out, r.errOut = &lockedWriter{w: out}, errOut
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	args := append(baseArgs(t, srv, filepath.Join(t.TempDir(), "state.db")), "ops", "watch")
	if code := r.Run(ctx, args); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	text := out.String()
	if !strings.Contains(text, "op-7\tapp\tup\trunning") || !strings.Contains(text, "op-7\tapp\tup\tcompleted") {
		t.Fatalf("expected running then completed lines, got:\n%s", text)
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestOpsRunRequiresFlags(t *testing.T) {
	clearEnv(t)
	srv := newFakeBerth(t)
	r := NewRunnerWithClient(srv.Client(), nil, nil)
	args := append(baseArgs(t, srv, filepath.Join(t.TempDir(), "state.db")), "ops", "run", "--server", "1")
	code, _, errOut := run(t, r, args...)
	if code != 2 || !strings.Contains(errOut, "--stack is required") {
		t.Fatalf("expected usage error, got %d stderr=%s", code, errOut)
	}
}

func TestUnknownCommandIsUsageError(t *testing.T) {
	clearEnv(t)
	r := NewRunner(nil, nil)
	if code, _, _ := run(t, r, "teleport"); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if code, _, _ := run(t, r, "ops", "list", "--bogus"); code != 2 {
		t.Fatalf("expected exit 2 for unknown flag, got %d", code)
	}
	if code, _, _ := run(t, r); code != 2 {
		t.Fatalf("expected exit 2 without a command, got %d", code)
	}
}

func TestTerminalAttachForwardsInputAndExitCode(t *testing.T) {
	clearEnv(t)
	srv := newFakeBerth(t)
	r := NewRunnerWithClient(srv.Client(), nil, nil).WithInput(strings.NewReader("exit\n"))
	args := append(baseArgs(t, srv, filepath.Join(t.TempDir(), "state.db")),
		"terminal", "attach", "--server", "1", "--stack", "app", "--service", "web")
	code, out, errOut := run(t, r, args...)
	if code != 3 {
		t.Fatalf("expected remote exit code 3, got %d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "$ exit") {
		t.Fatalf("expected echoed output, got %q", out)
	}
	found := false
	for _, h := range srv.auths() {
		if h == "Bearer tty-tok" {
			found = true
		}
	}
	if !found {
		t.Fatalf("control connection must use the negotiated token, got %v", srv.auths())
	}
}

func TestTerminalPanelPersists(t *testing.T) {
	clearEnv(t)
	srv := newFakeBerth(t)
	dbPath := filepath.Join(t.TempDir(), "state.db")
	r := NewRunner(nil, nil)

	code, out, errOut := run(t, r, append(baseArgs(t, srv, dbPath), "terminal", "panel")...)
	if code != 0 || !strings.Contains(out, "panel closed height=300") {
		t.Fatalf("unexpected default panel %d %q %s", code, out, errOut)
	}
	code, _, errOut = run(t, r, append(baseArgs(t, srv, dbPath), "terminal", "panel", "--open", "--height", "420")...)
	if code != 0 {
		t.Fatalf("update panel: %d %s", code, errOut)
	}
	_, out, _ = run(t, r, append(baseArgs(t, srv, dbPath), "terminal", "panel")...)
	if !strings.Contains(out, "panel open height=420") {
		t.Fatalf("panel not persisted: %q", out)
	}
	if code, _, _ := run(t, r, append(baseArgs(t, srv, dbPath), "terminal", "panel", "--open", "--closed")...); code != 2 {
		t.Fatalf("expected usage error for conflicting flags, got %d", code)
	}
}
