package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tech-Arch1tect/berth-sub004/internal/api"
	"github.com/Tech-Arch1tect/berth-sub004/internal/model"
)

func TestListRunningOperations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/operation-logs/running", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", got)
		}
		_, _ = io.WriteString(w, `[
			{"operation_id":"op-1","server_id":3,"stack_name":"app","command":"up","start_time":"2026-01-01T10:00:00Z","is_incomplete":true,"message_count":4},
			{"operation_id":"","server_id":3}
		]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client()).WithToken("tok")
	ops, err := client.ListRunningOperations(context.Background())
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected invalid entries skipped, got %+v", ops)
	}
	op := ops[0]
	if op.OperationID != "op-1" || op.ServerID != 3 || !op.IsIncomplete || op.MessageCount != 4 {
		t.Fatalf("unexpected operation %+v", op)
	}
}

func TestListRunningOperationsEmptyArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()
	ops, err := NewWithClient(srv.URL, srv.Client()).ListRunningOperations(context.Background())
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("expected no operations, got %+v", ops)
	}
}

func TestRequestErrorDecoding(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		code      string
		message   string
		retryable bool
	}{
		{"structured", http.StatusBadGateway, `{"error":{"code":"E_UPSTREAM","message":"boom"}}`, "E_UPSTREAM", "boom", true},
		{"string", http.StatusForbidden, `{"error":"forbidden stack"}`, "", "forbidden stack", false},
		{"plain", http.StatusTooManyRequests, `slow down`, "HTTP_429", "slow down", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := NewWithClient(srv.URL, srv.Client()).ListRunningOperations(context.Background())
			var reqErr *RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("expected RequestError, got %v", err)
			}
			if reqErr.StatusCode != tc.status || reqErr.Code != tc.code || reqErr.Message != tc.message {
				t.Fatalf("unexpected request error %+v", reqErr)
			}
			if reqErr.Retryable() != tc.retryable {
				t.Fatalf("retryable=%v, want %v", reqErr.Retryable(), tc.retryable)
			}
		})
	}
}

func TestStartOperation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/servers/7/stacks/my-app/operations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var req api.OperationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.Command != "restart" || len(req.Services) != 1 || req.Services[0] != "web" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = io.WriteString(w, `{"operation_id":"op-42"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	id, err := NewWithClient(srv.URL, srv.Client()).StartOperation(context.Background(), 7, "my-app", api.OperationRequest{Command: "restart", Services: []string{"web"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != "op-42" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestStartOperationRequiresCommand(t *testing.T) {
	_, err := NewWithClient("http://127.0.0.1:1", nil).StartOperation(context.Background(), 1, "app", api.OperationRequest{})
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNegotiateTerminalResolvesRelativeURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/servers/2/stacks/app/terminal", func(w http.ResponseWriter, r *http.Request) {
		var req api.TerminalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.ServiceName != "web" || req.Container != "web-1" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = io.WriteString(w, `{"websocket_url":"/ws/terminal","access_token":"abc","stack_name":"app","service":"web","server_name":"prod","shell":"/bin/sh"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	neg, err := NewWithClient(srv.URL, srv.Client()).NegotiateTerminal(context.Background(), api.TerminalRequest{
		ServerID: 2, StackName: "app", ServiceName: "web", Container: "web-1",
	})
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	want := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/terminal"
	if neg.WebSocketURL != want {
		t.Fatalf("websocket url = %q, want %q", neg.WebSocketURL, want)
	}
	if neg.AccessToken != "abc" || neg.Shell != "/bin/sh" {
		t.Fatalf("unexpected negotiation %+v", neg)
	}
}

func TestOperationStreamURL(t *testing.T) {
	c := NewWithClient("https://berth.example.test/", nil)
	got := c.OperationStreamURL(4, "my stack", "op-1")
	want := "wss://berth.example.test/ws/servers/4/stacks/my%20stack/operations/op-1"
	if got != want {
		t.Fatalf("stream url = %q, want %q", got, want)
	}
}

func TestWithStreamBaseURLOverridesDerivedBase(t *testing.T) {
	c := NewWithClient("https://berth.example.test", nil).WithStreamBaseURL("wss://ws.example.test/")
	got := c.OperationStreamURL(1, "app", "op-2")
	if got != "wss://ws.example.test/ws/servers/1/stacks/app/operations/op-2" {
		t.Fatalf("unexpected stream url %q", got)
	}
}

func TestStreamOperationDeliversUntilComplete(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/servers/1/stacks/app/operations/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("unexpected accept %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"type":"status","timestamp":"2026-01-01T00:00:00Z","status":{"current":1,"total":2}}`,
			`not json`,
			`{"type":"service","timestamp":"2026-01-01T00:00:01Z","service":{"name":"web","action":"Started"}}`,
			`{"type":"complete","timestamp":"2026-01-01T00:00:02Z","message":"done"}`,
			`{"type":"log","timestamp":"2026-01-01T00:00:03Z","message":"after complete"}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var got []model.StreamMessage
	err := NewWithClient(srv.URL, srv.Client()).StreamOperation(context.Background(), 1, "app", api.OperationRequest{Command: "up"}, func(msg model.StreamMessage) error {
		got = append(got, msg)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(got), got)
	}
	if got[1].Type != model.KindLog || !strings.HasPrefix(got[1].Message, "dropped malformed frame:") {
		t.Fatalf("malformed frame not recorded as log: %+v", got[1])
	}
	if got[3].Type != model.KindComplete {
		t.Fatalf("expected complete last, got %+v", got[3])
	}
}

func TestStreamOperationTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"log\",\"message\":\"working\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewWithClient(srv.URL, srv.Client()).WithStreamTimeout(100 * time.Millisecond)
	var seen int
	err := client.StreamOperation(context.Background(), 1, "app", api.OperationRequest{Command: "up"}, func(model.StreamMessage) error {
		seen++
		return nil
	})
	if !errors.Is(err, ErrStreamTimeout) {
		t.Fatalf("expected ErrStreamTimeout, got %v", err)
	}
	if seen != 1 {
		t.Fatalf("expected one message before timeout, got %d", seen)
	}
}

func TestStreamOperationCallerCancelIsNotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := NewWithClient(srv.URL, srv.Client()).StreamOperation(ctx, 1, "app", api.OperationRequest{Command: "up"}, nil)
	if err == nil || errors.Is(err, ErrStreamTimeout) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}
