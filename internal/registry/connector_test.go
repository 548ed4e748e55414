package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/Tech-Arch1tect/berth-sub004/internal/aggregate"
	"github.com/Tech-Arch1tect/berth-sub004/internal/model"
	"github.com/Tech-Arch1tect/berth-sub004/internal/testutil"
)

func TestWSConnectorStreamsOperationToCompletion(t *testing.T) {
	frames := []string{
		`{"type":"status","timestamp":"2026-06-01T08:00:00Z","status":{"current":0,"total":1}}`,
		`{"type":"service","timestamp":"2026-06-01T08:00:01Z","service":{"name":"web","action":"Started","duration":"1.2s"}}`,
		`{"type":"service","timestamp":"2026-06-01T08:00:02Z","service":{"name":"web","action":"Healthy"}}`,
		`{"type":"status","timestamp":"2026-06-01T08:00:03Z","status":{"current":1,"total":1}}`,
		`{"type":"complete","timestamp":"2026-06-01T08:00:04Z","message":"up finished"}`,
	}
	srv := testutil.NewWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		if r.URL.Path != "/ws/servers/1/stacks/app/operations/op-ws" {
			t.Errorf("unexpected path %s", r.URL.Path)
			return
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		testutil.ReadUntilClosed(conn)
	})

	store, ctx := testutil.NewStore(t)
	connector := &WSConnector{
		URLFor: func(op model.Operation) string {
			return srv.WSURL("/ws/servers/1/stacks/" + op.StackName + "/operations/" + op.OperationID)
		},
		Header:            http.Header{"Authorization": []string{"Bearer tok"}},
		ReconnectInterval: 20 * time.Millisecond,
	}
	r := New(&fakeLister{}, connector, store, Options{})
	defer r.Close()

	agg := aggregate.New(0)
	done := make(chan struct{})
	r.Subscribe(Listener{OnMessage: func(id string, msg model.StreamMessage) {
		agg.ProcessEvent(msg)
		if msg.Type == model.KindComplete {
			close(done)
		}
	}})

	if err := r.AddOperation(testutil.RunningOperation("op-ws", time.Now())); err != nil {
		t.Fatalf("add: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for completion")
	}

	op, _ := r.Get("op-ws")
	if op.IsIncomplete || len(op.Logs) != len(frames) {
		t.Fatalf("unexpected operation %+v", op)
	}
	if r.Streaming("op-ws") {
		t.Fatalf("stream must be released after completion")
	}
	lines := agg.Display()
	want := []string{"Progress: 1/1", "Service web: Healthy", "up finished"}
	if len(lines) != len(want) {
		t.Fatalf("display = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("display = %q, want %q", lines, want)
		}
	}

	var (
		persisted model.Operation
		err       error
	)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if persisted, err = store.GetCompletedOperation(ctx, "op-ws"); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("completed operation not persisted: %v", err)
	}
	if len(persisted.Logs) != len(frames) {
		t.Fatalf("persisted logs = %d", len(persisted.Logs))
	}
	if h := srv.Headers(); len(h) == 0 || h[0].Get("Authorization") != "Bearer tok" {
		t.Fatalf("auth header missing: %+v", h)
	}
}

func TestOperationContextScopesLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(&buf, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})

	cases := []struct {
		name string
		ctx  context.Context
		log  pslog.Logger
	}{
		{"explicit logger", context.Background(), logger},
		{"context logger", pslog.ContextWithLogger(context.Background(), logger), nil},
	}
	for _, tc := range cases {
		buf.Reset()
		ctx := operationContext(tc.ctx, tc.log, "op-ctx")
		pslog.Ctx(ctx).Info("stream opened")

		var entry map[string]any
		if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
			t.Fatalf("%s: decode log line %q: %v", tc.name, buf.String(), err)
		}
		if entry["operation"] != "op-ctx" {
			t.Fatalf("%s: expected operation field, got %+v", tc.name, entry)
		}
	}
}
