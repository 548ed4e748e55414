package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Tech-Arch1tect/berth-sub004/internal/db"
	"github.com/Tech-Arch1tect/berth-sub004/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "berth-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// CompletedOperation builds a finished operation whose start time is offset
// minutes after base.
func CompletedOperation(id string, base time.Time, offset int) model.Operation {
	start := base.Add(time.Duration(offset) * time.Minute).UTC()
	last := start.Add(30 * time.Second)
	return model.Operation{
		OperationID:   id,
		ServerID:      1,
		StackName:     "app",
		Command:       "up",
		StartTime:     start,
		LastMessageAt: &last,
		IsIncomplete:  false,
		MessageCount:  2,
		Summary:       "done",
		Logs: []model.StreamMessage{
			{Type: model.KindLog, Timestamp: start, Message: fmt.Sprintf("%s started", id)},
			{Type: model.KindComplete, Timestamp: last, Message: "done"},
		},
	}
}

func RunningOperation(id string, start time.Time) model.Operation {
	return model.Operation{
		OperationID:  id,
		ServerID:     1,
		StackName:    "app",
		Command:      "up",
		StartTime:    start.UTC(),
		IsIncomplete: true,
	}
}
