package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/Tech-Arch1tect/berth-sub004/internal/model"
	"github.com/Tech-Arch1tect/berth-sub004/internal/security"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrIncomplete = errors.New("operation is incomplete")
)

var (
	logEncoder *zstd.Encoder
	logDecoder *zstd.Decoder
)

func init() {
	var err error
	logEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("db: zstd encoder: " + err.Error())
	}
	logDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("db: zstd decoder: " + err.Error())
	}
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMigrated opens the store at path and applies pending migrations.
func OpenMigrated(ctx context.Context, path string) (*Store, error) {
	store, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, store.db); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// SaveCompletedOperations upserts ops and then trims the table to the keep
// most recent rows (no trim when keep <= 0). Rows written by other processes
// sharing the file are kept unless they fall outside keep. Logs are redacted
// and stored zstd-compressed.
func (s *Store) SaveCompletedOperations(ctx context.Context, ops []model.Operation, keep int) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
		if op.IsIncomplete {
			return fmt.Errorf("persist %s: %w", op.OperationID, ErrIncomplete)
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save completed operations: %w", err)
	}
	if err := upsertCompleted(ctx, tx, ops, keep); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit completed operations: %w", err)
	}
	return nil
}

func upsertCompleted(ctx context.Context, tx *sql.Tx, ops []model.Operation, keep int) error {
	for _, op := range ops {
		opJSON, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("marshal operation %s: %w", op.OperationID, err)
		}
		logs, err := compressLogs(op.Logs)
		if err != nil {
			return fmt.Errorf("compress logs %s: %w", op.OperationID, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO completed_operations(operation_id, operation_json, logs_zstd, completed_at, failed)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(operation_id) DO UPDATE SET
	operation_json=excluded.operation_json,
	logs_zstd=excluded.logs_zstd,
	completed_at=excluded.completed_at,
	failed=excluded.failed
`, op.OperationID, string(opJSON), logs, ts(op.SortTime()), boolToInt(op.Failed))
		if err != nil {
			return fmt.Errorf("upsert completed operation %s: %w", op.OperationID, err)
		}
	}
	if keep <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
DELETE FROM completed_operations
WHERE operation_id NOT IN (
	SELECT operation_id FROM completed_operations
	ORDER BY completed_at DESC, operation_id ASC
	LIMIT ?
)`, keep)
	if err != nil {
		return fmt.Errorf("trim completed operations: %w", err)
	}
	return nil
}

// DeleteCompletedOperation removes one persisted operation. Deleting an
// unknown id is not an error.
func (s *Store) DeleteCompletedOperation(ctx context.Context, operationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM completed_operations WHERE operation_id = ?`, strings.TrimSpace(operationID)); err != nil {
		return fmt.Errorf("delete completed operation %s: %w", operationID, err)
	}
	return nil
}

// ListCompletedOperations returns persisted operations, most recent first.
// A non-positive limit returns every row.
func (s *Store) ListCompletedOperations(ctx context.Context, limit int) ([]model.Operation, error) {
	query := `SELECT operation_id, operation_json, logs_zstd, failed FROM completed_operations ORDER BY completed_at DESC, operation_id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list completed operations: %w", err)
	}
	defer rows.Close()

	out := []model.Operation{}
	for rows.Next() {
		var (
			id     string
			opJSON string
			logs   []byte
			failed int
		)
		if err := rows.Scan(&id, &opJSON, &logs, &failed); err != nil {
			return nil, fmt.Errorf("scan completed operation: %w", err)
		}
		var op model.Operation
		if err := json.Unmarshal([]byte(opJSON), &op); err != nil {
			return nil, fmt.Errorf("decode operation %s: %w", id, err)
		}
		op.OperationID = id
		op.IsIncomplete = false
		op.Failed = op.Failed || failed != 0
		op.Logs, err = decompressLogs(logs)
		if err != nil {
			return nil, fmt.Errorf("decode logs %s: %w", id, err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completed operations: %w", err)
	}
	return out, nil
}

func (s *Store) GetCompletedOperation(ctx context.Context, operationID string) (model.Operation, error) {
	ops, err := s.ListCompletedOperations(ctx, 0)
	if err != nil {
		return model.Operation{}, err
	}
	for _, op := range ops {
		if op.OperationID == strings.TrimSpace(operationID) {
			return op, nil
		}
	}
	return model.Operation{}, ErrNotFound
}

// LoadPanelPrefs returns the stored terminal panel preference, or the
// defaults when nothing has been saved yet.
func (s *Store) LoadPanelPrefs(ctx context.Context) (model.PanelPrefs, error) {
	var (
		isOpen int
		height int
	)
	err := s.db.QueryRowContext(ctx, `SELECT is_open, height FROM terminal_panel WHERE id = 1`).Scan(&isOpen, &height)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PanelPrefs{Height: model.DefaultPanelHeight}, nil
	}
	if err != nil {
		return model.PanelPrefs{}, fmt.Errorf("load panel prefs: %w", err)
	}
	return model.PanelPrefs{IsOpen: isOpen != 0, Height: height}, nil
}

func (s *Store) SavePanelPrefs(ctx context.Context, prefs model.PanelPrefs) error {
	if prefs.Height <= 0 {
		prefs.Height = model.DefaultPanelHeight
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO terminal_panel(id, is_open, height, updated_at)
VALUES (1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	is_open=excluded.is_open,
	height=excluded.height,
	updated_at=excluded.updated_at
`, boolToInt(prefs.IsOpen), prefs.Height, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("save panel prefs: %w", err)
	}
	return nil
}

func compressLogs(logs []model.StreamMessage) ([]byte, error) {
	if len(logs) == 0 {
		return nil, nil
	}
	redactedLogs := make([]model.StreamMessage, len(logs))
	for i, msg := range logs {
		redactedLogs[i] = security.RedactMessage(msg)
	}
	raw, err := json.Marshal(redactedLogs)
	if err != nil {
		return nil, err
	}
	return logEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func decompressLogs(data []byte) ([]model.StreamMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := logDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	var logs []model.StreamMessage
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// tsLayout is fixed width so completed_at sorts lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}
