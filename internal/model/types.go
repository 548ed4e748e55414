package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MessageKind discriminates the entries of an operation log.
type MessageKind string

const (
	KindStatus     MessageKind = "status"
	KindService    MessageKind = "service"
	KindContainer  MessageKind = "container"
	KindNetwork    MessageKind = "network"
	KindConnection MessageKind = "connection"
	KindComplete   MessageKind = "complete"
	KindError      MessageKind = "error"
	KindLog        MessageKind = "log"
)

var knownKinds = map[MessageKind]struct{}{
	KindStatus:     {},
	KindService:    {},
	KindContainer:  {},
	KindNetwork:    {},
	KindConnection: {},
	KindComplete:   {},
	KindError:      {},
	KindLog:        {},
}

func (k MessageKind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// Terminal reports whether a message of this kind ends an operation.
func (k MessageKind) Terminal() bool {
	return k == KindComplete
}

// FreeText reports whether the kind is narrative rather than entity progress.
func (k MessageKind) FreeText() bool {
	switch k {
	case KindConnection, KindComplete, KindError, KindLog:
		return true
	default:
		return false
	}
}

type ProgressStatus struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

type EntityProgress struct {
	Name     string `json:"name"`
	Action   string `json:"action"`
	Progress string `json:"progress,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// StreamMessage is one entry of an operation log. The same shape is used on
// the operation WebSocket and on the SSE progress stream.
type StreamMessage struct {
	Type      MessageKind     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Status    *ProgressStatus `json:"status,omitempty"`
	Service   *EntityProgress `json:"service,omitempty"`
	Network   *EntityProgress `json:"network,omitempty"`
	Container *EntityProgress `json:"container,omitempty"`
	Message   string          `json:"message,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	ExitCode  *int            `json:"exit_code,omitempty"`
}

// Entity returns the entity payload matching the message kind, if any.
func (m StreamMessage) Entity() *EntityProgress {
	switch m.Type {
	case KindService:
		return m.Service
	case KindContainer:
		return m.Container
	case KindNetwork:
		return m.Network
	default:
		return nil
	}
}

// Failed reports whether the message describes a failed remote command.
func (m StreamMessage) Failed() bool {
	if m.Type == KindError {
		return true
	}
	if m.Success != nil && !*m.Success {
		return true
	}
	return m.ExitCode != nil && *m.ExitCode != 0
}

// LogLine builds a free-text log message, used for frames that could not be
// interpreted.
func LogLine(now time.Time, format string, args ...any) StreamMessage {
	return StreamMessage{
		Type:      KindLog,
		Timestamp: now.UTC(),
		Message:   fmt.Sprintf(format, args...),
	}
}

// DroppedFrameLine records a frame that could not be decoded.
func DroppedFrameLine(now time.Time, raw string) StreamMessage {
	return LogLine(now, "dropped malformed frame: %s", Truncate(raw, 200))
}

// Truncate shortens s to at most n bytes plus an ellipsis, cutting on a rune
// boundary. Invalid UTF-8 is replaced first.
func Truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// Operation is one remote command execution tracked end to end.
type Operation struct {
	OperationID   string     `json:"operation_id"`
	ServerID      int64      `json:"server_id"`
	StackName     string     `json:"stack_name"`
	Command       string     `json:"command"`
	StartTime     time.Time  `json:"start_time"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	IsIncomplete  bool       `json:"is_incomplete"`
	MessageCount  int        `json:"message_count"`
	Summary       string     `json:"summary,omitempty"`
	Failed        bool       `json:"failed,omitempty"`

	Logs []StreamMessage `json:"-"`
}

// Clone returns a copy that shares no mutable state with op.
func (op Operation) Clone() Operation {
	out := op
	if op.LastMessageAt != nil {
		v := *op.LastMessageAt
		out.LastMessageAt = &v
	}
	if op.Logs != nil {
		out.Logs = make([]StreamMessage, len(op.Logs))
		copy(out.Logs, op.Logs)
	}
	return out
}

func (op Operation) Validate() error {
	if strings.TrimSpace(op.OperationID) == "" {
		return fmt.Errorf("operation_id is required")
	}
	return nil
}

// SortTime is the instant used to order completed operations by recency.
func (op Operation) SortTime() time.Time {
	if op.LastMessageAt != nil && op.LastMessageAt.After(op.StartTime) {
		return *op.LastMessageAt
	}
	return op.StartTime
}

type PollHealth string

const (
	PollHealthOK       PollHealth = "ok"
	PollHealthDegraded PollHealth = "degraded"
	PollHealthDown     PollHealth = "down"
)

// PanelPrefs is the persisted terminal panel preference.
type PanelPrefs struct {
	IsOpen bool `json:"is_open"`
	Height int  `json:"height"`
}

const DefaultPanelHeight = 300
