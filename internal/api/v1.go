package api

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Tech-Arch1tect/berth-sub004/internal/model"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse accepts both `{"error":{"code","message"}}` and
// `{"error":"message"}` bodies.
type ErrorResponse struct {
	Error APIError `json:"-"`
}

func (e *ErrorResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	text := strings.TrimSpace(string(raw.Error))
	switch {
	case strings.HasPrefix(text, "{"):
		if err := json.Unmarshal(raw.Error, &e.Error); err != nil {
			return err
		}
	case strings.HasPrefix(text, `"`):
		var msg string
		if err := json.Unmarshal(raw.Error, &msg); err != nil {
			return err
		}
		e.Error.Message = msg
	}
	if e.Error.Message == "" {
		e.Error.Message = raw.Message
	}
	return nil
}

// OperationResponse is one element of the running-operations poll.
type OperationResponse struct {
	OperationID   string     `json:"operation_id"`
	ServerID      int64      `json:"server_id"`
	StackName     string     `json:"stack_name"`
	Command       string     `json:"command"`
	StartTime     time.Time  `json:"start_time"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	IsIncomplete  bool       `json:"is_incomplete"`
	MessageCount  int        `json:"message_count"`
	Summary       string     `json:"summary,omitempty"`
}

func (r OperationResponse) ToModel() model.Operation {
	op := model.Operation{
		OperationID:  strings.TrimSpace(r.OperationID),
		ServerID:     r.ServerID,
		StackName:    r.StackName,
		Command:      r.Command,
		StartTime:    r.StartTime,
		IsIncomplete: r.IsIncomplete,
		MessageCount: r.MessageCount,
		Summary:      r.Summary,
	}
	if r.LastMessageAt != nil {
		v := *r.LastMessageAt
		op.LastMessageAt = &v
	}
	return op
}

type OperationRequest struct {
	Command   string   `json:"command"`
	Options   []string `json:"options,omitempty"`
	Services  []string `json:"services,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

type StartOperationResponse struct {
	OperationID string `json:"operation_id"`
}

type TerminalRequest struct {
	ServerID    int64  `json:"-"`
	StackName   string `json:"-"`
	ServiceName string `json:"service_name"`
	Container   string `json:"container_name,omitempty"`
	Cols        int    `json:"cols,omitempty"`
	Rows        int    `json:"rows,omitempty"`
}

// TerminalNegotiation carries the parameters for opening a terminal control
// connection.
type TerminalNegotiation struct {
	WebSocketURL string `json:"websocket_url"`
	AccessToken  string `json:"access_token"`
	StackName    string `json:"stack_name"`
	Service      string `json:"service"`
	ServerName   string `json:"server_name"`
	Shell        string `json:"shell"`
}
