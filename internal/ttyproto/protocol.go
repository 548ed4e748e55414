package ttyproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const DefaultMaxFrame = 1 << 20 // 1 MiB

var (
	ErrInvalidFrame  = errors.New("ttyproto: invalid frame")
	ErrFrameTooLarge = errors.New("ttyproto: frame too large")
	ErrUnknownType   = errors.New("ttyproto: unknown frame type")
)

type FrameType string

const (
	TypeStart   FrameType = "start"
	TypeInput   FrameType = "input"
	TypeResize  FrameType = "resize"
	TypeOutput  FrameType = "output"
	TypeClose   FrameType = "close"
	TypeSuccess FrameType = "success"
	TypeError   FrameType = "error"
)

// Frame is the single JSON shape used on the terminal control connection.
// Input and Output travel as base64 strings.
type Frame struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	StackName string    `json:"stack_name,omitempty"`
	Service   string    `json:"service,omitempty"`
	Container string    `json:"container,omitempty"`
	Shell     string    `json:"shell,omitempty"`
	Cols      int       `json:"cols,omitempty"`
	Rows      int       `json:"rows,omitempty"`
	Input     []byte    `json:"input,omitempty"`
	Output    []byte    `json:"output,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func StartFrame(requestID string, target Target, cols, rows int, shell string) Frame {
	return Frame{
		Type:      TypeStart,
		RequestID: requestID,
		StackName: target.StackName,
		Service:   target.Service,
		Container: target.Container,
		Shell:     shell,
		Cols:      cols,
		Rows:      rows,
	}
}

func InputFrame(sessionID string, data []byte) Frame {
	return Frame{Type: TypeInput, SessionID: sessionID, Input: data}
}

func ResizeFrame(sessionID string, cols, rows int) Frame {
	return Frame{Type: TypeResize, SessionID: sessionID, Cols: cols, Rows: rows}
}

func CloseFrame(sessionID string) Frame {
	return Frame{Type: TypeClose, SessionID: sessionID}
}

func (f Frame) Validate() error {
	need := func(field, v string) error {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %s requires %s", ErrInvalidFrame, f.Type, field)
		}
		return nil
	}
	switch f.Type {
	case TypeStart:
		if err := need("stack_name", f.StackName); err != nil {
			return err
		}
		if err := need("service", f.Service); err != nil {
			return err
		}
		if f.Cols < 0 || f.Rows < 0 {
			return fmt.Errorf("%w: negative size", ErrInvalidFrame)
		}
	case TypeResize:
		if err := need("session_id", f.SessionID); err != nil {
			return err
		}
		if f.Cols <= 0 || f.Rows <= 0 {
			return fmt.Errorf("%w: resize requires positive cols and rows", ErrInvalidFrame)
		}
	case TypeInput, TypeOutput, TypeClose, TypeSuccess:
		return need("session_id", f.SessionID)
	case TypeError:
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidFrame)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return nil
}

func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > DefaultMaxFrame {
		return nil, ErrFrameTooLarge
	}
	return body, nil
}

func Decode(data []byte, maxFrameSize int) (Frame, error) {
	limit := maxFrameSize
	if limit <= 0 {
		limit = DefaultMaxFrame
	}
	if len(data) > limit {
		return Frame{}, ErrFrameTooLarge
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: decode: %v", ErrInvalidFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Target identifies the container a terminal attaches to. Tabs are
// deduplicated by CanonicalKey.
type Target struct {
	ServerID  int64  `json:"server_id"`
	StackName string `json:"stack_name"`
	Service   string `json:"service"`
	Container string `json:"container,omitempty"`
}

func (t Target) CanonicalKey() string {
	return strconv.FormatInt(t.ServerID, 10) + "|" + strings.TrimSpace(t.StackName) + "|" + strings.TrimSpace(t.Service) + "|" + strings.TrimSpace(t.Container)
}

func (t Target) IsValid() bool {
	return t.ServerID > 0 &&
		strings.TrimSpace(t.StackName) != "" &&
		strings.TrimSpace(t.Service) != ""
}

// Label is the human name of a tab for t.
func (t Target) Label() string {
	name := strings.TrimSpace(t.Service)
	if c := strings.TrimSpace(t.Container); c != "" {
		name = c
	}
	return strings.TrimSpace(t.StackName) + "/" + name
}
