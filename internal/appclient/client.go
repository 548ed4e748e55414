package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Tech-Arch1tect/berth-sub004/internal/api"
	"github.com/Tech-Arch1tect/berth-sub004/internal/config"
	"github.com/Tech-Arch1tect/berth-sub004/internal/model"
)

type Client struct {
	baseURL       string
	streamBaseURL string
	token         string
	client        *http.Client
	unaryTimeout  time.Duration
	streamTimeout time.Duration
	now           func() time.Time
}

const (
	defaultUnaryTimeout  = 10 * time.Second
	defaultStreamTimeout = 30 * time.Minute
)

var (
	ErrStreamTimeout  = errors.New("progress stream timed out")
	ErrPayloadInvalid = errors.New("payload invalid")
)

func New(cfg config.Config) *Client {
	c := NewWithClient(cfg.BaseURL, &http.Client{})
	c.streamBaseURL = cfg.StreamBaseURL()
	c.token = strings.TrimSpace(cfg.Token)
	if cfg.UnaryTimeout > 0 {
		c.unaryTimeout = cfg.UnaryTimeout
	}
	if cfg.StreamTimeout > 0 {
		c.streamTimeout = cfg.StreamTimeout
	}
	return c
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	base := strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL:       base,
		streamBaseURL: config.Config{BaseURL: base}.StreamBaseURL(),
		client:        client,
		unaryTimeout:  defaultUnaryTimeout,
		streamTimeout: defaultStreamTimeout,
		now:           time.Now,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

func (c *Client) WithStreamTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.streamTimeout = timeout
	return &clone
}

func (c *Client) WithToken(token string) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.token = strings.TrimSpace(token)
	return &clone
}

// WithStreamBaseURL overrides the ws:// base derived from the REST base.
func (c *Client) WithStreamBaseURL(base string) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
		clone.streamBaseURL = base
	}
	return &clone
}

// AuthHeader returns the headers persistent connections must carry.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) ListRunningOperations(ctx context.Context) ([]model.Operation, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/operation-logs/running", nil, nil)
	if err != nil {
		return nil, err
	}
	var items []api.OperationResponse
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: decode running operations: %v", ErrPayloadInvalid, err)
	}
	out := make([]model.Operation, 0, len(items))
	for _, item := range items {
		op := item.ToModel()
		if op.Validate() != nil {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

func (c *Client) StartOperation(ctx context.Context, serverID int64, stack string, req api.OperationRequest) (string, error) {
	if strings.TrimSpace(req.Command) == "" {
		return "", fmt.Errorf("command is required")
	}
	body, err := c.request(ctx, http.MethodPost, stackPath(serverID, stack, "operations"), nil, req)
	if err != nil {
		return "", err
	}
	var resp api.StartOperationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: decode start response: %v", ErrPayloadInvalid, err)
	}
	id := strings.TrimSpace(resp.OperationID)
	if id == "" {
		return "", fmt.Errorf("%w: start response missing operation_id", ErrPayloadInvalid)
	}
	return id, nil
}

func (c *Client) NegotiateTerminal(ctx context.Context, req api.TerminalRequest) (api.TerminalNegotiation, error) {
	if strings.TrimSpace(req.ServiceName) == "" {
		return api.TerminalNegotiation{}, fmt.Errorf("service is required")
	}
	body, err := c.request(ctx, http.MethodPost, stackPath(req.ServerID, req.StackName, "terminal"), nil, req)
	if err != nil {
		return api.TerminalNegotiation{}, err
	}
	var resp api.TerminalNegotiation
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.TerminalNegotiation{}, fmt.Errorf("%w: decode terminal negotiation: %v", ErrPayloadInvalid, err)
	}
	if strings.TrimSpace(resp.WebSocketURL) == "" {
		return api.TerminalNegotiation{}, fmt.Errorf("%w: negotiation missing websocket_url", ErrPayloadInvalid)
	}
	resp.WebSocketURL = c.resolveStreamURL(resp.WebSocketURL)
	return resp, nil
}

// OperationStreamURL is the WebSocket endpoint carrying one operation's log.
func (c *Client) OperationStreamURL(serverID int64, stack, operationID string) string {
	return c.streamBaseURL + "/ws/servers/" + strconv.FormatInt(serverID, 10) + "/stacks/" + url.PathEscape(stack) + "/operations/" + url.PathEscape(operationID)
}

// StreamOperation starts an operation over the request-based progress stream
// and calls onMessage for every event until the stream ends, a complete event
// arrives, or the absolute stream timeout elapses (ErrStreamTimeout).
func (c *Client) StreamOperation(ctx context.Context, serverID int64, stack string, req api.OperationRequest, onMessage func(model.StreamMessage) error) error {
	streamCtx := ctx
	cancel := func() {}
	if c.streamTimeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, c.streamTimeout)
	}
	defer cancel()

	err := c.streamOperation(streamCtx, serverID, stack, req, onMessage)
	if err != nil && ctx.Err() == nil && errors.Is(streamCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrStreamTimeout, c.streamTimeout)
	}
	return err
}

func (c *Client) streamOperation(ctx context.Context, serverID int64, stack string, req api.OperationRequest, onMessage func(model.StreamMessage) error) error {
	httpReq, err := c.newRequest(ctx, http.MethodPost, stackPath(serverID, stack, "operations/stream"), nil, req)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return decodeRequestError(resp.StatusCode, payload)
	}

	scanner := NewSSEScanner(resp.Body)
	for scanner.Next() {
		ev := scanner.Event()
		var msg model.StreamMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil || !msg.Type.Known() {
			msg = model.DroppedFrameLine(c.now(), ev.Data)
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = c.now().UTC()
		}
		if onMessage != nil {
			if err := onMessage(msg); err != nil {
				return err
			}
		}
		if msg.Type.Terminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read progress stream: %w", err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	req, err := c.newRequest(reqCtx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, decodeRequestError(resp.StatusCode, payload)
	}
	return payload, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func decodeRequestError(status int, payload []byte) error {
	var er api.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && (er.Error.Code != "" || er.Error.Message != "") {
		return &RequestError{
			StatusCode: status,
			Code:       er.Error.Code,
			Message:    er.Error.Message,
		}
	}
	return &RequestError{
		StatusCode: status,
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    strings.TrimSpace(string(payload)),
	}
}

// resolveStreamURL turns a server-relative websocket path into an absolute
// URL on the stream base.
func (c *Client) resolveStreamURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "ws://") || strings.HasPrefix(raw, "wss://") {
		return raw
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return c.streamBaseURL + raw
}

func stackPath(serverID int64, stack, suffix string) string {
	return "/api/servers/" + strconv.FormatInt(serverID, 10) + "/stacks/" + url.PathEscape(stack) + "/" + suffix
}
