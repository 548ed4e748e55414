package registry

import (
	"context"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"github.com/Tech-Arch1tect/berth-sub004/internal/logx"
	"github.com/Tech-Arch1tect/berth-sub004/internal/model"
	"github.com/Tech-Arch1tect/berth-sub004/internal/wsconn"
)

// Stream is a live per-operation connection.
type Stream interface {
	Close()
}

type StreamHandlers struct {
	OnMessage    func(data []byte)
	OnConnect    func()
	OnDisconnect func(err error)
}

// Connector opens the dedicated stream for an incomplete operation. Connect
// must not block on the network and must not invoke handlers synchronously.
type Connector interface {
	Connect(ctx context.Context, op model.Operation, h StreamHandlers) Stream
}

// WSConnector opens auto-reconnecting wsconn connections.
type WSConnector struct {
	URLFor            func(op model.Operation) string
	Header            http.Header
	ReconnectInterval time.Duration
	Strategy          wsconn.Strategy
	Logger            pslog.Logger
}

func (w *WSConnector) Connect(ctx context.Context, op model.Operation, h StreamHandlers) Stream {
	ctx = operationContext(ctx, w.Logger, op.OperationID)
	log := logx.Ctx(ctx)
	return wsconn.Open(ctx, w.URLFor(op), wsconn.Options{
		AutoReconnect:     true,
		ReconnectInterval: w.ReconnectInterval,
		Strategy:          w.Strategy,
		Header:            w.Header.Clone(),
		Logger:            log,
		Handlers: wsconn.Handlers{
			OnMessage:    h.OnMessage,
			OnConnect:    h.OnConnect,
			OnDisconnect: h.OnDisconnect,
		},
	})
}

// operationContext scopes the logger carried by ctx (or log, when set) to one
// operation, so everything the stream logs names it.
func operationContext(ctx context.Context, log pslog.Logger, operationID string) context.Context {
	if log != nil {
		ctx = pslog.ContextWithLogger(ctx, log)
	}
	return logx.ContextWithOperation(ctx, operationID)
}
