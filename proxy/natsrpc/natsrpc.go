// Package natsrpc carries proxy calls over NATS request-reply.
//
// The client side is an [Invoker] that can be registered in a
// proxy.Registry under the remote service's name; the server side is a
// [Server] that subscribes to the service's subject and dispatches to a
// local proxy.Service. Both ends speak the proxy msgpack envelope
// (proxy.Request / proxy.Response), so a caller cannot tell a NATS-backed
// service from an in-process one.
//
// Subjects follow the pattern "txflow.svc.<service>". Servers join a
// queue group named after the service, so running multiple instances
// load-balances requests.
package natsrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/id"
	"github.com/xraph/txflow/proxy"
)

// SubjectPrefix is prepended to service names to form NATS subjects.
const SubjectPrefix = "txflow.svc."

// Subject returns the NATS subject for a service name.
func Subject(service string) string { return SubjectPrefix + service }

// ──────────────────────────────────────────────────
// Client side
// ──────────────────────────────────────────────────

// Invoker sends proxy calls to a remote service over NATS request-reply.
// It implements proxy.Invoker; register it in a proxy.Registry under the
// remote service's name.
type Invoker struct {
	conn    *nats.Conn
	service string
}

var _ proxy.Invoker = (*Invoker)(nil)

// NewInvoker creates an invoker for the given remote service.
func NewInvoker(conn *nats.Conn, service string) *Invoker {
	return &Invoker{conn: conn, service: service}
}

// Invoke implements proxy.Invoker. Correlation is NATS's own reply
// inbox; the envelope ID is carried for tracing. Transport failures are
// returned raw — the proxy caller classifies them as unreachable.
func (i *Invoker) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	req := proxy.Request{
		ID:      id.NewEventID().String(),
		Service: i.service,
		Method:  method,
		Args:    args,
	}
	payload, err := msgpack.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("natsrpc: marshal request: %w", err)
	}

	msg, err := i.conn.RequestWithContext(ctx, Subject(i.service), payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%w: no responders on %s", txflow.ErrUnreachable, Subject(i.service))
		}
		return nil, err
	}

	var resp proxy.Response
	if err := msgpack.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("natsrpc: unmarshal response: %w", err)
	}
	if remoteErr := resp.RemoteErr(); remoteErr != nil {
		return nil, remoteErr
	}
	return resp.Result, nil
}

// ──────────────────────────────────────────────────
// Server side
// ──────────────────────────────────────────────────

// Server exposes a local proxy.Service over NATS.
type Server struct {
	conn    *nats.Conn
	service *proxy.Service
	logger  *slog.Logger
	timeout time.Duration

	sub *nats.Subscription
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHandlerTimeout bounds each dispatched handler invocation.
func WithHandlerTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.timeout = d }
}

// NewServer creates a server for the given local service.
func NewServer(conn *nats.Conn, service *proxy.Service, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		conn:    conn,
		service: service,
		logger:  logger,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the service's subject in a queue group named
// after the service.
func (s *Server) Start() error {
	sub, err := s.conn.QueueSubscribe(Subject(s.service.Name()), s.service.Name(), s.handle)
	if err != nil {
		return fmt.Errorf("natsrpc: subscribe %s: %w", Subject(s.service.Name()), err)
	}
	s.sub = sub
	return nil
}

// Stop drains the subscription so in-flight requests finish.
func (s *Server) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

// handle decodes a request, invokes the local service, and replies with
// the encoded response. Handler panics are contained per message.
func (s *Server) handle(msg *nats.Msg) {
	var req proxy.Request
	if err := msgpack.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("natsrpc: bad request envelope",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	resp := proxy.Response{ID: req.ID}
	result, err := s.invoke(ctx, req.Method, req.Args)
	if err != nil {
		var remote *proxy.RemoteError
		if errors.As(err, &remote) {
			resp.ErrCode = remote.Code
			resp.ErrMessage = remote.Message
		} else {
			resp.ErrCode = "internal"
			resp.ErrMessage = err.Error()
		}
	} else {
		resp.Result = result
	}

	payload, err := msgpack.Marshal(&resp)
	if err != nil {
		s.logger.Error("natsrpc: marshal response",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.logger.Warn("natsrpc: respond failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}

// invoke calls the local service with panic recovery.
func (s *Server) invoke(ctx context.Context, method string, args []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("natsrpc: handler panic: %v", r)
		}
	}()
	return s.service.Invoke(ctx, method, args)
}
