package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"oagw/pkg/failure"
	"oagw/pkg/routes"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// rawMessage carries request/response frames without schema knowledge. The
// gateway never interprets proto payloads; it moves bytes.
type rawMessage []byte

type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, errors.New("raw codec: unexpected message type")
	}
	return []byte(*m), nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return errors.New("raw codec: unexpected message type")
	}
	*m = append((*m)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "proto" }

// GRPCAdapter issues unary calls over cached client connections. The inbound
// subpath names the full method, e.g. billing.v1.Invoices/Create.
type GRPCAdapter struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	dial  func(target string) (*grpc.ClientConn, error)
}

func NewGRPCAdapter() *GRPCAdapter {
	return &GRPCAdapter{
		conns: map[string]*grpc.ClientConn{},
		dial: func(target string) (*grpc.ClientConn, error) {
			return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
		},
	}
}

func (a *GRPCAdapter) Invoke(ctx context.Context, route routes.Route, req *InboundRequest) (*Outcome, *failure.Failure) {
	method := grpcMethod(req.Path)
	if method == "" {
		return nil, failure.Malformed("grpc method path must be Service/Method")
	}
	conn, err := a.conn(route.Upstream)
	if err != nil {
		return nil, failure.UpstreamUnavailable(err)
	}
	var in rawMessage
	if req.Body != nil {
		payload, readErr := io.ReadAll(io.LimitReader(req.Body, maxErrorBodyBytes))
		if readErr != nil {
			return nil, failure.Malformed("cannot read request body: " + readErr.Error())
		}
		in = payload
	}

	callCtx, cancel := context.WithTimeout(ctx, route.Timeout)
	defer cancel()
	callCtx = outgoingMetadata(callCtx, req.Header)

	var out rawMessage
	err = conn.Invoke(callCtx, method, &in, &out, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, failure.Internal(errors.New("inbound request canceled"))
		}
		st, ok := status.FromError(err)
		if !ok {
			return nil, failure.UpstreamUnavailable(err)
		}
		if st.Code() == codes.Canceled && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, failure.FromGRPCStatus(route.Alias, codes.DeadlineExceeded, st.Message())
		}
		return nil, failure.FromGRPCStatus(route.Alias, st.Code(), st.Message())
	}

	header := http.Header{}
	header.Set("Content-Type", "application/grpc+proto")
	return &Outcome{Status: http.StatusOK, Header: header, Body: out}, nil
}

func (a *GRPCAdapter) conn(target string) (*grpc.ClientConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if conn, ok := a.conns[target]; ok {
		return conn, nil
	}
	conn, err := a.dial(target)
	if err != nil {
		return nil, err
	}
	a.conns[target] = conn
	return conn, nil
}

func (a *GRPCAdapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for target, conn := range a.conns {
		_ = conn.Close()
		delete(a.conns, target)
	}
}

func grpcMethod(path string) string {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" || !strings.Contains(path, "/") {
		return ""
	}
	return "/" + path
}

// outgoingMetadata forwards x-* inbound headers as call metadata. Standard
// HTTP headers stay on the HTTP side; Authorization never crosses.
func outgoingMetadata(ctx context.Context, header http.Header) context.Context {
	pairs := make([]string, 0, 8)
	for k, vv := range header {
		lower := strings.ToLower(k)
		if !strings.HasPrefix(lower, "x-") || strings.HasPrefix(lower, "x-oagw-") {
			continue
		}
		for _, v := range vv {
			pairs = append(pairs, lower, v)
		}
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}
