// Package proxy translates inbound HTTP requests into outbound REST or gRPC
// calls. The protocol set is a closed variant with an explicit dispatch
// switch; a new protocol means extending the switch, not runtime registration.
package proxy

import (
	"context"
	"io"
	"net/http"

	"oagw/pkg/failure"
	"oagw/pkg/routes"
)

// InboundRequest is the protocol-neutral view of one proxied request.
type InboundRequest struct {
	Method string
	Path   string // subpath after the alias segment
	Query  string
	Header http.Header
	Body   io.Reader
}

// Outcome is the adapter result: either a complete response (Body) or a
// stream handle (Stream) whose bytes have not been consumed yet.
type Outcome struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
}

func (o *Outcome) Streaming() bool {
	return o != nil && o.Stream != nil
}

type Adapter interface {
	Invoke(ctx context.Context, route routes.Route, req *InboundRequest) (*Outcome, *failure.Failure)
}

type Dispatcher struct {
	rest Adapter
	grpc Adapter
}

func NewDispatcher(client *http.Client) *Dispatcher {
	return &Dispatcher{
		rest: NewRESTAdapter(client),
		grpc: NewGRPCAdapter(),
	}
}

func (d *Dispatcher) Invoke(ctx context.Context, route routes.Route, req *InboundRequest) (*Outcome, *failure.Failure) {
	switch route.Protocol {
	case routes.ProtocolREST:
		return d.rest.Invoke(ctx, route, req)
	case routes.ProtocolGRPC:
		return d.grpc.Invoke(ctx, route, req)
	default:
		return nil, failure.Malformed("unsupported protocol for alias " + route.Alias)
	}
}
