package failure

import (
	"net/http"
	"strconv"

	"oagw/pkg/httpx"

	"google.golang.org/grpc/codes"
)

// rateLimitBody is the shared rate-limit response shape. Gateway rejections
// and upstream RESOURCE_EXHAUSTED both render through it so clients apply one
// retry strategy; only the source header and envelope source differ.
type rateLimitBody struct {
	Envelope
	Limit     int `json:"limit,omitempty"`
	Remaining int `json:"remaining"`
}

// Write renders the terminal error response. Headers, including the source
// header and any Retry-After hint, are set before the body.
func Write(w http.ResponseWriter, f *Failure) {
	if f == nil {
		return
	}
	w.Header().Set(SourceHeader, string(f.Source))
	if f.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(f.RetryAfter))
	}
	if len(f.UpstreamBody) > 0 {
		ct := f.UpstreamContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(f.Status)
		_, _ = w.Write(f.UpstreamBody)
		return
	}
	if f.Code == CodeRateLimited {
		httpx.WriteJSON(w, f.Status, rateLimitBody{Envelope: f.Envelope()})
		return
	}
	httpx.WriteJSON(w, f.Status, f.Envelope())
}

// FromGRPCStatus applies the fixed gRPC status table. Everything here is
// upstream-origin: an upstream that exhausted its own resources is still the
// upstream's failure, even though the rendered shape matches a gateway
// rejection.
func FromGRPCStatus(alias string, code codes.Code, message string) *Failure {
	switch code {
	case codes.ResourceExhausted:
		return &Failure{
			Source:     SourceUpstream,
			Status:     http.StatusTooManyRequests,
			Code:       CodeRateLimited,
			Message:    message,
			GRPCCode:   code.String(),
			RetryAfter: 1,
		}
	case codes.Unavailable:
		return &Failure{
			Source:   SourceUpstream,
			Status:   http.StatusServiceUnavailable,
			Code:     CodeUpstreamUnavailable,
			Message:  message,
			GRPCCode: code.String(),
		}
	case codes.DeadlineExceeded:
		f := UpstreamTimeout(alias)
		f.GRPCCode = code.String()
		return f
	default:
		return &Failure{
			Source:   SourceUpstream,
			Status:   httpStatusForGRPC(code),
			Code:     CodeUpstreamStatus,
			Message:  message,
			GRPCCode: code.String(),
		}
	}
}

func httpStatusForGRPC(code codes.Code) int {
	switch code {
	case codes.InvalidArgument, codes.OutOfRange, codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Canceled:
		return 499
	default:
		return http.StatusBadGateway
	}
}
