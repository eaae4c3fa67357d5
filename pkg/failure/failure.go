// Package failure is the single authority for error-source attribution.
// Every failed request funnels through here; no other component decides
// whether a failure is gateway-origin or upstream-origin.
package failure

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"oagw/pkg/ratelimit"
)

type Source string

const (
	SourceGateway  Source = "gateway"
	SourceUpstream Source = "upstream"
)

// SourceHeader lets clients branch retry logic without parsing the body.
const SourceHeader = "X-OAGW-Error-Source"

// Gateway-origin reason codes.
const (
	CodeAliasNotFound    = "ALIAS_NOT_FOUND"
	CodeRateLimited      = "RATE_LIMITED"
	CodeMalformedRequest = "MALFORMED_REQUEST"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeTargetForbidden  = "TARGET_FORBIDDEN"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeInternal         = "INTERNAL"
)

// Upstream-origin reason codes.
const (
	CodeUpstreamTimeout     = "UPSTREAM_TIMEOUT"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamStatus      = "UPSTREAM_STATUS"
	CodeStreamInterrupted   = "STREAM_INTERRUPTED"
)

// Failure is the terminal error for one request. Immutable once built; the
// constructors below are the only places Source is assigned.
type Failure struct {
	Source     Source
	Status     int
	Code       string
	Message    string
	RetryAfter int // seconds; 0 means no hint

	// GRPCCode preserves the upstream status name for gRPC routes.
	GRPCCode string

	// UpstreamBody carries a REST upstream error body verbatim. When set,
	// rendering passes it through instead of the JSON envelope.
	UpstreamBody        []byte
	UpstreamContentType string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure %s: %s", f.Source, f.Code, f.Message)
}

type Envelope struct {
	Source       Source `json:"source"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMS int    `json:"retry_after_ms,omitempty"`
	GRPCCode     string `json:"grpc_code,omitempty"`
}

func (f *Failure) Envelope() Envelope {
	return Envelope{
		Source:       f.Source,
		Code:         f.Code,
		Message:      f.Message,
		RetryAfterMS: f.RetryAfter * 1000,
		GRPCCode:     f.GRPCCode,
	}
}

func AliasNotFound(alias string) *Failure {
	return &Failure{
		Source:  SourceGateway,
		Status:  http.StatusNotFound,
		Code:    CodeAliasNotFound,
		Message: "no route for alias " + alias,
	}
}

func AdmissionRejected(d ratelimit.Decision) *Failure {
	return &Failure{
		Source:     SourceGateway,
		Status:     http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("admission rejected: %d of %d in window", d.Count, d.Limit),
		RetryAfter: ratelimit.RetryAfterSeconds(d),
	}
}

func Malformed(msg string) *Failure {
	return &Failure{
		Source:  SourceGateway,
		Status:  http.StatusBadRequest,
		Code:    CodeMalformedRequest,
		Message: msg,
	}
}

func AuthFailed(msg string) *Failure {
	return &Failure{
		Source:  SourceGateway,
		Status:  http.StatusUnauthorized,
		Code:    CodeAuthFailed,
		Message: msg,
	}
}

func TargetForbidden(tenant, target string) *Failure {
	return &Failure{
		Source:  SourceGateway,
		Status:  http.StatusForbidden,
		Code:    CodeTargetForbidden,
		Message: "tenant " + tenant + " may not call " + target,
	}
}

func PayloadTooLarge(limit int64) *Failure {
	return &Failure{
		Source:  SourceGateway,
		Status:  http.StatusRequestEntityTooLarge,
		Code:    CodePayloadTooLarge,
		Message: fmt.Sprintf("request body exceeds %d bytes", limit),
	}
}

func Internal(err error) *Failure {
	msg := "internal gateway fault"
	if err != nil {
		msg = err.Error()
	}
	return &Failure{
		Source:  SourceGateway,
		Status:  http.StatusInternalServerError,
		Code:    CodeInternal,
		Message: msg,
	}
}

func UpstreamTimeout(alias string) *Failure {
	return &Failure{
		Source:  SourceUpstream,
		Status:  http.StatusGatewayTimeout,
		Code:    CodeUpstreamTimeout,
		Message: "upstream call timed out for alias " + alias,
	}
}

func UpstreamUnavailable(err error) *Failure {
	msg := "upstream unreachable"
	if err != nil {
		msg = err.Error()
	}
	return &Failure{
		Source:  SourceUpstream,
		Status:  http.StatusBadGateway,
		Code:    CodeUpstreamUnavailable,
		Message: msg,
	}
}

// UpstreamStatus preserves a REST upstream error response as-is. The numeric
// status stays upstream-origin even when it resembles a gateway condition.
// RetryAfter, when the upstream sent a hint, is set by the adapter.
func UpstreamStatus(status int, contentType string, body []byte) *Failure {
	return &Failure{
		Source:              SourceUpstream,
		Status:              status,
		Code:                CodeUpstreamStatus,
		Message:             fmt.Sprintf("upstream returned status %d", status),
		UpstreamBody:        body,
		UpstreamContentType: contentType,
	}
}

// ParseRetryAfter reads an upstream Retry-After value. Both the
// delta-seconds and HTTP-date forms are accepted; anything else yields 0.
func ParseRetryAfter(value string) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return secs
	}
	if at, err := http.ParseTime(value); err == nil {
		if remaining := time.Until(at); remaining > 0 {
			return int(remaining.Round(time.Second) / time.Second)
		}
	}
	return 0
}

func StreamInterrupted(err error) *Failure {
	msg := "upstream stream interrupted"
	if err != nil {
		msg = err.Error()
	}
	return &Failure{
		Source:  SourceUpstream,
		Status:  http.StatusBadGateway,
		Code:    CodeStreamInterrupted,
		Message: msg,
	}
}
