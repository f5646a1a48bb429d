package domain

import "errors"

// Error types assigned by the transport client and stream parser.
const (
	ErrorTypeTransport   = "transport_error"
	ErrorTypeTimeout     = "timeout"
	ErrorTypeProtocol    = "protocol_error"
	ErrorTypeEmptyResult = "empty_result"
)

// ServiceError is raised when the completion provider cannot fulfil a request.
// It carries whatever the provider disclosed about the failure; all fields
// besides Message are optional.
type ServiceError struct {
	Message    string
	StatusCode int
	ErrorCode  string
	ErrorType  string
	RequestID  string
	Extra      map[string]any
	Cause      error
}

func (e *ServiceError) Error() string {
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// GatewayError is the user-visible failure produced by the orchestrator when a
// provider call fails. Detail is a composed, length-capped description safe to
// surface to clients.
type GatewayError struct {
	Detail string
	Cause  error
}

func (e *GatewayError) Error() string {
	return e.Detail
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// ErrModelRequired is returned when neither the request nor the thread carries
// a model name.
var ErrModelRequired = errors.New("model is required")

// ErrNotFound is returned by Store implementations for missing records.
var ErrNotFound = errors.New("record not found")
