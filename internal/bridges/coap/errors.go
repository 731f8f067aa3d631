package coap

import (
	"errors"
	"fmt"
	"net/http"
)

// Domain errors for the CoAP bridge package.
var (
	// ErrInvalidCommand is returned when an LED command is not "On" or "Off".
	ErrInvalidCommand = errors.New("coap: invalid command")

	// ErrTransport is returned when the device cannot be reached, the
	// connection cannot be created, or the device answers with a non-success code.
	ErrTransport = errors.New("coap: transport failure")

	// ErrTimeout is returned when the device does not answer within the bound.
	ErrTimeout = errors.New("coap: exchange timed out")

	// ErrDecode is returned when a device payload cannot be decoded.
	ErrDecode = errors.New("coap: decode failed")

	// ErrTransportClosed is returned when a connection is requested after Close.
	ErrTransportClosed = errors.New("coap: transport closed")

	// ErrEmptyResponse is returned when the device answers with an empty payload.
	ErrEmptyResponse = errors.New("coap: empty response")
)

// FailureKind classifies a failed gateway call.
type FailureKind string

const (
	// KindInvalidCommand marks a caller error detected before any network call.
	KindInvalidCommand FailureKind = "invalid_command"

	// KindTransport marks dial, send or device-side failures.
	KindTransport FailureKind = "transport_failure"

	// KindTimeout marks an exchange whose response did not arrive in time.
	KindTimeout FailureKind = "timeout"

	// KindDecode marks a response whose payload could not be decoded.
	KindDecode FailureKind = "decode_error"
)

// Stable messages rendered to gateway callers.
const (
	MsgInvalidCommand      = "Invalid command"
	MsgLEDStatusFailed     = "Failed to get LED status"
	MsgLEDControlFailed    = "Failed to control LED"
	MsgTemperatureFailed   = "Failed to get temperature"
	MsgInvalidTemperature  = "Invalid temperature value"
	MsgInvalidLEDState     = "Invalid LED state value"
	msgUnclassifiedFailure = "Device request failed"
)

// sentinelFor maps a kind to its package sentinel for errors.Is checks.
func sentinelFor(kind FailureKind) error {
	switch kind {
	case KindInvalidCommand:
		return ErrInvalidCommand
	case KindTimeout:
		return ErrTimeout
	case KindDecode:
		return ErrDecode
	default:
		return ErrTransport
	}
}

// Failure is the classified outcome of a failed exchange or gateway call.
//
// errors.Is matches both the kind sentinel (ErrTimeout, ErrDecode, ...) and
// the underlying cause.
type Failure struct {
	Kind     FailureKind
	Message  string
	Resource Resource
	Cause    error
}

// Error implements error.
func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s (%s %s): %v", f.Message, f.Kind, f.Resource, f.Cause)
	}
	return fmt.Sprintf("%s (%s %s)", f.Message, f.Kind, f.Resource)
}

// Unwrap exposes the kind sentinel and the cause.
func (f *Failure) Unwrap() []error {
	errs := []error{sentinelFor(f.Kind)}
	if f.Cause != nil {
		errs = append(errs, f.Cause)
	}
	return errs
}

// HTTPStatus returns the status code implied by the failure kind.
func (f *Failure) HTTPStatus() int {
	if f.Kind == KindInvalidCommand {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// newFailure builds a Failure.
func newFailure(kind FailureKind, resource Resource, message string, cause error) *Failure {
	return &Failure{
		Kind:     kind,
		Message:  message,
		Resource: resource,
		Cause:    cause,
	}
}

// AsFailure extracts a *Failure from err. Errors that are not already
// classified are reported as transport failures so callers always get a
// structured outcome.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return newFailure(KindTransport, "", msgUnclassifiedFailure, err)
}

// withMessage returns a copy of f carrying a caller-facing message.
func (f *Failure) withMessage(message string) *Failure {
	c := *f
	c.Message = message
	return &c
}
