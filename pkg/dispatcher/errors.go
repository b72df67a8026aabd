package dispatcher

import (
	"errors"
	"fmt"

	"github.com/morezero/smartspace/pkg/messages"
)

// Kind classifies a dispatch failure.
type Kind string

const (
	KindTargetNotFound    Kind = messages.CodeTargetNotFound
	KindMethodNotFound    Kind = messages.CodeMethodNotFound
	KindInvalidCall       Kind = messages.CodeInvalidCall
	KindNetworkFailure    Kind = messages.CodeNetworkFailure
	KindInvocationFailure Kind = messages.CodeInvocationFailure
)

// IsCallerError reports whether the failure was caused by the caller's input
// rather than an internal fault.
func (k Kind) IsCallerError() bool {
	switch k {
	case KindTargetNotFound, KindMethodNotFound, KindInvalidCall:
		return true
	}
	return false
}

// Retryable reports whether retrying the same call may succeed.
func (k Kind) Retryable() bool {
	return k == KindNetworkFailure
}

// DispatchError is a dispatch failure carrying the call identity and the underlying cause.
type DispatchError struct {
	Kind       Kind
	Service    string
	Driver     string
	InstanceID string
	Message    string
	Err        error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("%s: %s (service=%s driver=%s instance=%s)",
		e.Kind, e.Message, e.Service, e.Driver, e.InstanceID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Detail converts the error into a wire ErrorDetail.
func (e *DispatchError) Detail() *messages.ErrorDetail {
	return &messages.ErrorDetail{
		Code:      string(e.Kind),
		Message:   e.Error(),
		Retryable: e.Kind.Retryable(),
	}
}

func newDispatchError(kind Kind, call *messages.ServiceCall, message string, cause error) *DispatchError {
	e := &DispatchError{Kind: kind, Message: message, Err: cause}
	if call != nil {
		e.Service = call.Service
		e.Driver = call.Driver
		e.InstanceID = call.InstanceID
	}
	return e
}

// FromDetail rebuilds the dispatch error described by a failed response, so a failure
// reported by an application or a remote device keeps its kind. Unknown codes become
// INVOCATION_FAILURE.
func FromDetail(call *messages.ServiceCall, detail *messages.ErrorDetail) *DispatchError {
	if detail == nil {
		return newDispatchError(KindInvocationFailure, call, "failed without error detail", nil)
	}
	kind := Kind(detail.Code)
	switch kind {
	case KindTargetNotFound, KindMethodNotFound, KindInvalidCall, KindNetworkFailure:
	default:
		kind = KindInvocationFailure
	}
	return newDispatchError(kind, call, detail.Message, nil)
}

// KindOf returns the dispatch kind of err, if err wraps a *DispatchError.
func KindOf(err error) (Kind, bool) {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}
