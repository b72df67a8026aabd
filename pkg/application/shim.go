package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/smartspace/pkg/messages"
)

const shimLogPrefix = "application:shim"

type callError struct {
	code  string
	cause error
}

func (e *callError) Error() string { return e.cause.Error() }

// InvokeOnApplication runs the operation of app named exactly call.Service.
//
// It never panics and never returns nil: any failure (no app, no such operation,
// an operation error or panic) yields a response whose Error message reads
// "not possible to make call because <cause>".
func InvokeOnApplication(ctx context.Context, app Application, call *messages.ServiceCall) *messages.ServiceResponse {
	resp := messages.NewServiceResponse()
	data, err := invokeOperation(ctx, app, call)
	if err != nil {
		code := messages.CodeInvocationFailure
		var ce *callError
		if errors.As(err, &ce) {
			code = ce.code
		}
		service := ""
		if call != nil {
			service = call.Service
		}
		slog.Error(fmt.Sprintf("%s - Internal failure executing service %q: %v", shimLogPrefix, service, err))
		resp.SetError(code, fmt.Sprintf("not possible to make call because %v", err), false)
		return resp
	}
	for k, v := range data {
		resp.AddData(k, v)
	}
	return resp
}

func invokeOperation(ctx context.Context, app Application, call *messages.ServiceCall) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = fmt.Errorf("operation %q panicked: %v", call.Service, r)
		}
	}()
	if call == nil {
		return nil, &callError{code: messages.CodeInvalidCall, cause: errors.New("no service call given")}
	}
	if app == nil {
		return nil, &callError{code: messages.CodeTargetNotFound, cause: fmt.Errorf("no application found for instance %q", call.InstanceID)}
	}
	provider, ok := app.(OperationProvider)
	if !ok {
		return nil, &callError{code: messages.CodeMethodNotFound, cause: fmt.Errorf("%T exposes no operations", app)}
	}
	op := provider.Operations()[call.Service]
	if op == nil {
		return nil, &callError{code: messages.CodeMethodNotFound, cause: fmt.Errorf("%T has no operation %q", app, call.Service)}
	}
	params := call.Parameters
	if params == nil {
		params = map[string]string{}
	}
	return op(ctx, params)
}
