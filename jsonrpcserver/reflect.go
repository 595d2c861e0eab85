package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")

	ErrInvalidParams = errors.New("invalid params")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type methodHandler struct {
	in []reflect.Type
	fn reflect.Value
}

func getMethodTypes(fn any) (methodHandler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}
	if fnType.NumIn() == 0 || fnType.In(0) != contextType {
		return methodHandler{}, ErrMustHaveContext
	}
	numOut := fnType.NumOut()
	if numOut == 0 || !fnType.Out(numOut-1).Implements(errorType) {
		return methodHandler{}, ErrMustReturnError
	}
	if numOut > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}

	in := make([]reflect.Type, 0, fnType.NumIn()-1)
	for i := 1; i < fnType.NumIn(); i++ {
		in = append(in, fnType.In(i))
	}
	return methodHandler{in: in, fn: reflect.ValueOf(fn)}, nil
}

func isParamsError(err error) bool {
	return errors.Is(err, ErrInvalidParams)
}

func (h methodHandler) call(ctx context.Context, params []json.RawMessage) (any, error) {
	args, err := decodeParams(h.in, params)
	if err != nil {
		return nil, err
	}
	results := h.fn.Call(append([]reflect.Value{reflect.ValueOf(ctx)}, args...))

	var outErr error
	if last := results[len(results)-1]; !last.IsNil() {
		outErr = last.Interface().(error) //nolint:forcetypeassert
	}
	if len(results) == 1 {
		return nil, outErr
	}
	return results[0].Interface(), outErr
}

// decodeParams unmarshals positional params, missing trailing params keep their zero value
func decodeParams(in []reflect.Type, params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(in) {
		return nil, fmt.Errorf("%w: expected at most %d, got %d", ErrInvalidParams, len(in), len(params))
	}
	args := make([]reflect.Value, len(in))
	for i, argType := range in {
		arg := reflect.New(argType)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, fmt.Errorf("%w: param %d: %w", ErrInvalidParams, i, err)
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}
