// Package jsonrpcserver exposes functions like:
// func Foo(context, int) (int, error)
// as JSON RPC methods over http
package jsonrpcserver

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
)

const maxRequestBodySize = 1 << 20

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Handler struct {
	log     *zap.Logger
	methods map[string]methodHandler
}

type Methods map[string]any

// NewHandler creates an http.Handler from the map of method names to functions.
// Every function must take context.Context first and return error last, with
// JSON compatible arguments and result.
func NewHandler(log *zap.Logger, methods Methods) (*Handler, error) {
	m := make(map[string]methodHandler, len(methods))
	for name, fn := range methods {
		method, err := getMethodTypes(fn)
		if err != nil {
			return nil, err
		}
		m[name] = method
	}
	return &Handler{log: log.Named("jsonrpc"), methods: m}, nil
}

func errorResponse(id any, code int, msg string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: msg},
	}
}

func validID(id any) bool {
	switch id.(type) {
	case nil, string, float64:
		return true
	default:
		return false
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	var res JSONRPCResponse
	var req JSONRPCRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	switch {
	case err != nil:
		res = errorResponse(nil, CodeParseError, err.Error())
	case json.Unmarshal(body, &req) != nil:
		res = errorResponse(nil, CodeParseError, "invalid json")
	default:
		res = h.handle(r, req)
	}

	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) handle(r *http.Request, req JSONRPCRequest) JSONRPCResponse {
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, CodeInvalidRequest, "invalid jsonrpc version")
	}
	if !validID(req.ID) {
		return errorResponse(nil, CodeInvalidRequest, "invalid id type")
	}
	method, ok := h.methods[req.Method]
	if !ok {
		return errorResponse(req.ID, CodeMethodNotFound, "method not found")
	}

	startAt := time.Now()
	result, err := method.call(r.Context(), req.Params)
	if err != nil {
		code := CodeCustomError
		if isParamsError(err) {
			code = CodeInvalidParams
		}
		h.log.Debug("Method failed", zap.String("method", req.Method), zap.Error(err))
		return errorResponse(req.ID, code, err.Error())
	}
	h.log.Debug("Method served", zap.String("method", req.Method), zap.Duration("took", time.Since(startAt)))

	marshaled, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	raw := json.RawMessage(marshaled)
	return JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: &raw}
}
